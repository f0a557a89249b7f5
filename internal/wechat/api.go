package wechat

import (
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/imbridge/imbridge/internal/bridge"
)

// downloadTimeout bounds fetching image content referenced by URL.
const downloadTimeout = 30 * time.Second

type botSession interface {
	Ready() bool
	BotName() string
	Find(id string) (Target, error)
	Contacts() ([]Contact, error)
	Rooms() ([]Room, error)
}

type sendRequest struct {
	To       string `json:"to" validate:"required"`
	Type     string `json:"type"`
	Content  string `json:"content"`
	URL      string `json:"url"`
	Path     string `json:"path"`
	Filename string `json:"filename"`
}

// APIHandler exposes the outbound send API and the session listings.
type APIHandler struct {
	secret  string
	session botSession
	client  *http.Client
	logger  *slog.Logger
}

// NewAPIHandler builds the outbound API handler around the session.
func NewAPIHandler(secret string, session botSession, log *slog.Logger) *APIHandler {
	if log == nil {
		log = slog.Default()
	}
	return &APIHandler{
		secret:  secret,
		session: session,
		client:  &http.Client{Timeout: downloadTimeout},
		logger:  log.With(slog.String("handler", "wechat_api")),
	}
}

// Register registers the outbound API routes.
func (h *APIHandler) Register(e *echo.Echo) {
	e.POST("/api/send", h.HandleSend)
	e.GET("/api/contacts", h.HandleContacts)
	e.GET("/api/rooms", h.HandleRooms)
	e.GET("/health", h.HandleHealth)
}

// HandleSend delivers one message through the web session.
func (h *APIHandler) HandleSend(c echo.Context) error {
	if !h.authorized(c) {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	if !h.session.Ready() {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "wechat session not ready"})
	}

	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "to is required"})
	}

	target, err := h.session.Find(req.To)
	if err != nil {
		return c.JSON(bridge.HTTPStatus(err), echo.Map{"error": err.Error()})
	}

	msgType := strings.TrimSpace(req.Type)
	if msgType == "" {
		msgType = "text"
	}
	switch msgType {
	case "text":
		err = h.sendText(target, req)
	case "image":
		err = h.sendImage(target, req)
	case "file":
		err = h.sendFile(target, req)
	default:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": fmt.Sprintf("unsupported message type: %s", msgType)})
	}
	if err != nil {
		h.logger.Error("message send failed",
			slog.String("to", req.To),
			slog.String("message_type", msgType),
			slog.String("error", err.Error()),
		)
		return c.JSON(bridge.HTTPStatus(err), echo.Map{"error": err.Error()})
	}

	h.logger.Info("message sent",
		slog.String("to", req.To),
		slog.String("message_type", msgType),
	)
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

func (h *APIHandler) sendText(target Target, req sendRequest) error {
	if strings.TrimSpace(req.Content) == "" {
		return fmt.Errorf("%w: content is required for text messages", bridge.ErrValidation)
	}
	if _, err := target.SendText(req.Content); err != nil {
		return fmt.Errorf("%w: %v", bridge.ErrDelivery, err)
	}
	return nil
}

func (h *APIHandler) sendImage(target Target, req sendRequest) error {
	switch {
	case req.Path != "":
		file, err := os.Open(req.Path)
		if err != nil {
			return fmt.Errorf("%w: open image: %v", bridge.ErrValidation, err)
		}
		defer file.Close()
		if _, err := target.SendImage(file); err != nil {
			return fmt.Errorf("%w: %v", bridge.ErrDelivery, err)
		}
		return nil
	case req.URL != "":
		resp, err := h.client.Get(req.URL)
		if err != nil {
			return fmt.Errorf("%w: fetch image: %v", bridge.ErrValidation, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: fetch image: status %d", bridge.ErrValidation, resp.StatusCode)
		}
		if _, err := target.SendImage(resp.Body); err != nil {
			return fmt.Errorf("%w: %v", bridge.ErrDelivery, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: url or path is required for image messages", bridge.ErrValidation)
	}
}

// sendFile uploads a local file. The web protocol takes the filename from the
// uploaded *os.File, so a filename override goes through a renamed temp copy.
func (h *APIHandler) sendFile(target Target, req sendRequest) error {
	if req.Path == "" {
		return fmt.Errorf("%w: path is required for file messages", bridge.ErrValidation)
	}
	file, err := os.Open(req.Path)
	if err != nil {
		return fmt.Errorf("%w: open file: %v", bridge.ErrValidation, err)
	}
	defer file.Close()

	upload := file
	if name := strings.TrimSpace(req.Filename); name != "" {
		renamed, dir, err := renamedCopy(file, name)
		if err != nil {
			return fmt.Errorf("%w: prepare file: %v", bridge.ErrValidation, err)
		}
		defer func() {
			renamed.Close()
			os.RemoveAll(dir)
		}()
		upload = renamed
	}

	if _, err := target.SendFile(upload); err != nil {
		return fmt.Errorf("%w: %v", bridge.ErrDelivery, err)
	}
	return nil
}

// renamedCopy stages src under a temp directory with the requested name.
func renamedCopy(src *os.File, name string) (*os.File, string, error) {
	dir, err := os.MkdirTemp("", "imbridge-send-")
	if err != nil {
		return nil, "", err
	}
	dst, err := os.Create(filepath.Join(dir, filepath.Base(name)))
	if err != nil {
		os.RemoveAll(dir)
		return nil, "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.RemoveAll(dir)
		return nil, "", err
	}
	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		dst.Close()
		os.RemoveAll(dir)
		return nil, "", err
	}
	return dst, dir, nil
}

// HandleContacts lists the session's friends.
func (h *APIHandler) HandleContacts(c echo.Context) error {
	if !h.authorized(c) {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	contacts, err := h.session.Contacts()
	if err != nil {
		return c.JSON(bridge.HTTPStatus(err), echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, contacts)
}

// HandleRooms lists the session's group chats.
func (h *APIHandler) HandleRooms(c echo.Context) error {
	if !h.authorized(c) {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	rooms, err := h.session.Rooms()
	if err != nil {
		return c.JSON(bridge.HTTPStatus(err), echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, rooms)
}

// HandleHealth reports adapter liveness and session state.
func (h *APIHandler) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"status":   "ok",
		"loggedIn": h.session.Ready(),
		"botName":  h.session.BotName(),
	})
}

func (h *APIHandler) authorized(c echo.Context) bool {
	if h.secret == "" {
		return true
	}
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) == 1
}
