package feishu

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type tokenProbe interface {
	Cached() bool
}

// HealthHandler reports adapter liveness and whether a tenant token is
// currently cached.
type HealthHandler struct {
	appID  string
	tokens tokenProbe
}

func NewHealthHandler(appID string, tokens tokenProbe) *HealthHandler {
	return &HealthHandler{appID: appID, tokens: tokens}
}

// Register registers the health route.
func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/health", h.Handle)
}

func (h *HealthHandler) Handle(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"status":   "ok",
		"appId":    h.appID,
		"hasToken": h.tokens.Cached(),
	})
}
