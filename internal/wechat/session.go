// Package wechat implements the WeChat channel adapter on top of a personal
// account web session: QR login, the inbound normalization pipeline, and the
// outbound send API.
package wechat

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/eatmoreapple/openwechat"

	"github.com/imbridge/imbridge/internal/bridge"
)

// Type is the channel identifier used in normalized messages and routes.
const Type = bridge.Channel("wechat")

// groupIDPrefix marks chatroom identifiers in the web session.
const groupIDPrefix = "@@"

// Target is a friend or group the session can deliver messages to.
type Target interface {
	SendText(content string) (*openwechat.SentMessage, error)
	SendImage(file io.Reader) (*openwechat.SentMessage, error)
	SendFile(file io.Reader) (*openwechat.SentMessage, error)
}

// Contact is one row of the /api/contacts listing.
type Contact struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Room is one row of the /api/rooms listing.
type Room struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
}

// Session owns the web-session bot. Login blocks on QR confirmation, so the
// session starts empty and every consumer checks Ready before touching it.
type Session struct {
	bot    *openwechat.Bot
	logger *slog.Logger

	mu   sync.RWMutex
	self *openwechat.Self
}

// NewSession builds the bot in desktop mode, which keeps the web endpoint
// usable for most accounts. The QR code URL is printed to stdout.
func NewSession(log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	bot := openwechat.DefaultBot(openwechat.Desktop)
	bot.UUIDCallback = openwechat.PrintlnQrcodeUrl
	return &Session{
		bot:    bot,
		logger: log.With(slog.String("adapter", "wechat")),
	}
}

// OnMessage installs the inbound message callback. Must be called before
// Login.
func (s *Session) OnMessage(fn func(msg *openwechat.Message)) {
	s.bot.MessageHandler = fn
}

// Login establishes the web session. With a hot-login file the previous
// session is resumed when still valid, falling back to a fresh QR scan.
func (s *Session) Login(hotLoginFile string) error {
	var err error
	if strings.TrimSpace(hotLoginFile) != "" {
		storage := openwechat.NewFileHotReloadStorage(hotLoginFile)
		defer storage.Close()
		err = s.bot.HotLogin(storage, openwechat.NewRetryLoginOption())
	} else {
		err = s.bot.Login()
	}
	if err != nil {
		return fmt.Errorf("wechat login: %w", err)
	}

	self, err := s.bot.GetCurrentUser()
	if err != nil {
		return fmt.Errorf("wechat current user: %w", err)
	}
	s.mu.Lock()
	s.self = self
	s.mu.Unlock()

	s.logger.Info("wechat session established", slog.String("bot_name", self.NickName))
	return nil
}

// Block waits until the session ends (logout or expiry).
func (s *Session) Block() error {
	return s.bot.Block()
}

// Logout terminates the web session.
func (s *Session) Logout() error {
	if !s.bot.Alive() {
		return nil
	}
	return s.bot.Logout()
}

// Ready reports whether the session is logged in and usable.
func (s *Session) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self != nil && s.bot.Alive()
}

// BotName returns the logged-in account's display name, or "" before login.
func (s *Session) BotName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.self == nil {
		return ""
	}
	return s.self.NickName
}

// SelfID returns the session-scoped identifier of the logged-in account.
func (s *Session) SelfID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.self == nil {
		return ""
	}
	return s.self.UserName
}

func (s *Session) currentUser() (*openwechat.Self, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.self == nil || !s.bot.Alive() {
		return nil, bridge.ErrNotReady
	}
	return s.self, nil
}

// Find resolves a send target. Group identifiers carry the "@@" prefix;
// everything else is looked up among friends. Both identifier and display
// name match.
func (s *Session) Find(id string) (Target, error) {
	self, err := s.currentUser()
	if err != nil {
		return nil, err
	}

	if strings.HasPrefix(id, groupIDPrefix) {
		groups, err := self.Groups()
		if err != nil {
			return nil, fmt.Errorf("%w: list groups: %v", bridge.ErrUpstream, err)
		}
		if found := groups.SearchByUserName(1, id); len(found) > 0 {
			return found.First(), nil
		}
		return nil, fmt.Errorf("%w: group %s", bridge.ErrNotFound, id)
	}

	friends, err := self.Friends()
	if err != nil {
		return nil, fmt.Errorf("%w: list friends: %v", bridge.ErrUpstream, err)
	}
	if found := friends.SearchByUserName(1, id); len(found) > 0 {
		return found.First(), nil
	}
	if found := friends.SearchByRemarkName(1, id); len(found) > 0 {
		return found.First(), nil
	}
	if found := friends.SearchByNickName(1, id); len(found) > 0 {
		return found.First(), nil
	}
	return nil, fmt.Errorf("%w: contact %s", bridge.ErrNotFound, id)
}

// Contacts lists the session's friends.
func (s *Session) Contacts() ([]Contact, error) {
	self, err := s.currentUser()
	if err != nil {
		return nil, err
	}
	friends, err := self.Friends()
	if err != nil {
		return nil, fmt.Errorf("%w: list friends: %v", bridge.ErrUpstream, err)
	}
	result := make([]Contact, 0, len(friends))
	for _, f := range friends {
		result = append(result, Contact{
			ID:   f.UserName,
			Name: displayName(f.User),
			Type: "friend",
		})
	}
	return result, nil
}

// Rooms lists the session's group chats.
func (s *Session) Rooms() ([]Room, error) {
	self, err := s.currentUser()
	if err != nil {
		return nil, err
	}
	groups, err := self.Groups()
	if err != nil {
		return nil, fmt.Errorf("%w: list groups: %v", bridge.ErrUpstream, err)
	}
	result := make([]Room, 0, len(groups))
	for _, g := range groups {
		result = append(result, Room{ID: g.UserName, Topic: g.NickName})
	}
	return result, nil
}

func displayName(u *openwechat.User) string {
	if u == nil {
		return ""
	}
	if u.RemarkName != "" {
		return u.RemarkName
	}
	return u.NickName
}
