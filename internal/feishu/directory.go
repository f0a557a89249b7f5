package feishu

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkcontact "github.com/larksuite/oapi-sdk-go/v3/service/contact/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/imbridge/imbridge/internal/bridge"
)

// unknownName is the degraded display name when a directory lookup fails.
const unknownName = "Unknown"

type userAPI interface {
	Get(ctx context.Context, req *larkcontact.GetUserReq, options ...larkcore.RequestOptionFunc) (*larkcontact.GetUserResp, error)
}

type chatAPI interface {
	Get(ctx context.Context, req *larkim.GetChatReq, options ...larkcore.RequestOptionFunc) (*larkim.GetChatResp, error)
}

type tokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Directory resolves user and chat identifiers to display metadata, caching
// results for the process lifetime. The cache is write-once per key: the first
// successful lookup wins and is never invalidated or expired. Lookup failures
// degrade to a placeholder entry and are not cached, so a later message may
// retry the lookup.
type Directory struct {
	users  userAPI
	chats  chatAPI
	tokens tokenSource
	logger *slog.Logger

	mu        sync.Mutex
	userCache map[string]bridge.EntityInfo
	chatCache map[string]bridge.ChatInfo
}

// NewDirectory creates an empty directory cache over the given lark services.
func NewDirectory(users userAPI, chats chatAPI, tokens tokenSource, log *slog.Logger) *Directory {
	if log == nil {
		log = slog.Default()
	}
	return &Directory{
		users:     users,
		chats:     chats,
		tokens:    tokens,
		logger:    log.With(slog.String("component", "directory")),
		userCache: make(map[string]bridge.EntityInfo),
		chatCache: make(map[string]bridge.ChatInfo),
	}
}

// ResolveUser returns display metadata for the given open_id. Failures never
// block the caller: a degraded placeholder is returned instead.
func (d *Directory) ResolveUser(ctx context.Context, openID string) bridge.EntityInfo {
	d.mu.Lock()
	if info, ok := d.userCache[openID]; ok {
		d.mu.Unlock()
		return info
	}
	d.mu.Unlock()

	info, err := d.lookupUser(ctx, openID)
	if err != nil {
		d.logger.Warn("user lookup failed", slog.String("open_id", openID), slog.Any("error", fmt.Errorf("%w: %v", bridge.ErrUpstream, err)))
		return bridge.EntityInfo{ID: openID, Name: unknownName}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.userCache[openID]; ok {
		return existing
	}
	d.userCache[openID] = info
	return info
}

// ResolveChat returns display metadata for the given chat_id, with the chat
// kind derived from the platform's chat mode.
func (d *Directory) ResolveChat(ctx context.Context, chatID string) bridge.ChatInfo {
	d.mu.Lock()
	if info, ok := d.chatCache[chatID]; ok {
		d.mu.Unlock()
		return info
	}
	d.mu.Unlock()

	info, err := d.lookupChat(ctx, chatID)
	if err != nil {
		d.logger.Warn("chat lookup failed", slog.String("chat_id", chatID), slog.Any("error", fmt.Errorf("%w: %v", bridge.ErrUpstream, err)))
		return bridge.ChatInfo{ID: chatID, Name: unknownName, Type: bridge.ChatGroup}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.chatCache[chatID]; ok {
		return existing
	}
	d.chatCache[chatID] = info
	return info
}

func (d *Directory) lookupUser(ctx context.Context, openID string) (bridge.EntityInfo, error) {
	token, err := d.tokens.Token(ctx)
	if err != nil {
		return bridge.EntityInfo{}, err
	}
	req := larkcontact.NewGetUserReqBuilder().
		UserId(openID).
		UserIdType(larkcontact.UserIdTypeOpenId).
		Build()
	resp, err := d.users.Get(ctx, req, larkcore.WithTenantAccessToken(token))
	if err != nil {
		return bridge.EntityInfo{}, err
	}
	if resp == nil || !resp.Success() {
		code, msg := 0, ""
		if resp != nil {
			code, msg = resp.Code, resp.Msg
		}
		return bridge.EntityInfo{}, fmt.Errorf("get user: %s (code: %d)", msg, code)
	}
	if resp.Data == nil || resp.Data.User == nil {
		return bridge.EntityInfo{}, fmt.Errorf("get user: empty response")
	}
	user := resp.Data.User
	return bridge.EntityInfo{
		ID:     openID,
		Name:   ptrStr(user.Name),
		Email:  ptrStr(user.Email),
		Avatar: avatarOrigin(user.Avatar),
	}, nil
}

func (d *Directory) lookupChat(ctx context.Context, chatID string) (bridge.ChatInfo, error) {
	token, err := d.tokens.Token(ctx)
	if err != nil {
		return bridge.ChatInfo{}, err
	}
	req := larkim.NewGetChatReqBuilder().
		ChatId(chatID).
		Build()
	resp, err := d.chats.Get(ctx, req, larkcore.WithTenantAccessToken(token))
	if err != nil {
		return bridge.ChatInfo{}, err
	}
	if resp == nil || !resp.Success() {
		code, msg := 0, ""
		if resp != nil {
			code, msg = resp.Code, resp.Msg
		}
		return bridge.ChatInfo{}, fmt.Errorf("get chat: %s (code: %d)", msg, code)
	}
	if resp.Data == nil {
		return bridge.ChatInfo{}, fmt.Errorf("get chat: empty response")
	}
	chatType := bridge.ChatGroup
	if ptrStr(resp.Data.ChatMode) == "p2p" {
		chatType = bridge.ChatPrivate
	}
	return bridge.ChatInfo{
		ID:   chatID,
		Name: ptrStr(resp.Data.Name),
		Type: chatType,
	}, nil
}

func ptrStr(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func avatarOrigin(avatar *larkcontact.AvatarInfo) string {
	if avatar == nil || avatar.AvatarOrigin == nil {
		return ""
	}
	return strings.TrimSpace(*avatar.AvatarOrigin)
}
