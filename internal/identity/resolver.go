// Package identity determines who the caller is on the chat channel:
// anonymous guest, authenticated customer, or admin staff. Resolution
// degrades instead of failing; every caller always gets a usable
// ConversationIdentity.
package identity

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/storechat/internal/backend"
	"github.com/storechat/internal/logger"
	"github.com/storechat/internal/model"
	"github.com/storechat/internal/storage"
)

const (
	// guestStorageKey is the durable-storage slot holding the guest UUID;
	// same name the web client used in localStorage.
	guestStorageKey = "chat-public-session-id"

	// legacySharedKey is the historical last-resort key. It collides
	// across accounts, so reaching it is logged as an error; the token
	// claim fallback above it keeps the window nearly closed.
	legacySharedKey = "default-user-session"
)

// SessionAPI is the backend slice the resolver needs.
type SessionAPI interface {
	Session(ctx context.Context) (backend.SessionInfo, error)
	MyRoom(ctx context.Context) (string, error)
}

// Resolver resolves the caller's class and stable conversation key.
type Resolver struct {
	api SessionAPI
	kv  storage.KV
}

func New(api SessionAPI, kv storage.KV) *Resolver {
	return &Resolver{api: api, kv: kv}
}

// Resolve determines the caller's identity. The authenticated path makes
// at most one extra round trip (the room lookup) and degrades through
// token claims down to the legacy shared key; the guest path reads or
// mints a persisted UUID. Resolve never fails.
func (r *Resolver) Resolve(ctx context.Context) model.ConversationIdentity {
	info, err := r.api.Session(ctx)
	if err != nil {
		logger.Errorf("identity session lookup: %v", err)
		return r.guest(ctx)
	}
	if !info.LoggedIn || info.Token == "" {
		return r.guest(ctx)
	}

	class := model.ClassUser
	if info.Role == "ADMIN" {
		class = model.ClassAdmin
	}

	key, err := r.api.MyRoom(ctx)
	if err != nil || key == "" {
		logger.Errorf("identity room lookup: %v", err)
		key = accountKeyFromToken(info)
	}
	if key == "" {
		logger.Errorf("identity: falling back to shared legacy session key; conversations may collide")
		key = legacySharedKey
	}

	return model.ConversationIdentity{
		Class:      class,
		SessionKey: key,
		AuthToken:  info.Token,
	}
}

// Token re-resolves the current bearer token (used before reconnect
// attempts; tokens rotate).
func (r *Resolver) Token(ctx context.Context) (string, error) {
	info, err := r.api.Session(ctx)
	if err != nil {
		return "", err
	}
	return info.Token, nil
}

// NewChat discards the guest conversation key so the next Resolve starts a
// fresh thread. Authenticated conversations are tied to the account and
// are not affected.
func (r *Resolver) NewChat(ctx context.Context) error {
	return r.kv.Delete(ctx, guestStorageKey)
}

func (r *Resolver) guest(ctx context.Context) model.ConversationIdentity {
	key, err := r.kv.Get(ctx, guestStorageKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Errorf("identity storage read: %v", err)
		}
		key = uuid.NewString()
		if err := r.kv.Set(ctx, guestStorageKey, key); err != nil {
			// Still usable for this run; only persistence is lost.
			logger.Errorf("identity storage write: %v", err)
		}
	}
	return model.ConversationIdentity{Class: model.ClassGuest, SessionKey: key}
}

// accountKeyFromToken extracts a stable account id from the session
// response or the JWT claims, without verifying the signature: the token
// came from the backend over the session endpoint and is only mined for
// its subject here.
func accountKeyFromToken(info backend.SessionInfo) string {
	if info.UserID != "" {
		return info.UserID
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(info.Token, claims); err != nil {
		logger.Debugf("identity token parse: %v", err)
		return ""
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub
	}
	if v, ok := claims["userId"].(string); ok {
		return v
	}
	return ""
}
