// Package backend is the HTTP client for the store backend: auth session
// lookup, the per-account chat room, paginated message history and the
// admin room list. The real-time channel is not here (see transport).
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/storechat/internal/model"
	"github.com/storechat/internal/msgstore"
)

// ErrUnauthorized is returned when the backend rejects the bearer token.
var ErrUnauthorized = errors.New("backend: unauthorized")

type Client struct {
	baseURL    string
	httpClient *http.Client

	// token returns the current bearer token, empty for guests. Stored as
	// a func because tokens rotate between calls.
	token func() string
}

// New creates a client for baseURL. tokenFn may be nil for guest-only use.
func New(baseURL string, timeout time.Duration, tokenFn func() string) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if tokenFn == nil {
		tokenFn = func() string { return "" }
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		token:      tokenFn,
	}
}

// SessionInfo is the auth/session endpoint response.
type SessionInfo struct {
	LoggedIn bool   `json:"isLoggedIn"`
	Token    string `json:"token"`
	Role     string `json:"role"`
	UserID   string `json:"userId"`
}

// Session asks the backend who the current caller is.
func (c *Client) Session(ctx context.Context) (SessionInfo, error) {
	var info SessionInfo
	if err := c.getJSON(ctx, "/api/session", &info); err != nil {
		return SessionInfo{}, err
	}
	return info, nil
}

// MyRoom returns the stable conversation key of the authenticated account.
func (c *Client) MyRoom(ctx context.Context) (string, error) {
	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			SessionID string `json:"sessionId"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, "/api/chat/room", &resp); err != nil {
		return "", err
	}
	if !resp.Success || resp.Data.SessionID == "" {
		return "", errors.New("backend: room response missing sessionId")
	}
	return resp.Data.SessionID, nil
}

// Page is the Spring-style pagination envelope. Rows stay in wire form;
// the message store owns normalization.
type Page struct {
	Content       []msgstore.Event `json:"content"`
	TotalElements int64            `json:"totalElements"`
	Number        int              `json:"number"`
	Size          int              `json:"size"`
	Last          bool             `json:"last"`
}

// Messages fetches one 0-based history page for a conversation. Guests are
// addressed by session key; authenticated callers use the "me" route. A
// 404 means no conversation yet and comes back as an empty final page.
func (c *Client) Messages(ctx context.Context, identity model.ConversationIdentity, page, limit int) (*Page, error) {
	path := fmt.Sprintf("/api/chat/messages/%s?page=%d&limit=%d", identity.SessionKey, page, limit)
	if identity.Authenticated() {
		path = fmt.Sprintf("/api/chat/messages/me?page=%d&limit=%d", page, limit)
	}

	var p Page
	err := c.getJSON(ctx, path, &p)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return &Page{Number: page, Last: true}, nil
		}
		return nil, err
	}
	return &p, nil
}

// RoomMessages fetches history for an explicit room key regardless of the
// caller's own conversation (admin reading a customer's room).
func (c *Client) RoomMessages(ctx context.Context, sessionKey string, page, limit int) (*Page, error) {
	path := fmt.Sprintf("/api/chat/messages/%s?page=%d&limit=%d", sessionKey, page, limit)
	var p Page
	err := c.getJSON(ctx, path, &p)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return &Page{Number: page, Last: true}, nil
		}
		return nil, err
	}
	return &p, nil
}

// Rooms lists every conversation for the admin inbox.
func (c *Client) Rooms(ctx context.Context) ([]model.Room, error) {
	var resp struct {
		Success bool         `json:"success"`
		Data    []model.Room `json:"data"`
	}
	if err := c.getJSON(ctx, "/api/chat/rooms", &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

var errNotFound = errors.New("backend: not found")

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return errNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backend: GET %s: %d %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode %s: %w", path, err)
	}
	return nil
}
