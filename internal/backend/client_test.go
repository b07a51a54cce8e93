package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/storechat/internal/model"
)

func newTestClient(t *testing.T, r chi.Router, token string) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return New(srv.URL, 2*time.Second, func() string { return token })
}

func TestSession(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/session", func(w http.ResponseWriter, req *http.Request) {
		if got := req.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q, want Bearer tok-1", got)
		}
		w.Write([]byte(`{"isLoggedIn":true,"token":"tok-1","role":"ADMIN","userId":"u-9"}`))
	})
	c := newTestClient(t, r, "tok-1")

	info, err := c.Session(context.Background())
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if !info.LoggedIn || info.Role != "ADMIN" || info.UserID != "u-9" {
		t.Errorf("info = %+v", info)
	}
}

func TestSessionNoToken(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/session", func(w http.ResponseWriter, req *http.Request) {
		if got := req.Header.Get("Authorization"); got != "" {
			t.Errorf("guest request carried Authorization %q", got)
		}
		w.Write([]byte(`{"isLoggedIn":false}`))
	})
	c := newTestClient(t, r, "")

	info, err := c.Session(context.Background())
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if info.LoggedIn {
		t.Error("LoggedIn = true, want false")
	}
}

func TestMyRoom(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/chat/room", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"success":true,"data":{"sessionId":"room-7"}}`))
	})
	c := newTestClient(t, r, "tok")

	key, err := c.MyRoom(context.Background())
	if err != nil {
		t.Fatalf("MyRoom: %v", err)
	}
	if key != "room-7" {
		t.Errorf("key = %q, want room-7", key)
	}
}

func TestMyRoomMissingSessionID(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/chat/room", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"success":true,"data":{}}`))
	})
	c := newTestClient(t, r, "tok")

	if _, err := c.MyRoom(context.Background()); err == nil {
		t.Error("MyRoom accepted a response without a sessionId")
	}
}

func TestMessagesGuestRoute(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/chat/messages/{key}", func(w http.ResponseWriter, req *http.Request) {
		if key := chi.URLParam(req, "key"); key != "guest-1" {
			t.Errorf("key = %q, want guest-1", key)
		}
		if page := req.URL.Query().Get("page"); page != "2" {
			t.Errorf("page = %q, want 2", page)
		}
		if limit := req.URL.Query().Get("limit"); limit != "50" {
			t.Errorf("limit = %q, want 50", limit)
		}
		w.Write([]byte(`{"content":[{"id":1,"sender":"USER","message":"hi"}],"totalElements":1,"number":2,"size":50,"last":true}`))
	})
	c := newTestClient(t, r, "")

	id := model.ConversationIdentity{Class: model.ClassGuest, SessionKey: "guest-1"}
	p, err := c.Messages(context.Background(), id, 2, 50)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(p.Content) != 1 || p.Content[0].ID != 1 {
		t.Errorf("page = %+v", p)
	}
	if !p.Last {
		t.Error("Last = false")
	}
}

func TestMessagesAuthenticatedRoute(t *testing.T) {
	hit := false
	r := chi.NewRouter()
	r.Get("/api/chat/messages/me", func(w http.ResponseWriter, req *http.Request) {
		hit = true
		w.Write([]byte(`{"content":[],"last":true}`))
	})
	c := newTestClient(t, r, "tok")

	id := model.ConversationIdentity{Class: model.ClassUser, SessionKey: "u-1", AuthToken: "tok"}
	if _, err := c.Messages(context.Background(), id, 0, 10); err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if !hit {
		t.Error("authenticated fetch did not use the me route")
	}
}

func TestMessages404IsEmptyFinalPage(t *testing.T) {
	r := chi.NewRouter() // no routes: every request 404s
	c := newTestClient(t, r, "")

	id := model.ConversationIdentity{Class: model.ClassGuest, SessionKey: "nobody"}
	p, err := c.Messages(context.Background(), id, 3, 10)
	if err != nil {
		t.Fatalf("Messages on 404: %v, want nil", err)
	}
	if len(p.Content) != 0 || !p.Last || p.Number != 3 {
		t.Errorf("page = %+v, want empty final page number 3", p)
	}
}

func TestRoomMessages404IsEmptyFinalPage(t *testing.T) {
	r := chi.NewRouter()
	c := newTestClient(t, r, "tok")

	p, err := c.RoomMessages(context.Background(), "room-x", 0, 10)
	if err != nil {
		t.Fatalf("RoomMessages on 404: %v, want nil", err)
	}
	if len(p.Content) != 0 || !p.Last {
		t.Errorf("page = %+v, want empty final page", p)
	}
}

func TestUnauthorized(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/chat/rooms", func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	})
	c := newTestClient(t, r, "stale")

	if _, err := c.Rooms(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Rooms error = %v, want ErrUnauthorized", err)
	}
}

func TestRooms(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/chat/rooms", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"success":true,"data":[{"id":1,"sessionId":"room-a","unreadCount":2}]}`))
	})
	c := newTestClient(t, r, "tok")

	rooms, err := c.Rooms(context.Background())
	if err != nil {
		t.Fatalf("Rooms: %v", err)
	}
	if len(rooms) != 1 || rooms[0].SessionKey != "room-a" || rooms[0].UnreadCount != 2 {
		t.Errorf("rooms = %+v", rooms)
	}
}

func TestServerErrorSurfacesStatus(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/session", func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	c := newTestClient(t, r, "")

	_, err := c.Session(context.Background())
	if err == nil {
		t.Fatal("Session accepted a 500")
	}
}
