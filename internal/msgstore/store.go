// Package msgstore keeps the ordered, deduplicated client-side view of one
// conversation. It merges paginated history, live events and optimistic
// local sends; the merge-then-sort step, not call order, is what restores
// display order when fetches and events race.
package msgstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/storechat/internal/model"
)

// Event is one raw message as it appears on the wire, either a live frame
// body or a history page row. Older backend builds named the body field
// differently, so all known keys are accepted.
type Event struct {
	ID        int64  `json:"id"`
	Sender    string `json:"sender"`
	Message   string `json:"message"`
	Text      string `json:"text"`
	Content   string `json:"content"`
	SentAt    string `json:"sentAt"`
	Timestamp string `json:"timestamp"`
	Seen      bool   `json:"seen"`
	Delivered bool   `json:"delivered"`
	ChatRoom  struct {
		ID        int64  `json:"id"`
		SessionID string `json:"sessionId"`
	} `json:"chatRoom"`
}

// body returns the first populated text key.
func (e Event) body() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Text != "":
		return e.Text
	default:
		return e.Content
	}
}

// when parses the send time under either key; malformed or missing
// timestamps become now rather than failing.
func (e Event) when(now time.Time) time.Time {
	raw := e.SentAt
	if raw == "" {
		raw = e.Timestamp
	}
	if raw == "" {
		return now
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return now
}

// normalize converts a wire event into a model message. ok is false when
// the event must be dropped (blank text).
func (e Event) normalize(fallbackKey string, now time.Time) (model.Message, bool) {
	text := e.body()
	if strings.TrimSpace(text) == "" {
		return model.Message{}, false
	}
	sender := model.SenderUser
	if e.Sender == string(model.SenderAdmin) {
		sender = model.SenderAdmin
	}
	key := e.ChatRoom.SessionID
	if key == "" {
		key = fallbackKey
	}
	return model.Message{
		ID:         e.ID,
		SessionKey: key,
		Text:       text,
		Sender:     sender,
		SentAt:     e.when(now),
		Seen:       e.Seen,
		Delivered:  e.Delivered,
	}, true
}

// Store is owned by exactly one controller; methods are safe for the
// controller's own goroutines (live events arrive on the transport's
// read pump while history fetches complete elsewhere).
type Store struct {
	mu         sync.Mutex
	sessionKey string
	msgs       []model.Message
	hasMore    bool

	// now is replaceable in tests.
	now func() time.Time
}

// New creates an empty store for one conversation key.
func New(sessionKey string) *Store {
	return &Store{
		sessionKey: sessionKey,
		hasMore:    true,
		now:        time.Now,
	}
}

// All returns the display sequence: ascending by sentAt, arrival order on
// ties.
func (s *Store) All() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Len reports the number of stored messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// HasMore reports whether older history pages remain.
func (s *Store) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// ApplyHistoryPage merges one fetched page. Confirmed rows already present
// (by id) are skipped, so a stale late-arriving page merges harmlessly.
func (s *Store) ApplyHistoryPage(events []Event, isLastPage bool) {
	now := s.nowFn()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[int64]struct{}, len(s.msgs))
	for _, m := range s.msgs {
		if m.ID > 0 {
			existing[m.ID] = struct{}{}
		}
	}

	for _, e := range events {
		m, ok := e.normalize(s.sessionKey, now)
		if !ok {
			continue
		}
		if _, dup := existing[m.ID]; dup {
			continue
		}
		existing[m.ID] = struct{}{}
		s.msgs = append(s.msgs, m)
	}

	s.hasMore = !isLastPage
	s.sortLocked()
	s.reconcileLocked()
}

// ApplyLiveEvent normalizes and inserts one pushed event, then reconciles
// optimistic entries against it. Blank events are discarded; duplicates by
// id are ignored.
func (s *Store) ApplyLiveEvent(raw []byte) (model.Message, bool) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return model.Message{}, false
	}
	return s.applyEvent(e)
}

// ApplyEvent is ApplyLiveEvent for an already-decoded event.
func (s *Store) ApplyEvent(e Event) (model.Message, bool) {
	return s.applyEvent(e)
}

func (s *Store) applyEvent(e Event) (model.Message, bool) {
	m, ok := e.normalize(s.sessionKey, s.nowFn())
	if !ok {
		return model.Message{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cur := range s.msgs {
		if cur.ID > 0 && cur.ID == m.ID {
			return model.Message{}, false
		}
	}
	s.msgs = append(s.msgs, m)
	s.sortLocked()
	s.reconcileLocked()
	return m, true
}

// AppendOptimistic inserts a local unconfirmed send with a negative id so
// the UI reflects it with zero latency. The returned message lets the
// caller roll it back when the publish fails.
func (s *Store) AppendOptimistic(text string, sender model.Sender) model.Message {
	now := s.nowFn()
	m := model.Message{
		ID:         -now.UnixMilli(),
		SessionKey: s.sessionKey,
		Text:       text,
		Sender:     sender,
		SentAt:     now,
	}
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.sortLocked()
	s.mu.Unlock()
	return m
}

// Remove deletes one message by id (failed optimistic send rollback).
func (s *Store) Remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.msgs[:0]
	for _, m := range s.msgs {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	s.msgs = kept
}

// Reconcile drops optimistic entries that a confirmed message with equal
// text and sender has superseded. This is what prevents duplicate bubbles
// once the broker echoes a send back.
func (s *Store) Reconcile() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconcileLocked()
}

// SetStatus applies an asynchronous seen/delivered status event.
func (s *Store) SetStatus(id int64, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.msgs {
		if s.msgs[i].ID != id {
			continue
		}
		switch status {
		case model.StatusSeen:
			s.msgs[i].Seen = true
		case model.StatusDelivered:
			s.msgs[i].Delivered = true
		}
		return
	}
}

// Reset clears everything for a new conversation.
func (s *Store) Reset(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionKey = sessionKey
	s.msgs = nil
	s.hasMore = true
}

// SessionKey returns the conversation key the store is bound to.
func (s *Store) SessionKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionKey
}

func (s *Store) nowFn() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// sortLocked re-sorts ascending by sentAt, stable so equal or missing
// timestamps keep arrival order. Caller holds the lock.
func (s *Store) sortLocked() {
	sort.SliceStable(s.msgs, func(i, j int) bool {
		return s.msgs[i].SentAt.Before(s.msgs[j].SentAt)
	})
}

func (s *Store) reconcileLocked() {
	confirmed := make(map[string]struct{})
	for _, m := range s.msgs {
		if m.ID > 0 {
			confirmed[matchKey(m)] = struct{}{}
		}
	}
	kept := s.msgs[:0]
	for _, m := range s.msgs {
		if m.Optimistic() {
			if _, echoed := confirmed[matchKey(m)]; echoed {
				continue
			}
		}
		kept = append(kept, m)
	}
	s.msgs = kept
}

// matchKey is the content heuristic the reconcile step matches on. The
// backend echoes no client correlation id, so text+sender is all there is.
func matchKey(m model.Message) string {
	return fmt.Sprintf("%s\x00%s", m.Sender, m.Text)
}
