// Package typing tracks the ephemeral "is composing" signal for one
// conversation. Signals are fire-and-forget: no retry, no acknowledgement,
// and never an error on the send path.
package typing

import (
	"encoding/json"
	"sync"

	"github.com/storechat/internal/logger"
	"github.com/storechat/internal/model"
)

// SendDestination is the broker endpoint for typing signals.
const SendDestination = "/app/chat.typing"

// Publisher is the transport slice the coordinator needs.
type Publisher interface {
	Publish(destination string, payload any) error
	Connected() bool
}

// Config binds a coordinator to one conversation.
type Config struct {
	// Key is the conversation key (guest UUID or account id).
	Key string
	// AccountAddressed selects the userId wire field over sessionId.
	AccountAddressed bool
	// Self is the side this client writes as; only the counterpart's
	// signals are surfaced.
	Self model.Sender
}

type event struct {
	SessionID string       `json:"sessionId,omitempty"`
	UserID    string       `json:"userId,omitempty"`
	Sender    model.Sender `json:"sender"`
	Typing    bool         `json:"typing"`
}

// Coordinator sends and receives typing signals for one conversation.
type Coordinator struct {
	pub Publisher
	cfg Config

	mu      sync.Mutex
	typing  bool
	handler func(bool)
}

func New(pub Publisher, cfg Config) *Coordinator {
	return &Coordinator{pub: pub, cfg: cfg}
}

// Send publishes the composing flag immediately. Callers decide cadence
// (typically every keystroke plus a stop timer). While disconnected it is
// a silent no-op: indicators must never block or fail the send path.
func (c *Coordinator) Send(isTyping bool) {
	if !c.pub.Connected() {
		return
	}
	ev := event{Sender: c.cfg.Self, Typing: isTyping}
	if c.cfg.AccountAddressed {
		ev.UserID = c.cfg.Key
	} else {
		ev.SessionID = c.cfg.Key
	}
	if err := c.pub.Publish(SendDestination, ev); err != nil {
		logger.Debugf("typing publish: %v", err)
	}
}

// OnTypingChanged registers the observer for counterpart signals.
func (c *Coordinator) OnTypingChanged(fn func(bool)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// Typing returns the latest counterpart value.
func (c *Coordinator) Typing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

// HandleEvent consumes one wire event. Only the counterpart's signal is
// kept: a customer session surfaces ADMIN typing, an admin session
// surfaces USER typing. Own echoes are dropped.
func (c *Coordinator) HandleEvent(raw []byte) {
	var ev event
	if err := json.Unmarshal(raw, &ev); err != nil {
		logger.Debugf("typing decode: %v", err)
		return
	}
	if ev.Sender == c.cfg.Self {
		return
	}

	c.mu.Lock()
	c.typing = ev.Typing
	fn := c.handler
	c.mu.Unlock()

	if fn != nil {
		fn(ev.Typing)
	}
}
