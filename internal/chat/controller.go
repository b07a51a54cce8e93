// Package chat orchestrates one conversation: identity resolution,
// transport lifecycle, history hydration, live subscriptions and the
// operations the presentation layer calls. All network errors are folded
// into a single user-facing error string; nothing here panics the UI.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/storechat/internal/backend"
	"github.com/storechat/internal/logger"
	"github.com/storechat/internal/model"
	"github.com/storechat/internal/msgstore"
	"github.com/storechat/internal/transport"
	"github.com/storechat/internal/typing"
)

// State is the controller lifecycle for one conversation.
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateLoadingHistory
	StateReady
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateLoadingHistory:
		return "loading_history"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrNotGuest is returned when StartNewChat is called on an authenticated
// conversation; those are tied to the account and never reset.
var ErrNotGuest = errors.New("chat: new chat is a guest-only action")

// Resolver is the identity slice the controller needs.
type Resolver interface {
	Resolve(ctx context.Context) model.ConversationIdentity
	NewChat(ctx context.Context) error
}

// Transport is the persistent-channel slice. *transport.Client satisfies
// it; tests substitute fakes.
type Transport interface {
	Connect(ctx context.Context, identity model.ConversationIdentity) error
	Publish(destination string, payload any) error
	Subscribe(destination string, fn func([]byte)) (transport.Subscription, error)
	Connected() bool
	Disconnect()
}

// History is the paginated hydration slice of the backend client.
type History interface {
	Messages(ctx context.Context, identity model.ConversationIdentity, page, limit int) (*backend.Page, error)
	RoomMessages(ctx context.Context, sessionKey string, page, limit int) (*backend.Page, error)
}

// Options wires a controller.
type Options struct {
	Resolver  Resolver
	Transport Transport
	History   History

	// Room pins the conversation to an explicit room key with guest
	// addressing (admin opening a customer room). Empty means the
	// caller's own conversation.
	Room string

	PageSize         int
	SendRefetchDelay time.Duration

	// Presentation callbacks; all optional, all invoked without internal
	// locks held.
	OnUpdate func()
	OnTyping func(bool)
	OnState  func(State)
}

// Controller drives one conversation end to end.
type Controller struct {
	opts Options

	mu       sync.Mutex
	state    State
	identity model.ConversationIdentity
	binding  Binding
	store    *msgstore.Store
	typer    *typing.Coordinator
	subs     []transport.Subscription
	page     int
	loading  bool
	errMsg   string
}

func New(opts Options) *Controller {
	if opts.PageSize <= 0 {
		opts.PageSize = 150
	}
	if opts.SendRefetchDelay <= 0 {
		opts.SendRefetchDelay = 200 * time.Millisecond
	}
	return &Controller{
		opts:  opts,
		state: StateUninitialized,
		store: msgstore.New(""),
	}
}

// Start runs the startup sequence: resolve identity, connect the
// transport, hydrate the first history page, subscribe to the live
// topics. Already-loaded messages keep rendering throughout; none of the
// awaits block the presentation loop.
func (c *Controller) Start(ctx context.Context) error {
	defer logger.DeferLogDuration("chat.Start", time.Now())()

	id := c.opts.Resolver.Resolve(ctx)
	binding := c.bindingFor(id)

	c.mu.Lock()
	c.identity = id
	c.binding = binding
	c.store.Reset(binding.Key)
	c.typer = typing.New(c.opts.Transport, typing.Config{
		Key:              binding.Key,
		AccountAddressed: binding.AccountAddressed,
		Self:             binding.Self,
	})
	c.typer.OnTypingChanged(c.opts.OnTyping)
	c.mu.Unlock()

	c.setState(StateConnecting)
	if err := c.opts.Transport.Connect(ctx, id); err != nil {
		c.setError("Failed to connect to chat server")
		c.setState(StateFailed)
		return err
	}

	c.setState(StateLoadingHistory)
	if err := c.loadPage(ctx, 0); err != nil {
		// History is retry-eligible; the live channel still works.
		logger.Errorf("chat initial history: %v", err)
		c.setError("Failed to load messages")
	}

	if err := c.subscribe(); err != nil {
		c.setError("Failed to subscribe to chat")
		c.setState(StateFailed)
		return err
	}

	c.setState(StateReady)
	c.update()
	return nil
}

// bindingFor picks the addressing scheme: an explicit room (admin view)
// is always guest-addressed; otherwise the identity decides.
func (c *Controller) bindingFor(id model.ConversationIdentity) Binding {
	if c.opts.Room != "" {
		return Binding{Key: c.opts.Room, AccountAddressed: false, Self: id.Sender()}
	}
	return Binding{Key: id.SessionKey, AccountAddressed: id.Authenticated(), Self: id.Sender()}
}

func (c *Controller) subscribe() error {
	c.mu.Lock()
	binding := c.binding
	typer := c.typer
	c.mu.Unlock()

	msgSub, err := c.opts.Transport.Subscribe(binding.MessageTopic(), c.handleMessageEvent)
	if err != nil {
		return err
	}
	typingSub, err := c.opts.Transport.Subscribe(binding.TypingTopic(), typer.HandleEvent)
	if err != nil {
		msgSub.Unsubscribe()
		return err
	}
	statusSub, err := c.opts.Transport.Subscribe(binding.StatusTopic(), c.handleStatusEvent)
	if err != nil {
		msgSub.Unsubscribe()
		typingSub.Unsubscribe()
		return err
	}

	c.mu.Lock()
	c.subs = []transport.Subscription{msgSub, typingSub, statusSub}
	c.mu.Unlock()
	return nil
}

func (c *Controller) handleMessageEvent(raw []byte) {
	if _, ok := c.store.ApplyLiveEvent(raw); ok {
		c.update()
	}
}

func (c *Controller) handleStatusEvent(raw []byte) {
	var ev struct {
		MessageID int64  `json:"messageId"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		logger.Debugf("chat status decode: %v", err)
		return
	}
	c.store.SetStatus(ev.MessageID, ev.Status)
	c.update()
}

// Send publishes a message. Blank text never reaches the wire and returns
// false. The message shows up locally at once (optimistic insert) and is
// rolled back if the publish fails; a short-delay history refetch covers a
// lost live echo.
func (c *Controller) Send(ctx context.Context, text string) bool {
	if isBlank(text) {
		return false
	}

	c.mu.Lock()
	binding := c.binding
	ready := c.state == StateReady
	c.mu.Unlock()

	if !ready || !c.opts.Transport.Connected() {
		c.setError("Not connected")
		return false
	}

	m := c.store.AppendOptimistic(text, binding.Self)
	c.update()

	if err := c.opts.Transport.Publish(binding.SendDestination(), binding.messagePayload(text)); err != nil {
		logger.Errorf("chat send: %v", err)
		c.store.Remove(m.ID)
		c.setError("Failed to send message")
		c.update()
		return false
	}

	// Fallback reconciliation in case the live echo is lost.
	time.AfterFunc(c.opts.SendRefetchDelay, func() {
		refetchCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.loadPage(refetchCtx, 0); err != nil {
			logger.Debugf("chat refetch after send: %v", err)
			return
		}
		c.update()
	})
	return true
}

// LoadMore fetches the next history page. No-op while a load is in flight
// or when the last page was reached.
func (c *Controller) LoadMore(ctx context.Context) error {
	c.mu.Lock()
	if c.loading || !c.store.HasMore() {
		c.mu.Unlock()
		return nil
	}
	c.loading = true
	next := c.page + 1
	c.mu.Unlock()

	err := c.loadPage(ctx, next)

	c.mu.Lock()
	c.loading = false
	if err == nil {
		c.page = next
	}
	c.mu.Unlock()

	if err != nil {
		c.setError("Failed to load messages")
		return err
	}
	c.update()
	return nil
}

// loadPage fetches one page and merges it. A stale response arriving late
// merges harmlessly: history merge is idempotent by message id.
func (c *Controller) loadPage(ctx context.Context, page int) error {
	c.mu.Lock()
	binding := c.binding
	id := c.identity
	c.mu.Unlock()

	var (
		p   *backend.Page
		err error
	)
	if c.opts.Room != "" {
		p, err = c.opts.History.RoomMessages(ctx, binding.Key, page, c.opts.PageSize)
	} else {
		p, err = c.opts.History.Messages(ctx, id, page, c.opts.PageSize)
	}
	if err != nil {
		return err
	}
	c.store.ApplyHistoryPage(p.Content, p.Last)
	return nil
}

// MarkSeen marks a message seen; best effort, never blocks send/receive.
func (c *Controller) MarkSeen(messageID int64) {
	c.publishStatus(messageID, model.StatusSeen)
}

// MarkDelivered marks a message delivered; best effort.
func (c *Controller) MarkDelivered(messageID int64) {
	c.publishStatus(messageID, model.StatusDelivered)
}

func (c *Controller) publishStatus(messageID int64, status string) {
	if !c.opts.Transport.Connected() {
		return
	}
	c.mu.Lock()
	binding := c.binding
	c.mu.Unlock()
	if err := c.opts.Transport.Publish(statusSendDestination, binding.statusFor(messageID, status)); err != nil {
		logger.Debugf("chat status publish: %v", err)
	}
}

// SendTyping forwards the composing flag; a no-op while disconnected.
func (c *Controller) SendTyping(isTyping bool) {
	c.mu.Lock()
	typer := c.typer
	c.mu.Unlock()
	if typer != nil {
		typer.Send(isTyping)
	}
}

// Typing returns the counterpart's latest composing flag.
func (c *Controller) Typing() bool {
	c.mu.Lock()
	typer := c.typer
	c.mu.Unlock()
	if typer == nil {
		return false
	}
	return typer.Typing()
}

// StartNewChat discards the guest conversation and runs the startup
// sequence again with a fresh key. Guest only.
func (c *Controller) StartNewChat(ctx context.Context) error {
	c.mu.Lock()
	if c.identity.Class != model.ClassGuest {
		c.mu.Unlock()
		return ErrNotGuest
	}
	subs := c.subs
	c.subs = nil
	c.page = 0
	c.errMsg = ""
	c.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	if err := c.opts.Resolver.NewChat(ctx); err != nil {
		logger.Errorf("chat clear guest session: %v", err)
	}
	c.opts.Transport.Disconnect()
	c.store.Reset("")
	c.setState(StateUninitialized)
	c.update()
	return c.Start(ctx)
}

// Close releases the subscriptions and the transport.
func (c *Controller) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
	c.opts.Transport.Disconnect()
}

// HandleTransportState maps transport lifecycle changes onto the
// controller's state machine. Wire it to transport.Config.OnStateChange.
func (c *Controller) HandleTransportState(s transport.State) {
	switch s {
	case transport.StateConnected:
		c.mu.Lock()
		resumed := c.state == StateDisconnected
		c.mu.Unlock()
		if resumed {
			c.setError("")
			c.setState(StateReady)
			// Catch up on anything sent while the socket was down.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := c.loadPage(ctx, 0); err == nil {
					c.update()
				}
			}()
		}
	case transport.StateDisconnected:
		c.mu.Lock()
		drop := c.state == StateReady || c.state == StateLoadingHistory
		c.mu.Unlock()
		if drop {
			c.setState(StateDisconnected)
		}
	case transport.StateFailed:
		c.setError("Chat connection lost")
		c.setState(StateFailed)
	}
}

// Messages returns the display sequence.
func (c *Controller) Messages() []model.Message {
	return c.store.All()
}

// HasMore reports whether older pages remain.
func (c *Controller) HasMore() bool {
	return c.store.HasMore()
}

// IsLoading reports whether a history fetch is in flight.
func (c *Controller) IsLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// IsConnected reports the transport link.
func (c *Controller) IsConnected() bool {
	return c.opts.Transport.Connected()
}

// State returns the controller lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Error returns the current user-facing error, empty when none.
func (c *Controller) Error() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

// SessionKey returns the active conversation key.
func (c *Controller) SessionKey() string {
	return c.store.SessionKey()
}

// Identity returns the resolved identity (zero before Start).
func (c *Controller) Identity() model.ConversationIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}

func (c *Controller) setError(msg string) {
	c.mu.Lock()
	c.errMsg = msg
	c.mu.Unlock()
}

func (c *Controller) update() {
	if c.opts.OnUpdate != nil {
		c.opts.OnUpdate()
	}
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
