package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/storechat/internal/logger"
	"github.com/storechat/internal/model"
)

// ErrNotConnected is returned by Publish/Subscribe before a successful
// handshake. Calls never silently drop.
var ErrNotConnected = errors.New("transport: not connected")

// State is the connection lifecycle as seen by the controller.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	// StateDisconnected is transient: a reconnect loop is (or will be)
	// running.
	StateDisconnected
	// StateFailed is reached when the reconnect attempt cap is exhausted.
	// Only a fresh Connect call leaves it.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config carries the transport knobs. Zero values get defaults in New.
type Config struct {
	URL string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PongTimeout      time.Duration
	MaxMessageSize   int64
	SendBufferSize   int

	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int

	// TokenSource returns a fresh bearer token before each reconnect
	// attempt for authenticated identities; tokens rotate server-side.
	TokenSource func(ctx context.Context) (string, error)

	// OnStateChange observes lifecycle transitions. Invoked from a
	// dedicated goroutine, in order.
	OnStateChange func(State)
}

// Subscription is a handle for one topic subscription. Unsubscribe is
// idempotent.
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	client      *Client
	id          string
	destination string
	fn          func([]byte)
}

func (s *subscription) Unsubscribe() {
	s.client.unsubscribe(s)
}

// connectAttempt lets concurrent Connect callers share one in-flight
// handshake, so a client never opens two sockets.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// Client is the singleton transport: one socket per instance.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	mu           sync.Mutex
	state        State
	identity     model.ConversationIdentity
	conn         *websocket.Conn
	sendCh       chan *frame
	stop         chan struct{}
	attempt      *connectAttempt
	subs         map[string]*subscription
	nextSubID    int
	closed       bool
	reconnecting bool

	notifyCh chan State
}

// New creates a disconnected client.
func New(cfg Config) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 256
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}

	c := &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		subs:     make(map[string]*subscription),
		notifyCh: make(chan State, 32),
	}
	go c.notifyLoop()
	return c
}

func (c *Client) notifyLoop() {
	for s := range c.notifyCh {
		if c.cfg.OnStateChange != nil {
			c.cfg.OnStateChange(s)
		}
	}
}

// setStateLocked transitions the state and queues the notification.
// Caller holds c.mu.
func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	select {
	case c.notifyCh <- s:
	default:
		// Observer too slow; the latest state is still readable via State().
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the handshake has completed and the socket is
// up.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// Connect opens the socket and performs the STOMP handshake with the
// identity attached as connection metadata. Concurrent calls while a
// handshake is in flight wait on that same attempt.
func (c *Client) Connect(ctx context.Context, identity model.ConversationIdentity) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.attempt != nil {
		a := c.attempt
		c.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &connectAttempt{done: make(chan struct{})}
	c.attempt = a
	c.identity = identity
	c.closed = false
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	err := c.dial(ctx)

	c.mu.Lock()
	c.attempt = nil
	if err != nil {
		c.setStateLocked(StateIdle)
	}
	c.mu.Unlock()

	a.err = err
	close(a.done)
	return err
}

// dial opens one socket, performs the handshake and starts the pumps.
func (c *Client) dial(ctx context.Context) error {
	defer logger.DeferLogDuration("transport.dial", time.Now())()

	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("transport dial %s: %w", c.cfg.URL, err)
	}

	connect := newFrame(cmdConnect).
		set(hdrAcceptVersion, "1.0,1.1,1.2").
		set(hdrHeartBeat, "0,0").
		set("user-type", string(identity.Class))
	if identity.Authenticated() {
		connect.set("Authorization", "Bearer "+identity.AuthToken)
		connect.set("user-id", identity.SessionKey)
	} else {
		connect.set("session-id", identity.SessionKey)
	}

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		conn.Close()
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, connect.marshal()); err != nil {
		conn.Close()
		return fmt.Errorf("transport handshake write: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout)); err != nil {
		conn.Close()
		return err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("transport handshake read: %w", err)
	}
	reply, err := parseFrame(raw)
	if err != nil {
		conn.Close()
		return fmt.Errorf("transport handshake: %w", err)
	}
	if reply.command != cmdConnected {
		conn.Close()
		return fmt.Errorf("transport handshake rejected: %s %s", reply.command, reply.get(hdrMessage))
	}

	c.mu.Lock()
	c.conn = conn
	c.sendCh = make(chan *frame, c.cfg.SendBufferSize)
	c.stop = make(chan struct{})
	c.setStateLocked(StateConnected)
	sendCh, stop := c.sendCh, c.stop
	c.mu.Unlock()

	go c.readPump(conn)
	go c.writePump(conn, sendCh, stop)

	logger.Infof("transport connected user-type=%s", identity.Class)
	return nil
}

// readPump reads broker frames until the socket errors, then triggers the
// reconnect path.
func (c *Client) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(c.cfg.MaxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout)); err != nil {
		logger.Errorf("transport set read deadline: %v", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("transport read: %v", err)
			}
			break
		}
		if isHeartbeat(raw) {
			continue
		}
		f, err := parseFrame(raw)
		if err != nil {
			logger.Errorf("transport parse: %v", err)
			continue
		}
		switch f.command {
		case cmdMessage:
			c.dispatch(f)
		case cmdError:
			logger.Errorf("transport broker error: %s", f.get(hdrMessage))
		case cmdReceipt:
			// Receipts are not requested; tolerate them.
		default:
			logger.Debugf("transport ignoring frame %s", f.command)
		}
	}

	conn.Close()
	c.connLost(conn)
}

// writePump serializes all socket writes: queued frames and keepalive
// pings.
func (c *Client) writePump(conn *websocket.Conn, sendCh chan *frame, stop chan struct{}) {
	pingPeriod := c.cfg.PongTimeout * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-stop:
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, newFrame(cmdDisconnect).marshal()); err != nil {
				logger.Debugf("transport disconnect frame: %v", err)
			}
			if err := conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Debugf("transport close message: %v", err)
			}
			return
		case f := <-sendCh:
			if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				logger.Errorf("transport set write deadline: %v", err)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, f.marshal()); err != nil {
				logger.Errorf("transport write: %v", err)
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// isHeartbeat reports whether the payload is a bare EOL keepalive.
func isHeartbeat(raw []byte) bool {
	for _, b := range raw {
		if b != '\n' && b != '\r' && b != 0 {
			return false
		}
	}
	return true
}

// dispatch routes a MESSAGE frame to its subscription handler. Lookup is
// by destination, falling back to the subscription id header.
func (c *Client) dispatch(f *frame) {
	dest := f.get(hdrDestination)

	c.mu.Lock()
	s := c.subs[dest]
	if s == nil {
		if id := f.get(hdrSubscription); id != "" {
			for _, cand := range c.subs {
				if cand.id == id {
					s = cand
					break
				}
			}
		}
	}
	c.mu.Unlock()

	if s == nil {
		logger.Debugf("transport message for unknown destination %s", dest)
		return
	}
	s.fn(f.body)
}

// connLost handles an unexpected socket closure: flips to DISCONNECTED and
// starts the backoff loop. Stale pump generations are ignored.
func (c *Client) connLost(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	close(c.stop)
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateDisconnected)
	startLoop := !c.reconnecting
	if startLoop {
		c.reconnecting = true
	}
	c.mu.Unlock()

	if startLoop {
		go c.reconnectLoop()
	}
}

// reconnectLoop retries with exponential backoff up to the attempt cap,
// refreshing the auth token before each try. Exhaustion is reported as
// StateFailed, never a panic or exit.
func (c *Client) reconnectLoop() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectBaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = time.Minute

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		delay := b.NextBackOff()
		logger.Infof("transport reconnect %d/%d in %s", attempt, c.cfg.MaxReconnectAttempts, delay)
		time.Sleep(delay)

		c.mu.Lock()
		if c.closed || c.state == StateConnected {
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
		identity := c.identity
		c.mu.Unlock()

		if identity.Authenticated() && c.cfg.TokenSource != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
			tok, err := c.cfg.TokenSource(ctx)
			cancel()
			if err != nil {
				logger.Errorf("transport token refresh: %v", err)
			} else if tok != "" {
				c.mu.Lock()
				c.identity.AuthToken = tok
				c.mu.Unlock()
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
		err := c.dial(ctx)
		cancel()
		if err != nil {
			logger.Errorf("transport reconnect attempt %d: %v", attempt, err)
			continue
		}

		c.resubscribe()
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
		return
	}

	logger.Errorf("transport reconnect attempts exhausted (%d)", c.cfg.MaxReconnectAttempts)
	c.mu.Lock()
	c.reconnecting = false
	c.setStateLocked(StateFailed)
	c.mu.Unlock()
}

// resubscribe replays surviving subscriptions on the fresh socket.
func (c *Client) resubscribe() {
	c.mu.Lock()
	frames := make([]*frame, 0, len(c.subs))
	for _, s := range c.subs {
		frames = append(frames, newFrame(cmdSubscribe).set(hdrID, s.id).set(hdrDestination, s.destination))
	}
	c.mu.Unlock()

	for _, f := range frames {
		if err := c.enqueue(f); err != nil {
			logger.Errorf("transport resubscribe %s: %v", f.get(hdrDestination), err)
		}
	}
}

// enqueue queues a frame for the write pump without blocking.
func (c *Client) enqueue(f *frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.state != StateConnected {
		return ErrNotConnected
	}
	select {
	case c.sendCh <- f:
		return nil
	default:
		return errors.New("transport: send buffer full")
	}
}

// Publish sends a JSON payload to a destination. Fails fast with
// ErrNotConnected before a successful connect.
func (c *Client) Publish(destination string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport marshal payload: %w", err)
	}
	f := newFrame(cmdSend).
		set(hdrDestination, destination).
		set(hdrContentType, "application/json")
	f.body = body
	return c.enqueue(f)
}

// Subscribe registers a handler for a topic. One handler per destination:
// subscribing again replaces the previous one, mirroring how the web
// client kept a destination-keyed map.
func (c *Client) Subscribe(destination string, fn func([]byte)) (Subscription, error) {
	c.mu.Lock()
	if c.conn == nil || c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextSubID++
	s := &subscription{
		client:      c,
		id:          fmt.Sprintf("sub-%d", c.nextSubID),
		destination: destination,
		fn:          fn,
	}
	c.subs[destination] = s
	c.mu.Unlock()

	f := newFrame(cmdSubscribe).set(hdrID, s.id).set(hdrDestination, destination)
	if err := c.enqueue(f); err != nil {
		c.mu.Lock()
		if c.subs[destination] == s {
			delete(c.subs, destination)
		}
		c.mu.Unlock()
		return nil, err
	}
	return s, nil
}

func (c *Client) unsubscribe(s *subscription) {
	c.mu.Lock()
	registered := c.subs[s.destination] == s
	if registered {
		delete(c.subs, s.destination)
	}
	c.mu.Unlock()
	if !registered {
		return
	}
	if err := c.enqueue(newFrame(cmdUnsubscribe).set(hdrID, s.id)); err != nil {
		logger.Debugf("transport unsubscribe %s: %v", s.destination, err)
	}
}

// Disconnect closes the socket and drops all subscriptions. The client can
// be reused with a later Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.subs = make(map[string]*subscription)
	if conn != nil {
		close(c.stop)
	}
	c.setStateLocked(StateIdle)
	c.mu.Unlock()

	if conn != nil {
		// The write pump owns the close handshake; this just unblocks the
		// read pump if the pump already exited.
		time.AfterFunc(100*time.Millisecond, func() { conn.Close() })
	}
	logger.Info("transport disconnected")
}
