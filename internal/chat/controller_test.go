package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/storechat/internal/backend"
	"github.com/storechat/internal/model"
	"github.com/storechat/internal/msgstore"
	"github.com/storechat/internal/transport"
)

type fakeResolver struct {
	mu       sync.Mutex
	identity model.ConversationIdentity
	newChats int
}

func (f *fakeResolver) Resolve(ctx context.Context) model.ConversationIdentity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity
}

func (f *fakeResolver) NewChat(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newChats++
	f.identity.SessionKey = fmt.Sprintf("guest-%d", f.newChats+1)
	return nil
}

type publishedFrame struct {
	destination string
	payload     any
}

type fakeSub struct {
	transport *fakeTransport
	dest      string
}

func (s *fakeSub) Unsubscribe() {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	delete(s.transport.subs, s.dest)
}

type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	publishErr error
	published  []publishedFrame
	subs       map[string]func([]byte)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string]func([]byte))}
}

func (f *fakeTransport) Connect(ctx context.Context, id model.ConversationIdentity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Publish(destination string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedFrame{destination, payload})
	return nil
}

func (f *fakeTransport) Subscribe(destination string, fn func([]byte)) (transport.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, transport.ErrNotConnected
	}
	f.subs[destination] = fn
	return &fakeSub{transport: f, dest: destination}, nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.subs = make(map[string]func([]byte))
}

func (f *fakeTransport) deliver(t *testing.T, destination string, payload string) {
	t.Helper()
	f.mu.Lock()
	fn := f.subs[destination]
	f.mu.Unlock()
	if fn == nil {
		t.Fatalf("no subscription for %s", destination)
	}
	fn([]byte(payload))
}

func (f *fakeTransport) subscribedTopics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for d := range f.subs {
		out = append(out, d)
	}
	return out
}

func (f *fakeTransport) lastPublished() (publishedFrame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		return publishedFrame{}, false
	}
	return f.published[len(f.published)-1], true
}

type fakeHistory struct {
	mu        sync.Mutex
	pages     map[int]*backend.Page
	err       error
	calls     int
	roomCalls int
}

func (f *fakeHistory) Messages(ctx context.Context, id model.ConversationIdentity, page, limit int) (*backend.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if p, ok := f.pages[page]; ok {
		return p, nil
	}
	return &backend.Page{Number: page, Last: true}, nil
}

func (f *fakeHistory) RoomMessages(ctx context.Context, sessionKey string, page, limit int) (*backend.Page, error) {
	f.mu.Lock()
	f.roomCalls++
	f.mu.Unlock()
	return f.Messages(ctx, model.ConversationIdentity{}, page, limit)
}

func guestOpts(trans *fakeTransport, hist *fakeHistory) Options {
	return Options{
		Resolver:         &fakeResolver{identity: model.ConversationIdentity{Class: model.ClassGuest, SessionKey: "guest-1"}},
		Transport:        trans,
		History:          hist,
		SendRefetchDelay: time.Hour, // keep the refetch timer out of assertions
	}
}

func histEvent(id int64, sender, text string) msgstore.Event {
	return msgstore.Event{ID: id, Sender: sender, Message: text, SentAt: time.Now().UTC().Format(time.RFC3339)}
}

func TestStartHappyPath(t *testing.T) {
	trans := newFakeTransport()
	hist := &fakeHistory{pages: map[int]*backend.Page{
		0: {Content: []msgstore.Event{histEvent(1, "ADMIN", "welcome")}, Last: true},
	}}
	c := New(guestOpts(trans, hist))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := c.State(); got != StateReady {
		t.Errorf("State() = %v, want ready", got)
	}
	if got := c.SessionKey(); got != "guest-1" {
		t.Errorf("SessionKey() = %q, want guest-1", got)
	}
	if got := len(c.Messages()); got != 1 {
		t.Errorf("Messages() len = %d, want 1", got)
	}

	topics := trans.subscribedTopics()
	want := map[string]bool{
		"/topic/chat/guest-1":   true,
		"/topic/typing/guest-1": true,
		"/topic/status/guest-1": true,
	}
	if len(topics) != 3 {
		t.Fatalf("subscribed to %v, want 3 guest topics", topics)
	}
	for _, d := range topics {
		if !want[d] {
			t.Errorf("unexpected topic %s", d)
		}
	}
}

func TestStartConnectFailure(t *testing.T) {
	trans := newFakeTransport()
	trans.connectErr = errors.New("dial refused")
	c := New(guestOpts(trans, &fakeHistory{}))

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with a dead transport")
	}
	if got := c.State(); got != StateFailed {
		t.Errorf("State() = %v, want failed", got)
	}
	if got := c.Error(); got != "Failed to connect to chat server" {
		t.Errorf("Error() = %q", got)
	}
}

func TestStartHistoryFailureStillReady(t *testing.T) {
	trans := newFakeTransport()
	hist := &fakeHistory{err: errors.New("500")}
	c := New(guestOpts(trans, hist))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v (history failure must not abort startup)", err)
	}
	if got := c.State(); got != StateReady {
		t.Errorf("State() = %v, want ready", got)
	}
	if got := c.Error(); got != "Failed to load messages" {
		t.Errorf("Error() = %q", got)
	}
}

func TestSendBlankNeverPublishes(t *testing.T) {
	trans := newFakeTransport()
	c := New(guestOpts(trans, &fakeHistory{}))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for _, text := range []string{"", "   ", "\n\t "} {
		if c.Send(context.Background(), text) {
			t.Errorf("Send(%q) = true, want false", text)
		}
	}
	if _, ok := trans.lastPublished(); ok {
		t.Error("blank send reached the transport")
	}
	if got := len(c.Messages()); got != 0 {
		t.Errorf("blank send left %d messages in the store", got)
	}
}

func TestSendBeforeReady(t *testing.T) {
	trans := newFakeTransport()
	c := New(guestOpts(trans, &fakeHistory{}))

	if c.Send(context.Background(), "hello") {
		t.Error("Send succeeded before Start")
	}
	if got := c.Error(); got != "Not connected" {
		t.Errorf("Error() = %q, want Not connected", got)
	}
}

func TestSendOptimisticThenEchoReconciles(t *testing.T) {
	trans := newFakeTransport()
	c := New(guestOpts(trans, &fakeHistory{}))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !c.Send(context.Background(), "ping") {
		t.Fatalf("Send failed: %s", c.Error())
	}

	msgs := c.Messages()
	if len(msgs) != 1 || !msgs[0].Optimistic() {
		t.Fatalf("after send: %+v, want one optimistic entry", msgs)
	}

	pub, ok := trans.lastPublished()
	if !ok {
		t.Fatal("nothing published")
	}
	if pub.destination != "/app/chat.send.public" {
		t.Errorf("destination = %q, want /app/chat.send.public", pub.destination)
	}
	payload := pub.payload.(sendPayload)
	if payload.SessionID != "guest-1" || payload.UserID != "" {
		t.Errorf("payload addressing = %+v", payload)
	}
	if payload.Message != "ping" || payload.Sender != model.SenderUser {
		t.Errorf("payload = %+v", payload)
	}

	echo, _ := json.Marshal(map[string]any{"id": 10, "sender": "USER", "message": "ping"})
	trans.deliver(t, "/topic/chat/guest-1", string(echo))

	msgs = c.Messages()
	if len(msgs) != 1 {
		t.Fatalf("after echo: %d messages, want 1", len(msgs))
	}
	if msgs[0].ID != 10 {
		t.Errorf("surviving id = %d, want 10", msgs[0].ID)
	}
}

func TestSendPublishFailureRollsBack(t *testing.T) {
	trans := newFakeTransport()
	c := New(guestOpts(trans, &fakeHistory{}))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	trans.mu.Lock()
	trans.publishErr = errors.New("buffer full")
	trans.mu.Unlock()

	if c.Send(context.Background(), "doomed") {
		t.Error("Send = true despite publish failure")
	}
	if got := len(c.Messages()); got != 0 {
		t.Errorf("optimistic entry not rolled back; %d messages remain", got)
	}
	if got := c.Error(); got != "Failed to send message" {
		t.Errorf("Error() = %q", got)
	}
}

func TestLoadMorePagination(t *testing.T) {
	trans := newFakeTransport()
	hist := &fakeHistory{pages: map[int]*backend.Page{
		0: {Content: []msgstore.Event{histEvent(3, "USER", "newest")}, Last: false},
		1: {Content: []msgstore.Event{histEvent(1, "USER", "oldest")}, Last: true},
	}}
	c := New(guestOpts(trans, hist))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !c.HasMore() {
		t.Fatal("HasMore() = false after a non-final page")
	}

	if err := c.LoadMore(context.Background()); err != nil {
		t.Fatalf("LoadMore: %v", err)
	}
	if got := len(c.Messages()); got != 2 {
		t.Errorf("after LoadMore: %d messages, want 2", got)
	}
	if c.HasMore() {
		t.Error("HasMore() = true after the final page")
	}

	hist.mu.Lock()
	before := hist.calls
	hist.mu.Unlock()
	if err := c.LoadMore(context.Background()); err != nil {
		t.Fatalf("LoadMore: %v", err)
	}
	hist.mu.Lock()
	after := hist.calls
	hist.mu.Unlock()
	if after != before {
		t.Error("LoadMore fetched past the final page")
	}
}

func TestAuthenticatedBinding(t *testing.T) {
	trans := newFakeTransport()
	opts := guestOpts(trans, &fakeHistory{})
	opts.Resolver = &fakeResolver{identity: model.ConversationIdentity{
		Class: model.ClassUser, SessionKey: "acct-7", AuthToken: "tok",
	}}
	c := New(opts)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	topics := trans.subscribedTopics()
	want := map[string]bool{
		"/topic/chat/user/acct-7":   true,
		"/topic/typing/user/acct-7": true,
		"/topic/status/user/acct-7": true,
	}
	for _, d := range topics {
		if !want[d] {
			t.Errorf("unexpected topic %s", d)
		}
	}

	if !c.Send(context.Background(), "hi") {
		t.Fatalf("Send failed: %s", c.Error())
	}
	pub, _ := trans.lastPublished()
	if pub.destination != "/app/chat.send.user" {
		t.Errorf("destination = %q, want /app/chat.send.user", pub.destination)
	}
	payload := pub.payload.(sendPayload)
	if payload.UserID != "acct-7" || payload.SessionID != "" {
		t.Errorf("payload addressing = %+v", payload)
	}
}

func TestAdminRoomBinding(t *testing.T) {
	trans := newFakeTransport()
	hist := &fakeHistory{}
	opts := guestOpts(trans, hist)
	opts.Resolver = &fakeResolver{identity: model.ConversationIdentity{
		Class: model.ClassAdmin, SessionKey: "admin-room", AuthToken: "tok",
	}}
	opts.Room = "customer-room"
	c := New(opts)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// An explicit room pins guest addressing even for an admin identity.
	topics := trans.subscribedTopics()
	found := false
	for _, d := range topics {
		if d == "/topic/chat/customer-room" {
			found = true
		}
	}
	if !found {
		t.Errorf("topics = %v, want /topic/chat/customer-room", topics)
	}

	hist.mu.Lock()
	roomCalls := hist.roomCalls
	hist.mu.Unlock()
	if roomCalls == 0 {
		t.Error("history hydration did not use the room route")
	}

	if !c.Send(context.Background(), "how can I help") {
		t.Fatalf("Send failed: %s", c.Error())
	}
	pub, _ := trans.lastPublished()
	if pub.destination != "/app/chat.send.public" {
		t.Errorf("destination = %q, want /app/chat.send.public", pub.destination)
	}
	payload := pub.payload.(sendPayload)
	if payload.SessionID != "customer-room" || payload.Sender != model.SenderAdmin {
		t.Errorf("payload = %+v", payload)
	}
}

func TestStatusEventMarksMessage(t *testing.T) {
	trans := newFakeTransport()
	hist := &fakeHistory{pages: map[int]*backend.Page{
		0: {Content: []msgstore.Event{histEvent(5, "USER", "hey")}, Last: true},
	}}
	c := New(guestOpts(trans, hist))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	trans.deliver(t, "/topic/status/guest-1", `{"messageId":5,"status":"SEEN"}`)

	if msgs := c.Messages(); !msgs[0].Seen {
		t.Error("message not marked seen")
	}
}

func TestTypingEventReachesCallback(t *testing.T) {
	trans := newFakeTransport()
	got := make(chan bool, 1)
	opts := guestOpts(trans, &fakeHistory{})
	opts.OnTyping = func(v bool) { got <- v }
	c := New(opts)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	trans.deliver(t, "/topic/typing/guest-1", `{"sender":"ADMIN","typing":true}`)

	select {
	case v := <-got:
		if !v {
			t.Error("OnTyping(false), want true")
		}
	default:
		t.Fatal("OnTyping never called")
	}
	if !c.Typing() {
		t.Error("Typing() = false")
	}
}

func TestStartNewChatGuestOnly(t *testing.T) {
	trans := newFakeTransport()
	res := &fakeResolver{identity: model.ConversationIdentity{Class: model.ClassGuest, SessionKey: "guest-1"}}
	opts := guestOpts(trans, &fakeHistory{})
	opts.Resolver = res
	c := New(opts)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := c.StartNewChat(context.Background()); err != nil {
		t.Fatalf("StartNewChat: %v", err)
	}
	if got := c.SessionKey(); got != "guest-2" {
		t.Errorf("SessionKey() = %q, want guest-2", got)
	}
	if got := c.State(); got != StateReady {
		t.Errorf("State() = %v, want ready after restart", got)
	}
	if got := len(c.Messages()); got != 0 {
		t.Errorf("%d messages survived the reset", got)
	}
}

func TestStartNewChatRejectsAuthenticated(t *testing.T) {
	trans := newFakeTransport()
	opts := guestOpts(trans, &fakeHistory{})
	opts.Resolver = &fakeResolver{identity: model.ConversationIdentity{
		Class: model.ClassUser, SessionKey: "acct-1", AuthToken: "tok",
	}}
	c := New(opts)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := c.StartNewChat(context.Background()); !errors.Is(err, ErrNotGuest) {
		t.Errorf("StartNewChat error = %v, want ErrNotGuest", err)
	}
}

func TestHandleTransportState(t *testing.T) {
	trans := newFakeTransport()
	c := New(guestOpts(trans, &fakeHistory{}))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c.HandleTransportState(transport.StateDisconnected)
	if got := c.State(); got != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", got)
	}

	c.HandleTransportState(transport.StateConnected)
	if got := c.State(); got != StateReady {
		t.Errorf("State() = %v, want ready after resume", got)
	}
	if got := c.Error(); got != "" {
		t.Errorf("Error() = %q, want cleared", got)
	}

	c.HandleTransportState(transport.StateFailed)
	if got := c.State(); got != StateFailed {
		t.Errorf("State() = %v, want failed", got)
	}
	if got := c.Error(); got != "Chat connection lost" {
		t.Errorf("Error() = %q", got)
	}
}

func TestInboxSortsByActivity(t *testing.T) {
	now := time.Now()
	inbox := NewInbox(roomListerFunc(func(ctx context.Context) ([]model.Room, error) {
		return []model.Room{
			{SessionKey: "older", UpdatedAt: now.Add(-time.Hour)},
			{SessionKey: "newest", UpdatedAt: now},
			{SessionKey: "oldest", UpdatedAt: now.Add(-2 * time.Hour)},
		}, nil
	}))

	rooms, err := inbox.Rooms(context.Background())
	if err != nil {
		t.Fatalf("Rooms: %v", err)
	}
	want := []string{"newest", "older", "oldest"}
	for i, w := range want {
		if rooms[i].SessionKey != w {
			t.Errorf("rooms[%d] = %q, want %q", i, rooms[i].SessionKey, w)
		}
	}
}

type roomListerFunc func(ctx context.Context) ([]model.Room, error)

func (f roomListerFunc) Rooms(ctx context.Context) ([]model.Room, error) { return f(ctx) }
