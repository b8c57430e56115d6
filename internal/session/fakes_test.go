package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/connectus/chat-session/internal/chat"
	"github.com/connectus/chat-session/internal/protocol"
	"github.com/connectus/chat-session/internal/pubsub"
	"github.com/connectus/chat-session/internal/room"
	"github.com/connectus/chat-session/internal/transport"
)

var errDial = errors.New("dial refused")

// fakeTransport dials fakeConns. Connect fails while failing is set or
// while queued errors remain. onConnect, when set, runs before Connect
// returns, the way a read loop can publish before the dial completes.
type fakeTransport struct {
	mu        sync.Mutex
	bus       pubsub.Bus[transport.Event]
	queued    []error
	failing   bool
	resumes   bool
	dials     int
	conns     []*fakeConn
	onConnect func(f *fakeTransport, c *fakeConn)
}

func (f *fakeTransport) Connect(ctx context.Context, token string) (transport.Conn, error) {
	f.mu.Lock()
	f.dials++
	if len(f.queued) > 0 {
		err := f.queued[0]
		f.queued = f.queued[1:]
		if err != nil {
			f.mu.Unlock()
			return nil, &transport.Error{Op: "dial", Err: err}
		}
	} else if f.failing {
		f.mu.Unlock()
		return nil, &transport.Error{Op: "dial", Err: errDial}
	}

	c := &fakeConn{id: fmt.Sprintf("c%d", f.dials), resumes: f.resumes, sent: make(chan protocol.SendMessageMsg, 16)}
	f.conns = append(f.conns, c)
	hook := f.onConnect
	f.mu.Unlock()

	if hook != nil {
		hook(f, c)
	}
	return c, nil
}

// closeAfterUpgrade makes the first n dialed conns report their loss before
// Connect returns.
func closeAfterUpgrade(n int) func(*fakeTransport, *fakeConn) {
	var seen int
	return func(f *fakeTransport, c *fakeConn) {
		seen++
		if seen <= n {
			f.emit(transport.Event{Type: transport.EventConnectionLost, ConnID: c.id, Err: errDial})
		}
	}
}

func (f *fakeTransport) Subscribe(fn func(transport.Event)) func() {
	return f.bus.Subscribe(fn)
}

func (f *fakeTransport) emit(ev transport.Event) { f.bus.Publish(ev) }

func (f *fakeTransport) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeTransport) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

type fakeConn struct {
	id      string
	resumes bool
	sent    chan protocol.SendMessageMsg

	mu      sync.Mutex
	sendErr error
	closed  int
}

func (c *fakeConn) ID() string    { return c.id }
func (c *fakeConn) Resumes() bool { return c.resumes }

func (c *fakeConn) Send(ctx context.Context, event string, payload interface{}) error {
	c.mu.Lock()
	err := c.sendErr
	c.mu.Unlock()
	if err != nil {
		return &transport.Error{Op: "send " + event, Err: err}
	}
	if m, ok := payload.(protocol.SendMessageMsg); ok {
		c.sent <- m
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeAPI serves canned rooms and history and records REST sends.
type fakeAPI struct {
	mu         sync.Mutex
	rooms      []room.Room
	roomsErr   error
	history    map[string][]protocol.Message
	historyErr error
	historyN   int
	postReply  *protocol.Message
	postErr    error
	posted     []protocol.SendMessageMsg
}

func (a *fakeAPI) FetchRooms(ctx context.Context) ([]room.Room, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.roomsErr != nil {
		return nil, a.roomsErr
	}
	return append([]room.Room{}, a.rooms...), nil
}

func (a *fakeAPI) FetchHistory(ctx context.Context, roomID string, page int) ([]protocol.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.historyN++
	if a.historyErr != nil {
		return nil, a.historyErr
	}
	if page > 1 {
		return []protocol.Message{}, nil
	}
	return append([]protocol.Message{}, a.history[roomID]...), nil
}

func (a *fakeAPI) PostMessage(ctx context.Context, req protocol.SendMessageMsg) (*protocol.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.posted = append(a.posted, req)
	if a.postErr != nil {
		return nil, a.postErr
	}
	return a.postReply, nil
}

func (a *fakeAPI) historyCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.historyN
}

func (a *fakeAPI) postedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.posted)
}

var (
	self = chat.Identity{ID: "me", Name: "Me"}
	t0   = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func defaultRooms() []room.Room {
	return []room.Room{
		{ID: "general", Name: "Geral", Kind: chat.KindPublic, Participants: 89},
		{ID: "missions", Name: "Missões", Kind: chat.KindPublic, Participants: 45, Unread: 2},
		{ID: "trading", Name: "Trading", Kind: chat.KindPublic, Participants: 67},
	}
}

type harness struct {
	s   *Session
	tr  *fakeTransport
	api *fakeAPI
}

func testConfig() Config {
	return Config{
		Token:                "tok",
		Self:                 self,
		MaxReconnectAttempts: 5,
		BackoffBase:          time.Millisecond,
		BackoffMax:           4 * time.Millisecond,
		HandshakeTimeout:     time.Second,
		ConfirmTimeout:       time.Second,
	}
}

func newHarness(t *testing.T, cfg Config, deps Deps) *harness {
	t.Helper()
	h := &harness{tr: &fakeTransport{}, api: &fakeAPI{rooms: defaultRooms(), history: map[string][]protocol.Message{}}}
	if deps.Transport == nil {
		deps.Transport = h.tr
	}
	if deps.API == nil {
		deps.API = h.api
	}
	s, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	h.s = s
	return h
}

// started returns a harness that is Connected with the room list loaded and
// "general" active.
func started(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t, testConfig(), Deps{})
	if err := h.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.s.LoadRooms(context.Background()); err != nil {
		t.Fatalf("LoadRooms: %v", err)
	}
	return h
}

func (h *harness) emitMessage(connID string, m protocol.Message) {
	h.tr.emit(transport.Event{Type: transport.EventMessage, ConnID: connID, Message: m})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recorder collects phase changes.
type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) record(c Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) all() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func (r *recorder) last() (Change, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.changes) == 0 {
		return Change{}, false
	}
	return r.changes[len(r.changes)-1], true
}
