// Package session owns the realtime chat session: the connection lifecycle
// state machine and the orchestration that wires the transport to the room
// registry, the message ledger and the presence tracker.
//
// Inbound transport events and user actions are serialized by one mutex.
// Network round trips never run while it is held.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/connectus/chat-session/internal/auth"
	"github.com/connectus/chat-session/internal/chat"
	"github.com/connectus/chat-session/internal/metrics"
	"github.com/connectus/chat-session/internal/presence"
	"github.com/connectus/chat-session/internal/protocol"
	"github.com/connectus/chat-session/internal/room"
	"github.com/connectus/chat-session/internal/transport"
)

var (
	// ErrAuthMissing is returned by Start when no bearer token is bound.
	ErrAuthMissing = errors.New("session: auth token missing")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("session: closed")
	// ErrFailed is returned by Start once the session reached Failed.
	ErrFailed = errors.New("session: failed, create a new session to retry")
)

// SourceLedger tags a history result served from what the ledger already
// holds, without a round trip.
const SourceLedger room.Source = "ledger"

// Config binds a session to a user and tunes its retry policy.
type Config struct {
	Token string
	Self  chat.Identity // derived from the token claims when Self.ID is empty and the token is a JWT

	MaxReconnectAttempts int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	HandshakeTimeout     time.Duration
	ConfirmTimeout       time.Duration // pending entries older than this are marked failed
}

// DefaultConfig returns the retry policy used by the chat client.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 5,
		BackoffBase:          500 * time.Millisecond,
		BackoffMax:           10 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		ConfirmTimeout:       15 * time.Second,
	}
}

// API is the REST collaborator.
type API interface {
	room.Fetcher
	FetchHistory(ctx context.Context, roomID string, page int) ([]protocol.Message, error)
	// PostMessage sends through the request/response path. The returned
	// message is nil when the backend does not echo the stored message.
	PostMessage(ctx context.Context, req protocol.SendMessageMsg) (*protocol.Message, error)
}

// HistoryCache keeps the last live history pages for degraded loads.
type HistoryCache interface {
	SaveHistory(ctx context.Context, roomID string, page int, msgs []chat.Message) error
	LoadHistory(ctx context.Context, roomID string, page int) ([]chat.Message, bool, error)
}

// Deps are the collaborators of a session. RoomCache and HistoryCache may be nil.
type Deps struct {
	Transport    transport.Transport
	API          API
	RoomCache    room.Cache
	HistoryCache HistoryCache
}

// HistoryResult is the outcome of a history load. Err carries the live fetch
// error whenever Source is SourceCache or SourceEmpty.
type HistoryResult struct {
	RoomID   string
	Page     int
	Messages []chat.Message
	Source   room.Source
	Err      error
}

// Degraded reports whether the page is not a fresh live result.
func (r HistoryResult) Degraded() bool {
	return r.Source == room.SourceCache || r.Source == room.SourceEmpty
}

type pendingSend struct {
	sentAt time.Time
	timer  *time.Timer
}

// Session is one visit to the chat. A fresh Session is built per visit and
// a Failed or closed one is never reused.
//
// Observer callbacks run synchronously on the goroutine that caused the
// change and must not call back into the Session's mutating methods.
type Session struct {
	id   string
	cfg  Config
	deps Deps

	machine  *Machine
	rooms    *room.Registry
	ledger   *chat.Ledger
	presence *presence.Tracker
	backoff  Backoff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	conn          transport.Conn
	retired       map[string]struct{}        // IDs of replaced connections
	lostEarly     map[string]transport.Event // losses reported before adoption
	pending       map[string]*pendingSend
	historyLoaded map[string]bool
	closed        bool
	unsubscribe   func()
}

// New builds a session. An empty token is accepted here and reported by Start.
func New(cfg Config, deps Deps) (*Session, error) {
	if deps.Transport == nil || deps.API == nil {
		return nil, fmt.Errorf("session: transport and api are required")
	}
	def := DefaultConfig()
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	if cfg.Self.ID == "" && cfg.Token != "" {
		// Opaque or expired tokens are still accepted by the backend's
		// own checks; without an ID own messages are not recognized.
		if ident, err := auth.IdentityFromToken(cfg.Token); err != nil {
			log.Printf("[session] no user id from token, own-message detection off: %v", err)
		} else {
			cfg.Self = mergeIdentity(cfg.Self, ident)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:            uuid.New().String(),
		cfg:           cfg,
		deps:          deps,
		machine:       NewMachine(),
		presence:      presence.NewTracker(),
		backoff:       Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax, Attempts: cfg.MaxReconnectAttempts},
		ctx:           ctx,
		cancel:        cancel,
		retired:       make(map[string]struct{}),
		lostEarly:     make(map[string]transport.Event),
		pending:       make(map[string]*pendingSend),
		historyLoaded: make(map[string]bool),
	}
	s.rooms = room.NewRegistry(deps.API, deps.RoomCache)
	s.ledger = chat.NewLedger(cfg.Self, chat.WithKindLookup(s.rooms.Kind))
	s.unsubscribe = deps.Transport.Subscribe(s.handleEvent)

	metrics.SetPhase(Disconnected.String())
	log.Printf("[session] created id=%s user=%s", s.id, cfg.Self.ID)
	return s, nil
}

func mergeIdentity(base, claims chat.Identity) chat.Identity {
	base.ID = claims.ID
	if base.Name == "" {
		base.Name = claims.Name
	}
	if base.Avatar == "" {
		base.Avatar = claims.Avatar
	}
	return base
}

// ID returns the session instance ID.
func (s *Session) ID() string { return s.id }

// Self returns the identity the session acts as.
func (s *Session) Self() chat.Identity { return s.cfg.Self }

// Phase returns the current connection phase.
func (s *Session) Phase() Phase { return s.machine.Phase() }

// Rooms returns the registry content.
func (s *Session) Rooms() []room.Room { return s.rooms.Rooms() }

// ActiveRoom returns the active room, if any.
func (s *Session) ActiveRoom() (room.Room, bool) { return s.rooms.Active() }

// Messages returns a room's entries in display order.
func (s *Session) Messages(roomID string) []chat.Message { return s.ledger.Messages(roomID) }

// Message looks an entry up by server or local ID.
func (s *Session) Message(id string) (chat.Message, bool) { return s.ledger.Get(id) }

// OnlineCount returns the last presence count.
func (s *Session) OnlineCount() int { return s.presence.Count() }

// OnPhase registers fn for lifecycle changes.
func (s *Session) OnPhase(fn func(Change)) func() { return s.machine.Subscribe(fn) }

// OnMessage registers fn for ledger updates.
func (s *Session) OnMessage(fn func(chat.Update)) func() { return s.ledger.Subscribe(fn) }

// OnPresence registers fn for presence count changes.
func (s *Session) OnPresence(fn func(int)) func() { return s.presence.Subscribe(fn) }

// Start connects the live channel. Without a token it returns ErrAuthMissing
// and the phase stays Disconnected. A handshake failure moves the session to
// Failed without retrying.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.cfg.Token == "" {
		s.mu.Unlock()
		return ErrAuthMissing
	}
	if s.machine.Phase() == Failed {
		s.mu.Unlock()
		return ErrFailed
	}
	if _, err := s.fire(TriggerStart, nil, 0); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	conn, err := s.deps.Transport.Connect(dialCtx, s.cfg.Token)
	cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		s.fire(TriggerHandshakeFailed, err, 0)
		s.mu.Unlock()
		return fmt.Errorf("session: connect: %w", err)
	}
	s.conn = conn
	s.fire(TriggerHandshakeOK, nil, 0)
	if ev, lost := s.takeEarlyLoss(conn); lost {
		log.Printf("[session] id=%s conn=%s was lost during the handshake", s.id, conn.ID())
		s.onLost(ev)
	}
	s.mu.Unlock()
	return nil
}

// LoadRooms loads the room list and, when no room is active yet, selects the
// default one and loads its first history page.
func (s *Session) LoadRooms(ctx context.Context) (room.Result, error) {
	if s.isClosed() {
		return room.Result{}, ErrClosed
	}

	res := s.rooms.LoadRooms(ctx)
	if res.Degraded() {
		log.Printf("[session] rooms served from %s: %v", res.Source, res.Err)
	}

	if s.rooms.ActiveID() == "" {
		if def, ok := s.rooms.Default(); ok {
			if _, err := s.SelectRoom(ctx, def.ID); err != nil && !errors.Is(err, ErrClosed) {
				log.Printf("[session] select default room %s: %v", def.ID, err)
			}
		}
	}
	return res, nil
}

// SelectRoom activates a room, clears its unread counter and makes sure its
// first history page is in the ledger. An unknown room returns
// room.ErrRoomNotFound and changes nothing.
func (s *Session) SelectRoom(ctx context.Context, roomID string) (HistoryResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return HistoryResult{}, ErrClosed
	}
	if err := s.rooms.Select(roomID); err != nil {
		s.mu.Unlock()
		return HistoryResult{}, fmt.Errorf("session: select %q: %w", roomID, err)
	}
	loaded := s.historyLoaded[roomID]
	s.mu.Unlock()

	if loaded {
		return HistoryResult{RoomID: roomID, Page: 1, Messages: s.ledger.Messages(roomID), Source: SourceLedger}, nil
	}
	return s.LoadHistory(ctx, roomID, 1)
}

// LoadHistory fetches a history page and merges it into the ledger. When the
// fetch fails it serves the cached page, else an empty one, and tags the
// result. Reloading a page is idempotent.
func (s *Session) LoadHistory(ctx context.Context, roomID string, page int) (HistoryResult, error) {
	if s.isClosed() {
		return HistoryResult{}, ErrClosed
	}
	if page < 1 {
		page = 1
	}

	res := HistoryResult{RoomID: roomID, Page: page, Source: room.SourceLive}
	raw, err := s.deps.API.FetchHistory(ctx, roomID, page)
	if err == nil {
		res.Messages = make([]chat.Message, 0, len(raw))
		for _, m := range raw {
			res.Messages = append(res.Messages, m.ToChat(roomID))
		}
		if s.deps.HistoryCache != nil {
			if cerr := s.deps.HistoryCache.SaveHistory(ctx, roomID, page, res.Messages); cerr != nil {
				log.Printf("[session] history cache save room=%s page=%d: %v", roomID, page, cerr)
			}
		}
	} else {
		res.Err = err
		res.Source = room.SourceEmpty
		res.Messages = []chat.Message{}
		if s.deps.HistoryCache != nil {
			cached, ok, cerr := s.deps.HistoryCache.LoadHistory(ctx, roomID, page)
			if cerr != nil {
				log.Printf("[session] history cache load room=%s page=%d: %v", roomID, page, cerr)
			}
			if ok && cerr == nil {
				res.Source = room.SourceCache
				res.Messages = cached
			}
		}
		log.Printf("[session] history room=%s page=%d served from %s: %v", roomID, page, res.Source, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return HistoryResult{}, ErrClosed
	}
	for _, m := range res.Messages {
		if m.RoomID == "" {
			m.RoomID = roomID
		}
		s.applyConfirmed(m, false)
	}
	if res.Source == room.SourceLive && page == 1 {
		s.historyLoaded[roomID] = true
	}
	return res, nil
}

// Send appends an optimistic entry and returns its local ID before any
// network round trip. The round trip runs in the background over the live
// channel when Connected, else through the REST API. A failed or
// unconfirmed send marks the entry failed. An empty roomID means the active
// room.
func (s *Session) Send(roomID, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	if roomID == "" {
		roomID = s.rooms.ActiveID()
	}
	localID, err := s.ledger.AppendOptimistic(content, roomID)
	if err != nil {
		return "", fmt.Errorf("session: send: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues("optimistic").Inc()

	p := &pendingSend{sentAt: time.Now()}
	p.timer = time.AfterFunc(s.cfg.ConfirmTimeout, func() { s.expire(localID) })
	s.pending[localID] = p

	var conn transport.Conn
	if s.machine.Phase() == Connected {
		conn = s.conn
	}
	req := protocol.SendMessageMsg{Content: content, ChatID: roomID}
	s.goBackground(func(ctx context.Context) { s.deliver(ctx, localID, req, conn) })
	return localID, nil
}

// Close tears the session down: background waits are cancelled, the
// connection is closed, subscriptions are cleared and unconfirmed optimistic
// entries are discarded. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
	}
	conn := s.conn
	s.conn = nil
	if s.machine.Phase() != Disconnected {
		s.fire(TriggerTeardown, nil, 0)
	}
	dropped := s.ledger.DropPending()
	s.mu.Unlock()

	s.unsubscribe()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.wg.Wait()

	s.machine.ClearSubscribers()
	s.ledger.ClearSubscribers()
	s.presence.ClearSubscribers()

	log.Printf("[session] closed id=%s dropped_pending=%d", s.id, dropped)
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fire applies a trigger and records it. Caller holds s.mu.
func (s *Session) fire(trigger Trigger, cause error, attempt int) (Change, error) {
	ch, err := s.machine.Fire(trigger, cause, attempt)
	if err != nil {
		return ch, err
	}
	metrics.ObserveTransition(ch.From.String(), ch.To.String(), string(trigger))
	if cause != nil {
		log.Printf("[session] id=%s %s -> %s on %s: %v", s.id, ch.From, ch.To, trigger, cause)
	} else {
		log.Printf("[session] id=%s %s -> %s on %s", s.id, ch.From, ch.To, trigger)
	}
	return ch, nil
}

// goBackground runs fn on a goroutine that Close waits for.
func (s *Session) goBackground(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// applyConfirmed merges a server message into the ledger. Caller holds s.mu.
func (s *Session) applyConfirmed(m chat.Message, live bool) {
	rec, err := s.ledger.ReconcileConfirmed(m)
	if err != nil {
		log.Printf("[session] dropping server message id=%q room=%q: %v", m.ID, m.RoomID, err)
		return
	}

	switch rec.Outcome {
	case chat.OutcomeDuplicate:
		metrics.MessagesTotal.WithLabelValues("duplicate").Inc()
		return
	case chat.OutcomeReconciled:
		metrics.MessagesTotal.WithLabelValues("reconciled").Inc()
		if p, ok := s.pending[rec.LocalID]; ok {
			p.timer.Stop()
			metrics.SendLatency.Observe(time.Since(p.sentAt).Seconds())
			delete(s.pending, rec.LocalID)
		}
	case chat.OutcomeAppended:
		metrics.MessagesTotal.WithLabelValues("appended").Inc()
		if live && !rec.Message.IsOwn(s.cfg.Self) && rec.Message.RoomID != s.rooms.ActiveID() {
			if _, err := s.rooms.IncrementUnread(rec.Message.RoomID); err != nil && !errors.Is(err, room.ErrRoomNotFound) {
				log.Printf("[session] unread room=%s: %v", rec.Message.RoomID, err)
			}
		}
	}
	if rec.Message.Flagged {
		metrics.MessagesTotal.WithLabelValues("flagged").Inc()
	}

	if last, ok := s.ledger.Last(rec.Message.RoomID); ok {
		_ = s.rooms.SetLastMessage(rec.Message.RoomID, last.ID)
	}
}

// deliver performs the network half of Send.
func (s *Session) deliver(ctx context.Context, localID string, req protocol.SendMessageMsg, conn transport.Conn) {
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()

	if conn != nil {
		if err := conn.Send(sendCtx, protocol.TypeSendMessage, req); err != nil {
			s.fail(localID, err)
		}
		return
	}

	stored, err := s.deps.API.PostMessage(sendCtx, req)
	if err != nil {
		s.fail(localID, err)
		return
	}
	if stored != nil && stored.ID != "" {
		s.mu.Lock()
		if !s.closed {
			s.applyConfirmed(stored.ToChat(req.ChatID), false)
		}
		s.mu.Unlock()
		return
	}
	// The backend stored the message without echoing it; the first history
	// page carries it and reconciles the entry.
	if _, err := s.LoadHistory(ctx, req.ChatID, 1); err != nil && !errors.Is(err, ErrClosed) {
		log.Printf("[session] confirm %s via history: %v", localID, err)
	}
}

// fail marks a pending entry failed with the cause of the send error.
func (s *Session) fail(localID string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.markFailed(localID, fmt.Sprintf("%v: %v", chat.ErrSendFailed, cause))
}

// expire fails an entry that was not confirmed in time.
func (s *Session) expire(localID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.pending[localID]; !ok {
		return
	}
	s.markFailed(localID, fmt.Sprintf("%v: not confirmed within %s", chat.ErrSendFailed, s.cfg.ConfirmTimeout))
}

// markFailed caller holds s.mu.
func (s *Session) markFailed(localID, reason string) {
	if p, ok := s.pending[localID]; ok {
		p.timer.Stop()
		delete(s.pending, localID)
	}
	if err := s.ledger.MarkFailed(localID, reason); err != nil {
		// Already reconciled or dropped.
		return
	}
	metrics.MessagesTotal.WithLabelValues("failed").Inc()
	log.Printf("[session] send failed local_id=%s: %s", localID, reason)
}
