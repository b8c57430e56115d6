package chat

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/connectus/chat-session/internal/pubsub"
)

// LocalIDPrefix marks client-generated message IDs.
const LocalIDPrefix = "local-"

var (
	ErrMessageNotFound = errors.New("chat: message not found")
	ErrNotPending      = errors.New("chat: message is not pending")
	ErrMissingID       = errors.New("chat: server message has no id")
	ErrNoRoom          = errors.New("chat: room id is empty")

	// ErrSendFailed is the reason class of entries in StateFailed.
	ErrSendFailed = errors.New("chat: send failed")
)

// Outcome describes what ReconcileConfirmed did with a server message.
type Outcome int

const (
	// OutcomeAppended means no pending entry matched; the message was
	// inserted in server-timestamp order.
	OutcomeAppended Outcome = iota
	// OutcomeReconciled means a pending optimistic entry was replaced in place.
	OutcomeReconciled
	// OutcomeDuplicate means the server ID was already confirmed; nothing changed.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAppended:
		return "appended"
	case OutcomeReconciled:
		return "reconciled"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// UpdateKind names a ledger mutation.
type UpdateKind string

const (
	UpdateAppended   UpdateKind = "appended"
	UpdateReconciled UpdateKind = "reconciled"
	UpdateFailed     UpdateKind = "failed"
	UpdateFlagged    UpdateKind = "flagged"
	UpdateDropped    UpdateKind = "dropped"
)

// Update is published to ledger subscribers after every mutation.
type Update struct {
	Kind    UpdateKind
	Message Message
}

// Reconciliation is the result of ReconcileConfirmed.
type Reconciliation struct {
	Outcome Outcome
	Message Message // the entry as stored after the call
	LocalID string  // the optimistic ID that was replaced, if any
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithKindLookup sets how optimistic entries learn their room kind.
func WithKindLookup(fn func(roomID string) Kind) Option {
	return func(l *Ledger) { l.kindOf = fn }
}

// WithClock overrides the time source used for optimistic entries.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDGenerator overrides local ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(l *Ledger) { l.newID = fn }
}

// Ledger owns every Message of a session. It is goroutine-safe; callers get
// copies and never pointers into its storage.
type Ledger struct {
	mu        sync.RWMutex
	self      Identity
	rooms     map[string][]*Message
	byID      map[string]*Message // local and server IDs
	confirmed map[string]struct{} // server IDs already applied

	kindOf func(roomID string) Kind
	now    func() time.Time
	newID  func() string

	updates pubsub.Bus[Update]
}

// NewLedger creates an empty ledger acting on behalf of self.
func NewLedger(self Identity, opts ...Option) *Ledger {
	l := &Ledger{
		self:      self,
		rooms:     make(map[string][]*Message),
		byID:      make(map[string]*Message),
		confirmed: make(map[string]struct{}),
		kindOf:    func(string) Kind { return KindPublic },
		now:       time.Now,
		newID:     func() string { return LocalIDPrefix + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AppendOptimistic records a locally created message as pending and returns
// its local ID. The entry is visible to readers before this call returns.
func (l *Ledger) AppendOptimistic(content, roomID string) (string, error) {
	if roomID == "" {
		return "", ErrNoRoom
	}
	if err := ValidateMessage(content); err != nil {
		return "", err
	}

	id := l.newID()
	m := &Message{
		ID:         id,
		LocalID:    id,
		RoomID:     roomID,
		SenderID:   l.self.ID,
		SenderName: l.self.Name,
		Avatar:     l.self.Avatar,
		Body:       content,
		CreatedAt:  l.now(),
		Kind:       l.kindOf(roomID),
		State:      StatePending,
	}

	l.mu.Lock()
	l.rooms[roomID] = append(l.rooms[roomID], m)
	l.byID[id] = m
	snapshot := *m
	l.mu.Unlock()

	l.updates.Publish(Update{Kind: UpdateAppended, Message: snapshot})
	return id, nil
}

// ReconcileConfirmed applies a server-confirmed message. A message whose ID
// was already confirmed is dropped. A message from self replaces the closest
// unmatched pending entry with the same room and body, keeping its position.
// Anything else is inserted in timestamp order.
func (l *Ledger) ReconcileConfirmed(msg Message) (Reconciliation, error) {
	if msg.ID == "" {
		return Reconciliation{}, ErrMissingID
	}
	if msg.RoomID == "" {
		return Reconciliation{}, ErrNoRoom
	}

	l.mu.Lock()
	if _, dup := l.confirmed[msg.ID]; dup {
		existing := *l.byID[msg.ID]
		l.mu.Unlock()
		return Reconciliation{Outcome: OutcomeDuplicate, Message: existing}, nil
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = l.now()
	}
	if msg.Kind == "" {
		msg.Kind = l.kindOf(msg.RoomID)
	}
	msg.State = StateConfirmed
	msg.FailReason = ""

	if msg.IsOwn(l.self) {
		if entry := l.closestPending(msg); entry != nil {
			localID := entry.LocalID
			entry.ID = msg.ID
			entry.State = StateConfirmed
			entry.CreatedAt = msg.CreatedAt
			entry.Flagged = entry.Flagged || msg.Flagged
			if msg.SenderName != "" {
				entry.SenderName = msg.SenderName
			}
			if msg.Avatar != "" {
				entry.Avatar = msg.Avatar
			}
			l.byID[msg.ID] = entry
			l.confirmed[msg.ID] = struct{}{}
			snapshot := *entry
			l.mu.Unlock()

			l.updates.Publish(Update{Kind: UpdateReconciled, Message: snapshot})
			return Reconciliation{Outcome: OutcomeReconciled, Message: snapshot, LocalID: localID}, nil
		}
	}

	m := msg
	m.LocalID = ""
	l.insertOrdered(&m)
	l.byID[m.ID] = &m
	l.confirmed[m.ID] = struct{}{}
	snapshot := m
	l.mu.Unlock()

	l.updates.Publish(Update{Kind: UpdateAppended, Message: snapshot})
	return Reconciliation{Outcome: OutcomeAppended, Message: snapshot}, nil
}

// MarkFailed transitions a pending entry to failed. The entry stays visible.
func (l *Ledger) MarkFailed(localID, reason string) error {
	l.mu.Lock()
	m, ok := l.byID[localID]
	if !ok {
		l.mu.Unlock()
		return ErrMessageNotFound
	}
	if m.State != StatePending {
		l.mu.Unlock()
		return ErrNotPending
	}
	m.State = StateFailed
	m.FailReason = reason
	snapshot := *m
	l.mu.Unlock()

	l.updates.Publish(Update{Kind: UpdateFailed, Message: snapshot})
	return nil
}

// ApplyModerationFlag sets the moderation flag of a message addressed by its
// server or local ID. The body is kept.
func (l *Ledger) ApplyModerationFlag(messageID string, flagged bool) error {
	l.mu.Lock()
	m, ok := l.byID[messageID]
	if !ok {
		l.mu.Unlock()
		return ErrMessageNotFound
	}
	m.Flagged = flagged
	snapshot := *m
	l.mu.Unlock()

	l.updates.Publish(Update{Kind: UpdateFlagged, Message: snapshot})
	return nil
}

// DropPending discards every entry still pending and returns how many were
// removed. Failed and confirmed entries are kept.
func (l *Ledger) DropPending() int {
	var dropped []Message

	l.mu.Lock()
	for roomID, entries := range l.rooms {
		kept := entries[:0]
		for _, m := range entries {
			if m.State == StatePending {
				delete(l.byID, m.LocalID)
				dropped = append(dropped, *m)
				continue
			}
			kept = append(kept, m)
		}
		for i := len(kept); i < len(entries); i++ {
			entries[i] = nil
		}
		l.rooms[roomID] = kept
	}
	l.mu.Unlock()

	for _, m := range dropped {
		l.updates.Publish(Update{Kind: UpdateDropped, Message: m})
	}
	return len(dropped)
}

// Messages returns a copy of the room's sequence in display order.
func (l *Ledger) Messages(roomID string) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := l.rooms[roomID]
	out := make([]Message, len(entries))
	for i, m := range entries {
		out[i] = *m
	}
	return out
}

// Len returns the number of entries in a room.
func (l *Ledger) Len(roomID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rooms[roomID])
}

// Get looks a message up by server or local ID.
func (l *Ledger) Get(id string) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	m, ok := l.byID[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Last returns the most recent entry of a room.
func (l *Ledger) Last(roomID string) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := l.rooms[roomID]
	if len(entries) == 0 {
		return Message{}, false
	}
	return *entries[len(entries)-1], true
}

// Subscribe registers fn for every ledger Update.
func (l *Ledger) Subscribe(fn func(Update)) func() {
	return l.updates.Subscribe(fn)
}

// ClearSubscribers removes all update subscribers.
func (l *Ledger) ClearSubscribers() {
	l.updates.Clear()
}

// closestPending finds the unmatched pending entry from self with the same
// body whose issue time is nearest to msg's timestamp. Ties go to the entry
// issued first. Caller holds l.mu.
func (l *Ledger) closestPending(msg Message) *Message {
	var (
		best     *Message
		bestDiff time.Duration
	)
	for _, m := range l.rooms[msg.RoomID] {
		if m.State != StatePending || m.SenderID != msg.SenderID || m.Body != msg.Body {
			continue
		}
		diff := m.CreatedAt.Sub(msg.CreatedAt)
		if diff < 0 {
			diff = -diff
		}
		if best == nil || diff < bestDiff {
			best, bestDiff = m, diff
		}
	}
	return best
}

// insertOrdered places a confirmed m by server timestamp relative to the
// other confirmed entries only. Pending and failed entries carry local issue
// times from another clock; m passes one of them only when a confirmed entry
// before it is later than m. Existing entries keep their relative order.
// Caller holds l.mu.
func (l *Ledger) insertOrdered(m *Message) {
	entries := l.rooms[m.RoomID]
	idx := len(entries)
	for j := len(entries) - 1; j >= 0; j-- {
		e := entries[j]
		if e.State != StateConfirmed {
			continue
		}
		if !e.CreatedAt.After(m.CreatedAt) {
			break
		}
		idx = j
	}
	entries = append(entries, nil)
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = m
	l.rooms[m.RoomID] = entries
}
