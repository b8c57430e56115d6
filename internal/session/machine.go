package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/connectus/chat-session/internal/pubsub"
)

// Phase is the connection lifecycle phase of a session.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Trigger names the cause of a transition.
type Trigger string

const (
	TriggerStart            Trigger = "start"
	TriggerHandshakeOK      Trigger = "handshake_ok"
	TriggerHandshakeFailed  Trigger = "handshake_failed"
	TriggerDropped          Trigger = "dropped"
	TriggerReconnected      Trigger = "reconnected"
	TriggerRetriesExhausted Trigger = "retries_exhausted"
	TriggerTeardown         Trigger = "teardown"
)

// ErrInvalidTransition is returned by Fire for a trigger the current phase
// does not accept.
var ErrInvalidTransition = errors.New("session: invalid transition")

type edge struct {
	from    Phase
	trigger Trigger
}

var transitions = map[edge]Phase{
	{Disconnected, TriggerStart}:            Connecting,
	{Connecting, TriggerHandshakeOK}:        Connected,
	{Connecting, TriggerHandshakeFailed}:    Failed,
	{Connected, TriggerDropped}:             Reconnecting,
	{Reconnecting, TriggerReconnected}:      Connected,
	{Reconnecting, TriggerRetriesExhausted}: Failed,
	{Connecting, TriggerTeardown}:           Disconnected,
	{Connected, TriggerTeardown}:            Disconnected,
	{Reconnecting, TriggerTeardown}:         Disconnected,
	{Failed, TriggerTeardown}:               Disconnected,
}

// Next returns the phase trigger leads to from p.
func Next(p Phase, trigger Trigger) (Phase, bool) {
	to, ok := transitions[edge{p, trigger}]
	return to, ok
}

// Change is published for every transition.
type Change struct {
	From    Phase
	To      Phase
	Trigger Trigger
	Err     error // cause for handshake_failed, dropped and retries_exhausted
	Attempt int   // reconnect attempt that produced the change, if any
	At      time.Time
}

// Machine holds the connection phase. Fire publishes each Change to
// subscribers before it returns, so no subscriber observes a stale phase.
type Machine struct {
	mu    sync.RWMutex
	phase Phase
	now   func() time.Time

	// emitMu keeps changes in transition order across goroutines.
	emitMu  sync.Mutex
	changes pubsub.Bus[Change]
}

// NewMachine returns a machine in Disconnected.
func NewMachine() *Machine {
	return &Machine{phase: Disconnected, now: time.Now}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// Fire applies trigger. On an invalid trigger the phase is unchanged and the
// error wraps ErrInvalidTransition.
func (m *Machine) Fire(trigger Trigger, cause error, attempt int) (Change, error) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	from := m.phase
	to, ok := Next(from, trigger)
	if !ok {
		m.mu.Unlock()
		return Change{}, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, trigger, from)
	}
	m.phase = to
	m.mu.Unlock()

	ch := Change{From: from, To: to, Trigger: trigger, Err: cause, Attempt: attempt, At: m.now()}
	m.changes.Publish(ch)
	return ch, nil
}

// Subscribe registers fn for every Change.
func (m *Machine) Subscribe(fn func(Change)) func() {
	return m.changes.Subscribe(fn)
}

// ClearSubscribers removes all change subscribers.
func (m *Machine) ClearSubscribers() {
	m.changes.Clear()
}
