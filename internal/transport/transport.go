// Package transport is the bidirectional event channel between a chat session
// and the backend. It hides the wire protocol behind Transport and Conn and
// delivers typed inbound events through a subscription owned by the
// Transport, so subscribers survive redials.
package transport

import (
	"context"
	"errors"
	"log"

	"github.com/connectus/chat-session/internal/protocol"
	"github.com/connectus/chat-session/internal/pubsub"
)

// EventType names an inbound event.
type EventType string

const (
	EventMessage            EventType = "message"
	EventPresenceCount      EventType = "presence_count"
	EventModeration         EventType = "moderation"
	EventConnectionLost     EventType = "connection_lost"
	EventConnectionRestored EventType = "connection_restored"
)

// Event is delivered to transport subscribers. Only the fields relevant to
// Type are set.
type Event struct {
	Type   EventType
	ConnID string // connection that produced the event

	Message protocol.Message       // EventMessage
	Count   int                    // EventPresenceCount
	Verdict protocol.ModerationMsg // EventModeration

	Err      error // EventConnectionLost
	Terminal bool  // EventConnectionLost: the link will not recover by itself
}

var (
	// ErrTransport matches every handshake or network failure.
	ErrTransport = errors.New("transport: error")
	// ErrNoToken is returned by Connect when the bearer token is empty.
	ErrNoToken = errors.New("transport: auth token is empty")
	// ErrClosed is returned when sending on a closed connection.
	ErrClosed = errors.New("transport: connection closed")
)

// Error describes a failed transport operation. It matches ErrTransport and
// the underlying cause with errors.Is.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "transport: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// Transport dials connections to the backend.
type Transport interface {
	// Connect performs the handshake using the bearer token.
	Connect(ctx context.Context, token string) (Conn, error)
	// Subscribe registers fn for inbound events of every connection this
	// transport dials, now and later.
	Subscribe(fn func(Event)) (unsubscribe func())
}

// Conn is one live connection.
type Conn interface {
	ID() string
	Send(ctx context.Context, event string, payload interface{}) error
	Close() error
}

// Resumer is implemented by connections that reconnect on their own after a
// drop and report it with EventConnectionRestored.
type Resumer interface {
	Resumes() bool
}

// Resumes reports whether conn restores itself after a drop.
func Resumes(conn Conn) bool {
	r, ok := conn.(Resumer)
	return ok && r.Resumes()
}

// dispatchFrame decodes one live-channel frame and publishes the matching
// event. It returns the decoded message type ("" on parse errors).
func dispatchFrame(bus *pubsub.Bus[Event], connID string, data []byte) string {
	msgType, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		log.Printf("[transport] dropping frame conn=%s: %v", connID, err)
		return ""
	}

	switch m := msg.(type) {
	case protocol.ServerChatMsg:
		bus.Publish(Event{Type: EventMessage, ConnID: connID, Message: m.Message})
	case protocol.UserCountMsg:
		bus.Publish(Event{Type: EventPresenceCount, ConnID: connID, Count: m.Count})
	case protocol.ModerationMsg:
		bus.Publish(Event{Type: EventModeration, ConnID: connID, Verdict: m})
	case protocol.ErrorMsg:
		log.Printf("[transport] server error conn=%s code=%s: %s", connID, m.Code, m.Message)
	case protocol.PongMsg:
	}
	return msgType
}
