// Package chat holds the message model and the Message Ledger, the per-room
// ordered and deduplicated history that reconciles optimistic sends with
// their server-confirmed counterparts.
package chat

import "time"

// Kind is the visibility of a room and of the messages posted in it.
type Kind string

const (
	KindPublic  Kind = "public"
	KindPrivate Kind = "private"
)

// State is the confirmation state of a message.
type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
)

// FilteredPlaceholder is displayed instead of the body of a flagged message.
const FilteredPlaceholder = "Mensagem filtrada pelo sistema de segurança"

// Identity is the user a session acts as.
type Identity struct {
	ID     string
	Name   string
	Avatar string
}

// Message is a single chat entry. Values returned by the Ledger are copies;
// only the Ledger mutates its own entries.
type Message struct {
	ID         string    // server ID once confirmed, local ID while pending/failed
	LocalID    string    // client-generated ID, empty for messages that originated elsewhere
	RoomID     string
	SenderID   string
	SenderName string
	Avatar     string
	Body       string
	CreatedAt  time.Time // issue time while pending, server time once confirmed
	Kind       Kind
	Flagged    bool
	State      State
	FailReason string
}

// DisplayBody returns the text a view should render.
func (m Message) DisplayBody() string {
	if m.Flagged {
		return FilteredPlaceholder
	}
	return m.Body
}

// RawBody returns the original body regardless of the moderation flag.
func (m Message) RawBody() string {
	return m.Body
}

// IsOwn reports whether the message was sent by the given user.
func (m Message) IsOwn(self Identity) bool {
	return self.ID != "" && m.SenderID == self.ID
}
