// Package protocol defines the live-channel message types exchanged with the
// chat backend and the JSON message payload shared with the REST API. All
// live messages are JSON objects with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/connectus/chat-session/internal/chat"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSendMessage = "send_message"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeMessage    = "message"
	TypeUserCount  = "user_count"
	TypeModeration = "moderation"
	TypeError      = "error"
	TypePong       = "pong"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared payloads
// ---------------------------------------------------------------------------

// Message is a chat message as the backend serializes it, both on the live
// channel and in REST responses.
type Message struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chat_id,omitempty"`
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	Avatar     string    `json:"avatar,omitempty"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	ChatType   string    `json:"chat_type,omitempty"`
	IsFiltered bool      `json:"is_filtered,omitempty"`
}

// ToChat converts the payload into a ledger message. fallbackRoom is used
// when the payload carries no chat_id.
func (m Message) ToChat(fallbackRoom string) chat.Message {
	roomID := m.ChatID
	if roomID == "" {
		roomID = fallbackRoom
	}
	return chat.Message{
		ID:         m.ID,
		RoomID:     roomID,
		SenderID:   m.UserID,
		SenderName: m.Username,
		Avatar:     m.Avatar,
		Body:       m.Content,
		CreatedAt:  m.Timestamp,
		Kind:       chat.Kind(m.ChatType),
		Flagged:    m.IsFiltered,
		State:      chat.StateConfirmed,
	}
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SendMessageMsg posts content to a room. The same body is used by the REST
// fallback (without the type field).
type SendMessageMsg struct {
	Type    string `json:"type,omitempty"`
	Content string `json:"content"`
	ChatID  string `json:"chat_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ServerChatMsg carries a confirmed chat message.
type ServerChatMsg struct {
	Type string `json:"type"`
	Message
}

// UserCountMsg carries the absolute number of connected users.
type UserCountMsg struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// ModerationMsg carries a moderation verdict for an already delivered message.
type ModerationMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Flagged   bool   `json:"flagged"`
	Reason    string `json:"reason,omitempty"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerMessage parses a raw live-channel frame into a typed server
// message. It returns the message type string, the decoded struct, and any
// error encountered during parsing. Unknown types are reported as errors.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeMessage:
		var m ServerChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUserCount:
		m, uerr := parseUserCount(env.Raw)
		err = uerr
		msg = m
	case TypeModeration:
		var m ModerationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		var m PongMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// countValue decodes a JSON integer or a numeric string such as "89".
type countValue int

func (c *countValue) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("protocol: count %q is not a number", s)
		}
		*c = countValue(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*c = countValue(n)
	return nil
}

// parseUserCount accepts both {"type":"user_count","count":N} and the bare
// form {"type":"user_count","data":N} some gateways emit. N may be a
// numeric string.
func parseUserCount(raw []byte) (UserCountMsg, error) {
	var m struct {
		Type  string      `json:"type"`
		Count *countValue `json:"count"`
		Data  *countValue `json:"data"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return UserCountMsg{}, err
	}
	switch {
	case m.Count != nil:
		return UserCountMsg{Type: m.Type, Count: int(*m.Count)}, nil
	case m.Data != nil:
		return UserCountMsg{Type: m.Type, Count: int(*m.Data)}, nil
	default:
		return UserCountMsg{}, fmt.Errorf("protocol: user_count without count")
	}
}

// NewClientMessage creates a JSON-encoded frame for a client message. The
// msgType is injected into the payload under the "type" key.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	m := map[string]interface{}{}
	if string(raw) != "null" {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: payload is not a JSON object: %w", err)
		}
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal client message: %w", err)
	}
	return out, nil
}
