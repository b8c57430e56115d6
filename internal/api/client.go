// Package api is the REST collaborator of the chat session: the room list,
// paginated message history and the request/response send path used when
// the live channel is down.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/connectus/chat-session/internal/chat"
	"github.com/connectus/chat-session/internal/protocol"
	"github.com/connectus/chat-session/internal/room"
)

// ErrUnauthorized is returned when the backend rejects the bearer token.
var ErrUnauthorized = errors.New("api: unauthorized")

// StatusError is returned for any other non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 512

// Client talks to the chat REST endpoints with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client. A nil httpClient uses a client with a 10s timeout.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

type roomDTO struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Participants int    `json:"participants"`
	UnreadCount  int    `json:"unread_count"`
}

// FetchRooms implements room.Fetcher with GET /chat/rooms.
func (c *Client) FetchRooms(ctx context.Context) ([]room.Room, error) {
	var body struct {
		Rooms []roomDTO `json:"rooms"`
	}
	if err := c.do(ctx, http.MethodGet, "/chat/rooms", nil, &body); err != nil {
		return nil, err
	}

	rooms := make([]room.Room, 0, len(body.Rooms))
	for _, r := range body.Rooms {
		rooms = append(rooms, room.Room{
			ID:           r.ID,
			Name:         r.Name,
			Kind:         chat.Kind(r.Type),
			Participants: r.Participants,
			Unread:       r.UnreadCount,
		})
	}
	return rooms, nil
}

// FetchHistory returns one page of a room's history with
// GET /chat/messages/{roomId}?page=N.
func (c *Client) FetchHistory(ctx context.Context, roomID string, page int) ([]protocol.Message, error) {
	if page < 1 {
		page = 1
	}
	path := "/chat/messages/" + url.PathEscape(roomID) + "?page=" + strconv.Itoa(page)

	var body struct {
		Messages []protocol.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	if body.Messages == nil {
		body.Messages = []protocol.Message{}
	}
	return body.Messages, nil
}

// PostMessage sends a message with POST /chat/messages. It returns the stored
// message when the backend echoes it, either bare or under "message".
func (c *Client) PostMessage(ctx context.Context, req protocol.SendMessageMsg) (*protocol.Message, error) {
	req.Type = ""
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/chat/messages", req, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var wrapped struct {
		Message *protocol.Message `json:"message"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Message != nil && wrapped.Message.ID != "" {
		return wrapped.Message, nil
	}
	var bare protocol.Message
	if err := json.Unmarshal(raw, &bare); err == nil && bare.ID != "" {
		return &bare, nil
	}
	return nil, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: encode %s %s: %w", method, path, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("api: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s %s", ErrUnauthorized, method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("api: read %s %s: %w", method, path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("api: decode %s %s: %w", method, path, err)
	}
	return nil
}
