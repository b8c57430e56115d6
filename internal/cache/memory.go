// Package cache keeps the last live room list and history pages so a session
// can still show something when the REST API is unreachable. It is a
// fallback for degraded display, never the store of record.
package cache

import (
	"context"
	"sync"

	"github.com/connectus/chat-session/internal/chat"
	"github.com/connectus/chat-session/internal/metrics"
	"github.com/connectus/chat-session/internal/room"
)

// Store is the fallback cache used by the session.
type Store interface {
	SaveRooms(ctx context.Context, rooms []room.Room) error
	LoadRooms(ctx context.Context) ([]room.Room, bool, error)
	SaveHistory(ctx context.Context, roomID string, page int, msgs []chat.Message) error
	LoadHistory(ctx context.Context, roomID string, page int) ([]chat.Message, bool, error)
}

type pageKey struct {
	room string
	page int
}

// Memory is a goroutine-safe in-process Store.
type Memory struct {
	mu       sync.RWMutex
	rooms    []room.Room
	hasRooms bool
	pages    map[pageKey][]chat.Message
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{pages: make(map[pageKey][]chat.Message)}
}

func (m *Memory) SaveRooms(_ context.Context, rooms []room.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rooms = append([]room.Room(nil), rooms...)
	m.hasRooms = true
	return nil
}

func (m *Memory) LoadRooms(_ context.Context) ([]room.Room, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.hasRooms {
		metrics.CacheLookups.WithLabelValues("rooms", "miss").Inc()
		return nil, false, nil
	}
	metrics.CacheLookups.WithLabelValues("rooms", "hit").Inc()
	return append([]room.Room{}, m.rooms...), true, nil
}

func (m *Memory) SaveHistory(_ context.Context, roomID string, page int, msgs []chat.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pages[pageKey{roomID, page}] = append([]chat.Message{}, msgs...)
	return nil
}

func (m *Memory) LoadHistory(_ context.Context, roomID string, page int) ([]chat.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs, ok := m.pages[pageKey{roomID, page}]
	if !ok {
		metrics.CacheLookups.WithLabelValues("history", "miss").Inc()
		return nil, false, nil
	}
	metrics.CacheLookups.WithLabelValues("history", "hit").Inc()
	return append([]chat.Message{}, msgs...), true, nil
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Redis)(nil)
)
