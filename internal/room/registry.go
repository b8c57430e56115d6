// Package room implements the Room Registry: the joinable rooms of a session,
// which one is active, and per-room unread and participant counters.
package room

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/connectus/chat-session/internal/chat"
)

// ErrRoomNotFound is returned for room IDs absent from the registry.
var ErrRoomNotFound = errors.New("room: not found")

// Room is a joinable chat room.
type Room struct {
	ID            string
	Name          string
	Kind          chat.Kind
	Participants  int
	Unread        int
	LastMessageID string // lookup key into the ledger, not ownership
}

// Source tells where a room list came from.
type Source string

const (
	SourceLive  Source = "live"
	SourceCache Source = "cache"
	SourceEmpty Source = "empty"
)

// Result is the outcome of LoadRooms. Err carries the live fetch error
// whenever Source is not SourceLive.
type Result struct {
	Rooms  []Room
	Source Source
	Err    error
}

// Degraded reports whether the rooms are not a fresh live result.
func (r Result) Degraded() bool {
	return r.Source != SourceLive
}

// Fetcher loads the room list from the backend.
type Fetcher interface {
	FetchRooms(ctx context.Context) ([]Room, error)
}

// Cache keeps the last live room list for degraded loads.
type Cache interface {
	SaveRooms(ctx context.Context, rooms []Room) error
	LoadRooms(ctx context.Context) ([]Room, bool, error)
}

// Registry is goroutine-safe. It is the only mutator of unread counters.
type Registry struct {
	fetcher Fetcher
	cache   Cache

	mu     sync.RWMutex
	order  []string
	rooms  map[string]*Room
	active string
}

// NewRegistry creates an empty registry. cache may be nil.
func NewRegistry(fetcher Fetcher, cache Cache) *Registry {
	return &Registry{
		fetcher: fetcher,
		cache:   cache,
		rooms:   make(map[string]*Room),
	}
}

// LoadRooms fetches the room list and replaces the registry content. When the
// fetch fails it falls back to the cached list, then to the list already
// held from an earlier load, then to an empty set, and tags the result
// accordingly. The active room survives a reload if it is
// still listed.
func (r *Registry) LoadRooms(ctx context.Context) Result {
	rooms, err := r.fetcher.FetchRooms(ctx)
	if err == nil {
		if r.cache != nil {
			if cerr := r.cache.SaveRooms(ctx, rooms); cerr != nil {
				log.Printf("[room] cache save failed: %v", cerr)
			}
		}
		r.replace(rooms)
		return Result{Rooms: r.Rooms(), Source: SourceLive}
	}

	log.Printf("[room] live room list failed, falling back: %v", err)

	if r.cache != nil {
		cached, ok, cerr := r.cache.LoadRooms(ctx)
		if cerr != nil {
			log.Printf("[room] cache load failed: %v", cerr)
		}
		if ok && cerr == nil {
			r.replace(cached)
			return Result{Rooms: r.Rooms(), Source: SourceCache, Err: err}
		}
	}

	// The current content is the most recent list we have.
	if held := r.Rooms(); len(held) > 0 {
		return Result{Rooms: held, Source: SourceCache, Err: err}
	}

	r.replace(nil)
	return Result{Rooms: []Room{}, Source: SourceEmpty, Err: err}
}

// Select makes roomID the active room and clears its unread counter. An
// unknown ID returns ErrRoomNotFound and changes nothing.
func (r *Registry) Select(roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	r.active = roomID
	rm.Unread = 0
	return nil
}

// IncrementUnread bumps the unread counter of a non-active room and returns
// the new value. For the active room the counter stays at zero.
func (r *Registry) IncrementUnread(roomID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return 0, ErrRoomNotFound
	}
	if roomID == r.active {
		return 0, nil
	}
	rm.Unread++
	return rm.Unread, nil
}

// SetLastMessage records the ledger ID of a room's latest message.
func (r *Registry) SetLastMessage(roomID, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	rm.LastMessageID = messageID
	return nil
}

// Active returns the active room, if one was selected.
func (r *Registry) Active() (Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.active == "" {
		return Room{}, false
	}
	return *r.rooms[r.active], true
}

// ActiveID returns the active room ID or "".
func (r *Registry) ActiveID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Get returns a room by ID.
func (r *Registry) Get(roomID string) (Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return *rm, true
}

// Kind returns the kind of a room, public when unknown.
func (r *Registry) Kind(roomID string) chat.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rm, ok := r.rooms[roomID]; ok && rm.Kind != "" {
		return rm.Kind
	}
	return chat.KindPublic
}

// Rooms returns the rooms in the order the backend listed them.
func (r *Registry) Rooms() []Room {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Room, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.rooms[id])
	}
	return out
}

// Default picks the room a fresh session should open: the one named
// "Geral", else the first listed.
func (r *Registry) Default() (Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		if r.rooms[id].Name == DefaultRoomName {
			return *r.rooms[id], true
		}
	}
	if len(r.order) == 0 {
		return Room{}, false
	}
	return *r.rooms[r.order[0]], true
}

// DefaultRoomName is the display name of the general room.
const DefaultRoomName = "Geral"

func (r *Registry) replace(rooms []Room) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.order = make([]string, 0, len(rooms))
	r.rooms = make(map[string]*Room, len(rooms))
	for _, rm := range rooms {
		if rm.ID == "" {
			continue
		}
		if _, dup := r.rooms[rm.ID]; dup {
			continue
		}
		rm := rm
		if rm.Unread < 0 {
			rm.Unread = 0
		}
		if rm.Kind == "" {
			rm.Kind = chat.KindPublic
		}
		r.order = append(r.order, rm.ID)
		r.rooms[rm.ID] = &rm
	}

	if rm, ok := r.rooms[r.active]; ok {
		rm.Unread = 0
	} else {
		r.active = ""
	}
}
