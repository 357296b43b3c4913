package gameserver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/farmstead/internal/observability"
)

// ErrHubStopped is returned by Join after Stop.
var ErrHubStopped = errors.New("room hub stopped")

// ErrInvalidRoom is returned for an empty room name.
var ErrInvalidRoom = errors.New("invalid room name")

// Hub creates rooms on first join and reaps them once they stay empty.
type Hub struct {
	opts      RoomOptions
	idleGrace time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	rooms   map[string]*Room
	stopped bool
}

// NewHub creates an empty Hub.
//
// Precondition: opts.Persona must be non-nil; logger must be non-nil.
func NewHub(opts RoomOptions, idleGrace time.Duration, logger *zap.Logger) *Hub {
	return &Hub{
		opts:      opts,
		idleGrace: idleGrace,
		logger:    logger,
		rooms:     make(map[string]*Room),
	}
}

// Join joins the named room, creating it if needed.
//
// Postcondition: Returns a live Membership or a non-nil error.
func (h *Hub) Join(ctx context.Context, room, requestedID string) (*Membership, error) {
	if room == "" {
		return nil, ErrInvalidRoom
	}
	// A room reaped between lookup and join is replaced once.
	for attempt := 0; attempt < 2; attempt++ {
		r, err := h.room(room)
		if err != nil {
			return nil, err
		}
		m, err := r.Join(ctx, requestedID)
		if errors.Is(err, ErrRoomClosed) {
			h.forget(room, r)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("joining room %q: %w", room, err)
		}
		return m, nil
	}
	return nil, fmt.Errorf("joining room %q: %w", room, ErrRoomClosed)
}

func (h *Hub) room(name string) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil, ErrHubStopped
	}
	if r, ok := h.rooms[name]; ok {
		return r, nil
	}
	r := NewRoom(name, h.opts, observability.RoomLogger(h.logger, name))
	h.rooms[name] = r
	return r, nil
}

func (h *Hub) forget(name string, r *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[name] == r {
		delete(h.rooms, name)
	}
}

// Rooms returns the names of the live rooms in sorted order.
func (h *Hub) Rooms() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.rooms))
	for name := range h.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reap stops every room that has been empty for at least the idle grace.
//
// Postcondition: Returns the number of rooms stopped.
func (h *Hub) Reap(now time.Time) int {
	h.mu.Lock()
	candidates := make(map[string]*Room)
	for name, r := range h.rooms {
		if r.Members() == 0 {
			candidates[name] = r
		}
	}
	h.mu.Unlock()

	reaped := 0
	for name, r := range candidates {
		if !r.StopIfIdle(now, h.idleGrace) {
			continue
		}
		h.forget(name, r)
		reaped++
		h.logger.Info("idle room reaped", zap.String("room", name))
	}
	return reaped
}

// Stop stops every room. Later joins fail with ErrHubStopped.
func (h *Hub) Stop() {
	h.mu.Lock()
	h.stopped = true
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.rooms = make(map[string]*Room)
	h.mu.Unlock()

	for _, r := range rooms {
		r.Stop()
	}
	h.logger.Info("room hub stopped", zap.Int("rooms", len(rooms)))
}
