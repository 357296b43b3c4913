package gameserver

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/farmstead/internal/game/session"
)

// ErrNotConnected is returned by SendDirect when the target id is not registered.
var ErrNotConnected = errors.New("connection not registered")

// Router fans events out to the connections of one room.
//
// Router is not safe for concurrent use; it is owned by the room loop.
type Router struct {
	registry *session.Registry
	logger   *zap.Logger
}

// NewRouter creates a Router over registry.
//
// Precondition: registry and logger must be non-nil.
func NewRouter(registry *session.Registry, logger *zap.Logger) *Router {
	return &Router{registry: registry, logger: logger}
}

// Broadcast serializes event once and pushes it to every registered
// connection except the excluded ids, in join order.
//
// Postcondition: Returns the ids whose push failed; the caller treats them as disconnected.
func (r *Router) Broadcast(event any, exclude ...string) []string {
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("marshalling broadcast event", zap.Error(err))
		return nil
	}

	var failed []string
	for _, id := range r.registry.List() {
		if excluded(id, exclude) {
			continue
		}
		ent, ok := r.registry.Get(id)
		if !ok {
			continue
		}
		if err := ent.Push(data); err != nil {
			r.logger.Debug("broadcast push failed", zap.String("conn", id), zap.Error(err))
			failed = append(failed, id)
		}
	}
	return failed
}

// SendDirect serializes event and pushes it to one connection.
//
// Postcondition: Returns ErrNotConnected for unknown ids, or the push error.
func (r *Router) SendDirect(id string, event any) error {
	ent, ok := r.registry.Get(id)
	if !ok {
		return fmt.Errorf("sending to %q: %w", id, ErrNotConnected)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshalling event for %q: %w", id, err)
	}
	if err := ent.Push(data); err != nil {
		return fmt.Errorf("sending to %q: %w", id, err)
	}
	return nil
}

func excluded(id string, exclude []string) bool {
	for _, x := range exclude {
		if x == id {
			return true
		}
	}
	return false
}
