package session

import (
	"errors"

	"github.com/google/uuid"
)

// ErrIDInUse is returned when a requested connection id belongs to a live connection.
var ErrIDInUse = errors.New("connection id already in use")

// Registry tracks the live connections of one room in join order.
//
// Registry is not safe for concurrent use; it is owned by the room loop.
type Registry struct {
	order      []string
	entities   map[string]*Entity
	bufferSize int
	registered bool
}

// NewRegistry creates an empty Registry whose entities queue up to bufferSize frames.
func NewRegistry(bufferSize int) *Registry {
	return &Registry{
		entities:   make(map[string]*Entity),
		bufferSize: bufferSize,
	}
}

// Register adds a new connection. When requestedID is empty a random id is
// assigned; otherwise requestedID is reused unless it is currently live.
//
// Postcondition: Returns the id, its Entity, and whether this is the first
// registration in the registry's lifetime; or ErrIDInUse.
func (r *Registry) Register(requestedID string) (string, *Entity, bool, error) {
	id := requestedID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := r.entities[id]; exists {
		return "", nil, false, ErrIDInUse
	}

	first := !r.registered
	r.registered = true

	e := NewEntity(id, r.bufferSize)
	r.entities[id] = e
	r.order = append(r.order, id)
	return id, e, first, nil
}

// Unregister removes the connection and closes its Entity. Returns false if
// id was not registered.
func (r *Registry) Unregister(id string) bool {
	e, ok := r.entities[id]
	if !ok {
		return false
	}
	e.Close()
	delete(r.entities, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the Entity for id.
func (r *Registry) Get(id string) (*Entity, bool) {
	e, ok := r.entities[id]
	return e, ok
}

// Contains reports whether id is a live connection.
func (r *Registry) Contains(id string) bool {
	_, ok := r.entities[id]
	return ok
}

// List returns the live connection ids in join order.
func (r *Registry) List() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	return len(r.order)
}
