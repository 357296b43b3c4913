// Package session tracks the live connections of a room and the outbound
// frame queue attached to each of them.
package session

import (
	"errors"
	"fmt"
	"sync"
)

// ErrEntityClosed is returned by Push after the connection has been closed.
var ErrEntityClosed = errors.New("connection closed")

// ErrBufferFull is returned by Push when the outbound queue is saturated.
var ErrBufferFull = errors.New("send buffer full")

// Entity is the outbound half of a connection: an ordered queue of encoded
// frames that the transport drains onto the wire.
//
// An Entity that once failed to accept a frame stays failed. The first
// failure is kept as its Cause so the room and the transport can tell a
// saturated consumer apart from an ordinary departure.
type Entity struct {
	id     string
	frames chan []byte
	mu     sync.Mutex
	cause  error
	closed bool
}

// NewEntity creates an Entity for the given connection id.
//
// Precondition: id must be non-empty.
// Postcondition: Returns an Entity with an open frame queue.
func NewEntity(id string, bufferSize int) *Entity {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Entity{
		id:     id,
		frames: make(chan []byte, bufferSize),
	}
}

// ID returns the connection identifier.
func (e *Entity) ID() string {
	return e.id
}

// Push enqueues a frame without blocking.
//
// Precondition: data must be a non-nil byte slice.
// Postcondition: Data is enqueued, or the entity's Cause is returned wrapped
// with its id. A full queue sets Cause to ErrBufferFull for good.
func (e *Entity) Push(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cause == nil {
		select {
		case e.frames <- data:
			return nil
		default:
			e.cause = ErrBufferFull
		}
	}
	return fmt.Errorf("entity %s: %w", e.id, e.cause)
}

// Frames returns the read-only frame queue. The channel is closed after Close.
func (e *Entity) Frames() <-chan []byte {
	return e.frames
}

// Close closes the frame queue. Idempotent.
//
// Postcondition: Cause is non-nil; it stays ErrBufferFull if the queue had
// already overflowed and becomes ErrEntityClosed otherwise.
func (e *Entity) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	if e.cause == nil {
		e.cause = ErrEntityClosed
	}
	close(e.frames)
}

// Cause returns nil while the entity accepts frames, ErrBufferFull once its
// queue overflowed, or ErrEntityClosed after a Close that was not preceded by
// an overflow.
func (e *Entity) Cause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cause
}
