// Package dialogue manages per-connection NPC conversations: bounded
// histories, prompt assembly and the mapping of generation failures to
// in-character fallback lines.
package dialogue

import "github.com/cory-johannsen/farmstead/internal/generation"

// History is an ordered, bounded sequence of turns. Once full, appending
// evicts the oldest turn.
type History struct {
	turns []generation.Turn
	limit int
}

// NewHistory creates an empty History holding at most limit turns.
//
// Precondition: limit >= 1.
func NewHistory(limit int) *History {
	if limit < 1 {
		limit = 1
	}
	return &History{limit: limit}
}

// Append adds t and truncates to the most recent limit turns.
func (h *History) Append(t generation.Turn) {
	h.turns = append(h.turns, t)
	if over := len(h.turns) - h.limit; over > 0 {
		h.turns = append(h.turns[:0:0], h.turns[over:]...)
	}
}

// Turns returns a copy of the retained turns, oldest first.
func (h *History) Turns() []generation.Turn {
	out := make([]generation.Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of retained turns.
func (h *History) Len() int {
	return len(h.turns)
}
