// Package quest holds the shared quest progress of a room and the lexical
// evaluator that turns NPC dialogue into quest completions.
package quest

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Hidden item placement along the south fence.
const (
	holeMinX = -120
	holeMaxX = 120
	holeZ    = -248
)

// Definition declares one quest flag.
type Definition struct {
	// Name is the flag key, e.g. "farmerInfo".
	Name string `yaml:"name"`
	// ClientReported marks milestones the client detects itself (picking up
	// an item, finding a spot). Clients may promote these flags; every other
	// flag is set only by the trigger evaluator.
	ClientReported bool `yaml:"client_reported"`
}

// State is the quest progress shared by every member of a room.
//
// Invariant: a flag that became true stays true until Reset.
// State is not safe for concurrent use; it is owned by the room loop.
type State struct {
	defs      []Definition
	flags     map[string]bool
	rng       *rand.Rand
	holeX     int
	holeZ     int
	startTime time.Time
	endTime   time.Time
	escaped   bool
}

// Snapshot is an immutable view of State.
type Snapshot struct {
	Flags     map[string]bool
	HoleX     int
	HoleZ     int
	StartTime time.Time
	EndTime   time.Time
	Escaped   bool
}

// NewState creates a State with every declared flag false and freshly
// randomized hidden-item coordinates.
//
// Precondition: rng must be non-nil.
func NewState(defs []Definition, rng *rand.Rand, now time.Time) *State {
	s := &State{
		defs: append([]Definition(nil), defs...),
		rng:  rng,
	}
	s.Reset(now)
	return s
}

// Reset clears every flag, restarts the clock and re-randomizes the hidden item.
func (s *State) Reset(now time.Time) {
	s.flags = make(map[string]bool, len(s.defs))
	for _, d := range s.defs {
		s.flags[d.Name] = false
	}
	s.holeX = int(math.Round(holeMinX + s.rng.Float64()*(holeMaxX-holeMinX)))
	s.holeZ = holeZ
	s.startTime = now
	s.endTime = time.Time{}
	s.escaped = false
}

// Known reports whether name is a declared quest.
func (s *State) Known(name string) bool {
	_, ok := s.flags[name]
	return ok
}

// ClientReported reports whether name is a declared client-reported quest.
func (s *State) ClientReported(name string) bool {
	for _, d := range s.defs {
		if d.Name == name {
			return d.ClientReported
		}
	}
	return false
}

// Complete sets the flag for name.
//
// Postcondition: Returns true only when the flag transitioned from false to
// true. Unknown names are ignored.
func (s *State) Complete(name string) bool {
	done, ok := s.flags[name]
	if !ok || done {
		return false
	}
	s.flags[name] = true
	return true
}

// Promote applies client-reported flags. Only true values for quests declared
// ClientReported are honoured; everything else is ignored.
//
// Postcondition: Returns the names that transitioned to true, in declaration order.
func (s *State) Promote(reported map[string]bool) []string {
	var changed []string
	for _, d := range s.defs {
		if !d.ClientReported || !reported[d.Name] {
			continue
		}
		if s.Complete(d.Name) {
			changed = append(changed, d.Name)
		}
	}
	return changed
}

// Flags returns a copy of the flag map.
func (s *State) Flags() map[string]bool {
	out := make(map[string]bool, len(s.flags))
	for k, v := range s.flags {
		out[k] = v
	}
	return out
}

// AllComplete reports whether every declared quest is done.
func (s *State) AllComplete() bool {
	for _, done := range s.flags {
		if !done {
			return false
		}
	}
	return true
}

// SetEscaped records the escape and stops the clock. It is refused until every
// quest is complete, and only the first call records the end time.
func (s *State) SetEscaped(now time.Time) bool {
	if s.escaped || !s.AllComplete() {
		return false
	}
	s.escaped = true
	s.endTime = now
	return true
}

// Elapsed returns the run time as "m:ss", frozen once escaped.
func (s *State) Elapsed(now time.Time) string {
	end := now
	if !s.endTime.IsZero() {
		end = s.endTime
	}
	secs := int(end.Sub(s.startTime) / time.Second)
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Flags:     s.Flags(),
		HoleX:     s.holeX,
		HoleZ:     s.holeZ,
		StartTime: s.startTime,
		EndTime:   s.endTime,
		Escaped:   s.escaped,
	}
}
