package player

// DefaultSkin is the character skin assumed when a client omits one.
const DefaultSkin = "husky"

// State is the latest known transform of one player.
type State struct {
	X        float64
	Y        float64
	Z        float64
	RY       float64
	Anim     Animation
	Grounded bool
	Char     string
}

// Store maps connection ids to their latest State. Last write wins.
//
// Store is not safe for concurrent use; it is owned by the room loop.
type Store struct {
	states map[string]State
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{states: make(map[string]State)}
}

// Set overwrites the state for id. No plausibility checks are made.
func (s *Store) Set(id string, st State) {
	s.states[id] = st
}

// Get returns the state for id.
func (s *Store) Get(id string) (State, bool) {
	st, ok := s.states[id]
	return st, ok
}

// Remove deletes the state for id.
func (s *Store) Remove(id string) {
	delete(s.states, id)
}

// Snapshot returns a copy of every stored state keyed by connection id.
func (s *Store) Snapshot() map[string]State {
	out := make(map[string]State, len(s.states))
	for id, st := range s.states {
		out[id] = st
	}
	return out
}

// Len returns the number of stored states.
func (s *Store) Len() int {
	return len(s.states)
}
