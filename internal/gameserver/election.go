package gameserver

// Election tracks which connection drives the NPC.
//
// Invariant: while at least one connection is live, exactly one of them is host.
// Election is not safe for concurrent use; it is owned by the room loop.
type Election struct {
	host string
}

// Host returns the current host id and whether one is assigned.
func (e *Election) Host() (string, bool) {
	return e.host, e.host != ""
}

// IsHost reports whether id is the current host.
func (e *Election) IsHost(id string) bool {
	return id != "" && e.host == id
}

// Join records a new connection.
//
// Postcondition: Returns true iff id became host because nobody held the role.
func (e *Election) Join(id string) bool {
	if e.host != "" {
		return false
	}
	e.host = id
	return true
}

// Leave records a departed connection. remaining is the live connections in
// join order, excluding id.
//
// Postcondition: when id was host, the role moves to the first remaining id
// other than id and (newHost, true) is returned; otherwise ("", false).
func (e *Election) Leave(id string, remaining []string) (string, bool) {
	if e.host != id || id == "" {
		return "", false
	}
	e.host = ""
	for _, candidate := range remaining {
		if candidate == id {
			continue
		}
		e.host = candidate
		return candidate, true
	}
	return "", false
}
