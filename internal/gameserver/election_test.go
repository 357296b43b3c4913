package gameserver_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/farmstead/internal/gameserver"
)

func TestElection_FirstJoinerIsHost(t *testing.T) {
	var e gameserver.Election
	assert.True(t, e.Join("a"))
	assert.False(t, e.Join("b"))
	host, ok := e.Host()
	assert.True(t, ok)
	assert.Equal(t, "a", host)
	assert.True(t, e.IsHost("a"))
	assert.False(t, e.IsHost("b"))
}

func TestElection_NonHostLeaveIsNoTransition(t *testing.T) {
	var e gameserver.Election
	e.Join("a")
	e.Join("b")
	_, ok := e.Leave("b", []string{"a"})
	assert.False(t, ok)
	host, _ := e.Host()
	assert.Equal(t, "a", host)
}

func TestElection_HostLeavePicksFirstRemaining(t *testing.T) {
	var e gameserver.Election
	e.Join("a")
	next, ok := e.Leave("a", []string{"a", "c", "b"})
	assert.True(t, ok)
	assert.Equal(t, "c", next)
}

func TestElection_LastLeaveClearsHost(t *testing.T) {
	var e gameserver.Election
	e.Join("a")
	_, ok := e.Leave("a", nil)
	assert.False(t, ok)
	_, has := e.Host()
	assert.False(t, has)
	assert.True(t, e.Join("b"))
}

// TestProperty_ElectionInvariant drives random join/leave sequences against a
// join-ordered model of live connections.
func TestProperty_ElectionInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var e gameserver.Election
		var live []string
		next := 0

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if len(live) == 0 || rapid.Bool().Draw(t, "join") {
				id := fmt.Sprintf("c%d", next)
				next++
				became := e.Join(id)
				if became != (len(live) == 0) {
					t.Fatalf("join %s: became host=%v with %d live", id, became, len(live))
				}
				live = append(live, id)
			} else {
				idx := rapid.IntRange(0, len(live)-1).Draw(t, "leave")
				id := live[idx]
				wasHost := e.IsHost(id)
				live = append(live[:idx:idx], live[idx+1:]...)

				newHost, ok := e.Leave(id, live)
				switch {
				case !wasHost && ok:
					t.Fatalf("non-host %s leaving elected %s", id, newHost)
				case wasHost && len(live) > 0 && (!ok || newHost != live[0]):
					t.Fatalf("host %s left: got (%q,%v), want %q", id, newHost, ok, live[0])
				case ok && newHost == id:
					t.Fatalf("departed %s re-elected", id)
				}
			}

			host, has := e.Host()
			if len(live) == 0 {
				if has {
					t.Fatalf("host %s with no live connections", host)
				}
				continue
			}
			if !has {
				t.Fatalf("no host with %d live connections", len(live))
			}
			found := false
			for _, id := range live {
				if id == host {
					found = true
				}
			}
			if !found {
				t.Fatalf("host %s is not live", host)
			}
		}
	})
}
