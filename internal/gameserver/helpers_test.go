package gameserver_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/farmstead/internal/game/npc"
	"github.com/cory-johannsen/farmstead/internal/game/quest"
	"github.com/cory-johannsen/farmstead/internal/gameserver"
	"github.com/cory-johannsen/farmstead/internal/generation"
)

const testPersonaYAML = `
id: farmer
name: Old Farmer
base_prompt: You're an old farmer.
fallbacks:
  no_credential: "no key"
  failure: "something went wrong"
quests:
  - name: tomatoes
    client_reported: true
  - name: softspot
    client_reported: true
  - name: farmerInfo
  - name: shovel
    client_reported: true
stages:
  - id: before_softspot
    when: {softspot: false}
    rules: Be evasive about the fence.
  - id: after_softspot
    when: {softspot: true}
    rules: SHOVEL HINT
triggers:
  - quest: farmerInfo
    keyword: shovel
    support: [barn, behind, old]
`

var testEpoch = time.UnixMilli(1_700_000_000_000)

func testOptions(t *testing.T, gen generation.Generator, sendBuffer int) gameserver.RoomOptions {
	t.Helper()
	p, err := npc.LoadPersonaFromBytes([]byte(testPersonaYAML))
	require.NoError(t, err)
	ev, err := quest.NewEvaluator(p.Triggers, 0)
	require.NoError(t, err)
	return gameserver.RoomOptions{
		Persona:     p,
		Evaluator:   ev,
		Generator:   gen,
		SendBuffer:  sendBuffer,
		CycleOffset: 290 * time.Second,
		CycleLength: 300 * time.Second,
		Now:         func() time.Time { return testEpoch },
		Seed:        42,
	}
}

func newTestRoom(t *testing.T, gen generation.Generator) *gameserver.Room {
	t.Helper()
	r := gameserver.NewRoom("test", testOptions(t, gen, 64), zaptest.NewLogger(t))
	t.Cleanup(r.Stop)
	return r
}

type testClient struct {
	t *testing.T
	m *gameserver.Membership
}

func join(t *testing.T, r *gameserver.Room, id string) *testClient {
	t.Helper()
	m, err := r.Join(context.Background(), id)
	require.NoError(t, err)
	return &testClient{t: t, m: m}
}

func (c *testClient) id() string { return c.m.ID() }

func (c *testClient) send(v any) {
	c.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(c.t, err)
	require.True(c.t, c.m.Deliver(data))
}

func (c *testClient) sendRaw(s string) {
	c.t.Helper()
	require.True(c.t, c.m.Deliver([]byte(s)))
}

// next returns the next decoded frame or fails after a timeout.
func (c *testClient) next() map[string]any {
	c.t.Helper()
	select {
	case data, ok := <-c.m.Frames():
		require.True(c.t, ok, "connection %s closed", c.id())
		var out map[string]any
		require.NoError(c.t, json.Unmarshal(data, &out))
		return out
	case <-time.After(2 * time.Second):
		c.t.Fatalf("connection %s: no frame within timeout", c.id())
		return nil
	}
}

// expect skips frames until one of the given type arrives. The skipped
// frame types are returned alongside it.
func (c *testClient) expect(typ string) (map[string]any, []string) {
	c.t.Helper()
	var skipped []string
	for {
		f := c.next()
		if f["type"] == typ {
			return f, skipped
		}
		skipped = append(skipped, f["type"].(string))
	}
}

// expectNone fails if a frame of type typ arrives within d.
func (c *testClient) expectNone(typ string, d time.Duration) {
	c.t.Helper()
	deadline := time.After(d)
	for {
		select {
		case data, ok := <-c.m.Frames():
			if !ok {
				return
			}
			var out map[string]any
			require.NoError(c.t, json.Unmarshal(data, &out))
			require.NotEqual(c.t, typ, out["type"], "unexpected %s frame on %s", typ, c.id())
		case <-deadline:
			return
		}
	}
}

func state(x float64, anim string) map[string]any {
	return map[string]any{"type": "state", "x": x, "y": 0, "z": 0, "ry": 0, "anim": anim}
}

func farmerState(x float64) map[string]any {
	return map[string]any{"type": "farmer_state", "x": x, "z": 0, "ry": 0, "anim": "W"}
}

// scriptedGenerator replies with a fixed text and records every request.
type scriptedGenerator struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []generation.Request
}

func (g *scriptedGenerator) Generate(_ context.Context, req generation.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	return g.reply, g.err
}

func (g *scriptedGenerator) recorded() []generation.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]generation.Request(nil), g.requests...)
}

// gatedGenerator blocks every call until released and echoes the last user turn.
type gatedGenerator struct {
	release  chan struct{}
	mu       sync.Mutex
	inflight int
	peak     int
	requests []generation.Request
}

func newGatedGenerator() *gatedGenerator {
	return &gatedGenerator{release: make(chan struct{})}
}

func (g *gatedGenerator) Generate(ctx context.Context, req generation.Request) (string, error) {
	g.mu.Lock()
	g.inflight++
	if g.inflight > g.peak {
		g.peak = g.inflight
	}
	g.requests = append(g.requests, req)
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inflight--
		g.mu.Unlock()
	}()
	select {
	case <-g.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return "echo: " + req.Turns[len(req.Turns)-1].Text, nil
}

func (g *gatedGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func (g *gatedGenerator) maxInflight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}
