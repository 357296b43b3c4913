package gameserver_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cory-johannsen/farmstead/internal/game/session"
	"github.com/cory-johannsen/farmstead/internal/gameserver"
	"github.com/cory-johannsen/farmstead/internal/generation"
)

func TestRoom_JoinSendsInit(t *testing.T) {
	r := newTestRoom(t, &scriptedGenerator{reply: "hi"})

	a := join(t, r, "alice")
	welcome := a.next()
	assert.Equal(t, "init", welcome["type"])
	assert.Equal(t, "alice", welcome["id"])
	assert.Equal(t, true, welcome["farmerHost"])
	assert.Equal(t, float64(testEpoch.UnixMilli()-290_000), welcome["cycleStartTime"])
	assert.Empty(t, welcome["players"])
	assert.Nil(t, welcome["farmer"])

	quests := welcome["quests"].(map[string]any)
	assert.Equal(t, float64(-248), quests["holeZ"])
	holeX := quests["holeX"].(float64)
	assert.True(t, holeX >= -120 && holeX <= 120)
	flags := quests["quests"].(map[string]any)
	assert.Equal(t, map[string]any{"tomatoes": false, "softspot": false, "farmerInfo": false, "shovel": false}, flags)

	b := join(t, r, "")
	bwelcome := b.next()
	assert.Equal(t, false, bwelcome["farmerHost"])
	assert.NotEmpty(t, bwelcome["id"])

	joined := a.next()
	assert.Equal(t, "player_join", joined["type"])
	assert.Equal(t, b.id(), joined["id"])
	assert.Equal(t, 2, r.Members())
}

func TestRoom_RequestedIDInUse(t *testing.T) {
	r := newTestRoom(t, &scriptedGenerator{})
	join(t, r, "alice")
	_, err := r.Join(context.Background(), "alice")
	assert.ErrorIs(t, err, session.ErrIDInUse)
}

func TestRoom_StateBroadcastExcludesSender(t *testing.T) {
	r := newTestRoom(t, &scriptedGenerator{})
	a := join(t, r, "a")
	b := join(t, r, "b")
	c := join(t, r, "c")

	a.send(map[string]any{"type": "state", "x": 1.5, "y": 2, "z": 3, "ry": 0.5, "anim": "W"})
	for _, other := range []*testClient{b, c} {
		f, _ := other.expect("state")
		assert.Equal(t, "a", f["id"])
		assert.Equal(t, 1.5, f["x"])
		assert.Equal(t, "W", f["anim"])
		assert.Equal(t, true, f["grounded"])
		assert.Equal(t, "husky", f["char"])
	}

	// b's state is the first state a sees, so a never received its own.
	b.send(state(7, "R"))
	f, _ := a.expect("state")
	assert.Equal(t, "b", f["id"])
	assert.Equal(t, "R", f["anim"])
}

func TestRoom_StateValidationAndDefaults(t *testing.T) {
	r := newTestRoom(t, &scriptedGenerator{})
	a := join(t, r, "a")
	b := join(t, r, "b")

	a.send(map[string]any{"type": "state", "x": 9, "y": 0, "z": 0})
	a.send(map[string]any{"type": "state", "x": 2, "y": 0, "z": 0, "ry": 0, "anim": "?", "grounded": false, "char": "fox"})

	f, _ := b.expect("state")
	assert.Equal(t, float64(2), f["x"])
	assert.Equal(t, "I", f["anim"])
	assert.Equal(t, false, f["grounded"])
	assert.Equal(t, "fox", f["char"])
}

func TestRoom_LateJoinerReceivesSnapshot(t *testing.T) {
	r := newTestRoom(t, &scriptedGenerator{})
	a := join(t, r, "a")
	b := join(t, r, "b")
	a.send(state(4, "W"))
	b.expect("state")

	c := join(t, r, "c")
	welcome := c.next()
	players := welcome["players"].(map[string]any)
	require.Contains(t, players, "a")
	assert.NotContains(t, players, "b")
	assert.Equal(t, float64(4), players["a"].(map[string]any)["x"])
}

func TestRoom_MalformedAndUnknownFramesIgnored(t *testing.T) {
	r := newTestRoom(t, &scriptedGenerator{})
	a := join(t, r, "a")
	b := join(t, r, "b")
	b.next()

	a.sendRaw("not json")
	a.sendRaw(`{"type":"dance"}`)
	a.sendRaw(`{"type":"state","x":"left"}`)
	a.send(state(3, "I"))

	f, skipped := b.expect("state")
	assert.Empty(t, skipped)
	assert.Equal(t, float64(3), f["x"])
}

func TestRoom_FarmerStateOnlyFromHost(t *testing.T) {
	r := newTestRoom(t, &scriptedGenerator{})
	a := join(t, r, "a")
	b := join(t, r, "b")
	c := join(t, r, "c")

	b.send(farmerState(99))
	a.send(farmerState(1))

	f, _ := c.expect("farmer_state")
	assert.Equal(t, float64(1), f["x"])
	f, _ = b.expect("farmer_state")
	assert.Equal(t, float64(1), f["x"])
}

func TestRoom_HostMigrationSendsExactlyOneNotice(t *testing.T) {
	r := newTestRoom(t, &scriptedGenerator{})
	a := join(t, r, "a")
	b := join(t, r, "b")
	c := join(t, r, "c")
	a.next()
	b.next()
	c.next()

	a.m.Leave()

	var bTypes []string
	bTypes = append(bTypes, b.next()["type"].(string)) // player_join c
	bTypes = append(bTypes, b.next()["type"].(string))
	bTypes = append(bTypes, b.next()["type"].(string))
	assert.Equal(t, []string{"player_join", "player_leave", "farmer_host"}, bTypes)

	b.m.Leave()
	var cTypes []string
	for i := 0; i < 3; i++ {
		cTypes = append(cTypes, c.next()["type"].(string))
	}
	assert.Equal(t, []string{"player_leave", "player_leave", "farmer_host"}, cTypes)
}

func TestRoom_FarmerStateAuthorityEndToEnd(t *testing.T) {
	r := newTestRoom(t, &scriptedGenerator{})
	a := join(t, r, "a")
	b := join(t, r, "b")
	c := join(t, r, "c")

	a.send(farmerState(1))
	f, _ := c.expect("farmer_state")
	assert.Equal(t, float64(1), f["x"])

	a.m.Leave()
	_, _ = b.expect("farmer_host")

	// The farmer transform authored by the old host is discarded.
	d := join(t, r, "d")
	assert.Nil(t, d.next()["farmer"])

	c.send(farmerState(50))
	b.send(farmerState(5))
	f, skipped := c.expect("farmer_state")
	assert.Equal(t, float64(5), f["x"])
	assert.NotContains(t, skipped, "farmer_host")

	e := join(t, r, "e")
	farmer := e.next()["farmer"].(map[string]any)
	assert.Equal(t, float64(5), farmer["x"])
	assert.Equal(t, "W", farmer["anim"])
}

func TestRoom_ShovelHintCompletesFarmerInfo(t *testing.T) {
	gen := &scriptedGenerator{reply: "There's an old shovel behind the barn... haven't touched it in years."}
	r := newTestRoom(t, gen)
	a := join(t, r, "a")
	b := join(t, r, "b")

	a.send(map[string]any{"type": "chat", "text": "how do I get out of here?"})

	resp, _ := a.expect("chat_response")
	assert.Equal(t, gen.reply, resp["text"])
	qc := a.next()
	assert.Equal(t, "quest_complete", qc["type"])
	assert.Equal(t, "farmerInfo", qc["quest"])

	qs, skipped := b.expect("quest_state")
	assert.NotContains(t, skipped, "quest_complete")
	assert.NotContains(t, skipped, "chat_response")
	assert.Equal(t, true, qs["quests"].(map[string]any)["farmerInfo"])
}

func TestRoom_NoSignalWithoutSupportWord(t *testing.T) {
	gen := &scriptedGenerator{reply: "A shovel? Never owned one."}
	r := newTestRoom(t, gen)
	a := join(t, r, "a")

	a.send(map[string]any{"type": "chat", "text": "got a shovel?"})
	a.expect("chat_response")
	a.expectNone("quest_complete", 100*time.Millisecond)
}

func TestRoom_MissingCredentialFallback(t *testing.T) {
	r := newTestRoom(t, generation.Unconfigured{})
	a := join(t, r, "a")

	a.send(map[string]any{"type": "chat", "text": "hello"})
	resp, _ := a.expect("chat_response")
	assert.Equal(t, "no key", resp["text"])
	a.expectNone("quest_complete", 100*time.Millisecond)
}

func TestRoom_ChatQuestStatePromotesClientReportedOnly(t *testing.T) {
	gen := &scriptedGenerator{reply: "well now"}
	r := newTestRoom(t, gen)
	a := join(t, r, "a")

	a.send(map[string]any{
		"type":       "chat",
		"text":       "I found a soft spot by the fence",
		"questState": map[string]any{"softspot": true, "farmerInfo": true},
	})

	qs, _ := a.expect("quest_state")
	flags := qs["quests"].(map[string]any)
	assert.Equal(t, true, flags["softspot"])
	assert.Equal(t, false, flags["farmerInfo"])

	a.expect("chat_response")
	reqs := gen.recorded()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].System, "SHOVEL HINT")
	assert.NotContains(t, reqs[0].System, "Be evasive")
}

func TestRoom_ChatsSerializedPerConnection(t *testing.T) {
	gen := newGatedGenerator()
	r := newTestRoom(t, gen)
	a := join(t, r, "a")

	for _, text := range []string{"one", "two", "three"} {
		a.send(map[string]any{"type": "chat", "text": text})
	}
	for _, want := range []string{"echo: one", "echo: two", "echo: three"} {
		require.Eventually(t, func() bool { return gen.calls() >= 1 }, 2*time.Second, 5*time.Millisecond)
		gen.release <- struct{}{}
		resp, _ := a.expect("chat_response")
		assert.Equal(t, want, resp["text"])
	}
	assert.Equal(t, 1, gen.maxInflight())

	gen.mu.Lock()
	defer gen.mu.Unlock()
	require.Len(t, gen.requests, 3)
	assert.Len(t, gen.requests[2].Turns, 5)
}

func TestRoom_PendingChatDoesNotStallRelay(t *testing.T) {
	gen := newGatedGenerator()
	r := newTestRoom(t, gen)
	a := join(t, r, "a")
	b := join(t, r, "b")
	c := join(t, r, "c")
	c.next()

	a.send(map[string]any{"type": "chat", "text": "hello"})
	require.Eventually(t, func() bool { return gen.calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	b.send(state(2, "W"))
	a.send(state(3, "R"))
	first := c.next()
	assert.Equal(t, "state", first["type"])
	assert.Equal(t, "b", first["id"])
	second := c.next()
	assert.Equal(t, "state", second["type"])
	assert.Equal(t, "a", second["id"])
	assert.Equal(t, float64(3), second["x"])

	gen.release <- struct{}{}
	resp, _ := a.expect("chat_response")
	assert.Equal(t, "echo: hello", resp["text"])
	b.expectNone("chat_response", 200*time.Millisecond)
	c.expectNone("chat_response", 200*time.Millisecond)
}

func TestRoom_ReplyForClosedConnectionDropped(t *testing.T) {
	gen := newGatedGenerator()
	r := newTestRoom(t, gen)
	a := join(t, r, "alice")
	b := join(t, r, "b")

	a.send(map[string]any{"type": "chat", "text": "hello"})
	require.Eventually(t, func() bool { return gen.calls() == 1 }, 2*time.Second, 5*time.Millisecond)
	a.m.Leave()
	b.expect("player_leave")

	again := join(t, r, "alice")
	again.next()
	gen.release <- struct{}{}
	again.expectNone("chat_response", 200*time.Millisecond)
	assert.Equal(t, 2, r.Members())
}

func TestRoom_QuestProgress(t *testing.T) {
	r := newTestRoom(t, &scriptedGenerator{})
	a := join(t, r, "a")
	b := join(t, r, "b")

	a.send(map[string]any{"type": "quest_progress", "quest": "farmerInfo"})
	a.send(map[string]any{"type": "quest_progress", "quest": "escaped"})
	a.send(map[string]any{"type": "quest_progress", "quest": "tomatoes"})

	qs, _ := b.expect("quest_state")
	flags := qs["quests"].(map[string]any)
	assert.Equal(t, true, flags["tomatoes"])
	assert.Equal(t, false, flags["farmerInfo"])
	assert.Equal(t, false, qs["escaped"])
	assert.Nil(t, qs["endTime"])
}

func TestRoom_QuestProgressRejectionsLogged(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	r := gameserver.NewRoom("test", testOptions(t, &scriptedGenerator{}, 64), zap.New(core))
	t.Cleanup(r.Stop)
	a := join(t, r, "a")
	b := join(t, r, "b")
	b.next()

	a.send(map[string]any{"type": "quest_progress", "quest": "farmerInfo"})
	a.send(map[string]any{"type": "quest_progress", "quest": "treasure"})
	a.send(map[string]any{"type": "quest_progress", "quest": "softspot"})
	b.expect("quest_state")

	owned := logs.FilterMessage("server-owned quest progress ignored").AllUntimed()
	require.Len(t, owned, 1)
	assert.Equal(t, "farmerInfo", owned[0].ContextMap()["quest"])
	unknown := logs.FilterMessage("unknown quest ignored").AllUntimed()
	require.Len(t, unknown, 1)
	assert.Equal(t, "treasure", unknown[0].ContextMap()["quest"])
}

func TestRoom_ChatDispatchLogsActiveStages(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	gen := &scriptedGenerator{reply: "hm"}
	r := gameserver.NewRoom("test", testOptions(t, gen, 64), zap.New(core))
	t.Cleanup(r.Stop)
	a := join(t, r, "a")
	a.next()

	a.send(map[string]any{"type": "chat", "text": "hello"})
	a.expect("chat_response")
	a.send(map[string]any{"type": "quest_progress", "quest": "softspot"})
	a.expect("quest_state")
	a.send(map[string]any{"type": "chat", "text": "again"})
	a.expect("chat_response")

	dispatched := logs.FilterMessage("chat dispatched").AllUntimed()
	require.Len(t, dispatched, 2)
	assert.Equal(t, []any{"before_softspot"}, dispatched[0].ContextMap()["stages"])
	assert.Equal(t, []any{"after_softspot"}, dispatched[1].ContextMap()["stages"])
}

func TestRoom_EscapeAfterAllQuests(t *testing.T) {
	gen := &scriptedGenerator{reply: "old shovel behind the barn"}
	r := newTestRoom(t, gen)
	a := join(t, r, "a")

	a.send(map[string]any{"type": "chat", "text": "help", "questState": map[string]any{"tomatoes": true, "softspot": true, "shovel": true}})
	a.expect("quest_complete")
	a.send(map[string]any{"type": "quest_progress", "quest": "escaped"})

	for {
		qs, _ := a.expect("quest_state")
		if qs["escaped"] == true {
			assert.Equal(t, float64(testEpoch.UnixMilli()), qs["endTime"])
			assert.Equal(t, "0:00", qs["elapsed"])
			return
		}
	}
}

func TestRoom_QuestResetHostOnly(t *testing.T) {
	r := newTestRoom(t, &scriptedGenerator{})
	a := join(t, r, "a")
	b := join(t, r, "b")

	a.send(map[string]any{"type": "quest_progress", "quest": "tomatoes"})
	b.expect("quest_state")

	b.send(map[string]any{"type": "quest_reset"})
	a.send(map[string]any{"type": "quest_reset"})
	qs, _ := b.expect("quest_state")
	assert.Equal(t, false, qs["quests"].(map[string]any)["tomatoes"])
}

func TestRoom_FailedSendIsDisconnect(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := gameserver.NewRoom("tiny", testOptions(t, &scriptedGenerator{}, 2), zap.New(core))
	t.Cleanup(r.Stop)

	a := join(t, r, "a") // never reads: init + player_join fill its buffer
	b := join(t, r, "b")
	b.next()
	require.NoError(t, a.m.Cause())

	b.send(state(1, "I"))
	leave, _ := b.expect("player_leave")
	assert.Equal(t, "a", leave["id"])
	b.expect("farmer_host")
	assert.ErrorIs(t, a.m.Cause(), session.ErrBufferFull)

	b.m.Leave()
	require.Eventually(t, func() bool { return r.Members() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, b.m.Cause(), session.ErrEntityClosed)

	require.Eventually(t, func() bool {
		return logs.FilterMessage("connection closed").Len() == 2
	}, 2*time.Second, 5*time.Millisecond)
	closed := logs.FilterMessage("connection closed")
	assert.Equal(t, 1, closed.FilterField(zap.String("reason", "send_buffer_full")).FilterField(zap.String("conn", "a")).Len())
	assert.Equal(t, 1, closed.FilterField(zap.String("reason", "left")).FilterField(zap.String("conn", "b")).Len())

	_, err := r.Join(context.Background(), "a")
	assert.NoError(t, err)
}

func TestRoom_StopClosesConnections(t *testing.T) {
	r := gameserver.NewRoom("s", testOptions(t, &scriptedGenerator{}, 8), zaptest.NewLogger(t))
	a := join(t, r, "a")
	a.next()

	r.Stop()
	r.Stop()
	_, ok := <-a.m.Frames()
	assert.False(t, ok)
	assert.False(t, a.m.Deliver([]byte(`{}`)))

	_, err := r.Join(context.Background(), "b")
	assert.ErrorIs(t, err, gameserver.ErrRoomClosed)
}

func TestRoom_StopIfIdle(t *testing.T) {
	r := gameserver.NewRoom("idle", testOptions(t, &scriptedGenerator{}, 8), zaptest.NewLogger(t))
	t.Cleanup(r.Stop)
	a := join(t, r, "a")

	assert.False(t, r.StopIfIdle(testEpoch.Add(time.Hour), time.Minute))
	a.m.Leave()
	require.Eventually(t, func() bool { return r.Members() == 0 }, 2*time.Second, 5*time.Millisecond)

	assert.False(t, r.StopIfIdle(testEpoch.Add(30*time.Second), time.Minute))
	assert.True(t, r.StopIfIdle(testEpoch.Add(time.Minute), time.Minute))
	select {
	case <-r.Done():
	default:
		t.Fatal("room loop still running")
	}
}

func TestRoom_NonHostFarmerStateReachesNobody(t *testing.T) {
	r := newTestRoom(t, &scriptedGenerator{})
	a := join(t, r, "a")
	b := join(t, r, "b")

	a.send(map[string]any{"type": "farmer_state", "x": 10, "z": 5, "ry": 0, "anim": "I"})
	f, _ := b.expect("farmer_state")
	assert.Equal(t, map[string]any{"type": "farmer_state", "x": float64(10), "z": float64(5), "ry": float64(0), "anim": "I"}, f)

	b.send(map[string]any{"type": "farmer_state", "x": 10, "z": 5, "ry": 0, "anim": "I"})
	b.send(state(1, "I"))
	next, skipped := a.expect("state")
	assert.Equal(t, "b", next["id"])
	assert.NotContains(t, skipped, "farmer_state")
}

func TestRoom_EvasiveStageAndShovelSignal(t *testing.T) {
	gen := &scriptedGenerator{reply: "A shovel? Can't help you there."}
	r := newTestRoom(t, gen)
	a := join(t, r, "a")
	b := join(t, r, "b")

	a.send(map[string]any{"type": "chat", "text": "how do I get out of here?"})
	a.expect("chat_response")
	a.expectNone("quest_complete", 100*time.Millisecond)

	reqs := gen.recorded()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].System, "Be evasive")
	assert.NotContains(t, reqs[0].System, "SHOVEL HINT")

	gen.mu.Lock()
	gen.reply = "Well, there's a shovel behind the shed."
	gen.mu.Unlock()

	a.send(map[string]any{"type": "chat", "text": "how do I get out of here?"})
	qc, _ := a.expect("quest_complete")
	assert.Equal(t, "farmerInfo", qc["quest"])

	_, skipped := b.expect("quest_state")
	assert.NotContains(t, skipped, "quest_complete")
}
