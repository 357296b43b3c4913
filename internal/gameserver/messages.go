package gameserver

import (
	"time"

	"github.com/cory-johannsen/farmstead/internal/game/player"
	"github.com/cory-johannsen/farmstead/internal/game/quest"
)

// Inbound message kinds.
const (
	MsgState         = "state"
	MsgFarmerState   = "farmer_state"
	MsgChat          = "chat"
	MsgQuestProgress = "quest_progress"
	MsgQuestReset    = "quest_reset"
)

// Outbound event kinds.
const (
	EventInit          = "init"
	EventPlayerJoin    = "player_join"
	EventPlayerLeave   = "player_leave"
	EventState         = "state"
	EventFarmerState   = "farmer_state"
	EventFarmerHost    = "farmer_host"
	EventChatResponse  = "chat_response"
	EventQuestComplete = "quest_complete"
	EventQuestState    = "quest_state"
)

// QuestEscaped is the pseudo-quest a client reports once every quest is done
// and the player leaves the farm.
const QuestEscaped = "escaped"

// envelope is decoded first to route a frame by kind.
type envelope struct {
	Type string `json:"type"`
}

// stateMsg uses pointers so omitted coordinates can be told apart from zero.
type stateMsg struct {
	X        *float64 `json:"x"`
	Y        *float64 `json:"y"`
	Z        *float64 `json:"z"`
	RY       *float64 `json:"ry"`
	Anim     string   `json:"anim"`
	Grounded *bool    `json:"grounded"`
	Char     string   `json:"char"`
}

type farmerStateMsg struct {
	X    *float64 `json:"x"`
	Z    *float64 `json:"z"`
	RY   *float64 `json:"ry"`
	Anim string   `json:"anim"`
}

type chatMsg struct {
	Text       string          `json:"text"`
	QuestState map[string]bool `json:"questState"`
}

type questProgressMsg struct {
	Quest string `json:"quest"`
}

// PlayerWire is the wire form of a player transform.
type PlayerWire struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	RY       float64 `json:"ry"`
	Anim     string  `json:"anim"`
	Grounded bool    `json:"grounded"`
	Char     string  `json:"char"`
}

func playerToWire(st player.State) PlayerWire {
	return PlayerWire{
		X:        st.X,
		Y:        st.Y,
		Z:        st.Z,
		RY:       st.RY,
		Anim:     st.Anim.Code(),
		Grounded: st.Grounded,
		Char:     st.Char,
	}
}

// FarmerState is the transform of the room's NPC as authored by the host.
type FarmerState struct {
	X    float64
	Z    float64
	RY   float64
	Anim player.Animation
}

// FarmerWire is the wire form of FarmerState.
type FarmerWire struct {
	X    float64 `json:"x"`
	Z    float64 `json:"z"`
	RY   float64 `json:"ry"`
	Anim string  `json:"anim"`
}

func farmerToWire(f FarmerState) FarmerWire {
	return FarmerWire{X: f.X, Z: f.Z, RY: f.RY, Anim: f.Anim.Code()}
}

// QuestWire is the wire form of the shared quest progress.
type QuestWire struct {
	Quests    map[string]bool `json:"quests"`
	HoleX     int             `json:"holeX"`
	HoleZ     int             `json:"holeZ"`
	StartTime int64           `json:"startTime"`
	EndTime   *int64          `json:"endTime"`
	Escaped   bool            `json:"escaped"`
	Elapsed   string          `json:"elapsed"`
}

func questToWire(qs *quest.State, now time.Time) QuestWire {
	snap := qs.Snapshot()
	w := QuestWire{
		Quests:    snap.Flags,
		HoleX:     snap.HoleX,
		HoleZ:     snap.HoleZ,
		StartTime: snap.StartTime.UnixMilli(),
		Escaped:   snap.Escaped,
		Elapsed:   qs.Elapsed(now),
	}
	if !snap.EndTime.IsZero() {
		end := snap.EndTime.UnixMilli()
		w.EndTime = &end
	}
	return w
}

// InitEvent is sent once to a connection right after it joins.
type InitEvent struct {
	Type           string                `json:"type"`
	ID             string                `json:"id"`
	Players        map[string]PlayerWire `json:"players"`
	CycleStartTime int64                 `json:"cycleStartTime"`
	FarmerHost     bool                  `json:"farmerHost"`
	Quests         QuestWire             `json:"quests"`
	Farmer         *FarmerWire           `json:"farmer"`
}

// PresenceEvent announces a join or a leave.
type PresenceEvent struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// StateEvent relays one player's transform to the rest of the room.
type StateEvent struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	PlayerWire
}

// FarmerStateEvent relays the NPC transform.
type FarmerStateEvent struct {
	Type string `json:"type"`
	FarmerWire
}

// FarmerHostEvent tells a connection it now drives the NPC.
type FarmerHostEvent struct {
	Type string `json:"type"`
}

// ChatResponseEvent carries the NPC reply to the asking connection.
type ChatResponseEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// QuestCompleteEvent signals a server-detected quest to the asking connection.
type QuestCompleteEvent struct {
	Type  string `json:"type"`
	Quest string `json:"quest"`
}

// QuestStateEvent broadcasts the shared quest progress after it changes.
type QuestStateEvent struct {
	Type string `json:"type"`
	QuestWire
}
