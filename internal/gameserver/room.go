package gameserver

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/farmstead/internal/game/dialogue"
	"github.com/cory-johannsen/farmstead/internal/game/npc"
	"github.com/cory-johannsen/farmstead/internal/game/player"
	"github.com/cory-johannsen/farmstead/internal/game/quest"
	"github.com/cory-johannsen/farmstead/internal/game/session"
	"github.com/cory-johannsen/farmstead/internal/generation"
)

// ErrRoomClosed is returned when a room stopped before the request was handled.
var ErrRoomClosed = errors.New("room closed")

const (
	inboxSize = 256
	// maxQueuedChats bounds the chats waiting behind an in-flight generation
	// for one connection. Further chats are dropped.
	maxQueuedChats = 8
)

// RoomOptions carries the collaborators shared by every room.
type RoomOptions struct {
	Persona     *npc.Persona
	Evaluator   *quest.Evaluator
	Generator   generation.Generator
	SendBuffer  int
	CycleOffset time.Duration
	CycleLength time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
	// Seed seeds the hidden item placement. Zero seeds from the clock.
	Seed uint64
}

// Room is the authoritative session of one shared world instance. All
// room-local state is owned by a single goroutine that drains the inbox.
type Room struct {
	name   string
	logger *zap.Logger
	now    func() time.Time

	inbox   chan roomEvent
	done    chan struct{}
	exited  chan struct{}
	stopped sync.Once
	ctx     context.Context
	cancel  context.CancelFunc

	members    atomic.Int64
	emptySince atomic.Int64

	// Owned by the loop goroutine.
	registry  *session.Registry
	players   *player.Store
	router    *Router
	election  Election
	persona   *npc.Persona
	dialogue  *dialogue.Manager
	evaluator *quest.Evaluator
	quests    *quest.State
	cycle     DayCycle
	farmer    *FarmerState
	chats     map[string]*chatQueue
	closing   bool
}

type chatQueue struct {
	busy    bool
	pending []string
}

type roomEvent interface {
	apply(r *Room)
}

// NewRoom creates a room and starts its loop.
//
// Precondition: opts.Persona must be non-nil and validated; opts.CycleLength > 0.
// Postcondition: Returns a running Room; call Stop to release it.
func NewRoom(name string, opts RoomOptions, logger *zap.Logger) *Room {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	gen := opts.Generator
	if gen == nil {
		gen = generation.Unconfigured{}
	}
	sendBuffer := opts.SendBuffer
	if sendBuffer < 1 {
		sendBuffer = 1
	}
	created := now()
	seed := opts.Seed
	if seed == 0 {
		seed = uint64(created.UnixNano())
	}

	registry := session.NewRegistry(sendBuffer)
	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		name:      name,
		logger:    logger,
		now:       now,
		inbox:     make(chan roomEvent, inboxSize),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		registry:  registry,
		players:   player.NewStore(),
		router:    NewRouter(registry, logger),
		persona:   opts.Persona,
		dialogue:  dialogue.NewManager(opts.Persona, gen),
		evaluator: opts.Evaluator,
		quests:    quest.NewState(opts.Persona.Quests, rand.New(rand.NewPCG(seed, seed>>1|1)), created),
		cycle:     NewDayCycle(created, opts.CycleOffset, opts.CycleLength),
		chats:     make(map[string]*chatQueue),
	}
	r.emptySince.Store(created.UnixNano())
	go r.run()
	logger.Info("room created", zap.Int64("cycle_start", r.cycle.StartMillis()))
	return r
}

// Name returns the room name.
func (r *Room) Name() string { return r.name }

// Members returns the number of live connections.
func (r *Room) Members() int { return int(r.members.Load()) }

// EmptySince returns when the room last became empty. Only meaningful while Members() == 0.
func (r *Room) EmptySince() time.Time { return time.Unix(0, r.emptySince.Load()) }

// Done is closed once the room loop has exited.
func (r *Room) Done() <-chan struct{} { return r.exited }

// Stop halts the room, closes every connection and cancels in-flight
// generation. Safe to call more than once; blocks until the loop exits.
func (r *Room) Stop() {
	r.stopped.Do(func() {
		r.cancel()
		close(r.done)
	})
	<-r.exited
}

// Join registers a connection. An empty requestedID is replaced by a fresh id.
//
// Postcondition: Returns a Membership whose Frames carry init first, or
// session.ErrIDInUse, ErrRoomClosed or a context error.
func (r *Room) Join(ctx context.Context, requestedID string) (*Membership, error) {
	reply := make(chan joinResult, 1)
	if !r.post(ctx, joinRequest{requestedID: requestedID, reply: reply}) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrRoomClosed
	}
	select {
	case res := <-reply:
		if res.err != nil {
			return nil, res.err
		}
		return &Membership{room: r, id: res.id, entity: res.entity}, nil
	case <-r.exited:
		return nil, ErrRoomClosed
	}
}

// StopIfIdle stops the room when it has had no connections for at least
// grace. The check runs on the room loop, so a join cannot slip in between.
//
// Postcondition: Returns true iff the room was stopped by this call.
func (r *Room) StopIfIdle(now time.Time, grace time.Duration) bool {
	reply := make(chan bool, 1)
	if !r.post(context.Background(), reapRequest{now: now, grace: grace, reply: reply}) {
		return false
	}
	select {
	case stopped := <-reply:
		if stopped {
			<-r.exited
		}
		return stopped
	case <-r.exited:
		return false
	}
}

type reapRequest struct {
	now   time.Time
	grace time.Duration
	reply chan bool
}

func (ev reapRequest) apply(r *Room) {
	if r.registry.Len() > 0 || ev.now.Sub(r.EmptySince()) < ev.grace {
		ev.reply <- false
		return
	}
	r.closing = true
	r.stopped.Do(func() {
		r.cancel()
		close(r.done)
	})
	ev.reply <- true
}

func (r *Room) post(ctx context.Context, ev roomEvent) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.inbox <- ev:
		return true
	case <-r.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (r *Room) run() {
	defer r.shutdown()
	for {
		select {
		case ev := <-r.inbox:
			ev.apply(r)
			if r.closing {
				return
			}
		case <-r.done:
			return
		}
	}
}

func (r *Room) shutdown() {
	for _, id := range r.registry.List() {
		r.registry.Unregister(id)
	}
	r.members.Store(0)
	r.logger.Info("room stopped")
	close(r.exited)
}

// current reports whether ent is still the live registration for id. Ids are
// reusable, so events captured for an earlier connection must not touch a
// later one.
func (r *Room) current(id string, ent *session.Entity) bool {
	cur, ok := r.registry.Get(id)
	return ok && cur == ent
}

type joinResult struct {
	id     string
	entity *session.Entity
	err    error
}

type joinRequest struct {
	requestedID string
	reply       chan joinResult
}

func (ev joinRequest) apply(r *Room) {
	ev.reply <- r.join(ev.requestedID)
}

func (r *Room) join(requestedID string) joinResult {
	id, ent, first, err := r.registry.Register(requestedID)
	if err != nil {
		r.logger.Debug("join refused", zap.String("conn", requestedID), zap.Error(err))
		return joinResult{err: err}
	}
	r.members.Store(int64(r.registry.Len()))
	isHost := r.election.Join(id)

	now := r.now()
	welcome := InitEvent{
		Type:           EventInit,
		ID:             id,
		Players:        r.playersWire(id),
		CycleStartTime: r.cycle.StartMillis(),
		FarmerHost:     isHost,
		Quests:         questToWire(r.quests, now),
	}
	if r.farmer != nil {
		fw := farmerToWire(*r.farmer)
		welcome.Farmer = &fw
	}

	var failed []string
	if err := r.router.SendDirect(id, welcome); err != nil {
		r.logger.Debug("init send failed", zap.String("conn", id), zap.Error(err))
		failed = append(failed, id)
	}
	failed = append(failed, r.router.Broadcast(PresenceEvent{Type: EventPlayerJoin, ID: id}, id)...)

	hour := r.cycle.Hour(now)
	r.logger.Info("connection joined",
		zap.String("conn", id),
		zap.Bool("host", isHost),
		zap.Bool("first", first),
		zap.Int("members", r.registry.Len()),
		zap.Stringer("hour", hour),
		zap.String("period", string(hour.Period())),
	)
	r.drop(failed)
	return joinResult{id: id, entity: ent}
}

func (r *Room) playersWire(exclude string) map[string]PlayerWire {
	snap := r.players.Snapshot()
	out := make(map[string]PlayerWire, len(snap))
	for id, st := range snap {
		if id == exclude {
			continue
		}
		out[id] = playerToWire(st)
	}
	return out
}

type leaveRequest struct {
	id     string
	entity *session.Entity
}

func (ev leaveRequest) apply(r *Room) {
	if !r.current(ev.id, ev.entity) {
		return
	}
	r.drop([]string{ev.id})
}

// drop runs close handling for ids and for every connection whose push fails
// while announcing those departures.
func (r *Room) drop(ids []string) {
	queue := append([]string(nil), ids...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		queue = append(queue, r.closeConn(id)...)
	}
}

func (r *Room) closeConn(id string) []string {
	ent, ok := r.registry.Get(id)
	if !ok {
		return nil
	}
	reason := disconnectReason(ent.Cause())
	r.registry.Unregister(id)
	r.players.Remove(id)
	r.dialogue.Remove(id)
	delete(r.chats, id)

	failed := r.router.Broadcast(PresenceEvent{Type: EventPlayerLeave, ID: id})

	wasHost := r.election.IsHost(id)
	if newHost, ok := r.election.Leave(id, r.registry.List()); ok {
		r.farmer = nil
		if err := r.router.SendDirect(newHost, FarmerHostEvent{Type: EventFarmerHost}); err != nil {
			r.logger.Debug("host notice failed", zap.String("conn", newHost), zap.Error(err))
			failed = append(failed, newHost)
		}
		r.logger.Info("host migrated", zap.String("from", id), zap.String("to", newHost))
	} else if wasHost {
		r.farmer = nil
	}

	n := r.registry.Len()
	r.members.Store(int64(n))
	if n == 0 {
		r.emptySince.Store(r.now().UnixNano())
	}
	r.logger.Info("connection closed", zap.String("conn", id), zap.String("reason", reason), zap.Int("members", n))
	return failed
}

// disconnectReason labels why a connection is being closed, given its
// entity's Cause at the moment the room dropped it.
func disconnectReason(cause error) string {
	switch {
	case cause == nil:
		return "left"
	case errors.Is(cause, session.ErrBufferFull):
		return "send_buffer_full"
	default:
		return "closed"
	}
}

type frameEvent struct {
	id     string
	entity *session.Entity
	data   []byte
}

func (ev frameEvent) apply(r *Room) {
	if !r.current(ev.id, ev.entity) {
		return
	}
	r.handleFrame(ev.id, ev.data)
}

func (r *Room) handleFrame(id string, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Debug("malformed frame ignored", zap.String("conn", id), zap.Error(err))
		return
	}
	switch env.Type {
	case MsgState:
		r.handleState(id, data)
	case MsgFarmerState:
		r.handleFarmerState(id, data)
	case MsgChat:
		r.handleChat(id, data)
	case MsgQuestProgress:
		r.handleQuestProgress(id, data)
	case MsgQuestReset:
		r.handleQuestReset(id)
	default:
		r.logger.Debug("unknown message kind ignored", zap.String("conn", id), zap.String("type", env.Type))
	}
}

func (r *Room) handleState(id string, data []byte) {
	var msg stateMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		r.logger.Debug("malformed state ignored", zap.String("conn", id), zap.Error(err))
		return
	}
	if msg.X == nil || msg.Y == nil || msg.Z == nil || msg.RY == nil {
		r.logger.Debug("state without transform ignored", zap.String("conn", id))
		return
	}
	st := player.State{
		X:        *msg.X,
		Y:        *msg.Y,
		Z:        *msg.Z,
		RY:       *msg.RY,
		Anim:     player.ParseAnimCode(msg.Anim),
		Grounded: true,
		Char:     msg.Char,
	}
	if msg.Grounded != nil {
		st.Grounded = *msg.Grounded
	}
	if st.Char == "" {
		st.Char = player.DefaultSkin
	}
	r.players.Set(id, st)
	r.drop(r.router.Broadcast(StateEvent{Type: EventState, ID: id, PlayerWire: playerToWire(st)}, id))
}

func (r *Room) handleFarmerState(id string, data []byte) {
	if !r.election.IsHost(id) {
		r.logger.Debug("farmer_state from non-host dropped", zap.String("conn", id))
		return
	}
	var msg farmerStateMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		r.logger.Debug("malformed farmer_state ignored", zap.String("conn", id), zap.Error(err))
		return
	}
	if msg.X == nil || msg.Z == nil || msg.RY == nil {
		r.logger.Debug("farmer_state without transform ignored", zap.String("conn", id))
		return
	}
	f := FarmerState{X: *msg.X, Z: *msg.Z, RY: *msg.RY, Anim: player.ParseAnimCode(msg.Anim)}
	r.farmer = &f
	r.drop(r.router.Broadcast(FarmerStateEvent{Type: EventFarmerState, FarmerWire: farmerToWire(f)}, id))
}

func (r *Room) handleChat(id string, data []byte) {
	var msg chatMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		r.logger.Debug("malformed chat ignored", zap.String("conn", id), zap.Error(err))
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		r.logger.Debug("empty chat ignored", zap.String("conn", id))
		return
	}
	if promoted := r.quests.Promote(msg.QuestState); len(promoted) > 0 {
		r.logger.Info("quests reported", zap.String("conn", id), zap.Strings("quests", promoted))
		r.drop(r.broadcastQuestState())
		if !r.registry.Contains(id) {
			return
		}
	}

	q, ok := r.chats[id]
	if !ok {
		q = &chatQueue{}
		r.chats[id] = q
	}
	if len(q.pending) >= maxQueuedChats {
		r.logger.Debug("chat queue full, chat dropped", zap.String("conn", id))
		return
	}
	q.pending = append(q.pending, text)
	r.dispatchChat(id)
}

// dispatchChat starts generation for the next queued chat of id unless one is
// already in flight.
func (r *Room) dispatchChat(id string) {
	q, ok := r.chats[id]
	if !ok || q.busy || len(q.pending) == 0 {
		return
	}
	ent, ok := r.registry.Get(id)
	if !ok {
		return
	}
	text := q.pending[0]
	q.pending = q.pending[1:]
	q.busy = true

	flags := r.quests.Flags()
	r.dialogue.AppendUserTurn(id, text)
	req := r.dialogue.Prepare(id, flags)
	r.logger.Debug("chat dispatched",
		zap.String("conn", id),
		zap.Strings("stages", r.persona.ActiveStages(flags)),
		zap.Int("turns", len(req.Turns)),
	)
	gen := r.dialogue.Generator()
	ctx := r.ctx
	go func() {
		reply, err := gen.Generate(ctx, req)
		r.post(context.Background(), chatDone{id: id, entity: ent, text: reply, err: err})
	}()
}

type chatDone struct {
	id     string
	entity *session.Entity
	text   string
	err    error
}

func (ev chatDone) apply(r *Room) {
	if !r.current(ev.id, ev.entity) {
		r.logger.Debug("reply for closed connection dropped", zap.String("conn", ev.id))
		return
	}
	r.completeChat(ev)
}

func (r *Room) completeChat(ev chatDone) {
	id := ev.id
	reply, ok := r.dialogue.Apply(id, ev.text, ev.err)
	switch {
	case errors.Is(ev.err, generation.ErrNoCredential):
		r.logger.Warn("generation credential missing, sent fallback", zap.String("conn", id))
	case ev.err != nil:
		r.logger.Warn("generation failed, sent fallback", zap.String("conn", id), zap.Error(ev.err))
	}

	var failed []string
	if err := r.router.SendDirect(id, ChatResponseEvent{Type: EventChatResponse, Text: reply}); err != nil {
		r.logger.Debug("chat response send failed", zap.String("conn", id), zap.Error(err))
		failed = append(failed, id)
	}
	if ok && r.evaluator != nil {
		changed := false
		for _, name := range r.evaluator.Evaluate(reply) {
			if r.quests.Complete(name) {
				changed = true
				r.logger.Info("quest completed", zap.String("conn", id), zap.String("quest", name))
			}
			if err := r.router.SendDirect(id, QuestCompleteEvent{Type: EventQuestComplete, Quest: name}); err != nil {
				failed = append(failed, id)
			}
		}
		if changed {
			failed = append(failed, r.broadcastQuestState()...)
		}
	}

	if q, ok := r.chats[id]; ok {
		q.busy = false
	}
	r.drop(failed)
	r.dispatchChat(id)
}

func (r *Room) handleQuestProgress(id string, data []byte) {
	var msg questProgressMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		r.logger.Debug("malformed quest_progress ignored", zap.String("conn", id), zap.Error(err))
		return
	}
	var changed bool
	switch {
	case msg.Quest == QuestEscaped:
		changed = r.quests.SetEscaped(r.now())
	case r.quests.ClientReported(msg.Quest):
		changed = r.quests.Complete(msg.Quest)
	case r.quests.Known(msg.Quest):
		r.logger.Debug("server-owned quest progress ignored", zap.String("conn", id), zap.String("quest", msg.Quest))
		return
	default:
		r.logger.Debug("unknown quest ignored", zap.String("conn", id), zap.String("quest", msg.Quest))
		return
	}
	if changed {
		r.logger.Info("quest progress", zap.String("conn", id), zap.String("quest", msg.Quest))
		r.drop(r.broadcastQuestState())
	}
}

func (r *Room) handleQuestReset(id string) {
	if !r.election.IsHost(id) {
		r.logger.Debug("quest_reset from non-host dropped", zap.String("conn", id))
		return
	}
	r.quests.Reset(r.now())
	r.logger.Info("quests reset", zap.String("conn", id))
	r.drop(r.broadcastQuestState())
}

func (r *Room) broadcastQuestState() []string {
	return r.router.Broadcast(QuestStateEvent{Type: EventQuestState, QuestWire: questToWire(r.quests, r.now())})
}

// Membership is one connection's handle on the room it joined.
type Membership struct {
	room   *Room
	id     string
	entity *session.Entity
}

// ID returns the connection id.
func (m *Membership) ID() string { return m.id }

// Room returns the joined room's name.
func (m *Membership) Room() string { return m.room.name }

// Frames returns the outbound frame channel. It is closed when the room drops
// the connection.
func (m *Membership) Frames() <-chan []byte { return m.entity.Frames() }

// Cause returns nil while the room still accepts frames for this
// connection, session.ErrBufferFull if it was dropped for falling behind,
// or session.ErrEntityClosed otherwise.
func (m *Membership) Cause() error { return m.entity.Cause() }

// Deliver hands one inbound frame to the room loop.
//
// Postcondition: Returns false if the room has stopped.
func (m *Membership) Deliver(data []byte) bool {
	return m.room.post(context.Background(), frameEvent{id: m.id, entity: m.entity, data: data})
}

// Leave closes the connection in the room. Safe to call more than once.
func (m *Membership) Leave() {
	m.room.post(context.Background(), leaveRequest{id: m.id, entity: m.entity})
}
