package main

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/farmstead/internal/config"
	"github.com/cory-johannsen/farmstead/internal/frontend/ws"
	"github.com/cory-johannsen/farmstead/internal/game/npc"
	"github.com/cory-johannsen/farmstead/internal/game/quest"
	"github.com/cory-johannsen/farmstead/internal/gameserver"
	"github.com/cory-johannsen/farmstead/internal/generation"
	"github.com/cory-johannsen/farmstead/internal/scripting"
	"github.com/cory-johannsen/farmstead/internal/server"
)

// App holds the long-running components of the room server.
type App struct {
	Hub      *gameserver.Hub
	Acceptor *ws.Acceptor
	Health   *server.HealthServer
	Reaper   *gameserver.Reaper
}

func newApp(hub *gameserver.Hub, acceptor *ws.Acceptor, health *server.HealthServer, reaper *gameserver.Reaper) *App {
	return &App{Hub: hub, Acceptor: acceptor, Health: health, Reaper: reaper}
}

func providePersona(cfg config.ContentConfig, logger *zap.Logger) (*npc.Persona, error) {
	start := time.Now()
	p, err := npc.LoadPersona(cfg.PersonaFile)
	if err != nil {
		return nil, fmt.Errorf("loading persona: %w", err)
	}
	logger.Info("persona loaded",
		zap.String("persona", p.ID),
		zap.Int("quests", len(p.Quests)),
		zap.Int("stages", len(p.Stages)),
		zap.Int("triggers", len(p.Triggers)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return p, nil
}

func provideEvaluator(p *npc.Persona) (*quest.Evaluator, error) {
	return quest.NewEvaluator(p.Triggers, scripting.DefaultInstructionLimit)
}

func provideGenerator(cfg config.GenerationConfig, logger *zap.Logger) (generation.Generator, error) {
	return generation.New(cfg, logger.Named("generation"))
}

func provideRoomOptions(wsCfg config.WebSocketConfig, room config.RoomConfig, p *npc.Persona, ev *quest.Evaluator, gen generation.Generator) gameserver.RoomOptions {
	return gameserver.RoomOptions{
		Persona:     p,
		Evaluator:   ev,
		Generator:   gen,
		SendBuffer:  wsCfg.SendBuffer,
		CycleOffset: room.CycleOffset,
		CycleLength: room.CycleLength,
	}
}

func provideHub(opts gameserver.RoomOptions, room config.RoomConfig, logger *zap.Logger) *gameserver.Hub {
	return gameserver.NewHub(opts, room.IdleGrace, logger)
}

func provideAcceptor(cfg config.WebSocketConfig, hub *gameserver.Hub, logger *zap.Logger) *ws.Acceptor {
	return ws.NewAcceptor(cfg, hub, logger.Named("ws"))
}

func provideHealth(cfg config.HealthConfig, logger *zap.Logger) *server.HealthServer {
	return server.NewHealthServer(cfg, logger.Named("health"))
}

func provideReaper(room config.RoomConfig, hub *gameserver.Hub, logger *zap.Logger) *gameserver.Reaper {
	r := gameserver.NewReaper(room.ReapInterval)
	r.Register("rooms", func(now time.Time) {
		if n := hub.Reap(now); n > 0 {
			logger.Debug("reaper sweep", zap.Int("reaped", n), zap.Int("live", len(hub.Rooms())))
		}
	})
	return r
}
