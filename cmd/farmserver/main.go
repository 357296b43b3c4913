// Package main provides the room server binary: WebSocket rooms with a
// host-driven NPC, a gRPC health endpoint and an idle room reaper.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/farmstead/internal/config"
	"github.com/cory-johannsen/farmstead/internal/observability"
	"github.com/cory-johannsen/farmstead/internal/server"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting room server",
		zap.String("ws_addr", cfg.WebSocket.Addr()),
		zap.String("provider", cfg.Generation.Provider),
		zap.String("model", cfg.Generation.Model),
	)

	app, err := initializeApp(cfg, logger)
	if err != nil {
		logger.Fatal("initializing server", zap.Error(err))
	}

	lifecycle := server.NewLifecycle(logger)

	// Registered first so it stops last, after the acceptor has ended every session.
	roomsDone := make(chan struct{})
	lifecycle.Add("rooms", &server.FuncService{
		StartFn: func() error {
			<-roomsDone
			return nil
		},
		StopFn: func() {
			app.Hub.Stop()
			close(roomsDone)
		},
	})
	lifecycle.Add("reaper", app.Reaper)
	if cfg.Health.Enabled() {
		lifecycle.Add("health", app.Health)
		lifecycle.OnReady(app.Health)
	}
	lifecycle.Add("websocket", &server.FuncService{
		StartFn: app.Acceptor.ListenAndServe,
		StopFn:  app.Acceptor.Stop,
	})

	logger.Info("room server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.Bool("health", cfg.Health.Enabled()),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
