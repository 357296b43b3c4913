//go:build wireinject

package main

import (
	"github.com/google/wire"
	"go.uber.org/zap"

	"github.com/cory-johannsen/farmstead/internal/config"
)

func initializeApp(cfg config.Config, logger *zap.Logger) (*App, error) {
	wire.Build(
		wire.FieldsOf(new(config.Config), "WebSocket", "Health", "Generation", "Room", "Content"),
		providePersona,
		provideEvaluator,
		provideGenerator,
		provideRoomOptions,
		provideHub,
		provideAcceptor,
		provideHealth,
		provideReaper,
		newApp,
	)
	return nil, nil
}
