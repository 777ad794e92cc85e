package commands

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/conduit-lang/cascade/internal/cli/config"
	"github.com/conduit-lang/cascade/internal/orm/graph"
	"github.com/conduit-lang/cascade/internal/orm/registry"
	"github.com/conduit-lang/cascade/internal/orm/reload"
)

// environment is what every graph backed command starts from
type environment struct {
	cfg    *config.Config
	logger *zap.Logger
	coord  *reload.Coordinator
}

func loadEnvironment(ctx context.Context, configPath string) (*environment, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	coord, err := reload.New(ctx, registry.FileSource(cfg.Schema, cfg.Registry),
		reload.WithLogger(logger),
		reload.WithGraphOptions(graph.WithNamingStrategy(cfg.NamingStrategy())),
	)
	if err != nil {
		logger.Sync()
		return nil, fmt.Errorf("failed to load metadata from %s: %w", cfg.Schema, err)
	}
	return &environment{cfg: cfg, logger: logger, coord: coord}, nil
}

func (e *environment) close() {
	_ = e.logger.Sync()
}
