package commands

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/conduit-lang/cascade/internal/orm/dialect"
	"github.com/conduit-lang/cascade/internal/orm/hooks"
	"github.com/conduit-lang/cascade/internal/orm/save"
)

// newSaveClient builds the save client of a command with the configured
// hooks. The returned stop function drains the async hooks.
func newSaveClient(env *environment, db *sql.DB, d dialect.Dialect) (*save.Client, func(context.Context) error, error) {
	opts := []save.ClientOption{save.WithLogger(env.logger)}
	stop := func(context.Context) error { return nil }

	if env.cfg.Hooks.Audit {
		queue := hooks.NewAsyncQueue(env.cfg.Hooks.Workers, env.cfg.Hooks.QueueSize, env.logger)
		reg := hooks.NewRegistry(queue, env.logger)
		for _, t := range env.coord.Graph().Entities() {
			if err := reg.OnAfterSave(t, auditHook(env.logger), true); err != nil {
				return nil, nil, fmt.Errorf("failed to register audit hook: %w", err)
			}
		}
		queue.Start()
		opts = append(opts, save.WithObserver(reg))
		stop = queue.Shutdown
	}

	return save.NewClient(db, d, env.coord, opts...), stop, nil
}

func auditHook(logger *zap.Logger) hooks.AfterFunc {
	return func(ctx context.Context, s hooks.Saved) error {
		id, _ := s.Object.ID()
		logger.Info("row saved",
			zap.String("type", s.Type.Name()),
			zap.Any("id", id),
			zap.Stringer("classification", s.Classification))
		return nil
	}
}
