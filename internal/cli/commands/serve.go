package commands

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/conduit-lang/cascade/internal/cli/ui"
	"github.com/conduit-lang/cascade/internal/orm/binlog"
	"github.com/conduit-lang/cascade/internal/orm/dialect"
	"github.com/conduit-lang/cascade/internal/orm/reload"
	"github.com/conduit-lang/cascade/internal/web/api"
	"github.com/conduit-lang/cascade/internal/web/auth"
	"github.com/conduit-lang/cascade/internal/web/middleware"
	"github.com/conduit-lang/cascade/internal/web/router"
	"github.com/conduit-lang/cascade/internal/web/server"
	"github.com/conduit-lang/cascade/internal/web/websocket"
)

// NewServeCommand creates the serve command
func NewServeCommand(configPath *string) *cobra.Command {
	var (
		addr  string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the change sink HTTP server",
		Long: `Serve captured row changes and draft documents over HTTP and stream the
resulting invalidations to websocket subscribers.

Endpoints:
  GET  /healthz                 graph summary, no token needed
  POST /v1/changes/{format}     captured change messages (debezium, maxwell)
  POST /v1/documents            YAML draft documents
  GET  /v1/graph, /v1/tables    metadata graph and table identity index
  GET  /v1/events               websocket invalidation stream

With server.secret set every other endpoint requires a bearer token issued
by "cascade token".

Examples:
  cascade serve
  cascade serve --addr :9000 --watch
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			env, err := loadEnvironment(ctx, *configPath)
			if err != nil {
				return err
			}
			defer env.close()
			if addr != "" {
				env.cfg.Server.Addr = addr
			}

			return serve(ctx, cmd.OutOrStdout(), env, watch)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address; defaults to server.addr")
	cmd.Flags().BoolVar(&watch, "watch", false, "Reload the metadata graph when registry files change")

	return cmd
}

func serve(ctx context.Context, out io.Writer, env *environment, watch bool) error {
	cfg := env.cfg

	db, d, err := dialect.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}

	hub := websocket.NewHub(ctx, env.logger)
	go hub.Run()

	invalidators := []binlog.Invalidator{hub}
	var cache *binlog.RedisInvalidator
	if cfg.Redis.Addr != "" {
		cache = binlog.NewRedisInvalidator(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}), cfg.Redis.Prefix, env.logger)
		invalidators = append(invalidators, cache)
	}

	acceptor := binlog.NewAcceptor(env.coord, binlog.Fanout(invalidators...),
		binlog.WithService(cfg.Service),
		binlog.WithNaming(cfg.NamingStrategy()),
		binlog.WithLogger(env.logger),
	)

	saver, stopHooks, err := newSaveClient(env, db, d)
	if err != nil {
		db.Close()
		return err
	}

	var tokens *auth.TokenService
	if cfg.Server.Secret != "" {
		if tokens, err = auth.NewTokenService(cfg.Server.Secret, cfg.Server.TokenTTL, cfg.Server.Issuer); err != nil {
			db.Close()
			return err
		}
	} else {
		env.logger.Warn("server.secret is empty, requests are not authenticated")
	}

	handler := api.NewHandler(env.coord, acceptor,
		api.WithSaver(saver),
		api.WithHub(hub, &websocket.Config{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			AllowedOrigins:  cfg.Server.AllowedOrigins,
		}),
		api.WithNaming(cfg.NamingStrategy()),
		api.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		api.WithLogger(env.logger),
	)
	r := newRouter(env.logger, tokens, handler)

	srvConfig := server.DefaultConfig(r)
	srvConfig.Address = cfg.Server.Addr
	srvConfig.Database = &server.DatabaseConfig{
		DB:              db,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
	srv, err := server.New(srvConfig)
	if err != nil {
		db.Close()
		return err
	}

	gs := server.NewGracefulShutdown(srv, cfg.Server.ShutdownTimeout, env.logger)
	if watch {
		watcher, err := reload.NewWatcher(env.coord, []string{cfg.Schema, cfg.Registry}, env.logger)
		if err != nil {
			db.Close()
			return err
		}
		if err := watcher.Start(); err != nil {
			db.Close()
			return fmt.Errorf("failed to start watcher: %w", err)
		}
		gs.RegisterHook(func(context.Context) error { return watcher.Stop() })
	}
	gs.RegisterHook(func(context.Context) error {
		hub.Shutdown()
		return nil
	})
	gs.RegisterHook(stopHooks)
	if cache != nil {
		gs.RegisterHook(func(context.Context) error { return cache.Close() })
	}
	gs.RegisterHook(func(context.Context) error { return db.Close() })

	printBanner(out, cfg.Server.Addr, tokens != nil, r.Routes())
	return gs.Run(ctx)
}

// newRouter wires the middleware chain in front of the sink routes. A nil
// token service disables authentication.
func newRouter(logger *zap.Logger, tokens *auth.TokenService, h *api.Handler) *router.Router {
	r := router.NewRouter()
	r.Use(
		middleware.RequestID(),
		middleware.Logging(logger, "/healthz"),
		middleware.Recovery(logger),
	)
	if tokens != nil {
		r.Use(middleware.Auth(tokens, "/healthz"))
	}
	h.Register(r)
	return r
}

func printBanner(w io.Writer, addr string, authenticated bool, routes []router.RouteInfo) {
	fmt.Fprintln(w)
	color.New(color.FgCyan, color.Bold).Fprintln(w, "Cascade change sink")
	info := ui.NewKeyValueTable(w, color.NoColor)
	info.AddRow("Address", addr)
	if authenticated {
		info.AddRow("Auth", "bearer token")
	} else {
		info.AddRow("Auth", "disabled")
	}
	info.Render()
	fmt.Fprintln(w)

	table := ui.NewTable(w, []string{"METHOD", "PATH", "SCOPE"}, &ui.TableOptions{NoColor: color.NoColor})
	for _, route := range routes {
		table.AddRow(route.Method, route.Pattern, route.Scope)
	}
	table.Render()
	fmt.Fprintln(w)
	color.New(color.FgYellow).Fprintln(w, "Press Ctrl+C to stop")
}
