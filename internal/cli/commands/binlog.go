package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/conduit-lang/cascade/internal/cli/ui"
	"github.com/conduit-lang/cascade/internal/orm/binlog"
)

// maxMessageSize bounds one captured message line
const maxMessageSize = 4 << 20

// NewBinlogCommand creates the binlog command
func NewBinlogCommand(configPath *string) *cobra.Command {
	var (
		format     string
		clearCache bool
		keepGoing  bool
	)

	cmd := &cobra.Command{
		Use:   "binlog",
		Short: "Accept captured row changes from stdin",
		Long: `Read one captured change message per line from stdin, resolve its table
in the table identity index and invalidate the affected cache keys.

Messages are Debezium change events or Maxwell row events. Without a
configured redis.addr the invalidated keys are printed instead.

Examples:
  kafkacat -C -t shop.public.book -u | cascade binlog --format debezium
  maxwell --producer=stdout | cascade binlog --format maxwell
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			decode, ok := binlog.Decoders[format]
			if !ok {
				fmt.Fprint(cmd.ErrOrStderr(), ui.UnknownOptionError("format", format, decoderNames(), color.NoColor))
				return fmt.Errorf("unknown message format %q", format)
			}

			env, err := loadEnvironment(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer env.close()

			var inv binlog.Invalidator
			if env.cfg.Redis.Addr != "" {
				client := redis.NewClient(&redis.Options{
					Addr:     env.cfg.Redis.Addr,
					Password: env.cfg.Redis.Password,
					DB:       env.cfg.Redis.DB,
				})
				ri := binlog.NewRedisInvalidator(client, env.cfg.Redis.Prefix, env.logger)
				defer ri.Close()
				if clearCache {
					if err := ri.Clear(cmd.Context()); err != nil {
						return fmt.Errorf("failed to clear cache: %w", err)
					}
				}
				inv = ri
			} else {
				inv = printInvalidator(cmd.OutOrStdout(), env.cfg.Redis.Prefix)
			}

			acceptor := binlog.NewAcceptor(env.coord, inv,
				binlog.WithService(env.cfg.Service),
				binlog.WithNaming(env.cfg.NamingStrategy()),
				binlog.WithLogger(env.logger),
			)
			n, err := consume(cmd.Context(), cmd.InOrStdin(), acceptor, decode, keepGoing, env.logger)
			env.logger.Info("binlog input drained", zap.Int("messages", n))
			return err
		},
	}

	cmd.Flags().StringVar(&format, "format", "debezium", "message format: "+strings.Join(decoderNames(), ", "))
	cmd.Flags().BoolVar(&clearCache, "clear", false, "Delete every cached key under the prefix before consuming")
	cmd.Flags().BoolVar(&keepGoing, "keep-going", false, "Log failed messages and continue")

	return cmd
}

func decoderNames() []string {
	names := make([]string, 0, len(binlog.Decoders))
	for name := range binlog.Decoders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// consume feeds every line of r to the acceptor and returns the number of
// messages read
func consume(ctx context.Context, r io.Reader, a *binlog.Acceptor, decode binlog.Decoder, keepGoing bool, logger *zap.Logger) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxMessageSize)

	n := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		n++
		if err := a.AcceptChange(ctx, decode, line); err != nil {
			if !keepGoing {
				return n, fmt.Errorf("message %d: %w", n, err)
			}
			logger.Warn("skipping message", zap.Int("message", n), zap.Error(err))
		}
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("failed to read input: %w", err)
	}
	return n, nil
}

// printInvalidator writes the keys an event would invalidate
func printInvalidator(w io.Writer, prefix string) binlog.Invalidator {
	keys := binlog.NewRedisInvalidator(nil, prefix, nil)
	op := color.New(color.FgYellow)
	return binlog.InvalidatorFunc(func(_ context.Context, ev *binlog.Event) error {
		op.Fprintf(w, "%-6s", ev.Op)
		fmt.Fprintf(w, " %s", ev.Table)
		for _, key := range keys.Keys(ev) {
			fmt.Fprintf(w, " %s", key)
		}
		fmt.Fprintln(w)
		return nil
	})
}
