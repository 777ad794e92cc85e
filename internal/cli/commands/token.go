package commands

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conduit-lang/cascade/internal/cli/config"
	"github.com/conduit-lang/cascade/internal/cli/ui"
	"github.com/conduit-lang/cascade/internal/web/auth"
)

// NewTokenCommand creates the token command
func NewTokenCommand(configPath *string) *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for the change sink",
		Long: `Sign a bearer token with server.secret for a change producer or an
operator. Every scope unlocks one group of endpoints:

  changes:write     POST /v1/changes/{format}
  documents:write   POST /v1/documents
  graph:read        GET /v1/graph, /v1/tables and /v1/events

Examples:
  cascade token --subject debezium --scope changes:write
  cascade token --subject ops --scope graph:read --ttl 1h
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Server.Secret == "" {
				return errors.New("server.secret is not configured")
			}
			for _, scope := range scopes {
				if !slices.Contains(auth.AllScopes, scope) {
					fmt.Fprint(cmd.ErrOrStderr(), ui.UnknownOptionError("scope", scope, auth.AllScopes, color.NoColor))
					return fmt.Errorf("unknown scope %q", scope)
				}
			}

			if !cmd.Flags().Changed("ttl") {
				ttl = cfg.Server.TokenTTL
			}
			tokens, err := auth.NewTokenService(cfg.Server.Secret, ttl, cfg.Server.Issuer)
			if err != nil {
				return err
			}
			token, err := tokens.GenerateToken(subject, scopes)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Who the token is issued to")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Granted scope, repeatable: "+strings.Join(auth.AllScopes, ", "))
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime; 0 never expires; defaults to server.token_ttl")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}
