package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conduit-lang/cascade/internal/orm/dialect"
	"github.com/conduit-lang/cascade/internal/orm/draft"
	"github.com/conduit-lang/cascade/internal/orm/registry"
	"github.com/conduit-lang/cascade/internal/orm/save"
)

type saveFlags struct {
	dryRun      bool
	autoAttach  bool
	partial     bool
	interactive bool
	tenant      string
}

// confirmFunc asks a yes/no question
type confirmFunc func(message string) (bool, error)

func surveyConfirm(message string) (bool, error) {
	ok := false
	prompt := &survey.Confirm{Message: message, Default: true}
	if err := survey.AskOne(prompt, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

// NewSaveCommand creates the save command
func NewSaveCommand(configPath *string) *cobra.Command {
	var flags saveFlags

	cmd := &cobra.Command{
		Use:   "save <drafts.yaml>",
		Short: "Plan and save draft documents",
		Long: `Decode one or more YAML draft documents and save each tree against the
configured database. Every executed statement is printed with the
classification of each planned node.

Examples:
  # Print the plan without writing
  cascade save books.yaml --dry-run

  # Keep going when one document fails
  cascade save books.yaml --partial

  # Review the plan of every document and pick which ones to save
  cascade save books.yaml --interactive
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer env.close()

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open drafts: %w", err)
			}
			defer f.Close()

			drafts, err := registry.DecodeDrafts(f, env.coord.Graph())
			if err != nil {
				return err
			}

			db, d, err := dialect.Open(env.cfg.Database.Driver, env.cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer db.Close()

			client, stopHooks, err := newSaveClient(env, db, d)
			if err != nil {
				return err
			}
			defer stopHooks(context.Background())

			return runSave(cmd.Context(), cmd.OutOrStdout(), client, drafts, flags, surveyConfirm)
		},
	}

	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Print the plan without writing")
	cmd.Flags().BoolVar(&flags.autoAttach, "auto-attach", false, "Detach stored collection members missing from the drafts")
	cmd.Flags().BoolVar(&flags.partial, "partial", false, "Save every document that succeeds and report the failures")
	cmd.Flags().BoolVarP(&flags.interactive, "interactive", "i", false, "Confirm every document after printing its plan")
	cmd.Flags().StringVar(&flags.tenant, "tenant", "", "Tenant of new rows and natural key lookups")

	return cmd
}

func runSave(ctx context.Context, w io.Writer, client *save.Client, drafts []*draft.Draft, flags saveFlags, confirm confirmFunc) error {
	var opts []save.Option
	if flags.autoAttach {
		opts = append(opts, save.WithAutoAttachAll())
	}
	if flags.partial {
		opts = append(opts, save.WithPartialSuccess())
	}
	if flags.tenant != "" {
		opts = append(opts, save.WithTenant(flags.tenant))
	}

	title := color.New(color.FgCyan, color.Bold)

	if flags.dryRun || flags.interactive {
		var chosen []*draft.Draft
		for i, root := range drafts {
			nodes, err := client.Plan(ctx, root, opts...)
			if err != nil {
				return fmt.Errorf("document %d: %w", i, err)
			}
			title.Fprintf(w, "document %d: %s\n", i, root.Type().Name())
			for _, n := range nodes {
				fmt.Fprintf(w, "  %s\n", n)
			}
			if flags.dryRun {
				continue
			}
			ok, err := confirm(fmt.Sprintf("Save document %d?", i))
			if err != nil {
				return err
			}
			if ok {
				chosen = append(chosen, root)
			}
		}
		if flags.dryRun {
			return nil
		}
		if len(chosen) == 0 {
			fmt.Fprintln(w, "nothing to save")
			return nil
		}
		drafts = chosen
	}

	results, err := client.SaveAll(ctx, drafts, opts...)
	for i, res := range results {
		printResult(w, i, res)
	}
	if err != nil {
		return err
	}

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(results))
	}
	color.New(color.FgGreen).Fprintf(w, "saved %d documents\n", len(results))
	return nil
}

func printResult(w io.Writer, i int, res *save.Result) {
	title := color.New(color.FgCyan, color.Bold)
	failure := color.New(color.FgRed)
	dim := color.New(color.FgHiBlack)

	title.Fprintf(w, "document %d: %s", i, res.Root.Type().Name())
	if res.RootID != nil {
		fmt.Fprintf(w, " id=%v", res.RootID)
	}
	fmt.Fprintln(w)

	for _, st := range res.Statements {
		fmt.Fprintf(w, "  [%d] %s", st.Index, st.SQL)
		dim.Fprintf(w, " %v", st.Args)
		if st.Err != nil {
			failure.Fprintf(w, " failed: %v\n", st.Err)
			continue
		}
		fmt.Fprintf(w, " (%d rows)\n", st.RowsAffected)
	}
	for _, o := range res.Outcomes {
		fmt.Fprintf(w, "  %-9s %s\n", o.Classification, o.Node)
	}
	if res.Err != nil {
		failure.Fprintf(w, "  error: %v\n", res.Err)
	}
}
