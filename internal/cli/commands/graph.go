package commands

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conduit-lang/cascade/internal/cli/ui"
	"github.com/conduit-lang/cascade/internal/orm/graph"
	"github.com/conduit-lang/cascade/internal/orm/meta"
)

// NewGraphCommand creates the graph command
func NewGraphCommand(configPath *string) *cobra.Command {
	var only string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the entity metadata graph",
		Long: `Load the catalog and entity list and print, for every managed type,
its derived types, implementation types and back-reference properties.

Examples:
  cascade graph
  cascade graph --type example.Book
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer env.close()

			g := env.coord.Graph()
			types := g.Types()
			if only != "" {
				t := findType(types, only)
				if t == nil {
					fmt.Fprint(cmd.ErrOrStderr(), ui.TypeNotFoundError(only, ui.FindSimilar(only, typeNames(types), nil), color.NoColor))
					return fmt.Errorf("type %s not found", only)
				}
				types = []*meta.Type{t}
			}
			printGraph(cmd.OutOrStdout(), g, types, env.cfg.NamingStrategy())
			return nil
		},
	}

	cmd.Flags().StringVar(&only, "type", "", "Print only this type")
	return cmd
}

func findType(types []*meta.Type, name string) *meta.Type {
	for _, t := range types {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

func printGraph(w io.Writer, g *graph.Graph, types []*meta.Type, naming meta.NamingStrategy) {
	title := color.New(color.FgCyan, color.Bold)
	label := color.New(color.FgYellow)

	for _, t := range types {
		info, ok := g.Info(t)
		if !ok {
			continue
		}
		if t.IsEntity() {
			title.Fprintf(w, "%s", t.Name())
			fmt.Fprintf(w, " (entity, table %s)\n", t.TableName(naming))
		} else {
			title.Fprintf(w, "%s", t.Name())
			fmt.Fprintf(w, " (%s)\n", t.Kind())
		}

		if len(info.ImplementationTypes) > 0 {
			label.Fprint(w, "  implementations: ")
			fmt.Fprintln(w, strings.Join(typeNames(info.ImplementationTypes), ", "))
		}
		if len(info.DirectDerivedTypes) > 0 {
			label.Fprint(w, "  derived: ")
			fmt.Fprintln(w, strings.Join(typeNames(info.DirectDerivedTypes), ", "))
		}
		if len(info.AllDerivedTypes) > len(info.DirectDerivedTypes) {
			label.Fprint(w, "  all derived: ")
			fmt.Fprintln(w, strings.Join(typeNames(info.AllDerivedTypes), ", "))
		}
		if len(info.BackProps) > 0 {
			label.Fprint(w, "  back props: ")
			names := make([]string, len(info.BackProps))
			for i, p := range info.BackProps {
				names[i] = p.String()
			}
			fmt.Fprintln(w, strings.Join(names, ", "))
		}
	}
}

func typeNames(types []*meta.Type) []string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.Name()
	}
	return names
}

// NewTablesCommand creates the tables command
func NewTablesCommand(configPath *string) *cobra.Command {
	var naming string

	cmd := &cobra.Command{
		Use:   "tables",
		Short: "Print the table identity index",
		Long: `Build the table identity index for a naming strategy and print which
entity or join table association owns every table. Two owners mapped to the
same table are reported as an error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer env.close()

			strategy := env.cfg.NamingStrategy()
			if naming != "" {
				if strategy, err = meta.ParseNamingStrategy(naming); err != nil {
					return err
				}
			}
			return printTables(cmd.OutOrStdout(), env.coord.Graph(), strategy)
		},
	}

	cmd.Flags().StringVar(&naming, "naming", "", "naming strategy (snake, plural, upper); defaults to the configured one")
	return cmd
}

func printTables(w io.Writer, g *graph.Graph, strategy meta.NamingStrategy) error {
	tables, err := g.Tables(strategy)
	if err != nil {
		var collision *graph.TableCollisionError
		if errors.As(err, &collision) {
			color.New(color.FgRed, color.Bold).Fprintf(w, "collision: ")
			fmt.Fprintf(w, "%s <- %s, %s\n", collision.Table, collision.First, collision.Second)
		}
		return err
	}

	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)

	table := ui.NewTable(w, []string{"TABLE", "KIND", "OWNER"}, &ui.TableOptions{NoColor: color.NoColor})
	for _, name := range names {
		owner := tables[name]
		kind := "entity"
		if _, ok := owner.(*meta.AssociationType); ok {
			kind = "join"
		}
		table.AddRow(name, kind, fmt.Sprint(owner))
	}
	table.Render()
	return nil
}
