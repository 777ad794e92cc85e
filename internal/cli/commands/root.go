package commands

import (
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// Version information - set at build time
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
	GoVersion = "unknown"
)

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "cascade",
		Short: "Entity metadata graph and cascading save tooling",
		Long: color.CyanString(`Cascade - entity metadata graph and cascading save engine

Cascade loads entity descriptors from a YAML catalog, builds the metadata
graph and saves draft object trees with one statement per changed row.

Commands:
  graph    print derived types and back references
  tables   print the table identity index
  save     plan and save draft documents
  binlog   accept captured row changes and invalidate caches
  watch    reload the graph when registry files change
  serve    run the change sink HTTP server
  token    issue an access token for the change sink`),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./cascade.yaml)")

	rootCmd.AddCommand(NewVersionCommand())
	rootCmd.AddCommand(NewGraphCommand(&configPath))
	rootCmd.AddCommand(NewTablesCommand(&configPath))
	rootCmd.AddCommand(NewSaveCommand(&configPath))
	rootCmd.AddCommand(NewBinlogCommand(&configPath))
	rootCmd.AddCommand(NewWatchCommand(&configPath))
	rootCmd.AddCommand(NewServeCommand(&configPath))
	rootCmd.AddCommand(NewTokenCommand(&configPath))

	return rootCmd
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display the cascade version, Git commit, build date, and Go version",
		Run: func(cmd *cobra.Command, args []string) {
			goVer := GoVersion
			if goVer == "unknown" {
				goVer = runtime.Version()
			}

			out := cmd.OutOrStdout()
			titleColor := color.New(color.FgCyan, color.Bold)
			valueColor := color.New(color.FgWhite)

			titleColor.Fprint(out, "Cascade version: ")
			valueColor.Fprintln(out, Version)

			titleColor.Fprint(out, "Git commit: ")
			valueColor.Fprintln(out, GitCommit)

			titleColor.Fprint(out, "Build date: ")
			valueColor.Fprintln(out, BuildDate)

			titleColor.Fprint(out, "Go version: ")
			valueColor.Fprintln(out, goVer)
		},
	}
}

// Execute runs the root command
func Execute() error {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		errorColor := color.New(color.FgRed, color.Bold)
		errorColor.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
		return err
	}
	return nil
}
