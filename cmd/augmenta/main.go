package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Global-Witness/augmenta/pkg/log"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "augmenta",
		Short: "Augment CSV tables with web research and structured LLM answers",
		Long: "Augmenta reads a CSV, runs a web search for every row, feeds the " +
			"retrieved pages to a language model and writes the structured " +
			"answers back as new columns. Finished rows are cached, so an " +
			"interrupted run picks up where it left off.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.InitLogger(log.LevelDebug)
			} else {
				log.InitLogger(log.LevelInfo)
			}
		},
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newPurgeCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "augmenta %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
