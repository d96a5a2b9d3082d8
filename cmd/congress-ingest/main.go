package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	flagConfig string
	flagPretty bool
)

var rootCmd = &cobra.Command{
	Use:     "congress-ingest",
	Short:   "Ingest paginated GovInfo API collections into PostgreSQL",
	Version: version,
	Long: `congress-ingest pulls paginated collections from the GovInfo API and
persists them into PostgreSQL with checkpointed, resumable progress and
deduplicated writes.

Examples:
  congress-ingest collections
  congress-ingest run BILLS --max-records 5000
  congress-ingest status BILLS`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to JSON config file")
	rootCmd.PersistentFlags().BoolVar(&flagPretty, "pretty", false, "human-readable log output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(collectionsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
