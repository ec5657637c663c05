package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "nw <command>",
	Short: "Newsflow dedup and notification pipeline",
	Long: `nw runs the newsflow pipeline: it consumes enriched news articles,
collapses near-duplicate coverage into single events, and notifies
matching subscribers exactly once per event.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the nw version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("nw", version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
