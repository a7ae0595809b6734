package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "td-sync",
	Short: "td-sync is the sync engine server",
	Long:  "td-sync runs the sync engine's HTTP server: commit-log push/pull, snapshot bootstrap, and realtime fan-out.",
	// Running the bare binary with no subcommand serves, matching the
	// conventional ergonomics of a daemon binary.
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
