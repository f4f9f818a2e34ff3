// Package cli implements the tutumesh command-line entrypoint, following
// the teacher's cobra init()-registration convention: each subcommand file
// registers itself with rootCmd from its own init().
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tutumesh",
	Short: "A coordination fabric for multi-provider LLM interaction",
	Long: `tutumesh runs a coordination node: gossip-based membership and leader
election among peer nodes, a bidirectional session fabric for clients, and
capability-based routing across upstream LLM providers with conversation
memory.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to tutumesh.toml (defaults to built-in defaults)")
}

// Execute runs the root command, exiting the process on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
