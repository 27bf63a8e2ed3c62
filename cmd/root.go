package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the compass application.
var rootCmd = &cobra.Command{
	Use:   "compass",
	Short: "MCP aggregation and discovery server",
	Long: `compass aggregates internally declared and external MCP servers under
one namespaced capability surface, routes calls to the right backend and
accelerates discovery with a skill-based two-stage semantic search.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors
	// that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from the main
// package to inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}
