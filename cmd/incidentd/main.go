// Package main implements the incidentd daemon: the investigation
// orchestrator that plans, delegates, gates and reports multi-phase
// incident investigations.
//
// Usage:
//
//	# Start the daemon with the default config path
//	incidentd serve
//
//	# Start with an explicit config file
//	incidentd serve --config /etc/incidentd/config.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "incidentd",
	Short: "Investigation workflow orchestrator",
	Long: `incidentd coordinates multi-step incident investigations: it plans an
approach, delegates triage, code-analysis and synthesis to remote
collaborators, gates progression on output quality, and reports a
consolidated result with a confidence score.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the incidentd daemon",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(*cobra.Command, []string) {
		fmt.Printf("incidentd\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml (default ~/.config/incidentd/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
