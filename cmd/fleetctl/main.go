package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meridianfleet/controlplane/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "fleetctl - control plane for staged service rollouts across a server fleet",
	Long: `fleetctl runs and drives a fleet control plane: a coordinator that plans
and executes rolling, blue-green, canary, and immediate deployments across a
fleet of agent-managed servers, and the agent that runs alongside each one.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"fleetctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(coordinatorCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(workflowCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
