// Package cli wires the command-line interface for the local service
// emulator. The root command is thin: flags feed the configuration
// loader, the up command assembles the engines and providers and hands
// their lifetimes to the orchestrator.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags
//  2. Environment variables (LWS_ prefix)
//  3. Configuration file values
//  4. Default values
//
// Example Usage:
//
//	# Start with a configuration file
//	lws up --config ./lws.yaml
//
//	# Start with environment overrides
//	LWS_SERVER_PORT=4566 LWS_IAM_MODE=audit lws up
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"lws.localdev.org/version"
)

var cfgFile string

// RootCmd is the entry point for the lws binary.
var RootCmd = &cobra.Command{
	Use:   "lws",
	Short: "local replicas of managed cloud services behind their wire protocols",
	Long: `LWS runs a single process hosting local replicas of managed cloud
services: key-value tables, queues, an object store, pub/sub topics,
an event bus, workflow state machines, identity pools, a parameter
store, a secret store, function compute and an API gateway.

Each service listens on a fixed offset from the baseline port and
speaks the wire protocol its production counterpart speaks, so SDK
clients work unchanged by pointing their endpoint at the emulator.

The management surface on the baseline port under /_lws/ exposes
provider health, resource listings, direct invocation, state reset
and a live log stream.`,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./lws.yaml)")
	RootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build and dependency information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.GetBuildInfo()
		fmt.Printf("lws %s (%s)\n", info.MainVersion, info.GoVersion)
	},
}
