// Omni: event reaction and agent routing core of a multi-channel messaging gateway.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "omni",
	Short: "Omni: event-driven automations and agent routing for messaging channels.",
	Long: `Omni receives events from messaging channels, runs the automations that
react to them (webhooks, replies, agent calls, follow-up events) under
per-instance concurrency limits, and resolves which agent answers a chat.`,
	RunE:          runGateway, // Default to gateway mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(gatewayCmd, emitCmd, validateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
