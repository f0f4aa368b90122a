/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/market-data-relay/internal/bootstrap"
	"github.com/spf13/cobra"
)

// relayGatewayCmd represents the relayGateway command
var relayGatewayCmd = &cobra.Command{
	Use:   "relay-gateway",
	Short: "Market data relay gateway service",
	Long: `Relay gateway holds the single upstream connection to the feed provider and
serves downstream websocket clients.

This service acts as a central hub that:
- Subscribes upstream on the first downstream listener of a channel
- Unsubscribes when the last listener leaves
- Reconnects with exponential backoff and replays the desired subscription set
- Exposes a read-only status surface for health tooling`,
	Run: bootstrap.StartRelayGateway,
}

func init() {
	rootCmd.AddCommand(relayGatewayCmd)
}
