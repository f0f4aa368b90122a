/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/market-data-relay/internal/bootstrap"
	"github.com/spf13/cobra"
)

// channelCmd represents the channel command
var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "manage pinned channels",
	Long: `Manage the pinned channel catalog. Pinned channels stay subscribed
upstream even when no downstream connection is attached.`,
	Run: bootstrap.StartChannel,
}

func init() {
	rootCmd.AddCommand(channelCmd)
	channelCmd.PersistentFlags().String("action", "list", "action add|remove|list")
	channelCmd.PersistentFlags().String("channel", "", "channel name")
	channelCmd.PersistentFlags().String("description", "", "channel description")
}
