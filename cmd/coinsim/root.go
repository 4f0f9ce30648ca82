package main

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "coinsim",
	Short: "Crypto price simulator with real-market fallback",
	Long: `coinsim keeps a set of coins in sync with the real market and lets an
operator take over any coin's price, steering it toward a target over a
chosen number of minutes before easing it back to the real price.

Commands:
  serve    run the HTTP API, viewer websocket and market poller
  seed     insert the configured coins and download their icons
  version  print the build version`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to the YAML config file")
}
