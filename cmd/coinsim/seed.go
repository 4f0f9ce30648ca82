package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"coinsim/internal/app"

	"github.com/spf13/cobra"
)

var skipIcons bool

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Insert configured coins that are missing from the database",
	Long: `Insert every coin listed under "coins" in the config file unless it already
exists. Live market prices replace the configured ones when the market API is
reachable. Existing coins are never overwritten.`,
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().BoolVar(&skipIcons, "skip-icons", false, "do not download coin icons")
}

func runSeed(cmd *cobra.Command, args []string) error {
	bootstrap := app.NewBootstrap(configPath)
	if err := bootstrap.Initialize(); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer bootstrap.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	n, err := bootstrap.SeedCoins(ctx)
	if err != nil {
		return err
	}
	if !skipIcons {
		bootstrap.SyncAssets(ctx)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d of %d coins\n", n, len(bootstrap.Config.Coins))
	return nil
}
