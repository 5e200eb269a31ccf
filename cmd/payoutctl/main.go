// Command payoutctl runs payout maintenance tasks by hand: migrations,
// retry sweeps, settlement syncs, batches and one-off triggers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ms-payouts/internal/app"
	"ms-payouts/internal/logger"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "payoutctl",
		Short:         "Operate the payout service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(retrySweepCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(processBatchCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(tokenCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp builds the app for one command and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	log := logger.NewLogger("payoutctl")
	defer log.Close()
	ctx := cmd.Context()
	a, err := app.New(ctx, app.LoadConfig(log), log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
