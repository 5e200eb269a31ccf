package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"ms-payouts/internal/app"
	"ms-payouts/internal/auth"
	"ms-payouts/internal/config"
	"ms-payouts/internal/payout"
	"ms-payouts/internal/settlement"
	"ms-payouts/internal/utils"
)

func retrySweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-sweep",
		Short: "Retry every failed payout whose backoff has elapsed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Queue.RetryDue(ctx)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

func syncCmd() *cobra.Command {
	var providerName, start, end, country string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Import provider settlement reports and reconcile them",
		Example: `  payoutctl sync
  payoutctl sync --provider paystack --country NG --start 2026-01-01 --end 2026-01-31`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := settlement.SyncParams{Provider: providerName, CountryCode: strings.ToUpper(country)}
			var err error
			if start != "" {
				if p.Start, err = utils.ParseDate(start); err != nil {
					return fmt.Errorf("--start: %w", err)
				}
			}
			if end != "" {
				if p.End, err = utils.ParseDate(end); err != nil {
					return fmt.Errorf("--end: %w", err)
				}
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				results, err := a.Settlements.Sync(ctx, p)
				if err != nil {
					return err
				}
				return printJSON(results)
			})
		},
	}
	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "provider to sync (default: every provider that settles)")
	cmd.Flags().StringVar(&start, "start", "", "window start, RFC3339 or YYYY-MM-DD")
	cmd.Flags().StringVar(&end, "end", "", "window end, RFC3339 or YYYY-MM-DD")
	cmd.Flags().StringVar(&country, "country", "", "country code for providers with per-country accounts")
	return cmd
}

func processBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process-batch [batch-id]",
		Short: "Process one batch, or every pending batch when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if len(args) == 0 {
					results, err := a.Batches.ProcessPending(ctx)
					if err != nil {
						return err
					}
					return printJSON(results)
				}
				res, err := a.Batches.ProcessBatch(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

func triggerCmd() *cobra.Command {
	var p payout.TriggerParams
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Build and run one payout for an organizer or event",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if p.TriggeredBy == "" {
				p.TriggeredBy = "payoutctl"
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := payout.Trigger(ctx, a.Store, a.Builder, a.Queue, a.DefaultProvider, p)
				if errors.Is(err, payout.ErrNoPendingPayouts) {
					fmt.Println("No pending payouts")
					return nil
				}
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&p.OrganizerID, "organizer", "", "organizer id")
	cmd.Flags().StringVar(&p.EventID, "event", "", "event id")
	cmd.Flags().StringVar(&p.Provider, "provider", "", "payout provider (default: organizer preference)")
	cmd.Flags().BoolVar(&p.IsDonation, "donation", false, "pay out donation orders only")
	cmd.Flags().StringVar(&p.TriggeredBy, "by", "", "operator recorded on the payout")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a service token signed with SERVICE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()
			secret := config.Load().Auth.ServiceJWTSecret
			if secret == "" {
				return errors.New("SERVICE_JWT_SECRET is not set")
			}
			tok, err := auth.IssueServiceToken(secret, subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "payoutctl", "token subject")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleOperator}, "roles to grant")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
