package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"ms-payouts/internal/app"
	"ms-payouts/internal/logger"
)

func main() {
	log := logger.NewLogger("payouts-worker")
	defer log.Close()

	log.Info("APP", "Starting Payout Worker initialization")
	cfg := app.LoadConfig(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("APP", fmt.Sprintf("Failed to initialize: %v", err))
	}
	defer a.Close()

	sched, err := a.Scheduler()
	if err != nil {
		log.Fatal("SCHEDULER", err.Error())
	}
	sched.Start()
	log.Info("SCHEDULER", "Cron jobs started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Consume(gctx) })

	log.Info("APP", "Worker started successfully, waiting for shutdown signal")
	if err := g.Wait(); err != nil {
		log.Error("KAFKA", fmt.Sprintf("Trigger consumer stopped: %v", err))
	}

	log.Info("APP", "Shutdown signal received, waiting for running jobs")
	sched.Stop()
	log.Info("APP", "✅ Payout Worker shutdown complete")
}
