// Package app builds the payout services from configuration. The HTTP
// service, the worker and payoutctl all start from New.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"

	"ms-payouts/internal/api"
	"ms-payouts/internal/auth"
	"ms-payouts/internal/config"
	"ms-payouts/internal/database/migrations"
	"ms-payouts/internal/fastpayout"
	"ms-payouts/internal/kafka"
	"ms-payouts/internal/lock"
	"ms-payouts/internal/logger"
	"ms-payouts/internal/notify"
	"ms-payouts/internal/payout"
	"ms-payouts/internal/provider"
	"ms-payouts/internal/scheduler"
	"ms-payouts/internal/settlement"
	"ms-payouts/internal/storage"
	"ms-payouts/internal/tickets"
	"ms-payouts/internal/webhook"
)

type App struct {
	Config *config.Config
	Log    *logger.Logger

	DB        *bun.DB
	Store     *storage.Store
	Redis     *redis.Client
	Locker    lock.Locker
	Publisher kafka.Publisher
	producer  *kafka.Producer

	Providers   *provider.Registry
	Notifier    *notify.Notifier
	Builder     *payout.Builder
	Executor    *payout.Executor
	Queue       *payout.Queue
	Batches     *payout.BatchProcessor
	FastPayouts *fastpayout.Service
	Settlements *settlement.Syncer
	Webhooks    *webhook.Service

	DefaultProvider provider.Name
}

// LoadConfig reads .env when present and then the environment.
func LoadConfig(log *logger.Logger) *config.Config {
	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}
	return config.Load()
}

// New connects to Postgres, Redis and Kafka and assembles every service.
// Redis and Kafka are optional; without them locks are process-local and
// events are dropped.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}

	db, err := storage.OpenPostgres(ctx, cfg.PostgresDSN(), storage.PoolOptions{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		MaxLifetime:  cfg.Database.MaxLifetime,
	}, log)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Log: log, DB: db, Store: storage.New(db, log)}
	a.connectRedis(ctx)
	a.connectKafka(ctx)
	a.wire()
	return a, nil
}

func (a *App) connectRedis(ctx context.Context) {
	a.Locker = lock.Local{}
	if !a.Config.Redis.Enabled {
		a.Log.Warn("REDIS", "Redis disabled, using process-local locks")
		return
	}
	client := redis.NewClient(&redis.Options{Addr: a.Config.Redis.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		a.Log.Warn("REDIS", fmt.Sprintf("Redis unavailable at %s, using process-local locks: %v", a.Config.Redis.Addr, err))
		_ = client.Close()
		return
	}
	a.Log.Info("REDIS", fmt.Sprintf("Redis connection successful to %s", a.Config.Redis.Addr))
	a.Redis = client
	a.Locker = lock.NewRedis(client, a.Log)
}

func (a *App) connectKafka(ctx context.Context) {
	a.Publisher = kafka.NopPublisher{}
	k := a.Config.Kafka
	if !k.Enabled || len(k.Brokers) == 0 {
		a.Log.Warn("KAFKA", "Kafka disabled, domain events will not be published")
		return
	}
	if err := kafka.EnsureTopicsExist(ctx, k.Brokers, k.Topics.All(), a.Log); err != nil {
		a.Log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
	}
	a.producer = kafka.NewProducer(k.Brokers, a.Log)
	a.Publisher = a.producer
	a.Log.Info("KAFKA", fmt.Sprintf("Kafka producer initialized for %s", strings.Join(k.Brokers, ",")))
}

func (a *App) wire() {
	cfg := a.Config
	topics := cfg.Kafka.Topics
	payoutTopics := payout.Topics{
		Initiated: topics.TransferInitiated,
		Completed: topics.TransferCompleted,
		Abandoned: topics.TransferAbandoned,
	}

	a.DefaultProvider = provider.Paystack
	if n, ok := provider.ParseName(cfg.Providers.Default); ok {
		a.DefaultProvider = n
	}
	a.Providers = Providers(cfg.Providers, a.Log)
	a.Notifier = notify.NewNotifier(Sender(cfg, a.Publisher, a.Log), notify.Recipient{Name: "Finance", Email: cfg.Notify.FinanceEmail}, a.Log)

	a.Builder = payout.NewBuilder(a.Store)
	a.Executor = payout.NewExecutor(a.Store, a.Providers, payout.NewRecipientResolver(a.Store, a.Locker, a.Log), a.Log)
	a.Queue = payout.NewQueue(a.Store, a.Executor, a.Notifier, a.Publisher, payoutTopics, a.Log)
	a.Batches = payout.NewBatchProcessor(a.Store, a.Builder, a.Executor, a.Locker, a.Notifier, a.Publisher,
		payout.BatchOptions{Topics: payoutTopics, Concurrency: cfg.Scheduler.BatchConcurrency}, a.Log)
	a.FastPayouts = fastpayout.NewService(a.Store, a.Builder, a.Queue, a.Locker, a.Notifier,
		fastpayout.SettingsFromConfig(cfg.FastPayout), a.DefaultProvider, a.Log)
	a.Settlements = settlement.NewSyncer(a.Store, a.Providers, a.Publisher, topics.SettlementImported,
		cfg.Scheduler.SettlementInterval, a.Log)
	a.Webhooks = webhook.NewService(a.Store, a.Providers, tickets.NewIssuer(cfg.Tickets.QRSecret), a.Notifier, a.Publisher,
		webhook.Options{AllowUnsigned: cfg.PermissiveWebhooks(), OrderTopic: topics.OrderCompleted}, a.Log,
		a.Queue, a.Batches)
}

// Providers registers every adapter that has credentials. Manual is
// always available.
func Providers(c config.ProvidersConfig, log *logger.Logger) *provider.Registry {
	hc := &http.Client{Timeout: c.HTTPTimeout}
	r := provider.NewRegistry(provider.NewManual())
	if len(c.Paystack.SecretKeys) > 0 {
		r.Register(provider.NewPaystack(provider.PaystackConfig{
			BaseURL:    c.Paystack.BaseURL,
			SecretKeys: c.Paystack.SecretKeys,
		}, hc, log))
	}
	if c.Flutterwave.SecretKey != "" {
		r.Register(provider.NewFlutterwave(provider.FlutterwaveConfig{
			BaseURL:      c.Flutterwave.BaseURL,
			SecretKey:    c.Flutterwave.SecretKey,
			SecretHashes: c.Flutterwave.SecretHashes,
		}, hc, log))
	}
	if c.Stripe.SecretKey != "" {
		r.Register(provider.NewStripe(provider.StripeConfig{
			SecretKey:     c.Stripe.SecretKey,
			WebhookSecret: c.Stripe.WebhookSecret,
			BaseURL:       c.Stripe.BaseURL,
		}, hc, log))
	}
	if c.PayPal.ClientID != "" {
		r.Register(provider.NewPayPal(provider.PayPalConfig{
			BaseURL:      c.PayPal.BaseURL,
			ClientID:     c.PayPal.ClientID,
			ClientSecret: c.PayPal.ClientSecret,
			WebhookID:    c.PayPal.WebhookID,
		}, hc, log))
	}
	names := make([]string, 0, len(r.Names()))
	for _, n := range r.Names() {
		names = append(names, string(n))
	}
	log.Info("PROVIDER", "Payout providers enabled: "+strings.Join(names, ", "))
	return r
}

// Sender picks the notification transport named by NOTIFY_DRIVER.
func Sender(cfg *config.Config, pub kafka.Publisher, log *logger.Logger) notify.Sender {
	n := cfg.Notify
	switch strings.ToLower(n.Driver) {
	case "sendgrid":
		return notify.NewSendGrid(notify.SendGridConfig{
			APIKey:    n.SendGridKey,
			FromEmail: n.FromEmail,
			FromName:  n.FromName,
			Sandbox:   cfg.IsDevelopment(),
		})
	case "kafka":
		return notify.NewKafkaSender(pub, cfg.Kafka.Topics.Notifications)
	default:
		return notify.NewLogSender(log)
	}
}

// Migrations returns a runner over the app's database.
func (a *App) Migrations() *migrations.Runner {
	return migrations.NewRunner(a.DB.DB, migrations.OptionsFromConfig(a.Config.Database), a.Log)
}

// Router serves the operator API and provider webhooks.
func (a *App) Router(ctx context.Context) (http.Handler, error) {
	verifier, err := auth.NewVerifier(ctx, a.Config.Auth, a.Config.IsDevelopment(), a.Log)
	if err != nil {
		return nil, err
	}
	h := api.NewHandler(api.Deps{
		Store:           a.Store,
		Builder:         a.Builder,
		Queue:           a.Queue,
		Batches:         a.Batches,
		FastPayouts:     a.FastPayouts,
		Settlements:     a.Settlements,
		DefaultProvider: a.DefaultProvider,
		Log:             a.Log,
		Development:     a.Config.IsDevelopment(),
	})
	hooks := webhook.NewHandler(a.Webhooks, a.Log, a.Config.IsDevelopment())
	return api.NewRouter(h, verifier, hooks.Engine(), a.Log), nil
}

// Scheduler registers the periodic jobs. An empty cron spec leaves that
// job out.
func (a *App) Scheduler() (*scheduler.Scheduler, error) {
	s := scheduler.New(a.Locker, a.Log)
	sc := a.Config.Scheduler
	jobs := []struct {
		name, spec string
		job        scheduler.Job
	}{
		{"retry_sweep", sc.RetrySweepCron, a.RetrySweep},
		{"settlement_sync", sc.SettlementSyncCron, a.SyncSettlements},
		{"batch_processing", sc.BatchCron, a.ProcessBatches},
	}
	for _, j := range jobs {
		if err := s.Add(j.name, j.spec, j.job); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (a *App) RetrySweep(ctx context.Context) error {
	res, err := a.Queue.RetryDue(ctx)
	if err != nil {
		return err
	}
	a.Log.LogProcess("retry_sweep", fmt.Sprintf("%+v", res))
	return nil
}

func (a *App) SyncSettlements(ctx context.Context) error {
	results, err := a.Settlements.Sync(ctx, settlement.SyncParams{})
	if err != nil {
		return err
	}
	for name, r := range results {
		a.Log.LogProcess("settlement_sync", fmt.Sprintf("%s: %s, synced %d, skipped %d", name, r.Status, r.Synced, r.Skipped))
	}
	return nil
}

func (a *App) ProcessBatches(ctx context.Context) error {
	results, err := a.Batches.ProcessPending(ctx)
	if err != nil {
		return err
	}
	if len(results) > 0 {
		a.Log.LogProcess("batch_processing", fmt.Sprintf("processed %d batch(es)", len(results)))
	}
	return nil
}

// Close releases connections in reverse order of New.
func (a *App) Close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.Log.Warn("KAFKA", fmt.Sprintf("close producer: %v", err))
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if err := a.DB.Close(); err != nil {
		a.Log.Warn("DATABASE", fmt.Sprintf("close database: %v", err))
	}
}
