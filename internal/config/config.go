package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppEnv     string
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Providers  ProvidersConfig
	Notify     NotifyConfig
	FastPayout FastPayoutConfig
	Scheduler  SchedulerConfig
	Auth       AuthConfig
	Tickets    TicketsConfig

	// AllowUnsignedWebhooks only takes effect when AppEnv is development.
	AllowUnsignedWebhooks bool
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	DSN          string
	Host         string
	Port         string
	Username     string
	Password     string
	Database     string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
	AutoMigrate  bool
	Migrations   string
}

type RedisConfig struct {
	Addr    string
	Enabled bool
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
	Enabled bool
	Topics  TopicConfig
}

type TopicConfig struct {
	OrderCompleted     string
	TransferInitiated  string
	TransferCompleted  string
	TransferAbandoned  string
	SettlementImported string
	Notifications      string
	TriggerRequested   string
}

// All returns every topic this service produces to or consumes from.
func (t TopicConfig) All() []string {
	return []string{
		t.OrderCompleted,
		t.TransferInitiated,
		t.TransferCompleted,
		t.TransferAbandoned,
		t.SettlementImported,
		t.Notifications,
		t.TriggerRequested,
	}
}

type ProvidersConfig struct {
	// Default is used for organizers with no payout provider of their own.
	Default     string
	HTTPTimeout time.Duration
	Paystack    PaystackConfig
	Flutterwave FlutterwaveConfig
	Stripe      StripeConfig
	PayPal      PayPalConfig
}

type PaystackConfig struct {
	BaseURL string
	// SecretKeys maps a country code to that country's secret key. The
	// empty key holds the default account.
	SecretKeys map[string]string
}

type FlutterwaveConfig struct {
	BaseURL      string
	SecretKey    string
	SecretHashes []string
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
}

type PayPalConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	WebhookID    string
}

type NotifyConfig struct {
	Driver       string // sendgrid, kafka or log
	SendGridKey  string
	FromEmail    string
	FromName     string
	FinanceEmail string
}

type FastPayoutConfig struct {
	Enabled             bool
	RequireKYC          bool
	RequireBankVerified bool
	MinTicketSalesPct   float64
	MaxRequestsPerEvent int
	CooldownHours       int
	FeePercentage       float64
	TierCaps            map[string]float64
}

type SchedulerConfig struct {
	RetrySweepCron     string
	SettlementSyncCron string
	BatchCron          string
	SettlementInterval time.Duration
	BatchConcurrency   int
}

type AuthConfig struct {
	OIDCIssuer       string
	ServiceJWTSecret string
}

type TicketsConfig struct {
	QRSecret string
}

func Load() *Config {
	return &Config{
		AppEnv:                getEnv("APP_ENV", "production"),
		AllowUnsignedWebhooks: getEnvBool("ALLOW_UNSIGNED_WEBHOOKS", false),
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8086"),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:          getEnv("POSTGRES_DSN", ""),
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			Username:     getEnv("DB_USERNAME", "payouts"),
			Password:     getEnv("DB_PASSWORD", ""),
			Database:     getEnv("DB_NAME", "payouts"),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  time.Duration(getEnvInt("DB_MAX_LIFETIME_MINUTES", 5)) * time.Minute,
			AutoMigrate:  getEnvBool("DB_AUTO_MIGRATE", true),
			Migrations:   getEnv("DB_MIGRATIONS_DIR", "./migrations"),
		},
		Redis: RedisConfig{
			Addr:    getEnv("REDIS_ADDR", "localhost:6379"),
			Enabled: getEnvBool("REDIS_ENABLED", true),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			GroupID: getEnv("KAFKA_GROUP_ID", "payouts-worker"),
			Enabled: getEnvBool("KAFKA_ENABLED", true),
			Topics: TopicConfig{
				OrderCompleted:     getEnv("KAFKA_TOPIC_ORDER_COMPLETED", "payouts.order.completed"),
				TransferInitiated:  getEnv("KAFKA_TOPIC_TRANSFER_INITIATED", "payouts.transfer.initiated"),
				TransferCompleted:  getEnv("KAFKA_TOPIC_TRANSFER_COMPLETED", "payouts.transfer.completed"),
				TransferAbandoned:  getEnv("KAFKA_TOPIC_TRANSFER_ABANDONED", "payouts.transfer.abandoned"),
				SettlementImported: getEnv("KAFKA_TOPIC_SETTLEMENT_IMPORTED", "payouts.settlement.imported"),
				Notifications:      getEnv("KAFKA_TOPIC_NOTIFICATIONS", "payouts.notifications"),
				TriggerRequested:   getEnv("KAFKA_TOPIC_TRIGGER_REQUESTED", "payouts.trigger.requested"),
			},
		},
		Providers: ProvidersConfig{
			Default:     getEnv("DEFAULT_PAYOUT_PROVIDER", "paystack"),
			HTTPTimeout: time.Duration(getEnvInt("PROVIDER_HTTP_TIMEOUT_SECONDS", 10)) * time.Second,
			Paystack: PaystackConfig{
				BaseURL:    getEnv("PAYSTACK_BASE_URL", "https://api.paystack.co"),
				SecretKeys: paystackKeys(),
			},
			Flutterwave: FlutterwaveConfig{
				BaseURL:      getEnv("FLUTTERWAVE_BASE_URL", "https://api.flutterwave.com"),
				SecretKey:    getEnv("FLUTTERWAVE_SECRET_KEY", ""),
				SecretHashes: getEnvList("FLUTTERWAVE_SECRET_HASH", nil),
			},
			Stripe: StripeConfig{
				SecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
				WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
				BaseURL:       getEnv("STRIPE_BASE_URL", ""),
			},
			PayPal: PayPalConfig{
				BaseURL:      getEnv("PAYPAL_BASE_URL", "https://api-m.paypal.com"),
				ClientID:     getEnv("PAYPAL_CLIENT_ID", ""),
				ClientSecret: getEnv("PAYPAL_CLIENT_SECRET", ""),
				WebhookID:    getEnv("PAYPAL_WEBHOOK_ID", ""),
			},
		},
		Notify: NotifyConfig{
			Driver:       getEnv("NOTIFY_DRIVER", "log"),
			SendGridKey:  getEnv("SENDGRID_API_KEY", ""),
			FromEmail:    getEnv("NOTIFY_FROM_EMAIL", "payouts@ticketly.com"),
			FromName:     getEnv("NOTIFY_FROM_NAME", "Ticketly Payouts"),
			FinanceEmail: getEnv("FINANCE_TEAM_EMAIL", "finance@ticketly.com"),
		},
		FastPayout: FastPayoutConfig{
			Enabled:             getEnvBool("FAST_PAYOUT_ENABLED", true),
			RequireKYC:          getEnvBool("FAST_PAYOUT_REQUIRE_KYC", true),
			RequireBankVerified: getEnvBool("FAST_PAYOUT_REQUIRE_BANK_VERIFIED", true),
			MinTicketSalesPct:   getEnvFloat("FAST_PAYOUT_MIN_TICKET_SALES_PCT", 20),
			MaxRequestsPerEvent: getEnvInt("FAST_PAYOUT_MAX_REQUESTS_PER_EVENT", 3),
			CooldownHours:       getEnvInt("FAST_PAYOUT_COOLDOWN_HOURS", 24),
			FeePercentage:       getEnvFloat("FAST_PAYOUT_FEE_PERCENTAGE", 1.5),
			TierCaps: map[string]float64{
				"bronze":  getEnvFloat("FAST_PAYOUT_CAP_BRONZE", 70),
				"silver":  getEnvFloat("FAST_PAYOUT_CAP_SILVER", 80),
				"gold":    getEnvFloat("FAST_PAYOUT_CAP_GOLD", 90),
				"trusted": getEnvFloat("FAST_PAYOUT_CAP_TRUSTED", 95),
			},
		},
		Scheduler: SchedulerConfig{
			RetrySweepCron:     getEnv("RETRY_SWEEP_CRON", "0 */4 * * *"),
			SettlementSyncCron: getEnv("SETTLEMENT_SYNC_CRON", "30 2 * * *"),
			BatchCron:          getEnv("BATCH_CRON", "*/15 * * * *"),
			SettlementInterval: time.Duration(getEnvInt("SETTLEMENT_SYNC_INTERVAL_HOURS", 24)) * time.Hour,
			BatchConcurrency:   getEnvInt("BATCH_CONCURRENCY", 4),
		},
		Auth: AuthConfig{
			OIDCIssuer:       getEnv("OIDC_ISSUER", ""),
			ServiceJWTSecret: getEnv("SERVICE_JWT_SECRET", ""),
		},
		Tickets: TicketsConfig{
			QRSecret: getEnv("TICKET_QR_SECRET", "change-me"),
		},
	}
}

func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.AppEnv, "development")
}

// PermissiveWebhooks reports whether unsigned webhooks may be processed.
func (c *Config) PermissiveWebhooks() bool {
	return c.IsDevelopment() && c.AllowUnsignedWebhooks
}

// PostgresDSN returns POSTGRES_DSN, or one assembled from the DB_* parts.
func (c *Config) PostgresDSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	d := c.Database
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", d.Username, d.Password, d.Host, d.Port, d.Database)
}

// Validate reports which configured providers are missing credentials.
// Providers with no credentials at all are treated as disabled.
func (c *Config) Validate() []string {
	var problems []string
	if c.Providers.Stripe.SecretKey != "" && c.Providers.Stripe.WebhookSecret == "" && !c.PermissiveWebhooks() {
		problems = append(problems, "STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}
	if c.Providers.Flutterwave.SecretKey != "" && len(c.Providers.Flutterwave.SecretHashes) == 0 && !c.PermissiveWebhooks() {
		problems = append(problems, "FLUTTERWAVE_SECRET_HASH is required when FLUTTERWAVE_SECRET_KEY is set")
	}
	pp := c.Providers.PayPal
	if (pp.ClientID == "") != (pp.ClientSecret == "") {
		problems = append(problems, "PAYPAL_CLIENT_ID and PAYPAL_CLIENT_SECRET must be set together")
	}
	if c.Notify.Driver == "sendgrid" && c.Notify.SendGridKey == "" {
		problems = append(problems, "SENDGRID_API_KEY is required for the sendgrid notify driver")
	}
	return problems
}

var paystackCountries = []string{"NG", "GH", "ZA", "KE", "CI"}

func paystackKeys() map[string]string {
	keys := map[string]string{}
	if v := os.Getenv("PAYSTACK_SECRET_KEY"); v != "" {
		keys[""] = v
	}
	for _, cc := range paystackCountries {
		if v := os.Getenv("PAYSTACK_SECRET_KEY_" + cc); v != "" {
			keys[cc] = v
		}
	}
	return keys
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
