package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the process configuration, read from the environment (and .env when present).
type Config struct {
	DatabaseURL      string `env:"DATABASE_URL"`
	MigrationsSource string `env:"MIGRATIONS_SOURCE,default=file://db/migrations"`
	Port             string `env:"PORT,default=18911"`
	AppEnv           string `env:"APP_ENV,default=development"`
	RedisURL         string `env:"REDIS_URL"`

	ProviderBaseURL      string  `env:"PROVIDER_BASE_URL,default=https://api.replicate.com"`
	ProviderAPIToken     string  `env:"PROVIDER_API_TOKEN"`
	ProviderModelVersion string  `env:"PROVIDER_MODEL_VERSION"`
	ProviderRPS          float64 `env:"PROVIDER_RPS,default=5"`

	GenerationCost    int           `env:"GENERATION_COST,default=1"`
	PollInterval      time.Duration `env:"POLL_INTERVAL,default=2s"`
	PollMaxAttempts   int           `env:"POLL_MAX_ATTEMPTS,default=60"`
	SubmitMaxAttempts int           `env:"SUBMIT_MAX_ATTEMPTS,default=3"`
	SubmitBaseDelay   time.Duration `env:"SUBMIT_BASE_DELAY,default=1s"`
	GeneratePerMinute int           `env:"GENERATE_PER_MINUTE,default=10"`
	StorageTimeout    time.Duration `env:"STORAGE_TIMEOUT,default=60s"`
	SettleTimeout     time.Duration `env:"SETTLE_TIMEOUT,default=15s"`

	MediaDir      string `env:"MEDIA_DIR,default=media"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`
	MediaSecret   string `env:"MEDIA_URL_HMAC_SECRET"`

	InviteAcceptURL string `env:"INVITE_ACCEPT_URL"`

	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL,default=5m"`
	ReconcileAfter    time.Duration `env:"RECONCILE_AFTER,default=15m"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	InternalWSSecret    string `env:"INTERNAL_WS_SECRET"`
}

var ErrMissingDatabaseURL = errors.New("DATABASE_URL environment variable is required")

// Load reads .env files (if any) into the environment, then decodes Config.
func Load(files ...string) (Config, error) {
	_ = godotenv.Load(files...)
	var c Config
	if err := envdecode.Decode(&c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode env: %w", err)
	}
	c.normalize()
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return c, ErrMissingDatabaseURL
	}
	return c, nil
}

func (c *Config) normalize() {
	c.AppEnv = strings.ToLower(strings.TrimSpace(c.AppEnv))
	c.PublicBaseURL = strings.TrimRight(strings.TrimSpace(c.PublicBaseURL), "/")
	// Whatever the env says, an attempt must poll at least once and submit at least once.
	if c.PollMaxAttempts <= 0 {
		c.PollMaxAttempts = 60
	}
	if c.SubmitMaxAttempts <= 0 {
		c.SubmitMaxAttempts = 3
	}
	if c.GenerationCost <= 0 {
		c.GenerationCost = 1
	}
	if c.StorageTimeout <= 0 {
		c.StorageTimeout = 60 * time.Second
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = 15 * time.Second
	}
	if c.ReconcileAfter < c.MaxSettleDuration() {
		c.ReconcileAfter = c.MaxSettleDuration()
	}
}

// MaxAttemptDuration is an upper bound on one generation attempt: submit backoff plus the polling budget.
func (c Config) MaxAttemptDuration() time.Duration {
	backoff := time.Duration(0)
	d := c.SubmitBaseDelay
	for i := 1; i < c.SubmitMaxAttempts; i++ {
		backoff += d
		d *= 2
	}
	return backoff + time.Duration(c.PollMaxAttempts)*c.PollInterval + time.Minute
}

// MaxSettleDuration bounds an attempt from reserve to its final charge or refund write. Storage and
// settlement run after the attempt deadline, so a reservation younger than this may still be charged.
func (c Config) MaxSettleDuration() time.Duration {
	return c.MaxAttemptDuration() + c.StorageTimeout + c.SettleTimeout
}

func (c Config) IsProduction() bool { return c.AppEnv == "production" }
