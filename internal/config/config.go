package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	WebhookModeInline    = "inline"
	WebhookModeJetStream = "jetstream"
)

type Config struct {
	Env         string
	Port        string
	DB          DBConfig
	JWT         JWTConfig
	Redis       RedisConfig
	NATS        NATSConfig
	Webhook     WebhookConfig
	Sync        SyncConfig
	Slack       SlackConfig
	Log         LogConfig
	AutoMigrate bool
}

type DBConfig struct {
	DSN          string
	MaxOpenConns int
}

type JWTConfig struct {
	Secret string
	TTL    time.Duration
}

type RedisConfig struct {
	URL string
	DB  int
}

type NATSConfig struct {
	URL string
}

type WebhookConfig struct {
	Mode          string
	Secret        string
	RateLimit     int
	RateWindow    time.Duration
	LoginLimit    int
	MaxBodyBytes  int64
	ThrottleRPS   float64
	ThrottleBurst int
}

type SyncConfig struct {
	MaxAttempts         int
	BaseDelay           time.Duration
	DeliveryMaxAttempts int
	ReplayInterval      time.Duration
	ReplayBatch         int
}

type SlackConfig struct {
	WebhookURL string
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment. Outside production a .env
// file in the working directory is loaded first if present.
func Load() (Config, error) {
	if getEnv("APP_ENV", "development") != "production" {
		_ = godotenv.Load()
	}

	cfg := Config{
		Env:  getEnv("APP_ENV", "development"),
		Port: getEnv("PORT", "8080"),
		DB: DBConfig{
			DSN:          getEnv("DATABASE_URL", buildDSN()),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 20),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
			TTL:    getEnvDuration("JWT_TTL", 24*time.Hour),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
			DB:  getEnvInt("REDIS_DB", -1),
		},
		NATS: NATSConfig{
			URL: getEnv("NATS_URL", ""),
		},
		Webhook: WebhookConfig{
			Mode:          strings.ToLower(getEnv("WEBHOOK_MODE", WebhookModeInline)),
			Secret:        getEnv("CLERK_WEBHOOK_SECRET", ""),
			RateLimit:     getEnvInt("WEBHOOK_RATE_LIMIT", 120),
			RateWindow:    getEnvDuration("WEBHOOK_RATE_WINDOW", time.Minute),
			LoginLimit:    getEnvInt("LOGIN_RATE_LIMIT", 5),
			MaxBodyBytes:  1 << 20,
			ThrottleRPS:   getEnvFloat("WEBHOOK_THROTTLE_RPS", 50),
			ThrottleBurst: getEnvInt("WEBHOOK_THROTTLE_BURST", 100),
		},
		Sync: SyncConfig{
			MaxAttempts:         getEnvInt("SYNC_MAX_ATTEMPTS", 3),
			BaseDelay:           getEnvDuration("SYNC_BASE_DELAY", 200*time.Millisecond),
			DeliveryMaxAttempts: getEnvInt("DELIVERY_MAX_ATTEMPTS", 8),
			ReplayInterval:      getEnvDuration("REPLAY_INTERVAL", 30*time.Second),
			ReplayBatch:         getEnvInt("REPLAY_BATCH", 50),
		},
		Slack: SlackConfig{
			WebhookURL: getEnv("SLACK_WEBHOOK_URL", ""),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", ""),
		},
		AutoMigrate: getEnvBool("AUTO_MIGRATE", false),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Webhook.Secret == "" {
		return fmt.Errorf("CLERK_WEBHOOK_SECRET is required")
	}
	switch c.Webhook.Mode {
	case WebhookModeInline:
	case WebhookModeJetStream:
		if c.NATS.URL == "" {
			return fmt.Errorf("NATS_URL is required when WEBHOOK_MODE=%s", WebhookModeJetStream)
		}
	default:
		return fmt.Errorf("WEBHOOK_MODE must be %q or %q, got %q", WebhookModeInline, WebhookModeJetStream, c.Webhook.Mode)
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("SYNC_MAX_ATTEMPTS must be at least 1")
	}
	if c.Sync.DeliveryMaxAttempts < 1 {
		return fmt.Errorf("DELIVERY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Webhook.RateLimit < 1 || c.Webhook.RateWindow <= 0 {
		return fmt.Errorf("WEBHOOK_RATE_LIMIT and WEBHOOK_RATE_WINDOW must be positive")
	}
	if c.Webhook.ThrottleRPS <= 0 || c.Webhook.ThrottleBurst < 1 {
		return fmt.Errorf("WEBHOOK_THROTTLE_RPS and WEBHOOK_THROTTLE_BURST must be positive")
	}
	return nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

func (c NATSConfig) Enabled() bool {
	return c.URL != ""
}

func (c SlackConfig) Enabled() bool {
	return c.WebhookURL != ""
}

func buildDSN() string {
	return "host=" + getEnv("DB_HOST", "localhost") +
		" port=" + getEnv("DB_PORT", "5432") +
		" user=" + getEnv("DB_USER", "backoffice") +
		" password=" + getEnv("DB_PASSWORD", "backoffice") +
		" dbname=" + getEnv("DB_NAME", "backoffice") +
		" sslmode=" + getEnv("DB_SSLMODE", "disable")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
