package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("CLERK_WEBHOOK_SECRET", "whsec_MfKQ9r8GKYqrTwjUPD8ILPZIo2LaLaSw")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, WebhookModeInline, cfg.Webhook.Mode)
	assert.Equal(t, 120, cfg.Webhook.RateLimit)
	assert.Equal(t, time.Minute, cfg.Webhook.RateWindow)
	assert.Equal(t, 3, cfg.Sync.MaxAttempts)
	assert.Equal(t, 8, cfg.Sync.DeliveryMaxAttempts)
	assert.Equal(t, 24*time.Hour, cfg.JWT.TTL)
	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.NATS.Enabled())
	assert.True(t, cfg.IsProduction())
	assert.Contains(t, cfg.DB.DSN, "dbname=backoffice")
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/bo?sslmode=disable")
	t.Setenv("SYNC_BASE_DELAY", "2")
	t.Setenv("WEBHOOK_RATE_WINDOW", "30s")
	t.Setenv("WEBHOOK_MODE", "JetStream")
	t.Setenv("NATS_URL", "nats://localhost:4222")
	t.Setenv("AUTO_MIGRATE", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@db:5432/bo?sslmode=disable", cfg.DB.DSN)
	assert.Equal(t, 2*time.Second, cfg.Sync.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Webhook.RateWindow)
	assert.Equal(t, WebhookModeJetStream, cfg.Webhook.Mode)
	assert.True(t, cfg.AutoMigrate)
}

func TestLoad_MissingRequired(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "jwt secret",
			env:  map[string]string{"JWT_SECRET": ""},
			want: "JWT_SECRET",
		},
		{
			name: "webhook secret",
			env:  map[string]string{"CLERK_WEBHOOK_SECRET": ""},
			want: "CLERK_WEBHOOK_SECRET",
		},
		{
			name: "jetstream without nats",
			env:  map[string]string{"WEBHOOK_MODE": "jetstream"},
			want: "NATS_URL",
		},
		{
			name: "zero throttle burst",
			env:  map[string]string{"WEBHOOK_THROTTLE_BURST": "0"},
			want: "WEBHOOK_THROTTLE_BURST",
		},
		{
			name: "negative throttle rate",
			env:  map[string]string{"WEBHOOK_THROTTLE_RPS": "-1"},
			want: "WEBHOOK_THROTTLE_RPS",
		},
		{
			name: "unknown mode",
			env:  map[string]string{"WEBHOOK_MODE": "kafka"},
			want: "WEBHOOK_MODE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
