package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("DB_PASSWORD", "test-password")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "nexus_metering", cfg.Database.Database)
	assert.Equal(t, "stripe-webhook-secret", cfg.Billing.WebhookSigningSecret)
	assert.Equal(t, "15 0 * * *", cfg.Billing.AggregationSchedule)
	assert.Equal(t, "*/15 * * * *", cfg.Billing.IntradaySchedule)
	assert.Equal(t, 30*time.Second, cfg.Billing.SyncTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Billing.LeaseTTL)
	assert.Equal(t, 90, cfg.Metering.RetentionDays)
	assert.Equal(t, 2*time.Second, cfg.Metering.EmitTimeout)
	assert.Equal(t, 10000, cfg.Metering.SweepBatchSize)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("DB_PASSWORD", "test-password")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("BILLING_AGGREGATION_SCHEDULE", "0 2 * * *")
	t.Setenv("USAGE_RETENTION_DAYS", "30")
	t.Setenv("USAGE_EMIT_TIMEOUT", "500ms")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0 2 * * *", cfg.Billing.AggregationSchedule)
	assert.Equal(t, 30, cfg.Metering.RetentionDays)
	assert.Equal(t, 500*time.Millisecond, cfg.Metering.EmitTimeout)
}

func TestLoadConfig_RequiresDBPassword(t *testing.T) {
	t.Setenv("DB_PASSWORD", "")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfig_RejectsNonPositiveRetention(t *testing.T) {
	t.Setenv("DB_PASSWORD", "test-password")
	t.Setenv("USAGE_RETENTION_DAYS", "-1")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestGetEnvAsInt_IgnoresGarbage(t *testing.T) {
	t.Setenv("SOME_INT", "not-a-number")
	assert.Equal(t, 42, getEnvAsInt("SOME_INT", 42))
}

func TestGetEnvAsDuration_IgnoresGarbage(t *testing.T) {
	t.Setenv("SOME_DURATION", "soon")
	assert.Equal(t, time.Minute, getEnvAsDuration("SOME_DURATION", "1m"))
}
