package config_test

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-delivery/pushdelivery/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpdateConfigWithEnvOverrides(t *testing.T) {
	logger := newTestLogger()

	baseConfig := func() *config.Config {
		return &config.Config{
			ProjectID:          "base-project",
			ListenAddr:         ":8080",
			SubscriptionID:     "base-sub",
			NumPipelineWorkers: 2,
			Delivery: config.DeliveryConfig{
				Expiry:            48 * time.Hour,
				DefaultMaxRetries: 6,
			},
			Sweep: config.SweepConfig{
				Interval:  30 * time.Second,
				BatchSize: 50,
			},
		}
	}

	t.Run("Success - All overrides applied", func(t *testing.T) {
		cfg := baseConfig()

		t.Setenv("PROJECT_ID", "env-project")
		t.Setenv("PORT", "9090")
		t.Setenv("SUBSCRIPTION_ID", "env-sub")
		t.Setenv("REDIS_ADDR", "env-redis:6379")
		t.Setenv("DELIVERY_EXPIRY_HOURS", "12")
		t.Setenv("DELIVERY_MAX_RETRIES", "3")
		t.Setenv("SWEEP_INTERVAL_SECONDS", "15")
		t.Setenv("SWEEP_BATCH_SIZE", "25")

		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)

		assert.Equal(t, "env-project", finalCfg.ProjectID)
		assert.Equal(t, ":9090", finalCfg.ListenAddr)
		assert.Equal(t, "env-sub", finalCfg.SubscriptionID)

		assert.True(t, finalCfg.Redis.Enabled)
		assert.Equal(t, "env-redis:6379", finalCfg.Redis.Addr)

		assert.Equal(t, 12*time.Hour, finalCfg.Delivery.Expiry)
		assert.Equal(t, 3, finalCfg.Delivery.DefaultMaxRetries)
		assert.Equal(t, 15*time.Second, finalCfg.Sweep.Interval)
		assert.Equal(t, 25, finalCfg.Sweep.BatchSize)
	})

	t.Run("Success - Defaults preserved", func(t *testing.T) {
		cfg := baseConfig()
		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)

		assert.Equal(t, "base-project", finalCfg.ProjectID)
		assert.Equal(t, 48*time.Hour, finalCfg.Delivery.Expiry)
		assert.Equal(t, 30*time.Second, finalCfg.Sweep.Interval)
	})

	t.Run("Success - Zero-value policy fields get defaults", func(t *testing.T) {
		cfg := &config.Config{
			ProjectID:      "project",
			SubscriptionID: "sub",
		}
		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)

		assert.Equal(t, ":8080", finalCfg.ListenAddr)
		assert.Equal(t, 1, finalCfg.NumPipelineWorkers)
		assert.Equal(t, 24*time.Hour, finalCfg.Delivery.Expiry)
		assert.Equal(t, 4, finalCfg.Delivery.DefaultMaxRetries)
		assert.Equal(t, time.Minute, finalCfg.Sweep.Interval)
		assert.Equal(t, 100, finalCfg.Sweep.BatchSize)
		assert.NotNil(t, finalCfg.PubsubConsumerConfig)
	})

	t.Run("Validation Failure - Missing ProjectID", func(t *testing.T) {
		cfg := &config.Config{SubscriptionID: "sub"}
		os.Unsetenv("PROJECT_ID")
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})

	t.Run("Validation Failure - Missing SubscriptionID", func(t *testing.T) {
		cfg := &config.Config{ProjectID: "project"}
		os.Unsetenv("SUBSCRIPTION_ID")
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})
}
