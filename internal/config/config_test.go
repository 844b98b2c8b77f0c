package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://localhost/points")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, StoragePostgres, cfg.Storage)
	assert.Equal(t, BrokerNone, cfg.Events.Broker)
	assert.Equal(t, 24*time.Hour, cfg.Sweep.Interval)
	assert.Equal(t, 500, cfg.Sweep.BatchSize)
	assert.Equal(t, 5, cfg.RetryAttempts)
	assert.EqualValues(t, 20, cfg.MaxConns)
}

func TestLoadRequiresDBSourceForPostgres(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	t.Setenv("STORAGE", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_SOURCE")

	t.Setenv("STORAGE", StorageMemory)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StorageMemory, cfg.Storage)
}

func TestLoadRejectsMemoryStorageInProduction(t *testing.T) {
	t.Setenv("STORAGE", StorageMemory)
	t.Setenv("ENVIRONMENT", "production")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORAGE=memory")

	t.Setenv("ENVIRONMENT", "staging")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Env)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORAGE", StorageMemory)
	t.Setenv("EVENTS_BROKER", BrokerKafka)
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("SWEEP_INTERVAL", "90m")
	t.Setenv("SWEEP_CONCURRENCY", "3")
	t.Setenv("LOCK_TIMEOUT", "500ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Events.KafkaBrokers)
	assert.Equal(t, 90*time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, 3, cfg.Sweep.Concurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.LockTimeout)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := map[string]string{
		"STORAGE":          "sqlite",
		"EVENTS_BROKER":    "nats",
		"SWEEP_INTERVAL":   "daily",
		"SWEEP_BATCH_SIZE": "lots",
		"RETRY_ATTEMPTS":   "0",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv("DB_SOURCE", "postgres://localhost/points")
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
