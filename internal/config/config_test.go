package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			IngestPort:              8090,
			DatabaseURL:             "postgres://localhost/telemetry",
			BatchSize:               100,
			WorkerConcurrency:       2,
			ExportWorkerConcurrency: 2,
		}
	}

	t.Run("valid config passes", func(t *testing.T) {
		cfg := base()
		require.NoError(t, cfg.Validate())
	})

	t.Run("rejects missing database url", func(t *testing.T) {
		cfg := base()
		cfg.DatabaseURL = ""
		require.Error(t, cfg.Validate())
	})

	t.Run("rejects non-positive batch size", func(t *testing.T) {
		cfg := base()
		cfg.BatchSize = 0
		require.Error(t, cfg.Validate())
	})

	t.Run("rejects out-of-range port", func(t *testing.T) {
		cfg := base()
		cfg.IngestPort = 70000
		require.Error(t, cfg.Validate())
	})
}
