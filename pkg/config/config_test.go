package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runnerd.yaml")
	body := `
intake:
  signature_secret: s3cr3t
queues:
  default:
    concurrency_limit: 25
    retry:
      base_ms: 1000
      factor: 2
      cap_ms: 10000
      jitter_min: 0.5
      jitter_max: 1.5
pool:
  "acme/web|default":
    min: 1
    max: 5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "s3cr3t", cfg.Intake.SignatureSecret)
	assert.Equal(t, 25, cfg.Queues["default"].ConcurrencyLimit)
	assert.Equal(t, 1, cfg.Pools["acme/web|default"].Min)
	assert.Equal(t, 5, cfg.Pools["acme/web|default"].Max)
	// untouched defaults survive the merge
	assert.Equal(t, 30*time.Second, cfg.Control.ShutdownTimeout)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "zero shutdown timeout",
			mutate:  func(c *Config) { c.Control.ShutdownTimeout = 0 },
			wantErr: "shutdown_timeout",
		},
		{
			name:    "negative concurrency",
			mutate:  func(c *Config) { c.Queues["default"] = QueueConfig{ConcurrencyLimit: 0, Retry: RetryConfig{Factor: 2, JitterMin: 0.5, JitterMax: 1.5}} },
			wantErr: "concurrency_limit",
		},
		{
			name:    "bad retry factor",
			wantErr: "retry.factor",
			mutate: func(c *Config) {
				q := c.Queues["default"]
				q.Retry.Factor = 0.5
				c.Queues["default"] = q
			},
		},
		{
			name:    "pool min greater than max",
			wantErr: "min must be <= max",
			mutate: func(c *Config) {
				c.Pools["k"] = PoolConfig{Min: 5, Max: 1}
			},
		},
		{
			name:    "scaler thresholds inverted",
			wantErr: "up_threshold",
			mutate: func(c *Config) {
				c.Scaler.UpThreshold = 0.1
				c.Scaler.DownThreshold = 0.9
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
