// Package config loads the orchestrator's recognized option set
// (spec.md §6) from YAML, applying defaults before the file is merged
// in, the way cmd/.../apply.go parses resource YAML in the teacher.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/forgebay/runnerd/pkg/errors"
	"gopkg.in/yaml.v3"
)

// IntakeConfig configures the webhook intake (C1).
type IntakeConfig struct {
	SignatureSecret string        `yaml:"signature_secret"`
	DedupTTL        time.Duration `yaml:"dedup_ttl"`
}

// RetryConfig configures a single queue's backoff policy.
type RetryConfig struct {
	BaseMS    int64   `yaml:"base_ms"`
	Factor    float64 `yaml:"factor"`
	CapMS     int64   `yaml:"cap_ms"`
	JitterMin float64 `yaml:"jitter_min"`
	JitterMax float64 `yaml:"jitter_max"`
}

// QueueConfig configures one named queue.
type QueueConfig struct {
	ConcurrencyLimit int           `yaml:"concurrency_limit"`
	RateLimit        float64       `yaml:"rate_limit"`
	RetentionWindow  time.Duration `yaml:"retention_window"`
	DeadLetterName   string        `yaml:"dead_letter_name"`
	Retry            RetryConfig   `yaml:"retry"`
	Weight           int           `yaml:"weight"`
}

// PoolConfig configures one (repository, profile) runner pool.
type PoolConfig struct {
	Min       int  `yaml:"min"`
	Max       int  `yaml:"max"`
	Ephemeral bool `yaml:"ephemeral"`
}

// ScalerConfig configures the auto-scaler (C7).
type ScalerConfig struct {
	UpThreshold     float64       `yaml:"up_threshold"`
	DownThreshold   float64       `yaml:"down_threshold"`
	TargetPressure  float64       `yaml:"target_pressure"`
	CooldownUp      time.Duration `yaml:"cooldown_up"`
	CooldownDown    time.Duration `yaml:"cooldown_down"`
	EvaluateEvery   time.Duration `yaml:"evaluate_every"`
}

// ContainerConfig configures the container orchestrator's monitoring
// loop and security defaults (C6).
type ContainerConfig struct {
	MonitoringInterval time.Duration `yaml:"monitoring_interval"`
	AlertCPU           float64       `yaml:"alert_cpu"`
	AlertMemory        float64       `yaml:"alert_memory"`
	AlertResponse      time.Duration `yaml:"alert_response"`
	AllowedImages      []string      `yaml:"allowed_images"`
	AllowedBindPaths   []string      `yaml:"allowed_bind_paths"`
}

// CleanupConfig configures the cleanup reaper (C8).
type CleanupConfig struct {
	ContainerTTL     time.Duration `yaml:"container_ttl"`
	JobRetention     time.Duration `yaml:"job_retention"`
	MetricsRetention time.Duration `yaml:"metrics_retention"`
	PoolIdleTTL      time.Duration `yaml:"pool_idle_ttl"`
	Interval         time.Duration `yaml:"interval"`
}

// ScannerConfig configures the secret scanner (C9).
type ScannerConfig struct {
	Patterns []string `yaml:"patterns"`
}

// ControlConfig configures the orchestrator control loop (C10).
type ControlConfig struct {
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AutoRestart     bool          `yaml:"auto_restart"`
	HealthAddr      string        `yaml:"health_addr"`
	DataDir         string        `yaml:"data_dir"`
	NodeID          string        `yaml:"node_id"`
	RaftBindAddr    string        `yaml:"raft_bind_addr"`

	// TLSCertFile/TLSKeyFile optionally terminate the grpc_health_v1
	// endpoint in TLS for remote supervisors. Both empty disables TLS.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
}

// ResourceProfileSpec is the YAML form of a types.ResourceProfile.
type ResourceProfileSpec struct {
	Name        string `yaml:"name"`
	CPUShares   int64  `yaml:"cpu_shares"`
	MemoryBytes int64  `yaml:"memory_bytes"`
	GPUCount    int    `yaml:"gpu_count"`
	Image       string `yaml:"image"`
}

// CapabilityRuleSpec maps a requested label to a resource profile and queue.
type CapabilityRuleSpec struct {
	Label   string               `yaml:"label"`
	Profile ResourceProfileSpec  `yaml:"profile"`
	Queue   string               `yaml:"queue"`
}

// RepoRuleSpec maps a repository name regexp to a resource profile and queue.
type RepoRuleSpec struct {
	Pattern string              `yaml:"pattern"`
	Profile ResourceProfileSpec `yaml:"profile"`
	Queue   string              `yaml:"queue"`
}

// RouterConfig configures Job classification (C4): the capability and
// repository rule tables are evaluated in order before falling back to
// DefaultProfile/DefaultQueue.
type RouterConfig struct {
	Capabilities   []CapabilityRuleSpec `yaml:"capabilities"`
	RepoRules      []RepoRuleSpec       `yaml:"repo_rules"`
	DefaultProfile ResourceProfileSpec  `yaml:"default_profile"`
	DefaultQueue   string               `yaml:"default_queue"`
	RepoTiers      map[string]string    `yaml:"repo_tiers"`
}

// Config is the full recognized option set.
type Config struct {
	Intake    IntakeConfig           `yaml:"intake"`
	Queues    map[string]QueueConfig `yaml:"queues"`
	Pools     map[string]PoolConfig  `yaml:"pool"`
	Router    RouterConfig           `yaml:"router"`
	Scaler    ScalerConfig           `yaml:"scaler"`
	Container ContainerConfig        `yaml:"container"`
	Cleanup   CleanupConfig          `yaml:"cleanup"`
	Scanner   ScannerConfig          `yaml:"scanner"`
	Control   ControlConfig          `yaml:"control"`
}

// Default returns a Config with every option set to its documented
// default (spec.md §6).
func Default() *Config {
	return &Config{
		Intake: IntakeConfig{
			DedupTTL: 24 * time.Hour,
		},
		Queues: map[string]QueueConfig{
			"default": {
				ConcurrencyLimit: 10,
				RateLimit:        50,
				RetentionWindow:  24 * time.Hour,
				DeadLetterName:   "default-dlq",
				Retry: RetryConfig{
					BaseMS: 1000, Factor: 2, CapMS: 10000,
					JitterMin: 0.5, JitterMax: 1.5,
				},
				Weight: 1,
			},
		},
		Pools: map[string]PoolConfig{},
		Router: RouterConfig{
			DefaultProfile: ResourceProfileSpec{
				Name: "default", CPUShares: 1024, MemoryBytes: 2 << 30,
				Image: "ghcr.io/forgebay/runner:latest",
			},
			DefaultQueue: "default",
		},
		Scaler: ScalerConfig{
			UpThreshold:    0.8,
			DownThreshold:  0.2,
			TargetPressure: 1.0,
			CooldownUp:     30 * time.Second,
			CooldownDown:   2 * time.Minute,
			EvaluateEvery:  30 * time.Second,
		},
		Container: ContainerConfig{
			MonitoringInterval: 20 * time.Second,
			AlertCPU:           80,
			AlertMemory:        85,
			AlertResponse:      5 * time.Second,
		},
		Cleanup: CleanupConfig{
			ContainerTTL:     10 * time.Minute,
			JobRetention:     7 * 24 * time.Hour,
			MetricsRetention: 24 * time.Hour,
			PoolIdleTTL:      30 * time.Minute,
			Interval:         time.Minute,
		},
		Scanner: ScannerConfig{
			Patterns: []string{"github_token", "aws_key", "private_key", "generic_secret_assignment"},
		},
		Control: ControlConfig{
			ShutdownTimeout: 30 * time.Second,
			AutoRestart:     true,
			HealthAddr:      ":9090",
			DataDir:         "/var/lib/runnerd",
			NodeID:          "node-1",
			RaftBindAddr:    "127.0.0.1:9091",
		},
	}
}

// Load reads a YAML file at path, merging it over Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects structurally invalid configuration.
func (c *Config) Validate() error {
	if c.Control.ShutdownTimeout <= 0 {
		return errors.Validationf("control.shutdown_timeout must be positive")
	}
	for name, q := range c.Queues {
		if name == "" {
			return errors.Validationf("queue name must not be empty")
		}
		if q.ConcurrencyLimit <= 0 {
			return errors.Validationf("queue %q: concurrency_limit must be positive", name)
		}
		if q.Retry.Factor < 1 {
			return errors.Validationf("queue %q: retry.factor must be >= 1", name)
		}
		if q.Retry.JitterMin <= 0 || q.Retry.JitterMax < q.Retry.JitterMin {
			return errors.Validationf("queue %q: retry jitter range invalid", name)
		}
	}
	for key, p := range c.Pools {
		if p.Min > p.Max {
			return errors.Validationf("pool %q: min must be <= max", key)
		}
	}
	if c.Scaler.UpThreshold <= c.Scaler.DownThreshold {
		return errors.Validationf("scaler.up_threshold must be greater than down_threshold")
	}
	return nil
}
