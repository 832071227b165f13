// Package config handles dispatcher-service configuration loading and
// validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (ICMPBATCH_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	dispatcher:
//	  worker_binary: /usr/local/bin/probeworker
//	  max_batch_size: 64
//	  timeout: 50ms
//	  max_queue_size: 32
//
//	tiers:
//	  infrastructure:
//	    probe_type: icmp_ping
//	    probe_interval: 5s
//	    probe_timeout: 2s
//	    probe_retries: 1
//
//	storage:
//	  redis_url: redis://localhost:6379/0
//	  postgres_dsn: postgres://icmpbatch@localhost/icmpbatch
//
//	secrets:
//	  backend: auto
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete dispatcher-service configuration.
type Config struct {
	Dispatcher DispatcherConfig      `yaml:"dispatcher"`
	Tiers      map[string]TierConfig `yaml:"tiers"`
	Storage    StorageConfig         `yaml:"storage"`
	Secrets    SecretsConfig         `yaml:"secrets"`
}

// DispatcherConfig configures the batching dispatcher(s) fronting the
// probeworker subprocesses. One Dispatcher is created per distinct
// probe type a tier references.
type DispatcherConfig struct {
	WorkerBinary     string            `yaml:"worker_binary"`
	MaxBatchSize     int               `yaml:"max_batch_size"`
	Timeout          time.Duration     `yaml:"timeout"`
	MaxQueueSize     int               `yaml:"max_queue_size"`
	WorkerInitKwargs map[string]string `yaml:"worker_init_kwargs,omitempty"`

	// FpingPath/MTRPath are forwarded to the probeworker binary as flags.
	FpingPath string `yaml:"fping_path,omitempty"`
	MTRPath   string `yaml:"mtr_path,omitempty"`
}

// TierConfig defines the probing policy and target list for one tier.
type TierConfig struct {
	ProbeType     string        `yaml:"probe_type"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	ProbeRetries  int           `yaml:"probe_retries"`

	// BulkSweep, when true, submits the tier's whole target list as one
	// SubmitBulk call each tick instead of one SubmitOne call per target.
	BulkSweep bool `yaml:"bulk_sweep,omitempty"`

	// Targets is the tier's static target list (no remote control-plane
	// assignment sync in this build; see DESIGN.md).
	Targets []TargetConfig `yaml:"targets,omitempty"`
}

// TargetConfig is one statically configured probe target.
type TargetConfig struct {
	ID string `yaml:"id"`
	IP string `yaml:"ip"`
}

// StorageConfig points at the result-storage backends.
type StorageConfig struct {
	RedisURL    string `yaml:"redis_url"`
	PostgresDSN string `yaml:"postgres_dsn"`

	ResultBatchSize int           `yaml:"result_batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

// SecretsConfig selects the secrets backend used to resolve Storage DSNs
// that are left blank. WorkerInitKwargs values are not resolved through it.
type SecretsConfig struct {
	Backend          string `yaml:"backend"` // "1password", "local", or "auto"
	OnePasswordVault string `yaml:"onepassword_vault,omitempty"`
	LocalKeyDir      string `yaml:"local_key_dir,omitempty"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Dispatcher: DispatcherConfig{
			MaxBatchSize: 32,
			Timeout:      50 * time.Millisecond,
			MaxQueueSize: 32,
		},
		Tiers: map[string]TierConfig{
			"standard": {
				ProbeType:     "icmp_ping",
				ProbeInterval: 30 * time.Second,
				ProbeTimeout:  5 * time.Second,
			},
		},
		Storage: StorageConfig{
			ResultBatchSize: 1000,
			FlushInterval:   2 * time.Second,
		},
		Secrets: SecretsConfig{
			Backend: "auto",
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Dispatcher.WorkerBinary == "" {
		return fmt.Errorf("dispatcher.worker_binary is required")
	}
	if len(c.Tiers) == 0 {
		return fmt.Errorf("at least one tier must be configured")
	}
	for name, tier := range c.Tiers {
		if tier.ProbeType == "" {
			return fmt.Errorf("tier %q: probe_type is required", name)
		}
		if tier.ProbeInterval <= 0 {
			return fmt.Errorf("tier %q: probe_interval must be positive", name)
		}
		if tier.ProbeTimeout <= 0 {
			return fmt.Errorf("tier %q: probe_timeout must be positive", name)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the ICMPBATCH_ prefix:
//   - ICMPBATCH_WORKER_BINARY
//   - ICMPBATCH_REDIS_URL
//   - ICMPBATCH_POSTGRES_DSN
//   - ICMPBATCH_WORKER_INIT_KWARGS (JSON object)
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("ICMPBATCH_WORKER_BINARY"); v != "" {
		c.Dispatcher.WorkerBinary = v
	}
	if v := os.Getenv("ICMPBATCH_REDIS_URL"); v != "" {
		c.Storage.RedisURL = v
	}
	if v := os.Getenv("ICMPBATCH_POSTGRES_DSN"); v != "" {
		c.Storage.PostgresDSN = v
	}
	if v := os.Getenv("ICMPBATCH_WORKER_INIT_KWARGS"); v != "" {
		var kwargs map[string]string
		if err := json.Unmarshal([]byte(v), &kwargs); err == nil {
			if c.Dispatcher.WorkerInitKwargs == nil {
				c.Dispatcher.WorkerInitKwargs = make(map[string]string)
			}
			for k, val := range kwargs {
				c.Dispatcher.WorkerInitKwargs[k] = val
			}
		}
	}
}

// ProbeTypes returns the distinct probe types referenced by the configured
// tiers, in no particular order (Tiers is a map) - the set of worker
// subprocess flavors the service needs to fork a Dispatcher for.
func (c *Config) ProbeTypes() []string {
	seen := make(map[string]bool, len(c.Tiers))
	var out []string
	for _, tier := range c.Tiers {
		if tier.ProbeType == "" || seen[tier.ProbeType] {
			continue
		}
		seen[tier.ProbeType] = true
		out = append(out, tier.ProbeType)
	}
	return out
}
