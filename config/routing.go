package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml files can say "60s" or "10m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// RoutingConfig is the hot-reloadable routing surface: backend topology,
// fallback chains, strategy and circuit/retry/batch tuning. Reloaded on
// SIGHUP or POST /admin/reload; a file that fails validation leaves the
// running configuration untouched.
type RoutingConfig struct {
	Strategy string          `yaml:"strategy"`
	Circuit  CircuitConfig   `yaml:"circuit"`
	Retry    RetryConfig     `yaml:"retry"`
	Batch    BatchConfig     `yaml:"batch"`
	Backends []BackendConfig `yaml:"backends"`
	// Chains maps a logical model to its ordered fallback chain of
	// backend ids.
	Chains map[string][]string `yaml:"chains"`
}

type CircuitConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"` // default: 5
	FailureWindow    Duration `yaml:"failure_window"`    // default: 60s
	Cooldown         Duration `yaml:"cooldown"`          // default: 60s
	MaxCooldown      Duration `yaml:"max_cooldown"`      // default: 10m
}

type RetryConfig struct {
	MaxRetries int      `yaml:"max_retries"` // default: 3
	BaseDelay  Duration `yaml:"base_delay"`  // default: 1s
	MaxDelay   Duration `yaml:"max_delay"`   // default: 30s
}

type BatchConfig struct {
	CompletionWindow Duration `yaml:"completion_window"` // default: 24h
	PollInterval     Duration `yaml:"poll_interval"`     // default: 5m
	Concurrency      int      `yaml:"concurrency"`       // default: 4
	Discount         float64  `yaml:"discount"`          // default: 0.5
}

type BackendConfig struct {
	ID       string `yaml:"id"`
	Model    string `yaml:"model"`
	Kind     string `yaml:"kind"` // "remote" or "local-pool"
	Endpoint string `yaml:"endpoint"`
	// APIKeyEnv names the environment variable holding the backend's
	// credential, so the routing file itself never carries secrets.
	APIKeyEnv string  `yaml:"api_key_env"`
	Weight    float64 `yaml:"weight"`
	RPM       int     `yaml:"rpm"`
	TPM       int     `yaml:"tpm"`

	// Pricing, dollars per million tokens.
	InputCostPerM  float64 `yaml:"input_cost_per_m"`
	OutputCostPerM float64 `yaml:"output_cost_per_m"`

	// Local pool tuning, only meaningful for kind "local-pool".
	MaxBatchSize int      `yaml:"max_batch_size"`
	MaxWait      Duration `yaml:"max_wait"`
	QueueLimit   int      `yaml:"queue_limit"`
	Capacity     int      `yaml:"capacity"`
}

// APIKey resolves the backend credential from the environment.
func (b BackendConfig) APIKey() string {
	if b.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(b.APIKeyEnv)
}

// LoadRouting parses and structurally validates a routing file. Per-entry
// backend validation (and partial acceptance of valid entries) happens at
// registry reload; this only rejects files the registry could not work
// with at all.
func LoadRouting(path string) (*RoutingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing config: %w", err)
	}
	return ParseRouting(data)
}

func ParseRouting(data []byte) (*RoutingConfig, error) {
	var cfg RoutingConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse routing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *RoutingConfig) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("routing config declares no backends")
	}

	ids := make(map[string]struct{}, len(c.Backends))
	for _, b := range c.Backends {
		if b.ID != "" {
			ids[b.ID] = struct{}{}
		}
	}
	for model, chain := range c.Chains {
		if len(chain) == 0 {
			return fmt.Errorf("chain for model %q is empty", model)
		}
		for _, id := range chain {
			if _, ok := ids[id]; !ok {
				return fmt.Errorf("chain for model %q references unknown backend %q", model, id)
			}
		}
	}

	if c.Circuit.FailureThreshold < 0 {
		return fmt.Errorf("circuit failure_threshold must not be negative")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry max_retries must not be negative")
	}
	if c.Batch.Discount < 0 || c.Batch.Discount > 1 {
		return fmt.Errorf("batch discount must be within [0, 1]")
	}
	return nil
}
