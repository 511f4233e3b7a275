package llmstream

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed config/defaults.yaml
var defaultConfigYAML []byte

// Config is the library-level configuration surface: broker adapter selection
// and limits, plus the dispatch resilience knobs. Stream identifiers are
// always caller-supplied and never configured or generated here.
//
// Embedded defaults apply wherever a file omits a field; callers can also
// build a Config programmatically and skip YAML entirely.
type Config struct {
	Version    string           `yaml:"version"`
	Broker     BrokerConfig     `yaml:"broker"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// BrokerConfig configures the session broker.
type BrokerConfig struct {
	// Adapter selects the broker implementation ("memory" is built in)
	Adapter string `yaml:"adapter"`

	// MaxSessions is the concurrent-session ceiling
	MaxSessions int `yaml:"max_sessions"`

	// OrphanTTL bounds how long a subscriber-created session may wait for a
	// producer that never appears
	OrphanTTL time.Duration `yaml:"orphan_ttl"`
}

// ResilienceConfig configures the dispatch resilience layer.
type ResilienceConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     BackoffConfig `yaml:"backoff"`
	Bucket      BucketConfig  `yaml:"bucket"`
}

// BackoffConfig selects and tunes a backoff strategy.
type BackoffConfig struct {
	// Strategy selects the schedule
	// Values: "exponential", "linear"
	Strategy string        `yaml:"strategy"`
	Base     time.Duration `yaml:"base"`
	Max      time.Duration `yaml:"max"`
	Jitter   bool          `yaml:"jitter"`
}

// BucketConfig tunes the token-bucket limiter.
type BucketConfig struct {
	Capacity        float64 `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

// DefaultConfig returns the embedded default configuration.
func DefaultConfig() (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(defaultConfigYAML, &cfg); err != nil {
		return nil, fmt.Errorf("llmstream: failed to parse embedded defaults: %w", err)
	}
	return &cfg, nil
}

// LoadConfig reads a YAML config file, layering it over the embedded
// defaults. Fields absent from the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	cfg, err := DefaultConfig()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("llmstream: failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("llmstream: failed to parse config %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Broker.MaxSessions <= 0 {
		return fmt.Errorf("llmstream: broker.max_sessions must be positive, got %d", c.Broker.MaxSessions)
	}
	if c.Broker.OrphanTTL < 0 {
		return fmt.Errorf("llmstream: broker.orphan_ttl must not be negative, got %s", c.Broker.OrphanTTL)
	}
	if c.Resilience.MaxAttempts < 1 {
		return fmt.Errorf("llmstream: resilience.max_attempts must be at least 1, got %d", c.Resilience.MaxAttempts)
	}
	switch c.Resilience.Backoff.Strategy {
	case "exponential", "linear":
	default:
		return fmt.Errorf("llmstream: unknown backoff strategy %q", c.Resilience.Backoff.Strategy)
	}
	if c.Resilience.Bucket.Capacity <= 0 || c.Resilience.Bucket.RefillPerSecond <= 0 {
		return fmt.Errorf("llmstream: bucket capacity and refill rate must be positive")
	}
	return nil
}
