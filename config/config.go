// Package config loads and validates connector runtime configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for both Go duration
// strings ("30s") and bare integers interpreted as seconds.
type Duration time.Duration

// UnmarshalYAML parses a duration scalar.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil || strings.TrimSpace(node.Value) == "" {
		*d = 0
		return nil
	}
	text := strings.TrimSpace(node.Value)
	if parsed, err := time.ParseDuration(text); err == nil {
		*d = Duration(parsed)
		return nil
	}
	var seconds int64
	if _, err := fmt.Sscanf(text, "%d", &seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration %q", node.Value)
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Connector holds the venue connector settings.
type Connector struct {
	Name                string   `yaml:"name"`
	Venue               string   `yaml:"venue"`
	APIKey              string   `yaml:"apiKey"`
	APISecret           string   `yaml:"apiSecret"`
	Tier                string   `yaml:"tier"`
	HTTPTimeout         Duration `yaml:"httpTimeout"`
	RetryAttempts       int      `yaml:"retryAttempts"`
	RetryBaseInterval   Duration `yaml:"retryBaseInterval"`
	StatusPollInterval  Duration `yaml:"statusPollInterval"`
	BalancePollInterval Duration `yaml:"balancePollInterval"`
	PairRefreshInterval Duration `yaml:"pairRefreshInterval"`
	TradingPairs        []string `yaml:"tradingPairs"`
}

// File is the configuration tree loaded from disk.
type File struct {
	Connector Connector `yaml:"connector"`
}

// Load reads and validates the configuration file at path. Credentials
// left empty in the file fall back to KRAKEN_API_KEY / KRAKEN_API_SECRET.
func Load(path string) (File, error) {
	var cfg File
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyEnvFallbacks(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func applyEnvFallbacks(cfg *File) {
	if strings.TrimSpace(cfg.Connector.APIKey) == "" {
		cfg.Connector.APIKey = strings.TrimSpace(os.Getenv("KRAKEN_API_KEY"))
	}
	if strings.TrimSpace(cfg.Connector.APISecret) == "" {
		cfg.Connector.APISecret = strings.TrimSpace(os.Getenv("KRAKEN_API_SECRET"))
	}
}

// Validate checks structural invariants that cannot wait until dial time.
func (f File) Validate() error {
	c := f.Connector
	if strings.TrimSpace(c.Venue) == "" {
		return fmt.Errorf("connector.venue required")
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("connector.retryAttempts must not be negative")
	}
	if (c.APIKey == "") != (c.APISecret == "") {
		return fmt.Errorf("connector.apiKey and connector.apiSecret must be set together")
	}
	for _, pair := range c.TradingPairs {
		if !strings.Contains(pair, "-") {
			return fmt.Errorf("trading pair %q must use BASE-QUOTE form", pair)
		}
	}
	return nil
}
