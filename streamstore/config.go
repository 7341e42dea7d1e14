// CLAUDE:SUMMARY Configuration for the reference stream store — listen address, DB path, body cap, signature checks, rate limits.
package streamstore

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/streamreg/shield"
)

// Config holds the stream store configuration.
type Config struct {
	Listen string `json:"listen" yaml:"listen"`
	DBPath string `json:"db_path" yaml:"db_path"`

	// MaxBodyBytes caps request bodies. Default: 4 MiB.
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`

	// SkipVerify accepts envelopes without checking their signatures.
	// Meant for local experiments only.
	SkipVerify bool `json:"skip_verify" yaml:"skip_verify"`

	// RateLimits maps "METHOD /segment" endpoints (e.g. "POST /commits")
	// to per-client limits. Empty: no limits.
	RateLimits map[string]shield.RateLimit `json:"rate_limits" yaml:"rate_limits"`
}

func (c *Config) defaults() {
	if c.Listen == "" {
		c.Listen = ":8707"
	}
	if c.DBPath == "" {
		c.DBPath = "streams.db"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 4 << 20
	}
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
