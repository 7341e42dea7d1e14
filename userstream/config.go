// CLAUDE:SUMMARY Configuration for the user registry service — store URL, signing seed, registry stream, chunking and merge key.
package userstream

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the userstream configuration.
type Config struct {
	// StoreURL is the base URL of the stream store API.
	StoreURL string `json:"store_url" yaml:"store_url"`

	// Seed is the hex Ed25519 seed the service signs commits with.
	Seed string `json:"seed" yaml:"seed"`

	// StreamID is the registry stream. Empty: a stream is created on the
	// first publish.
	StreamID string `json:"stream_id" yaml:"stream_id"`

	// Datasets maps companion dataset names to their stream ids.
	Datasets map[string]string `json:"datasets" yaml:"datasets"`

	// ChunkSize is the number of users per commit. Default: 250.
	ChunkSize int `json:"chunk_size" yaml:"chunk_size"`

	// Family tags the streams this service creates. Default: "user-registry".
	Family string `json:"family" yaml:"family"`

	// MergeKey is the secondary key used by Merge. Default: "wallet_address".
	MergeKey string `json:"merge_key" yaml:"merge_key"`

	// Timeout bounds each store request. Default: 30s.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// BreakerThreshold is the number of consecutive store failures that
	// open the circuit. Default: 5.
	BreakerThreshold int `json:"breaker_threshold" yaml:"breaker_threshold"`

	// MaxCommitBytes bounds the patch of a single rewrite commit. A larger
	// rewrite truncates the user list to its unchanged prefix and appends
	// the rest in chunks. Default: 1 MiB.
	MaxCommitBytes int `json:"max_commit_bytes" yaml:"max_commit_bytes"`

	// AuditDB is the SQLite file recording registry mutations. Empty
	// disables the audit trail.
	AuditDB string `json:"audit_db" yaml:"audit_db"`
}

func (c *Config) defaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 250
	}
	if c.Family == "" {
		c.Family = "user-registry"
	}
	if c.MergeKey == "" {
		c.MergeKey = "wallet_address"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.MaxCommitBytes <= 0 {
		c.MaxCommitBytes = 1 << 20
	}
	if c.Datasets == nil {
		c.Datasets = make(map[string]string)
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
