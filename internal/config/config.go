// Package config loads Xbus's orchestrator settings from YAML, applying
// defaults for anything left unset.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the orchestrator's top-level configuration.
type Config struct {
	Debug bool `yaml:"debug"`

	ListenAddr string `yaml:"listen_addr"`
	SelfURI    string `yaml:"self_uri"`
	FrontURI   string `yaml:"front_uri"`

	TokenTTLSeconds int `yaml:"token_ttl_seconds"`

	Timeouts TimeoutsConfig `yaml:"timeouts"`

	SessionDir  string `yaml:"session_dir"`
	MetadataDir string `yaml:"metadata_dir"`
	StateLogDir string `yaml:"statelog_dir"`

	// Provision lists YAML files (glob patterns allowed) seeding the
	// metadata store with roles, event types, node graphs and consumer
	// roles (see ProvisionFile and LoadProvisionFiles).
	Provision []string `yaml:"provision"`
}

// TimeoutsConfig holds the four per-phase watchdog durations, in seconds.
type TimeoutsConfig struct {
	StartEventSeconds  int `yaml:"start_event_seconds"`
	SendItemSeconds    int `yaml:"send_item_seconds"`
	EndEventSeconds    int `yaml:"end_event_seconds"`
	EndEnvelopeSeconds int `yaml:"end_envelope_seconds"`
}

// Load reads and defaults the orchestrator configuration.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied, used
// when no config file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":9700"
	}
	if c.SelfURI == "" {
		c.SelfURI = "localhost" + c.ListenAddr
	}
	if c.TokenTTLSeconds == 0 {
		c.TokenTTLSeconds = 8 * 60 * 60
	}
	if c.Timeouts.StartEventSeconds == 0 {
		c.Timeouts.StartEventSeconds = 30
	}
	if c.Timeouts.SendItemSeconds == 0 {
		c.Timeouts.SendItemSeconds = 30
	}
	if c.Timeouts.EndEventSeconds == 0 {
		c.Timeouts.EndEventSeconds = 30
	}
	if c.Timeouts.EndEnvelopeSeconds == 0 {
		c.Timeouts.EndEnvelopeSeconds = 30
	}
	if c.SessionDir == "" {
		c.SessionDir = "data/session"
	}
	if c.MetadataDir == "" {
		c.MetadataDir = "data/metadata"
	}
	if c.StateLogDir == "" {
		c.StateLogDir = "data/statelog"
	}
}

// TokenTTL returns the configured token lifetime as a duration.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLSeconds) * time.Second
}

// Durations converts the seconds-based config into durations.
func (t TimeoutsConfig) Durations() (start, send, end, endEnvelope time.Duration) {
	return time.Duration(t.StartEventSeconds) * time.Second,
		time.Duration(t.SendItemSeconds) * time.Second,
		time.Duration(t.EndEventSeconds) * time.Second,
		time.Duration(t.EndEnvelopeSeconds) * time.Second
}

// ProvisionFile is one YAML document seeding the metadata store:
// roles, event types, and per-type node graphs. Multiple documents in
// one file (separated by "---") are all applied.
type ProvisionFile struct {
	Roles         []ProvisionRole         `yaml:"roles,omitempty"`
	EventTypes    []ProvisionEventType    `yaml:"event_types,omitempty"`
	NodeGraphs    []ProvisionNodeGraph    `yaml:"node_graphs,omitempty"`
	ConsumerRoles []ProvisionConsumerRole `yaml:"consumer_roles,omitempty"`
}

// ProvisionConsumerRole seeds the full set of roles configured for a
// consumer service, whether or not currently ready.
type ProvisionConsumerRole struct {
	ServiceID string   `yaml:"service_id"`
	RoleIDs   []string `yaml:"role_ids"`
}

// ProvisionRole seeds one role into the metadata store. PasswordHash
// must already be a bcrypt hash (see internal/security).
type ProvisionRole struct {
	ID           string `yaml:"id"`
	Login        string `yaml:"login"`
	PasswordHash string `yaml:"password_hash"`
	ServiceID    string `yaml:"service_id"`
}

// ProvisionEventType seeds one event type name/id pair.
type ProvisionEventType struct {
	Name string `yaml:"name"`
	ID   string `yaml:"id"`
}

// ProvisionNodeGraph seeds the node-graph rows for one event type.
type ProvisionNodeGraph struct {
	TypeID string               `yaml:"type_id"`
	Nodes  []ProvisionGraphNode `yaml:"nodes"`
}

// ProvisionGraphNode is one row of a node-graph table.
type ProvisionGraphNode struct {
	NodeID    string   `yaml:"node_id"`
	ServiceID string   `yaml:"service_id"`
	IsStart   bool     `yaml:"is_start"`
	ChildIDs  []string `yaml:"child_ids,omitempty"`
}

// LoadProvisionFiles reads every configured provision file, expanding
// glob patterns and decoding each file as a stream of YAML documents.
func LoadProvisionFiles(patterns []string) ([]ProvisionFile, error) {
	var files []ProvisionFile
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid glob pattern %s: %w", pattern, err)
		}
		for _, path := range matches {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read provision file %s: %w", path, err)
			}
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			for {
				var doc ProvisionFile
				if err := decoder.Decode(&doc); err != nil {
					break
				}
				files = append(files, doc)
			}
		}
	}
	return files, nil
}
