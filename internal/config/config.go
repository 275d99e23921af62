// Package config loads the node configuration.
//
// Values are resolved in this order, later wins: built-in defaults, the YAML
// file, AGENCYSYNC_* environment variables. Command-line flags are applied by
// the caller on top of the result, which then calls Verify.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/agencysync/internal/watermark"
)

// Default configuration values.
const (
	DefaultInterval         = 5 * time.Minute
	DefaultTransportTimeout = 30 * time.Second
	DefaultTransportRetries = 3
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AGENCYSYNC_"

// Config is the configuration of one node.
type Config struct {
	NodeID    string          `yaml:"node_id"`
	AgencyID  *int64          `yaml:"agency_id"`
	Database  string          `yaml:"database"`
	LockDir   string          `yaml:"lock_dir"`
	BackupDir string          `yaml:"backup_dir"`
	Interval  time.Duration   `yaml:"interval"`
	Transport TransportConfig `yaml:"transport"`
	Peers     []PeerConfig    `yaml:"peers"`
}

// TransportConfig configures the directory transport.
type TransportConfig struct {
	Dir     string        `yaml:"dir"`
	Timeout time.Duration `yaml:"timeout"`
	Retries uint          `yaml:"retries"`
}

// PeerConfig describes one peer node.
type PeerConfig struct {
	NodeID          string `yaml:"node_id"`
	TargetAgency    *int64 `yaml:"target_agency"`
	IncludeAccounts bool   `yaml:"include_accounts"`
}

// Default returns a configuration holding only defaults.
func Default() *Config {
	return &Config{
		Interval: DefaultInterval,
		Transport: TransportConfig{
			Timeout: DefaultTransportTimeout,
			Retries: DefaultTransportRetries,
		},
	}
}

// Load reads path (if not empty) and applies environment overrides. The
// result is not verified.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if err := cfg.parse(data); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(env.ToMap(os.Environ())); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// parse decodes YAML over the current values. Unknown keys are rejected so a
// typo does not silently fall back to a default.
func (c *Config) parse(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// envOverrides holds the AGENCYSYNC_* variables. Unset variables stay nil and
// leave the file value alone.
type envOverrides struct {
	NodeID           *string        `env:"NODE_ID"`
	AgencyID         *int64         `env:"AGENCY_ID"`
	Database         *string        `env:"DATABASE"`
	LockDir          *string        `env:"LOCK_DIR"`
	BackupDir        *string        `env:"BACKUP_DIR"`
	Interval         *time.Duration `env:"INTERVAL"`
	TransportDir     *string        `env:"TRANSPORT_DIR"`
	TransportTimeout *time.Duration `env:"TRANSPORT_TIMEOUT"`
	TransportRetries *uint          `env:"TRANSPORT_RETRIES"`
}

func (c *Config) applyEnv(environ map[string]string) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	setIf(&c.NodeID, o.NodeID)
	setIf(&c.Database, o.Database)
	setIf(&c.LockDir, o.LockDir)
	setIf(&c.BackupDir, o.BackupDir)
	setIf(&c.Interval, o.Interval)
	setIf(&c.Transport.Dir, o.TransportDir)
	setIf(&c.Transport.Timeout, o.TransportTimeout)
	setIf(&c.Transport.Retries, o.TransportRetries)
	if o.AgencyID != nil {
		c.AgencyID = o.AgencyID
	}
	return nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// FillDerived sets values that default relative to others. Call it after
// flags were applied.
func (c *Config) FillDerived() {
	if c.LockDir == "" && c.Database != "" {
		c.LockDir = filepath.Join(filepath.Dir(c.Database), "locks")
	}
}

// Verify validates the configuration.
func (c *Config) Verify() error {
	var errs []error
	if !watermark.ValidNodeID(c.NodeID) {
		errs = append(errs, fmt.Errorf("node_id %q is missing or invalid", c.NodeID))
	}
	if c.Database == "" {
		errs = append(errs, errors.New("database is required"))
	}
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %s", c.Interval))
	}
	if c.Transport.Timeout < 0 {
		errs = append(errs, fmt.Errorf("transport.timeout must not be negative, got %s", c.Transport.Timeout))
	}
	if len(c.Peers) > 0 && c.Transport.Dir == "" {
		errs = append(errs, errors.New("transport.dir is required when peers are configured"))
	}
	seen := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		switch {
		case !watermark.ValidNodeID(p.NodeID):
			errs = append(errs, fmt.Errorf("peers[%d].node_id %q is missing or invalid", i, p.NodeID))
		case p.NodeID == c.NodeID:
			errs = append(errs, fmt.Errorf("peers[%d]: node %q cannot peer with itself", i, p.NodeID))
		case seen[p.NodeID]:
			errs = append(errs, fmt.Errorf("peers[%d]: duplicate node %q", i, p.NodeID))
		}
		seen[p.NodeID] = true
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
