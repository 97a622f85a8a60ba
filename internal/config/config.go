// ABOUTME: Configuration loading and defaults for sigforge
// ABOUTME: YAML config files plus SIGNDUSER/SIGNDPASS environment variables

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete configuration for sigforge.
type Config struct {
	// Directory holding the signature files to publish.
	DatabaseDir string `yaml:"database_dir"`

	// Builder identity written into headers when --builder is not given.
	// SIGNDUSER is consulted only when both are empty.
	Builder string `yaml:"builder"`

	// Functionality level of the engine this toolchain targets.
	EngineLevel uint32 `yaml:"engine_level"`

	// Path to the PEM public key used for verification. Empty leaves
	// the verifier unavailable (soft verification results).
	PublicKey string `yaml:"public_key"`

	// Signer holds remote signing service settings.
	Signer SignerConfig `yaml:"signer"`

	// Ledger holds release-history settings.
	Ledger LedgerConfig `yaml:"ledger"`

	// Mirrors holds mirror reputation settings.
	Mirrors MirrorsConfig `yaml:"mirrors"`

	// Notify holds post-build notification settings.
	Notify NotifyConfig `yaml:"notify"`

	// Log holds logging settings.
	Log LogConfig `yaml:"log"`

	// Tracing holds tracing settings.
	Tracing TracingConfig `yaml:"tracing"`

	// StaleAfter is a staleness threshold, e.g. "168h", parsed by
	// StaleAfterDuration. The staleness advisory (cvd.Advise) does not read
	// it; it uses the fixed cvd.StaleAfter.
	StaleAfter string `yaml:"stale_after"`
}

// SignerConfig holds signing service settings.
type SignerConfig struct {
	// Host (with optional port) of the signing service.
	Host string `yaml:"host"`

	// Timeout for the signing round-trip, e.g. "60s".
	Timeout string `yaml:"timeout"`
}

// LedgerConfig holds release ledger settings.
type LedgerConfig struct {
	// Directory of the BadgerDB release ledger.
	Dir string `yaml:"dir"`
}

// MirrorsConfig holds mirror reputation settings.
type MirrorsConfig struct {
	// File is the reputation store path.
	File string `yaml:"file"`

	// Active enables the store; when false every mirror reads as
	// unknown and nothing is persisted.
	Active bool `yaml:"active"`

	// Endpoints lists mirrors as address/base-URL pairs.
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// EndpointConfig is one configured mirror.
type EndpointConfig struct {
	Addr string `yaml:"addr"`
	URL  string `yaml:"url"`
}

// NotifyConfig holds notification hook settings.
type NotifyConfig struct {
	// NATS server URL. Empty disables the announcement hook.
	NATSURL string `yaml:"nats_url"`

	// Subject announcements are published to.
	Subject string `yaml:"subject"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig holds tracing settings.
type TracingConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Endpoint      string  `yaml:"endpoint"`
	Insecure      bool    `yaml:"insecure"`
	SamplingRatio float64 `yaml:"sampling_ratio"`
}

// DefaultConfig returns a Config with default values. External
// dependencies (NATS, tracing) are disabled by default for standalone
// single-binary operation.
func DefaultConfig() *Config {
	return &Config{
		DatabaseDir: ".",
		EngineLevel: 60,
		Signer: SignerConfig{
			Timeout: "60s",
		},
		Ledger: LedgerConfig{
			Dir: filepath.Join(DefaultDataDir(), "ledger"),
		},
		Mirrors: MirrorsConfig{
			File:   filepath.Join(DefaultDataDir(), "mirrors.dat"),
			Active: true,
		},
		Notify: NotifyConfig{
			NATSURL: "",
			Subject: "hikma.sigdb.release",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			Endpoint:      "localhost:4317",
			Insecure:      true,
			SamplingRatio: 1.0,
		},
		StaleAfter: "168h",
	}
}

// Load reads a YAML config over the defaults. An empty path loads the
// default location and tolerates its absence; an explicit path must
// exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// StaleAfterDuration parses the staleness threshold.
func (c *Config) StaleAfterDuration() (time.Duration, error) {
	if c.StaleAfter == "" {
		return 168 * time.Hour, nil
	}
	d, err := time.ParseDuration(c.StaleAfter)
	if err != nil {
		return 0, fmt.Errorf("parsing stale_after %q: %w", c.StaleAfter, err)
	}
	return d, nil
}

// SignerTimeout parses the signing timeout.
func (c *Config) SignerTimeout() (time.Duration, error) {
	if c.Signer.Timeout == "" {
		return 60 * time.Second, nil
	}
	d, err := time.ParseDuration(c.Signer.Timeout)
	if err != nil {
		return 0, fmt.Errorf("parsing signer timeout %q: %w", c.Signer.Timeout, err)
	}
	return d, nil
}

// DefaultDataDir returns the default data directory.
func DefaultDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "sigforge")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/sigforge"
	}
	return filepath.Join(home, ".local", "share", "sigforge")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "sigforge", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/sigforge/config.yaml"
	}
	return filepath.Join(home, ".config", "sigforge", "config.yaml")
}
