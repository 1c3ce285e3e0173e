package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Verification VerificationConfig `toml:"verification"`
	NATS         NATSConfig         `toml:"nats"`
	Telemetry    TelemetryConfig    `toml:"telemetry"`
	Raw          map[string]any     `toml:"-"`
	Path         string             `toml:"-"`
}

type OrchestratorConfig struct {
	Addr               string `toml:"addr"`
	DBPath             string `toml:"db_path"`
	Strategy           string `toml:"strategy"`
	LivenessWindowSec  int    `toml:"liveness_window_sec"`
	DispatchIntervalMS int    `toml:"dispatch_interval_ms"`
	SweepIntervalMS    int    `toml:"sweep_interval_ms"`
	DeadlineBoost      int    `toml:"deadline_boost"`
	DefaultMaxRetries  int    `toml:"default_max_retries"`
	AutoVerify         *bool  `toml:"auto_verify"`
	DemoWorkers        bool   `toml:"demo_workers"`
}

type VerificationConfig struct {
	High          float64  `toml:"high"`
	Medium        float64  `toml:"medium"`
	Low           float64  `toml:"low"`
	DefaultChecks []string `toml:"default_checks"`
	ProfilesPath  string   `toml:"profiles_path"`
}

type NATSConfig struct {
	Enabled       bool   `toml:"enabled"`
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

type TelemetryConfig struct {
	ServiceName string `toml:"service_name"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the TOML file at path (default ~/.conductor/config.toml). A missing
// file at the default location is not an error; defaults are returned instead.
func Load(path string) (Config, error) {
	explicit := path != ""
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	resolved, err := ExpandHome(resolved)
	if err != nil {
		return Config{}, err
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			cfg := Default()
			cfg.Path = resolved
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.applyDefaults()
	cfg.Raw = raw
	cfg.Path = resolved

	if cfg.Orchestrator.DBPath, err = ExpandHome(cfg.Orchestrator.DBPath); err != nil {
		return Config{}, err
	}
	if cfg.Verification.ProfilesPath, err = ExpandHome(cfg.Verification.ProfilesPath); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	o := &c.Orchestrator
	if o.Addr == "" {
		o.Addr = "127.0.0.1:8091"
	}
	if o.DBPath == "" {
		o.DBPath = "./data/conductor.db"
	}
	if o.Strategy == "" {
		o.Strategy = "capability_match"
	}
	if o.LivenessWindowSec <= 0 {
		o.LivenessWindowSec = 300
	}
	if o.DispatchIntervalMS <= 0 {
		o.DispatchIntervalMS = 500
	}
	if o.SweepIntervalMS <= 0 {
		o.SweepIntervalMS = 5000
	}
	if o.DeadlineBoost <= 0 {
		o.DeadlineBoost = 10
	}
	if o.DefaultMaxRetries < 0 {
		o.DefaultMaxRetries = 0
	} else if o.DefaultMaxRetries == 0 {
		o.DefaultMaxRetries = 3
	}
	if o.AutoVerify == nil {
		on := true
		o.AutoVerify = &on
	}

	v := &c.Verification
	if v.High == 0 {
		v.High = 90
	}
	if v.Medium == 0 {
		v.Medium = 70
	}
	if v.Low == 0 {
		v.Low = 50
	}
	if len(v.DefaultChecks) == 0 {
		v.DefaultChecks = []string{"schema", "business_rules", "data_quality", "completeness", "performance"}
	}

	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "conductor"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "conductor"
	}
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c Config) Validate() error {
	v := c.Verification
	if !(v.Low < v.Medium && v.Medium < v.High) {
		return fmt.Errorf("verification thresholds must satisfy low < medium < high (got %v/%v/%v)", v.Low, v.Medium, v.High)
	}
	if v.High > 100 || v.Low < 0 {
		return fmt.Errorf("verification thresholds must lie in [0,100]")
	}
	return nil
}

func (o OrchestratorConfig) LivenessWindow() time.Duration {
	return time.Duration(o.LivenessWindowSec) * time.Second
}

func (o OrchestratorConfig) DispatchInterval() time.Duration {
	return time.Duration(o.DispatchIntervalMS) * time.Millisecond
}

func (o OrchestratorConfig) SweepInterval() time.Duration {
	return time.Duration(o.SweepIntervalMS) * time.Millisecond
}

func (o OrchestratorConfig) AutoVerifyEnabled() bool {
	return o.AutoVerify == nil || *o.AutoVerify
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	trimmed := strings.TrimPrefix(path, "~")
	trimmed = strings.TrimPrefix(trimmed, "\\")
	trimmed = strings.TrimPrefix(trimmed, "/")
	return filepath.Join(home, trimmed), nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor/config.toml"
	}
	return filepath.Join(home, ".conductor", "config.toml")
}
