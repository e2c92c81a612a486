// Package config loads massmove configuration: built-in defaults, an
// optional YAML file, then MASSMOVE_* environment overrides, in that order.
// Command-line flags are applied last by the CLI layer.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Transport TransportConfig `yaml:"transport"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Scan      ScanConfig      `yaml:"scan"`
	Plan      PlanConfig      `yaml:"plan"`
	State     StateConfig     `yaml:"state"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// TransportConfig holds connection settings.
type TransportConfig struct {
	Kind     string `yaml:"kind"`     // "tcp" or "quic"
	Channels int    `yaml:"channels"` // parallel channels per session
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure"` // skip TLS verification (QUIC)
}

// TransferConfig holds the tuning knobs of the transfer engine.
type TransferConfig struct {
	Workers     int      `yaml:"workers"`
	RetryLimit  int      `yaml:"retry_limit"`
	ChunkSize   int64    `yaml:"chunk_size"`
	ByteBudget  int64    `yaml:"byte_budget"`
	WindowBytes int64    `yaml:"window_bytes"`
	AckTimeout  Duration `yaml:"ack_timeout"`
	Compression string   `yaml:"compression"` // auto, off, force
}

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ScanConfig holds manifest scan settings.
type ScanConfig struct {
	Excludes []string `yaml:"excludes"`
}

// PlanConfig holds diff planning settings.
type PlanConfig struct {
	Delete    bool `yaml:"delete"`
	RangeDiff bool `yaml:"range_diff"`
	Verify    bool `yaml:"verify"`
}

// StateConfig names the local state files.
type StateConfig struct {
	CheckpointPath string `yaml:"checkpoint_path"`
	HistoryDB      string `yaml:"history_db"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log:       LogConfig{Level: "info"},
		Transport: TransportConfig{Kind: "tcp", Channels: 4},
		Transfer: TransferConfig{
			Compression: "auto",
		},
		State: StateConfig{
			CheckpointPath: ".massmove/checkpoint.log",
			HistoryDB:      ".massmove/history.db",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MASSMOVE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("MASSMOVE_TRANSPORT"); v != "" {
		c.Transport.Kind = v
	}
	if v, ok := envInt("MASSMOVE_CHANNELS"); ok {
		c.Transport.Channels = v
	}
	if v, ok := envInt("MASSMOVE_WORKERS"); ok {
		c.Transfer.Workers = v
	}
	if v, ok := envInt("MASSMOVE_RETRY_LIMIT"); ok {
		c.Transfer.RetryLimit = v
	}
	if v, ok := envInt64("MASSMOVE_CHUNK_SIZE"); ok {
		c.Transfer.ChunkSize = v
	}
	if v := os.Getenv("MASSMOVE_COMPRESSION"); v != "" {
		c.Transfer.Compression = v
	}
	if v := os.Getenv("MASSMOVE_CHECKPOINT"); v != "" {
		c.State.CheckpointPath = v
	}
	if v := os.Getenv("MASSMOVE_HISTORY_DB"); v != "" {
		c.State.HistoryDB = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envInt64(name string) (int64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate rejects values the engine cannot clamp into shape.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case "tcp", "quic":
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}
	switch c.Transfer.Compression {
	case "", "auto", "off", "force":
	default:
		return fmt.Errorf("unknown compression policy %q", c.Transfer.Compression)
	}
	if c.Transport.Channels < 1 || c.Transport.Channels > 64 {
		return fmt.Errorf("channels must be between 1 and 64, got %d", c.Transport.Channels)
	}
	return nil
}
