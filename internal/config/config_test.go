package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Transport.Kind != "tcp" || cfg.Transport.Channels != 4 {
		t.Fatalf("transport defaults: %+v", cfg.Transport)
	}
	if cfg.Transfer.Compression != "auto" {
		t.Fatalf("compression default = %q", cfg.Transfer.Compression)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("log level default = %q", cfg.Log.Level)
	}
	if cfg.State.CheckpointPath == "" || cfg.State.HistoryDB == "" {
		t.Fatalf("state paths empty: %+v", cfg.State)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "massmove.yaml")
	body := `
log:
  level: debug
transport:
  kind: quic
  channels: 8
transfer:
  workers: 16
  chunk_size: 1048576
  compression: force
  ack_timeout: 30s
plan:
  delete: true
  verify: true
scan:
  excludes:
    - "*.tmp"
    - ".git/**"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("level = %q", cfg.Log.Level)
	}
	if cfg.Transport.Kind != "quic" || cfg.Transport.Channels != 8 {
		t.Fatalf("transport = %+v", cfg.Transport)
	}
	if cfg.Transfer.Workers != 16 || cfg.Transfer.ChunkSize != 1048576 {
		t.Fatalf("transfer = %+v", cfg.Transfer)
	}
	if cfg.Transfer.AckTimeout.Std() != 30*time.Second {
		t.Fatalf("ack_timeout = %v", cfg.Transfer.AckTimeout)
	}
	if !cfg.Plan.Delete || !cfg.Plan.Verify || cfg.Plan.RangeDiff {
		t.Fatalf("plan = %+v", cfg.Plan)
	}
	if len(cfg.Scan.Excludes) != 2 {
		t.Fatalf("excludes = %v", cfg.Scan.Excludes)
	}
	// Untouched sections keep their defaults.
	if cfg.State.CheckpointPath != Default().State.CheckpointPath {
		t.Fatalf("state clobbered: %+v", cfg.State)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "massmove.yaml")
	if err := os.WriteFile(path, []byte("transport:\n  kind: tcp\n  channels: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MASSMOVE_TRANSPORT", "quic")
	t.Setenv("MASSMOVE_CHANNELS", "6")
	t.Setenv("MASSMOVE_WORKERS", "12")
	t.Setenv("MASSMOVE_COMPRESSION", "off")
	t.Setenv("MASSMOVE_CHECKPOINT", "/var/lib/massmove/ckpt.log")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport.Kind != "quic" || cfg.Transport.Channels != 6 {
		t.Fatalf("env did not win: %+v", cfg.Transport)
	}
	if cfg.Transfer.Workers != 12 || cfg.Transfer.Compression != "off" {
		t.Fatalf("transfer = %+v", cfg.Transfer)
	}
	if cfg.State.CheckpointPath != "/var/lib/massmove/ckpt.log" {
		t.Fatalf("checkpoint = %q", cfg.State.CheckpointPath)
	}
}

func TestEnvIgnoresGarbageInts(t *testing.T) {
	t.Setenv("MASSMOVE_CHANNELS", "not-a-number")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport.Channels != 4 {
		t.Fatalf("channels = %d, want default 4", cfg.Transport.Channels)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("transport: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"quic", func(c *Config) { c.Transport.Kind = "quic" }, true},
		{"bad transport", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }, false},
		{"bad compression", func(c *Config) { c.Transfer.Compression = "lzma" }, false},
		{"zero channels", func(c *Config) { c.Transport.Channels = 0 }, false},
		{"too many channels", func(c *Config) { c.Transport.Channels = 65 }, false},
		{"empty compression", func(c *Config) { c.Transfer.Compression = "" }, true},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(cfg)
		err := cfg.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}
