package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	prefix := t.TempDir()
	cfg.Paths = PathsConfig{
		Prefix:   prefix,
		QueueDir: filepath.Join(prefix, "qfiles"),
		ListsDir: filepath.Join(prefix, "lists"),
		DataDir:  filepath.Join(prefix, "data"),
		LocksDir: filepath.Join(prefix, "locks"),
		LogsDir:  filepath.Join(prefix, "logs"),
	}
	return cfg
}

func TestDefaultsValidate(t *testing.T) {
	if err := validConfig(t).Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty hostname", func(c *Config) { c.Server.Hostname = "" }},
		{"relative path", func(c *Config) { c.Paths.QueueDir = "qfiles" }},
		{"no runners", func(c *Config) { c.Runners = nil }},
		{"unknown runner", func(c *Config) { c.Runners = []RunnerConfig{{Name: "mystery", Instances: 1}} }},
		{"shunt runner", func(c *Config) { c.Runners = []RunnerConfig{{Name: "shunt", Instances: 1}} }},
		{"duplicate runner", func(c *Config) {
			c.Runners = []RunnerConfig{{Name: "incoming", Instances: 1}, {Name: "incoming", Instances: 1}}
		}},
		{"non power of 2 slices", func(c *Config) { c.Runners = []RunnerConfig{{Name: "incoming", Instances: 3}} }},
		{"bad duration", func(c *Config) { c.Lock.Lifetime = "soon" }},
		{"short lock lifetime", func(c *Config) { c.Lock.Lifetime = "5s" }},
		{"zero bounce threshold", func(c *Config) { c.Bounce.ScoreThreshold = 0 }},
		{"dkim selector without key", func(c *Config) { c.Delivery.DKIMSelector = "mail" }},
		{"bad lmtp network", func(c *Config) { c.LMTP.Network = "udp" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"metrics without listen", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Listen = ""
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig(t)
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() accepted a broken config")
			}
		})
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  hostname: lists.example.com
  domain: example.com
paths:
  prefix: ` + dir + `
bounce:
  score_threshold: 7.5
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Hostname != "lists.example.com" {
		t.Errorf("Hostname = %s", cfg.Server.Hostname)
	}
	if cfg.Bounce.ScoreThreshold != 7.5 {
		t.Errorf("ScoreThreshold = %g", cfg.Bounce.ScoreThreshold)
	}
	// Untouched keys keep their defaults.
	if cfg.Server.SiteList != "site" {
		t.Errorf("SiteList = %s, want default", cfg.Server.SiteList)
	}
	// Derived paths follow the overridden prefix.
	if cfg.Paths.QueueDir != filepath.Join(dir, "qfiles") {
		t.Errorf("QueueDir = %s", cfg.Paths.QueueDir)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Hostname != "localhost" {
		t.Errorf("Hostname = %s, want default", cfg.Server.Hostname)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.LockLifetime(); got != 15*time.Minute {
		t.Errorf("LockLifetime() = %v", got)
	}
	cfg.Lock.Lifetime = "garbage"
	if got := cfg.LockLifetime(); got != 15*time.Minute {
		t.Errorf("LockLifetime() with bad value = %v, want fallback", got)
	}
	cfg.Master.SleepTime = "250ms"
	if got := cfg.RunnerSleep(); got != 250*time.Millisecond {
		t.Errorf("RunnerSleep() = %v", got)
	}
}

func TestEnsureDirectories(t *testing.T) {
	cfg := validConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories() error = %v", err)
	}
	for _, q := range QueueNames {
		if fi, err := os.Stat(cfg.QueuePath(q)); err != nil || !fi.IsDir() {
			t.Errorf("queue dir %s missing", q)
		}
	}
}
