package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the list server
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Paths      PathsConfig      `koanf:"paths"`
	Lock       LockConfig       `koanf:"lock"`
	Runners    []RunnerConfig   `koanf:"runners"`
	Delivery   DeliveryConfig   `koanf:"delivery"`
	LMTP       LMTPConfig       `koanf:"lmtp"`
	NNTP       NNTPConfig       `koanf:"nntp"`
	Bounce     BounceConfig     `koanf:"bounce"`
	Digest     DigestConfig     `koanf:"digest"`
	Moderation ModerationConfig `koanf:"moderation"`
	Master     MasterConfig     `koanf:"master"`
	Logging    LoggingConfig    `koanf:"logging"`
	Audit      AuditConfig      `koanf:"audit"`
	Metrics    MetricsConfig    `koanf:"metrics"`
}

// ServerConfig holds site-wide identity configuration
type ServerConfig struct {
	Hostname string `koanf:"hostname"`  // mail.example.com, used in HELO and lock claims
	Domain   string `koanf:"domain"`    // default host part for new lists
	SiteList string `koanf:"site_list"` // administrative list used as From for site notices
}

// PathsConfig holds the on-disk layout, all derived from Prefix by default
type PathsConfig struct {
	Prefix   string `koanf:"prefix"`    // base installation directory
	QueueDir string `koanf:"queue_dir"` // parent of per-queue directories
	ListsDir string `koanf:"lists_dir"` // per-list state directories
	DataDir  string `koanf:"data_dir"`  // pid file, held messages, misc state
	LocksDir string `koanf:"locks_dir"` // lock files
	LogsDir  string `koanf:"logs_dir"`  // runner and master logs
}

// LockConfig holds file lock lease configuration
type LockConfig struct {
	Lifetime        string `koanf:"lifetime"`          // lease duration before a lock is breakable
	ListLockTimeout string `koanf:"list_lock_timeout"` // how long runners wait for a list lock
}

// RunnerConfig names one runner and how many slices it is split into
type RunnerConfig struct {
	Name      string `koanf:"name"`      // incoming, pipeline, outgoing, ...
	Instances int    `koanf:"instances"` // number of slices; must be a power of 2
}

// DeliveryConfig holds outbound SMTP configuration
type DeliveryConfig struct {
	ConnectTimeout string `koanf:"connect_timeout"` // TCP connection timeout
	SessionTimeout string `koanf:"session_timeout"` // wall-clock deadline per SMTP session
	RequireTLS     bool   `koanf:"require_tls"`     // Require STARTTLS for outbound
	VerifyTLS      bool   `koanf:"verify_tls"`      // Verify TLS certificates
	RelayHost      string `koanf:"relay_host"`      // Optional smarthost (host:port)
	MaxRecipients  int    `koanf:"max_recipients"`  // Recipients per SMTP transaction
	DKIMSelector   string `koanf:"dkim_selector"`   // DKIM selector, empty disables signing
	DKIMKeyFile    string `koanf:"dkim_key_file"`   // Path to DKIM private key
}

// LMTPConfig holds the MTA-facing ingress configuration
type LMTPConfig struct {
	Enabled bool   `koanf:"enabled"`
	Listen  string `koanf:"listen"`  // host:port or unix socket path
	Network string `koanf:"network"` // tcp or unix
}

// NNTPConfig holds USENET gating configuration
type NNTPConfig struct {
	ConnectTimeout string `koanf:"connect_timeout"`
	MaxArticles    int    `koanf:"max_articles"` // per-list article span bound per poll
}

// BounceConfig holds site defaults for bounce processing; lists may override
type BounceConfig struct {
	ScoreThreshold float64 `koanf:"score_threshold"` // score at which delivery is disabled
	StaleAfter     string  `koanf:"stale_after"`     // score reset interval
	WarnInterval   string  `koanf:"warn_interval"`   // time between disable warnings
	MaxWarnings    int     `koanf:"max_warnings"`    // warnings before removal
}

// DigestConfig holds digest defaults
type DigestConfig struct {
	SizeThreshold int `koanf:"size_threshold"` // KB of accumulated posts that triggers a send
}

// ModerationConfig holds held-message housekeeping defaults
type ModerationConfig struct {
	MaxDaysToHold  int `koanf:"max_days_to_hold"` // age at which pending requests are discarded
	MaxAutoReplies int `koanf:"max_auto_replies"` // per-sender auto-responses per day
}

// MasterConfig holds runner supervisor configuration
type MasterConfig struct {
	MaxRestarts int    `koanf:"max_restarts"` // abnormal-exit restarts before a slot is abandoned
	User        string `koanf:"user"`         // expected run-as user, empty disables the check
	Group       string `koanf:"group"`        // expected run-as group
	SleepTime   string `koanf:"sleep_time"`   // runner idle sleep between empty scans
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
	Output string `koanf:"output"` // stdout, stderr, or file path
}

// AuditConfig holds the event journal configuration
type AuditConfig struct {
	Enabled      bool   `koanf:"enabled"`
	DatabasePath string `koanf:"database_path"` // SQLite journal path
}

// MetricsConfig holds the Prometheus exposition configuration
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Listen  string `koanf:"listen"` // host:port for /metrics
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	prefix := "/var/lib/listserver"
	return &Config{
		Server: ServerConfig{
			Hostname: "localhost",
			Domain:   "localhost",
			SiteList: "site",
		},
		Paths: PathsConfig{
			Prefix:   prefix,
			QueueDir: filepath.Join(prefix, "qfiles"),
			ListsDir: filepath.Join(prefix, "lists"),
			DataDir:  filepath.Join(prefix, "data"),
			LocksDir: filepath.Join(prefix, "locks"),
			LogsDir:  filepath.Join(prefix, "logs"),
		},
		Lock: LockConfig{
			Lifetime:        "15m",
			ListLockTimeout: "5s",
		},
		Runners: []RunnerConfig{
			{Name: "incoming", Instances: 1},
			{Name: "pipeline", Instances: 1},
			{Name: "outgoing", Instances: 1},
			{Name: "bounce", Instances: 1},
			{Name: "virgin", Instances: 1},
			{Name: "command", Instances: 1},
			{Name: "news", Instances: 1},
			{Name: "retry", Instances: 1},
			{Name: "archive", Instances: 1},
		},
		Delivery: DeliveryConfig{
			ConnectTimeout: "30s",
			SessionTimeout: "5m",
			RequireTLS:     false,
			VerifyTLS:      true,
			MaxRecipients:  500,
		},
		LMTP: LMTPConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8024",
			Network: "tcp",
		},
		NNTP: NNTPConfig{
			ConnectTimeout: "30s",
			MaxArticles:    500,
		},
		Bounce: BounceConfig{
			ScoreThreshold: 5.0,
			StaleAfter:     "168h", // 7 days
			WarnInterval:   "168h",
			MaxWarnings:    3,
		},
		Digest: DigestConfig{
			SizeThreshold: 30, // KB
		},
		Moderation: ModerationConfig{
			MaxDaysToHold:  14,
			MaxAutoReplies: 10,
		},
		Master: MasterConfig{
			MaxRestarts: 10,
			SleepTime:   "1s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Audit: AuditConfig{
			Enabled:      true,
			DatabasePath: filepath.Join(prefix, "data", "events.db"),
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9180",
		},
	}
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // Return defaults if no config file
	}

	// Load YAML config file
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	// Unmarshal into config struct
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Paths the file does not name follow its (possibly overridden)
	// prefix instead of the default one.
	for key, field := range map[string]*string{
		"paths.queue_dir":     &cfg.Paths.QueueDir,
		"paths.lists_dir":     &cfg.Paths.ListsDir,
		"paths.data_dir":      &cfg.Paths.DataDir,
		"paths.locks_dir":     &cfg.Paths.LocksDir,
		"paths.logs_dir":      &cfg.Paths.LogsDir,
		"audit.database_path": &cfg.Audit.DatabasePath,
	} {
		if !k.Exists(key) {
			*field = ""
		}
	}
	cfg.fillPathDefaults()

	return cfg, nil
}

// fillPathDefaults derives any empty path from the configured prefix.
func (c *Config) fillPathDefaults() {
	if c.Paths.Prefix == "" {
		return
	}
	if c.Paths.QueueDir == "" {
		c.Paths.QueueDir = filepath.Join(c.Paths.Prefix, "qfiles")
	}
	if c.Paths.ListsDir == "" {
		c.Paths.ListsDir = filepath.Join(c.Paths.Prefix, "lists")
	}
	if c.Paths.DataDir == "" {
		c.Paths.DataDir = filepath.Join(c.Paths.Prefix, "data")
	}
	if c.Paths.LocksDir == "" {
		c.Paths.LocksDir = filepath.Join(c.Paths.Prefix, "locks")
	}
	if c.Paths.LogsDir == "" {
		c.Paths.LogsDir = filepath.Join(c.Paths.Prefix, "logs")
	}
	if c.Audit.DatabasePath == "" {
		c.Audit.DatabasePath = filepath.Join(c.Paths.DataDir, "events.db")
	}
}

// QueueNames is the set of queue directories the server manages.
var QueueNames = []string{
	"incoming", "pipeline", "outgoing", "bounce", "virgin",
	"command", "news", "retry", "archive", "shunt", "bad",
}

// QueuePath returns the directory of a named queue.
func (c *Config) QueuePath(name string) string {
	return filepath.Join(c.Paths.QueueDir, name)
}

// ListPath returns the state directory of a named list.
func (c *Config) ListPath(name string) string {
	return filepath.Join(c.Paths.ListsDir, name)
}

// LockPath returns the path of a named lock file.
func (c *Config) LockPath(name string) string {
	return filepath.Join(c.Paths.LocksDir, name+".lock")
}

// PIDFile returns the master supervisor pid file path.
func (c *Config) PIDFile() string {
	return filepath.Join(c.Paths.DataDir, "master-qrunner.pid")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Hostname == "" {
		return fmt.Errorf("server.hostname is required")
	}
	if c.Server.SiteList == "" {
		return fmt.Errorf("server.site_list is required")
	}

	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateTimeouts(); err != nil {
		return err
	}
	if err := c.validateRunners(); err != nil {
		return err
	}

	// Bounce validation
	if c.Bounce.ScoreThreshold <= 0 {
		return fmt.Errorf("bounce.score_threshold must be positive (got: %g)", c.Bounce.ScoreThreshold)
	}
	if c.Bounce.MaxWarnings < 0 {
		return fmt.Errorf("bounce.max_warnings cannot be negative (got: %d)", c.Bounce.MaxWarnings)
	}

	// Moderation validation
	if c.Moderation.MaxDaysToHold < 1 {
		return fmt.Errorf("moderation.max_days_to_hold must be at least 1 (got: %d)", c.Moderation.MaxDaysToHold)
	}

	// Master validation
	if c.Master.MaxRestarts < 0 {
		return fmt.Errorf("master.max_restarts cannot be negative (got: %d)", c.Master.MaxRestarts)
	}

	// Delivery validation
	if c.Delivery.MaxRecipients < 1 {
		return fmt.Errorf("delivery.max_recipients must be at least 1 (got: %d)", c.Delivery.MaxRecipients)
	}
	if c.Delivery.DKIMSelector != "" {
		if c.Delivery.DKIMKeyFile == "" {
			return fmt.Errorf("delivery.dkim_key_file is required when dkim_selector is set")
		}
		if err := validateFileReadable(c.Delivery.DKIMKeyFile); err != nil {
			return fmt.Errorf("delivery.dkim_key_file: %w", err)
		}
	}

	// LMTP validation
	if c.LMTP.Enabled {
		if c.LMTP.Listen == "" {
			return fmt.Errorf("lmtp.listen is required when lmtp is enabled")
		}
		if c.LMTP.Network != "tcp" && c.LMTP.Network != "unix" {
			return fmt.Errorf("lmtp.network must be tcp or unix (got: %s)", c.LMTP.Network)
		}
	}

	// Logging validation
	if c.Logging.Level != "" {
		validLevels := map[string]bool{
			"debug": true, "info": true, "warn": true, "error": true,
		}
		if !validLevels[c.Logging.Level] {
			return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
		}
	}
	if c.Logging.Format != "" {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[c.Logging.Format] {
			return fmt.Errorf("logging.format must be one of: json, text (got: %s)", c.Logging.Format)
		}
	}

	// Metrics validation
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}

	return nil
}

// validatePaths ensures the on-disk layout is usable
func (c *Config) validatePaths() error {
	paths := map[string]string{
		"paths.prefix":    c.Paths.Prefix,
		"paths.queue_dir": c.Paths.QueueDir,
		"paths.lists_dir": c.Paths.ListsDir,
		"paths.data_dir":  c.Paths.DataDir,
		"paths.locks_dir": c.Paths.LocksDir,
		"paths.logs_dir":  c.Paths.LogsDir,
	}

	for name, p := range paths {
		if p == "" {
			return fmt.Errorf("%s is required", name)
		}
		if !filepath.IsAbs(p) {
			return fmt.Errorf("%s must be an absolute path (got: %s)", name, p)
		}
	}

	return nil
}

// validateRunners ensures runner names and slice counts are sane
func (c *Config) validateRunners() error {
	if len(c.Runners) == 0 {
		return fmt.Errorf("at least one runner must be configured")
	}

	known := make(map[string]bool, len(QueueNames))
	for _, q := range QueueNames {
		known[q] = true
	}

	seen := make(map[string]bool, len(c.Runners))
	for i, r := range c.Runners {
		if r.Name == "" {
			return fmt.Errorf("runners[%d].name is required", i)
		}
		if !known[r.Name] || r.Name == "shunt" || r.Name == "bad" {
			return fmt.Errorf("runners[%d].name is not a runnable queue (got: %s)", i, r.Name)
		}
		if seen[r.Name] {
			return fmt.Errorf("runner %s configured more than once", r.Name)
		}
		seen[r.Name] = true
		if r.Instances < 1 {
			return fmt.Errorf("runners[%d].instances must be at least 1 (got: %d)", i, r.Instances)
		}
		if r.Instances&(r.Instances-1) != 0 {
			return fmt.Errorf("runners[%d].instances must be a power of 2 (got: %d)", i, r.Instances)
		}
	}

	return nil
}

// validateTimeouts ensures all duration configurations parse
func (c *Config) validateTimeouts() error {
	timeouts := map[string]string{
		"lock.lifetime":            c.Lock.Lifetime,
		"lock.list_lock_timeout":   c.Lock.ListLockTimeout,
		"delivery.connect_timeout": c.Delivery.ConnectTimeout,
		"delivery.session_timeout": c.Delivery.SessionTimeout,
		"nntp.connect_timeout":     c.NNTP.ConnectTimeout,
		"bounce.stale_after":       c.Bounce.StaleAfter,
		"bounce.warn_interval":     c.Bounce.WarnInterval,
		"master.sleep_time":        c.Master.SleepTime,
	}

	for name, timeout := range timeouts {
		if timeout == "" {
			continue // Optional
		}
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("%s is invalid: %w", name, err)
		}
		if duration <= 0 {
			return fmt.Errorf("%s must be positive (got: %s)", name, timeout)
		}

		switch name {
		case "delivery.connect_timeout", "nntp.connect_timeout":
			if duration > 2*time.Minute {
				return fmt.Errorf("%s is too long, maximum is 2m (got: %s)", name, timeout)
			}
		case "delivery.session_timeout":
			if duration > 10*time.Minute {
				return fmt.Errorf("%s is too long, maximum is 10m (got: %s)", name, timeout)
			}
		case "lock.lifetime":
			if duration < time.Minute {
				return fmt.Errorf("%s is too short, minimum is 1m (got: %s)", name, timeout)
			}
		}
	}

	return nil
}

// validateFileReadable checks if a file exists and is readable
func validateFileReadable(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("must be an absolute path (got: %s)", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", path)
		}
		return fmt.Errorf("cannot access file: %w", err)
	}

	if info.IsDir() {
		return fmt.Errorf("path is a directory, expected a file: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("file is not readable: %w", err)
	}
	f.Close()

	return nil
}

// EnsureDirectories creates the queue, list, data, lock, and log directories
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Paths.Prefix,
		c.Paths.QueueDir,
		c.Paths.ListsDir,
		c.Paths.DataDir,
		c.Paths.LocksDir,
		c.Paths.LogsDir,
	}
	for _, q := range QueueNames {
		dirs = append(dirs, c.QueuePath(q))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// LockLifetime returns the configured lock lease duration.
func (c *Config) LockLifetime() time.Duration {
	return durationOr(c.Lock.Lifetime, 15*time.Minute)
}

// ListLockTimeout returns how long callers wait for a list lock.
func (c *Config) ListLockTimeout() time.Duration {
	return durationOr(c.Lock.ListLockTimeout, 5*time.Second)
}

// BounceStaleAfter returns the bounce score reset interval.
func (c *Config) BounceStaleAfter() time.Duration {
	return durationOr(c.Bounce.StaleAfter, 7*24*time.Hour)
}

// BounceWarnInterval returns the time between disable warnings.
func (c *Config) BounceWarnInterval() time.Duration {
	return durationOr(c.Bounce.WarnInterval, 7*24*time.Hour)
}

// RunnerSleep returns the idle sleep between empty queue scans.
func (c *Config) RunnerSleep() time.Duration {
	return durationOr(c.Master.SleepTime, time.Second)
}

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
