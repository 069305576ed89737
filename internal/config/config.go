package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/alexjbarnes/room-sync/internal/slidingsync"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

// Config holds all environment-based configuration for room-sync.
type Config struct {
	// Homeserver base URL, e.g. https://matrix.example.org
	HomeserverURL string `env:"MATRIX_HOMESERVER_URL"`

	// Either an access token or a user/password pair is required. A
	// token cached in the state database from an earlier password login
	// is preferred over logging in again.
	AccessToken string `env:"MATRIX_ACCESS_TOKEN"`
	User        string `env:"MATRIX_USER"`
	Password    string `env:"MATRIX_PASSWORD"`
	DeviceID    string `env:"MATRIX_DEVICE_ID"`

	// Path of the bbolt state database. Defaults to ~/.room-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	// Sync session timings.
	SyncPollTimeout         time.Duration `env:"SYNC_POLL_TIMEOUT" envDefault:"20s"`
	WatchdogInterval        time.Duration `env:"WATCHDOG_INTERVAL" envDefault:"15s"`
	WatchdogStuckThreshold  time.Duration `env:"WATCHDOG_STUCK_THRESHOLD" envDefault:"60s"`
	WatchdogRestartCooldown time.Duration `env:"WATCHDOG_RESTART_COOLDOWN" envDefault:"30s"`
	ResumeProgressTimeout   time.Duration `env:"RESUME_PROGRESS_TIMEOUT" envDefault:"8s"`
	UnfocusGrace            time.Duration `env:"UNFOCUS_GRACE" envDefault:"30s"`
	SpiderBatchSize         int           `env:"SPIDER_BATCH_SIZE" envDefault:"100"`
	SpiderDelay             time.Duration `env:"SPIDER_DELAY" envDefault:"0s"`

	// YAML file with list presets. Empty means the built-in presets.
	ListsFile string `env:"LISTS_FILE"`

	// Rooms subscribed on startup in addition to the lists, such as
	// rooms that provide emotes.
	ExtraRooms []string `env:"EXTRA_ROOMS" envSeparator:","`

	// Control server settings (required when the control server is enabled)
	EnableControl       bool   `env:"ENABLE_CONTROL" envDefault:"false"`
	ControlListenAddr   string `env:"CONTROL_LISTEN_ADDR" envDefault:":8091"`
	ControlPasswordHash string `env:"CONTROL_PASSWORD_HASH"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Relative paths are resolved once at startup so the hot-reload
	// watcher and the state database do not depend on later chdirs.
	for _, p := range []*string{&cfg.StatePath, &cfg.ListsFile} {
		if *p == "" {
			continue
		}

		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolving %q to absolute path: %w", *p, err)
		}

		*p = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.HomeserverURL == "" {
		return fmt.Errorf("MATRIX_HOMESERVER_URL is required")
	}

	u, err := url.Parse(c.HomeserverURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("MATRIX_HOMESERVER_URL must be an http(s) URL")
	}

	if c.AccessToken == "" {
		if c.User == "" || c.Password == "" {
			return fmt.Errorf("MATRIX_ACCESS_TOKEN or both MATRIX_USER and MATRIX_PASSWORD are required")
		}
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"SYNC_POLL_TIMEOUT", c.SyncPollTimeout},
		{"WATCHDOG_INTERVAL", c.WatchdogInterval},
		{"WATCHDOG_STUCK_THRESHOLD", c.WatchdogStuckThreshold},
		{"WATCHDOG_RESTART_COOLDOWN", c.WatchdogRestartCooldown},
		{"RESUME_PROGRESS_TIMEOUT", c.ResumeProgressTimeout},
		{"UNFOCUS_GRACE", c.UnfocusGrace},
	}

	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}

	if c.SpiderDelay < 0 {
		return fmt.Errorf("SPIDER_DELAY must not be negative")
	}

	if c.SpiderBatchSize <= 0 {
		return fmt.Errorf("SPIDER_BATCH_SIZE must be positive")
	}

	if c.EnableControl {
		if c.ControlPasswordHash == "" {
			return fmt.Errorf("CONTROL_PASSWORD_HASH is required when the control server is enabled")
		}

		if _, err := bcrypt.Cost([]byte(c.ControlPasswordHash)); err != nil {
			return fmt.Errorf("CONTROL_PASSWORD_HASH is not a bcrypt hash (generate one with `room-sync hash-password`)")
		}
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// SyncOptions maps the timing settings onto controller options. Lists
// are left nil so the controller falls back to its built-in presets
// unless the caller installs presets from LISTS_FILE.
func (c *Config) SyncOptions() slidingsync.Options {
	return slidingsync.Options{
		WatchdogInterval: c.WatchdogInterval,
		StuckThreshold:   c.WatchdogStuckThreshold,
		RestartCooldown:  c.WatchdogRestartCooldown,
		ResumeTimeout:    c.ResumeProgressTimeout,
		UnfocusGrace:     c.UnfocusGrace,
		SpiderBatch:      c.SpiderBatchSize,
		SpiderDelay:      c.SpiderDelay,
	}
}
