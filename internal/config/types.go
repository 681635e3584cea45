package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "30s", "5m").
// Any omitted key falls back to the documented default.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Posting   PostingConfig   `json:"posting,omitempty"`
	Telegram  TelegramConfig  `json:"telegram,omitempty"`
	API       APIConfig       `json:"api,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"` // debug|info|warn|error (default info)
	Console *bool  `json:"console,omitempty"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Driver values:
//   - "file": JSON files (automations + templates) and a jsonl run log
//   - "sqlite": SQLite database file
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/postpilot" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SchedulerConfig controls the due-check cadence and the job queue.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - tick: "30s"
//   - queue_size: 16
//   - start_grace: "30s"  (first run delay for start-immediately automations)
//   - debounce: "5m"      (floor between consecutive runs of one automation)
type SchedulerConfig struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	Tick       string `json:"tick,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
	StartGrace string `json:"start_grace,omitempty"`
	Debounce   string `json:"debounce,omitempty"`
}

// PostingConfig controls per-run pacing and retry behavior.
//
// MaxRetries is accepted and surfaced for diagnostics but not used by the
// run loop itself (reserved).
type PostingConfig struct {
	MinGroupDelay     int  `json:"min_group_delay,omitempty"` // seconds
	MaxGroupDelay     int  `json:"max_group_delay,omitempty"` // seconds
	RetryDelayMinutes int  `json:"retry_delay_minutes,omitempty"`
	MaxRetries        int  `json:"max_retries,omitempty"`
	DetailedLogging   bool `json:"detailed_logging,omitempty"`
}

type TelegramConfig struct {
	Token      string `json:"token,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8085"
}

const (
	DefaultMinGroupDelay     = 60
	DefaultMaxGroupDelay     = 120
	DefaultRetryDelayMinutes = 5
	DefaultMaxRetries        = 3
)

// Validate rejects configs that can never work. It stays permissive about
// values the runtime can fall back from (e.g. min>max delays are corrected
// at execution time with a warning, not rejected here).
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "none", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	for _, f := range []struct{ path, raw string }{
		{"scheduler.tick", c.Scheduler.Tick},
		{"scheduler.start_grace", c.Scheduler.StartGrace},
		{"scheduler.debounce", c.Scheduler.Debounce},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Posting.MinGroupDelay < 0 || c.Posting.MaxGroupDelay < 0 {
		return errors.New("posting: delays must be >= 0")
	}
	if c.Posting.RetryDelayMinutes < 0 {
		return errors.New("posting.retry_delay_minutes must be >= 0")
	}
	if c.API.Enabled && strings.TrimSpace(c.API.Addr) == "" {
		c.API.Addr = "127.0.0.1:8085"
	}
	return nil
}

// ConsoleEnabled resolves the tri-state console flag (default on).
func (l LoggingConfig) ConsoleEnabled() bool {
	if l.Console == nil {
		return true
	}
	return *l.Console
}

// SchedulerEnabled resolves the tri-state enabled flag (default on).
func (s SchedulerConfig) SchedulerEnabled() bool {
	if s.Enabled == nil {
		return true
	}
	return *s.Enabled
}
