// Package config loads CUE-validated timetruth configuration.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed schema.cue
var schemaCUE string

// SecretEnv overrides Config.SecretFile.
const SecretEnv = "TIMETRUTH_SECRET"

// Queue backends.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the decoded #Config.
type Config struct {
	Database     string `json:"database"`
	QueueBackend string `json:"queue_backend"`
	Redis        Redis  `json:"redis"`

	SecretFile   string `json:"secret_file"`
	DeviceIDFile string `json:"device_id_file"`

	PayRateCentsPerMinute  int64 `json:"pay_rate_cents_per_minute"`
	MaxAttempts            int   `json:"max_attempts"`
	TickIntervalMs         int64 `json:"tick_interval_ms"`
	MaxEntryHours          int64 `json:"max_entry_hours"`
	DriftTolerancePermille int64 `json:"drift_tolerance_permille"`

	Sync Sync `json:"sync"`
}

// Redis addresses the redis queue backend.
type Redis struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

// Sync configures the sync driver.
type Sync struct {
	Endpoint      string  `json:"endpoint"`
	BatchSize     int     `json:"batch_size"`
	RatePerSecond float64 `json:"rate_per_second"`
	IntervalMs    int64   `json:"interval_ms"`
	TimeoutMs     int64   `json:"timeout_ms"`
}

// ConfigError reports an invalid configuration file.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Default returns the schema defaults.
func Default() Config {
	cfg, err := Parse(nil, "")
	if err != nil {
		// The embedded schema is fixed at build time.
		panic(fmt.Sprintf("config: embedded schema invalid: %v", err))
	}
	return cfg
}

// Load reads and validates the CUE file at path. An empty path yields the
// defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Parse(nil, "")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &ConfigError{Path: path, Err: err}
	}
	return Parse(data, path)
}

// Parse unifies src with #Config and decodes the result.
// filename is used in error positions only.
func Parse(src []byte, filename string) (Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, &ConfigError{Err: fmt.Errorf("compile schema: %w", err)}
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	if len(src) == 0 {
		src = []byte("{}")
	}
	user := ctx.CompileBytes(src, cue.Filename(filename))
	if err := user.Err(); err != nil {
		return Config{}, &ConfigError{Path: filename, Err: err}
	}
	v := def.Unify(user)

	if err := v.Validate(); err != nil {
		return Config{}, &ConfigError{Path: filename, Err: err}
	}
	var cfg Config
	if err := v.Decode(&cfg); err != nil {
		return Config{}, &ConfigError{Path: filename, Err: err}
	}
	return cfg, nil
}

// TickInterval returns tick_interval_ms as a duration.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// MaxEntryDuration returns max_entry_hours as a duration.
func (c Config) MaxEntryDuration() time.Duration {
	return time.Duration(c.MaxEntryHours) * time.Hour
}

// SyncInterval returns sync.interval_ms as a duration.
func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalMs) * time.Millisecond
}

// SyncTimeout returns sync.timeout_ms as a duration.
func (c Config) SyncTimeout() time.Duration {
	return time.Duration(c.Sync.TimeoutMs) * time.Millisecond
}

// ErrNoSecret is returned when neither TIMETRUTH_SECRET nor secret_file is set.
var ErrNoSecret = errors.New("no signing secret: set " + SecretEnv + " or secret_file")

// Secret resolves the master signing secret.
func (c Config) Secret() ([]byte, error) {
	if s := os.Getenv(SecretEnv); s != "" {
		return []byte(s), nil
	}
	if c.SecretFile == "" {
		return nil, ErrNoSecret
	}
	data, err := os.ReadFile(c.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("read secret file: %w", err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return nil, fmt.Errorf("secret file %s is empty", c.SecretFile)
	}
	return []byte(secret), nil
}
