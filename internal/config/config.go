// Package config reads the global ~/.synapse/config.toml and the per-profile
// synapse.toml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"
)

// Global represents ~/.synapse/config.toml.
type Global struct {
	DefaultProfile string `toml:"default_profile"`
}

// LoadGlobal reads the global config. Returns an error if the file is missing.
func LoadGlobal(path string) (*Global, error) {
	var cfg Global
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Duration is a time.Duration written as a string such as "1s" or "250ms".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Remote backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Remote struct {
	Backend  string `toml:"backend"`
	RedisURL string `toml:"redis_url"`
	Prefix   string `toml:"prefix"`
}

type Sync struct {
	PageSize            int      `toml:"page_size"`
	MergeTimeout        Duration `toml:"merge_timeout"`
	MaxConcurrentMerges int      `toml:"max_concurrent_merges"`
	StallAfter          Duration `toml:"stall_after"`
	RetryInterval       Duration `toml:"retry_interval"`
	LeaseTTL            Duration `toml:"lease_ttl"`
}

type Watermark struct {
	Quiescence Duration `toml:"quiescence"`
}

type Unread struct {
	Ceiling int `toml:"ceiling"`
}

type Metrics struct {
	Addr string `toml:"addr"`
}

// Config is one profile's daemon configuration.
type Config struct {
	UserID    string    `toml:"user_id"`
	LogLevel  string    `toml:"log_level"`
	Remote    Remote    `toml:"remote"`
	Sync      Sync      `toml:"sync"`
	Watermark Watermark `toml:"watermark"`
	Unread    Unread    `toml:"unread"`
	Metrics   Metrics   `toml:"metrics"`
}

// Default returns a config with every value set except the user id.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Remote: Remote{
			Backend:  BackendMemory,
			RedisURL: "redis://localhost:6379/0",
			Prefix:   "synapse:",
		},
		Sync: Sync{
			PageSize:            50,
			MergeTimeout:        Duration(10 * time.Second),
			MaxConcurrentMerges: 4,
			StallAfter:          Duration(30 * time.Second),
			RetryInterval:       Duration(2 * time.Second),
			LeaseTTL:            Duration(5 * time.Minute),
		},
		Watermark: Watermark{Quiescence: Duration(time.Second)},
		Unread:    Unread{Ceiling: 10},
	}
}

// LoadProfile overlays the file at path on Default. A missing file yields
// the defaults.
func LoadProfile(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.UserID == "" {
		errs = append(errs, errors.New("user_id is required"))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.Remote.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Remote.RedisURL == "" {
			errs = append(errs, errors.New("remote.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("remote.backend %q: want %q or %q", c.Remote.Backend, BackendMemory, BackendRedis))
	}
	if c.Sync.PageSize <= 0 {
		errs = append(errs, errors.New("sync.page_size must be positive"))
	}
	if c.Sync.MaxConcurrentMerges <= 0 {
		errs = append(errs, errors.New("sync.max_concurrent_merges must be positive"))
	}
	for name, d := range map[string]Duration{
		"sync.merge_timeout":   c.Sync.MergeTimeout,
		"sync.stall_after":     c.Sync.StallAfter,
		"sync.retry_interval":  c.Sync.RetryInterval,
		"sync.lease_ttl":       c.Sync.LeaseTTL,
		"watermark.quiescence": c.Watermark.Quiescence,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Unread.Ceiling <= 0 {
		errs = append(errs, errors.New("unread.ceiling must be positive"))
	}
	return errors.Join(errs...)
}

// Save writes v as TOML to path, creating parent dirs as needed.
func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
