// Package config loads tasksync settings from defaults, an optional config
// file, TASKSYNC_* environment variables and bound command-line flags, in
// increasing order of precedence.
package config

import (
	stderrors "errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/logging"
	syncpkg "github.com/kimhsiao/tasksync/internal/sync"
	"github.com/kimhsiao/tasksync/internal/sync/conflict"
	"github.com/kimhsiao/tasksync/internal/sync/scheduler"
)

// EnvPrefix is the prefix of environment overrides, e.g. TASKSYNC_SYNC_BATCH_SIZE.
const EnvPrefix = "TASKSYNC"

// Transport names.
const (
	TransportHTTP      = "http"
	TransportWebSocket = "websocket"
	TransportSimulated = "simulated"
)

// Config is the full application configuration.
type Config struct {
	DataDir string     `mapstructure:"data_dir" yaml:"data_dir" json:"data_dir"`
	Sync    SyncConfig `mapstructure:"sync" yaml:"sync" json:"sync"`
	HTTP    HTTPConfig `mapstructure:"http" yaml:"http" json:"http"`
	Log     LogConfig  `mapstructure:"log" yaml:"log" json:"log"`
}

// SyncConfig holds sync engine and scheduler settings.
type SyncConfig struct {
	BatchSize        int           `mapstructure:"batch_size" yaml:"batch_size" json:"batch_size"`
	MaxRetries       int           `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	Endpoint         string        `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	Transport        string        `mapstructure:"transport" yaml:"transport" json:"transport"`
	ConflictStrategy string        `mapstructure:"conflict_strategy" yaml:"conflict_strategy" json:"conflict_strategy"`
	HealthTimeout    time.Duration `mapstructure:"health_timeout" yaml:"health_timeout" json:"health_timeout"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" json:"request_timeout"`
	Interval         time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval" yaml:"probe_interval" json:"probe_interval"`
	RoundTimeout     time.Duration `mapstructure:"round_timeout" yaml:"round_timeout" json:"round_timeout"`
	// Ephemeral keeps the operation queue in memory; pending work is lost on exit.
	Ephemeral bool `mapstructure:"ephemeral" yaml:"ephemeral" json:"ephemeral"`
}

// HTTPConfig holds the API listener settings.
type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr" json:"addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level" json:"level"`
	Format     string `mapstructure:"format" yaml:"format" json:"format"`
	File       string `mapstructure:"file" yaml:"file" json:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" json:"max_age_days"`
}

var defaults = map[string]interface{}{
	"data_dir":               "./data",
	"sync.batch_size":        50,
	"sync.max_retries":       3,
	"sync.endpoint":          "",
	"sync.transport":         TransportHTTP,
	"sync.conflict_strategy": string(conflict.ResolutionStrategyLastWriteWins),
	"sync.health_timeout":    5 * time.Second,
	"sync.request_timeout":   30 * time.Second,
	"sync.interval":          15 * time.Minute,
	"sync.probe_interval":    time.Minute,
	"sync.round_timeout":     5 * time.Minute,
	"sync.ephemeral":         false,
	"http.addr":              ":8090",
	"log.level":              "info",
	"log.format":             "json",
	"log.file":               "",
	"log.max_size_mb":        10,
	"log.max_backups":        3,
	"log.max_age_days":       28,
}

// New returns a viper instance with defaults and environment overrides
// registered. Callers may bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configFile, or searches for tasksync.{yaml,toml,json} in the
// working directory and $HOME/.tasksync when it is empty, then decodes
// and validates the result. A missing searched-for file is not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if v == nil {
		v = New()
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("tasksync")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.tasksync")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !stderrors.As(err, &notFound) {
			return nil, errors.Wrap(errors.ErrConfigInvalid, "failed to read config file", err)
		}
	} else {
		logging.Debug("Loaded config file", map[string]interface{}{"path": v.ConfigFileUsed()})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.ErrConfigInvalid, "failed to decode config", err)
	}
	cfg.Sync.Transport = strings.ToLower(strings.TrimSpace(cfg.Sync.Transport))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	s := c.Sync
	switch {
	case c.DataDir == "":
		return invalid("data_dir is required")
	case s.BatchSize <= 0:
		return invalid("sync.batch_size must be positive, got %d", s.BatchSize)
	case s.MaxRetries <= 0:
		return invalid("sync.max_retries must be positive, got %d", s.MaxRetries)
	case s.HealthTimeout <= 0:
		return invalid("sync.health_timeout must be positive, got %s", s.HealthTimeout)
	case s.RequestTimeout <= 0:
		return invalid("sync.request_timeout must be positive, got %s", s.RequestTimeout)
	case s.Interval <= 0:
		return invalid("sync.interval must be positive, got %s", s.Interval)
	case s.ProbeInterval <= 0:
		return invalid("sync.probe_interval must be positive, got %s", s.ProbeInterval)
	case s.RoundTimeout <= 0:
		return invalid("sync.round_timeout must be positive, got %s", s.RoundTimeout)
	}

	switch s.Transport {
	case TransportHTTP, TransportWebSocket, TransportSimulated:
	default:
		return invalid("unknown sync.transport %q", s.Transport)
	}
	if _, err := conflict.ParseStrategy(s.ConflictStrategy); err != nil {
		return errors.Wrap(errors.ErrConfigInvalid, "invalid sync.conflict_strategy", err)
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return errors.Newf(errors.ErrConfigInvalid, format, args...)
}

// EffectiveTransport returns the transport actually used. Without an
// endpoint the in-process simulated remote is used.
func (c *Config) EffectiveTransport() string {
	if c.Sync.Endpoint == "" {
		return TransportSimulated
	}
	return c.Sync.Transport
}

// Engine returns the sync engine tunables.
func (c *Config) Engine() syncpkg.EngineConfig {
	return syncpkg.EngineConfig{
		BatchSize:     c.Sync.BatchSize,
		MaxRetries:    c.Sync.MaxRetries,
		HealthTimeout: c.Sync.HealthTimeout,
	}
}

// Scheduler returns the background scheduler settings.
func (c *Config) Scheduler() *scheduler.SchedulerConfig {
	return &scheduler.SchedulerConfig{
		SyncInterval:  c.Sync.Interval,
		ProbeInterval: c.Sync.ProbeInterval,
		RoundTimeout:  c.Sync.RoundTimeout,
	}
}

// Strategy returns the configured conflict strategy.
func (c *Config) Strategy() conflict.ResolutionStrategy {
	st, err := conflict.ParseStrategy(c.Sync.ConflictStrategy)
	if err != nil {
		return conflict.ResolutionStrategyLastWriteWins
	}
	return st
}

// Logging returns logger options.
func (c *Config) Logging() logging.Options {
	return logging.Options{
		Level:      logging.ParseLevel(c.Log.Level),
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}
