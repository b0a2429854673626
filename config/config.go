// Package config loads gcoerce settings from flags, GCOERCE_* environment
// variables and an optional config file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix is prepended to every key to form its environment variable,
// with dashes turned into underscores: workers is GCOERCE_WORKERS.
const EnvPrefix = "GCOERCE"

// Keys double as flag names.
const (
	KeyPollInterval       = "poll-interval"
	KeyHeartbeatBytes     = "heartbeat-bytes"
	KeyWorkers            = "workers"
	KeyTaskTimeout        = "task-timeout"
	KeyMaxAttempts        = "max-attempts"
	KeyRetryBackoff       = "retry-backoff"
	KeyCheckpointInterval = "checkpoint-interval"
	KeyStateDir           = "state-dir"
	KeyMetricsAddr        = "metrics-addr"
	KeyLogLevel           = "log-level"
	KeyTUI                = "tui"
)

// Config holds every tunable of a gcoerce run.
type Config struct {
	PollInterval       time.Duration
	HeartbeatBytes     int64
	Workers            int
	TaskTimeout        time.Duration
	MaxAttempts        int
	RetryBackoff       time.Duration
	CheckpointInterval time.Duration

	StateDir    string
	MetricsAddr string // empty disables the metrics endpoint
	LogLevel    string
	TUI         bool
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		PollInterval:       100 * time.Millisecond,
		HeartbeatBytes:     1_000_000,
		Workers:            8,
		TaskTimeout:        10 * time.Minute,
		MaxAttempts:        1,
		RetryBackoff:       time.Second,
		CheckpointInterval: 5 * time.Second,
		StateDir:           "./.gcoerce-state",
		LogLevel:           "info",
	}
}

// RegisterGlobalFlags adds the flags shared by every command.
func RegisterGlobalFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String(KeyStateDir, d.StateDir, "Directory holding the job state database")
	fs.String(KeyMetricsAddr, d.MetricsAddr, "Address to serve Prometheus metrics on, e.g. :9090 (disabled when empty)")
	fs.String(KeyLogLevel, d.LogLevel, `Log level ("debug", "info", "warn", "error")`)
}

// RegisterRunFlags adds the flags that tune a coercion run.
func RegisterRunFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.Duration(KeyPollInterval, d.PollInterval, "How often job status is polled")
	fs.Int64(KeyHeartbeatBytes, d.HeartbeatBytes, "Record bytes copied between two progress signals")
	fs.Int(KeyWorkers, d.Workers, "Number of files copied concurrently")
	fs.Duration(KeyTaskTimeout, d.TaskTimeout, "Fail an attempt that shows no progress for this long (0 disables)")
	fs.Int(KeyMaxAttempts, d.MaxAttempts, "Attempts per file before the job fails")
	fs.Duration(KeyRetryBackoff, d.RetryBackoff, "Wait before the first retry of a file")
	fs.Duration(KeyCheckpointInterval, d.CheckpointInterval, "Minimum time between two saves of a file's heartbeat count")
	fs.Bool(KeyTUI, d.TUI, "Show an interactive progress view")
}

// New returns a viper instance with defaults and environment binding set
// up.
func New() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault(KeyPollInterval, d.PollInterval)
	v.SetDefault(KeyHeartbeatBytes, d.HeartbeatBytes)
	v.SetDefault(KeyWorkers, d.Workers)
	v.SetDefault(KeyTaskTimeout, d.TaskTimeout)
	v.SetDefault(KeyMaxAttempts, d.MaxAttempts)
	v.SetDefault(KeyRetryBackoff, d.RetryBackoff)
	v.SetDefault(KeyCheckpointInterval, d.CheckpointInterval)
	v.SetDefault(KeyStateDir, d.StateDir)
	v.SetDefault(KeyMetricsAddr, d.MetricsAddr)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyTUI, d.TUI)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file, if given, into v and returns the validated settings.
// Flags must already be bound with v.BindPFlags.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := Config{
		PollInterval:       v.GetDuration(KeyPollInterval),
		HeartbeatBytes:     v.GetInt64(KeyHeartbeatBytes),
		Workers:            v.GetInt(KeyWorkers),
		TaskTimeout:        v.GetDuration(KeyTaskTimeout),
		MaxAttempts:        v.GetInt(KeyMaxAttempts),
		RetryBackoff:       v.GetDuration(KeyRetryBackoff),
		CheckpointInterval: v.GetDuration(KeyCheckpointInterval),
		StateDir:           v.GetString(KeyStateDir),
		MetricsAddr:        v.GetString(KeyMetricsAddr),
		LogLevel:           v.GetString(KeyLogLevel),
		TUI:                v.GetBool(KeyTUI),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every setting that is out of range.
func (c Config) Validate() error {
	var errs []error
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %s", KeyPollInterval, c.PollInterval))
	}
	if c.HeartbeatBytes <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", KeyHeartbeatBytes, c.HeartbeatBytes))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", KeyWorkers, c.Workers))
	}
	if c.TaskTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative, got %s", KeyTaskTimeout, c.TaskTimeout))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", KeyMaxAttempts, c.MaxAttempts))
	}
	if c.StateDir == "" {
		errs = append(errs, fmt.Errorf("%s must not be empty", KeyStateDir))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", KeyLogLevel, err))
	}
	return errors.Join(errs...)
}
