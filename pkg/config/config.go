// Package config loads control plane settings from defaults, an optional
// YAML file and AUTOPILOT_* environment variables, in that order of
// precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Mindburn-Labs/autopilot/pkg/database"
	"github.com/Mindburn-Labs/autopilot/pkg/observability"
	"github.com/Mindburn-Labs/autopilot/pkg/stopdecision"
)

// EnvPrefix is prepended to every environment key: database.dsn is read from
// AUTOPILOT_DATABASE_DSN.
const EnvPrefix = "AUTOPILOT"

// DefaultFile is looked up in the working directory when no path is given.
const DefaultFile = "autopilot.yaml"

var ErrInvalid = errors.New("config: invalid configuration")

type Database struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type Lawbook struct {
	Path string `mapstructure:"path"`
}

type Playbooks struct {
	Dir string `mapstructure:"dir"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Telemetry struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

// Stop holds the rerun-loop thresholds.
type Stop struct {
	MaxRerunsPerJob     int           `mapstructure:"max_reruns_per_job"`
	MaxTotalRerunsPerPR int           `mapstructure:"max_total_reruns_per_pr"`
	MaxWaitForGreen     time.Duration `mapstructure:"max_wait_for_green"`
	Cooldown            time.Duration `mapstructure:"cooldown"`
	SignalWindow        int           `mapstructure:"signal_window"`
	RepeatThreshold     int           `mapstructure:"repeat_threshold"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
}

type Executor struct {
	StepTimeout time.Duration `mapstructure:"step_timeout"`
	BackendRPS  float64       `mapstructure:"backend_rps"`
}

type Audit struct {
	ExportBucket string `mapstructure:"export_bucket"`
	ExportPrefix string `mapstructure:"export_prefix"`
	ExportRegion string `mapstructure:"export_region"`
	// ExportEndpoint points the S3 client at a compatible store such as MinIO.
	ExportEndpoint string `mapstructure:"export_endpoint"`
}

// Config is the full control plane configuration.
type Config struct {
	LogLevel  string    `mapstructure:"log_level"`
	Database  Database  `mapstructure:"database"`
	Lawbook   Lawbook   `mapstructure:"lawbook"`
	Playbooks Playbooks `mapstructure:"playbooks"`
	Redis     Redis     `mapstructure:"redis"`
	Telemetry Telemetry `mapstructure:"telemetry"`
	Stop      Stop      `mapstructure:"stop"`
	Executor  Executor  `mapstructure:"executor"`
	Audit     Audit     `mapstructure:"audit"`
}

func setDefaults(v *viper.Viper) {
	st := stopdecision.DefaultThresholds()
	v.SetDefault("log_level", "info")
	v.SetDefault("database.driver", string(database.SQLite))
	v.SetDefault("database.dsn", "autopilot.db")
	v.SetDefault("lawbook.path", "lawbook.yaml")
	v.SetDefault("playbooks.dir", "playbooks")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("stop.max_reruns_per_job", st.MaxRerunsPerJob)
	v.SetDefault("stop.max_total_reruns_per_pr", st.MaxTotalRerunsPerPR)
	v.SetDefault("stop.max_wait_for_green", st.MaxWaitForGreen)
	v.SetDefault("stop.cooldown", st.Cooldown)
	v.SetDefault("stop.signal_window", st.SignalWindow)
	v.SetDefault("stop.repeat_threshold", st.RepeatThreshold)
	v.SetDefault("stop.poll_interval", 30*time.Second)
	v.SetDefault("executor.step_timeout", 5*time.Minute)
	v.SetDefault("executor.backend_rps", 5.0)
	v.SetDefault("audit.export_bucket", "")
	v.SetDefault("audit.export_prefix", "audit/")
	v.SetDefault("audit.export_region", "")
	v.SetDefault("audit.export_endpoint", "")
}

// New returns a viper instance with defaults and environment binding set up
// but no file read. The CLI binds its flags onto it before calling Decode.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (or DefaultFile when path is empty and the file exists),
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := New()
	if err := ReadFile(v, path); err != nil {
		return nil, err
	}
	return Decode(v)
}

// ReadFile merges a YAML config file into v. A missing DefaultFile is not an
// error; a missing explicit path is.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("config: read %s: %w", path, err)
		}
		return nil
	}
	v.SetConfigName(strings.TrimSuffix(DefaultFile, ".yaml"))
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", DefaultFile, err)
	}
	return nil
}

// Decode unmarshals v and validates the result.
func Decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects unknown drivers and thresholds that would disable a bound.
func (c *Config) Validate() error {
	if _, err := database.ParseDialect(c.Database.Driver); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("%w: database.dsn is required", ErrInvalid)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if err := c.StopThresholds().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Stop.PollInterval <= 0 {
		return fmt.Errorf("%w: stop.poll_interval must be positive", ErrInvalid)
	}
	if c.Executor.StepTimeout <= 0 {
		return fmt.Errorf("%w: executor.step_timeout must be positive", ErrInvalid)
	}
	if c.Executor.BackendRPS < 0 {
		return fmt.Errorf("%w: executor.backend_rps must not be negative", ErrInvalid)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("%w: telemetry.endpoint is required when telemetry is enabled", ErrInvalid)
	}
	return nil
}

// StopThresholds maps the stop section onto evaluator thresholds. The
// non-retriable classes and reason-code outcomes keep their defaults.
func (c *Config) StopThresholds() stopdecision.Thresholds {
	t := stopdecision.DefaultThresholds()
	t.MaxRerunsPerJob = c.Stop.MaxRerunsPerJob
	t.MaxTotalRerunsPerPR = c.Stop.MaxTotalRerunsPerPR
	t.MaxWaitForGreen = c.Stop.MaxWaitForGreen
	t.Cooldown = c.Stop.Cooldown
	t.SignalWindow = c.Stop.SignalWindow
	t.RepeatThreshold = c.Stop.RepeatThreshold
	return t
}

// Observability maps the telemetry section onto provider settings.
func (c *Config) Observability() *observability.Config {
	oc := observability.DefaultConfig()
	oc.Enabled = c.Telemetry.Enabled
	oc.Insecure = c.Telemetry.Insecure
	if c.Telemetry.Endpoint != "" {
		oc.OTLPEndpoint = c.Telemetry.Endpoint
	}
	return oc
}

// Dialect returns the parsed database driver.
func (c *Config) Dialect() database.Dialect {
	d, _ := database.ParseDialect(c.Database.Driver)
	return d
}

// SlogLevel parses log_level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("%w: log_level %q", ErrInvalid, c.LogLevel)
	}
	return lvl, nil
}
