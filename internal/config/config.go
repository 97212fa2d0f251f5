package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"reportd/internal/logging"
	"reportd/internal/progress"
)

// Store drivers.
const (
	StoreEtcd   = "etcd"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config holds all configuration for the supervisor.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	NodeID            string        `mapstructure:"node_id"`
	StoreDriver       string        `mapstructure:"store_driver" validate:"oneof=etcd sqlite memory"`
	EtcdEndpoints     []string      `mapstructure:"etcd_endpoints" validate:"required_if=StoreDriver etcd"`
	EtcdTimeout       time.Duration `mapstructure:"etcd_timeout" validate:"gt=0"`
	SQLitePath        string        `mapstructure:"sqlite_path" validate:"required_if=StoreDriver sqlite"`
	HttpListenAddr    string        `mapstructure:"http_listen_addr" validate:"required"`
	GrpcListenAddr    string        `mapstructure:"grpc_listen_addr"`
	LeaderElectionTTL time.Duration `mapstructure:"leader_election_ttl" validate:"gte=1s"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`

	WorkRoot      string `mapstructure:"work_root" validate:"required"`
	WorkerCommand string `mapstructure:"worker_command" validate:"required"`

	Watchdog         WatchdogConfig      `mapstructure:"watchdog"`
	Progress         progress.Heuristics `mapstructure:"progress"`
	Auth             AuthConfig          `mapstructure:"auth"`
	Log              logging.Options     `mapstructure:"log"`
	Tracing          TracingConfig       `mapstructure:"tracing"`
	Archive          ArchiveConfig       `mapstructure:"archive"`
	WatchStatusFiles bool                `mapstructure:"watch_status_files"`
}

// WatchdogConfig tunes the supervision loop.
type WatchdogConfig struct {
	TickInterval         time.Duration `mapstructure:"tick_interval" validate:"gte=100ms"`
	MaxConcurrentWorkers int           `mapstructure:"max_concurrent_workers" validate:"gte=0"`
	SpawnRate            float64       `mapstructure:"spawn_rate" validate:"gt=0"`
	SpawnBurst           int           `mapstructure:"spawn_burst" validate:"gte=1"`
	ClaimGrace           time.Duration `mapstructure:"claim_grace" validate:"gt=0"`
	StoreTimeout         time.Duration `mapstructure:"store_timeout" validate:"gt=0"`
}

// AuthConfig selects how callers are authenticated.
type AuthConfig struct {
	// Disabled grants every capability to an anonymous developer identity.
	Disabled bool   `mapstructure:"disabled"`
	Secret   string `mapstructure:"secret" validate:"required_unless=Disabled true"`
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// ArchiveConfig uploads the figures of completed jobs to S3.
type ArchiveConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Bucket   string   `mapstructure:"bucket" validate:"required_if=Enabled true"`
	Prefix   string   `mapstructure:"prefix"`
	Region   string   `mapstructure:"region"`
	Endpoint string   `mapstructure:"endpoint"`
	Include  []string `mapstructure:"include"`

	// Static credentials are optional; the AWS default chain is used otherwise.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

func setDefaults(v *viper.Viper) {
	h := progress.DefaultHeuristics()

	v.SetDefault("store_driver", StoreEtcd)
	v.SetDefault("etcd_endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd_timeout", "5s")
	v.SetDefault("sqlite_path", "reportd.db")
	v.SetDefault("http_listen_addr", ":8080")
	v.SetDefault("grpc_listen_addr", ":9090")
	v.SetDefault("leader_election_ttl", "10s")
	v.SetDefault("shutdown_timeout", "15s")
	v.SetDefault("work_root", "./jobs")
	v.SetDefault("worker_command", "python3 -m report.run --config {config}")

	v.SetDefault("watchdog.tick_interval", "3s")
	v.SetDefault("watchdog.max_concurrent_workers", 4)
	v.SetDefault("watchdog.spawn_rate", 1.0)
	v.SetDefault("watchdog.spawn_burst", 2)
	v.SetDefault("watchdog.claim_grace", "1m")
	v.SetDefault("watchdog.store_timeout", "5s")

	v.SetDefault("progress.default_files_per_year", h.DefaultFilesPerYear)
	v.SetDefault("progress.baseline_per_year", h.BaselinePerYear)
	v.SetDefault("progress.clamp_percent", h.ClampPercent)
	v.SetDefault("progress.nominal_remaining", h.NominalRemaining)
	v.SetDefault("progress.log_tail_bytes", h.LogTailBytes)

	v.SetDefault("auth.disabled", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "reportd")
	v.SetDefault("archive.include", []string{"output/figures/**"})
	v.SetDefault("watch_status_files", true)
}

// Load reads configuration from defaults, an optional file and environment
// variables prefixed with REPORTD_ (nested keys use underscores, for example
// REPORTD_WATCHDOG_TICK_INTERVAL). configFile may be empty, in which case
// config.{yaml,json,toml} is looked up in ./configs and the working directory.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("REPORTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file: defaults and env vars only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
