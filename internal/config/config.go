package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Fulcrum  FulcrumConfig  `yaml:"fulcrum" mapstructure:"fulcrum"`
	Registry RegistryConfig `yaml:"registry" mapstructure:"registry"`
	Sync     SyncConfig     `yaml:"sync" mapstructure:"sync"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	// RunLog enables bulk-load bookkeeping in fulcrum_sync.sync_log.
	// Postgres only.
	RunLog bool `yaml:"run_log" mapstructure:"run_log"`
}

// FulcrumConfig configures the data share client.
type FulcrumConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"` // requests per second per host
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
	MaxPages    int     `yaml:"max_pages" mapstructure:"max_pages"` // 0 walks until an empty page
}

// Timeout returns the HTTP client timeout.
func (c FulcrumConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// RegistryConfig locates the collection registry file.
type RegistryConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// SyncConfig configures the engine and the dispatcher.
type SyncConfig struct {
	Workers          int  `yaml:"workers" mapstructure:"workers"`
	QueueSize        int  `yaml:"queue_size" mapstructure:"queue_size"`
	JobTimeoutSecs   int  `yaml:"job_timeout_secs" mapstructure:"job_timeout_secs"`
	Strict           bool `yaml:"strict" mapstructure:"strict"`
	SerializeRecords bool `yaml:"serialize_records" mapstructure:"serialize_records"`
}

// JobTimeout returns the per-job deadline.
func (c SyncConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSecs) * time.Second
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FULCRUMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.run_log", false)
	v.SetDefault("fulcrum.base_url", "https://web.fulcrumapp.com")
	v.SetDefault("fulcrum.timeout_secs", 60)
	v.SetDefault("fulcrum.rate_limit", 5.0)
	v.SetDefault("fulcrum.user_agent", "fulcrum-sync/1.0")
	v.SetDefault("fulcrum.max_pages", 0)
	v.SetDefault("registry.path", "collections.yaml")
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.queue_size", 256)
	v.SetDefault("sync.job_timeout_secs", 3600)
	v.SetDefault("sync.strict", true)
	v.SetDefault("sync.serialize_records", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the keys a command needs. mode is one of "serve", "sync"
// (one-shot engine commands), "fetch" (provider only) or "collections".
func (c *Config) Validate(mode string) error {
	var errs []string

	needStore := false
	switch mode {
	case "serve", "sync":
		needStore = true
		errs = append(errs, c.validateFulcrum()...)
		errs = append(errs, c.validateSync()...)
	case "fetch":
		errs = append(errs, c.validateFulcrum()...)
	case "collections":
		needStore = true
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Registry.Path == "" {
		errs = append(errs, "registry.path is required")
	}

	if needStore {
		switch c.Store.Driver {
		case "postgres", "sqlite":
		default:
			errs = append(errs, "store.driver must be postgres or sqlite")
		}
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
		if c.Store.MaxConns < 0 {
			errs = append(errs, "store.max_conns must be >= 0")
		}
		if c.Store.RunLog && c.Store.Driver == "sqlite" {
			errs = append(errs, "store.run_log requires the postgres driver")
		}
	}

	if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, "server.port must be > 0 and <= 65535")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateFulcrum() []string {
	var errs []string
	if u, err := url.Parse(c.Fulcrum.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, "fulcrum.base_url must be an absolute URL")
	}
	if c.Fulcrum.TimeoutSecs <= 0 {
		errs = append(errs, "fulcrum.timeout_secs must be > 0")
	}
	if c.Fulcrum.RateLimit <= 0 {
		errs = append(errs, "fulcrum.rate_limit must be > 0")
	}
	if c.Fulcrum.MaxPages < 0 {
		errs = append(errs, "fulcrum.max_pages must be >= 0")
	}
	return errs
}

func (c *Config) validateSync() []string {
	var errs []string
	if c.Sync.Workers < 1 || c.Sync.Workers > 64 {
		errs = append(errs, "sync.workers must be between 1 and 64")
	}
	if c.Sync.QueueSize < 1 {
		errs = append(errs, "sync.queue_size must be > 0")
	}
	if c.Sync.JobTimeoutSecs < 0 {
		errs = append(errs, "sync.job_timeout_secs must be >= 0")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
