// Package config loads dashsync configuration from config.toml and the
// environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides (e.g. DASHSYNC_API_BASE_URL)
const EnvPrefix = "DASHSYNC"

// ErrInvalidConfig is returned when a loaded configuration fails validation
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all application configuration
type Config struct {
	App           AppConfig
	API           APIConfig
	Cache         CacheConfig
	Notifications NotificationConfig
	Activity      ActivityConfig
	Storage       StorageConfig
	Log           LogConfig
	Telemetry     TelemetryConfig
	StubAPI       StubAPIConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string `validate:"required"`
	Env  string `validate:"required"`
}

// APIConfig describes the remote API the client talks to
type APIConfig struct {
	BaseURL           string        `validate:"required,url"`
	Prefix            string        // path prefix prepended to every endpoint, e.g. /api
	Timeout           time.Duration `validate:"gt=0"`
	RateLimitBackoff  time.Duration `validate:"gte=0"` // fixed wait before reporting a 429
	RequestsPerSecond float64       `validate:"gte=0"` // client-side pacing, 0 disables
	LoginEndpoint     string        `validate:"required"`
}

// CacheConfig holds read-cache settings
type CacheConfig struct {
	DefaultTTL time.Duration `validate:"gt=0"`
	// ResponseTTL lets repeated GETs of the same endpoint share one response; 0 disables
	ResponseTTL time.Duration `validate:"gte=0"`
}

// NotificationConfig holds notification poller settings
type NotificationConfig struct {
	Enabled            bool
	Interval           time.Duration `validate:"gt=0"`
	MinGap             time.Duration `validate:"gte=0"`
	CountsEndpoint     string        `validate:"required"`
	MarkViewedEndpoint string        `validate:"required"` // may contain {category}
}

// ActivityConfig holds activity poller settings
type ActivityConfig struct {
	Enabled     bool
	Interval    time.Duration `validate:"gt=0"`
	Endpoint    string        `validate:"required"`
	TrackedKeys []string
}

// StorageConfig selects the persistent store backend
type StorageConfig struct {
	Driver     string `validate:"oneof=memory sqlite redis"`
	SQLitePath string
	Redis      RedisConfig
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string `validate:"oneof=json console"`
	Output string
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool
	CollectorEndpoint string
	SamplingRatio     float64 `validate:"gte=0,lte=1"`
	ServiceName       string
	Insecure          bool
	ExportInterval    time.Duration
}

// StubAPIConfig configures the local stub of the remote API
type StubAPIConfig struct {
	Addr               string `validate:"required"`
	JWTSecret          string
	TokenTTL           time.Duration `validate:"gt=0"`
	RateLimitPerMinute int           `validate:"gte=0"`
	Username           string
	Password           string
}

// Load reads configuration with the following priority (highest first):
//  1. environment variables with the DASHSYNC_ prefix
//  2. config.toml from the given paths, the working directory, or $HOME/.dashsync
//  3. built-in defaults
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.dashsync")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		API: APIConfig{
			BaseURL:           v.GetString("api.base_url"),
			Prefix:            v.GetString("api.prefix"),
			Timeout:           v.GetDuration("api.timeout"),
			RateLimitBackoff:  v.GetDuration("api.rate_limit_backoff"),
			RequestsPerSecond: v.GetFloat64("api.requests_per_second"),
			LoginEndpoint:     v.GetString("api.login_endpoint"),
		},
		Cache: CacheConfig{
			DefaultTTL:  v.GetDuration("cache.default_ttl"),
			ResponseTTL: v.GetDuration("cache.response_ttl"),
		},
		Notifications: NotificationConfig{
			Enabled:            v.GetBool("notifications.enabled"),
			Interval:           v.GetDuration("notifications.interval"),
			MinGap:             v.GetDuration("notifications.min_gap"),
			CountsEndpoint:     v.GetString("notifications.counts_endpoint"),
			MarkViewedEndpoint: v.GetString("notifications.mark_viewed_endpoint"),
		},
		Activity: ActivityConfig{
			Enabled:     v.GetBool("activity.enabled"),
			Interval:    v.GetDuration("activity.interval"),
			Endpoint:    v.GetString("activity.endpoint"),
			TrackedKeys: v.GetStringSlice("activity.tracked_keys"),
		},
		Storage: StorageConfig{
			Driver:     v.GetString("storage.driver"),
			SQLitePath: v.GetString("storage.sqlite_path"),
			Redis: RedisConfig{
				Host:      v.GetString("storage.redis.host"),
				Port:      v.GetInt("storage.redis.port"),
				Password:  v.GetString("storage.redis.password"),
				DB:        v.GetInt("storage.redis.db"),
				KeyPrefix: v.GetString("storage.redis.key_prefix"),
			},
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			ExportInterval:    v.GetDuration("telemetry.export_interval"),
		},
		StubAPI: StubAPIConfig{
			Addr:               v.GetString("stub_api.addr"),
			JWTSecret:          v.GetString("stub_api.jwt_secret"),
			TokenTTL:           v.GetDuration("stub_api.token_ttl"),
			RateLimitPerMinute: v.GetInt("stub_api.rate_limit_per_minute"),
			Username:           v.GetString("stub_api.username"),
			Password:           v.GetString("stub_api.password"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "dashsync")
	v.SetDefault("app.env", "development")

	v.SetDefault("api.base_url", "http://localhost:8088")
	v.SetDefault("api.prefix", "/api")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.rate_limit_backoff", time.Second)
	v.SetDefault("api.requests_per_second", 0)
	v.SetDefault("api.login_endpoint", "/auth/login")

	v.SetDefault("cache.default_ttl", 5*time.Minute)
	v.SetDefault("cache.response_ttl", 15*time.Second)

	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.interval", 120*time.Second)
	v.SetDefault("notifications.min_gap", 30*time.Second)
	v.SetDefault("notifications.counts_endpoint", "/notifications/counts")
	v.SetDefault("notifications.mark_viewed_endpoint", "/notifications/{category}/mark-viewed")

	v.SetDefault("activity.enabled", true)
	v.SetDefault("activity.interval", 60*time.Second)
	v.SetDefault("activity.endpoint", "/activity/last-updated")
	v.SetDefault("activity.tracked_keys", []string{})

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "dashsync.db")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.key_prefix", "dashsync:")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stderr")

	v.SetDefault("telemetry.sampling_ratio", 1.0)
	v.SetDefault("telemetry.service_name", "dashsync")
	v.SetDefault("telemetry.export_interval", 60*time.Second)

	v.SetDefault("stub_api.addr", ":8088")
	v.SetDefault("stub_api.jwt_secret", "dashsync-dev-secret")
	v.SetDefault("stub_api.token_ttl", 8*time.Hour)
	v.SetDefault("stub_api.rate_limit_per_minute", 0)
	v.SetDefault("stub_api.username", "admin")
	v.SetDefault("stub_api.password", "admin")
}

// Validate checks field constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Telemetry.Enabled && c.Telemetry.CollectorEndpoint == "" {
		return fmt.Errorf("%w: telemetry.collector_endpoint is required when telemetry is enabled", ErrInvalidConfig)
	}
	if c.Storage.Driver == "sqlite" && c.Storage.SQLitePath == "" {
		return fmt.Errorf("%w: storage.sqlite_path is required for the sqlite driver", ErrInvalidConfig)
	}
	if c.IsProduction() && c.StubAPI.JWTSecret == "dashsync-dev-secret" {
		return fmt.Errorf("%w: stub_api.jwt_secret must be changed in production", ErrInvalidConfig)
	}
	return nil
}

// IsProduction reports whether the app runs in the production environment
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
