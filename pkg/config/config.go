// Package config loads harvester configuration from defaults, an optional
// YAML file, HARVESTER_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables, e.g. HARVESTER_OUTPUT_DIR.
const EnvPrefix = "HARVESTER"

// Defaults
const (
	DefaultBaseURL        = "https://rickandmortyapi.com/api"
	DefaultOutputDir      = "."
	DefaultMaxPages       = 10000
	DefaultPageTimeout    = 15 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultUserAgent      = "harvester/1.0"
	DefaultLogLevel       = "info"
	DefaultRedisPrefix    = "harvester"
	DefaultMetricsJob     = "harvester"
)

// DefaultCollections are harvested when none are configured.
var DefaultCollections = []string{"character", "location", "episode"}

var (
	// ErrNoCollections is returned when no collection is configured.
	ErrNoCollections = errors.New("no collections configured")

	// ErrInvalidConfig wraps every other validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config is the complete harvester configuration. It is loaded once at
// startup and treated as read-only afterwards.
type Config struct {
	BaseURL          string        `mapstructure:"base_url"`
	Collections      []string      `mapstructure:"collections"`
	OutputDir        string        `mapstructure:"output_dir"`
	ConcurrencyLimit int           `mapstructure:"concurrency_limit"`
	MaxPages         int           `mapstructure:"max_pages"`
	PageTimeout      time.Duration `mapstructure:"page_timeout"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	UserAgent        string        `mapstructure:"user_agent"`
	FailFast         bool          `mapstructure:"fail_fast"`

	Log     LogConfig     `mapstructure:"log"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// RedisConfig configures the optional Redis sink. Empty Addr disables it.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Enabled reports whether documents should also be published to Redis.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// MetricsConfig configures the optional Pushgateway push at exit.
type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("base_url", DefaultBaseURL)
	v.SetDefault("collections", DefaultCollections)
	v.SetDefault("output_dir", DefaultOutputDir)
	v.SetDefault("concurrency_limit", 0)
	v.SetDefault("max_pages", DefaultMaxPages)
	v.SetDefault("page_timeout", DefaultPageTimeout)
	v.SetDefault("request_timeout", DefaultRequestTimeout)
	v.SetDefault("user_agent", DefaultUserAgent)
	v.SetDefault("fail_fast", false)

	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.pretty", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", DefaultRedisPrefix)
	v.SetDefault("redis.ttl", time.Duration(0))

	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", DefaultMetricsJob)
}

// LoadDotEnv loads a .env file from the working directory if one exists.
// Variables already set in the environment win.
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// ReadFile reads the config file at path, or searches harvester.yaml in the
// working directory and ./config when path is empty. A missing file in search
// mode is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("harvester")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Collections = normalizeCollections(cfg.Collections)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	if len(c.Collections) == 0 {
		return ErrNoCollections
	}

	seen := make(map[string]struct{}, len(c.Collections))
	for _, name := range c.Collections {
		if strings.ContainsAny(name, `/\?#`) {
			return fmt.Errorf("%w: collection name %q contains a path or query separator", ErrInvalidConfig, name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: collection %q listed twice", ErrInvalidConfig, name)
		}
		seen[name] = struct{}{}
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: base_url must be an absolute http(s) URL (got %q)", ErrInvalidConfig, c.BaseURL)
	}

	if c.ConcurrencyLimit < 0 {
		return fmt.Errorf("%w: concurrency_limit must be >= 0 (got %d)", ErrInvalidConfig, c.ConcurrencyLimit)
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("%w: max_pages must be > 0 (got %d)", ErrInvalidConfig, c.MaxPages)
	}
	if c.PageTimeout <= 0 {
		return fmt.Errorf("%w: page_timeout must be > 0 (got %s)", ErrInvalidConfig, c.PageTimeout)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request_timeout must be > 0 (got %s)", ErrInvalidConfig, c.RequestTimeout)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("%w: user_agent is required", ErrInvalidConfig)
	}
	if c.Redis.TTL < 0 {
		return fmt.Errorf("%w: redis.ttl must be >= 0 (got %s)", ErrInvalidConfig, c.Redis.TTL)
	}
	return nil
}

// normalizeCollections trims names, drops empty entries and splits
// comma-separated values coming from a single env var or flag.
func normalizeCollections(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, name := range strings.Split(entry, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}
