package common

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "CACHESYNC_"

// Config is the full runtime configuration.
type Config struct {
	Cache   CacheConfig   `yaml:"cache"`
	Durable DurableConfig `yaml:"durable"`
	HTTP    HTTPConfig    `yaml:"http"`
	Auth    AuthConfig    `yaml:"auth"`
	Query   QueryConfig   `yaml:"query"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type CacheConfig struct {
	DefaultTTL     time.Duration `yaml:"defaultTTL" validate:"gte=0"`
	DurableTimeout time.Duration `yaml:"durableTimeout" validate:"gte=0"`
	// namespaces cleared when the session can no longer be refreshed
	SessionNamespaces []string `yaml:"sessionNamespaces"`
}

type DurableConfig struct {
	Backend  string        `yaml:"backend" validate:"oneof=none memory file memcached dynamodb"`
	Codec    string        `yaml:"codec" validate:"oneof=json msgpack"`
	Mode     string        `yaml:"mode" validate:"oneof=sync async"`
	Buffer   int           `yaml:"buffer" validate:"gte=1"`
	Dir      string        `yaml:"dir" validate:"required_if=Backend file"`
	Servers  []string      `yaml:"servers" validate:"required_if=Backend memcached"`
	Prefix   string        `yaml:"prefix"`
	Table    string        `yaml:"table" validate:"required_if=Backend dynamodb"`
	Region   string        `yaml:"region"`
	Endpoint string        `yaml:"endpoint" validate:"omitempty,url"`
	Breaker  BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold float64       `yaml:"failureThreshold" validate:"gt=0,lte=1"`
	MinRequests      uint32        `yaml:"minRequests"`
	Interval         time.Duration `yaml:"interval" validate:"gte=0"`
	Timeout          time.Duration `yaml:"timeout" validate:"gte=0"`
}

type HTTPConfig struct {
	BaseURL   string        `yaml:"baseURL" validate:"omitempty,url"`
	UserAgent string        `yaml:"userAgent"`
	Timeout   time.Duration `yaml:"timeout" validate:"gte=0"`
	CacheTTL  time.Duration `yaml:"cacheTTL" validate:"gte=0"`
}

type AuthConfig struct {
	ClientID     string `yaml:"clientID"`
	ClientSecret string `yaml:"clientSecret"`
	TokenURL     string `yaml:"tokenURL" validate:"omitempty,url"`
	AccessToken  string `yaml:"accessToken"`
	RefreshToken string `yaml:"refreshToken"`
}

type QueryConfig struct {
	StaleTime time.Duration `yaml:"staleTime" validate:"gte=0"`
	CacheTime time.Duration `yaml:"cacheTime" validate:"gte=0"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Addr      string `yaml:"addr"`
}

// DefaultConfig returns the configuration used when nothing else is set.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			DefaultTTL:        5 * time.Minute,
			DurableTimeout:    2 * time.Second,
			SessionNamespaces: []string{"api", "user"},
		},
		Durable: DurableConfig{
			Backend: "memory",
			Codec:   "json",
			Mode:    "sync",
			Buffer:  256,
			Prefix:  "cachesync:",
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 0.5,
				MinRequests:      5,
				Interval:         30 * time.Second,
				Timeout:          30 * time.Second,
			},
		},
		HTTP: HTTPConfig{
			UserAgent: "cachesync/1.0",
			Timeout:   DefaultTimeout,
			CacheTTL:  5 * time.Minute,
		},
		Query: QueryConfig{
			StaleTime: 5 * time.Minute,
			CacheTime: 10 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Namespace: "cachesync", Addr: ":9090"},
	}
}

// LoadConfig builds the configuration from, in increasing priority: defaults,
// the YAML file at path (skipped when path is empty), and CACHESYNC_*
// environment variables. The result is validated.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the struct constraints of every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = splitList(v)
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}

	dur("CACHE_DEFAULT_TTL", &cfg.Cache.DefaultTTL)
	dur("CACHE_DURABLE_TIMEOUT", &cfg.Cache.DurableTimeout)
	list("CACHE_SESSION_NAMESPACES", &cfg.Cache.SessionNamespaces)

	str("DURABLE_BACKEND", &cfg.Durable.Backend)
	str("DURABLE_CODEC", &cfg.Durable.Codec)
	str("DURABLE_MODE", &cfg.Durable.Mode)
	integer("DURABLE_BUFFER", &cfg.Durable.Buffer)
	str("DURABLE_DIR", &cfg.Durable.Dir)
	list("DURABLE_SERVERS", &cfg.Durable.Servers)
	str("DURABLE_PREFIX", &cfg.Durable.Prefix)
	str("DURABLE_TABLE", &cfg.Durable.Table)
	str("DURABLE_REGION", &cfg.Durable.Region)
	str("DURABLE_ENDPOINT", &cfg.Durable.Endpoint)
	boolean("DURABLE_BREAKER_ENABLED", &cfg.Durable.Breaker.Enabled)

	str("HTTP_BASE_URL", &cfg.HTTP.BaseURL)
	str("HTTP_USER_AGENT", &cfg.HTTP.UserAgent)
	dur("HTTP_TIMEOUT", &cfg.HTTP.Timeout)
	dur("HTTP_CACHE_TTL", &cfg.HTTP.CacheTTL)

	str("AUTH_CLIENT_ID", &cfg.Auth.ClientID)
	str("AUTH_CLIENT_SECRET", &cfg.Auth.ClientSecret)
	str("AUTH_TOKEN_URL", &cfg.Auth.TokenURL)
	str("AUTH_ACCESS_TOKEN", &cfg.Auth.AccessToken)
	str("AUTH_REFRESH_TOKEN", &cfg.Auth.RefreshToken)

	dur("QUERY_STALE_TIME", &cfg.Query.StaleTime)
	dur("QUERY_CACHE_TIME", &cfg.Query.CacheTime)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)

	boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)
	str("METRICS_NAMESPACE", &cfg.Metrics.Namespace)
	str("METRICS_ADDR", &cfg.Metrics.Addr)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
