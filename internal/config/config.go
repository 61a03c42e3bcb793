// Package config loads service configuration from defaults, an optional YAML
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces the structured environment overrides, e.g.
// STOREFRONT_TRACKING_SYNC_INTERVAL.
const EnvPrefix = "STOREFRONT"

// Config is the full service configuration.
type Config struct {
	Module    string          `mapstructure:"module" yaml:"module"`
	HTTP      HTTPConfig      `mapstructure:"http" yaml:"http"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Tracking  TrackingConfig  `mapstructure:"tracking" yaml:"tracking"`
	Providers ProvidersConfig `mapstructure:"providers" yaml:"providers"`
	SMTP      SMTPConfig      `mapstructure:"smtp" yaml:"smtp"`
}

type HTTPConfig struct {
	Port              string        `mapstructure:"port" yaml:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DatabaseConfig mirrors the DATABASE_URL / DB_* variables every service in
// the platform understands.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url" yaml:"url"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            string        `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Name            string        `mapstructure:"name" yaml:"name"`
	SSLMode         string        `mapstructure:"sslmode" yaml:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxIdle     time.Duration `mapstructure:"conn_max_idle" yaml:"conn_max_idle"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	// Required disables the in-memory fallback.
	Required bool `mapstructure:"required" yaml:"required"`
}

type CacheConfig struct {
	ListTTL      time.Duration `mapstructure:"list_ttl" yaml:"list_ttl"`
	QuoteTTL     time.Duration `mapstructure:"quote_ttl" yaml:"quote_ttl"`
	ProviderSize int           `mapstructure:"provider_size" yaml:"provider_size"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

type TrackingConfig struct {
	SyncInterval time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"`
	Workers      int           `mapstructure:"workers" yaml:"workers"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type ProvidersConfig struct {
	Mock      MockConfig      `mapstructure:"mock" yaml:"mock"`
	Enviopack EnviopackConfig `mapstructure:"enviopack" yaml:"enviopack"`
}

type MockConfig struct {
	StepInterval time.Duration `mapstructure:"step_interval" yaml:"step_interval"`
}

type EnviopackConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	From     string `mapstructure:"from" yaml:"from"`

	// Timeout bounds one delivery, from dial to QUIT.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Enabled reports whether outgoing mail is configured.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.From != ""
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Module: "ERP-eCommerce",
		HTTP: HTTPConfig{
			Port:              "8080",
			ReadHeaderTimeout: 2 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Database: DatabaseConfig{
			Port:            "5432",
			User:            "postgres",
			Password:        "postgres",
			Name:            "erp_ecommerce",
			SSLMode:         "disable",
			MaxOpenConns:    60,
			MaxIdleConns:    20,
			ConnMaxIdle:     5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Cache: CacheConfig{
			ListTTL:      45 * time.Second,
			QuoteTTL:     10 * time.Minute,
			ProviderSize: 512,
		},
		Log: LogConfig{Level: "info"},
		Tracking: TrackingConfig{
			SyncInterval: 15 * time.Minute,
			Workers:      4,
			Timeout:      2 * time.Minute,
		},
		Providers: ProvidersConfig{
			Mock:      MockConfig{StepInterval: 6 * time.Hour},
			Enviopack: EnviopackConfig{BaseURL: "https://api.enviopack.com", Timeout: 20 * time.Second},
		},
		SMTP: SMTPConfig{Port: 587, Timeout: 15 * time.Second},
	}
}

// legacyEnv maps config keys onto the unprefixed variables used across the
// platform's deployment manifests.
var legacyEnv = map[string]string{
	"module":                     "MODULE_NAME",
	"http.port":                  "PORT",
	"database.url":               "DATABASE_URL",
	"database.host":              "DB_HOST",
	"database.port":              "DB_PORT",
	"database.user":              "DB_USER",
	"database.password":          "DB_PASSWORD",
	"database.name":              "DB_NAME",
	"database.sslmode":           "DB_SSLMODE",
	"database.max_open_conns":    "DB_MAX_OPEN_CONNS",
	"database.max_idle_conns":    "DB_MAX_IDLE_CONNS",
	"database.conn_max_idle":     "DB_CONN_MAX_IDLE",
	"database.conn_max_lifetime": "DB_CONN_MAX_LIFETIME",
	"cache.list_ttl":             "CACHE_TTL",
	"log.level":                  "LOG_LEVEL",
}

// SetDefaults registers default values with v.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("module", d.Module)

	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.read_header_timeout", d.HTTP.ReadHeaderTimeout)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.idle_timeout", d.HTTP.IdleTimeout)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)

	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.user", d.Database.User)
	v.SetDefault("database.password", d.Database.Password)
	v.SetDefault("database.name", d.Database.Name)
	v.SetDefault("database.sslmode", d.Database.SSLMode)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_idle", d.Database.ConnMaxIdle)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)
	v.SetDefault("database.required", d.Database.Required)

	v.SetDefault("cache.list_ttl", d.Cache.ListTTL)
	v.SetDefault("cache.quote_ttl", d.Cache.QuoteTTL)
	v.SetDefault("cache.provider_size", d.Cache.ProviderSize)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)

	v.SetDefault("tracking.sync_interval", d.Tracking.SyncInterval)
	v.SetDefault("tracking.workers", d.Tracking.Workers)
	v.SetDefault("tracking.timeout", d.Tracking.Timeout)

	v.SetDefault("providers.mock.step_interval", d.Providers.Mock.StepInterval)
	v.SetDefault("providers.enviopack.base_url", d.Providers.Enviopack.BaseURL)
	v.SetDefault("providers.enviopack.timeout", d.Providers.Enviopack.Timeout)

	v.SetDefault("smtp.host", d.SMTP.Host)
	v.SetDefault("smtp.port", d.SMTP.Port)
	v.SetDefault("smtp.username", d.SMTP.Username)
	v.SetDefault("smtp.password", d.SMTP.Password)
	v.SetDefault("smtp.from", d.SMTP.From)
	v.SetDefault("smtp.timeout", d.SMTP.Timeout)
}

// NewViper builds a viper instance with defaults and environment bindings.
// When file is empty, shipping.yaml is looked up in the working directory and
// /etc/storefront; a missing file is not an error in that case.
func NewViper(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
		return v, nil
	}

	v.SetConfigName("shipping")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/storefront")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load reads the configuration from v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Module = strings.TrimSpace(c.Module)
	c.HTTP.Port = strings.TrimSpace(c.HTTP.Port)
	c.Database.URL = strings.TrimSpace(c.Database.URL)
	c.Database.Host = strings.TrimSpace(c.Database.Host)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Providers.Enviopack.BaseURL = strings.TrimRight(strings.TrimSpace(c.Providers.Enviopack.BaseURL), "/")
}

// Validate returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Port == "" {
		errs = append(errs, errors.New("http.port is required"))
	}
	if c.Database.MaxOpenConns < 1 {
		errs = append(errs, errors.New("database.max_open_conns must be at least 1"))
	}
	if c.Database.MaxIdleConns < 0 || c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		errs = append(errs, errors.New("database.max_idle_conns must be between 0 and max_open_conns"))
	}
	if c.Database.Required && c.Database.URL == "" && c.Database.Host == "" {
		errs = append(errs, errors.New("database.required is set but neither database.url nor database.host is configured"))
	}
	if c.Cache.ListTTL < 0 || c.Cache.QuoteTTL < 0 {
		errs = append(errs, errors.New("cache TTLs must not be negative"))
	}
	if c.Cache.ProviderSize < 1 {
		errs = append(errs, errors.New("cache.provider_size must be at least 1"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if c.Tracking.Workers < 1 {
		errs = append(errs, errors.New("tracking.workers must be at least 1"))
	}
	if c.Tracking.SyncInterval < 0 {
		errs = append(errs, errors.New("tracking.sync_interval must not be negative"))
	}
	if c.Tracking.Timeout <= 0 {
		errs = append(errs, errors.New("tracking.timeout must be positive"))
	}
	if c.Providers.Mock.StepInterval <= 0 {
		errs = append(errs, errors.New("providers.mock.step_interval must be positive"))
	}
	if u, err := url.Parse(c.Providers.Enviopack.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("providers.enviopack.base_url %q is not an absolute URL", c.Providers.Enviopack.BaseURL))
	}
	if c.SMTP.Timeout <= 0 {
		errs = append(errs, errors.New("smtp.timeout must be positive"))
	}
	if c.SMTP.Host != "" && c.SMTP.From == "" {
		errs = append(errs, errors.New("smtp.from is required when smtp.host is set"))
	}
	return errors.Join(errs...)
}

// DSN returns the Postgres connection string, or "" when no database is
// configured.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	if c.Host == "" {
		return ""
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     "/" + c.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

const mask = "********"

// Redacted returns a copy with secrets replaced, suitable for printing.
func (c Config) Redacted() Config {
	if c.Database.Password != "" {
		c.Database.Password = mask
	}
	if c.Database.URL != "" {
		if u, err := url.Parse(c.Database.URL); err == nil && u.User != nil {
			if _, ok := u.User.Password(); ok {
				u.User = url.UserPassword(u.User.Username(), mask)
				c.Database.URL = u.String()
			}
		}
	}
	if c.SMTP.Password != "" {
		c.SMTP.Password = mask
	}
	return c
}
