package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/psantana5/playscope/pkg/cleanup"
	"github.com/psantana5/playscope/pkg/logging"
	"github.com/psantana5/playscope/pkg/store"
	"github.com/psantana5/playscope/pkg/tracing"
)

// EnvPrefix is prepended to every environment override, e.g. PLAYSCOPE_STORE_TYPE
const EnvPrefix = "PLAYSCOPE"

// Config holds the whole server configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server" json:"server"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store" json:"store"`
	Log     LogConfig     `mapstructure:"log" yaml:"log" json:"log"`
	Cleanup CleanupConfig `mapstructure:"cleanup" yaml:"cleanup" json:"cleanup"`
	Corpus  CorpusConfig  `mapstructure:"corpus" yaml:"corpus" json:"corpus"`
	Catalog CatalogConfig `mapstructure:"catalog" yaml:"catalog" json:"catalog"`
	LLM     LLMConfig     `mapstructure:"llm" yaml:"llm" json:"llm"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing" json:"tracing"`
}

// ServerConfig is the HTTP surface
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr" json:"addr"`
	MetricsAddr     string        `mapstructure:"metrics_addr" yaml:"metrics_addr" json:"metrics_addr"`
	APIToken        string        `mapstructure:"api_token" yaml:"api_token" json:"api_token"`
	TLSCert         string        `mapstructure:"tls_cert" yaml:"tls_cert" json:"tls_cert"`
	TLSKey          string        `mapstructure:"tls_key" yaml:"tls_key" json:"tls_key"`
	RateLimit       float64       `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst" yaml:"rate_burst" json:"rate_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// TLSEnabled reports whether both halves of a key pair are configured
func (s ServerConfig) TLSEnabled() bool {
	return s.TLSCert != "" && s.TLSKey != ""
}

type StoreConfig struct {
	Type string `mapstructure:"type" yaml:"type" json:"type"`
	Path string `mapstructure:"path" yaml:"path" json:"path"`
	DSN  string `mapstructure:"dsn" yaml:"dsn" json:"dsn"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"`
}

type CleanupConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	RetentionDays  int           `mapstructure:"retention_days" yaml:"retention_days" json:"retention_days"`
	Interval       time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
	VacuumInterval time.Duration `mapstructure:"vacuum_interval" yaml:"vacuum_interval" json:"vacuum_interval"`
}

type CorpusConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir" json:"dir"`
}

type CatalogConfig struct {
	BaseURL       string  `mapstructure:"base_url" yaml:"base_url" json:"base_url"`
	ThumbnailsURL string  `mapstructure:"thumbnails_url" yaml:"thumbnails_url" json:"thumbnails_url"`
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second" json:"rate_per_second"`
	MaxRetries    int     `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	PageSize      int     `mapstructure:"page_size" yaml:"page_size" json:"page_size"`
	MaxPages      int     `mapstructure:"max_pages" yaml:"max_pages" json:"max_pages"`
}

type LLMConfig struct {
	APIKey         string  `mapstructure:"api_key" yaml:"api_key" json:"api_key"`
	BaseURL        string  `mapstructure:"base_url" yaml:"base_url" json:"base_url"`
	ChatModel      string  `mapstructure:"chat_model" yaml:"chat_model" json:"chat_model"`
	EmbeddingModel string  `mapstructure:"embedding_model" yaml:"embedding_model" json:"embedding_model"`
	Dimensions     int     `mapstructure:"dimensions" yaml:"dimensions" json:"dimensions"`
	MaxTokens      int     `mapstructure:"max_tokens" yaml:"max_tokens" json:"max_tokens"`
	Temperature    float64 `mapstructure:"temperature" yaml:"temperature" json:"temperature"`
}

type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate" json:"sample_rate"`
}

// SetDefaults registers every key so AutomaticEnv can override it
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.api_token", "")
	v.SetDefault("server.tls_cert", "")
	v.SetDefault("server.tls_key", "")
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.path", "playscope.db")
	v.SetDefault("store.dsn", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.retention_days", 7)
	v.SetDefault("cleanup.interval", 24*time.Hour)
	v.SetDefault("cleanup.vacuum_interval", 7*24*time.Hour)

	v.SetDefault("corpus.dir", "corpus")

	v.SetDefault("catalog.base_url", "https://games.roblox.com")
	v.SetDefault("catalog.thumbnails_url", "https://thumbnails.roblox.com")
	v.SetDefault("catalog.rate_per_second", 2.0)
	v.SetDefault("catalog.max_retries", 5)
	v.SetDefault("catalog.page_size", 50)
	v.SetDefault("catalog.max_pages", 20)

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.chat_model", "gpt-4o-mini")
	v.SetDefault("llm.embedding_model", "text-embedding-3-small")
	v.SetDefault("llm.dimensions", 256)
	v.SetDefault("llm.max_tokens", 8000)
	v.SetDefault("llm.temperature", 0.2)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.sample_rate", 1.0)
}

// NewViper returns a viper instance with defaults and environment binding
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The OpenAI SDK convention is honoured when no prefixed key is set
	_ = v.BindEnv("llm.api_key", EnvPrefix+"_LLM_API_KEY", "OPENAI_API_KEY")
	return v
}

// Load reads cfgFile (optional) and envFile (optional, missing is fine) into a Config.
// Flags should already be bound to v.
func Load(v *viper.Viper, cfgFile, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", cfgFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration with no file, env or flags applied
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

// Validate checks values that would otherwise fail late
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Type {
	case "sqlite", "memory":
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.type %q: %w", c.Store.Type, store.ErrUnsupportedDatabase))
	}

	for key, addr := range map[string]string{"server.addr": c.Server.Addr, "server.metrics_addr": c.Server.MetricsAddr} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", key, addr, err))
		}
	}
	if c.Server.Addr == c.Server.MetricsAddr {
		errs = append(errs, errors.New("server.addr and server.metrics_addr must differ"))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must be non-negative"))
	}

	if c.Cleanup.RetentionDays < 0 {
		errs = append(errs, errors.New("cleanup.retention_days must be non-negative"))
	}
	if c.Cleanup.Enabled && c.Cleanup.Interval <= 0 {
		errs = append(errs, errors.New("cleanup.interval must be positive"))
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want json or console", c.Log.Format))
	}

	if c.LLM.Dimensions < 0 {
		errs = append(errs, errors.New("llm.dimensions must be non-negative"))
	}
	if c.Catalog.RatePerSecond <= 0 {
		errs = append(errs, errors.New("catalog.rate_per_second must be positive"))
	}

	return errors.Join(errs...)
}

// StoreOptions maps the section onto store.Config
func (c *Config) StoreOptions() store.Config {
	return store.Config{
		Type: c.Store.Type,
		DSN:  c.Store.DSN,
		Path: c.Store.Path,
	}
}

// CleanupOptions maps the section onto cleanup.Config
func (c *Config) CleanupOptions() cleanup.Config {
	cc := cleanup.DefaultConfig()
	cc.Enabled = c.Cleanup.Enabled
	cc.JobRetentionDays = c.Cleanup.RetentionDays
	cc.CleanupInterval = c.Cleanup.Interval
	cc.VacuumInterval = c.Cleanup.VacuumInterval
	return cc
}

// LoggingOptions maps the section onto logging.Config
func (c *Config) LoggingOptions(component string) logging.Config {
	return logging.Config{
		Level:     c.Log.Level,
		Format:    c.Log.Format,
		Component: component,
		Output:    os.Stderr,
	}
}

// TracingOptions maps the section onto tracing.Config
func (c *Config) TracingOptions(version string) tracing.Config {
	return tracing.Config{
		ServiceName:    "playscoped",
		ServiceVersion: version,
		Environment:    os.Getenv(EnvPrefix + "_ENV"),
		OTLPEndpoint:   c.Tracing.Endpoint,
		SampleRate:     c.Tracing.SampleRate,
		Enabled:        c.Tracing.Enabled,
		StoreType:      c.Store.Type,
		CorpusDir:      c.Corpus.Dir,
	}
}

// DefaultPath is ~/.playscope/config.yaml
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to find home directory: %w", err)
	}
	return filepath.Join(home, ".playscope", "config.yaml"), nil
}

// Redacted returns a copy with secrets masked for display
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Server.APIToken != "" {
		cp.Server.APIToken = "********"
	}
	if cp.LLM.APIKey != "" {
		cp.LLM.APIKey = "********"
	}
	if cp.Store.DSN != "" {
		cp.Store.DSN = "********"
	}
	return &cp
}
