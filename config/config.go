package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the extractor, the HTTP API and the relay proxy.
type Config struct {
	General  GeneralConfig  `mapstructure:"general"`
	Server   ServerConfig   `mapstructure:"server"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Subject  SubjectConfig  `mapstructure:"subject"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Storage  StorageConfig  `mapstructure:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	LogLevel string `mapstructure:"log_level"`
}

// SlogLevel maps the configured level name to a slog.Level. Unknown names fall back to info.
func (g GeneralConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(g.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ServerConfig contains the manual-trigger / read API settings
type ServerConfig struct {
	Address     string        `mapstructure:"address"`
	RunTimeout  time.Duration `mapstructure:"run_timeout"`
	CORSOrigins []string      `mapstructure:"cors_origins"`
}

// Normalize applies defaults for unset server values.
func (s ServerConfig) Normalize() ServerConfig {
	s.Address = strings.TrimSpace(s.Address)
	if s.Address == "" {
		s.Address = ":8000"
	}
	if s.Address[0] != ':' && !strings.Contains(s.Address, ":") {
		s.Address = ":" + s.Address
	}
	if s.RunTimeout <= 0 {
		s.RunTimeout = 10 * time.Minute
	}
	if len(s.CORSOrigins) == 0 {
		s.CORSOrigins = []string{"*"}
	}
	return s
}

// ProxyConfig configures the relay process that forwards requests to the gazette API.
type ProxyConfig struct {
	Address     string        `mapstructure:"address"`
	UpstreamURL string        `mapstructure:"upstream_url"`
	UserAgent   string        `mapstructure:"user_agent"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Version     string        `mapstructure:"version"`
}

// Normalize applies defaults for unset proxy values.
func (p ProxyConfig) Normalize() ProxyConfig {
	p.Address = strings.TrimSpace(p.Address)
	if p.Address == "" {
		p.Address = ":3000"
	}
	if strings.TrimSpace(p.UpstreamURL) == "" {
		p.UpstreamURL = DefaultUpstreamURL
	}
	if strings.TrimSpace(p.UserAgent) == "" {
		p.UserAgent = DefaultProxyUserAgent
	}
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	if strings.TrimSpace(p.Version) == "" {
		p.Version = "1.0.0"
	}
	return p
}

// Validate checks the proxy configuration.
func (p ProxyConfig) Validate() error {
	if err := validateURL("proxy.upstream_url", p.UpstreamURL); err != nil {
		return err
	}
	return nil
}

// Default loads the configuration from defaults and environment variables only.
// It is used by tools and tests that run without a config file.
func Default() (*Config, error) {
	return load(newViper(), false)
}

// LoadConfig loads config from file. An empty path searches ./config, the
// working directory and the executable's directory for config.json.
func LoadConfig(path string) (*Config, error) {
	v := newViper()
	if path == "" {
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}
	return load(v, true)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("DJEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about, so every
	// overridable key gets a default here.
	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.run_timeout", "10m")
	v.SetDefault("proxy.address", ":3000")
	v.SetDefault("proxy.upstream_url", DefaultUpstreamURL)
	v.SetDefault("proxy.user_agent", DefaultProxyUserAgent)
	v.SetDefault("proxy.timeout", "30s")
	v.SetDefault("proxy.version", "1.0.0")
	v.SetDefault("upstream.mode", "")
	v.SetDefault("upstream.base_url", DefaultUpstreamURL)
	v.SetDefault("upstream.proxy_url", "")
	v.SetDefault("upstream.timeout", "30s")
	v.SetDefault("upstream.page_size", 100)
	v.SetDefault("upstream.max_page_size", 100)
	v.SetDefault("upstream.max_pages", 1)
	v.SetDefault("upstream.channel", "D")
	v.SetDefault("upstream.user_agent", DefaultUserAgent)
	v.SetDefault("subject.name", "")
	v.SetDefault("pipeline.lookback_days", 1)
	v.SetDefault("pipeline.min_body_chars", 0)
	v.SetDefault("pipeline.snapshot_items", 20)
	v.SetDefault("pipeline.snapshot_max_bytes", 64*1024)
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.cron", "0 6 * * *")
	v.SetDefault("schedule.timezone", "America/Sao_Paulo")
	v.SetDefault("storage.postgres.url", "")
	v.SetDefault("storage.postgres.host", "")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.user", "")
	v.SetDefault("storage.postgres.password", "")
	v.SetDefault("storage.postgres.dbname", "")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.postgres.auto_migrate", false)
	v.SetDefault("storage.postgres.migrations", "file://migrations")
	v.SetDefault("storage.redis.host", "")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.lock_ttl", "15m")
	return v
}

func load(v *viper.Viper, readFile bool) (*Config, error) {
	if readFile {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Server = cfg.Server.Normalize()
	cfg.Proxy = cfg.Proxy.Normalize()
	cfg.Upstream = cfg.Upstream.Normalize()
	cfg.Subject = cfg.Subject.Normalize()
	cfg.Pipeline = cfg.Pipeline.Normalize()
	cfg.Schedule = cfg.Schedule.Normalize()
	cfg.Storage.Redis = cfg.Storage.Redis.Normalize()

	if err := cfg.Proxy.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Upstream.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Pipeline.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Schedule.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Storage.Redis.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
