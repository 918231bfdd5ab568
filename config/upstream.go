package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
)

const (
	// DefaultUpstreamURL is the DJEN communications endpoint.
	DefaultUpstreamURL = "https://comunicaapi.pje.jus.br/api/v1/comunicacao"
	// DefaultUserAgent identifies the extractor when it calls the gazette directly.
	DefaultUserAgent = "DJEN-Extractor/1.0"
	// DefaultProxyUserAgent is a browser-like agent accepted by the gazette's edge network.
	DefaultProxyUserAgent = "Mozilla/5.0 (compatible; DJEN-Proxy/1.0; +https://comunicaapi.pje.jus.br)"

	UpstreamModeDirect = "direct"
	UpstreamModeProxy  = "proxy"
)

// UpstreamConfig describes how the gateway reaches the gazette API.
type UpstreamConfig struct {
	Mode        string        `mapstructure:"mode"`
	BaseURL     string        `mapstructure:"base_url"`
	ProxyURL    string        `mapstructure:"proxy_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	PageSize    int           `mapstructure:"page_size"`
	MaxPageSize int           `mapstructure:"max_page_size"`
	MaxPages    int           `mapstructure:"max_pages"`
	Channel     string        `mapstructure:"channel"`
	UserAgent   string        `mapstructure:"user_agent"`
}

// Normalize applies defaults for unset upstream values. A configured proxy URL
// with no explicit mode selects proxy mode.
func (u UpstreamConfig) Normalize() UpstreamConfig {
	u.Mode = strings.ToLower(strings.TrimSpace(u.Mode))
	u.ProxyURL = strings.TrimRight(strings.TrimSpace(u.ProxyURL), "/")
	if u.Mode == "" {
		u.Mode = UpstreamModeDirect
		if u.ProxyURL != "" {
			u.Mode = UpstreamModeProxy
		}
	}
	if strings.TrimSpace(u.BaseURL) == "" {
		u.BaseURL = DefaultUpstreamURL
	}
	if u.Timeout <= 0 {
		u.Timeout = 30 * time.Second
	}
	if u.MaxPageSize <= 0 {
		u.MaxPageSize = 100
	}
	if u.PageSize <= 0 {
		u.PageSize = 100
	}
	if u.PageSize > u.MaxPageSize {
		u.PageSize = u.MaxPageSize
	}
	if u.MaxPages <= 0 {
		u.MaxPages = 1
	}
	if strings.TrimSpace(u.Channel) == "" {
		u.Channel = "D"
	}
	if strings.TrimSpace(u.UserAgent) == "" {
		u.UserAgent = DefaultUserAgent
	}
	return u
}

// Validate checks the upstream configuration.
func (u UpstreamConfig) Validate() error {
	switch u.Mode {
	case UpstreamModeDirect:
		return validateURL("upstream.base_url", u.BaseURL)
	case UpstreamModeProxy:
		return validateURL("upstream.proxy_url", u.ProxyURL)
	default:
		return fmt.Errorf("upstream.mode must be %q or %q, got %q", UpstreamModeDirect, UpstreamModeProxy, u.Mode)
	}
}

// OABRegistration is one bar registration of the monitored attorney.
type OABRegistration struct {
	Number string `mapstructure:"number"`
	State  string `mapstructure:"state"`
}

// SubjectConfig names the single attorney this deployment monitors.
type SubjectConfig struct {
	Name             string            `mapstructure:"name"`
	OABRegistrations []OABRegistration `mapstructure:"oab_registrations"`
}

// Normalize trims values and drops incomplete registrations.
func (s SubjectConfig) Normalize() SubjectConfig {
	s.Name = strings.TrimSpace(s.Name)
	regs := make([]OABRegistration, 0, len(s.OABRegistrations))
	seen := make(map[string]struct{}, len(s.OABRegistrations))
	for _, r := range s.OABRegistrations {
		r.Number = strings.TrimSpace(r.Number)
		r.State = strings.ToUpper(strings.TrimSpace(r.State))
		if r.Number == "" || r.State == "" {
			continue
		}
		key := r.Number + "/" + r.State
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		regs = append(regs, r)
	}
	s.OABRegistrations = regs
	return s
}

// Validate requires a subject name; the extractor cannot run without one.
func (s SubjectConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("subject.name required")
	}
	return nil
}

// PipelineConfig tunes a single ingestion run.
type PipelineConfig struct {
	LookbackDays     int `mapstructure:"lookback_days"`
	MinBodyChars     int `mapstructure:"min_body_chars"`
	SnapshotItems    int `mapstructure:"snapshot_items"`
	SnapshotMaxBytes int `mapstructure:"snapshot_max_bytes"`
}

// Normalize applies defaults for unset pipeline values.
func (p PipelineConfig) Normalize() PipelineConfig {
	if p.LookbackDays <= 0 {
		p.LookbackDays = 1
	}
	if p.SnapshotItems <= 0 {
		p.SnapshotItems = 20
	}
	if p.SnapshotMaxBytes <= 0 {
		p.SnapshotMaxBytes = 64 * 1024
	}
	return p
}

// Validate checks the pipeline configuration.
func (p PipelineConfig) Validate() error {
	if p.MinBodyChars < 0 {
		return fmt.Errorf("pipeline.min_body_chars cannot be negative")
	}
	if p.LookbackDays > 31 {
		return fmt.Errorf("pipeline.lookback_days must be at most 31")
	}
	return nil
}

// ScheduleConfig controls the daily automatic trigger.
type ScheduleConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Cron     string `mapstructure:"cron"`
	Timezone string `mapstructure:"timezone"`
}

// Normalize applies defaults for unset schedule values.
func (s ScheduleConfig) Normalize() ScheduleConfig {
	s.Cron = strings.TrimSpace(s.Cron)
	if s.Cron == "" {
		s.Cron = "0 6 * * *"
	}
	s.Timezone = strings.TrimSpace(s.Timezone)
	if s.Timezone == "" {
		s.Timezone = "America/Sao_Paulo"
	}
	return s
}

// Validate parses the cron expression and the timezone.
func (s ScheduleConfig) Validate() error {
	if _, err := cronexpr.Parse(s.Cron); err != nil {
		return fmt.Errorf("schedule.cron invalid: %w", err)
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}
	return nil
}

// Location returns the configured timezone, falling back to time.Local.
func (s ScheduleConfig) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func validateURL(key, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%s required", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s invalid: %w", key, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) URL", key)
	}
	if u.Host == "" {
		return fmt.Errorf("%s missing host", key)
	}
	return nil
}
