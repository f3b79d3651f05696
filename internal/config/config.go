package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html/atom"
	"gopkg.in/yaml.v3"

	"github.com/PaperCranium/BrowserSats/internal/engine"
	"github.com/PaperCranium/BrowserSats/internal/logging"
	"github.com/PaperCranium/BrowserSats/internal/sats"
)

// Dir is the per-workspace state directory.
const Dir = ".sats"

// Config holds all BrowserSats configuration.
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Oracle   OracleConfig   `yaml:"oracle"`
	Store    StoreConfig    `yaml:"store"`
	Redis    RedisConfig    `yaml:"redis"`
	Settings SettingsConfig `yaml:"settings"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Browser  BrowserConfig  `yaml:"browser"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// EngineConfig configures scanning and presentation.
type EngineConfig struct {
	// IconURL replaces the glyph before satoshi amounts when set.
	IconURL  string `yaml:"icon_url"`
	IconSize int    `yaml:"icon_size"`
	Glyph    string `yaml:"glyph"`

	RetryAttempts int    `yaml:"retry_attempts"`
	RetryBackoff  string `yaml:"retry_backoff"`

	SkipClasses []string               `yaml:"skip_classes"`
	Exclusions  []engine.ExclusionRule `yaml:"exclusions"`
	Structured  StructuredConfig       `yaml:"structured"`
}

// StructuredConfig describes split price markup.
type StructuredConfig struct {
	Tag            string `yaml:"tag"`
	ContainerAttr  string `yaml:"container_attr"`
	ContainerValue string `yaml:"container_value"`
	SymbolClass    string `yaml:"symbol_class"`
	WholeClass     string `yaml:"whole_class"`
	FractionClass  string `yaml:"fraction_class"`
}

// OracleConfig configures the price source.
type OracleConfig struct {
	BaseURL  string `yaml:"base_url"`
	CacheTTL string `yaml:"cache_ttl"`
	// RefreshInterval defaults to CacheTTL when empty.
	RefreshInterval string `yaml:"refresh_interval"`
	Timeout         string `yaml:"timeout"`
}

// StoreConfig configures price persistence.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
	HistoryLimit int    `yaml:"history_limit"`
}

// RedisConfig configures the optional shared price cache. An empty Addr
// disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
	Expiry   string `yaml:"expiry"`
}

// SettingsConfig locates the settings file.
type SettingsConfig struct {
	Path     string `yaml:"path"`
	Debounce string `yaml:"debounce"`
}

// ProxyConfig configures the rewriting proxy.
type ProxyConfig struct {
	Listen   string `yaml:"listen"`
	Upstream string `yaml:"upstream"`
	// MaxBody caps the HTML bodies the proxy rewrites, in bytes.
	MaxBody int64 `yaml:"max_body"`
}

// BrowserConfig configures the headless browser host.
type BrowserConfig struct {
	Headless       bool   `yaml:"headless"`
	ViewportWidth  int    `yaml:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height"`
	NavTimeout     string `yaml:"nav_timeout"`
	// ControlURL attaches to a running browser instead of launching one.
	ControlURL string `yaml:"control_url"`
}

// LoggingConfig is the section the logging package reads on its own from
// the same file. Files are written only in debug mode.
type LoggingConfig struct {
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories,omitempty"`
}

// EnabledCategories returns the categories that will get a log file. Known
// categories missing from Categories are on.
func (l LoggingConfig) EnabledCategories() []logging.Category {
	if !l.DebugMode {
		return nil
	}
	var out []logging.Category
	for _, cat := range logging.Categories() {
		if on, ok := l.Categories[string(cat)]; ok && !on {
			continue
		}
		out = append(out, cat)
	}
	return out
}

func (l LoggingConfig) validate() error {
	if !logging.ValidLevel(l.Level) {
		return fmt.Errorf("logging.level: unknown level %q", l.Level)
	}
	known := make(map[string]bool)
	for _, cat := range logging.Categories() {
		known[string(cat)] = true
	}
	for name := range l.Categories {
		if !known[name] {
			return fmt.Errorf("logging.categories: unknown category %q", name)
		}
	}
	return nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	layout := engine.DefaultStructuredLayout()
	return &Config{
		Engine: EngineConfig{
			IconSize:      sats.DefaultStyle().IconSize,
			Glyph:         sats.DefaultStyle().Glyph,
			RetryAttempts: engine.DefaultRetryAttempts,
			RetryBackoff:  "1s",
			SkipClasses:   engine.DefaultSkipClasses(),
			Exclusions:    engine.DefaultExclusionRules(),
			Structured: StructuredConfig{
				Tag:            layout.Tag.String(),
				ContainerAttr:  layout.ContainerAttr,
				ContainerValue: layout.ContainerValue,
				SymbolClass:    layout.SymbolClass,
				WholeClass:     layout.WholeClass,
				FractionClass:  layout.FractionClass,
			},
		},
		Oracle: OracleConfig{
			CacheTTL: "5m",
			Timeout:  "10s",
		},
		Store: StoreConfig{
			DatabasePath: filepath.Join(Dir, "prices.db"),
			HistoryLimit: 2016,
		},
		Redis: RedisConfig{
			Expiry: "24h",
		},
		Settings: SettingsConfig{
			Path:     filepath.Join(Dir, "settings.yaml"),
			Debounce: "200ms",
		},
		Proxy: ProxyConfig{
			Listen:  "127.0.0.1:8484",
			MaxBody: 8 << 20,
		},
		Browser: BrowserConfig{
			Headless:       true,
			ViewportWidth:  1280,
			ViewportHeight: 800,
			NavTimeout:     "30s",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the config file location for a workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, Dir, "config.yaml")
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SATS_UPSTREAM"); v != "" {
		c.Proxy.Upstream = v
	}
	if v := os.Getenv("SATS_LISTEN"); v != "" {
		c.Proxy.Listen = v
	}
	if v := os.Getenv("SATS_DB"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("SATS_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("SATS_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
	if v := os.Getenv("COINGECKO_URL"); v != "" {
		c.Oracle.BaseURL = v
	}
}

// Resolve makes relative file paths absolute under workspace.
func (c *Config) Resolve(workspace string) {
	c.Store.DatabasePath = resolve(workspace, c.Store.DatabasePath)
	c.Settings.Path = resolve(workspace, c.Settings.Path)
}

func resolve(workspace, p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}

func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetRetryBackoff returns the price retry backoff unit.
func (c *Config) GetRetryBackoff() time.Duration {
	return duration(c.Engine.RetryBackoff, engine.DefaultRetryBackoff)
}

// GetCacheTTL returns how long a fetched price stays fresh.
func (c *Config) GetCacheTTL() time.Duration {
	return duration(c.Oracle.CacheTTL, 5*time.Minute)
}

// GetRefreshInterval returns the periodic price refresh period.
func (c *Config) GetRefreshInterval() time.Duration {
	return duration(c.Oracle.RefreshInterval, c.GetCacheTTL())
}

// GetOracleTimeout returns the HTTP timeout for price requests.
func (c *Config) GetOracleTimeout() time.Duration {
	return duration(c.Oracle.Timeout, 10*time.Second)
}

// GetRedisExpiry returns the shared cache entry lifetime.
func (c *Config) GetRedisExpiry() time.Duration {
	return duration(c.Redis.Expiry, 24*time.Hour)
}

// GetSettingsDebounce returns the settings watcher debounce.
func (c *Config) GetSettingsDebounce() time.Duration {
	return duration(c.Settings.Debounce, 200*time.Millisecond)
}

// GetNavTimeout returns the browser navigation timeout.
func (c *Config) GetNavTimeout() time.Duration {
	return duration(c.Browser.NavTimeout, 30*time.Second)
}

// Style returns the annotation decoration.
func (c *Config) Style() sats.Style {
	st := sats.DefaultStyle()
	if c.Engine.IconURL != "" {
		st.IconURL = c.Engine.IconURL
	}
	if c.Engine.IconSize > 0 {
		st.IconSize = c.Engine.IconSize
	}
	if c.Engine.Glyph != "" {
		st.Glyph = c.Engine.Glyph
	}
	return st
}

// Layout returns the structured price layout.
func (c *Config) Layout() engine.StructuredLayout {
	s := c.Engine.Structured
	l := engine.DefaultStructuredLayout()
	if a := atom.Lookup([]byte(strings.ToLower(s.Tag))); a != 0 {
		l.Tag = a
	}
	if s.ContainerAttr != "" {
		l.ContainerAttr = s.ContainerAttr
		l.ContainerValue = s.ContainerValue
	}
	if s.SymbolClass != "" {
		l.SymbolClass = s.SymbolClass
	}
	if s.WholeClass != "" {
		l.WholeClass = s.WholeClass
	}
	if s.FractionClass != "" {
		l.FractionClass = s.FractionClass
	}
	return l
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Engine.RetryAttempts < 1 {
		return fmt.Errorf("engine.retry_attempts must be at least 1, got %d", c.Engine.RetryAttempts)
	}
	if c.Engine.IconSize < 0 {
		return fmt.Errorf("engine.icon_size must not be negative, got %d", c.Engine.IconSize)
	}
	if tag := c.Engine.Structured.Tag; tag != "" && atom.Lookup([]byte(strings.ToLower(tag))) == 0 {
		return fmt.Errorf("engine.structured.tag: unknown element %q", tag)
	}
	for i, r := range c.Engine.Exclusions {
		if r.Host == "" || len(r.Markers) == 0 {
			return fmt.Errorf("engine.exclusions[%d]: host and markers are required", i)
		}
	}
	for name, v := range map[string]string{
		"engine.retry_backoff":    c.Engine.RetryBackoff,
		"oracle.cache_ttl":        c.Oracle.CacheTTL,
		"oracle.refresh_interval": c.Oracle.RefreshInterval,
		"oracle.timeout":          c.Oracle.Timeout,
		"redis.expiry":            c.Redis.Expiry,
		"settings.debounce":       c.Settings.Debounce,
		"browser.nav_timeout":     c.Browser.NavTimeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if c.Proxy.Upstream != "" && !strings.HasPrefix(c.Proxy.Upstream, "http://") && !strings.HasPrefix(c.Proxy.Upstream, "https://") {
		return fmt.Errorf("proxy.upstream must be an http(s) URL, got %q", c.Proxy.Upstream)
	}
	return nil
}
