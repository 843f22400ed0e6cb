package contentgate

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the complete contentgate configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Settings  SettingsConfig  `mapstructure:"settings"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	BlockPage BlockPageConfig `mapstructure:"block_page"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig contains proxy listener settings.
type ServerConfig struct {
	// Addr to listen on (e.g., ":8080", "127.0.0.1:8080")
	Addr string `mapstructure:"addr" validate:"required"`

	// DialTimeout bounds upstream and tunnel dials.
	DialTimeout time.Duration `mapstructure:"dial_timeout" validate:"gte=0"`
}

// SettingsConfig locates the Settings Service.
type SettingsConfig struct {
	// BaseURL of the Settings Service. Empty disables the remote source.
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`

	// UserID identifies the user and is sent as the bearer token.
	UserID string `mapstructure:"user_id" validate:"required_with=BaseURL"`

	// Timeout per attempt, at most 5s.
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0,lte=5s"`

	// Retries after a failed attempt, at most 1.
	Retries int `mapstructure:"retries" validate:"gte=0,lte=1"`
}

// PolicyConfig controls policy caching and reloads.
type PolicyConfig struct {
	// CacheFile is the local settings document, read when the Settings
	// Service is unreachable and rewritten after each remote load.
	CacheFile string `mapstructure:"cache_file"`

	// WriteThrough saves each remote policy to CacheFile.
	WriteThrough bool `mapstructure:"write_through"`

	// ReloadInterval is the minimum spacing between reload attempts.
	ReloadInterval time.Duration `mapstructure:"reload_interval" validate:"gt=0"`

	// BackgroundReload also reloads on a ticker, not only on traffic.
	BackgroundReload bool `mapstructure:"background_reload"`

	// WatchCacheFile forces a reload when CacheFile changes on disk.
	WatchCacheFile bool `mapstructure:"watch_cache_file"`

	// MaxScanSize is the largest response body scanned, in bytes.
	MaxScanSize int64 `mapstructure:"max_scan_size" validate:"gt=0"`

	// HostCacheSize bounds the per-policy host decision cache. 0 disables it.
	HostCacheSize int `mapstructure:"host_cache_size" validate:"gte=0"`
}

// BlockPageConfig selects the warning page template.
type BlockPageConfig struct {
	// TemplatePath to a custom html/template file (optional)
	TemplatePath string `mapstructure:"template_path"`

	// TemplateInline is inline template content (optional)
	TemplateInline string `mapstructure:"template_inline"`
}

// AdminConfig controls the admin REST API.
type AdminConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	PathPrefix string `mapstructure:"path_prefix" validate:"omitempty,startswith=/"`
}

// MetricsConfig controls the Prometheus and health endpoints.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Health  bool `mapstructure:"health"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the log format: text, json
	Format string `mapstructure:"format" validate:"oneof=text json"`

	// Output is where to write logs: stdout, stderr, or file path
	Output string `mapstructure:"output"`

	// AccessLog writes one record per exchange.
	AccessLog bool `mapstructure:"access_log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:        ":8080",
			DialTimeout: 30 * time.Second,
		},
		Settings: SettingsConfig{
			Timeout: DefaultRemoteTimeout,
			Retries: 1,
		},
		Policy: PolicyConfig{
			CacheFile:      "settings.json",
			WriteThrough:   true,
			ReloadInterval: DefaultReloadInterval,
			MaxScanSize:    DefaultMaxScanSize,
			HostCacheSize:  DefaultHostCacheSize,
		},
		Admin: AdminConfig{
			PathPrefix: "/api",
		},
		Metrics: MetricsConfig{
			Health: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./contentgate.yaml
// 3. $HOME/.contentgate/contentgate.yaml
// 4. /etc/contentgate/contentgate.yaml
//
// Environment variables override file values, e.g.
// CONTENTGATE_SETTINGS_BASE_URL.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("contentgate")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.contentgate")
	v.AddConfigPath("/etc/contentgate")

	v.SetEnvPrefix("CONTENTGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return decodeConfig(v)
}

// LoadConfigFromReader loads configuration of the given type from data.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return decodeConfig(v)
}

func decodeConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.dial_timeout", d.Server.DialTimeout)

	// Registered even when empty so AutomaticEnv can override them.
	v.SetDefault("settings.base_url", d.Settings.BaseURL)
	v.SetDefault("settings.user_id", d.Settings.UserID)
	v.SetDefault("settings.timeout", d.Settings.Timeout)
	v.SetDefault("settings.retries", d.Settings.Retries)

	v.SetDefault("policy.cache_file", d.Policy.CacheFile)
	v.SetDefault("policy.write_through", d.Policy.WriteThrough)
	v.SetDefault("policy.reload_interval", d.Policy.ReloadInterval)
	v.SetDefault("policy.background_reload", d.Policy.BackgroundReload)
	v.SetDefault("policy.watch_cache_file", d.Policy.WatchCacheFile)
	v.SetDefault("policy.max_scan_size", d.Policy.MaxScanSize)
	v.SetDefault("policy.host_cache_size", d.Policy.HostCacheSize)

	v.SetDefault("block_page.template_path", d.BlockPage.TemplatePath)
	v.SetDefault("block_page.template_inline", d.BlockPage.TemplateInline)

	v.SetDefault("admin.enabled", d.Admin.Enabled)
	v.SetDefault("admin.path_prefix", d.Admin.PathPrefix)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.health", d.Metrics.Health)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.access_log", d.Logging.AccessLog)
}

// Validate checks the struct tags of c.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %s", validationMessage(err))
	}
	return nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// BuildLoader assembles the policy source chain described by c.
func (c *Config) BuildLoader(logger *slog.Logger) *SourceChain {
	chain := &SourceChain{WriteThrough: c.Policy.WriteThrough, Logger: logger}

	if c.Settings.BaseURL != "" {
		remote := NewRemoteSource(c.Settings.BaseURL, c.Settings.UserID)
		remote.Timeout = c.Settings.Timeout
		remote.Retries = c.Settings.Retries
		chain.Remote = remote
	}
	if c.Policy.CacheFile != "" {
		chain.Local = NewLocalFileSource(c.Policy.CacheFile)
	}
	return chain
}

// BuildWarningPage returns the configured warning page, preferring an
// inline template over a template file.
func (c *Config) BuildWarningPage() (*WarningPage, error) {
	switch {
	case c.BlockPage.TemplateInline != "":
		wp, err := NewWarningPageFromTemplate(c.BlockPage.TemplateInline)
		if err != nil {
			return nil, fmt.Errorf("parse inline block page: %w", err)
		}
		return wp, nil
	case c.BlockPage.TemplatePath != "":
		wp, err := NewWarningPageFromFile(c.BlockPage.TemplatePath)
		if err != nil {
			return nil, fmt.Errorf("load block page %s: %w", c.BlockPage.TemplatePath, err)
		}
		return wp, nil
	default:
		return NewWarningPage(), nil
	}
}

// BuildEngine creates an Engine from c.
func (c *Config) BuildEngine(logger *slog.Logger) (*Engine, error) {
	wp, err := c.BuildWarningPage()
	if err != nil {
		return nil, err
	}

	e := NewEngine(c.BuildLoader(logger), c.Settings.BaseURL, logger)
	e.Store.Interval = c.Policy.ReloadInterval
	e.Store.HostCacheSize = c.Policy.HostCacheSize
	e.Responses.MaxScanSize = c.Policy.MaxScanSize
	e.WarningPage = wp
	return e, nil
}

// NewLogger builds the slog logger described by c.Logging. The returned
// closer releases a log file and is a no-op for stdout and stderr.
func (c *Config) NewLogger() (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}

	var (
		w      io.Writer
		closer io.Closer = io.NopCloser(nil)
	)
	switch c.Logging.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		// #nosec G304 -- path is operator configuration.
		f, err := os.OpenFile(c.Logging.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), closer, nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), closer, nil
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# contentgate configuration

server:
  # Proxy listen address
  addr: ":8080"
  dial_timeout: 30s

settings:
  # Settings Service root. Leave empty to run from the cache file only.
  base_url: "http://127.0.0.1:8000"
  # User id, also sent as the bearer token
  user_id: "alice"
  # Per-attempt timeout (max 5s) and retries (max 1)
  timeout: 5s
  retries: 1

policy:
  # Local settings document used when the service is unreachable
  cache_file: "settings.json"
  # Rewrite the cache file after each successful remote load
  write_through: true
  # Minimum spacing between reload attempts
  reload_interval: 5s
  # Also reload on a timer, not only when traffic arrives
  background_reload: false
  # Reload as soon as the cache file changes on disk
  watch_cache_file: false
  # Larger response bodies are forwarded unscanned
  max_scan_size: 10485760
  host_cache_size: 4096

block_page:
  # Custom html/template file (optional)
  # template_path: "/etc/contentgate/block.html"

admin:
  enabled: false
  path_prefix: "/api"

metrics:
  # Prometheus /metrics endpoint
  enabled: false
  # /healthz and /readyz
  health: true

logging:
  # Log level: debug, info, warn, error
  level: "info"
  # Log format: text, json
  format: "text"
  # Output: stdout, stderr, or file path
  output: "stderr"
  access_log: false
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0o644)
}
