package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/embedkit/chatwidget/internal/domain"
)

// Timeout bounds in milliseconds
const (
	MinTimeoutMs = 1000
	MaxTimeoutMs = 300000
)

var hexColorRe = regexp.MustCompile(`^#([A-Fa-f0-9]{6}|[A-Fa-f0-9]{3})$`)

// Config holds all configuration for the chat widget
type Config struct {
	Widget   WidgetConfig   `mapstructure:"widget"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
}

// WidgetConfig holds the client-side widget configuration
type WidgetConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	// Origin is the embedding page's origin; when it matches BaseURL
	// the API key may be omitted
	Origin        string `mapstructure:"origin"`
	TimeoutMs     int    `mapstructure:"timeout_ms"`
	MaxRetries    int    `mapstructure:"max_retries"`
	ThemeColor    string `mapstructure:"theme_color"`
	EnableHistory bool   `mapstructure:"enable_history"`
	Debug         bool   `mapstructure:"debug"`
}

// ServerConfig holds configuration for the mock backend
type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	APIKey       string   `mapstructure:"api_key"`
	ChunkDelayMs int      `mapstructure:"chunk_delay_ms"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// DatabaseConfig holds the preferences database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("CHATWIDGET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found, use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("widget.base_url", "")
	v.SetDefault("widget.api_key", "")
	v.SetDefault("widget.origin", "")
	v.SetDefault("widget.timeout_ms", 30000)
	v.SetDefault("widget.max_retries", 3)
	v.SetDefault("widget.theme_color", "#3b82f6")
	v.SetDefault("widget.enable_history", false)
	v.SetDefault("widget.debug", false)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.chunk_delay_ms", 50)
	v.SetDefault("server.allow_origins", []string{"*"})

	v.SetDefault("database.path", "./data/chatwidget.db")
}

// Address returns the mock server listen address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Timeout returns the widget timeout as a duration
func (w *WidgetConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutMs) * time.Millisecond
}

// SameOrigin reports whether the API base URL shares the embedding origin,
// in which case the API key may be omitted
func (w *WidgetConfig) SameOrigin() bool {
	if w.Origin == "" {
		return false
	}
	base, err := url.Parse(w.BaseURL)
	if err != nil {
		return false
	}
	origin, err := url.Parse(w.Origin)
	if err != nil {
		return false
	}
	return base.Scheme == origin.Scheme && base.Host == origin.Host
}

// Validate checks the widget configuration and returns a *domain.ConfigError
// listing every problem found
func (w *WidgetConfig) Validate() error {
	var problems []string

	if w.BaseURL == "" {
		problems = append(problems, "base_url is required")
	} else if u, err := url.Parse(w.BaseURL); err != nil || !u.IsAbs() || u.Host == "" {
		problems = append(problems, "base_url must be a valid URL")
	}

	if w.APIKey == "" {
		if !w.SameOrigin() {
			problems = append(problems, "api_key is required for cross-origin requests")
		}
	} else if len(w.APIKey) < 10 {
		problems = append(problems, "api_key appears to be too short (minimum 10 characters)")
	}

	if w.TimeoutMs < MinTimeoutMs || w.TimeoutMs > MaxTimeoutMs {
		problems = append(problems, fmt.Sprintf("timeout_ms must be between %d and %d", MinTimeoutMs, MaxTimeoutMs))
	}

	if w.MaxRetries < 0 {
		problems = append(problems, "max_retries must not be negative")
	}

	if w.ThemeColor != "" && !hexColorRe.MatchString(w.ThemeColor) {
		problems = append(problems, "theme_color must be a valid hex color (e.g. #3b82f6)")
	}

	if len(problems) > 0 {
		return &domain.ConfigError{Problems: problems}
	}
	return nil
}
