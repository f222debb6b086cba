package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes environment overrides, e.g. VIZHEAL_REPAIR_URL.
const EnvPrefix = "VIZHEAL"

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Browser BrowserConfig `mapstructure:"browser"`
	Repair  RepairConfig  `mapstructure:"repair"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// SandboxConfig holds chart execution configuration
type SandboxConfig struct {
	Engine     string `mapstructure:"engine"`
	TimeoutSec int    `mapstructure:"timeout_sec"`
}

// BrowserConfig holds settings of the chromedp engine
type BrowserConfig struct {
	CDPURL       string `mapstructure:"cdp_url"`
	D3ScriptPath string `mapstructure:"d3_script_path"`
	Headless     bool   `mapstructure:"headless"`
}

// RepairConfig holds the repair service client configuration
type RepairConfig struct {
	URL        string            `mapstructure:"url"`
	TimeoutSec int               `mapstructure:"timeout_sec"`
	Headers    map[string]string `mapstructure:"headers"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	return Load(viper.New())
}

// Load reads configuration through v. Tests pass their own instance.
func Load(v *viper.Viper) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set default values
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("sandbox.engine", "goja")
	v.SetDefault("sandbox.timeout_sec", 10)
	v.SetDefault("browser.cdp_url", "")
	v.SetDefault("browser.d3_script_path", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("repair.url", "")
	v.SetDefault("repair.timeout_sec", 0)
	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("server.http_port must be a valid port for http transport, got: %d", c.Server.HTTPPort)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	switch c.Sandbox.Engine {
	case "goja":
	case "chromedp":
		if c.Browser.D3ScriptPath == "" {
			return errors.New("browser.d3_script_path is required for the chromedp engine")
		}
	default:
		return fmt.Errorf("unsupported sandbox.engine: %s", c.Sandbox.Engine)
	}

	if c.Repair.TimeoutSec < 0 {
		return fmt.Errorf("repair.timeout_sec must not be negative, got: %d", c.Repair.TimeoutSec)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetRepairTimeout returns the repair request timeout. Zero means the
// transport default.
func (c *Config) GetRepairTimeout() time.Duration {
	return time.Duration(c.Repair.TimeoutSec) * time.Second
}
