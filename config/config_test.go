package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Transport: "http",
			HTTPPort:  8080,
		},
		Sandbox: SandboxConfig{
			Engine:     "goja",
			TimeoutSec: 10,
		},
		Repair: RepairConfig{
			URL:        "http://localhost:9000/fix",
			TimeoutSec: 30,
		},
		Logging: LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		err := validConfig().validate()
		require.NoError(t, err)
	})

	tests := []struct {
		name    string
		mutate  func(*Config)
		message string
	}{
		{
			name:    "InvalidServerTransport",
			mutate:  func(c *Config) { c.Server.Transport = "invalid" },
			message: "invalid server.transport",
		},
		{
			name:    "InvalidHTTPPort",
			mutate:  func(c *Config) { c.Server.HTTPPort = 0 },
			message: "server.http_port",
		},
		{
			name:    "InvalidSandboxTimeout",
			mutate:  func(c *Config) { c.Sandbox.TimeoutSec = 0 },
			message: "sandbox.timeout_sec must be positive",
		},
		{
			name:    "UnsupportedEngine",
			mutate:  func(c *Config) { c.Sandbox.Engine = "v8" },
			message: "unsupported sandbox.engine",
		},
		{
			name:    "ChromedpWithoutScript",
			mutate:  func(c *Config) { c.Sandbox.Engine = "chromedp" },
			message: "browser.d3_script_path",
		},
		{
			name:    "NegativeRepairTimeout",
			mutate:  func(c *Config) { c.Repair.TimeoutSec = -1 },
			message: "repair.timeout_sec",
		},
		{
			name:    "InvalidLoggingMode",
			mutate:  func(c *Config) { c.Logging.Mode = "verbose" },
			message: "invalid logging.mode",
		},
		{
			name:    "InvalidLogLevel",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			message: "invalid logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}

	t.Run("ChromedpWithScript", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Engine = "chromedp"
		cfg.Browser.D3ScriptPath = "/opt/d3/d3.min.js"
		require.NoError(t, cfg.validate())
	})

	t.Run("StdioIgnoresPort", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.Transport = "stdio"
		cfg.Server.HTTPPort = 0
		require.NoError(t, cfg.validate())
	})
}

func TestLoad(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		t.Chdir(t.TempDir())

		cfg, err := Load(viper.New())
		require.NoError(t, err)
		assert.Equal(t, "stdio", cfg.Server.Transport)
		assert.Equal(t, "goja", cfg.Sandbox.Engine)
		assert.Equal(t, 10*time.Second, cfg.GetTimeout())
		assert.Equal(t, time.Duration(0), cfg.GetRepairTimeout())
		assert.True(t, cfg.Browser.Headless)
		assert.Equal(t, "production", cfg.Logging.Mode)
	})

	t.Run("File", func(t *testing.T) {
		dir := t.TempDir()
		t.Chdir(dir)
		yaml := []byte(`server:
  transport: http
  http_port: 9090
repair:
  url: http://repair.local/fix
  timeout_sec: 45
  headers:
    X-Api-Key: secret
logging:
  mode: development
  level: debug
`)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))

		cfg, err := Load(viper.New())
		require.NoError(t, err)
		assert.Equal(t, "http", cfg.Server.Transport)
		assert.Equal(t, 9090, cfg.Server.HTTPPort)
		assert.Equal(t, "http://repair.local/fix", cfg.Repair.URL)
		assert.Equal(t, 45*time.Second, cfg.GetRepairTimeout())
		assert.Equal(t, "secret", cfg.Repair.Headers["x-api-key"])
		assert.Equal(t, "development", cfg.Logging.Mode)
	})

	t.Run("EnvironmentOverride", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("VIZHEAL_REPAIR_URL", "http://env.local/fix")
		t.Setenv("VIZHEAL_SANDBOX_TIMEOUT_SEC", "3")

		cfg, err := Load(viper.New())
		require.NoError(t, err)
		assert.Equal(t, "http://env.local/fix", cfg.Repair.URL)
		assert.Equal(t, 3, cfg.Sandbox.TimeoutSec)
	})

	t.Run("InvalidFile", func(t *testing.T) {
		dir := t.TempDir()
		t.Chdir(dir)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("sandbox:\n  engine: rhino\n"), 0o600))

		_, err := Load(viper.New())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config validation error")
	})
}
