// File: internal/config/config_test.go
package config

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "scriptharness", cfg.Logger.ServiceName)
	assert.Empty(t, cfg.Logger.LogFile)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 4, cfg.Browser.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Browser.StartupTimeout)
	assert.Equal(t, 30*time.Second, cfg.Harness.NavigationTimeout)
	assert.Equal(t, 30*time.Second, cfg.Harness.ScriptTimeout)
	assert.NoError(t, cfg.Validate(), "defaults must always validate")
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero concurrency", func(c *Config) { c.Browser.Concurrency = 0 }, "browser.concurrency must be a positive integer"},
		{"zero startup timeout", func(c *Config) { c.Browser.StartupTimeout = 0 }, "browser.startup_timeout must be a positive duration"},
		{"negative navigation timeout", func(c *Config) { c.Harness.NavigationTimeout = -time.Second }, "harness.navigation_timeout must be a positive duration"},
		{"zero script timeout", func(c *Config) { c.Harness.ScriptTimeout = 0 }, "harness.script_timeout must be a positive duration"},
		{"unknown log format", func(c *Config) { c.Logger.Format = "xml" }, "logger.format must be either 'console' or 'json'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
browser:
  concurrency: 2
  args: ["--lang=en-US", "--mute-audio"]
harness:
  script_timeout: 250ms
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, 2, cfg.Browser.Concurrency)
		assert.Equal(t, []string{"--lang=en-US", "--mute-audio"}, cfg.Browser.Args)
		assert.Equal(t, 250*time.Millisecond, cfg.Harness.ScriptTimeout)
		// Untouched keys keep their defaults.
		assert.Equal(t, 30*time.Second, cfg.Harness.NavigationTimeout)
		assert.Equal(t, "info", cfg.Logger.Level)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("browser.concurrency", 0)

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "browser.concurrency must be a positive integer")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBufferString("harness:\n  script_timeout: 10s\n")))

		t.Setenv("SCRIPTHARNESS_HARNESS_SCRIPT_TIMEOUT", "3s")
		t.Setenv("SCRIPTHARNESS_BROWSER_HEADLESS", "false")
		BindEnv(v)

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		// The environment overrides the config file.
		assert.Equal(t, 3*time.Second, cfg.Harness.ScriptTimeout)
		assert.False(t, cfg.Browser.Headless)
	})

	t.Run("Home Directory Expansion", func(t *testing.T) {
		home, err := homedir.Dir()
		if err != nil {
			t.Skipf("no home directory available: %v", err)
		}

		v := viper.New()
		SetDefaults(v)
		v.Set("logger.log_file", "~/logs/harness.log")
		v.Set("browser.user_data_dir", "~/chrome-profile")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(home, "logs", "harness.log"), cfg.Logger.LogFile)
		assert.Equal(t, filepath.Join(home, "chrome-profile"), cfg.Browser.UserDataDir)
	})
}
