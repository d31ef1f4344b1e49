package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// useTempConfig points --config at a file inside a fresh temp directory.
func useTempConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	prev := configFile
	configFile = path
	t.Cleanup(func() { configFile = prev })
	return path
}

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key     string
		value   string
		check   func(*Config) string
		want    string
		wantErr bool
	}{
		{key: "default.url", value: "wss://example.test/ws", check: func(c *Config) string { return c.Default.URL }, want: "wss://example.test/ws"},
		{key: "default.log_level", value: "debug", check: func(c *Config) string { return c.Default.LogLevel }, want: "debug"},
		{key: "default.log_level", value: "loud", wantErr: true},
		{key: "auth.token", value: "tok", check: func(c *Config) string { return c.Auth.Token }, want: "tok"},
		{key: "auth.device_id", value: "dev", check: func(c *Config) string { return c.Auth.DeviceID }, want: "dev"},
		{key: "listen.sender_id", value: "1001", check: func(c *Config) string { return c.Listen.SenderID }, want: "1001"},
		{key: "listen.sender_name", value: "Anna", check: func(c *Config) string { return c.Listen.SenderName }, want: "Anna"},
		{key: "webhook.url", value: "http://hook", check: func(c *Config) string { return c.Webhook.URL }, want: "http://hook"},
		{key: "webhook.secret", value: "s", check: func(c *Config) string { return c.Webhook.Secret }, want: "s"},
		{key: "auth", value: "x", wantErr: true},
		{key: "auth.password", value: "x", wantErr: true},
		{key: "proxy.url", value: "x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			cfg := &Config{}
			err := setConfigValue(cfg, tt.key, tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, tt.check(cfg))
		})
	}

	t.Run("chat ids", func(t *testing.T) {
		cfg := &Config{}
		require.NoError(t, setConfigValue(cfg, "listen.chat_ids", "12345, -67890,,"))
		assert.Equal(t, []string{"12345", "-67890"}, cfg.Listen.ChatIDs)
	})
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Nil(t, splitList(" , "))
	assert.Equal(t, []string{"a", "b"}, splitList("a,b"))
	assert.Equal(t, []string{"a", "b"}, splitList(" a , b ,"))
}

func TestConfigFile(t *testing.T) {
	t.Run("missing file yields empty config", func(t *testing.T) {
		useTempConfig(t)
		cfg, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, &Config{}, cfg)
	})

	t.Run("save then load", func(t *testing.T) {
		path := useTempConfig(t)
		want := &Config{
			Default: ConfigDefault{URL: "wss://example.test/ws", LogLevel: "warn"},
			Auth:    ConfigAuth{Token: "secret-token", DeviceID: "dev-1"},
			Listen:  ConfigListen{ChatIDs: []string{"1", "2"}, SenderID: "7", SenderName: "Anna"},
			Webhook: ConfigWebhook{URL: "http://hook", Secret: "s"},
		}
		require.NoError(t, saveConfig(want))

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

		got, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("malformed file", func(t *testing.T) {
		path := useTempConfig(t)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
		require.NoError(t, os.WriteFile(path, []byte("[auth\ntoken="), 0o600))
		_, err := loadConfig()
		assert.Error(t, err)
	})
}

func TestEnvironment(t *testing.T) {
	t.Run("dotenv file", func(t *testing.T) {
		for _, key := range envKeys {
			t.Setenv(key, "")
			os.Unsetenv(key)
		}
		path := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(path, []byte("MAX_AUTH_TOKEN=file-token\nMAX_CHAT_ID=1,2\nTARGET_USER_NAME=Anna\n"), 0o600))

		cfg := &Config{Auth: ConfigAuth{Token: "config-token"}}
		applyEnv(cfg, readEnv(path))

		assert.Equal(t, "file-token", cfg.Auth.Token)
		assert.Equal(t, []string{"1", "2"}, cfg.Listen.ChatIDs)
		assert.Equal(t, "Anna", cfg.Listen.SenderName)
	})

	t.Run("process environment wins", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(path, []byte("MAX_AUTH_TOKEN=file-token\n"), 0o600))
		t.Setenv(envToken, "env-token")
		t.Setenv(envWebhookURL, "http://hook")

		cfg := &Config{}
		applyEnv(cfg, readEnv(path))

		assert.Equal(t, "env-token", cfg.Auth.Token)
		assert.Equal(t, "http://hook", cfg.Webhook.URL)
	})

	t.Run("empty values keep config", func(t *testing.T) {
		cfg := &Config{Default: ConfigDefault{URL: "wss://keep"}}
		applyEnv(cfg, map[string]string{envURL: ""})
		assert.Equal(t, "wss://keep", cfg.Default.URL)
	})

	t.Run("missing dotenv file", func(t *testing.T) {
		t.Setenv(envToken, "env-token")
		env := readEnv(filepath.Join(t.TempDir(), "absent.env"))
		assert.Equal(t, "env-token", env[envToken])
	})
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "abcdef...wxyz", maskKey("abcdefghijklmnopqrstuvwxyz"))

	assert.Equal(t, "x", valueOrDefault("x", "y"))
	assert.Equal(t, "y", valueOrDefault("", "y"))

	assert.Equal(t, "-", formatMillis(0))

	cfg := &Config{}
	assert.True(t, ensureDeviceID(cfg))
	assert.Len(t, cfg.Auth.DeviceID, 36)
	id := cfg.Auth.DeviceID
	assert.False(t, ensureDeviceID(cfg))
	assert.Equal(t, id, cfg.Auth.DeviceID)
}
