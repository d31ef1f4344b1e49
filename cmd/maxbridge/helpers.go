package main

import (
	"context"
	"fmt"
	"os"
	"time"

	maxapi "github.com/MasterinoSplinterino/FromMtoT"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Environment variables that override the config file. A .env file in the
// working directory is read as well; real environment variables win.
const (
	envToken         = "MAX_AUTH_TOKEN"
	envChatID        = "MAX_CHAT_ID"
	envURL           = "MAXBRIDGE_URL"
	envSenderID      = "TARGET_USER_ID"
	envSenderName    = "TARGET_USER_NAME"
	envWebhookURL    = "MAXBRIDGE_WEBHOOK_URL"
	envWebhookSecret = "MAXBRIDGE_WEBHOOK_SECRET"
	envLogLevel      = "MAXBRIDGE_LOG_LEVEL"
)

var envKeys = []string{
	envToken, envChatID, envURL, envSenderID, envSenderName,
	envWebhookURL, envWebhookSecret, envLogLevel,
}

// readEnv merges the given dotenv files (default .env) with the process
// environment.
func readEnv(files ...string) map[string]string {
	env, err := godotenv.Read(files...)
	if err != nil {
		env = make(map[string]string)
	}
	for _, key := range envKeys {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	return env
}

// applyEnv overlays non-empty environment values onto cfg.
func applyEnv(cfg *Config, env map[string]string) {
	set := func(key string, dst *string) {
		if v := env[key]; v != "" {
			*dst = v
		}
	}
	set(envToken, &cfg.Auth.Token)
	set(envURL, &cfg.Default.URL)
	set(envSenderID, &cfg.Listen.SenderID)
	set(envSenderName, &cfg.Listen.SenderName)
	set(envWebhookURL, &cfg.Webhook.URL)
	set(envWebhookSecret, &cfg.Webhook.Secret)
	set(envLogLevel, &cfg.Default.LogLevel)
	if v := env[envChatID]; v != "" {
		cfg.Listen.ChatIDs = splitList(v)
	}
}

// loadSettings returns the config file with environment overrides applied.
func loadSettings() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, readEnv())
	return cfg, nil
}

// ensureDeviceID assigns a persistent device id so the server sees one
// device across runs. It reports whether cfg changed.
func ensureDeviceID(cfg *Config) bool {
	if cfg.Auth.DeviceID != "" {
		return false
	}
	cfg.Auth.DeviceID = uuid.NewString()
	return true
}

// clientConfig builds the protocol client configuration from the CLI config.
func clientConfig(cfg *Config) *maxapi.Config {
	logger := log.Logger
	return &maxapi.Config{
		URL:      cfg.Default.URL,
		Token:    cfg.Auth.Token,
		DeviceID: cfg.Auth.DeviceID,
		Logger:   &logger,
	}
}

// connect loads settings and opens an authenticated session.
func connect(ctx context.Context) (*maxapi.Client, *Config, error) {
	cfg, err := loadSettings()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, nil, fmt.Errorf("no token configured; run 'maxbridge init <token>' or 'maxbridge login <phone>' first")
	}
	if ensureDeviceID(cfg) {
		persistDeviceID(cfg.Auth.DeviceID)
	}

	client, err := maxapi.Dial(ctx, clientConfig(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	return client, cfg, nil
}

// persistDeviceID stores a freshly generated device id in the config file
// without writing environment overrides back to disk.
func persistDeviceID(id string) {
	cfg, err := loadConfig()
	if err != nil {
		return
	}
	cfg.Auth.DeviceID = id
	if err := saveConfig(cfg); err != nil {
		log.Warn().Err(err).Msg("could not save device id")
	}
}

// maskKey shows the first 6 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// formatMillis renders a millisecond epoch timestamp in local time.
func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("02.01.2006 15:04:05")
}
