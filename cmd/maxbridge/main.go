package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.maxbridge/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Listen  ConfigListen  `toml:"listen"`
	Webhook ConfigWebhook `toml:"webhook"`
}

// ConfigDefault holds general connection settings.
type ConfigDefault struct {
	URL      string `toml:"url"`
	LogLevel string `toml:"log_level"`
}

// ConfigAuth holds the session token and device identity.
type ConfigAuth struct {
	Token    string `toml:"token"`
	DeviceID string `toml:"device_id"`
}

// ConfigListen selects which messages `listen` reports.
type ConfigListen struct {
	ChatIDs    []string `toml:"chat_ids"`
	SenderID   string   `toml:"sender_id"`
	SenderName string   `toml:"sender_name"`
}

// ConfigWebhook configures forwarding of received messages.
type ConfigWebhook struct {
	URL    string `toml:"url"`
	Secret string `toml:"secret"`
}

// ============================================================================
// Config helpers
// ============================================================================

var (
	configFile string
	logLevel   string
)

// configDir returns the path to ~/.maxbridge, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".maxbridge")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file, honouring --config.
func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "url":
			cfg.Default.URL = value
		case "log_level":
			if _, err := zerolog.ParseLevel(value); err != nil {
				return fmt.Errorf("invalid log level %q", value)
			}
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "device_id":
			cfg.Auth.DeviceID = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "listen":
		switch field {
		case "chat_ids":
			cfg.Listen.ChatIDs = splitList(value)
		case "sender_id":
			cfg.Listen.SenderID = value
		case "sender_name":
			cfg.Listen.SenderName = value
		default:
			return fmt.Errorf("unknown field %q in section [listen]", field)
		}
	case "webhook":
		switch field {
		case "url":
			cfg.Webhook.URL = value
		case "secret":
			cfg.Webhook.Secret = value
		default:
			return fmt.Errorf("unknown field %q in section [webhook]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, listen, webhook)", section)
	}
	return nil
}

// splitList parses a comma-separated list, dropping empty items.
func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// ============================================================================
// Logging
// ============================================================================

// setupLogging configures the global zerolog logger for terminal output.
func setupLogging(level string) error {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "maxbridge",
	Short: "MAX messenger bridge CLI",
	Long:  "Command-line interface for the MAX messenger protocol client.\nListen to chats, forward messages to a webhook, send messages and inspect history.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := logLevel
		if level == "" {
			if cfg, err := loadSettings(); err == nil {
				level = cfg.Default.LogLevel
			}
		}
		return setupLogging(level)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ~/.maxbridge/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
