package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration and, when a token is set, connect to fetch live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadSettings()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  URL:        %s\n", valueOrDefault(cfg.Default.URL, "(default)"))
		fmt.Printf("  Log level:  %s\n", valueOrDefault(cfg.Default.LogLevel, "info"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:      %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:      (not set)")
		}
		fmt.Printf("  Device ID:  %s\n", valueOrDefault(cfg.Auth.DeviceID, "(not set)"))

		fmt.Println()
		fmt.Println("Listen:")
		fmt.Printf("  Chats:      %s\n", valueOrDefault(strings.Join(cfg.Listen.ChatIDs, ", "), "(all subscribed)"))
		fmt.Printf("  Sender ID:  %s\n", valueOrDefault(cfg.Listen.SenderID, "(any)"))
		fmt.Printf("  Sender:     %s\n", valueOrDefault(cfg.Listen.SenderName, "(any)"))
		fmt.Printf("  Webhook:    %s\n", valueOrDefault(cfg.Webhook.URL, "(disabled)"))
		if cfg.Webhook.URL != "" {
			signed := "no"
			if cfg.Webhook.Secret != "" {
				signed = "yes"
			}
			fmt.Printf("  Signed:     %s\n", signed)
		}

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		client, _, err := connect(ctx)
		if err != nil {
			fmt.Printf("  Error connecting: %v\n", err)
			return nil
		}
		defer client.Close()

		me := client.Me()
		if me == nil {
			fmt.Println("  Not authenticated")
			return nil
		}
		fmt.Printf("  User ID:    %d\n", me.ID)
		fmt.Printf("  Name:       %s\n", me.DisplayName())
		fmt.Printf("  State:      %s\n", client.State())
		fmt.Printf("  Chats:      %d\n", len(client.Chats()))
		return nil
	},
}
