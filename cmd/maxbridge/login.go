package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	maxapi "github.com/MasterinoSplinterino/FromMtoT"
	"github.com/spf13/cobra"
)

var loginNoSave bool

func init() {
	loginCmd.Flags().BoolVar(&loginNoSave, "no-save", false, "Print the token without saving it to the config file")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <phone>",
	Short: "Obtain a session token with an SMS verification code",
	Long:  "Request a verification code for the phone number, prompt for it and exchange it for a session token.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadSettings()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if ensureDeviceID(cfg) {
			persistDeviceID(cfg.Auth.DeviceID)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		clientCfg := clientConfig(cfg)
		clientCfg.Token = ""
		client, err := maxapi.Dial(ctx, clientCfg)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer client.Close()

		verifyToken, err := client.RequestVerifyCode(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request code failed: %w", err)
		}

		fmt.Fprint(os.Stderr, "Verification code: ")
		code, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && code == "" {
			return fmt.Errorf("read code: %w", err)
		}
		code = strings.TrimSpace(code)
		if code == "" {
			return fmt.Errorf("empty verification code")
		}

		token, err := client.CheckVerifyCode(ctx, verifyToken, code)
		if err != nil {
			return fmt.Errorf("check code failed: %w", err)
		}
		if err := client.Authenticate(ctx, token); err != nil {
			return fmt.Errorf("login token rejected: %w", err)
		}

		if !loginNoSave {
			stored, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			stored.Auth.Token = token
			stored.Auth.DeviceID = cfg.Auth.DeviceID
			if err := saveConfig(stored); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			path, _ := configPath()
			fmt.Fprintf(os.Stderr, "Token saved to %s\n", path)
		}

		me := client.Me()
		if me != nil {
			fmt.Fprintf(os.Stderr, "Logged in as %s (%d)\n", me.DisplayName(), me.ID)
		}
		fmt.Println(token)
		return nil
	},
}
