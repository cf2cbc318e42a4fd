package main

import (
	"context"
	"fmt"
	"time"

	chatsync "github.com/Test-Plus-XD/Android-Assignment-sub001"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration, check whether the token is expired, and try a live push registration.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Server.BaseURL, "(not set)"))
		fmt.Printf("  Push URL:    %s\n", valueOrDefault(cfg.Server.PushURL, "(not set)"))
		if cfg.Server.Passcode != "" {
			fmt.Printf("  Passcode:    %s\n", maskKey(cfg.Server.Passcode))
		} else {
			fmt.Println("  Passcode:    (not set)")
		}
		fmt.Printf("  Store:       %s\n", valueOrDefault(cfg.Sync.StorePath, "(memory only)"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Printf("  Name:        %s\n", valueOrDefault(cfg.Auth.DisplayName, "(not set)"))

		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			if expires, ok := chatsync.TokenExpiry(cfg.Auth.Token); ok {
				if time.Now().Before(expires) {
					tokenStatus = fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
				} else {
					tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
				}
			} else {
				tokenStatus = "present (no expiry claim)"
			}
		}
		fmt.Printf("  Token:       %s\n", tokenStatus)

		if cfg.Auth.Token == "" || cfg.Server.PushURL == "" || cfg.Auth.UserID == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		cm := chatsync.NewConnectionManager(chatsync.Config{
			PushURL:              cfg.Server.PushURL,
			MaxReconnectAttempts: 1,
			Logger:               newLogger(cfg.Sync.LogLevel),
		}, tokenProvider(cfg))
		defer cm.Disconnect()

		start := time.Now()
		if err := cm.Connect(ctx); err != nil {
			fmt.Printf("  Push:        %s (%v)\n", cm.State(), err)
			return nil
		}
		fmt.Printf("  Push:        %s in %s\n", cm.State(), time.Since(start).Round(time.Millisecond))
		return nil
	},
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
