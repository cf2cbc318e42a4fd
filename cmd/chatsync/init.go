package main

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

var (
	initBaseURL  string
	initPushURL  string
	initPasscode string
	initUserID   string
	initName     string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "REST base URL")
	initCmd.Flags().StringVar(&initPushURL, "push-url", "", "WebSocket push URL")
	initCmd.Flags().StringVar(&initPasscode, "passcode", "", "API passcode header value")
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "user id (defaults to the token subject)")
	initCmd.Flags().StringVar(&initName, "name", "", "display name")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store credentials in the config file",
	Long:  "Initialize the chatsync CLI by storing your token and server endpoints in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		file, err := locateConfig()
		if err != nil {
			return err
		}
		cfg, err := file.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		userID := initUserID
		if userID == "" {
			userID = tokenSubject(token)
		}
		if userID != "" {
			cfg.Auth.UserID = userID
		}
		if initName != "" {
			cfg.Auth.DisplayName = initName
		}
		if initBaseURL != "" {
			cfg.Server.BaseURL = initBaseURL
		}
		if initPushURL != "" {
			cfg.Server.PushURL = initPushURL
		}
		if initPasscode != "" {
			cfg.Server.Passcode = initPasscode
		}

		if err := file.Save(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Credentials saved to %s\n", file.path)
		if cfg.Auth.UserID == "" {
			fmt.Println("No user id found in token. Set one with 'chatsync config set auth.user_id <id>'.")
		}
		return nil
	},
}

// tokenSubject reads the sub claim without verifying the signature.
func tokenSubject(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}
