package main

import (
	"os"

	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config is the CLI configuration stored in config.toml under the config
// home. Every field can be overridden by a CHATSYNC_<SECTION>_<FIELD>
// variable.
type Config struct {
	Server ConfigServer `toml:"server"`
	Auth   ConfigAuth   `toml:"auth"`
	Sync   ConfigSync   `toml:"sync"`
}

// ConfigServer holds the endpoints of the chat backend.
type ConfigServer struct {
	BaseURL  string `toml:"base_url" split_words:"true"`
	PushURL  string `toml:"push_url" split_words:"true"`
	Passcode string `toml:"passcode"`
}

// ConfigAuth holds the signed-in identity.
type ConfigAuth struct {
	Token       string `toml:"token"`
	UserID      string `toml:"user_id" split_words:"true"`
	DisplayName string `toml:"display_name" split_words:"true"`
}

// ConfigSync tunes the local engine.
type ConfigSync struct {
	StorePath    string `toml:"store_path" split_words:"true"`
	HistoryLimit int    `toml:"history_limit" split_words:"true"`
	LogLevel     string `toml:"log_level" split_words:"true"`
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chat sync CLI",
	Long:  "Command-line client for the chat sync engine.\nInspect rooms and history, send messages, and follow a room live.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
