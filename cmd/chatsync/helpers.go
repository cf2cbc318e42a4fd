package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	chatsync "github.com/Test-Plus-XD/Android-Assignment-sub001"
)

// mustConfig loads the effective config and checks that credentials exist.
func mustConfig() *Config {
	cfg, err := effectiveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No credentials. Run 'chatsync init <token>' first.")
		os.Exit(1)
	}
	if cfg.Server.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No server configured. Run 'chatsync config set server.base_url <url>'.")
		os.Exit(1)
	}
	return cfg
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func tokenProvider(cfg *Config) *chatsync.StaticTokenProvider {
	return chatsync.NewStaticTokenProvider(cfg.Auth.Token, chatsync.Identity{
		UserID:      cfg.Auth.UserID,
		DisplayName: valueOrDefault(cfg.Auth.DisplayName, cfg.Auth.UserID),
	})
}

// getClient creates a REST client from the effective config.
func getClient() *chatsync.Client {
	cfg := mustConfig()
	return chatsync.NewClient(tokenProvider(cfg),
		chatsync.WithBaseURL(cfg.Server.BaseURL),
		chatsync.WithPasscode(cfg.Server.Passcode),
		chatsync.WithLogger(newLogger(cfg.Sync.LogLevel)))
}

// startSession builds and starts a full session. The caller must Close it.
func startSession(ctx context.Context) (*chatsync.Session, error) {
	cfg := mustConfig()
	if cfg.Server.PushURL == "" {
		return nil, fmt.Errorf("no push url configured, run 'chatsync config set server.push_url <url>'")
	}
	sess, err := chatsync.NewSession(chatsync.Config{
		BaseURL:      cfg.Server.BaseURL,
		PushURL:      cfg.Server.PushURL,
		Passcode:     cfg.Server.Passcode,
		HistoryLimit: cfg.Sync.HistoryLimit,
		StorePath:    cfg.Sync.StorePath,
		Logger:       newLogger(cfg.Sync.LogLevel),
	}, tokenProvider(cfg))
	if err != nil {
		return nil, err
	}
	if err := sess.Start(ctx); err != nil {
		sess.Close()
		return nil, err
	}
	return sess, nil
}
