package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	chatsync "github.com/Test-Plus-XD/Android-Assignment-sub001"
	"github.com/spf13/cobra"
)

var (
	sendImageURL string
	sendWait     time.Duration
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendImageURL, "image", "", "image URL to attach")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 15*time.Second, "how long to wait for confirmation")
}

var sendCmd = &cobra.Command{
	Use:   "send <room-id> [message...]",
	Short: "Send a message to a room and wait until the server confirms it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]
		text := strings.Join(args[1:], " ")
		body := chatsync.TextBody(text)
		if sendImageURL != "" {
			body = chatsync.ImageBody(sendImageURL, text)
		}

		ctx, cancel := context.WithTimeout(context.Background(), sendWait)
		defer cancel()

		sess, err := startSession(ctx)
		if err != nil {
			return err
		}
		defer sess.Close()

		changes, unsubscribe := sess.Cache().Subscribe(16)
		defer unsubscribe()

		sent, err := sess.Send(ctx, roomID, body)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		for {
			m, ok := sess.Cache().FindByCorrelation(sent.CorrelationID)
			switch {
			case !ok:
				return fmt.Errorf("message %s vanished from cache", sent.CorrelationID)
			case m.Status == chatsync.StatusConfirmed:
				fmt.Printf("Message sent to room %s\n", roomID)
				fmt.Printf("  Message ID: %s\n", m.ID)
				fmt.Printf("  Client ID:  %s\n", m.CorrelationID)
				return nil
			case m.Status == chatsync.StatusFailed:
				return fmt.Errorf("message failed: %s", m.Error)
			}

			select {
			case <-changes:
			case <-ctx.Done():
				fmt.Printf("Message %s still pending (push %s)\n", sent.CorrelationID, sess.Connection().State())
				return nil
			}
		}
	},
}
