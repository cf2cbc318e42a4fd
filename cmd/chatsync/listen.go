package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	chatsync "github.com/Test-Plus-XD/Android-Assignment-sub001"
)

func init() {
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen <room-id>",
	Short: "Open a room and print new messages and typing until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sess, err := startSession(ctx)
		if err != nil {
			return err
		}
		defer sess.Close()

		msgs, err := sess.OpenRoom(ctx, roomID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "History unavailable: %v\n", err)
		}
		for _, m := range msgs {
			printMessage(m)
		}

		states, unsubscribeStates := sess.Connection().Subscribe()
		defer unsubscribeStates()
		typing, unsubscribeTyping := sess.Typing().Subscribe()
		defer unsubscribeTyping()

		fmt.Printf("-- listening on %s (push %s), Ctrl+C to stop --\n", roomID, sess.Connection().State())
		for {
			select {
			case <-ctx.Done():
				sess.CloseRoom(context.Background())
				return nil
			case n := <-sess.Notifications():
				printMessage(n.Message)
			case st := <-states:
				fmt.Printf("-- push %s --\n", st)
			case r := <-typing:
				if r != roomID {
					continue
				}
				names := lo.Map(sess.Typing().Typing(roomID), func(t chatsync.TypingState, _ int) string {
					return valueOrDefault(t.DisplayName, t.UserID)
				})
				if len(names) > 0 {
					fmt.Printf("-- %s typing --\n", strings.Join(names, ", "))
				}
			}
		}
	},
}
