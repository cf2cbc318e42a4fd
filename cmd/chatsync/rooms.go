package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	chatsync "github.com/Test-Plus-XD/Android-Assignment-sub001"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	roomsJSON bool

	historyLimit int
	historyJSON  bool
)

func init() {
	rootCmd.AddCommand(roomsCmd)
	roomsCmd.Flags().BoolVar(&roomsJSON, "json", false, "print raw JSON")

	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", chatsync.DefaultHistoryLimit, "number of messages")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print raw JSON")
}

// ============================================================================
// rooms
// ============================================================================

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List your chat rooms",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		records, err := client.ChatRecords(ctx, cfg.Auth.UserID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		cache := chatsync.NewRoomCache()
		for _, rec := range records {
			cache.UpsertRoom(rec.Room)
			for _, m := range rec.Messages {
				cache.MergeIncoming(rec.ID, m)
			}
		}
		rooms := cache.ListRooms()

		if roomsJSON {
			return printJSON(rooms)
		}
		if len(rooms) == 0 {
			fmt.Println("No rooms found.")
			return nil
		}

		table := newTable([]string{"Room", "Name", "Kind", "Participants", "Last message", "When", "Count"})
		for _, r := range rooms {
			last, when := "", ""
			if r.LastMessage != nil {
				last = truncate(r.LastMessage.Text, 40)
				when = r.LastMessage.Timestamp.Local().Format("2006-01-02 15:04")
			}
			table.Append([]string{
				r.ID,
				r.Name,
				string(r.Kind),
				strings.Join(r.Participants, ", "),
				last,
				when,
				strconv.Itoa(r.MessageCount),
			})
		}
		table.Render()
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <room-id>",
	Short: "Show recent messages of a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := client.RoomMessages(ctx, roomID, historyLimit)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		cache := chatsync.NewRoomCache()
		for _, m := range msgs {
			cache.MergeIncoming(roomID, m)
		}
		msgs = cache.Messages(roomID)

		if historyJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

// ============================================================================
// Output helpers
// ============================================================================

func newTable(header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printMessage(m chatsync.Message) {
	flags := ""
	switch {
	case m.Status == chatsync.StatusFailed:
		flags = " [failed: " + m.Error + "]"
	case m.Pending():
		flags = " [pending]"
	case m.Edited && !m.Deleted:
		flags = " (edited)"
	}
	text := m.Summary()
	if m.Body.Kind == chatsync.BodyImage {
		text = strings.TrimSpace(text + " " + m.Body.ImageURL)
	}
	fmt.Printf("[%s] %s: %s%s\n",
		m.Timestamp.Local().Format("2006-01-02 15:04:05"),
		valueOrDefault(m.SenderName, m.SenderID),
		text,
		flags)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
