package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	maxapi "github.com/MasterinoSplinterino/FromMtoT"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// send
	sendReplyTo string
	sendWait    bool
	sendJSON    bool

	// history
	historyLimit int
	historyJSON  bool
	historyRead  bool
)

func init() {
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Message id to reply to")
	sendCmd.Flags().BoolVar(&sendWait, "wait", false, "Wait for the server to acknowledge the message")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(sendCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", maxapi.DefaultHistoryCount, "Number of messages to fetch")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	historyCmd.Flags().BoolVar(&historyRead, "mark-read", false, "Mark the newest fetched message as read")
	rootCmd.AddCommand(historyCmd)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <text>",
	Short: "Send a text message to a chat",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		client, _, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		result, err := client.SendMessage(ctx, args[0], args[1], &maxapi.SendOptions{
			ReplyTo: sendReplyTo,
			Wait:    sendWait,
		})
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if sendJSON {
			return printJSON(result)
		}
		if result.Message != nil {
			fmt.Printf("Message sent (id: %s, cid: %d)\n", result.Message.ID, result.ClientID)
		} else {
			fmt.Printf("Message sent (cid: %d)\n", result.ClientID)
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <chat-id>",
	Short: "Show recent messages in a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		client, _, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		messages, err := client.History(ctx, args[0], &maxapi.HistoryOptions{Count: historyLimit})
		if err != nil {
			return fmt.Errorf("history failed: %w", err)
		}

		if historyRead && len(messages) > 0 {
			newest := messages[len(messages)-1]
			if err := client.MarkAsRead(ctx, args[0], newest.ID.String()); err != nil {
				return fmt.Errorf("mark as read failed: %w", err)
			}
		}

		if historyJSON {
			return printJSON(messages)
		}
		if len(messages) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range messages {
			name := fmt.Sprintf("User %d", m.Sender)
			if contact, err := client.Contact(ctx, m.Sender); err == nil {
				name = contact.DisplayName()
			}
			text := m.Text
			if text == "" && len(m.Attachments) > 0 {
				text = fmt.Sprintf("[%d attachment(s)]", len(m.Attachments))
			}
			fmt.Printf("[%s] %s: %s\n", formatMillis(m.Time), name, text)
		}
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
