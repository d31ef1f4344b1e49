package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	maxapi "github.com/MasterinoSplinterino/FromMtoT"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	listenChats         []string
	listenSender        string
	listenSenderName    string
	listenWebhookURL    string
	listenWebhookSecret string
)

func init() {
	listenCmd.Flags().StringSliceVar(&listenChats, "chat", nil, "Chat id to watch (repeatable; default from config)")
	listenCmd.Flags().StringVar(&listenSender, "sender", "", "Only report messages from this user id")
	listenCmd.Flags().StringVar(&listenSenderName, "sender-name", "", "Only report senders whose name contains this text")
	listenCmd.Flags().StringVar(&listenWebhookURL, "webhook-url", "", "Forward matching messages to this URL")
	listenCmd.Flags().StringVar(&listenWebhookSecret, "webhook-secret", "", "HMAC secret for webhook signatures")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print incoming messages as JSON lines and forward them to a webhook",
	Long:  "Connect to MAX, subscribe to the configured chats and report every new message.\nEach matching message is printed to stdout as one JSON document and, when a webhook is configured, posted to it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client, cfg, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		if cmd.Flags().Changed("chat") {
			cfg.Listen.ChatIDs = listenChats
		}
		if listenSender != "" {
			cfg.Listen.SenderID = listenSender
		}
		if listenSenderName != "" {
			cfg.Listen.SenderName = listenSenderName
		}
		if listenWebhookURL != "" {
			cfg.Webhook.URL = listenWebhookURL
		}
		if listenWebhookSecret != "" {
			cfg.Webhook.Secret = listenWebhookSecret
		}

		filter, err := newMessageFilter(cfg.Listen)
		if err != nil {
			return err
		}
		var fwd *forwarder
		if cfg.Webhook.URL != "" {
			fwd = newForwarder(cfg.Webhook.URL, cfg.Webhook.Secret)
		}

		out := &eventPrinter{enc: json.NewEncoder(os.Stdout)}
		names := contactNames(client)

		client.OnNewMessage(func(ev *maxapi.NewMessageEvent) error {
			if !filter.matchChat(ev) {
				return nil
			}
			lookup, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			event := buildForwardEvent(lookup, ev, names)
			if !filter.matchSender(event.SenderID, event.SenderName) {
				return nil
			}
			if err := out.print(event); err != nil {
				return fmt.Errorf("print event: %w", err)
			}
			if fwd != nil {
				if err := fwd.send(ctx, event); err != nil {
					return fmt.Errorf("forward message %s: %w", event.MessageID, err)
				}
			}
			return nil
		})

		for _, chat := range cfg.Listen.ChatIDs {
			if err := client.Subscribe(ctx, chat); err != nil {
				return fmt.Errorf("subscribe to chat %s: %w", chat, err)
			}
		}

		log.Info().
			Strs("chats", client.Subscriptions()).
			Bool("webhook", fwd != nil).
			Msg("listening for messages")

		<-ctx.Done()
		log.Info().Msg("shutting down")
		return nil
	},
}

// eventPrinter serializes events onto stdout. Handlers run concurrently.
type eventPrinter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (p *eventPrinter) print(ev *ForwardEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(ev)
}

// contactNames resolves display names through the client's contact cache.
func contactNames(client *maxapi.Client) nameResolver {
	return func(ctx context.Context, userID int64) string {
		contact, err := client.Contact(ctx, userID)
		if err != nil {
			log.Debug().Err(err).Int64("user", userID).Msg("contact lookup failed")
			return fmt.Sprintf("User %d", userID)
		}
		return contact.DisplayName()
	}
}
