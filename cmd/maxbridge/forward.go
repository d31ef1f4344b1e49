package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	maxapi "github.com/MasterinoSplinterino/FromMtoT"
)

// SignatureHeader carries the HMAC-SHA256 signature of a forwarded body.
const SignatureHeader = "X-Maxbridge-Signature"

// ============================================================================
// Forwarded Event
// ============================================================================

// ForwardEvent is the JSON document printed by `listen` and posted to the
// webhook for every matching message.
type ForwardEvent struct {
	Source      string             `json:"source"`
	Event       string             `json:"event"`
	Timestamp   int64              `json:"timestamp"`
	ChatID      int64              `json:"chatId"`
	MessageID   string             `json:"messageId,omitempty"`
	SenderID    int64              `json:"senderId"`
	SenderName  string             `json:"senderName"`
	Text        string             `json:"text,omitempty"`
	Time        time.Time          `json:"time"`
	Attachments []string           `json:"attachments,omitempty"`
	Forwarded   []ForwardedMessage `json:"forwarded,omitempty"`
}

// ForwardedMessage is a quoted message inside a ForwardEvent.
type ForwardedMessage struct {
	FromID   int64  `json:"fromId"`
	FromName string `json:"fromName"`
	Text     string `json:"text"`
}

// nameResolver maps a user id to a display name.
type nameResolver func(ctx context.Context, userID int64) string

// buildForwardEvent converts a push message into its forwarded form.
func buildForwardEvent(ctx context.Context, ev *maxapi.NewMessageEvent, names nameResolver) *ForwardEvent {
	msg := ev.Message
	out := &ForwardEvent{
		Source:     "maxbridge",
		Event:      "message.new",
		Timestamp:  time.Now().Unix(),
		ChatID:     ev.AbsChatID(),
		MessageID:  msg.ID.String(),
		SenderID:   msg.Sender,
		SenderName: names(ctx, msg.Sender),
		Text:       msg.Text,
		Time:       time.Now(),
	}
	if msg.Time > 0 {
		out.Time = time.UnixMilli(msg.Time)
	}
	for _, a := range msg.Attachments {
		out.Attachments = append(out.Attachments, valueOrDefault(a.Type, "unknown"))
	}
	for _, fwd := range msg.FwdMessages {
		out.Forwarded = append(out.Forwarded, ForwardedMessage{
			FromID:   fwd.FromID,
			FromName: names(ctx, fwd.FromID),
			Text:     fwd.Text,
		})
	}
	return out
}

// ============================================================================
// Filtering
// ============================================================================

// messageFilter selects the messages `listen` reports.
type messageFilter struct {
	chats      map[int64]bool
	senderID   int64
	senderName string
}

func newMessageFilter(cfg ConfigListen) (*messageFilter, error) {
	f := &messageFilter{
		chats:      make(map[int64]bool),
		senderName: strings.ToLower(strings.TrimSpace(cfg.SenderName)),
	}
	for _, chat := range cfg.ChatIDs {
		id, err := strconv.ParseInt(strings.TrimSpace(chat), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat id %q: %w", chat, err)
		}
		if id < 0 {
			id = -id
		}
		f.chats[id] = true
	}
	if cfg.SenderID != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(cfg.SenderID), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid sender id %q: %w", cfg.SenderID, err)
		}
		f.senderID = id
	}
	return f, nil
}

// matchChat reports whether the event comes from a watched chat. An empty
// chat list watches every chat.
func (f *messageFilter) matchChat(ev *maxapi.NewMessageEvent) bool {
	return len(f.chats) == 0 || f.chats[ev.AbsChatID()]
}

// matchSender applies the sender id and case-insensitive name filters.
func (f *messageFilter) matchSender(senderID int64, senderName string) bool {
	if f.senderID != 0 && senderID != f.senderID {
		return false
	}
	if f.senderName != "" && !strings.Contains(strings.ToLower(senderName), f.senderName) {
		return false
	}
	return true
}

// ============================================================================
// Webhook Forwarder
// ============================================================================

// forwarder posts events to a webhook, signing them when a secret is set.
type forwarder struct {
	url    string
	secret string
	client *http.Client
}

func newForwarder(url, secret string) *forwarder {
	return &forwarder{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (f *forwarder) send(ctx context.Context, ev *ForwardEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.secret != "" {
		req.Header.Set(SignatureHeader, signPayload(body, f.secret))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// signPayload returns the "sha256=<hex>" HMAC of body.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// verifySignature checks a signature produced by signPayload, with or
// without the "sha256=" prefix, in constant time.
func verifySignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	expected := strings.TrimPrefix(signPayload(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}
