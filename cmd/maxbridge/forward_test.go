package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	maxapi "github.com/MasterinoSplinterino/FromMtoT"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-webhook-secret-key"

func makeTestSignature(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func testNames(ctx context.Context, id int64) string {
	switch id {
	case 1001:
		return "Anna Petrova"
	case 2002:
		return "Boris"
	}
	return fmt.Sprintf("User %d", id)
}

func testMessageEvent() *maxapi.NewMessageEvent {
	return &maxapi.NewMessageEvent{
		ChatID: -12345,
		Message: maxapi.Message{
			ID:     json.Number("115000000000000001"),
			Sender: 1001,
			Text:   "hello",
			Time:   1700000000000,
			Attachments: []maxapi.Attachment{
				{Type: "PHOTO"},
				{},
			},
			FwdMessages: []maxapi.ForwardedMessage{
				{FromID: 2002, Text: "quoted"},
			},
		},
	}
}

// ============================================================================
// Signatures
// ============================================================================

func TestVerifySignature(t *testing.T) {
	body := `{"event":"message.new"}`

	t.Run("valid signature", func(t *testing.T) {
		assert.True(t, verifySignature([]byte(body), makeTestSignature(body, testSecret), testSecret))
	})

	t.Run("valid without prefix", func(t *testing.T) {
		sig := strings.TrimPrefix(makeTestSignature(body, testSecret), "sha256=")
		assert.True(t, verifySignature([]byte(body), sig, testSecret))
	})

	t.Run("matches signPayload", func(t *testing.T) {
		assert.Equal(t, makeTestSignature(body, testSecret), signPayload([]byte(body), testSecret))
	})

	t.Run("wrong secret", func(t *testing.T) {
		assert.False(t, verifySignature([]byte(body), makeTestSignature(body, "other"), testSecret))
	})

	t.Run("tampered body", func(t *testing.T) {
		sig := makeTestSignature(body, testSecret)
		assert.False(t, verifySignature([]byte(body+" "), sig, testSecret))
	})

	t.Run("empty inputs", func(t *testing.T) {
		sig := makeTestSignature(body, testSecret)
		assert.False(t, verifySignature(nil, sig, testSecret))
		assert.False(t, verifySignature([]byte(body), "", testSecret))
		assert.False(t, verifySignature([]byte(body), sig, ""))
		assert.False(t, verifySignature([]byte(body), "sha256=", testSecret))
	})

	t.Run("truncated signature", func(t *testing.T) {
		sig := makeTestSignature(body, testSecret)
		assert.False(t, verifySignature([]byte(body), sig[:len(sig)-2], testSecret))
	})
}

// ============================================================================
// Forwarder
// ============================================================================

func TestForwarder(t *testing.T) {
	event := buildForwardEvent(context.Background(), testMessageEvent(), testNames)

	t.Run("signed post", func(t *testing.T) {
		var (
			gotBody []byte
			gotSig  string
			gotType string
		)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotBody, _ = io.ReadAll(r.Body)
			gotSig = r.Header.Get(SignatureHeader)
			gotType = r.Header.Get("Content-Type")
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		err := newForwarder(srv.URL, testSecret).send(context.Background(), event)
		require.NoError(t, err)

		assert.Equal(t, "application/json", gotType)
		assert.True(t, verifySignature(gotBody, gotSig, testSecret))

		var decoded ForwardEvent
		require.NoError(t, json.Unmarshal(gotBody, &decoded))
		assert.Equal(t, int64(12345), decoded.ChatID)
		assert.Equal(t, "Anna Petrova", decoded.SenderName)
	})

	t.Run("unsigned without secret", func(t *testing.T) {
		var gotSig string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotSig = r.Header.Get(SignatureHeader)
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		require.NoError(t, newForwarder(srv.URL, "").send(context.Background(), event))
		assert.Empty(t, gotSig)
	})

	t.Run("error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusBadGateway)
		}))
		defer srv.Close()

		err := newForwarder(srv.URL, testSecret).send(context.Background(), event)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
	})

	t.Run("cancelled context", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.Error(t, newForwarder(srv.URL, "").send(ctx, event))
	})
}

// ============================================================================
// Events and Filters
// ============================================================================

func TestBuildForwardEvent(t *testing.T) {
	ev := buildForwardEvent(context.Background(), testMessageEvent(), testNames)

	assert.Equal(t, "message.new", ev.Event)
	assert.Equal(t, int64(12345), ev.ChatID)
	assert.Equal(t, "115000000000000001", ev.MessageID)
	assert.Equal(t, int64(1001), ev.SenderID)
	assert.Equal(t, "Anna Petrova", ev.SenderName)
	assert.Equal(t, "hello", ev.Text)
	assert.True(t, ev.Time.Equal(time.UnixMilli(1700000000000)))
	assert.Equal(t, []string{"PHOTO", "unknown"}, ev.Attachments)
	require.Len(t, ev.Forwarded, 1)
	assert.Equal(t, ForwardedMessage{FromID: 2002, FromName: "Boris", Text: "quoted"}, ev.Forwarded[0])
}

func TestMessageFilter(t *testing.T) {
	ev := testMessageEvent()

	t.Run("empty filter matches everything", func(t *testing.T) {
		f, err := newMessageFilter(ConfigListen{})
		require.NoError(t, err)
		assert.True(t, f.matchChat(ev))
		assert.True(t, f.matchSender(1001, "anyone"))
	})

	t.Run("chat ids compare by absolute value", func(t *testing.T) {
		f, err := newMessageFilter(ConfigListen{ChatIDs: []string{"-12345"}})
		require.NoError(t, err)
		assert.True(t, f.matchChat(ev))

		f, err = newMessageFilter(ConfigListen{ChatIDs: []string{"67890"}})
		require.NoError(t, err)
		assert.False(t, f.matchChat(ev))
	})

	t.Run("sender id", func(t *testing.T) {
		f, err := newMessageFilter(ConfigListen{SenderID: "1001"})
		require.NoError(t, err)
		assert.True(t, f.matchSender(1001, ""))
		assert.False(t, f.matchSender(2002, ""))
	})

	t.Run("sender name is a case-insensitive substring", func(t *testing.T) {
		f, err := newMessageFilter(ConfigListen{SenderName: " PETROV "})
		require.NoError(t, err)
		assert.True(t, f.matchSender(1001, "Anna Petrova"))
		assert.False(t, f.matchSender(2002, "Boris"))
	})

	t.Run("invalid ids", func(t *testing.T) {
		_, err := newMessageFilter(ConfigListen{ChatIDs: []string{"abc"}})
		assert.Error(t, err)
		_, err = newMessageFilter(ConfigListen{SenderID: "x1"})
		assert.Error(t, err)
	})
}
