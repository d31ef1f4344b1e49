// Package maxapi is a Go client for the MAX messenger WebSocket protocol.
//
// A Client keeps one authenticated session to the service, reconnects with
// exponential backoff when the socket drops, and replays chat subscriptions
// after every reconnect. Commands are correlated to responses by sequence
// number; server push events are handed to registered handlers on their own
// goroutines.
//
// Example:
//
//	client := maxapi.NewClient(&maxapi.Config{Token: token})
//	client.OnNewMessage(func(ev *maxapi.NewMessageEvent) error {
//		fmt.Println(ev.AbsChatID(), ev.Message.Text)
//		return nil
//	})
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Close()
//
//	client.Subscribe(ctx, "12345")
//	client.SendMessage(ctx, "12345", "hello", nil)
package maxapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// Configuration
// ============================================================================

const (
	DefaultURL    = "wss://ws-api.oneme.ru/websocket"
	DefaultOrigin = "https://web.max.ru"

	DefaultConnectTimeout     = 20 * time.Second
	DefaultRequestTimeout     = 10 * time.Second
	DefaultHeartbeatInterval  = 3 * time.Second
	DefaultReconnectBaseDelay = 2 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultInitialRetryDelay  = 5 * time.Second
	DefaultWriteTimeout       = 10 * time.Second
	DefaultMediaTimeout       = 30 * time.Second
	DefaultChatsCount         = 50
	DefaultReadLimit          = 16 << 20
	DefaultHistoryCount       = 30
)

// Config configures a Client. Zero values are replaced by defaults.
type Config struct {
	URL    string
	Origin string
	// Token is the session token. Without it the session stops after the
	// handshake and must be completed with Authenticate.
	Token string

	// DisableReconnect leaves the session disconnected after a connection
	// loss instead of reconnecting.
	DisableReconnect bool

	ConnectTimeout     time.Duration
	RequestTimeout     time.Duration
	WriteTimeout       time.Duration
	HeartbeatInterval  time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	InitialRetryDelay  time.Duration

	ChatsCount int
	ReadLimit  int64
	UserAgent  UserAgent
	DeviceID   string

	// HTTPClient fetches media URLs returned by the protocol.
	HTTPClient *http.Client
	Logger     *zerolog.Logger

	// OnEvent receives every push event.
	OnEvent EventHandler
}

func (c *Config) defaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Origin == "" {
		c.Origin = DefaultOrigin
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.InitialRetryDelay == 0 {
		c.InitialRetryDelay = DefaultInitialRetryDelay
	}
	if c.ChatsCount == 0 {
		c.ChatsCount = DefaultChatsCount
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = DefaultReadLimit
	}
	if c.UserAgent == (UserAgent{}) {
		c.UserAgent = DefaultUserAgent()
	}
	if c.DeviceID == "" {
		c.DeviceID = uuid.NewString()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: DefaultMediaTimeout}
	}
	if c.Logger == nil {
		l := log.Logger
		c.Logger = &l
	}
}

// ============================================================================
// Client
// ============================================================================

// Client is a MAX protocol client. It is safe for concurrent use.
type Client struct {
	config *Config
	log    zerolog.Logger
	disp   *dispatcher
	router *eventRouter
	cache  *cache
	recon  *backoff

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	link       *link
	readyCh    chan struct{}
	token      string
	started    bool
	firstReady chan struct{}
	firstOnce  sync.Once
	done       chan struct{}

	shouldReconnect atomic.Bool
	lastCID         atomic.Int64
}

// NewClient creates a client. Call Connect to establish the session.
func NewClient(config *Config) *Client {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	logger := cfg.Logger.With().Str("component", "maxapi").Logger()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		config:     &cfg,
		log:        logger,
		disp:       newDispatcher(logger),
		router:     newEventRouter(logger),
		cache:      newCache(),
		recon:      newBackoff(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateDisconnected,
		readyCh:    make(chan struct{}),
		token:      cfg.Token,
		firstReady: make(chan struct{}),
		done:       make(chan struct{}),
	}
	c.shouldReconnect.Store(true)
	if cfg.OnEvent != nil {
		c.router.addGeneric(cfg.OnEvent)
	}
	return c
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, config *Config) (*Client, error) {
	c := NewClient(config)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// ============================================================================
// Messages
// ============================================================================

// SendOptions tunes SendMessage.
type SendOptions struct {
	// ReplyTo is the id of the message being replied to.
	ReplyTo string
	// Wait blocks until the server acknowledges the message.
	Wait bool
}

// SendResult describes a sent message. Message is set only when the send waited.
type SendResult struct {
	ClientID int64
	Message  *Message
}

// SendMessage posts text to a chat. Without opts.Wait the command is
// fire-and-forget.
func (c *Client) SendMessage(ctx context.Context, chatID, text string, opts *SendOptions) (*SendResult, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return nil, err
	}

	cid := c.nextCID()
	req := sendMessageRequest{
		ChatID: id,
		Message: outgoingMessage{
			Text:     text,
			CID:      cid,
			Elements: []json.RawMessage{},
			Attaches: []json.RawMessage{},
		},
		Notify: true,
	}
	if opts != nil && opts.ReplyTo != "" {
		replyID, err := strconv.ParseInt(strings.TrimSpace(opts.ReplyTo), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid reply message id %q: %w", opts.ReplyTo, err)
		}
		req.Message.Link = &MessageLink{Type: "REPLY", MessageID: replyID}
	}

	result := &SendResult{ClientID: cid}
	if opts == nil || !opts.Wait {
		if _, err := c.Send(ctx, OpSendMessage, req, Forget); err != nil {
			return nil, err
		}
		c.log.Info().Int64("chat", id).Int64("cid", cid).Msg("message sent")
		return result, nil
	}

	f, err := c.call(ctx, OpSendMessage, req)
	if err != nil {
		return nil, err
	}
	var resp sendMessageResponse
	if err := f.Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode send response: %w", err)
	}
	result.Message = resp.Message
	c.log.Info().Int64("chat", id).Int64("cid", cid).Msg("message delivered")
	return result, nil
}

// nextCID derives a client message id from wall-clock milliseconds, bumped
// past the previous value so rapid sends never collide.
func (c *Client) nextCID() int64 {
	for {
		now := time.Now().UnixMilli()
		last := c.lastCID.Load()
		if now <= last {
			now = last + 1
		}
		if c.lastCID.CompareAndSwap(last, now) {
			return now
		}
	}
}

// HistoryOptions tunes History.
type HistoryOptions struct {
	Count int
	// From is a millisecond timestamp; zero means now.
	From int64
}

// History fetches up to Count messages older than From.
func (c *Client) History(ctx context.Context, chatID string, opts *HistoryOptions) ([]Message, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return nil, err
	}
	req := historyRequest{
		ChatID:      id,
		From:        time.Now().UnixMilli(),
		Backward:    DefaultHistoryCount,
		GetMessages: true,
	}
	if opts != nil {
		if opts.Count > 0 {
			req.Backward = opts.Count
		}
		if opts.From > 0 {
			req.From = opts.From
		}
	}

	f, err := c.call(ctx, OpGetHistory, req)
	if err != nil {
		return nil, err
	}
	var resp historyResponse
	if err := f.Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return resp.Messages, nil
}

// MarkAsRead marks messageID and everything before it in the chat as read.
func (c *Client) MarkAsRead(ctx context.Context, chatID, messageID string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, OpMarkAsRead, markAsReadRequest{
		Type:      "READ_MESSAGE",
		ChatID:    id,
		MessageID: messageID,
		Mark:      time.Now().UnixMilli(),
	})
	return err
}

// ============================================================================
// Contacts & Chats
// ============================================================================

// ContactDetails fetches contacts by id from the server and caches them.
func (c *Client) ContactDetails(ctx context.Context, ids ...int64) ([]Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	f, err := c.call(ctx, OpGetContactDetails, contactDetailsRequest{ContactIDs: ids})
	if err != nil {
		return nil, err
	}
	var resp contactsResponse
	if err := f.Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode contacts: %w", err)
	}
	c.cache.putContacts(resp.Contacts)
	return resp.Contacts, nil
}

// Contact resolves a contact, consulting the local cache first.
func (c *Client) Contact(ctx context.Context, id int64) (*Contact, error) {
	if ct, ok := c.cache.contact(id); ok {
		return ct, nil
	}
	contacts, err := c.ContactDetails(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := range contacts {
		if contacts[i].ID == id {
			return &contacts[i], nil
		}
	}
	return nil, fmt.Errorf("contact %d not found", id)
}

// ContactByPhone looks a contact up by phone number.
func (c *Client) ContactByPhone(ctx context.Context, phone string) (*Contact, error) {
	f, err := c.call(ctx, OpFindByPhoneNumber, findByPhoneRequest{Phone: phone})
	if err != nil {
		return nil, err
	}
	var resp contactResponse
	if err := f.Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode contact: %w", err)
	}
	if resp.Contact == nil {
		return nil, fmt.Errorf("no contact for phone %s", phone)
	}
	c.cache.putContacts([]Contact{*resp.Contact})
	return resp.Contact, nil
}

// Chat returns the cached snapshot of a chat.
func (c *Client) Chat(chatID string) (*Chat, bool) {
	id, err := parseChatID(chatID)
	if err != nil {
		return nil, false
	}
	return c.cache.chat(id)
}

// Chats returns every cached chat ordered by id.
func (c *Client) Chats() []Chat {
	chats := c.cache.chatList()
	sort.Slice(chats, func(i, j int) bool { return chats[i].ID < chats[j].ID })
	return chats
}

// Me returns the authenticated profile, or nil before authentication.
func (c *Client) Me() *Contact {
	return c.cache.profile()
}
