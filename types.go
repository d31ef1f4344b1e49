package maxapi

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ============================================================================
// Opcodes
// ============================================================================

// Opcode identifies the semantic operation of a command.
type Opcode int

const (
	OpHeartbeat         Opcode = 1
	OpHandshake         Opcode = 6
	OpSendVerifyCode    Opcode = 17
	OpCheckVerifyCode   Opcode = 18
	OpAuthenticate      Opcode = 19
	OpAuthConfirm       Opcode = 20
	OpGetContactDetails Opcode = 32
	OpFindByPhoneNumber Opcode = 46
	OpGetHistory        Opcode = 49
	OpMarkAsRead        Opcode = 50
	OpSendMessage       Opcode = 64
	OpSubscribeToChat   Opcode = 75
	OpGetVideo          Opcode = 83
	OpGetFile           Opcode = 88

	// OpNewMessage is the push-event opcode for an incoming chat message.
	OpNewMessage Opcode = 128
)

var opcodeNames = map[Opcode]string{
	OpHeartbeat:         "HEARTBEAT",
	OpHandshake:         "HANDSHAKE",
	OpSendVerifyCode:    "SEND_VERIFY_CODE",
	OpCheckVerifyCode:   "CHECK_VERIFY_CODE",
	OpAuthenticate:      "AUTHENTICATE",
	OpAuthConfirm:       "AUTH_CONFIRM",
	OpGetContactDetails: "GET_CONTACT_DETAILS",
	OpFindByPhoneNumber: "FIND_BY_PHONE_NUMBER",
	OpGetHistory:        "GET_HISTORY",
	OpMarkAsRead:        "MARK_AS_READ",
	OpSendMessage:       "SEND_MESSAGE",
	OpSubscribeToChat:   "SUBSCRIBE_TO_CHAT",
	OpGetVideo:          "GET_VIDEO",
	OpGetFile:           "GET_FILE",
	OpNewMessage:        "NEW_MESSAGE",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE_%d", int(o))
}

// ============================================================================
// Wire Envelope
// ============================================================================

// ProtocolVersion is the envelope version sent on every outbound command.
const ProtocolVersion = 11

// Command categories carried in the envelope's cmd field.
const (
	CmdRequest  = 0 // outbound commands and inbound push events
	CmdResponse = 1
	CmdError    = 3
)

// Envelope is the outbound wire format for every command.
type Envelope struct {
	Ver     int    `json:"ver"`
	Cmd     int    `json:"cmd"`
	Seq     int64  `json:"seq"`
	Opcode  Opcode `json:"opcode"`
	Payload any    `json:"payload"`
}

// Frame is a decoded inbound envelope.
type Frame struct {
	Ver     int             `json:"ver"`
	Cmd     int             `json:"cmd"`
	Seq     int64           `json:"seq"`
	Opcode  Opcode          `json:"opcode"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the frame payload into v.
func (f *Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("empty payload for %s", f.Opcode)
	}
	return json.Unmarshal(f.Payload, v)
}

// ============================================================================
// Handshake & Authentication
// ============================================================================

// UserAgent is the client fingerprint sent during the handshake.
type UserAgent struct {
	DeviceType      string `json:"deviceType"`
	Locale          string `json:"locale"`
	DeviceLocale    string `json:"deviceLocale"`
	OSVersion       string `json:"osVersion"`
	DeviceName      string `json:"deviceName"`
	HeaderUserAgent string `json:"headerUserAgent"`
	AppVersion      string `json:"appVersion"`
	Screen          string `json:"screen"`
	Timezone        string `json:"timezone"`
}

// DefaultUserAgent mirrors the web client the service expects.
func DefaultUserAgent() UserAgent {
	return UserAgent{
		DeviceType:      "WEB",
		Locale:          "ru",
		DeviceLocale:    "ru",
		OSVersion:       "Windows",
		DeviceName:      "Firefox",
		HeaderUserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:141.0) Gecko/20100101 Firefox/141.0",
		AppVersion:      "25.7.13",
		Screen:          "1080x1920 1.0x",
		Timezone:        "Asia/Novosibirsk",
	}
}

type handshakeRequest struct {
	UserAgent UserAgent `json:"userAgent"`
	DeviceID  string    `json:"deviceId"`
}

type authRequest struct {
	Interactive  bool   `json:"interactive"`
	Token        string `json:"token"`
	ChatsSync    int64  `json:"chatsSync"`
	ContactsSync int64  `json:"contactsSync"`
	PresenceSync int64  `json:"presenceSync"`
	DraftsSync   int64  `json:"draftsSync"`
	ChatsCount   int    `json:"chatsCount"`
}

// Profile is the authenticated account.
type Profile struct {
	Contact Contact `json:"contact"`
}

type authResponse struct {
	Profile *Profile `json:"profile"`
	Chats   []Chat   `json:"chats"`
	Error   string   `json:"error,omitempty"`
}

type heartbeatRequest struct {
	Interactive bool `json:"interactive"`
}

type verifyCodeRequest struct {
	Phone    string `json:"phone"`
	Type     string `json:"type"`
	Language string `json:"language"`
}

type verifyCodeResponse struct {
	Token string `json:"token"`
	Error string `json:"error,omitempty"`
}

type checkCodeRequest struct {
	Token         string `json:"token"`
	VerifyCode    string `json:"verifyCode"`
	AuthTokenType string `json:"authTokenType"`
}

type checkCodeResponse struct {
	TokenAttrs struct {
		Login struct {
			Token string `json:"token"`
		} `json:"LOGIN"`
	} `json:"tokenAttrs"`
	Profile *Profile `json:"profile,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// ============================================================================
// Contacts & Chats
// ============================================================================

// ContactName is one of the names a contact is known by.
type ContactName struct {
	Name      string `json:"name,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Type      string `json:"type,omitempty"`
}

// Contact is a user known to the service.
type Contact struct {
	ID          int64         `json:"id"`
	Names       []ContactName `json:"names,omitempty"`
	Phone       int64         `json:"phone,omitempty"`
	BaseURL     string        `json:"baseUrl,omitempty"`
	Description string        `json:"description,omitempty"`
	Updated     int64         `json:"updateTime,omitempty"`
}

// DisplayName returns the best human-readable name for the contact.
func (c *Contact) DisplayName() string {
	for _, n := range c.Names {
		if n.Name != "" {
			return n.Name
		}
		if full := strings.TrimSpace(n.FirstName + " " + n.LastName); full != "" {
			return full
		}
	}
	return fmt.Sprintf("User %d", c.ID)
}

// Chat is a conversation snapshot delivered at authentication.
type Chat struct {
	ID           int64            `json:"id"`
	Type         string           `json:"type,omitempty"`
	Status       string           `json:"status,omitempty"`
	Title        string           `json:"title,omitempty"`
	Owner        int64            `json:"owner,omitempty"`
	Participants map[string]int64 `json:"participants,omitempty"`
	LastMessage  *Message         `json:"lastMessage,omitempty"`
	Modified     int64            `json:"modified,omitempty"`
}

type contactDetailsRequest struct {
	ContactIDs []int64 `json:"contactIds"`
}

type contactsResponse struct {
	Contacts []Contact `json:"contacts"`
}

type findByPhoneRequest struct {
	Phone string `json:"phone"`
}

type contactResponse struct {
	Contact *Contact `json:"contact"`
}

// ============================================================================
// Messages
// ============================================================================

// Attachment is a media item attached to a message. Type-specific fields are
// kept raw for the caller to decode.
type Attachment struct {
	Type    string          `json:"type"`
	Photo   json.RawMessage `json:"photo,omitempty"`
	Doc     json.RawMessage `json:"doc,omitempty"`
	Video   json.RawMessage `json:"video,omitempty"`
	Sticker json.RawMessage `json:"sticker,omitempty"`
}

// ForwardedMessage is a message quoted inside another message.
type ForwardedMessage struct {
	FromID int64  `json:"from_id"`
	Text   string `json:"text"`
}

// Message is a chat message as delivered by history and push events.
type Message struct {
	ID          json.Number        `json:"id,omitempty"`
	Sender      int64              `json:"sender"`
	Text        string             `json:"text"`
	Time        int64              `json:"time"`
	Type        string             `json:"type,omitempty"`
	CID         int64              `json:"cid,omitempty"`
	Attachments []Attachment       `json:"attachments,omitempty"`
	FwdMessages []ForwardedMessage `json:"fwd_messages,omitempty"`
}

// MessageLink references another message, e.g. for replies.
type MessageLink struct {
	Type      string `json:"type"`
	MessageID int64  `json:"messageId"`
}

type outgoingMessage struct {
	Text     string            `json:"text"`
	CID      int64             `json:"cid"`
	Elements []json.RawMessage `json:"elements"`
	Attaches []json.RawMessage `json:"attaches"`
	Link     *MessageLink      `json:"link,omitempty"`
}

type sendMessageRequest struct {
	ChatID  int64           `json:"chatId"`
	Message outgoingMessage `json:"message"`
	Notify  bool            `json:"notify"`
}

type sendMessageResponse struct {
	ChatID  int64    `json:"chatId"`
	Message *Message `json:"message"`
}

type historyRequest struct {
	ChatID      int64 `json:"chatId"`
	From        int64 `json:"from"`
	Forward     int   `json:"forward"`
	Backward    int   `json:"backward"`
	GetMessages bool  `json:"getMessages"`
}

type historyResponse struct {
	Messages []Message `json:"messages"`
}

type markAsReadRequest struct {
	Type      string `json:"type"`
	ChatID    int64  `json:"chatId"`
	MessageID string `json:"messageId"`
	Mark      int64  `json:"mark"`
}

type subscribeRequest struct {
	ChatID    int64 `json:"chatId"`
	Subscribe bool  `json:"subscribe"`
}

// NewMessageEvent is the payload of an OpNewMessage push event. ChatID is
// negative on the wire; AbsChatID returns the real chat id.
type NewMessageEvent struct {
	ChatID  int64   `json:"chatId"`
	Message Message `json:"message"`
}

// AbsChatID returns the absolute chat id.
func (e *NewMessageEvent) AbsChatID() int64 {
	if e.ChatID < 0 {
		return -e.ChatID
	}
	return e.ChatID
}

// ============================================================================
// Media
// ============================================================================

type videoRequest struct {
	VideoID int64  `json:"videoId"`
	Token   string `json:"token"`
}

type fileRequest struct {
	FileID    int64  `json:"fileId"`
	ChatID    int64  `json:"chatId"`
	MessageID string `json:"messageId"`
}

type fileResponse struct {
	URL string `json:"url"`
}

// Media is a downloaded attachment body.
type Media struct {
	Data        []byte
	ContentType string
	FileName    string
}
