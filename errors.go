package maxapi

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrConnectTimeout is returned by Connect when the session does not become
	// ready within Config.ConnectTimeout. It is the only fatal connectivity error.
	ErrConnectTimeout = errors.New("maxapi: connect timed out")

	// ErrRequestTimeout is returned when no response arrives within the call's bound.
	ErrRequestTimeout = errors.New("maxapi: request timed out")

	// ErrNotConnected is returned for fire-and-forget commands issued while the
	// session is not ready, and for writes that race a disconnect.
	ErrNotConnected = errors.New("maxapi: not connected")

	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("maxapi: client closed")

	// ErrMediaNotFound is returned when the server has no downloadable URL.
	ErrMediaNotFound = errors.New("maxapi: media url not available")

	errLinkLost = errors.New("connection lost")
)

// AuthError reports that the server rejected the credentials.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return "maxapi: authentication rejected: " + e.Message
}

// ProtocolError is an explicit server error envelope (cmd=3). It is logged and
// never attached to an in-flight request.
type ProtocolError struct {
	Seq     int64
	Opcode  Opcode
	Payload json.RawMessage
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("maxapi: server error for %s (seq %d): %s", e.Opcode, e.Seq, string(e.Payload))
}

// MediaTypeError reports a media response whose content type does not match
// the requested kind.
type MediaTypeError struct {
	Want        string
	ContentType string
}

func (e *MediaTypeError) Error() string {
	return fmt.Sprintf("maxapi: expected %s media, got content-type %q", e.Want, e.ContentType)
}
