package maxapi

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Push Events
// ============================================================================

// Event is an unsolicited server push (cmd=0).
type Event struct {
	Opcode   Opcode
	Seq      int64
	Payload  json.RawMessage
	Received time.Time
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("empty payload for %s event", e.Opcode)
	}
	return json.Unmarshal(e.Payload, v)
}

// NewMessage decodes an OpNewMessage event.
func (e Event) NewMessage() (*NewMessageEvent, error) {
	if e.Opcode != OpNewMessage {
		return nil, fmt.Errorf("event %s is not %s", e.Opcode, OpNewMessage)
	}
	var ev NewMessageEvent
	if err := e.Decode(&ev); err != nil {
		return nil, fmt.Errorf("decode new message: %w", err)
	}
	return &ev, nil
}

// EventHandler handles a push event. A returned error is logged.
type EventHandler func(Event) error

// NewMessageHandler handles an incoming chat message.
type NewMessageHandler func(*NewMessageEvent) error

// ============================================================================
// Event Router
// ============================================================================

// eventRouter fans push events out to handlers, each on its own goroutine so
// the reader never waits on handler code.
type eventRouter struct {
	mu       sync.RWMutex
	generic  []EventHandler
	byOpcode map[Opcode][]EventHandler
	log      zerolog.Logger
}

func newEventRouter(logger zerolog.Logger) *eventRouter {
	return &eventRouter{
		byOpcode: make(map[Opcode][]EventHandler),
		log:      logger,
	}
}

func (r *eventRouter) dispatch(ev Event) {
	r.mu.RLock()
	handlers := make([]EventHandler, 0, len(r.generic)+len(r.byOpcode[ev.Opcode]))
	handlers = append(handlers, r.generic...)
	handlers = append(handlers, r.byOpcode[ev.Opcode]...)
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.log.Debug().Stringer("opcode", ev.Opcode).Msg("no handler for event")
		return
	}
	for _, h := range handlers {
		go r.invoke(h, ev)
	}
}

func (r *eventRouter) invoke(h EventHandler, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Stringer("opcode", ev.Opcode).Interface("panic", p).Msg("event handler panicked")
		}
	}()
	if err := h(ev); err != nil {
		r.log.Error().Err(err).Stringer("opcode", ev.Opcode).Msg("event handler failed")
	}
}

func (r *eventRouter) add(op Opcode, h EventHandler) {
	r.mu.Lock()
	r.byOpcode[op] = append(r.byOpcode[op], h)
	r.mu.Unlock()
}

func (r *eventRouter) addGeneric(h EventHandler) {
	r.mu.Lock()
	r.generic = append(r.generic, h)
	r.mu.Unlock()
}

// On registers a handler for push events with the given opcode.
func (c *Client) On(op Opcode, h EventHandler) {
	c.router.add(op, h)
}

// OnEvent registers a handler for every push event.
func (c *Client) OnEvent(h EventHandler) {
	c.router.addGeneric(h)
}

// OnNewMessage registers a handler for incoming chat messages.
func (c *Client) OnNewMessage(h NewMessageHandler) {
	c.router.add(OpNewMessage, func(ev Event) error {
		msg, err := ev.NewMessage()
		if err != nil {
			return err
		}
		return h(msg)
	})
}
