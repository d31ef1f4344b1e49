package maxapi

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// parseChatID accepts a decimal chat id, with or without surrounding space.
func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", s, err)
	}
	return id, nil
}

func canonicalChatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func (d *dispatcher) addChat(chat string) {
	d.mu.Lock()
	d.chats[chat] = struct{}{}
	d.mu.Unlock()
}

func (d *dispatcher) removeChat(chat string) {
	d.mu.Lock()
	delete(d.chats, chat)
	d.mu.Unlock()
}

func (d *dispatcher) chatSnapshot() []string {
	d.mu.Lock()
	chats := make([]string, 0, len(d.chats))
	for chat := range d.chats {
		chats = append(chats, chat)
	}
	d.mu.Unlock()
	sort.Strings(chats)
	return chats
}

// Subscribe asks the server for push events from a chat and, once accepted,
// remembers the chat so it is resubscribed after every reconnect.
func (c *Client) Subscribe(ctx context.Context, chatID string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if _, err := c.call(ctx, OpSubscribeToChat, subscribeRequest{ChatID: id, Subscribe: true}); err != nil {
		return fmt.Errorf("subscribe to chat %d: %w", id, err)
	}
	c.disp.addChat(canonicalChatID(id))
	c.log.Info().Int64("chat", id).Msg("subscribed")
	return nil
}

// Unsubscribe stops push events from a chat.
func (c *Client) Unsubscribe(ctx context.Context, chatID string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if _, err := c.call(ctx, OpSubscribeToChat, subscribeRequest{ChatID: id, Subscribe: false}); err != nil {
		return fmt.Errorf("unsubscribe from chat %d: %w", id, err)
	}
	c.disp.removeChat(canonicalChatID(id))
	c.log.Info().Int64("chat", id).Msg("unsubscribed")
	return nil
}

// Subscriptions returns the subscribed chat ids in sorted order.
func (c *Client) Subscriptions() []string {
	return c.disp.chatSnapshot()
}

// replaySubscriptions resubscribes every remembered chat on l. Each chat is
// attempted independently; failures are logged and do not stop the others.
func (c *Client) replaySubscriptions(l *link) {
	chats := c.disp.chatSnapshot()
	if len(chats) == 0 {
		return
	}

	type attempt struct {
		chat string
		p    *Pending
	}
	attempts := make([]attempt, 0, len(chats))
	for _, chat := range chats {
		id, err := parseChatID(chat)
		if err != nil {
			c.log.Warn().Err(err).Msg("skipping invalid subscription")
			continue
		}
		p, err := c.sendOn(c.ctx, l, OpSubscribeToChat, subscribeRequest{ChatID: id, Subscribe: true})
		if err != nil {
			c.log.Warn().Err(err).Str("chat", chat).Msg("resubscribe failed")
			continue
		}
		attempts = append(attempts, attempt{chat: chat, p: p})
	}

	ok := 0
	for _, a := range attempts {
		if _, err := a.p.wait(c.ctx, l.lost); err != nil {
			c.log.Warn().Err(err).Str("chat", a.chat).Msg("resubscribe failed")
			continue
		}
		ok++
	}
	c.log.Info().Int("resubscribed", ok).Int("total", len(chats)).Msg("subscriptions replayed")
}
