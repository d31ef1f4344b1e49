package maxapi

import (
	"context"
	"time"
)

// startHeartbeat launches the keepalive for l. It is stopped by teardown or
// Close.
func (c *Client) startHeartbeat(l *link) {
	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	if l.stopHeartbeat != nil {
		l.stopHeartbeat()
	}
	l.stopHeartbeat = cancel
	c.mu.Unlock()

	go c.heartbeatLoop(ctx, l)
}

func (c *Client) stopHeartbeat(l *link) {
	c.mu.Lock()
	cancel := l.stopHeartbeat
	l.stopHeartbeat = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// heartbeatLoop sends a keepalive every HeartbeatInterval while l is the Ready
// socket. A failed write only marks the session not ready; the reader decides
// when to reconnect.
func (c *Client) heartbeatLoop(ctx context.Context, l *link) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.lost:
			return
		case <-ticker.C:
			c.mu.Lock()
			ready := c.state == StateReady && c.link == l
			c.mu.Unlock()
			if !ready {
				continue
			}

			if err := c.notifyOn(l, OpHeartbeat, heartbeatRequest{Interactive: false}); err != nil {
				c.log.Warn().Err(err).Msg("heartbeat failed")
				c.markNotReady(l)
				return
			}
		}
	}
}
