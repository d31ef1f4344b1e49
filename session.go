package maxapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Session State
// ============================================================================

// State is the session lifecycle state.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateHandshaking    State = "handshaking"
	StateAuthenticating State = "authenticating"
	StateReady          State = "ready"
	StateReconnecting   State = "reconnecting"
	StateClosing        State = "closing"
	StateClosed         State = "closed"
)

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.setStateLocked(s)
	c.mu.Unlock()
}

// setStateLocked applies a transition. Closing and Closed only move forward
// to Closed. readyCh is closed while Ready and replaced on leaving it.
func (c *Client) setStateLocked(s State) {
	prev := c.state
	if prev == s {
		return
	}
	if (prev == StateClosing || prev == StateClosed) && s != StateClosed {
		return
	}
	if prev == StateReady {
		c.readyCh = make(chan struct{})
	}
	c.state = s
	if s == StateReady {
		close(c.readyCh)
	}
	c.log.Debug().Str("from", string(prev)).Str("to", string(s)).Msg("session state changed")
}

// markNotReady drops l out of Ready without starting a reconnect.
func (c *Client) markNotReady(l *link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == l && c.state == StateReady {
		c.setStateLocked(StateReconnecting)
	}
}

// waitReady blocks until the session is Ready and returns its socket.
func (c *Client) waitReady(ctx context.Context) (*link, error) {
	for {
		c.mu.Lock()
		state, l, ready := c.state, c.link, c.readyCh
		c.mu.Unlock()

		switch state {
		case StateReady:
			if l != nil {
				return l, nil
			}
		case StateClosing, StateClosed:
			return nil, ErrClosed
		}

		select {
		case <-ready:
		case <-c.done:
			if c.State() != StateReady {
				return nil, ErrNotConnected
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: session not ready", ErrRequestTimeout)
			}
			return nil, ctx.Err()
		}
	}
}

func (c *Client) readyLink() (*link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == StateClosing || c.state == StateClosed:
		return nil, ErrClosed
	case c.state != StateReady || c.link == nil:
		return nil, ErrNotConnected
	}
	return c.link, nil
}

// ============================================================================
// Link
// ============================================================================

// link is one WebSocket connection. lost is closed by its reader when the
// socket fails; readErr is valid after that.
type link struct {
	conn    *websocket.Conn
	lost    chan struct{}
	readErr error

	stopHeartbeat context.CancelFunc // guarded by Client.mu
	closeOnce     sync.Once
}

func (l *link) close(code websocket.StatusCode, reason string) {
	l.closeOnce.Do(func() {
		_ = l.conn.Close(code, reason)
	})
}

// ============================================================================
// Backoff
// ============================================================================

// backoff yields base, 2*base, 4*base, ... capped at max.
type backoff struct {
	base    time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max, current: base}
}

func (b *backoff) next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

func (b *backoff) reset() {
	b.current = b.base
}

// ============================================================================
// Lifecycle
// ============================================================================

// Connect starts the session and blocks until it is Ready, ctx is done, or
// Config.ConnectTimeout elapses. Failure here is fatal: the client is closed
// and must not be reused. Once Ready, connection loss is handled internally.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.started {
		c.started = true
		go c.run()
	}
	c.mu.Unlock()

	timer := time.NewTimer(c.config.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-c.firstReady:
		return nil
	case <-timer.C:
		c.log.Error().Dur("timeout", c.config.ConnectTimeout).Msg("initial connection timed out")
		_ = c.Close()
		return fmt.Errorf("%w after %s", ErrConnectTimeout, c.config.ConnectTimeout)
	case <-ctx.Done():
		_ = c.Close()
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// run supervises the connection for the client's lifetime.
func (c *Client) run() {
	defer close(c.done)

	l := c.connectInitial()
	if l == nil {
		return
	}
	c.firstOnce.Do(func() { close(c.firstReady) })

	for {
		select {
		case <-l.lost:
		case <-c.ctx.Done():
			return
		}
		if !c.shouldReconnect.Load() {
			return
		}
		c.log.Warn().Err(l.readErr).Msg("connection lost")

		if c.config.DisableReconnect {
			c.teardown(l)
			c.setState(StateDisconnected)
			return
		}
		if l = c.reconnect(l); l == nil {
			return
		}
	}
}

func (c *Client) connectInitial() *link {
	for attempt := 1; ; attempt++ {
		l, err := c.establish()
		if err == nil {
			c.startHeartbeat(l)
			c.log.Info().Str("url", c.config.URL).Msg("connected")
			return l
		}
		if !c.shouldReconnect.Load() {
			return nil
		}
		c.setState(StateDisconnected)
		c.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", c.config.InitialRetryDelay).Msg("connect attempt failed")
		if !c.sleep(c.config.InitialRetryDelay) {
			return nil
		}
	}
}

// reconnect replaces a lost socket, retrying under backoff until it
// succeeds or the client is closed.
func (c *Client) reconnect(stale *link) *link {
	c.setState(StateReconnecting)
	c.teardown(stale)

	for attempt := 1; ; attempt++ {
		delay := c.recon.next()
		c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
		if !c.sleep(delay) || !c.shouldReconnect.Load() {
			return nil
		}

		l, err := c.establish()
		if err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			c.setState(StateReconnecting)
			continue
		}

		c.replaySubscriptions(l)
		c.startHeartbeat(l)
		c.recon.reset()
		c.log.Info().Int("attempt", attempt).Msg("reconnected")
		return l
	}
}

// establish dials, handshakes and, when a token is known, authenticates a
// fresh socket, leaving the session Ready on success.
func (c *Client) establish() (*link, error) {
	c.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(c.ctx, c.config.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Origin", c.config.Origin)
	if ua := c.config.UserAgent.HeaderUserAgent; ua != "" {
		header.Set("User-Agent", ua)
	}
	conn, _, err := websocket.Dial(ctx, c.config.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.config.URL, err)
	}
	conn.SetReadLimit(c.config.ReadLimit)
	l := &link{conn: conn, lost: make(chan struct{})}

	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		l.close(websocket.StatusNormalClosure, "client closing")
		return nil, ErrClosed
	}
	c.link = l
	c.mu.Unlock()

	go c.readLoop(l)

	c.setState(StateHandshaking)
	hs := handshakeRequest{UserAgent: c.config.UserAgent, DeviceID: c.config.DeviceID}
	if _, err := c.callOn(ctx, l, OpHandshake, hs); err != nil {
		c.teardown(l)
		return nil, fmt.Errorf("handshake: %w", err)
	}

	if token := c.currentToken(); token != "" {
		c.setState(StateAuthenticating)
		if err := c.authenticateOn(ctx, l, token); err != nil {
			c.teardown(l)
			return nil, err
		}
	} else {
		c.log.Warn().Msg("no token configured, session is unauthenticated")
	}

	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return nil, errLinkLost
	}
	c.setStateLocked(StateReady)
	c.mu.Unlock()
	return l, nil
}

// readLoop owns all reads on l.
func (c *Client) readLoop(l *link) {
	defer close(l.lost)
	for {
		typ, data, err := l.conn.Read(c.ctx)
		if err != nil {
			l.readErr = err
			c.markNotReady(l)
			return
		}
		if typ != websocket.MessageText {
			c.log.Debug().Stringer("type", typ).Msg("ignoring non-text frame")
			continue
		}
		c.handleFrame(data)
	}
}

// teardown stops l's heartbeat and closes it, ignoring errors.
func (c *Client) teardown(l *link) {
	c.stopHeartbeat(l)
	l.close(websocket.StatusGoingAway, "reconnecting")

	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	c.mu.Unlock()
}

func (c *Client) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// Close shuts the session down for good. Requests still in flight are not
// cancelled; they fail with their own timeout. Close is idempotent.
func (c *Client) Close() error {
	c.shouldReconnect.Store(false)

	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateClosing)
	l := c.link
	c.link = nil
	started := c.started
	c.mu.Unlock()

	c.log.Info().Msg("closing session")
	if l != nil {
		c.stopHeartbeat(l)
		l.close(websocket.StatusNormalClosure, "client closing")
	}
	c.cancel()

	if started {
		select {
		case <-c.done:
		case <-time.After(5 * time.Second):
			c.log.Warn().Msg("session supervisor did not stop in time")
		}
	}
	c.setState(StateClosed)
	return nil
}
