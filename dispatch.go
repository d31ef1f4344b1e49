package maxapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"
)

// SendMode selects how Send waits for a response.
type SendMode int

const (
	// Forget writes the command and returns without tracking a response.
	Forget SendMode = iota
	// Block waits for the correlated response or the call's timeout.
	Block
	// Defer returns a Pending handle immediately.
	Defer
)

// ============================================================================
// Pending
// ============================================================================

// Pending is an in-flight request awaiting its response.
type Pending struct {
	Seq    int64
	Opcode Opcode

	d     *dispatcher
	done  chan struct{}
	timer *time.Timer
	frame *Frame
	err   error
}

// Done is closed once the request has a result.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the response, or an error if the request failed or is still
// in flight.
func (p *Pending) Result() (*Frame, error) {
	select {
	case <-p.done:
		return p.frame, p.err
	default:
		return nil, fmt.Errorf("request %s seq %d still pending", p.Opcode, p.Seq)
	}
}

// Wait blocks until the request completes or ctx is done. A ctx deadline is
// reported as ErrRequestTimeout.
func (p *Pending) Wait(ctx context.Context) (*Frame, error) {
	return p.wait(ctx, nil)
}

// wait also gives up when lost closes. Whoever removes the entry from the
// table completes it, so after abandoning we still read the final outcome.
func (p *Pending) wait(ctx context.Context, lost <-chan struct{}) (*Frame, error) {
	select {
	case <-p.done:
	case <-lost:
		p.d.abandon(p, errLinkLost)
		<-p.done
	case <-ctx.Done():
		p.d.abandon(p, p.d.contextError(ctx, p))
		<-p.done
	}
	return p.frame, p.err
}

// ============================================================================
// Dispatcher
// ============================================================================

// dispatcher owns the sequence counter, the pending-request table and the
// subscription set. mu guards both maps and is never held across I/O.
type dispatcher struct {
	seq atomic.Int64
	log zerolog.Logger

	mu      sync.Mutex
	pending map[int64]*Pending
	chats   map[string]struct{}
}

func newDispatcher(logger zerolog.Logger) *dispatcher {
	return &dispatcher{
		log:     logger,
		pending: make(map[int64]*Pending),
		chats:   make(map[string]struct{}),
	}
}

func (d *dispatcher) nextSeq() int64 {
	return d.seq.Add(1) - 1
}

// register allocates a sequence number and tracks it until timeout.
func (d *dispatcher) register(op Opcode, timeout time.Duration) *Pending {
	p := &Pending{
		Seq:    d.nextSeq(),
		Opcode: op,
		d:      d,
		done:   make(chan struct{}),
	}
	d.mu.Lock()
	d.pending[p.Seq] = p
	p.timer = time.AfterFunc(timeout, func() { d.expire(p.Seq, timeout) })
	d.mu.Unlock()
	return p
}

func (d *dispatcher) take(seq int64) *Pending {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[seq]
	if !ok {
		return nil
	}
	delete(d.pending, seq)
	return p
}

// complete must only be called by the goroutine that took p from the table.
func (d *dispatcher) complete(p *Pending, f *Frame, err error) {
	p.timer.Stop()
	p.frame = f
	p.err = err
	close(p.done)
}

func (d *dispatcher) resolve(f *Frame) {
	p := d.take(f.Seq)
	if p == nil {
		d.log.Debug().Int64("seq", f.Seq).Stringer("opcode", f.Opcode).Msg("dropping orphaned response")
		return
	}
	if p.Opcode != OpHeartbeat {
		d.log.Debug().Int64("seq", f.Seq).Stringer("opcode", p.Opcode).Msg("response received")
	}
	d.complete(p, f, nil)
}

func (d *dispatcher) expire(seq int64, after time.Duration) {
	p := d.take(seq)
	if p == nil {
		return
	}
	d.complete(p, nil, fmt.Errorf("%w: %s seq %d after %s", ErrRequestTimeout, p.Opcode, seq, after))
}

func (d *dispatcher) abandon(p *Pending, err error) {
	if d.take(p.Seq) == p {
		d.complete(p, nil, err)
	}
}

func (d *dispatcher) contextError(ctx context.Context, p *Pending) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s seq %d", ErrRequestTimeout, p.Opcode, p.Seq)
	}
	return ctx.Err()
}

func (d *dispatcher) isPending(seq int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[seq]
	return ok
}

func (d *dispatcher) pendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// ============================================================================
// Sending
// ============================================================================

// Send issues a command. Forget returns a nil Pending; Block returns a
// completed one; Defer returns one that completes later. Block and Defer are
// bounded by Config.RequestTimeout or the ctx deadline, whichever is sooner.
func (c *Client) Send(ctx context.Context, op Opcode, payload any, mode SendMode) (*Pending, error) {
	switch mode {
	case Forget:
		l, err := c.readyLink()
		if err != nil {
			return nil, err
		}
		return nil, c.notifyOn(l, op, payload)
	case Defer:
		l, err := c.readyLink()
		if err != nil {
			return nil, err
		}
		return c.sendOn(ctx, l, op, payload)
	case Block:
		ctx, cancel := c.withRequestTimeout(ctx)
		defer cancel()
		l, err := c.waitReady(ctx)
		if err != nil {
			return nil, err
		}
		p, err := c.sendOn(ctx, l, op, payload)
		if err != nil {
			return nil, err
		}
		if _, err := p.Wait(ctx); err != nil {
			return p, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown send mode %d", mode)
	}
}

// call is the blocking form used by the typed operations.
func (c *Client) call(ctx context.Context, op Opcode, payload any) (*Frame, error) {
	p, err := c.Send(ctx, op, payload, Block)
	if err != nil {
		return nil, err
	}
	return p.Result()
}

// callOn performs a blocking call on a specific socket, bypassing the
// readiness gate. The session uses it during handshake and authentication.
func (c *Client) callOn(ctx context.Context, l *link, op Opcode, payload any) (*Frame, error) {
	ctx, cancel := c.withRequestTimeout(ctx)
	defer cancel()
	p, err := c.sendOn(ctx, l, op, payload)
	if err != nil {
		return nil, err
	}
	return p.wait(ctx, l.lost)
}

func (c *Client) sendOn(ctx context.Context, l *link, op Opcode, payload any) (*Pending, error) {
	timeout := c.config.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	p := c.disp.register(op, timeout)
	if err := c.write(l, p.Seq, op, payload); err != nil {
		c.disp.abandon(p, err)
		return nil, err
	}
	return p, nil
}

func (c *Client) notifyOn(l *link, op Opcode, payload any) error {
	return c.write(l, c.disp.nextSeq(), op, payload)
}

func (c *Client) write(l *link, seq int64, op Opcode, payload any) error {
	data, err := json.Marshal(Envelope{
		Ver:     ProtocolVersion,
		Cmd:     CmdRequest,
		Seq:     seq,
		Opcode:  op,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", op, err)
	}

	// The write context must not be the caller's: cancelling a write closes
	// the socket.
	ctx, cancel := context.WithTimeout(c.ctx, c.config.WriteTimeout)
	defer cancel()
	if err := l.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrNotConnected, op, err)
	}
	return nil
}

func (c *Client) withRequestTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.config.RequestTimeout)
}

// ============================================================================
// Demultiplexing
// ============================================================================

// handleFrame classifies one inbound frame. Responses are matched strictly by
// seq; push events and server errors never touch the pending table.
func (c *Client) handleFrame(data []byte) {
	if !gjson.ValidBytes(data) {
		c.log.Warn().Int("bytes", len(data)).Msg("discarding malformed frame")
		return
	}

	fields := gjson.GetManyBytes(data, "ver", "cmd", "seq", "opcode", "payload")
	f := &Frame{
		Ver:    int(fields[0].Int()),
		Cmd:    int(fields[1].Int()),
		Seq:    fields[2].Int(),
		Opcode: Opcode(fields[3].Int()),
	}
	if fields[4].Exists() {
		f.Payload = json.RawMessage(fields[4].Raw)
	}
	if !fields[1].Exists() {
		c.log.Debug().RawJSON("frame", data).Msg("frame without cmd")
		return
	}

	switch f.Cmd {
	case CmdResponse:
		c.disp.resolve(f)
	case CmdRequest:
		c.router.dispatch(Event{
			Opcode:   f.Opcode,
			Seq:      f.Seq,
			Payload:  f.Payload,
			Received: time.Now(),
		})
	case CmdError:
		perr := &ProtocolError{Seq: f.Seq, Opcode: f.Opcode, Payload: f.Payload}
		c.log.Error().Err(perr).Msg("server returned error")
	default:
		c.log.Debug().Int("cmd", f.Cmd).RawJSON("frame", data).Msg("unexpected frame")
	}
}
