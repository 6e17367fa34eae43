// Package transporttest provides a scriptable in-memory adapter.
package transporttest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"chatbridge/internal/transport"
)

// SendFunc decides the outcome of one send.
type SendFunc func(to transport.Address, p transport.Payload) error

// Adapter is a fake platform. Connect results are consumed from a script
// (ScriptConnect) before falling back to success.
type Adapter struct {
	platform transport.Platform

	mu          sync.Mutex
	connectErrs []error
	connects    int
	conns       []*Conn
	sendFn      SendFunc
	echo        bool
}

func New(p transport.Platform) *Adapter {
	return &Adapter{platform: p, echo: true}
}

func (a *Adapter) Platform() transport.Platform { return a.platform }

// ScriptConnect queues errors returned by the next Connect calls. A nil entry
// is a successful connect.
func (a *Adapter) ScriptConnect(errs ...error) {
	a.mu.Lock()
	a.connectErrs = append(a.connectErrs, errs...)
	a.mu.Unlock()
}

// OnSend installs fn for every current and future connection.
func (a *Adapter) OnSend(fn SendFunc) {
	a.mu.Lock()
	a.sendFn = fn
	a.mu.Unlock()
}

// SetEcho toggles the synthesized self-sent event after a successful send.
func (a *Adapter) SetEcho(on bool) {
	a.mu.Lock()
	a.echo = on
	a.mu.Unlock()
}

func (a *Adapter) Connects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

// Last returns the most recently opened connection.
func (a *Adapter) Last() *Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.conns) == 0 {
		return nil
	}
	return a.conns[len(a.conns)-1]
}

func (a *Adapter) Connect(ctx context.Context, creds transport.Credentials) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++
	if len(a.connectErrs) > 0 {
		err := a.connectErrs[0]
		a.connectErrs = a.connectErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	c := &Conn{adapter: a, accountID: creds.AccountID}
	c.live.Store(true)
	a.conns = append(a.conns, c)
	return c, nil
}

// Sent is one recorded send.
type Sent struct {
	To      transport.Address
	Payload transport.Payload
	ID      string
}

type Conn struct {
	transport.Hub

	adapter   *Adapter
	accountID string
	live      atomic.Bool
	closed    atomic.Bool
	probeErr  atomic.Value // errBox
	seq       atomic.Int64

	mu   sync.Mutex
	sent []Sent
}

type errBox struct{ err error }

var ErrClosed = errors.New("transporttest: connection closed")

func (c *Conn) Send(ctx context.Context, to transport.Address, p transport.Payload) (transport.SentMessage, error) {
	if err := ctx.Err(); err != nil {
		return transport.SentMessage{}, err
	}
	if c.closed.Load() {
		return transport.SentMessage{}, transport.Transient(ErrClosed)
	}
	c.adapter.mu.Lock()
	fn := c.adapter.sendFn
	echo := c.adapter.echo
	c.adapter.mu.Unlock()
	if fn != nil {
		if err := fn(to, p); err != nil {
			return transport.SentMessage{}, err
		}
	}

	id := strconv.FormatInt(c.seq.Add(1), 10)
	now := time.Now()
	c.mu.Lock()
	c.sent = append(c.sent, Sent{To: to, Payload: p, ID: id})
	c.mu.Unlock()

	if echo {
		c.Publish(transport.Event{
			Kind:      transport.EventMessage,
			AccountID: c.accountID,
			Target:    to,
			MessageID: id,
			Outgoing:  true,
			Text:      p.Text,
			At:        now,
		})
	}
	return transport.SentMessage{ID: id, At: now}, nil
}

func (c *Conn) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b, ok := c.probeErr.Load().(errBox); ok && b.err != nil {
		return b.err
	}
	return nil
}

func (c *Conn) Live() bool { return c.live.Load() && !c.closed.Load() }

func (c *Conn) Close(ctx context.Context) error {
	c.closed.Store(true)
	c.live.Store(false)
	return nil
}

// FailProbe makes every following Probe return err (nil clears it).
func (c *Conn) FailProbe(err error) { c.probeErr.Store(errBox{err: err}) }

// Drop simulates a lost session.
func (c *Conn) Drop(err error) {
	c.live.Store(false)
	c.Publish(transport.Event{Kind: transport.EventDisconnected, AccountID: c.accountID, Err: err, At: time.Now()})
}

// Inject delivers an inbound event as if it came from the platform.
func (c *Conn) Inject(ev transport.Event) {
	if ev.AccountID == "" {
		ev.AccountID = c.accountID
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	c.Publish(ev)
}

func (c *Conn) Closed() bool { return c.closed.Load() }

func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}
