package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"chatbridge/internal/accounts"
	"chatbridge/internal/transport"
	"chatbridge/pkg/logx"
)

// Connection is the registry's handle for one attached account.
type Connection struct {
	AccountID string
	OwnerID   string
	Platform  transport.Platform

	reg     *Registry
	adapter transport.Adapter
	creds   transport.Credentials
	log     logx.Logger

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	mu            sync.Mutex
	conn          transport.Conn
	unsub         func()
	state         State
	attempts      int
	connectedAt   time.Time
	lastHeartbeat time.Time
	lastErr       string

	drop   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func newConnection(r *Registry, acct accounts.Account, ad transport.Adapter) *Connection {
	c := &Connection{
		AccountID: acct.ID,
		OwnerID:   acct.OwnerID,
		Platform:  acct.Platform,
		reg:       r,
		adapter:   ad,
		creds:     acct.Credentials(),
		log:       r.log.With(logx.String("account", acct.ID), logx.String("platform", string(acct.Platform))),
		drop:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if r.cfg.SendRatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(r.cfg.SendRatePerSec), r.cfg.SendBurst)
	}
	trip := r.cfg.BreakerTripFailures
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "send:" + acct.ID,
		MaxRequests: 1,
		Timeout:     r.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		IsSuccessful: func(err error) bool {
			// Per-recipient rejections say nothing about the session.
			return err == nil || transport.IsFatal(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("send breaker state changed", logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
	return c
}

// Live reports whether the connection can send right now.
func (c *Connection) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateLive && c.conn != nil && c.conn.Live()
}

func (c *Connection) Info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionInfo{
		AccountID:     c.AccountID,
		OwnerID:       c.OwnerID,
		Platform:      c.Platform,
		State:         c.state,
		Attempts:      c.attempts,
		ConnectedAt:   c.connectedAt,
		LastHeartbeat: c.lastHeartbeat,
		LastError:     c.lastErr,
	}
}

// Attempts returns the consecutive failed reconnect attempts.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Connection) SendText(ctx context.Context, to transport.Address, text string) (transport.SentMessage, error) {
	return c.Send(ctx, to, transport.TextPayload(text))
}

func (c *Connection) SendMedia(ctx context.Context, to transport.Address, kind transport.MessageKind, m transport.Media, caption string) (transport.SentMessage, error) {
	return c.Send(ctx, to, transport.MediaPayload(kind, m, caption))
}

// Send delivers p through the account's rate limiter and circuit breaker.
func (c *Connection) Send(ctx context.Context, to transport.Address, p transport.Payload) (transport.SentMessage, error) {
	if err := to.Validate(); err != nil {
		return transport.SentMessage{}, transport.Fatal(err)
	}
	if err := p.Validate(); err != nil {
		return transport.SentMessage{}, transport.Fatal(err)
	}

	c.mu.Lock()
	conn := c.conn
	live := c.state == StateLive && conn != nil && conn.Live()
	c.mu.Unlock()
	if !live {
		return transport.SentMessage{}, transport.Transient(ErrNotLive)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return transport.SentMessage{}, err
		}
	}

	start := time.Now()
	res, err := c.breaker.Execute(func() (interface{}, error) {
		sctx, cancel := context.WithTimeout(ctx, c.reg.cfg.SendTimeout)
		defer cancel()
		return conn.Send(sctx, to, p)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = transport.Transient(fmt.Errorf("%w: %v", ErrBreakerOpen, err))
		}
		c.reg.metrics.Send(string(c.Platform), transport.Classify(err).String(), time.Since(start))
		if !conn.Live() {
			c.signalDrop()
		}
		return transport.SentMessage{}, err
	}
	c.reg.metrics.Send(string(c.Platform), "ok", time.Since(start))
	return res.(transport.SentMessage), nil
}

func (c *Connection) signalDrop() {
	select {
	case c.drop <- struct{}{}:
	default:
	}
}

func (c *Connection) setState(s State, err error) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	if err != nil {
		c.lastErr = err.Error()
	} else if s == StateLive {
		c.lastErr = ""
	}
	attempts := c.attempts
	c.mu.Unlock()

	if prev == s {
		return
	}
	c.reg.metrics.ConnectionState(string(c.Platform), gaugeState(prev), gaugeState(s))
	ev := StatusEvent{AccountID: c.AccountID, Platform: c.Platform, State: s, Attempt: attempts}
	if err != nil {
		ev.Error = err.Error()
	}
	c.reg.notify(c.OwnerID, "connection.status", ev)
}

// dial opens a fresh adapter session and swaps it in.
func (c *Connection) dial(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, c.reg.cfg.ConnectTimeout)
	defer cancel()

	conn, err := c.adapter.Connect(cctx, c.creds)
	if err != nil {
		return err
	}
	unsub := conn.Subscribe(func(ev transport.Event) { c.reg.handleEvent(c, ev) })

	c.mu.Lock()
	old, oldUnsub := c.conn, c.unsub
	c.conn, c.unsub = conn, unsub
	c.attempts = 0
	c.connectedAt = time.Now()
	c.mu.Unlock()

	if old != nil {
		c.closeConn(old, oldUnsub)
	}
	return nil
}

func (c *Connection) closeConn(conn transport.Conn, unsub func()) {
	if unsub != nil {
		unsub()
	}
	cctx, cancel := context.WithTimeout(context.Background(), c.reg.cfg.ConnectTimeout)
	defer cancel()
	if err := conn.Close(cctx); err != nil {
		c.log.Warn("adapter close failed", logx.Err(err))
	}
}

// run is the supervised task: heartbeat, drop detection and reconnect.
// It returns after eviction or when ctx ends.
func (c *Connection) run(ctx context.Context) error {
	defer close(c.done)

	hb := time.NewTicker(c.reg.cfg.HeartbeatInterval)
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-hb.C:
			if err := c.heartbeat(ctx); err == nil {
				continue
			} else if ctx.Err() != nil {
				return context.Canceled
			} else {
				c.log.Warn("heartbeat failed", logx.Err(err))
				c.setState(StateDisconnected, err)
			}
		case <-c.drop:
			if c.Live() {
				continue
			}
			c.setState(StateDisconnected, nil)
		}

		if !c.reconnect(ctx) {
			if ctx.Err() != nil {
				return context.Canceled
			}
			c.reg.reportEviction(ctx, c)
			return nil
		}
		hb.Reset(c.reg.cfg.HeartbeatInterval)
	}
}

func (c *Connection) heartbeat(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !conn.Live() {
		return transport.Transient(ErrNotLive)
	}
	pctx, cancel := context.WithTimeout(ctx, c.reg.cfg.ProbeTimeout)
	defer cancel()
	if err := conn.Probe(pctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
	return nil
}

// reconnect waits the fixed delay before every attempt and gives up after
// MaxReconnectAttempts consecutive failures.
func (c *Connection) reconnect(ctx context.Context) bool {
	cfg := c.reg.cfg
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.ReconnectDelay), uint64(cfg.MaxReconnectAttempts)),
		ctx,
	)

	for {
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return false
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}

		c.setState(StateConnecting, nil)
		err := c.dial(ctx)
		if err == nil {
			c.reg.metrics.Reconnect(string(c.Platform), true)
			c.log.Info("reconnected")
			c.setState(StateLive, nil)
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()
		c.reg.metrics.Reconnect(string(c.Platform), false)
		c.log.Warn("reconnect attempt failed",
			logx.Int("attempt", attempt),
			logx.Int("max", cfg.MaxReconnectAttempts),
			logx.String("class", transport.Classify(err).String()),
			logx.Err(err),
		)
		c.setState(StateDisconnected, err)
	}
}

// shutdown stops the task and closes the adapter session.
func (c *Connection) shutdown(ctx context.Context) {
	if c.cancel != nil {
		c.cancel()
	}
	select {
	case <-c.done:
	case <-ctx.Done():
	}

	c.mu.Lock()
	conn, unsub := c.conn, c.unsub
	c.conn, c.unsub = nil, nil
	c.mu.Unlock()
	if conn != nil {
		c.closeConn(conn, unsub)
	}
}

// gaugeState maps terminal states to no gauge label.
func gaugeState(s State) string {
	switch s {
	case StateLive, StateConnecting, StateDisconnected:
		return string(s)
	}
	return ""
}
