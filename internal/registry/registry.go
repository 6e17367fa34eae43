package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"chatbridge/internal/accounts"
	"chatbridge/internal/correlation"
	"chatbridge/internal/metrics"
	rtsup "chatbridge/internal/runtime/supervisor"
	"chatbridge/internal/transport"
	"chatbridge/pkg/logx"
)

type Option func(*Registry)

func WithLogger(log logx.Logger) Option {
	return func(r *Registry) {
		if !log.IsZero() {
			r.log = log
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(r *Registry) { r.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithAdapters(ads ...transport.Adapter) Option {
	return func(r *Registry) {
		for _, ad := range ads {
			if ad != nil {
				r.adapters[ad.Platform()] = ad
			}
		}
	}
}

type eviction struct {
	conn *Connection
}

// Registry maps account ids to live connections.
type Registry struct {
	cfg      Config
	log      logx.Logger
	accounts accounts.Store
	pending  *correlation.Store
	notifier Notifier
	metrics  *metrics.Metrics
	adapters map[transport.Platform]transport.Adapter

	// mu guards conns and sup only; slow work happens under the per-account slot.
	mu      sync.RWMutex
	conns   map[string]*Connection
	sup     *rtsup.Supervisor
	stopped bool

	slotsMu sync.Mutex
	slots   map[string]*sync.Mutex

	evictions chan eviction
}

func New(cfg Config, store accounts.Store, pending *correlation.Store, opts ...Option) *Registry {
	r := &Registry{
		cfg:       cfg.withDefaults(),
		log:       logx.Nop(),
		accounts:  store,
		pending:   pending,
		adapters:  map[transport.Platform]transport.Adapter{},
		conns:     map[string]*Connection{},
		slots:     map[string]*sync.Mutex{},
		evictions: make(chan eviction, 16),
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With(logx.Component("registry"))
	if r.pending == nil {
		r.pending = correlation.New(correlation.Config{})
	}
	return r
}

// Start launches the eviction watcher. Connection tasks run under the same
// supervisor and stop with ctx.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	if r.sup != nil {
		r.mu.Unlock()
		return
	}
	r.stopped = false
	r.sup = rtsup.New(ctx, rtsup.WithLogger(r.log))
	sup := r.sup
	r.mu.Unlock()

	sup.Go("evictions", r.watchEvictions)
}

// Supervisor exposes task stats for ops.
func (r *Registry) Supervisor() *rtsup.Supervisor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sup
}

// Pending returns the outgoing correlation store used for echo matching.
func (r *Registry) Pending() *correlation.Store { return r.pending }

func (r *Registry) lockSlot(accountID string) func() {
	r.slotsMu.Lock()
	m := r.slots[accountID]
	if m == nil {
		m = &sync.Mutex{}
		r.slots[accountID] = m
	}
	r.slotsMu.Unlock()
	m.Lock()
	return m.Unlock
}

// Get is a non-blocking lookup.
func (r *Registry) Get(accountID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[accountID]
	return c, ok
}

// Attach loads the account and connects it. Attaching an attached account is
// a no-op.
func (r *Registry) Attach(ctx context.Context, accountID string) error {
	if _, ok := r.Get(accountID); ok {
		return nil
	}
	if r.accounts == nil {
		return ErrNoCredentials
	}
	acct, err := r.accounts.GetAccount(ctx, accountID)
	if errors.Is(err, accounts.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNoCredentials, accountID)
	}
	if err != nil {
		return err
	}
	_, err = r.attach(ctx, acct)
	return err
}

// AttachAccount attaches with caller-supplied credentials.
func (r *Registry) AttachAccount(ctx context.Context, acct accounts.Account) error {
	_, err := r.attach(ctx, acct)
	return err
}

func (r *Registry) attach(ctx context.Context, acct accounts.Account) (*Connection, error) {
	unlock := r.lockSlot(acct.ID)
	defer unlock()

	if c, ok := r.Get(acct.ID); ok {
		return c, nil
	}
	if acct.ID == "" || acct.Credentials().Empty() {
		return nil, fmt.Errorf("%w: %s", ErrNoCredentials, acct.ID)
	}
	ad, ok := r.adapters[acct.Platform]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, acct.Platform)
	}

	r.mu.RLock()
	sup, stopped := r.sup, r.stopped
	r.mu.RUnlock()
	if sup == nil || stopped {
		return nil, ErrStopped
	}

	c := newConnection(r, acct, ad)
	if err := c.dial(ctx); err != nil {
		switch transport.Classify(err) {
		case transport.ClassAuth, transport.ClassFatal:
			r.log.Warn("attach rejected", logx.String("account", acct.ID), logx.Err(err))
			return nil, fmt.Errorf("%w: %v", ErrAdapterRejected, err)
		}
		return nil, err
	}

	tctx, cancel := context.WithCancel(sup.Context())
	c.cancel = cancel

	r.mu.Lock()
	r.conns[acct.ID] = c
	r.mu.Unlock()

	sup.Go("conn."+acct.ID, func(context.Context) error { return c.run(tctx) })
	c.setState(StateLive, nil)
	r.log.Info("account attached", logx.String("account", acct.ID), logx.String("platform", string(acct.Platform)))
	return c, nil
}

// Ensure returns the live connection, attaching on demand.
func (r *Registry) Ensure(ctx context.Context, accountID string) (*Connection, error) {
	if c, ok := r.Get(accountID); ok {
		if !c.Live() {
			return nil, transport.Transient(fmt.Errorf("%w: %s", ErrNotLive, accountID))
		}
		return c, nil
	}
	if err := r.Attach(ctx, accountID); err != nil {
		return nil, err
	}
	c, ok := r.Get(accountID)
	if !ok {
		return nil, transport.Transient(fmt.Errorf("%w: %s", ErrNotLive, accountID))
	}
	return c, nil
}

// Detach closes the session best-effort and always removes the account.
func (r *Registry) Detach(ctx context.Context, accountID string) error {
	unlock := r.lockSlot(accountID)
	defer unlock()

	r.mu.Lock()
	c, ok := r.conns[accountID]
	delete(r.conns, accountID)
	r.mu.Unlock()
	if !ok {
		return ErrNotAttached
	}

	c.shutdown(ctx)
	c.setState(StateDetached, nil)
	r.pending.ForgetAccount(accountID)
	r.log.Info("account detached", logx.String("account", accountID))
	return nil
}

// SendTo ensures a live connection for accountID and sends through it.
func (r *Registry) SendTo(ctx context.Context, platform transport.Platform, accountID string, to transport.Address, p transport.Payload) (transport.SentMessage, error) {
	c, err := r.Ensure(ctx, accountID)
	if err != nil {
		return transport.SentMessage{}, err
	}
	if platform != "" && c.Platform != platform {
		return transport.SentMessage{}, transport.Fatal(fmt.Errorf("account %s is %s, target wants %s", accountID, c.Platform, platform))
	}
	return c.Send(ctx, to, p)
}

// SendTracked registers tempID for echo matching, then sends. The pending
// entry is removed again when the send fails.
func (r *Registry) SendTracked(ctx context.Context, accountID string, to transport.Address, p transport.Payload, tempID string) (transport.SentMessage, error) {
	c, err := r.Ensure(ctx, accountID)
	if err != nil {
		return transport.SentMessage{}, err
	}
	if err := r.pending.Register(accountID, to.Key(), tempID); err != nil {
		return transport.SentMessage{}, transport.Fatal(err)
	}
	sent, err := c.Send(ctx, to, p)
	if err != nil {
		r.pending.Remove(accountID, tempID)
		return transport.SentMessage{}, err
	}
	return sent, nil
}

// RestoreAll attaches every active account. Per-account failures are logged
// and reported; only a listing failure is returned.
func (r *Registry) RestoreAll(ctx context.Context) (RestoreReport, error) {
	rep := RestoreReport{Failed: map[string]string{}}
	if r.accounts == nil {
		return rep, nil
	}
	accts, err := r.accounts.ListActiveAccounts(ctx)
	if err != nil {
		return rep, fmt.Errorf("list active accounts: %w", err)
	}
	rep.Total = len(accts)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.RestoreConcurrency)
	for _, a := range accts {
		a := a
		g.Go(func() error {
			err := r.AttachAccount(gctx, a)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Failed[a.ID] = err.Error()
				r.log.Warn("restore failed", logx.String("account", a.ID), logx.Err(err))
				return nil
			}
			rep.Attached++
			return nil
		})
	}
	_ = g.Wait()

	r.log.Info("accounts restored", logx.Int("total", rep.Total), logx.Int("attached", rep.Attached), logx.Int("failed", len(rep.Failed)))
	return rep, nil
}

func (r *Registry) Snapshot() []ConnectionInfo {
	r.mu.RLock()
	out := make([]ConnectionInfo, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Stop detaches every account and stops the supervisor.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped || r.sup == nil {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sup := r.sup
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.Detach(ctx, id); err != nil && !errors.Is(err, ErrNotAttached) {
			r.log.Warn("detach on stop failed", logx.String("account", id), logx.Err(err))
		}
	}
	err := sup.Stop(ctx)

	r.mu.Lock()
	r.sup = nil
	r.mu.Unlock()
	return err
}

func (r *Registry) reportEviction(ctx context.Context, c *Connection) {
	select {
	case r.evictions <- eviction{conn: c}:
	case <-ctx.Done():
	}
}

func (r *Registry) watchEvictions(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case ev := <-r.evictions:
			r.evict(ev.conn)
		}
	}
}

func (r *Registry) evict(c *Connection) {
	unlock := r.lockSlot(c.AccountID)
	defer unlock()

	r.mu.Lock()
	cur, ok := r.conns[c.AccountID]
	if ok && cur == c {
		delete(r.conns, c.AccountID)
	}
	r.mu.Unlock()
	if !ok || cur != c {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	c.shutdown(ctx)
	cancel()

	c.setState(StateEvicted, nil)
	r.pending.ForgetAccount(c.AccountID)
	r.metrics.Eviction(string(c.Platform))
	r.log.Warn("account evicted after reconnect attempts",
		logx.String("account", c.AccountID),
		logx.Int("max", r.cfg.MaxReconnectAttempts),
	)
}

func (r *Registry) notify(ownerID, event string, payload any) {
	if r.notifier == nil || ownerID == "" {
		return
	}
	if err := r.notifier.Notify(context.Background(), ownerID, event, payload); err != nil {
		r.log.Debug("notify failed", logx.String("event", event), logx.Err(err))
	}
}

// handleEvent routes inbound adapter events: echo matching for self-sent
// messages, drop detection, and message.new for everything else.
func (r *Registry) handleEvent(c *Connection, ev transport.Event) {
	switch ev.Kind {
	case transport.EventDisconnected:
		c.log.Warn("adapter reported disconnect", logx.Err(ev.Err))
		c.signalDrop()
	case transport.EventMessage:
		if ev.Outgoing {
			if p, ok := r.pending.MatchNext(c.AccountID, ev.Target.Key()); ok {
				r.notify(c.OwnerID, "message.confirmed", ConfirmedEvent{
					TempID:    p.TempID,
					MessageID: ev.MessageID,
					AccountID: c.AccountID,
					Target:    ev.Target,
				})
				return
			}
		}
		r.notify(c.OwnerID, "message.new", MessageEvent{
			AccountID: c.AccountID,
			MessageID: ev.MessageID,
			Target:    ev.Target,
			Outgoing:  ev.Outgoing,
			Text:      ev.Text,
			At:        ev.At,
		})
	}
}
