package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatbridge/internal/accounts"
	"chatbridge/internal/correlation"
	"chatbridge/internal/transport"
	"chatbridge/internal/transport/transporttest"
)

type note struct {
	owner   string
	event   string
	payload any
}

type recorder struct {
	mu    sync.Mutex
	notes []note
}

func (r *recorder) Notify(_ context.Context, owner, event string, payload any) error {
	r.mu.Lock()
	r.notes = append(r.notes, note{owner, event, payload})
	r.mu.Unlock()
	return nil
}

func (r *recorder) events(event string) []note {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []note
	for _, n := range r.notes {
		if n.event == event {
			out = append(out, n)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testAccount(id string) accounts.Account {
	return accounts.Account{ID: id, OwnerID: "owner-" + id, Platform: transport.PlatformTelegram, Token: "tok", Active: true}
}

type fixture struct {
	reg   *Registry
	fake  *transporttest.Adapter
	notes *recorder
	store *accounts.MemoryStore
}

func newFixture(t *testing.T, cfg Config, seed ...accounts.Account) *fixture {
	t.Helper()
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Millisecond
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	f := &fixture{
		fake:  transporttest.New(transport.PlatformTelegram),
		notes: &recorder{},
		store: accounts.NewMemoryStore(seed...),
	}
	f.reg = New(cfg, f.store, correlation.New(correlation.Config{}),
		WithAdapters(f.fake),
		WithNotifier(f.notes),
	)
	ctx, cancel := context.WithCancel(context.Background())
	f.reg.Start(ctx)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = f.reg.Stop(sctx)
		cancel()
	})
	return f
}

func TestAttachIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, testAccount("a1"))
	ctx := context.Background()

	if err := f.reg.Attach(ctx, "a1"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := f.reg.Attach(ctx, "a1"); err != nil {
		t.Fatalf("second Attach: %v", err)
	}
	if got := f.fake.Connects(); got != 1 {
		t.Fatalf("connects = %d, want 1", got)
	}
	c, ok := f.reg.Get("a1")
	if !ok || !c.Live() {
		t.Fatal("expected live connection")
	}
	if len(f.notes.events("connection.status")) == 0 {
		t.Fatal("expected connection.status notification")
	}
	snap := f.reg.Snapshot()
	if len(snap) != 1 || snap[0].AccountID != "a1" || snap[0].State != StateLive {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestAttachErrors(t *testing.T) {
	t.Parallel()

	noToken := testAccount("empty")
	noToken.Token = ""
	unknown := testAccount("other")
	unknown.Platform = "matrix"

	f := newFixture(t, Config{}, testAccount("a1"), noToken, unknown)
	ctx := context.Background()

	tests := []struct {
		name string
		id   string
		want error
	}{
		{"missing account", "nope", ErrNoCredentials},
		{"empty token", "empty", ErrNoCredentials},
		{"unknown platform", "other", ErrUnknownPlatform},
	}
	for _, tt := range tests {
		if err := f.reg.Attach(ctx, tt.id); !errors.Is(err, tt.want) {
			t.Fatalf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}

	f.fake.ScriptConnect(transport.ErrAuthExpired)
	if err := f.reg.Attach(ctx, "a1"); !errors.Is(err, ErrAdapterRejected) {
		t.Fatalf("auth failure: err = %v", err)
	}
	if _, ok := f.reg.Get("a1"); ok {
		t.Fatal("rejected account must not be registered")
	}
}

func TestDetach(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, testAccount("a1"))
	ctx := context.Background()

	if err := f.reg.Attach(ctx, "a1"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	conn := f.fake.Last()
	if err := f.reg.Detach(ctx, "a1"); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if !conn.Closed() {
		t.Fatal("adapter connection not closed")
	}
	if _, ok := f.reg.Get("a1"); ok {
		t.Fatal("account still registered")
	}
	if err := f.reg.Detach(ctx, "a1"); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("second Detach: %v", err)
	}
}

func TestReconnectCapEvicts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxReconnectAttempts: 5}, testAccount("a1"))
	if err := f.reg.Attach(context.Background(), "a1"); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	boom := errors.New("network down")
	f.fake.ScriptConnect(boom, boom, boom, boom, boom)
	f.fake.Last().Drop(boom)

	waitFor(t, "eviction", func() bool {
		_, ok := f.reg.Get("a1")
		return !ok
	})
	if got := f.fake.Connects(); got != 6 {
		t.Fatalf("connects = %d, want 1 + 5 attempts", got)
	}
	waitFor(t, "evicted status", func() bool {
		for _, n := range f.notes.events("connection.status") {
			if n.payload.(StatusEvent).State == StateEvicted {
				return true
			}
		}
		return false
	})
}

func TestReconnectSuccessResetsCounter(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxReconnectAttempts: 5}, testAccount("a1"))
	if err := f.reg.Attach(context.Background(), "a1"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	c, _ := f.reg.Get("a1")

	boom := errors.New("network down")
	f.fake.ScriptConnect(boom, boom, nil)
	f.fake.Last().Drop(boom)
	waitFor(t, "reconnect", func() bool { return f.fake.Connects() == 4 && c.Live() })
	if got := c.Attempts(); got != 0 {
		t.Fatalf("attempts = %d after success, want 0", got)
	}

	// Four more failures stay under the cap only because the counter reset.
	f.fake.ScriptConnect(boom, boom, boom, boom, nil)
	f.fake.Last().Drop(boom)
	waitFor(t, "second reconnect", func() bool { return f.fake.Connects() == 9 && c.Live() })
	if _, ok := f.reg.Get("a1"); !ok {
		t.Fatal("account evicted despite successful reconnect")
	}
}

func TestHeartbeatFailureReconnects(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{HeartbeatInterval: 10 * time.Millisecond}, testAccount("a1"))
	if err := f.reg.Attach(context.Background(), "a1"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	first := f.fake.Last()
	first.FailProbe(errors.New("probe timeout"))

	waitFor(t, "reconnect after probe failure", func() bool { return f.fake.Connects() >= 2 })
	waitFor(t, "old session closed", first.Closed)
	c, _ := f.reg.Get("a1")
	waitFor(t, "live", c.Live)
}

func TestEnsureNotLive(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{ReconnectDelay: time.Hour}, testAccount("a1"))
	ctx := context.Background()

	c, err := f.reg.Ensure(ctx, "a1")
	if err != nil || c == nil {
		t.Fatalf("Ensure attach: %v", err)
	}
	f.fake.Last().Drop(errors.New("gone"))

	waitFor(t, "not live", func() bool { return !c.Live() })
	_, err = f.reg.Ensure(ctx, "a1")
	if !errors.Is(err, ErrNotLive) || !transport.IsTransient(err) {
		t.Fatalf("Ensure: err = %v", err)
	}
}

func TestEchoMatchingIsFIFO(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, testAccount("a1"))
	ctx := context.Background()
	to := transport.Address{Recipient: "100", Thread: "7"}

	for _, tmp := range []string{"tmp-a", "tmp-b"} {
		if _, err := f.reg.SendTracked(ctx, "a1", to, transport.TextPayload("hi"), tmp); err != nil {
			t.Fatalf("SendTracked(%s): %v", tmp, err)
		}
	}
	// A self-sent message from another session has no pending entry.
	f.fake.Last().Inject(transport.Event{Kind: transport.EventMessage, Target: to, MessageID: "99", Outgoing: true})
	f.fake.Last().Inject(transport.Event{Kind: transport.EventMessage, Target: to, MessageID: "100", Text: "yo"})

	confirmed := f.notes.events("message.confirmed")
	if len(confirmed) != 2 {
		t.Fatalf("confirmed = %d, want 2", len(confirmed))
	}
	for i, want := range []struct{ temp, id string }{{"tmp-a", "1"}, {"tmp-b", "2"}} {
		ev := confirmed[i].payload.(ConfirmedEvent)
		if ev.TempID != want.temp || ev.MessageID != want.id {
			t.Fatalf("confirmed[%d] = %+v", i, ev)
		}
		if confirmed[i].owner != "owner-a1" {
			t.Fatalf("owner = %q", confirmed[i].owner)
		}
	}

	news := f.notes.events("message.new")
	if len(news) != 2 {
		t.Fatalf("message.new = %d, want 2", len(news))
	}
	if ev := news[0].payload.(MessageEvent); !ev.Outgoing || ev.MessageID != "99" {
		t.Fatalf("unmatched echo = %+v", ev)
	}
	if ev := news[1].payload.(MessageEvent); ev.Outgoing {
		t.Fatalf("incoming flagged outgoing: %+v", ev)
	}
}

func TestSendTrackedFailureForgetsPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, testAccount("a1"))
	f.fake.OnSend(func(transport.Address, transport.Payload) error {
		return transport.Fatal(errors.New("chat not found"))
	})

	_, err := f.reg.SendTracked(context.Background(), "a1", transport.Address{Recipient: "1"}, transport.TextPayload("x"), "tmp")
	if !transport.IsFatal(err) {
		t.Fatalf("err = %v", err)
	}
	if got := f.reg.Pending().List("a1"); len(got) != 0 {
		t.Fatalf("pending = %+v", got)
	}
}

func TestBreakerOpensOnTransientFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{BreakerTripFailures: 2, BreakerCooldown: time.Hour}, testAccount("a1"))
	ctx := context.Background()
	c, err := f.reg.Ensure(ctx, "a1")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	to := transport.Address{Recipient: "1"}

	f.fake.OnSend(func(transport.Address, transport.Payload) error {
		return transport.Fatal(errors.New("blocked by user"))
	})
	for i := 0; i < 3; i++ {
		if _, err := c.SendText(ctx, to, "x"); !transport.IsFatal(err) {
			t.Fatalf("fatal send %d: %v", i, err)
		}
	}

	f.fake.OnSend(func(transport.Address, transport.Payload) error {
		return transport.Transient(errors.New("timeout"))
	})
	for i := 0; i < 2; i++ {
		if _, err := c.SendText(ctx, to, "x"); errors.Is(err, ErrBreakerOpen) {
			t.Fatalf("breaker open too early at %d", i)
		}
	}
	if _, err := c.SendText(ctx, to, "x"); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want breaker open", err)
	}
}

func TestRestoreAllIsolatesFailures(t *testing.T) {
	t.Parallel()

	noToken := testAccount("empty")
	noToken.Token = ""
	inactive := testAccount("off")
	inactive.Active = false

	f := newFixture(t, Config{}, testAccount("a1"), testAccount("a2"), noToken, inactive)
	f.fake.ScriptConnect(transport.ErrAuthExpired)

	rep, err := f.reg.RestoreAll(context.Background())
	if err != nil {
		t.Fatalf("RestoreAll: %v", err)
	}
	if rep.Total != 3 {
		t.Fatalf("total = %d, want 3", rep.Total)
	}
	if rep.Attached != 1 || len(rep.Failed) != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if _, ok := f.reg.Get("off"); ok {
		t.Fatal("inactive account attached")
	}
}
