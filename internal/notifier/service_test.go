package notifier

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"chatbridge/internal/eventbus"
	"chatbridge/pkg/logx"
)

type fakeSink struct {
	mu    sync.Mutex
	fails int
	got   []Notification
	calls int
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Deliver(_ context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return errors.New("boom")
	}
	f.got = append(f.got, n)
	return nil
}

func (f *fakeSink) delivered() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notification(nil), f.got...)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     16,
		RatePerSec:    1000,
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}

func TestNotifyDeliversWithRetry(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{fails: 2}
	s := New(testConfig(), logx.Nop(), nil, sink)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), "u1", EventJobUpdated, map[string]string{"id": "j1"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { return len(sink.delivered()) == 1 })

	got := sink.delivered()[0]
	if got.OwnerID != "u1" || got.Event != EventJobUpdated {
		t.Fatalf("unexpected notification %+v", got)
	}
	h := s.History()
	if len(h) != 1 || h[0].Error != "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestNotifyGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	sink := &fakeSink{fails: 100}
	s := New(testConfig(), logx.Nop(), bus, sink)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), "u1", EventMessageNew, nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != "notifier.failed" {
				continue
			}
			sink.mu.Lock()
			calls := sink.calls
			sink.mu.Unlock()
			if calls != 4 {
				t.Fatalf("calls = %d, want 4", calls)
			}
			return
		case <-timeout:
			t.Fatal("no failure event")
		}
	}
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, logx.Nop(), nil)
	if err := s.Notify(context.Background(), "u", "e", nil); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: %v", err)
	}

	s = New(testConfig(), logx.Nop(), nil)
	if err := s.Notify(context.Background(), "u", "e", nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: %v", err)
	}
	if err := s.Notify(context.Background(), "", "e", nil); err == nil {
		t.Fatal("expected error for empty owner")
	}
}

func TestNotifyQueueFull(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	sink := sinkFunc(func(ctx context.Context, _ Notification) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})
	cfg := testConfig()
	cfg.QueueSize = 1
	s := New(cfg, logx.Nop(), nil, sink)
	s.Start(context.Background())
	defer func() {
		close(block)
		s.Stop(context.Background())
	}()

	var full bool
	for i := 0; i < 10; i++ {
		if err := s.Notify(context.Background(), "u", "e", i); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	if !full {
		t.Fatal("expected ErrQueueFull")
	}
}

func TestBusSinkScopesOwner(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	mine, unsub := eventbus.SubscribeOwner(bus, "u1", 4)
	defer unsub()

	sink := BusSink{Bus: bus}
	_ = sink.Deliver(context.Background(), Notification{OwnerID: "u2", Event: EventJobUpdated})
	_ = sink.Deliver(context.Background(), Notification{OwnerID: "u1", Event: EventMessageConfirmed})

	select {
	case ev := <-mine:
		if ev.Type != EventMessageConfirmed || ev.Owner != "u1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	select {
	case ev := <-mine:
		t.Fatalf("leaked event %+v", ev)
	default:
	}
}

func TestRedisSinkPublishes(t *testing.T) {
	addr := os.Getenv("CHATBRIDGE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHATBRIDGE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sink := NewRedisSink(client, "test:user:")
	sub := client.Subscribe(ctx, sink.Channel("u1"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := sink.Deliver(ctx, Notification{OwnerID: "u1", Event: EventJobUpdated, At: time.Now()}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg.Channel != "test:user:u1" {
		t.Fatalf("channel = %q", msg.Channel)
	}
}

type sinkFunc func(ctx context.Context, n Notification) error

func (sinkFunc) Name() string { return "func" }

func (f sinkFunc) Deliver(ctx context.Context, n Notification) error { return f(ctx, n) }
