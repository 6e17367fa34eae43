package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chatbridge/internal/accounts"
	"chatbridge/internal/eventbus"
	"chatbridge/internal/jobs"
	"chatbridge/internal/storage"
	"chatbridge/internal/transport"
	"chatbridge/internal/transport/transporttest"
)

const testConfig = `
logging:
  level: warn
  console: true
dispatch:
  enabled: true
  poll_interval: 20ms
  batch_size: 5
  stuck_threshold: 1m
notifier:
  enabled: true
  workers: 1
  rate_per_sec: 1000
housekeeping:
  enabled: true
ops:
  enabled: false
systemd:
  notify: false
  watchdog: false
`

func noEnv(string) (string, bool) { return "", false }

func newTestApp(t *testing.T, body string, opts ...Option) *App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatbridge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	opts = append([]Option{WithEnvLookup(noEnv)}, opts...)
	a, err := New(path, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestAppDispatchesScheduledJob(t *testing.T) {
	fake := transporttest.New(transport.PlatformTelegram)
	a := newTestApp(t, testConfig, WithAdapters(fake), WithStore(storage.NewMemory()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Store().PutAccount(ctx, accounts.Account{
		ID: "acc-1", OwnerID: "u1", Platform: transport.PlatformTelegram, Token: "t", Active: true,
	}); err != nil {
		t.Fatalf("PutAccount: %v", err)
	}
	if err := a.Ready(ctx); err == nil {
		t.Fatalf("ready before start")
	}

	updates, unsub := eventbus.SubscribeOwner(a.Bus(), "u1", 16)
	defer unsub()

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = a.Stop(stopCtx, StopAppStop)
	}()

	if err := a.Ready(ctx); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if _, ok := a.Registry().Get("acc-1"); !ok {
		t.Fatalf("active account not restored on start")
	}

	job, err := a.Jobs().Create(ctx, jobs.CreateRequest{
		OwnerID: "u1",
		Payload: transport.TextPayload("hello"),
		Targets: []jobs.NewTarget{
			{Platform: transport.PlatformTelegram, AccountID: "acc-1", Address: transport.Address{Recipient: "42"}},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-updates:
			if ev.Type != "job.updated" {
				continue
			}
			got, err := a.Jobs().Get(ctx, "u1", job.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Status != jobs.StatusCompleted {
				t.Fatalf("status = %s (%s)", got.Status, got.LastError)
			}
			if n := len(fake.Last().Sent()); n != 1 {
				t.Fatalf("sent %d messages, want 1", n)
			}
			return
		case <-deadline:
			t.Fatalf("job never completed")
		}
	}
}

func TestApplyConfigTogglesDispatch(t *testing.T) {
	a := newTestApp(t, testConfig, WithStore(storage.NewMemory()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()

	if a.Worker().Supervisor() == nil {
		t.Fatalf("dispatch not running")
	}

	old := a.Config()
	next := *old
	next.Dispatch.Enabled = false
	sections := a.applyConfig(ctx, old, &next)
	if len(sections) != 1 || sections[0] != "dispatch" {
		t.Fatalf("sections = %v", sections)
	}
	if a.Worker().Supervisor() != nil {
		t.Fatalf("dispatch still running after disable")
	}

	again := next
	again.Dispatch.Enabled = true
	a.applyConfig(ctx, &next, &again)
	if a.Worker().Supervisor() == nil {
		t.Fatalf("dispatch not restarted")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("dispatch:\n  poll_interval: often\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path, WithEnvLookup(noEnv)); err == nil {
		t.Fatalf("expected error")
	}
}
