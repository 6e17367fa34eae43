package dispatch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatbridge/internal/accounts"
	"chatbridge/internal/correlation"
	"chatbridge/internal/dispatch"
	"chatbridge/internal/eventbus"
	"chatbridge/internal/jobs"
	"chatbridge/internal/notifier"
	"chatbridge/internal/registry"
	"chatbridge/internal/transport"
	"chatbridge/internal/transport/transporttest"
	"chatbridge/pkg/logx"
)

// One target succeeds, one is rejected by the platform: the job fails with
// that error and the owner is told exactly once.
func TestDispatchThroughRegistry(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.New()
	updates, unsub := eventbus.SubscribeOwner(bus, "u1", 16)
	defer unsub()

	notes := notifier.New(notifier.Config{Enabled: true, Workers: 1, RatePerSec: 1000}, logx.Nop(), nil, notifier.BusSink{Bus: bus})
	notes.Start(ctx)
	defer notes.Stop(context.Background())

	fake := transporttest.New(transport.PlatformTelegram)
	fake.OnSend(func(to transport.Address, _ transport.Payload) error {
		if to.Recipient == "blocked" {
			return transport.Fatal(errors.New("bot was blocked by the user"))
		}
		return nil
	})
	accts := accounts.NewMemoryStore(accounts.Account{
		ID: "acc-1", OwnerID: "u1", Platform: transport.PlatformTelegram, Token: "t", Active: true,
	})
	reg := registry.New(registry.Config{}, accts, correlation.New(correlation.Config{}),
		registry.WithAdapters(fake),
		registry.WithNotifier(notes),
	)
	reg.Start(ctx)
	defer reg.Stop(context.Background())

	store := jobs.NewMemoryStore()
	svc := jobs.NewService(store, logx.Nop())
	job, err := svc.Create(ctx, jobs.CreateRequest{
		OwnerID: "u1",
		Payload: transport.TextPayload("release notes"),
		Targets: []jobs.NewTarget{
			{Platform: transport.PlatformTelegram, AccountID: "acc-1", Address: transport.Address{Recipient: "42"}},
			{Platform: transport.PlatformTelegram, AccountID: "acc-1", Address: transport.Address{Recipient: "blocked"}},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	w := dispatch.New(dispatch.Config{}, store, reg, notes)
	rep, err := w.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.Claimed != 1 || rep.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}

	got, err := svc.Get(ctx, "u1", job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != jobs.StatusFailed || got.LastError != "bot was blocked by the user" {
		t.Fatalf("job = %s %q", got.Status, got.LastError)
	}
	if sent := fake.Last().Sent(); len(sent) != 1 || sent[0].To.Recipient != "42" {
		t.Fatalf("sent = %+v", sent)
	}

	var jobEvents int
	timeout := time.After(2 * time.Second)
	for jobEvents == 0 {
		select {
		case ev := <-updates:
			if ev.Type == dispatch.EventJobUpdated {
				jobEvents++
			}
		case <-timeout:
			t.Fatal("no job.updated event")
		}
	}
	// Drain anything late to make sure there is no second job.updated.
	drain := time.After(100 * time.Millisecond)
	for {
		select {
		case ev := <-updates:
			if ev.Type == dispatch.EventJobUpdated {
				t.Fatalf("second job.updated: %+v", ev)
			}
		case <-drain:
			return
		}
	}
}
