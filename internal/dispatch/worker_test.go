package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chatbridge/internal/jobs"
	"chatbridge/internal/jobs/jobstest"
	"chatbridge/internal/transport"
)

var now0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type sendFunc func(accountID string, to transport.Address, p transport.Payload) (transport.SentMessage, error)

type fakeSender struct {
	mu    sync.Mutex
	fn    sendFunc
	calls map[string]int
}

func (f *fakeSender) SendTo(_ context.Context, _ transport.Platform, accountID string, to transport.Address, p transport.Payload) (transport.SentMessage, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[to.Recipient+"|"+p.Text]++
	n := len(f.calls)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(accountID, to, p)
	}
	return transport.SentMessage{ID: fmt.Sprintf("m%d", n), At: now0}, nil
}

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

func (r *recorder) all() []note {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]note(nil), r.notes...)
}

func newWorker(store jobs.Store, s Sender, n Notifier, cfg Config) *Worker {
	return New(cfg, store, s, n, WithClock(func() time.Time { return now0 }))
}

func create(t *testing.T, s jobs.Store, j jobs.Job) {
	t.Helper()
	if err := s.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("create: %v", err)
	}
}

func get(t *testing.T, s jobs.Store, id string) jobs.Job {
	t.Helper()
	j, err := s.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return j
}

func TestTickIsolatesTargetFailures(t *testing.T) {
	t.Parallel()

	store := jobs.NewMemoryStore()
	create(t, store, jobstest.NewJob("j1", "u1", now0.Add(-time.Second), 3))

	sender := &fakeSender{fn: func(_ string, to transport.Address, _ transport.Payload) (transport.SentMessage, error) {
		if to.Recipient == "101" {
			return transport.SentMessage{}, transport.Fatal(errors.New("chat not found"))
		}
		return transport.SentMessage{ID: "ok-" + to.Recipient}, nil
	}}
	notes := &recorder{}
	w := newWorker(store, sender, notes, Config{})

	rep, err := w.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.Claimed != 1 || rep.Failed != 1 || rep.Completed != 0 {
		t.Fatalf("report = %+v", rep)
	}

	j := get(t, store, "j1")
	if j.Status != jobs.StatusFailed || j.LastError != "chat not found" {
		t.Fatalf("job = %s %q", j.Status, j.LastError)
	}
	want := []jobs.TargetStatus{jobs.TargetSent, jobs.TargetFailed, jobs.TargetSent}
	for i, tg := range j.Targets {
		if tg.Status != want[i] {
			t.Fatalf("target %d status = %s, want %s", i, tg.Status, want[i])
		}
	}
	if j.Targets[0].SentMessageID != "ok-100" || j.Targets[1].LastError == "" {
		t.Fatalf("targets = %+v", j.Targets)
	}

	got := notes.all()
	if len(got) != 1 {
		t.Fatalf("notifications = %d, want exactly 1", len(got))
	}
	if got[0].owner != "u1" || got[0].event != EventJobUpdated {
		t.Fatalf("notification = %+v", got[0])
	}
	if up := got[0].payload.(JobUpdate); up.Status != jobs.StatusFailed || len(up.Targets) != 3 {
		t.Fatalf("payload = %+v", up)
	}
}

func TestTickCompletesJob(t *testing.T) {
	t.Parallel()

	store := jobs.NewMemoryStore()
	create(t, store, jobstest.NewJob("j1", "u1", now0.Add(-time.Second), 2))
	w := newWorker(store, &fakeSender{}, &recorder{}, Config{})

	if _, err := w.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	j := get(t, store, "j1")
	if j.Status != jobs.StatusCompleted || j.LastError != "" {
		t.Fatalf("job = %s %q", j.Status, j.LastError)
	}
	for _, tg := range j.Targets {
		if tg.Status != jobs.TargetSent || tg.SentMessageID == "" {
			t.Fatalf("target = %+v", tg)
		}
	}
}

func TestTickBatchAndOrder(t *testing.T) {
	t.Parallel()

	store := jobs.NewMemoryStore()
	for i := 0; i < 12; i++ {
		create(t, store, jobstest.NewJob(fmt.Sprintf("j%02d", i), "u1", now0.Add(-time.Duration(12-i)*time.Minute), 1))
	}
	create(t, store, jobstest.NewJob("future", "u1", now0.Add(time.Hour), 1))

	w := newWorker(store, &fakeSender{}, &recorder{}, Config{BatchSize: 10})
	rep, err := w.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.Claimed != 10 {
		t.Fatalf("claimed = %d, want 10", rep.Claimed)
	}
	// The two latest schedules wait for the next tick.
	for _, id := range []string{"j10", "j11"} {
		if st := get(t, store, id).Status; st != jobs.StatusScheduled {
			t.Fatalf("%s = %s, want scheduled", id, st)
		}
	}

	rep, err = w.Tick(context.Background())
	if err != nil || rep.Claimed != 2 {
		t.Fatalf("second tick = %+v, %v", rep, err)
	}
	if st := get(t, store, "future").Status; st != jobs.StatusScheduled {
		t.Fatalf("future job = %s", st)
	}
}

func TestTickReclaimsStuckJobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := jobs.NewMemoryStore()
	create(t, store, jobstest.NewJob("stuck", "u1", now0.Add(-time.Hour), 1))
	create(t, store, jobstest.NewJob("busy", "u1", now0.Add(-time.Hour), 1))
	if ok, _ := store.ConditionalUpdateStatus(ctx, "stuck", jobs.StatusScheduled, jobs.StatusClaimed, now0.Add(-6*time.Minute)); !ok {
		t.Fatal("claim stuck")
	}
	if ok, _ := store.ConditionalUpdateStatus(ctx, "busy", jobs.StatusScheduled, jobs.StatusClaimed, now0.Add(-time.Minute)); !ok {
		t.Fatal("claim busy")
	}

	w := newWorker(store, &fakeSender{}, &recorder{}, Config{StuckThreshold: 5 * time.Minute})
	rep, err := w.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.Reclaimed != 1 || rep.Claimed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if st := get(t, store, "stuck").Status; st != jobs.StatusCompleted {
		t.Fatalf("stuck = %s, want completed after reclaim", st)
	}
	if st := get(t, store, "busy").Status; st != jobs.StatusClaimed {
		t.Fatalf("busy = %s, want claimed", st)
	}
}

func TestConcurrentTicksClaimOnce(t *testing.T) {
	t.Parallel()

	store := jobs.NewMemoryStore()
	for i := 0; i < 20; i++ {
		create(t, store, jobstest.NewJob(fmt.Sprintf("j%02d", i), "u1", now0.Add(-time.Second), 2))
	}
	sender := &fakeSender{}
	cfg := Config{BatchSize: 20}

	var wg sync.WaitGroup
	reports := make([]TickReport, 4)
	for i := range reports {
		w := newWorker(store, sender, &recorder{}, cfg)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i], _ = w.Tick(context.Background())
		}(i)
	}
	wg.Wait()

	total := 0
	for _, r := range reports {
		total += r.Claimed
	}
	if total != 20 {
		t.Fatalf("claimed total = %d, want 20", total)
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.calls) != 40 {
		t.Fatalf("distinct sends = %d, want 40", len(sender.calls))
	}
	for k, n := range sender.calls {
		if n != 1 {
			t.Fatalf("%s sent %d times", k, n)
		}
	}
}

type panicStore struct {
	jobs.Store
}

func (panicStore) FindDueJobs(context.Context, time.Time, int) ([]jobs.Job, error) {
	panic("db exploded")
}

func TestTickRecoversPanics(t *testing.T) {
	t.Parallel()

	store := jobs.NewMemoryStore()
	create(t, store, jobstest.NewJob("j1", "u1", now0.Add(-time.Second), 2))
	sender := &fakeSender{fn: func(_ string, to transport.Address, _ transport.Payload) (transport.SentMessage, error) {
		if to.Recipient == "100" {
			panic("adapter bug")
		}
		return transport.SentMessage{ID: "x"}, nil
	}}
	w := newWorker(store, sender, &recorder{}, Config{})
	if _, err := w.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	j := get(t, store, "j1")
	if j.Status != jobs.StatusFailed || j.Targets[1].Status != jobs.TargetSent {
		t.Fatalf("job = %+v", j)
	}

	w = newWorker(panicStore{Store: store}, sender, &recorder{}, Config{})
	if _, err := w.Tick(context.Background()); err == nil {
		t.Fatal("expected error from panicking tick")
	}
}

func TestLoopRunsTicks(t *testing.T) {
	t.Parallel()

	store := jobs.NewMemoryStore()
	create(t, store, jobstest.NewJob("j1", "u1", now0.Add(-time.Second), 1))
	w := newWorker(store, &fakeSender{}, &recorder{}, Config{Enabled: true, PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	w.Start(ctx)
	defer w.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if get(t, store, "j1").Status == jobs.StatusCompleted {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never completed")
}
