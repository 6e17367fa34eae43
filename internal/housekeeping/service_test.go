package housekeeping

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"chatbridge/internal/correlation"
	"chatbridge/internal/jobs"
	"chatbridge/internal/jobs/jobstest"
	"chatbridge/pkg/logx"
)

func TestRegisterValidates(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop())
	noop := func(context.Context) error { return nil }

	if err := s.Register("a", "not a spec", 0, noop); err == nil {
		t.Fatal("expected bad spec error")
	}
	if err := s.Register("", "@every 1s", 0, noop); err == nil {
		t.Fatal("expected missing name error")
	}
	if err := s.Register("a", "*/5 * * * *", 0, noop); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register("a", "@every 1m", 0, noop); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestScheduledJobRuns(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true}, logx.Nop())
	var runs atomic.Int32
	if err := s.Register("tick", "@every 100ms", time.Second, func(context.Context) error {
		runs.Add(1)
		return errors.New("still failing")
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	deadline := time.Now().Add(4 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatal("job never ran")
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Runs == 0 || snap[0].LastError != "still failing" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRetentionPurge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := jobs.NewMemoryStore()
	old := jobstest.NewJob("old", "u1", time.Now().Add(-48*time.Hour), 1)
	fresh := jobstest.NewJob("fresh", "u1", time.Now().Add(-time.Hour), 1)
	for _, j := range []jobs.Job{old, fresh} {
		if err := store.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	if ok, _ := store.ConditionalUpdateStatus(ctx, "old", jobs.StatusScheduled, jobs.StatusCanceled, time.Now().Add(-47*time.Hour)); !ok {
		t.Fatal("cancel old")
	}
	if ok, _ := store.ConditionalUpdateStatus(ctx, "fresh", jobs.StatusScheduled, jobs.StatusCanceled, time.Now()); !ok {
		t.Fatal("cancel fresh")
	}

	s := New(Config{}, logx.Nop())
	if err := s.Register(JobRetentionPurge, "@every 1h", 0, RetentionPurge(store, 24*time.Hour, logx.Nop())); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow(ctx, JobRetentionPurge); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if _, err := store.GetJob(ctx, "old"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("old job still present: %v", err)
	}
	if _, err := store.GetJob(ctx, "fresh"); err != nil {
		t.Fatalf("fresh job purged: %v", err)
	}
}

func TestCorrelationSweep(t *testing.T) {
	t.Parallel()

	store := correlation.New(correlation.Config{TTL: time.Millisecond})
	if err := store.Register("a", "k", "tmp"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	if err := CorrelationSweep(store, nil, logx.Nop())(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 0 {
		t.Fatalf("len = %d after sweep", store.Len())
	}
}

func TestApplyTimezoneRestartsWhileJobRuns(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Timezone: "UTC"}, logx.Nop())
	started := make(chan struct{}, 1)
	if err := s.Register("slow", "@every 50ms", time.Second, func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(200 * time.Millisecond)
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	select {
	case <-started:
	case <-time.After(4 * time.Second):
		t.Fatal("job never started")
	}

	done := make(chan struct{})
	go func() {
		s.Apply(Config{Enabled: true, Timezone: "Asia/Jakarta"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Apply blocked while a job was running")
	}

	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Next.IsZero() {
		t.Fatalf("snapshot after restart = %+v", snap)
	}
}
