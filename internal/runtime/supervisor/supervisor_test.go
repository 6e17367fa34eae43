package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go0("boom", func(ctx context.Context) { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil {
		t.Fatalf("expected panic error")
	}
	snap := s.Snapshot()
	if len(snap.Tasks) != 1 || snap.Tasks[0].Panics != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	s.Go("fails", func(ctx context.Context) error { return errors.New("nope") })
	s.Go("waits", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil || err.Error() != "fails: nope" {
		t.Fatalf("err=%v", err)
	}
}

func TestGoRestartRetriesUntilLimit(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var runs int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return errors.New("flake")
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithMaxRestarts(3))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatalf("expected final error")
	}
	if got := atomic.LoadInt32(&runs); got != 4 {
		t.Fatalf("runs=%d want 4", got)
	}
}

func TestStopIsClean(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.GoRestart("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if c := s.Counters(); c.Active != 0 {
		t.Fatalf("active=%d", c.Active)
	}
}
