// Package jobstest holds the behavioural suite every jobs.Store must pass.
package jobstest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatbridge/internal/jobs"
	"chatbridge/internal/transport"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// NewJob builds a scheduled job with n text targets.
func NewJob(id, owner string, at time.Time, n int) jobs.Job {
	j := jobs.Job{
		ID:          id,
		OwnerID:     owner,
		Payload:     transport.TextPayload("hello " + id),
		ScheduledAt: at,
		Status:      jobs.StatusScheduled,
		CreatedAt:   at.Add(-time.Minute),
		UpdatedAt:   at.Add(-time.Minute),
	}
	for i := 0; i < n; i++ {
		j.Targets = append(j.Targets, jobs.Target{
			ID:        fmt.Sprintf("%s-t%d", id, i),
			JobID:     id,
			Platform:  transport.PlatformTelegram,
			AccountID: "acc-1",
			Address:   transport.Address{Recipient: fmt.Sprintf("%d", 100+i)},
			Status:    jobs.TargetPending,
			UpdatedAt: j.UpdatedAt,
		})
	}
	return j
}

// Run exercises store semantics against a fresh store per subtest.
func Run(t *testing.T, newStore func(t *testing.T) jobs.Store) {
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, newStore(t)) })
	t.Run("DueOrdering", func(t *testing.T) { testDueOrdering(t, newStore(t)) })
	t.Run("SingleClaimant", func(t *testing.T) { testSingleClaimant(t, newStore(t)) })
	t.Run("ReclaimStuck", func(t *testing.T) { testReclaimStuck(t, newStore(t)) })
	t.Run("RetryFailed", func(t *testing.T) { testRetryFailed(t, newStore(t)) })
	t.Run("Aggregate", func(t *testing.T) { testAggregate(t, newStore(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newStore(t)) })
	t.Run("Purge", func(t *testing.T) { testPurge(t, newStore(t)) })
}

func mustCreate(t *testing.T, s jobs.Store, j jobs.Job) {
	t.Helper()
	if err := s.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("create %s: %v", j.ID, err)
	}
}

func mustGet(t *testing.T, s jobs.Store, id string) jobs.Job {
	t.Helper()
	j, err := s.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return j
}

func testCreateGet(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	j := NewJob("j1", "owner", base, 2)
	j.Payload = transport.MediaPayload(transport.KindPhoto, transport.Media{URL: "https://x/p.png", FileName: "p.png"}, "cap")
	j.Targets[1].Address.Thread = "9"
	mustCreate(t, s, j)

	got := mustGet(t, s, "j1")
	if got.OwnerID != "owner" || got.Status != jobs.StatusScheduled || !got.ScheduledAt.Equal(base) {
		t.Fatalf("got %+v", got)
	}
	if got.Payload.Kind != transport.KindPhoto || got.Payload.Media == nil || got.Payload.Media.URL != "https://x/p.png" || got.Payload.Text != "cap" {
		t.Fatalf("payload %+v", got.Payload)
	}
	if len(got.Targets) != 2 || got.Targets[0].ID != "j1-t0" || got.Targets[1].Address.Thread != "9" {
		t.Fatalf("targets %+v", got.Targets)
	}
	if _, err := s.GetJob(ctx, "missing"); err != jobs.ErrNotFound {
		t.Fatalf("missing err=%v", err)
	}
}

func testDueOrdering(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewJob("late", "o", base.Add(2*time.Minute), 1))
	mustCreate(t, s, NewJob("b", "o", base, 1))
	mustCreate(t, s, NewJob("a", "o", base, 1))
	mustCreate(t, s, NewJob("early", "o", base.Add(-time.Hour), 1))
	mustCreate(t, s, NewJob("future", "o", base.Add(time.Hour), 1))

	due, err := s.FindDueJobs(ctx, base.Add(5*time.Minute), 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	var ids []string
	for _, j := range due {
		ids = append(ids, j.ID)
	}
	want := []string{"early", "a", "b", "late"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Fatalf("due=%v want %v", ids, want)
	}

	due, _ = s.FindDueJobs(ctx, base.Add(5*time.Minute), 2)
	if len(due) != 2 || due[0].ID != "early" {
		t.Fatalf("limited due=%v", due)
	}

	// Claimed jobs are no longer due.
	if ok, _ := s.ConditionalUpdateStatus(ctx, "early", jobs.StatusScheduled, jobs.StatusClaimed, base); !ok {
		t.Fatalf("claim early failed")
	}
	due, _ = s.FindDueJobs(ctx, base.Add(5*time.Minute), 10)
	if len(due) != 3 || due[0].ID != "a" {
		t.Fatalf("due after claim=%v", due)
	}
}

func testSingleClaimant(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewJob("j", "o", base, 1))

	const workers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := s.ConditionalUpdateStatus(ctx, "j", jobs.StatusScheduled, jobs.StatusClaimed, base)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("claim winners=%d want 1", wins.Load())
	}
	if got := mustGet(t, s, "j"); got.Status != jobs.StatusClaimed {
		t.Fatalf("status=%s", got.Status)
	}
}

func testReclaimStuck(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewJob("stuck", "o", base, 1))
	mustCreate(t, s, NewJob("fresh", "o", base, 1))
	mustCreate(t, s, NewJob("idle", "o", base, 1))

	_, _ = s.ConditionalUpdateStatus(ctx, "stuck", jobs.StatusScheduled, jobs.StatusClaimed, base)
	_, _ = s.ConditionalUpdateStatus(ctx, "fresh", jobs.StatusScheduled, jobs.StatusClaimed, base.Add(4*time.Minute))

	now := base.Add(6 * time.Minute)
	n, err := s.BulkReclaimStuck(ctx, now.Add(-5*time.Minute), now)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed=%d want 1", n)
	}
	if got := mustGet(t, s, "stuck"); got.Status != jobs.StatusScheduled {
		t.Fatalf("stuck status=%s", got.Status)
	}
	if got := mustGet(t, s, "fresh"); got.Status != jobs.StatusClaimed {
		t.Fatalf("fresh status=%s", got.Status)
	}
	if got := mustGet(t, s, "idle"); got.Status != jobs.StatusScheduled {
		t.Fatalf("idle status=%s", got.Status)
	}
}

func testRetryFailed(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewJob("j", "o", base, 2))
	_, _ = s.ConditionalUpdateStatus(ctx, "j", jobs.StatusScheduled, jobs.StatusClaimed, base)
	_ = s.UpdateTargetStatus(ctx, jobs.TargetUpdate{JobID: "j", TargetID: "j-t0", Status: jobs.TargetSent, SentMessageID: "m1", At: base})
	_ = s.UpdateTargetStatus(ctx, jobs.TargetUpdate{JobID: "j", TargetID: "j-t1", Status: jobs.TargetFailed, LastError: "boom", At: base})
	if ok, err := s.UpdateJobAggregate(ctx, "j", jobs.StatusFailed, "boom", base); !ok || err != nil {
		t.Fatalf("aggregate ok=%v err=%v", ok, err)
	}

	// Retry is only valid from failed; the second call is a no-op.
	ok, err := s.RetryFailed(ctx, "j", base.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("retry ok=%v err=%v", ok, err)
	}
	ok, err = s.RetryFailed(ctx, "j", base.Add(time.Minute))
	if err != nil || ok {
		t.Fatalf("second retry ok=%v err=%v", ok, err)
	}

	got := mustGet(t, s, "j")
	if got.Status != jobs.StatusScheduled || got.LastError != "" {
		t.Fatalf("job %+v", got)
	}
	for _, tg := range got.Targets {
		if tg.Status != jobs.TargetPending || tg.LastError != "" || tg.SentMessageID != "" {
			t.Fatalf("target not reset: %+v", tg)
		}
	}
	if _, err := s.RetryFailed(ctx, "missing", base); err != jobs.ErrNotFound {
		t.Fatalf("missing err=%v", err)
	}
}

func testAggregate(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewJob("j", "o", base, 1))

	// Not claimed yet.
	if ok, err := s.UpdateJobAggregate(ctx, "j", jobs.StatusCompleted, "", base); ok || err != nil {
		t.Fatalf("aggregate on scheduled ok=%v err=%v", ok, err)
	}
	_, _ = s.ConditionalUpdateStatus(ctx, "j", jobs.StatusScheduled, jobs.StatusClaimed, base)
	_ = s.UpdateTargetStatus(ctx, jobs.TargetUpdate{JobID: "j", TargetID: "j-t0", Status: jobs.TargetSent, SentMessageID: "77", At: base})
	if ok, err := s.UpdateJobAggregate(ctx, "j", jobs.StatusCompleted, "", base); !ok || err != nil {
		t.Fatalf("aggregate ok=%v err=%v", ok, err)
	}
	got := mustGet(t, s, "j")
	if got.Status != jobs.StatusCompleted || got.Targets[0].SentMessageID != "77" || got.Targets[0].Status != jobs.TargetSent {
		t.Fatalf("job %+v", got)
	}
	// Terminal jobs cannot be canceled.
	if ok, _ := s.ConditionalUpdateStatus(ctx, "j", jobs.StatusScheduled, jobs.StatusCanceled, base); ok {
		t.Fatalf("completed job was canceled")
	}
}

func testList(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	a := NewJob("a", "alice", base, 1)
	b := NewJob("b", "alice", base.Add(time.Minute), 1)
	c := NewJob("c", "bob", base, 1)
	mustCreate(t, s, a)
	mustCreate(t, s, b)
	mustCreate(t, s, c)

	got, err := s.ListJobs(ctx, jobs.ListFilter{OwnerID: "alice"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b" {
		t.Fatalf("list=%v", got)
	}
	got, _ = s.ListJobs(ctx, jobs.ListFilter{OwnerID: "alice", Limit: 1})
	if len(got) != 1 {
		t.Fatalf("limited list=%d", len(got))
	}
	_, _ = s.ConditionalUpdateStatus(ctx, "a", jobs.StatusScheduled, jobs.StatusCanceled, base)
	got, _ = s.ListJobs(ctx, jobs.ListFilter{OwnerID: "alice", Status: jobs.StatusCanceled})
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("status list=%v", got)
	}
}

func testPurge(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewJob("done", "o", base, 1))
	mustCreate(t, s, NewJob("failed", "o", base, 1))
	mustCreate(t, s, NewJob("canceled", "o", base, 1))
	mustCreate(t, s, NewJob("pending", "o", base, 1))

	_, _ = s.ConditionalUpdateStatus(ctx, "done", jobs.StatusScheduled, jobs.StatusClaimed, base)
	_, _ = s.UpdateJobAggregate(ctx, "done", jobs.StatusCompleted, "", base)
	_, _ = s.ConditionalUpdateStatus(ctx, "failed", jobs.StatusScheduled, jobs.StatusClaimed, base)
	_, _ = s.UpdateJobAggregate(ctx, "failed", jobs.StatusFailed, "x", base)
	_, _ = s.ConditionalUpdateStatus(ctx, "canceled", jobs.StatusScheduled, jobs.StatusCanceled, base)

	n, err := s.PurgeFinished(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 2 {
		t.Fatalf("purged=%d want 2", n)
	}
	if _, err := s.GetJob(ctx, "done"); err != jobs.ErrNotFound {
		t.Fatalf("done still present: %v", err)
	}
	mustGet(t, s, "failed")
	mustGet(t, s, "pending")
}
