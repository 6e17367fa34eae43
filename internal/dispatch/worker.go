package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"chatbridge/internal/jobs"
	"chatbridge/internal/metrics"
	rtsup "chatbridge/internal/runtime/supervisor"
	"chatbridge/internal/transport"
	"chatbridge/pkg/logx"
)

const EventJobUpdated = "job.updated"

// Sender delivers one payload through the account's live connection.
type Sender interface {
	SendTo(ctx context.Context, platform transport.Platform, accountID string, to transport.Address, p transport.Payload) (transport.SentMessage, error)
}

type Notifier interface {
	Notify(ctx context.Context, ownerID, event string, payload any) error
}

type Config struct {
	Enabled           bool
	PollInterval      time.Duration
	BatchSize         int
	StuckThreshold    time.Duration
	Concurrency       int
	TargetConcurrency int
	SendTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = 5 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.TargetConcurrency <= 0 {
		c.TargetConcurrency = 4
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

// TickReport summarizes one tick.
type TickReport struct {
	Reclaimed int `json:"reclaimed"`
	Due       int `json:"due"`
	Claimed   int `json:"claimed"`
	// Lost counts claims won by someone else.
	Lost      int `json:"lost"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// JobUpdate is the job.updated notification payload.
type JobUpdate struct {
	JobID     string        `json:"job_id"`
	Status    jobs.Status   `json:"status"`
	LastError string        `json:"last_error,omitempty"`
	Targets   []jobs.Target `json:"targets"`
}

type Option func(*Worker)

func WithLogger(log logx.Logger) Option {
	return func(w *Worker) {
		if !log.IsZero() {
			w.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(w *Worker) { w.metrics = m } }

func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

type Worker struct {
	store    jobs.Store
	sender   Sender
	notifier Notifier
	metrics  *metrics.Metrics
	log      logx.Logger
	now      func() time.Time

	mu       sync.Mutex
	cfg      Config
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
	last     TickReport
	lastAt   time.Time
}

func New(cfg Config, store jobs.Store, sender Sender, notifier Notifier, opts ...Option) *Worker {
	w := &Worker{
		store:    store,
		sender:   sender,
		notifier: notifier,
		log:      logx.Nop(),
		now:      time.Now,
		cfg:      cfg.withDefaults(),
	}
	for _, o := range opts {
		o(w)
	}
	w.log = w.log.With(logx.Component("dispatch"))
	return w
}

func (w *Worker) config() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// Apply swaps the config. The loop picks it up on its next round.
func (w *Worker) Apply(cfg Config) {
	w.mu.Lock()
	w.cfg = cfg.withDefaults()
	w.mu.Unlock()
}

func (w *Worker) Supervisor() *rtsup.Supervisor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sup
}

// LastTick returns the most recent tick report and when it finished.
func (w *Worker) LastTick() (TickReport, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, w.lastAt
}

// Start is idempotent.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if !w.cfg.Enabled {
		w.mu.Unlock()
		return
	}
	if w.stopCh != nil {
		done := w.stopDone
		w.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		w.mu.Lock()
		if w.stopCh != nil {
			w.mu.Unlock()
			return
		}
	}
	w.stopCh = make(chan struct{})
	w.stopDone = nil
	stopCh := w.stopCh
	w.sup = rtsup.New(ctx, rtsup.WithLogger(w.log), rtsup.WithCancelOnError(false))
	sup := w.sup
	interval := w.cfg.PollInterval
	w.mu.Unlock()

	sup.GoRestart("poll", func(c context.Context) error {
		w.loop(c, stopCh)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("dispatch loop exited unexpectedly")
	}, rtsup.WithPublishFirstError(true))

	w.log.Info("dispatch worker started", logx.Duration("interval", interval))
}

func (w *Worker) Stop(ctx context.Context) {
	w.mu.Lock()
	if w.stopCh == nil {
		w.mu.Unlock()
		return
	}
	if w.stopDone != nil {
		done := w.stopDone
		w.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	w.stopDone = done
	close(w.stopCh)
	sup := w.sup
	w.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		w.mu.Lock()
		w.stopCh = nil
		w.stopDone = nil
		w.sup = nil
		w.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		w.log.Info("dispatch worker stopped")
	case <-ctx.Done():
		w.log.Warn("dispatch worker stop timed out", logx.Err(ctx.Err()))
	}
}

func (w *Worker) loop(ctx context.Context, stopCh <-chan struct{}) {
	for {
		t := time.NewTimer(w.config().PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-stopCh:
			t.Stop()
			return
		case <-t.C:
		}

		rep, err := w.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Error("dispatch tick failed", logx.Err(err))
			continue
		}
		if rep.Claimed > 0 || rep.Reclaimed > 0 {
			w.log.Debug("dispatch tick",
				logx.Int("reclaimed", rep.Reclaimed),
				logx.Int("claimed", rep.Claimed),
				logx.Int("completed", rep.Completed),
				logx.Int("failed", rep.Failed),
			)
		}
	}
}

// Tick runs one reclaim/claim/execute round. Panics are recovered and
// returned as errors.
func (w *Worker) Tick(ctx context.Context) (rep TickReport, err error) {
	started := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("dispatch tick panic: %v", p)
			w.log.Error("dispatch tick panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		}
		w.metrics.Tick(time.Since(started), err)
		w.mu.Lock()
		w.last, w.lastAt = rep, time.Now()
		w.mu.Unlock()
	}()

	cfg := w.config()
	now := w.now()

	n, rerr := w.store.BulkReclaimStuck(ctx, now.Add(-cfg.StuckThreshold), now)
	if rerr != nil {
		// Claiming still works without the reclaim.
		w.log.Error("reclaim stuck jobs failed", logx.Err(rerr))
		err = fmt.Errorf("reclaim stuck jobs: %w", rerr)
	} else if n > 0 {
		rep.Reclaimed = n
		w.metrics.Reclaimed(n)
		w.log.Warn("reclaimed stuck jobs", logx.Int("count", n), logx.Duration("threshold", cfg.StuckThreshold))
	}

	due, ferr := w.store.FindDueJobs(ctx, now, cfg.BatchSize)
	if ferr != nil {
		return rep, fmt.Errorf("find due jobs: %w", ferr)
	}
	rep.Due = len(due)

	claimed := make([]jobs.Job, 0, len(due))
	for _, j := range due {
		ok, cerr := w.store.ConditionalUpdateStatus(ctx, j.ID, jobs.StatusScheduled, jobs.StatusClaimed, now)
		if cerr != nil {
			w.log.Error("claim failed", logx.String("job", j.ID), logx.Err(cerr))
			continue
		}
		if !ok {
			rep.Lost++
			w.log.Debug("claim lost", logx.String("job", j.ID))
			continue
		}
		claimed = append(claimed, j)
	}
	rep.Claimed = len(claimed)
	w.metrics.Claimed(len(claimed))

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	for _, j := range claimed {
		j := j
		g.Go(func() error {
			st := w.execute(ctx, cfg, j)
			mu.Lock()
			switch st {
			case jobs.StatusCompleted:
				rep.Completed++
			case jobs.StatusFailed:
				rep.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return rep, err
}

// execute sends every target and finishes the job. It returns the stored
// aggregate status, or "" when the job could not be finished.
func (w *Worker) execute(ctx context.Context, cfg Config, job jobs.Job) (status jobs.Status) {
	log := w.log.With(logx.String("job", job.ID), logx.String("owner", job.OwnerID))
	defer func() {
		if p := recover(); p != nil {
			log.Error("job execution panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			status = ""
		}
	}()

	results := make([]jobs.Target, len(job.Targets))
	var g errgroup.Group
	g.SetLimit(cfg.TargetConcurrency)
	for i, t := range job.Targets {
		i, t := i, t
		g.Go(func() error {
			results[i] = w.sendTarget(ctx, cfg, log, job, t)
			return nil
		})
	}
	_ = g.Wait()

	status, lastErr := jobs.Aggregate(results)
	ok, err := w.store.UpdateJobAggregate(ctx, job.ID, status, lastErr, w.now())
	if err != nil {
		log.Error("store aggregate failed", logx.Err(err))
		return ""
	}
	if !ok {
		// Reclaimed or otherwise moved while we were sending.
		log.Warn("job no longer claimed, aggregate dropped", logx.String("status", string(status)))
		return ""
	}
	w.metrics.JobFinished(string(status))
	if status == jobs.StatusFailed {
		log.Warn("job failed", logx.String("error", lastErr))
	} else {
		log.Info("job completed", logx.Int("targets", len(results)))
	}

	if w.notifier != nil {
		ev := JobUpdate{JobID: job.ID, Status: status, LastError: lastErr, Targets: results}
		if err := w.notifier.Notify(ctx, job.OwnerID, EventJobUpdated, ev); err != nil {
			log.Warn("job notification failed", logx.Err(err))
		}
	}
	return status
}

func (w *Worker) sendTarget(ctx context.Context, cfg Config, log logx.Logger, job jobs.Job, t jobs.Target) (out jobs.Target) {
	out = t
	out.Status = jobs.TargetFailed
	defer func() {
		if p := recover(); p != nil {
			out.Status = jobs.TargetFailed
			out.LastError = fmt.Sprintf("panic: %v", p)
			log.Error("target send panicked", logx.String("target", t.ID), logx.Any("panic", p))
		}
		out.UpdatedAt = w.now()
		u := jobs.TargetUpdate{
			JobID:         job.ID,
			TargetID:      t.ID,
			Status:        out.Status,
			LastError:     out.LastError,
			SentMessageID: out.SentMessageID,
			At:            out.UpdatedAt,
		}
		if err := w.store.UpdateTargetStatus(ctx, u); err != nil {
			log.Error("store target status failed", logx.String("target", t.ID), logx.Err(err))
		}
	}()

	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()

	sent, err := w.sender.SendTo(sctx, t.Platform, t.AccountID, t.Address, job.Payload)
	if err != nil {
		out.LastError = err.Error()
		out.SentMessageID = ""
		fields := []logx.Field{
			logx.String("target", t.ID),
			logx.String("account", t.AccountID),
			logx.String("class", transport.Classify(err).String()),
			logx.Err(err),
		}
		if after, ok := transport.RetryAfterOf(err); ok {
			fields = append(fields, logx.Duration("retry_after", after))
		}
		log.Warn("target send failed", fields...)
		return out
	}
	out.Status = jobs.TargetSent
	out.LastError = ""
	out.SentMessageID = sent.ID
	return out
}
