package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"chatbridge/internal/eventbus"
	rtsup "chatbridge/internal/runtime/supervisor"
	"chatbridge/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Service implements the async pipeline: queue + worker pool + rate limit + retry.
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	sinks []Sink

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan Notification
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, sinks ...Sink) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log: log.With(logx.Component("notifier")),
		bus: bus,
	}
	for _, sk := range sinks {
		if sk != nil {
			s.sinks = append(s.sinks, sk)
		}
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 200
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 300
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan Notification, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping || c.Err() != nil {
				return context.Canceled
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", workers), logx.Int("sinks", len(s.sinks)))
}

// Stop stops intake and drains the queue best-effort until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify queues event for ownerID. It never waits for delivery.
func (s *Service) Notify(ctx context.Context, ownerID, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(ownerID) == "" || event == "" {
		return errors.New("notifier: owner and event are required")
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	n := Notification{OwnerID: ownerID, Event: event, At: time.Now(), Payload: payload}
	select {
	case q <- n:
		s.publish("notifier.queued", n, "", nil)
		return nil
	default:
		s.publish("notifier.dropped", n, "", ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) publish(kind string, n Notification, sink string, err error) {
	if s.bus == nil {
		return
	}
	ev := LifecycleEvent{OwnerID: n.OwnerID, Event: n.Event, Sink: sink, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: kind, Time: ev.At, Data: ev})
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(it HistoryItem, max int) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > max {
		s.history = s.history[len(s.history)-max:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-q:
			if !ok {
				return
			}
			for _, sk := range s.sinks {
				s.deliverWithRetry(ctx, sk, n)
			}
		}
	}
}

func (s *Service) deliverWithRetry(ctx context.Context, sk Sink, n Notification) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RetryBase
	bo.MaxInterval = cfg.RetryMaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(cfg.RetryMax)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := lim.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		err := sk.Deliver(cctx, n)
		if err != nil {
			s.log.Debug("notify delivery failed", logx.String("sink", sk.Name()), logx.String("event", n.Event), logx.Int("attempt", attempt), logx.Err(err))
		}
		return err
	}, policy)

	item := HistoryItem{At: time.Now(), OwnerID: n.OwnerID, Event: n.Event, Sink: sk.Name()}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("notification dropped after retries",
			logx.String("sink", sk.Name()),
			logx.String("owner", n.OwnerID),
			logx.String("event", n.Event),
			logx.Err(err),
		)
		s.publish("notifier.failed", n, sk.Name(), err)
	} else {
		s.publish("notifier.sent", n, sk.Name(), nil)
	}
	s.appendHistory(item, cfg.HistorySize)
}

// backoffPermanent marks an error that retrying cannot fix.
func backoffPermanent(err error) error { return backoff.Permanent(err) }
