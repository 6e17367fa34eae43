package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"chatbridge/internal/config"
	"chatbridge/internal/correlation"
	"chatbridge/internal/dispatch"
	"chatbridge/internal/eventbus"
	"chatbridge/internal/housekeeping"
	"chatbridge/internal/jobs"
	"chatbridge/internal/metrics"
	"chatbridge/internal/notifier"
	"chatbridge/internal/observability/ops"
	"chatbridge/internal/registry"
	rtsup "chatbridge/internal/runtime/supervisor"
	"chatbridge/internal/storage"
	"chatbridge/internal/transport"
	"chatbridge/internal/transport/discord"
	"chatbridge/internal/transport/telegram"
	"chatbridge/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics
	redis   *redis.Client

	pending *correlation.Store
	reg     *registry.Registry
	jobs    *jobs.Service
	worker  *dispatch.Worker
	notif   *notifier.Service
	house   *housekeeping.Service
	ops     *ops.Service

	restore bool
	ready   atomic.Bool
}

type options struct {
	lookup   func(string) (string, bool)
	adapters []transport.Adapter
	store    storage.Store
}

type Option func(*options)

// WithEnvLookup replaces os.LookupEnv for CHATBRIDGE_* overrides.
func WithEnvLookup(fn func(string) (string, bool)) Option {
	return func(o *options) { o.lookup = fn }
}

// WithAdapters registers adapters in addition to the configured platforms.
func WithAdapters(ads ...transport.Adapter) Option {
	return func(o *options) { o.adapters = append(o.adapters, ads...) }
}

// WithStore injects a store instead of opening the configured driver.
func WithStore(st storage.Store) Option {
	return func(o *options) { o.store = st }
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	if o.lookup != nil {
		cfgm.SetLookup(o.lookup)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, log := logx.New(cfg.Logging.LogConfig())
	log = log.With(logx.Component("app"))
	cfgm.SetLogger(log.With(logx.Component("config")))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		metrics: metrics.New(),
		restore: restoreOnStart(cfg),
	}
	if err := a.build(cfg, o); err != nil {
		if a.store != nil && o.store == nil {
			_ = a.store.Close()
		}
		if a.redis != nil {
			_ = a.redis.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, o options) error {
	log := a.log

	// Storage
	if o.store != nil {
		a.store = o.store
	} else {
		sc, err := mapStorageConfig(cfg)
		if err != nil {
			return err
		}
		st, err := storage.Open(sc, log)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.store = st
		log.Info("storage ready", logx.String("driver", sc.Driver))
	}

	// Correlation
	cc, err := mapCorrelationConfig(cfg)
	if err != nil {
		return err
	}
	a.pending = correlation.New(cc)

	// Notifier sinks: the in-process bus always, Redis when configured.
	sinks := []notifier.Sink{notifier.BusSink{Bus: a.bus}}
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		sinks = append(sinks, notifier.NewRedisSink(a.redis, cfg.Redis.ChannelPrefix))
		log.Info("redis notification sink enabled", logx.String("addr", addr))
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, log, a.bus, sinks...)

	// Platform adapters
	ads := append([]transport.Adapter(nil), o.adapters...)
	if cfg.Telegram.Enabled {
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return err
		}
		ads = append(ads, telegram.New(tc, log))
	}
	if cfg.Discord.Enabled {
		dc, err := mapDiscordConfig(cfg)
		if err != nil {
			return err
		}
		ads = append(ads, discord.New(dc, log))
	}
	if len(ads) == 0 {
		log.Warn("no platform adapters enabled; every attach will fail")
	}

	// Registry
	rc, err := mapRegistryConfig(cfg)
	if err != nil {
		return err
	}
	a.reg = registry.New(rc, a.store, a.pending,
		registry.WithLogger(log),
		registry.WithNotifier(a.notif),
		registry.WithMetrics(a.metrics),
		registry.WithAdapters(ads...),
	)

	// Jobs + dispatch
	a.jobs = jobs.NewService(a.store, log.With(logx.Component("jobs")))
	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	a.worker = dispatch.New(dc, a.store, a.reg, a.notif,
		dispatch.WithLogger(log),
		dispatch.WithMetrics(a.metrics),
	)

	// Housekeeping
	hc, err := mapHousekeepingConfig(cfg)
	if err != nil {
		return err
	}
	a.house = housekeeping.New(hc, log)
	if err := a.registerHousekeeping(cfg); err != nil {
		return err
	}

	// Scrape-time gauges
	a.metrics.Gauge("registry_connections", "Connections held by the registry.", func() float64 {
		return float64(a.reg.Len())
	})
	a.metrics.Gauge("correlation_pending", "Optimistic sends waiting for their echo.", func() float64 {
		return float64(a.pending.Len())
	})
	a.metrics.Gauge("eventbus_dropped", "Events dropped by slow bus subscribers.", func() float64 {
		return float64(eventbus.Dropped(a.bus))
	})

	// Ops server
	oc, err := mapOpsConfig(cfg)
	if err != nil {
		return err
	}
	a.ops = ops.New(oc, a.opsSources(), log)
	return nil
}

func (a *App) registerHousekeeping(cfg *config.Config) error {
	spec := strings.TrimSpace(cfg.Correlation.SweepEvery)
	if spec == "" {
		spec = "@every 30s"
	}
	if err := a.house.Register(housekeeping.JobCorrelationSweep, spec, 0,
		housekeeping.CorrelationSweep(a.pending, a.metrics, a.log)); err != nil {
		return err
	}

	keep, err := retentionTTL(cfg)
	if err != nil {
		return err
	}
	if keep <= 0 {
		return nil
	}
	spec = strings.TrimSpace(cfg.Housekeeping.RetentionSpec)
	if spec == "" {
		spec = "@every 1h"
	}
	return a.house.Register(housekeeping.JobRetentionPurge, spec, time.Minute,
		housekeeping.RetentionPurge(a.store, keep, a.log))
}

func (a *App) opsSources() ops.Sources {
	return ops.Sources{
		Ready:         a.Ready,
		Metrics:       a.metrics.Registry(),
		Connections:   func() any { return a.reg.Snapshot() },
		Tasks:         a.taskSnapshots,
		Housekeeping:  func() any { return a.house.Snapshot() },
		Notifications: func() any { return a.notif.History() },
		Dispatch: func() any {
			rep, at := a.worker.LastTick()
			return map[string]any{"last_tick": rep, "at": at}
		},
	}
}

func (a *App) taskSnapshots() map[string]rtsup.Snapshot {
	out := map[string]rtsup.Snapshot{}
	add := func(name string, sup *rtsup.Supervisor) {
		if sup != nil {
			out[name] = sup.Snapshot()
		}
	}
	add("app", a.sup)
	add("registry", a.reg.Supervisor())
	add("dispatch", a.worker.Supervisor())
	add("notifier", a.notif.Supervisor())
	add("ops", a.ops.Supervisor())
	return out
}

// Ready reports whether the app finished starting and storage answers.
func (a *App) Ready(ctx context.Context) error {
	if !a.ready.Load() {
		return errors.New("starting")
	}
	return a.store.Ping(ctx)
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger { return a.log }
func (a *App) Jobs() *jobs.Service { return a.jobs }
func (a *App) Registry() *registry.Registry { return a.reg }
func (a *App) Store() storage.Store { return a.store }
func (a *App) Bus() eventbus.Bus { return a.bus }
func (a *App) Worker() *dispatch.Worker { return a.worker }
func (a *App) OpsAddr() string { return a.ops.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings components up in dependency order: notifier, registry (and
// restore of active accounts), dispatch, housekeeping, ops, config reload.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.notif.Start(c)
	a.reg.Start(c)

	if a.restore {
		rep, err := a.reg.RestoreAll(c)
		if err != nil {
			return fmt.Errorf("restore connections: %w", err)
		}
		a.log.Info("connections restored",
			logx.Int("total", rep.Total),
			logx.Int("attached", rep.Attached),
			logx.Int("failed", len(rep.Failed)),
		)
	}

	a.worker.Start(c)
	a.house.Start(c)
	a.ops.Start(c)

	// Debug tap on the bus; components subscribe for themselves.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("owner", e.Owner), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })

	a.ready.Store(true)
	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.ready.Store(false)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		runStep(ctx, a.log, name, max, fn)
	}

	// Producers first: no new claims, no new schedules, then connections,
	// then the notifier drains what they queued.
	step("dispatch", 3*time.Second, func(c context.Context) error { a.worker.Stop(c); return nil })
	step("housekeeping", 2*time.Second, func(c context.Context) error { a.house.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("registry", 3*time.Second, func(c context.Context) error { return a.reg.Stop(c) })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("redis", time.Second, func(c context.Context) error {
		if a.redis != nil {
			return a.redis.Close()
		}
		return nil
	})
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, bus tap).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// runStep runs one shutdown step with an upper bound so one component can't
// stall the whole stop. It never extends the caller's deadline.
func runStep(ctx context.Context, log logx.Logger, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it doesn't, log when it eventually returns.
		log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
