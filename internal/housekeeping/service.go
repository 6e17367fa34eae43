package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"chatbridge/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
	// DefaultTimeout bounds a run when the job has no timeout of its own.
	DefaultTimeout time.Duration
}

// JobFunc is one maintenance run.
type JobFunc func(ctx context.Context) error

// EntryInfo is a point-in-time view of one schedule.
type EntryInfo struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	Next      time.Time `json:"next,omitempty"`
	Prev      time.Time `json:"prev,omitempty"`
	Runs      uint64    `json:"runs"`
	LastError string    `json:"last_error,omitempty"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
}

type def struct {
	name    string
	spec    string
	timeout time.Duration
	fn      JobFunc
	entryID cron.EntryID

	mu        sync.Mutex
	runs      uint64
	lastErr   string
	lastRunAt time.Time
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	defs   []*def
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.Component("housekeeping")),
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Register adds a named job. It may be called before or after Start.
func (s *Service) Register(name, spec string, timeout time.Duration, fn JobFunc) error {
	name = strings.TrimSpace(name)
	spec = strings.TrimSpace(spec)
	if name == "" || fn == nil {
		return errors.New("housekeeping: name and func are required")
	}
	if !strings.HasPrefix(spec, "@every") {
		if _, err := s.parser.Parse(spec); err != nil {
			return fmt.Errorf("housekeeping: bad spec %q for %s: %w", spec, name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.name == name {
			return fmt.Errorf("housekeeping: %s already registered", name)
		}
	}
	d := &def{name: name, spec: spec, timeout: timeout, fn: fn}
	if s.c != nil {
		if err := s.addLocked(d); err != nil {
			return err
		}
	}
	s.defs = append(s.defs, d)
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.loc = s.loadLocationLocked()
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.c = s.newCronLocked()
	for _, d := range s.defs {
		if err := s.addLocked(d); err != nil {
			s.log.Error("schedule rejected", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	s.mu.Unlock()

	if c == nil && cancel == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("service stopped")
}

// Apply swaps the config; a timezone change restarts cron.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	c := s.c
	if c == nil || oldTZ == strings.TrimSpace(cfg.Timezone) {
		s.mu.Unlock()
		return
	}
	s.c = nil
	s.mu.Unlock()

	// Running jobs take s.mu, so wait for them unlocked.
	<-c.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	s.loc = s.loadLocationLocked()
	s.c = s.newCronLocked()
	for _, d := range s.defs {
		_ = s.addLocked(d)
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()))
}

// RunNow executes a registered job synchronously.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var d *def
	for _, x := range s.defs {
		if x.name == name {
			d = x
		}
	}
	s.mu.Unlock()
	if d == nil {
		return fmt.Errorf("housekeeping: unknown job %s", name)
	}
	return s.run(ctx, d)
}

func (s *Service) Snapshot() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryInfo, 0, len(s.defs))
	for _, d := range s.defs {
		d.mu.Lock()
		info := EntryInfo{Name: d.name, Spec: d.spec, Runs: d.runs, LastError: d.lastErr, LastRunAt: d.lastRunAt}
		d.mu.Unlock()
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) addLocked(d *def) error {
	job := cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		if err := s.run(ctx, d); err != nil {
			s.log.Warn("housekeeping job failed", logx.String("name", d.name), logx.Err(err))
		}
	})

	if strings.HasPrefix(d.spec, "@every") {
		every, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(d.spec, "@every")))
		if err != nil || every <= 0 {
			return fmt.Errorf("housekeeping: bad interval %q for %s", d.spec, d.name)
		}
		sched, _ := intervalWithSpread(every, time.Now().In(s.loc), d.name)
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}
	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

func (s *Service) run(ctx context.Context, d *def) error {
	timeout := d.timeout
	if timeout <= 0 {
		s.mu.Lock()
		timeout = s.cfg.DefaultTimeout
		s.mu.Unlock()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := d.fn(rctx)

	d.mu.Lock()
	d.runs++
	d.lastRunAt = time.Now()
	d.lastErr = ""
	if err != nil {
		d.lastErr = err.Error()
	}
	d.mu.Unlock()
	return err
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// newCronLocked builds a cron with panic recovery and overlap skipping.
func (s *Service) newCronLocked() *cron.Cron {
	cl := cronLogger{log: s.log}
	return cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
}
