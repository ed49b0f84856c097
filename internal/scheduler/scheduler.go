// Package scheduler runs periodic housekeeping jobs (retry ledger and
// broadcast history pruning) on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"autobot/pkg/logx"
)

var ErrUnknownJob = errors.New("unknown job")

type Config struct {
	Timezone string // IANA name; empty means Local
}

type JobFunc func(ctx context.Context) error

type jobDef struct {
	name    string
	spec    string
	timeout time.Duration
	run     JobFunc
	entryID cron.EntryID
}

// JobInfo describes a registered job for status views.
type JobInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next,omitzero"`
	Prev    time.Time     `json:"prev,omitzero"`
}

// Service triggers registered jobs. A job that is still running when its next
// tick arrives is skipped, and a panicking job is logged and recovered.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   []*jobDef
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "scheduler")),
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Add registers or replaces the job called name. Jobs added before Start
// are armed when it runs.
func (s *Service) Add(name, schedule string, timeout time.Duration, run JobFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	spec, err := NormalizeSpec(schedule)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &jobDef{name: name, spec: spec, timeout: timeout, run: run}
	s.defs = append(s.defs, d)
	if s.c != nil {
		if err := s.armLocked(d); err != nil {
			return err
		}
		s.log.Debug("job registered", logx.String("name", name), logx.String("spec", spec),
			logx.Time("next", s.c.Entry(d.entryID).Next))
	}
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	i := slices.IndexFunc(s.defs, func(d *jobDef) bool { return d.name == name })
	if i < 0 {
		return false
	}
	if s.c != nil && s.defs[i].entryID != 0 {
		s.c.Remove(s.defs[i].entryID)
	}
	s.defs = slices.Delete(s.defs, i, i+1)
	return true
}

// Start arms every registered job. Jobs run with contexts derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	for _, d := range s.defs {
		if err := s.armLocked(d); err != nil {
			s.log.Error("job register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
}

// Stop halts triggering and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	cancel()
	s.log.Info("scheduler stopped")
}

// Apply swaps the config. A timezone change restarts the cron runner.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || !changed {
		return
	}
	<-s.c.Stop().Done()
	s.startLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()))
}

// RunNow executes the named job synchronously, outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	i := slices.IndexFunc(s.defs, func(d *jobDef) bool { return d.name == name })
	var d *jobDef
	if i >= 0 {
		d = s.defs[i]
	}
	s.mu.Unlock()
	if d == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.exec(ctx, d)
}

func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := JobInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out = append(out, it)
	}
	return out
}

func (s *Service) armLocked(d *jobDef) error {
	ctx := s.ctx
	id, err := s.c.AddFunc(d.spec, func() {
		if err := s.exec(ctx, d); err != nil {
			s.log.Warn("job failed", logx.String("name", d.name), logx.Err(err))
		}
	})
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) exec(ctx context.Context, d *jobDef) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	start := time.Now()
	err := d.run(ctx)
	s.log.Debug("job finished", logx.String("name", d.name), logx.Duration("took", time.Since(start)), logx.Err(err))
	return err
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger adapts logx to cron.Logger for the job wrappers.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
