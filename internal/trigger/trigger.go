// Package trigger runs configured tasks on cron schedules. It only triggers;
// every fire goes through the same RunTask path a caller would use.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"fgsvc/internal/config"
	"fgsvc/internal/scheduler"
	logx "fgsvc/pkg/logx"
)

// RunFunc dispatches one task descriptor.
type RunFunc func(ctx context.Context, d scheduler.Descriptor) error

// Def is one resolved trigger.
type Def struct {
	Name       string
	Schedule   string
	Descriptor scheduler.Descriptor
}

// Entry describes a registered trigger for status output.
type Entry struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Task     string    `json:"task"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev,omitempty"`
}

// FromConfig resolves enabled triggers into Defs. Disabled triggers are skipped.
func FromConfig(in []config.TriggerConfig) ([]Def, error) {
	var errs []error
	out := make([]Def, 0, len(in))
	for i, tc := range in {
		if !tc.IsEnabled() {
			continue
		}
		name := strings.TrimSpace(tc.Name)
		if name == "" {
			name = fmt.Sprintf("trigger[%d]", i)
		}
		payload, err := config.TriggerPayload(tc.Payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		delay, err := config.ParseDurationField(name+".delay", tc.Delay)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		loopDelay, err := config.ParseDurationField(name+".loop_delay", tc.LoopDelay)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		d, err := scheduler.Descriptor{
			Name:      strings.TrimSpace(tc.Task),
			Payload:   payload,
			Delay:     delay,
			Loop:      tc.Loop,
			LoopDelay: loopDelay,
		}.Normalize()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		out = append(out, Def{Name: name, Schedule: strings.TrimSpace(tc.Schedule), Descriptor: d})
	}
	return out, errors.Join(errs...)
}

// Service owns a cron runner. Apply may be called before or after Start.
type Service struct {
	run     RunFunc
	log     logx.Logger
	parser  cron.Parser
	timeout time.Duration
	spread  bool

	mu      sync.Mutex
	ctx     context.Context
	c       *cron.Cron
	loc     *time.Location
	tz      string
	defs    []Def
	entries map[string]cron.EntryID
}

type Option func(*Service)

// WithDispatchTimeout bounds each RunTask call. Default 30s.
func WithDispatchTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithStartupSpread staggers the first fire of "@every" triggers.
func WithStartupSpread(enabled bool) Option {
	return func(s *Service) { s.spread = enabled }
}

func New(run RunFunc, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		run:     run,
		log:     log.With(logx.String("comp", "trigger")),
		parser:  config.CronParser,
		timeout: 30 * time.Second,
		spread:  true,
		entries: map[string]cron.EntryID{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply replaces the trigger set. A timezone change restarts the runner.
func (s *Service) Apply(tz string, defs []Def) error {
	tz = strings.TrimSpace(tz)
	if _, err := loadLocation(tz); err != nil {
		return err
	}
	for _, d := range defs {
		if _, err := s.parser.Parse(d.Schedule); err != nil {
			return fmt.Errorf("trigger %s: bad schedule %q: %w", d.Name, d.Schedule, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := s.tz
	s.tz = tz
	s.defs = append([]Def(nil), defs...)

	if s.c == nil {
		return nil
	}
	if oldTZ != tz {
		s.restartLocked()
		return nil
	}
	for name, id := range s.entries {
		s.c.Remove(id)
		delete(s.entries, name)
	}
	s.registerLocked()
	s.log.Info("triggers applied", logx.Int("count", len(s.defs)))
	return nil
}

// Start begins firing. ctx bounds every dispatch.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.startLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.defs)))
}

// Stop halts the runner and waits for running jobs or ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entries = map[string]cron.EntryID{}
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// Entries lists registered triggers ordered by name.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.defs))
	for _, d := range s.defs {
		e := Entry{Name: d.Name, Schedule: d.Schedule, Task: d.Descriptor.Name}
		if s.c != nil {
			if id, ok := s.entries[d.Name]; ok {
				ce := s.c.Entry(id)
				e.Next, e.Prev = ce.Next, ce.Prev
			}
		}
		out = append(out, e)
	}
	return out
}

func (s *Service) startLocked() {
	loc, err := loadLocation(s.tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", s.tz), logx.Err(err))
		loc = time.Local
	}
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	s.registerLocked()
	s.c.Start()
}

func (s *Service) restartLocked() {
	old := s.c
	s.entries = map[string]cron.EntryID{}
	s.startLocked()
	if old != nil {
		go func() { <-old.Stop().Done() }()
	}
	s.log.Info("runner restarted", logx.String("tz", s.loc.String()))
}

func (s *Service) registerLocked() {
	now := time.Now().In(s.loc)
	for _, d := range s.defs {
		sched, err := s.scheduleFor(d, now)
		if err != nil {
			s.log.Warn("trigger skipped", logx.String("trigger", d.Name), logx.Err(err))
			continue
		}
		s.entries[d.Name] = s.c.Schedule(sched, s.job(d))
	}
}

func (s *Service) scheduleFor(d Def, now time.Time) (cron.Schedule, error) {
	if s.spread {
		if every, ok := parseEvery(d.Schedule); ok {
			sched, jitter := spreadEvery(every, now, d.Name)
			s.log.Debug("startup spread", logx.String("trigger", d.Name), logx.Duration("jitter", jitter))
			return sched, nil
		}
	}
	return s.parser.Parse(d.Schedule)
}

func (s *Service) job(d Def) cron.Job {
	return cron.FuncJob(func() {
		s.mu.Lock()
		base := s.ctx
		s.mu.Unlock()
		if base == nil || base.Err() != nil {
			return
		}
		ctx, cancel := context.WithTimeout(base, s.timeout)
		defer cancel()

		start := time.Now()
		if err := s.run(ctx, d.Descriptor); err != nil {
			s.log.Warn("trigger dispatch failed",
				logx.String("trigger", d.Name),
				logx.String("task", d.Descriptor.Name),
				logx.Err(err),
			)
			return
		}
		s.log.Debug("trigger fired",
			logx.String("trigger", d.Name),
			logx.String("task", d.Descriptor.Name),
			logx.Duration("took", time.Since(start)),
		)
	})
}

func parseEvery(spec string) (time.Duration, bool) {
	rest, ok := strings.CutPrefix(spec, "@every ")
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(strings.TrimSpace(rest))
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}
