// Package scheduler fires named cron schedules into the task engine. It only
// triggers; execution, retries and overlap gating belong to engine.Service.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"siemalert/internal/task/engine"
	logx "siemalert/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// Enqueuer is the subset of engine.Service the scheduler needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type def struct {
	name    string
	spec    string
	timeout time.Duration
	opt     engine.TaskOptions
	job     func(ctx context.Context) error
	entry   cron.EntryID
}

// Info describes a registered schedule.
type Info struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next,omitempty"`
	Prev    time.Time     `json:"prev,omitempty"`
}

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	engine Enqueuer
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*def

	wmu      sync.Mutex
	lastWarn map[string]time.Time
}

func New(eng Enqueuer, loc *time.Location, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		log:    log.Component("scheduler"),
		engine: eng,
		loc:    loc,
		// SecondOptional accepts both 5- and 6-field specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:     map[string]*def{},
		lastWarn: map[string]time.Time{},
	}
}

// Add registers or replaces the schedule called name. spec is anything
// ParseSchedule accepts.
func (s *Service) Add(name, spec string, timeout time.Duration, opt engine.TaskOptions, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schedule name required")
	}
	if job == nil {
		return errors.New("schedule job required")
	}
	ps, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	expr := ps.Cron
	if ps.Kind == SpecInterval {
		expr = "@every " + ps.Every.String()
	}
	if _, err := s.parser.Parse(expr); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.defs[name]; old != nil && s.c != nil {
		s.c.Remove(old.entry)
	}
	d := &def{name: name, spec: expr, timeout: timeout, opt: opt, job: job}
	s.defs[name] = d
	if s.c != nil {
		if err := s.addLocked(d); err != nil {
			return err
		}
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", expr))
	return nil
}

// Remove drops a schedule; unknown names are ignored.
func (s *Service) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.defs[name]; d != nil {
		if s.c != nil {
			s.c.Remove(d.entry)
		}
		delete(s.defs, name)
	}
}

// SetLocation changes the zone cron expressions are evaluated in.
func (s *Service) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc.String() == loc.String() {
		return
	}
	s.loc = loc
	if s.c != nil {
		s.c.Stop()
		s.startLocked()
	}
}

func (s *Service) Start(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.startLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) startLocked() {
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.addLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
}

// Stop stops triggering; running jobs finish in the engine.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) addLocked(d *def) error {
	id, err := s.c.AddFunc(d.spec, func() { s.fire(d) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", d.name, err)
	}
	d.entry = id
	return nil
}

func (s *Service) fire(d *def) {
	err := s.engine.Enqueue(engine.Task{Name: d.name, Timeout: d.timeout, Opt: d.opt, Run: d.job})
	s.reportEnqueueError(d.name, err)
}

// Trigger enqueues a registered schedule immediately.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	d := s.defs[name]
	s.mu.Unlock()
	if d == nil {
		return fmt.Errorf("schedule %q not found", name)
	}
	return s.engine.Enqueue(engine.Task{Name: d.name, Timeout: d.timeout, Opt: d.opt, Run: d.job})
}

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}
	now := time.Now()
	s.wmu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.wmu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.wmu.Unlock()
	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}

// Schedules lists registered schedules with their next and previous fire times.
func (s *Service) Schedules() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.defs))
	for _, d := range s.defs {
		info := Info{Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if s.c != nil {
			e := s.c.Entry(d.entry)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Spec returns the normalized spec registered for name.
func (s *Service) Spec(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[name]
	if !ok {
		return "", false
	}
	return d.spec, true
}
