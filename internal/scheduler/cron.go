package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Parser accepts 5-field specs, an optional leading seconds field and
// descriptors such as @daily.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CronScheduler runs jobFn on a cron schedule in a fixed location. A run that
// is still going when the next one is due is skipped.
type CronScheduler struct {
	spec   string
	sched  cron.Schedule
	loc    *time.Location
	runner *runner

	mu      sync.Mutex
	c       *cron.Cron
	cancel  context.CancelFunc
	running bool
}

func NewCron(name, spec string, loc *time.Location, jobFn func(context.Context), log zerolog.Logger) (*CronScheduler, error) {
	if jobFn == nil {
		return nil, errors.New("jobFn must not be nil")
	}
	sched, err := Parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron spec %q: %w", spec, err)
	}
	if loc == nil {
		loc = time.Local
	}
	return &CronScheduler{
		spec:   spec,
		sched:  sched,
		loc:    loc,
		runner: newRunner(name, jobFn, log),
	}, nil
}

func (s *CronScheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.c = cron.New(
		cron.WithParser(Parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	s.c.Schedule(s.sched, cron.FuncJob(func() {
		s.runner.run(ctx)
	}))
	s.c.Start()
	s.running = true

	s.runner.log.Info().
		Str("spec", s.spec).
		Str("location", s.loc.String()).
		Time("next", s.sched.Next(time.Now().In(s.loc))).
		Msg("cron scheduler started")
	return true
}

// Stop prevents new runs and waits for a running job before cancelling its context.
func (s *CronScheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return false
	}

	<-s.c.Stop().Done()
	s.cancel()
	s.running = false

	s.runner.log.Info().Msg("cron scheduler stopped")
	return true
}

func (s *CronScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Next reports the next scheduled run after now.
func (s *CronScheduler) Next(now time.Time) time.Time {
	return s.sched.Next(now.In(s.loc))
}

func (s *CronScheduler) Status() Status {
	st := s.runner.status(s.IsRunning(), s.spec+" ("+s.loc.String()+")")
	if st.Running {
		next := s.Next(time.Now())
		st.NextRun = &next
	}
	return st
}
