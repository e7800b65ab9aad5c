// Package scheduler triggers the pipeline's periodic work: a fixed-interval
// ticker for the ready-queue scanner and a cron schedule for the planner.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Status is a point-in-time view of a scheduler for the operator API.
type Status struct {
	Name         string     `json:"name"`
	Running      bool       `json:"running"`
	Schedule     string     `json:"schedule"`
	Runs         int64      `json:"runs"`
	Panics       int64      `json:"panics"`
	LastRun      *time.Time `json:"lastRun,omitempty"`
	LastDuration string     `json:"lastDuration,omitempty"`
	NextRun      *time.Time `json:"nextRun,omitempty"`
}

// runner executes jobs with panic recovery and keeps per-run bookkeeping.
type runner struct {
	name string
	fn   func(context.Context)
	log  zerolog.Logger

	runs   atomic.Int64
	panics atomic.Int64

	mu      sync.Mutex
	lastRun time.Time
	lastDur time.Duration
}

func newRunner(name string, fn func(context.Context), log zerolog.Logger) *runner {
	return &runner{
		name: name,
		fn:   fn,
		log:  log.With().Str("scheduler", name).Logger(),
	}
}

func (r *runner) run(ctx context.Context) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.panics.Add(1)
			r.log.Error().Interface("panic", p).Msg("scheduler tick panic recovered")
		}
		d := time.Since(start)
		r.runs.Add(1)
		r.mu.Lock()
		r.lastRun, r.lastDur = start, d
		r.mu.Unlock()
		r.log.Debug().Int64("duration_ms", d.Milliseconds()).Msg("scheduler tick completed")
	}()
	r.fn(ctx)
}

func (r *runner) status(running bool, schedule string) Status {
	st := Status{
		Name:     r.name,
		Running:  running,
		Schedule: schedule,
		Runs:     r.runs.Load(),
		Panics:   r.panics.Load(),
	}
	r.mu.Lock()
	if !r.lastRun.IsZero() {
		t := r.lastRun
		st.LastRun = &t
		st.LastDuration = r.lastDur.String()
	}
	r.mu.Unlock()
	return st
}

// Scheduler runs a job immediately on Start and then every interval. Ticks
// never overlap; a tick that outlasts the interval delays the next one.
type Scheduler struct {
	interval time.Duration
	runner   *runner

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	stop   chan struct{}
	done   chan struct{}
}

func New(name string, interval time.Duration, tickFn func(context.Context), log zerolog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	return &Scheduler{
		interval: interval,
		runner:   newRunner(name, tickFn, log),
	}, nil
}

// Start reports false when the scheduler is already running.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.running.Store(true)

	go s.loop(ctx, s.stop, s.done)
	return true
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	log := s.runner.log
	log.Info().Dur("interval", s.interval).Msg("scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.runner.run(ctx)

		// a tick that outlasted the interval leaves both channels ready
		select {
		case <-stop:
			log.Info().Msg("scheduler stopping")
			return
		default:
		}

		select {
		case <-stop:
			log.Info().Msg("scheduler stopping")
			return
		case <-ticker.C:
		}
	}
}

// Stop lets the in-flight tick finish, then cancels the tick context.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	close(s.stop)
	<-s.done
	s.cancel()
	s.running.Store(false)

	s.runner.log.Info().Msg("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) Status() Status {
	st := s.runner.status(s.IsRunning(), "every "+s.interval.String())
	if st.Running && st.LastRun != nil {
		next := st.LastRun.Add(s.interval)
		st.NextRun = &next
	}
	return st
}
