package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewCron_InvalidArgs(t *testing.T) {
	t.Parallel()

	if _, err := NewCron("planner", "not a spec", time.UTC, func(context.Context) {}, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for invalid spec")
	}
	if _, err := NewCron("planner", "0 2 * * *", time.UTC, nil, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for nil jobFn")
	}
}

func TestCronScheduler_NextUsesLocation(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("Europe/Istanbul")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	s, err := NewCron("planner", "0 2 * * *", loc, func(context.Context) {}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewCron returned error: %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, loc)
	next := s.Next(now)
	want := time.Date(2026, 3, 2, 2, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Fatalf("expected next run %v, got %v", want, next)
	}
}

func TestCronScheduler_RunsAndStops(t *testing.T) {
	var calls atomic.Int64

	s, err := NewCron("planner", "* * * * * *", time.UTC, func(context.Context) {
		calls.Add(1)
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewCron returned error: %v", err)
	}

	if s.IsRunning() {
		t.Fatalf("expected not running initially")
	}
	if ok := s.Start(); !ok {
		t.Fatalf("expected Start() true")
	}
	if ok := s.Start(); ok {
		t.Fatalf("expected Start() false when already running")
	}

	waitForAtLeast(t, &calls, 1, 2500*time.Millisecond)

	if ok := s.Stop(); !ok {
		t.Fatalf("expected Stop() true")
	}
	if s.IsRunning() {
		t.Fatalf("expected not running after Stop()")
	}
	if ok := s.Stop(); ok {
		t.Fatalf("expected Stop() false when already stopped")
	}

	after := calls.Load()
	time.Sleep(1200 * time.Millisecond)
	if calls.Load() != after {
		t.Fatalf("expected no runs after Stop")
	}
}

func TestCronScheduler_PanicIsRecovered(t *testing.T) {
	var calls atomic.Int64
	var panicked atomic.Bool

	s, err := NewCron("planner", "* * * * * *", time.UTC, func(context.Context) {
		if panicked.CompareAndSwap(false, true) {
			panic("boom")
		}
		calls.Add(1)
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewCron returned error: %v", err)
	}

	s.Start()
	defer s.Stop()

	waitForAtLeast(t, &calls, 1, 3500*time.Millisecond)
}

func TestCronScheduler_Status(t *testing.T) {
	s, err := NewCron("planner", "0 2 * * *", time.UTC, func(context.Context) {}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewCron returned error: %v", err)
	}

	st := s.Status()
	if st.Name != "planner" || st.Schedule != "0 2 * * * (UTC)" {
		t.Fatalf("unexpected identity: %+v", st)
	}
	if st.Running || st.NextRun != nil {
		t.Fatalf("stopped cron should not report a next run: %+v", st)
	}

	s.Start()
	defer s.Stop()

	st = s.Status()
	if !st.Running || st.NextRun == nil {
		t.Fatalf("expected running with a next run, got %+v", st)
	}
	if h, m := st.NextRun.Hour(), st.NextRun.Minute(); h != 2 || m != 0 {
		t.Fatalf("expected next run at 02:00, got %v", st.NextRun)
	}
}
