package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestScheduler(t *testing.T, interval time.Duration, fn func(context.Context)) *Scheduler {
	t.Helper()
	s, err := New("scanner", interval, fn, zerolog.Nop())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return s
}

func counting(calls *atomic.Int64) func(context.Context) {
	return func(context.Context) { calls.Add(1) }
}

// waitForAtLeast polls until calls >= n or fails after timeout.
func waitForAtLeast(t *testing.T, calls *atomic.Int64, n int64, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for calls.Load() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for calls >= %d (got %d)", n, calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_RejectsBadArguments(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		interval time.Duration
		fn       func(context.Context)
	}{
		"zero interval":     {0, func(context.Context) {}},
		"negative interval": {-time.Second, func(context.Context) {}},
		"nil job":           {time.Second, nil},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			s, err := New("scanner", tc.interval, tc.fn, zerolog.Nop())
			if err == nil || s != nil {
				t.Fatalf("expected (nil, error), got (%v, %v)", s, err)
			}
		})
	}
}

func TestScheduler_Lifecycle(t *testing.T) {
	var calls atomic.Int64
	s := newTestScheduler(t, 10*time.Millisecond, counting(&calls))

	if s.IsRunning() || s.Status().Running {
		t.Fatalf("new scheduler must not be running")
	}
	if !s.Start() {
		t.Fatalf("first Start() must succeed")
	}
	if s.Start() {
		t.Fatalf("second Start() must report already running")
	}

	waitForAtLeast(t, &calls, 2, 750*time.Millisecond)

	if !s.Stop() {
		t.Fatalf("first Stop() must succeed")
	}
	if s.Stop() {
		t.Fatalf("second Stop() must report already stopped")
	}

	frozen := calls.Load()
	time.Sleep(60 * time.Millisecond)
	if got := calls.Load(); got != frozen {
		t.Fatalf("ticks after Stop: before=%d after=%d", frozen, got)
	}
}

func TestScheduler_FirstTickIsImmediate(t *testing.T) {
	var calls atomic.Int64
	s := newTestScheduler(t, time.Hour, counting(&calls))

	s.Start()
	defer s.Stop()

	waitForAtLeast(t, &calls, 1, 500*time.Millisecond)
}

func TestScheduler_RestartsCleanly(t *testing.T) {
	var calls atomic.Int64
	s := newTestScheduler(t, 10*time.Millisecond, counting(&calls))

	for round := 1; round <= 3; round++ {
		calls.Store(0)
		if !s.Start() {
			t.Fatalf("round %d: Start() failed", round)
		}
		waitForAtLeast(t, &calls, 1, 750*time.Millisecond)
		if !s.Stop() {
			t.Fatalf("round %d: Stop() failed", round)
		}
	}
}

func TestScheduler_PanicDoesNotKillLoop(t *testing.T) {
	var calls atomic.Int64
	var first atomic.Bool

	s := newTestScheduler(t, 10*time.Millisecond, func(context.Context) {
		if first.CompareAndSwap(false, true) {
			panic("boom")
		}
		calls.Add(1)
	})

	s.Start()
	waitForAtLeast(t, &calls, 1, 750*time.Millisecond)
	s.Stop()

	if got := s.Status().Panics; got != 1 {
		t.Fatalf("expected 1 recovered panic, got %d", got)
	}
}

func TestScheduler_StopWaitsForInFlightTick(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	var canceledMidTick atomic.Bool

	s := newTestScheduler(t, time.Hour, func(ctx context.Context) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		canceledMidTick.Store(ctx.Err() != nil)
		finished.Store(true)
	})

	s.Start()
	<-started

	if !s.Stop() {
		t.Fatalf("Stop() failed")
	}
	if !finished.Load() {
		t.Fatalf("Stop returned before the in-flight tick finished")
	}
	if canceledMidTick.Load() {
		t.Fatalf("tick context was canceled mid-tick")
	}
}

func TestScheduler_NoExtraTickWhenStoppedDuringSlowTick(t *testing.T) {
	started := make(chan struct{}, 1)
	var calls atomic.Int64

	s := newTestScheduler(t, 5*time.Millisecond, func(context.Context) {
		calls.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(40 * time.Millisecond)
	})

	for round := 0; round < 20; round++ {
		calls.Store(0)
		s.Start()
		<-started
		s.Stop()
		if got := calls.Load(); got != 1 {
			t.Fatalf("round %d: expected 1 tick, got %d", round, got)
		}
	}
}

func TestScheduler_TickContextCanceledAfterStop(t *testing.T) {
	captured := make(chan context.Context, 1)
	s := newTestScheduler(t, time.Hour, func(ctx context.Context) {
		select {
		case captured <- ctx:
		default:
		}
	})

	s.Start()
	var ctx context.Context
	select {
	case ctx = <-captured:
	case <-time.After(500 * time.Millisecond):
		s.Stop()
		t.Fatalf("tick never ran")
	}
	s.Stop()

	select {
	case <-ctx.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("tick context still live after Stop")
	}
}

func TestScheduler_Status(t *testing.T) {
	var calls atomic.Int64
	s := newTestScheduler(t, time.Hour, counting(&calls))

	st := s.Status()
	if st.Name != "scanner" || st.Schedule != "every 1h0m0s" {
		t.Fatalf("unexpected identity: %+v", st)
	}
	if st.LastRun != nil || st.NextRun != nil || st.Runs != 0 {
		t.Fatalf("fresh scheduler should have no run history: %+v", st)
	}

	s.Start()
	waitForAtLeast(t, &calls, 1, 500*time.Millisecond)

	// runs is bumped after the job returns
	deadline := time.Now().Add(500 * time.Millisecond)
	for s.Status().Runs < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	st = s.Status()
	if !st.Running || st.Runs != 1 {
		t.Fatalf("expected running with 1 run, got %+v", st)
	}
	if st.LastRun == nil || st.NextRun == nil {
		t.Fatalf("expected last and next run, got %+v", st)
	}
	if got := st.NextRun.Sub(*st.LastRun); got != time.Hour {
		t.Fatalf("next run should be one interval after last, got %v", got)
	}

	s.Stop()
	if st := s.Status(); st.Running || st.NextRun != nil {
		t.Fatalf("stopped scheduler should not report a next run: %+v", st)
	}
}
