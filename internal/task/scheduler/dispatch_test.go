package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"moodping/internal/task/engine"
	"moodping/internal/task/trigger"
	logx "moodping/pkg/logx"
)

// newEngineBacked wires the scheduler to a running engine, the way the app
// does, with the clock under test control.
func newEngineBacked(t *testing.T, start time.Time) (*Service, *engine.Service, *fakeClock) {
	t.Helper()
	eng := engine.New(engine.Config{Workers: 8, QueueSize: 16, MaxInFlight: 3}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	clk := &fakeClock{t: start}
	s := New(Config{Grace: 5 * time.Minute}, eng, logx.Nop(), nil, WithClock(clk.Now))
	return s, eng, clk
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// daily returns the 09:00 UTC occurrence n days after day0.
func daily(day0 time.Time, n int) time.Time { return day0.AddDate(0, 0, n) }

func TestEngineCapsOverlappingOccurrences(t *testing.T) {
	t.Parallel()

	day0 := time.Date(2025, time.May, 5, 9, 0, 0, 0, time.UTC)
	s, eng, clk := newEngineBacked(t, day0.Add(-time.Hour))
	key := UserKey(1, CategoryPing, "09:00")

	release := make(chan struct{})
	var started, finished atomic.Int32
	run := func(ctx context.Context, _ Firing) error {
		started.Add(1)
		defer finished.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}
	if _, err := s.Upsert(Job{Key: key, Trigger: mustRecurring(t, 9, 0, trigger.AllDays, time.UTC), Run: run}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	for n := 0; n < 3; n++ {
		clk.Set(daily(day0, n))
		if got := s.fireDue(daily(day0, n)); got != 1 {
			t.Fatalf("occurrence %d: fired %d", n, got)
		}
	}
	eventually(t, "three callbacks running", func() bool { return started.Load() == 3 })

	// The fourth occurrence arrives while three are still running.
	clk.Set(daily(day0, 3))
	s.fireDue(daily(day0, 3))
	if snap := eng.Snapshot(); snap.DroppedInFlight != 1 {
		t.Fatalf("dropped in flight=%d, want 1", snap.DroppedInFlight)
	}
	if n := eng.InFlight(key.String()); n != 3 {
		t.Fatalf("in flight=%d, want 3", n)
	}

	close(release)
	eventually(t, "callbacks finished", func() bool { return finished.Load() == 3 })
	eventually(t, "gate released", func() bool { return eng.InFlight(key.String()) == 0 })

	// The job survived the drop and its next occurrence runs normally.
	clk.Set(daily(day0, 4))
	s.fireDue(daily(day0, 4))
	eventually(t, "next occurrence", func() bool { return finished.Load() == 4 })
	if started.Load() != 4 {
		t.Fatalf("started=%d, want 4", started.Load())
	}
}

func TestEngineCallbackFailureKeepsJob(t *testing.T) {
	t.Parallel()

	day0 := time.Date(2025, time.May, 5, 9, 0, 0, 0, time.UTC)
	s, eng, clk := newEngineBacked(t, day0.Add(-time.Hour))
	key := UserKey(2, CategoryDigest, "weekly")

	var calls atomic.Int32
	run := func(context.Context, Firing) error {
		if calls.Add(1) == 1 {
			return errors.New("send failed")
		}
		return nil
	}
	if _, err := s.Upsert(Job{Key: key, Trigger: mustRecurring(t, 9, 0, trigger.AllDays, time.UTC), Run: run}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	clk.Set(daily(day0, 0))
	s.fireDue(daily(day0, 0))
	eventually(t, "failure recorded", func() bool { return eng.Snapshot().Failed == 1 })

	info, err := s.Get(key)
	if err != nil {
		t.Fatalf("job removed after callback failure: %v", err)
	}
	if !info.Next.Equal(daily(day0, 1)) {
		t.Fatalf("next=%s, want %s", info.Next, daily(day0, 1))
	}

	clk.Set(daily(day0, 1))
	if got := s.fireDue(daily(day0, 1)); got != 1 {
		t.Fatalf("next occurrence fired %d", got)
	}
	eventually(t, "second call", func() bool { return calls.Load() == 2 })
	if f := eng.Snapshot().Failed; f != 1 {
		t.Fatalf("failed=%d, want 1", f)
	}
}

func TestRemoveDuringFiringLetsItFinish(t *testing.T) {
	t.Parallel()

	day0 := time.Date(2025, time.May, 5, 9, 0, 0, 0, time.UTC)
	s, _, clk := newEngineBacked(t, day0.Add(-time.Hour))
	key := UserKey(3, CategoryPing, "09:00")

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var finished atomic.Int32
	run := func(ctx context.Context, _ Firing) error {
		entered <- struct{}{}
		<-release
		if ctx.Err() == nil {
			finished.Add(1)
		}
		return nil
	}
	if _, err := s.Upsert(Job{Key: key, Trigger: mustRecurring(t, 9, 0, trigger.AllDays, time.UTC), Run: run}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	clk.Set(daily(day0, 0))
	s.fireDue(daily(day0, 0))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never started")
	}

	if !s.Remove(key) {
		t.Fatal("Remove reported missing job")
	}
	close(release)
	eventually(t, "in-flight firing finished", func() bool { return finished.Load() == 1 })

	for n := 1; n <= 2; n++ {
		clk.Set(daily(day0, n))
		if got := s.fireDue(daily(day0, n)); got != 0 {
			t.Fatalf("removed job fired on day %d", n)
		}
	}
	if finished.Load() != 1 {
		t.Fatalf("finished=%d after removal", finished.Load())
	}
}
