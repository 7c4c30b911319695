package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"moodping/internal/eventbus"
	logx "moodping/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
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

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 2}, nil)
	var ran atomic.Int32
	if err := s.Enqueue(Task{Key: "u1/ping/09:00", Run: func(context.Context) error {
		ran.Add(1)
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "task run", func() bool { return ran.Load() == 1 })
	waitFor(t, "gate release", func() bool { return s.InFlight("u1/ping/09:00") == 0 })
}

func TestInFlightCapRejectsFourth(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 8, MaxInFlight: 3}, nil)
	release := make(chan struct{})
	var started atomic.Int32
	block := func(context.Context) error {
		started.Add(1)
		<-release
		return nil
	}

	for i := 0; i < 3; i++ {
		if err := s.Enqueue(Task{Key: "u7/ping/13:00", Run: block}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	waitFor(t, "three running", func() bool { return started.Load() == 3 })

	if err := s.Enqueue(Task{Key: "u7/ping/13:00", Run: block}); !errors.Is(err, ErrInFlightCap) {
		t.Fatalf("4th enqueue: want ErrInFlightCap, got %v", err)
	}
	// Other job ids are unaffected.
	if err := s.Enqueue(Task{Key: "u8/ping/13:00", Run: block}); err != nil {
		t.Fatalf("other key: %v", err)
	}

	close(release)
	waitFor(t, "drain", func() bool { return s.InFlight("u7/ping/13:00") == 0 })
	if err := s.Enqueue(Task{Key: "u7/ping/13:00", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("enqueue after drain: %v", err)
	}
	if got := s.Snapshot().DroppedInFlight; got != 1 {
		t.Fatalf("dropped_in_flight=%d", got)
	}
}

func TestFailuresBecomeCallbackErrors(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := startEngine(t, Config{Workers: 1}, bus)
	boom := errors.New("telegram down")
	_ = s.Enqueue(Task{Key: "u1/ping/09:00", Run: func(context.Context) error { return boom }})
	_ = s.Enqueue(Task{Key: "u1/digest/weekly", Run: func(context.Context) error { panic("nil map") }})

	var failed []TaskEvent
	deadline := time.After(2 * time.Second)
	for len(failed) < 2 {
		select {
		case ev := <-events:
			if ev.Type == "task.failed" {
				failed = append(failed, ev.Data.(TaskEvent))
			}
		case <-deadline:
			t.Fatalf("got %d task.failed events", len(failed))
		}
	}
	if failed[0].Key != "u1/ping/09:00" || failed[0].Panic {
		t.Fatalf("first failure: %+v", failed[0])
	}
	if failed[1].Key != "u1/digest/weekly" || !failed[1].Panic {
		t.Fatalf("second failure: %+v", failed[1])
	}

	// The worker survived the panic.
	var ran atomic.Bool
	_ = s.Enqueue(Task{Key: "u2/ping/09:00", Run: func(context.Context) error { ran.Store(true); return nil }})
	waitFor(t, "worker alive", ran.Load)
	if s.Snapshot().Failed != 2 {
		t.Fatalf("failed=%d", s.Snapshot().Failed)
	}
}

func TestCallbackErrorUnwrap(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	err := error(&CallbackError{Job: "u1/ping/09:00", Err: boom})
	if !errors.Is(err, boom) {
		t.Fatalf("unwrap lost cause")
	}
	var ce *CallbackError
	if !errors.As(err, &ce) || ce.Job != "u1/ping/09:00" {
		t.Fatalf("errors.As failed")
	}
}

func TestEnqueueWhenStopped(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Key: "k", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("want ErrStopped, got %v", err)
	}
	if err := s.Enqueue(Task{Key: "k"}); err == nil {
		t.Fatalf("nil Run accepted")
	}
}

func TestQueueFullReleasesGate(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, QueueSize: 1, MaxInFlight: 10}, nil)
	release := make(chan struct{})
	defer close(release)
	var started atomic.Int32
	block := func(context.Context) error { started.Add(1); <-release; return nil }

	_ = s.Enqueue(Task{Key: "a", Run: block})
	waitFor(t, "worker busy", func() bool { return started.Load() == 1 })
	if err := s.Enqueue(Task{Key: "b", Run: block}); err != nil {
		t.Fatalf("queue slot: %v", err)
	}
	if err := s.Enqueue(Task{Key: "c", Run: block}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("want ErrQueueFull, got %v", err)
	}
	if s.InFlight("c") != 0 {
		t.Fatalf("gate leaked for rejected task")
	}
}
