package systemd

import (
	"context"
	"sync"
	"testing"
	"time"

	logx "moodping/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestDisabledIsNoop(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	n := New(false, logx.Nop())
	n.notify = rec.notify
	if n.Ready() || n.Stopping() {
		t.Fatalf("disabled notifier sent")
	}
	if err := n.RunWatchdog(context.Background(), nil); err != nil {
		t.Fatalf("RunWatchdog: %v", err)
	}
	if len(rec.states) != 0 {
		t.Fatalf("states=%v", rec.states)
	}
}

func TestReadyAndWatchdog(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	n := New(true, logx.Nop())
	n.notify = rec.notify
	n.watchdog = func(bool) (time.Duration, error) { return 20 * time.Millisecond, nil }

	if !n.Ready() {
		t.Fatalf("Ready not sent")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.RunWatchdog(ctx, func() bool { return true }) }()

	deadline := time.Now().Add(2 * time.Second)
	for rec.count("WATCHDOG=1") < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("watchdog pings=%d", rec.count("WATCHDOG=1"))
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("RunWatchdog: %v", err)
	}
	if rec.count("READY=1") != 1 {
		t.Fatalf("ready count=%d", rec.count("READY=1"))
	}
}

func TestWatchdogSkipsWhenUnhealthy(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	n := New(true, logx.Nop())
	n.notify = rec.notify
	n.watchdog = func(bool) (time.Duration, error) { return 10 * time.Millisecond, nil }

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if err := n.RunWatchdog(ctx, func() bool { return false }); err != nil {
		t.Fatalf("RunWatchdog: %v", err)
	}
	if c := rec.count("WATCHDOG=1"); c != 0 {
		t.Fatalf("pings=%d", c)
	}
}
