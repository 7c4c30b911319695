package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"moodping/internal/reconcile"
	"moodping/internal/storage"
	"moodping/internal/task/engine"
	"moodping/internal/task/scheduler"
	logx "moodping/pkg/logx"
)

type nopExec struct{}

func (nopExec) Enqueue(engine.Task) error { return nil }

type fakePurger struct {
	calls int
	ret   time.Duration
	err   error
}

func (f *fakePurger) PurgeExpired(_ context.Context, _ time.Time, flagRetention time.Duration) (storage.PurgeStats, error) {
	f.calls++
	f.ret = flagRetention
	return storage.PurgeStats{Deliveries: 2, Flags: 5}, f.err
}

type fakeSweeper struct{ calls int }

func (f *fakeSweeper) ReconcileAll(context.Context) (reconcile.Summary, error) {
	f.calls++
	return reconcile.Summary{}, nil
}

func TestRegisterFixedUTCInstants(t *testing.T) {
	t.Parallel()

	// Wednesday.
	now := time.Date(2025, time.May, 7, 10, 0, 0, 0, time.UTC)
	reg := scheduler.New(scheduler.Config{}, nopExec{}, logx.Nop(), nil, scheduler.WithClock(func() time.Time { return now }))
	jobs := New(Config{}, &fakePurger{}, &fakeSweeper{}, logx.Nop())

	if err := jobs.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := jobs.Register(reg); err != nil {
		t.Fatalf("second Register: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("Len=%d", reg.Len())
	}

	cases := []struct {
		disc string
		want time.Time
	}{
		{RetentionKey, time.Date(2025, time.May, 8, 3, 0, 0, 0, time.UTC)},
		{SweepKey, time.Date(2025, time.May, 11, 4, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		info, err := reg.Get(scheduler.SystemKey(scheduler.CategoryMaintenance, tc.disc))
		if err != nil {
			t.Fatalf("Get %s: %v", tc.disc, err)
		}
		if !info.Next.Equal(tc.want) {
			t.Fatalf("%s next=%s want %s", tc.disc, info.Next, tc.want)
		}
	}
}

func TestRegisterRejectsBadConfig(t *testing.T) {
	t.Parallel()

	reg := scheduler.New(scheduler.Config{}, nopExec{}, logx.Nop(), nil)
	jobs := New(Config{SweepWeekday: 8}, nil, nil, logx.Nop())
	if err := jobs.Register(reg); err == nil {
		t.Fatalf("expected error for weekday 8")
	}
	if reg.Len() != 0 {
		t.Fatalf("partial registration: %d", reg.Len())
	}
}

func TestCallbacks(t *testing.T) {
	t.Parallel()

	p := &fakePurger{}
	s := &fakeSweeper{}
	jobs := New(Config{FlagRetention: 48 * time.Hour}, p, s, logx.Nop())

	if err := jobs.Retention(context.Background(), scheduler.Firing{}); err != nil {
		t.Fatalf("Retention: %v", err)
	}
	if p.calls != 1 || p.ret != 48*time.Hour {
		t.Fatalf("purger calls=%d retention=%s", p.calls, p.ret)
	}
	if err := jobs.Sweep(context.Background(), scheduler.Firing{}); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if s.calls != 1 {
		t.Fatalf("sweep calls=%d", s.calls)
	}

	p.err = errors.New("disk full")
	if err := jobs.Retention(context.Background(), scheduler.Firing{}); !errors.Is(err, p.err) {
		t.Fatalf("err=%v", err)
	}
}
