package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"moodping/internal/schedule"
	"moodping/internal/task/engine"
	"moodping/internal/task/trigger"
	logx "moodping/pkg/logx"
)

type fakeExec struct {
	mu    sync.Mutex
	tasks []engine.Task
	fires []Firing
	err   error
}

func (f *fakeExec) Enqueue(t engine.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, t)
	return t.Run(context.Background())
}

func (f *fakeExec) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t.Key)
	}
	return out
}

func (f *fakeExec) record(_ context.Context, fr Firing) error {
	// Called from Enqueue with f.mu held.
	f.fires = append(f.fires, fr)
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newTestService(t *testing.T, start time.Time) (*Service, *fakeExec, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: start}
	ex := &fakeExec{}
	s := New(Config{Grace: 5 * time.Minute}, ex, logx.Nop(), nil, WithClock(clk.Now))
	return s, ex, clk
}

func mustRecurring(t *testing.T, h, m int, mask trigger.Mask, loc *time.Location) trigger.Spec {
	t.Helper()
	spec, err := trigger.Recurring(h, m, mask, loc)
	if err != nil {
		t.Fatalf("Recurring: %v", err)
	}
	return spec
}

func TestUpsertReplacesWithoutDuplicateFires(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, time.May, 5, 0, 0, 0, 0, time.UTC)
	s, ex, clk := newTestService(t, start)
	key := UserKey(1, CategoryDigest, "weekly")

	if ch, err := s.Upsert(Job{Key: key, Trigger: mustRecurring(t, 9, 0, trigger.AllDays, time.UTC), Run: ex.record}); err != nil || ch != Added {
		t.Fatalf("first upsert: %v %v", ch, err)
	}
	if ch, err := s.Upsert(Job{Key: key, Trigger: mustRecurring(t, 10, 0, trigger.AllDays, time.UTC), Run: ex.record}); err != nil || ch != Replaced {
		t.Fatalf("second upsert: %v %v", ch, err)
	}
	if s.Len() != 1 {
		t.Fatalf("registry has %d entries", s.Len())
	}

	for now := start; now.Before(start.Add(48 * time.Hour)); now = now.Add(time.Minute) {
		clk.Set(now)
		s.fireDue(now)
	}

	if len(ex.fires) != 2 {
		t.Fatalf("fired %d times over 48h, want 2", len(ex.fires))
	}
	for _, f := range ex.fires {
		if f.Scheduled.Hour() != 10 || f.Scheduled.Minute() != 0 {
			t.Fatalf("old trigger still active: fired at %s", f.Scheduled)
		}
	}
}

func TestUpsertSameTriggerIsUnchanged(t *testing.T) {
	t.Parallel()

	s, ex, _ := newTestService(t, time.Date(2025, 5, 5, 0, 0, 0, 0, time.UTC))
	job := Job{Key: UserKey(3, CategoryPing, "09:00"), Trigger: mustRecurring(t, 9, 0, trigger.Weekdays, time.UTC), Run: ex.record}
	if ch, _ := s.Upsert(job); ch != Added {
		t.Fatalf("want Added, got %s", ch)
	}
	before, _ := s.Get(job.Key)
	if ch, _ := s.Upsert(job); ch != Unchanged {
		t.Fatalf("want Unchanged, got %s", ch)
	}
	after, _ := s.Get(job.Key)
	if !before.Next.Equal(after.Next) {
		t.Fatalf("next moved: %s -> %s", before.Next, after.Next)
	}
}

func TestReplaceAfterFiringDoesNotRefire(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, time.May, 5, 9, 0, 0, 0, time.UTC)
	s, ex, clk := newTestService(t, at.Add(-time.Hour))
	key := UserKey(4, CategoryDigest, "weekly")
	_, _ = s.Upsert(Job{Key: key, Trigger: mustRecurring(t, 9, 0, trigger.AllDays, time.UTC), Run: ex.record})

	clk.Set(at)
	if n := s.fireDue(at); n != 1 {
		t.Fatalf("fired %d", n)
	}

	// Same slot, new grace: the 09:00 occurrence already fired.
	clk.Set(at.Add(time.Minute))
	_, _ = s.Upsert(Job{Key: key, Trigger: mustRecurring(t, 9, 0, trigger.AllDays, time.UTC), Run: ex.record, Grace: 10 * time.Minute})
	if n := s.fireDue(at.Add(time.Minute)); n != 0 {
		t.Fatalf("replacement refired the 09:00 slot")
	}
}

func TestMisfireGraceOnRestart(t *testing.T) {
	t.Parallel()

	due := time.Date(2025, time.May, 6, 9, 0, 0, 0, time.UTC)
	spec := mustRecurring(t, 9, 0, trigger.AllDays, time.UTC)

	cases := []struct {
		name    string
		restart time.Time
		fires   int
	}{
		{"within grace", due.Add(3 * time.Minute), 1},
		{"at grace edge", due.Add(5 * time.Minute), 1},
		{"beyond grace", due.Add(6 * time.Minute), 0},
		{"hours later", due.Add(3 * time.Hour), 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// A fresh registry models the process coming back at tc.restart.
			s, ex, _ := newTestService(t, tc.restart)
			_, _ = s.Upsert(Job{Key: UserKey(5, CategoryPing, "09:00"), Trigger: spec, Run: ex.record, CatchUp: true})

			s.fireDue(tc.restart)
			s.fireDue(tc.restart.Add(time.Second))
			s.fireDue(tc.restart.Add(time.Minute))
			if len(ex.fires) != tc.fires {
				t.Fatalf("fired %d, want %d", len(ex.fires), tc.fires)
			}
		})
	}
}

func TestNewJobWithoutCatchUpSkipsPassedSlot(t *testing.T) {
	t.Parallel()

	// A user saving 09:00 at 09:02 gets tomorrow's ping, not one right now.
	now := time.Date(2025, time.May, 6, 9, 2, 0, 0, time.UTC)
	s, ex, _ := newTestService(t, now)
	key := UserKey(5, CategoryPing, "09:00")
	if _, err := s.Upsert(Job{Key: key, Trigger: mustRecurring(t, 9, 0, trigger.AllDays, time.UTC), Run: ex.record}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if n := s.fireDue(now); n != 0 || len(ex.fires) != 0 {
		t.Fatalf("fired %d for a slot that passed before the job existed", n)
	}
	info, _ := s.Get(key)
	if want := time.Date(2025, time.May, 7, 9, 0, 0, 0, time.UTC); !info.Next.Equal(want) {
		t.Fatalf("next=%s, want %s", info.Next, want)
	}
}

func TestDSTTransitionsFireOncePerDay(t *testing.T) {
	t.Parallel()

	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata: %v", err)
	}
	cases := []struct {
		name string
		day  time.Time
		h, m int
		want time.Time
	}{
		// 01:30 happens twice; only the first (EDT) occurrence fires.
		{"fall back", time.Date(2025, time.November, 2, 0, 0, 0, 0, ny), 1, 30, time.Date(2025, time.November, 2, 5, 30, 0, 0, time.UTC)},
		// 02:30 does not exist; it fires at 03:30 EDT instead of being lost.
		{"spring forward", time.Date(2025, time.March, 9, 0, 0, 0, 0, ny), 2, 30, time.Date(2025, time.March, 9, 7, 30, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s, ex, clk := newTestService(t, tc.day)
			disc := fmt.Sprintf("%02d:%02d", tc.h, tc.m)
			if _, err := s.Upsert(Job{Key: UserKey(9, CategoryPing, disc), Trigger: mustRecurring(t, tc.h, tc.m, trigger.AllDays, ny), Run: ex.record}); err != nil {
				t.Fatalf("Upsert: %v", err)
			}

			end := time.Date(tc.day.Year(), tc.day.Month(), tc.day.Day()+1, 0, 0, 0, 0, ny)
			for now := tc.day; now.Before(end); now = now.Add(time.Minute) {
				clk.Set(now)
				s.fireDue(now)
			}
			if len(ex.fires) != 1 {
				t.Fatalf("fired %d times, want 1: %v", len(ex.fires), ex.fires)
			}
			if got := ex.fires[0].Scheduled; !got.Equal(tc.want) {
				t.Fatalf("scheduled=%s, want %s", got.UTC(), tc.want)
			}
		})
	}
}

func TestMisfireWhileRunning(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, time.May, 6, 8, 0, 0, 0, time.UTC)
	s, ex, _ := newTestService(t, start)
	key := UserKey(6, CategoryPing, "09:00")
	_, _ = s.Upsert(Job{Key: key, Trigger: mustRecurring(t, 9, 0, trigger.AllDays, time.UTC), Run: ex.record})

	// The loop stalled from 08:00 until 09:20.
	if n := s.fireDue(start.Add(80 * time.Minute)); n != 0 {
		t.Fatalf("fired %d beyond grace", n)
	}
	info, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := time.Date(2025, time.May, 7, 9, 0, 0, 0, time.UTC)
	if !info.Next.Equal(want) {
		t.Fatalf("next=%s want %s", info.Next, want)
	}
}

func TestMoscowWeekdayScenario(t *testing.T) {
	t.Parallel()

	msk, err := time.LoadLocation("Europe/Moscow")
	if err != nil {
		t.Fatalf("tz: %v", err)
	}
	rules, err := schedule.ResolvePings("Europe/Moscow", []string{"09:00", "21:00"}, false)
	if err != nil {
		t.Fatalf("ResolvePings: %v", err)
	}

	register := func(s *Service, ex *fakeExec) {
		for _, r := range rules {
			if _, err := s.Upsert(Job{Key: UserKey(42, CategoryPing, r.Local), Trigger: r.Trigger, Run: ex.record}); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
		}
	}

	// Saturday 2025-05-10.
	sat := time.Date(2025, time.May, 10, 8, 59, 0, 0, msk)
	s, ex, _ := newTestService(t, sat)
	register(s, ex)
	if s.Len() != 2 {
		t.Fatalf("want 2 jobs, got %d", s.Len())
	}
	for _, j := range s.List() {
		if j.Trigger.Days != trigger.Weekdays {
			t.Fatalf("%s mask=%s", j.Key, j.Trigger.Days)
		}
	}
	if n := s.fireDue(sat.Add(time.Minute)); n != 0 {
		t.Fatalf("saturday fired %d jobs", n)
	}

	// Tuesday 2025-05-13.
	tue := time.Date(2025, time.May, 13, 8, 59, 0, 0, msk)
	s, ex, _ = newTestService(t, tue)
	register(s, ex)
	s.fireDue(tue.Add(time.Minute))
	s.fireDue(tue.Add(2 * time.Minute))
	keys := ex.keys()
	if len(keys) != 1 || keys[0] != "u42/ping/09:00" {
		t.Fatalf("tuesday fired %v", keys)
	}
}

func TestOnceJobRemovedAfterFiring(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, time.May, 6, 12, 0, 0, 0, time.UTC)
	s, ex, _ := newTestService(t, now)
	key := UserKey(7, CategoryPostpone, "a")
	if _, err := s.Upsert(Job{Key: key, Trigger: trigger.Once(now.Add(15 * time.Minute)), Run: ex.record}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if n := s.fireDue(now.Add(14 * time.Minute)); n != 0 {
		t.Fatalf("fired early")
	}
	if n := s.fireDue(now.Add(15 * time.Minute)); n != 1 {
		t.Fatalf("fired %d", n)
	}
	if _, err := s.Get(key); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("one-shot still registered: %v", err)
	}
	if n := s.fireDue(now.Add(time.Hour)); n != 0 {
		t.Fatalf("one-shot refired")
	}
}

func TestRemoveAndRemoveMatching(t *testing.T) {
	t.Parallel()

	s, ex, _ := newTestService(t, time.Date(2025, 5, 6, 0, 0, 0, 0, time.UTC))
	spec := mustRecurring(t, 9, 0, trigger.AllDays, time.UTC)
	for _, k := range []JobKey{
		UserKey(1, CategoryPing, "09:00"),
		UserKey(1, CategoryDigest, "weekly"),
		UserKey(11, CategoryPing, "09:00"),
		SystemKey(CategoryMaintenance, "retention"),
	} {
		if _, err := s.Upsert(Job{Key: k, Trigger: spec, Run: ex.record}); err != nil {
			t.Fatalf("Upsert %s: %v", k, err)
		}
	}

	// User 1 must not match user 11.
	if n := s.RemoveMatching(OfUser(1)); n != 2 {
		t.Fatalf("removed %d", n)
	}
	if s.Remove(UserKey(1, CategoryPing, "09:00")) {
		t.Fatalf("removing an absent key reported true")
	}
	if _, err := s.Get(UserKey(11, CategoryPing, "09:00")); err != nil {
		t.Fatalf("user 11 job lost: %v", err)
	}
	if !s.Remove(SystemKey(CategoryMaintenance, "retention")) {
		t.Fatalf("remove system job")
	}
	if s.Len() != 1 {
		t.Fatalf("len=%d", s.Len())
	}
	if n := s.fireDue(time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC)); n != 1 {
		t.Fatalf("heap out of sync with registry: fired %d", n)
	}
}

func TestUpsertValidation(t *testing.T) {
	t.Parallel()

	s, ex, _ := newTestService(t, time.Date(2025, 5, 6, 0, 0, 0, 0, time.UTC))
	spec := mustRecurring(t, 9, 0, trigger.AllDays, time.UTC)
	bad := []Job{
		{Key: UserKey(1, "", "x"), Trigger: spec, Run: ex.record},
		{Key: UserKey(1, CategoryPing, ""), Trigger: spec, Run: ex.record},
		{Key: UserKey(1, CategoryPing, "09:00"), Trigger: spec},
		{Key: UserKey(1, CategoryPostpone, "x"), Trigger: trigger.Once(time.Time{}), Run: ex.record},
		{Key: UserKey(1, CategoryPostpone, "y"), Trigger: trigger.Once(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)), Run: ex.record},
	}
	for i, j := range bad {
		if _, err := s.Upsert(j); !errors.Is(err, ErrInvalidJob) {
			t.Fatalf("case %d: want ErrInvalidJob, got %v", i, err)
		}
	}
	if s.Len() != 0 {
		t.Fatalf("invalid jobs registered")
	}
}

func TestEnqueueFailureKeepsJob(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, time.May, 6, 8, 59, 0, 0, time.UTC)
	s, ex, _ := newTestService(t, now)
	ex.err = engine.ErrInFlightCap
	key := UserKey(8, CategoryPing, "09:00")
	_, _ = s.Upsert(Job{Key: key, Trigger: mustRecurring(t, 9, 0, trigger.AllDays, time.UTC), Run: ex.record})

	s.fireDue(now.Add(time.Minute))
	info, err := s.Get(key)
	if err != nil {
		t.Fatalf("job unscheduled after rejected firing: %v", err)
	}
	if info.Next.Day() != 7 {
		t.Fatalf("next=%s", info.Next)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	s, ex, _ := newTestService(t, time.Date(2025, 5, 6, 0, 0, 0, 0, time.UTC))
	_, _ = s.Upsert(Job{Key: UserKey(1, CategoryPing, "21:00"), Trigger: mustRecurring(t, 21, 0, trigger.AllDays, time.UTC), Run: ex.record})
	_, _ = s.Upsert(Job{Key: UserKey(1, CategoryPing, "09:00"), Trigger: mustRecurring(t, 9, 0, trigger.AllDays, time.UTC), Run: ex.record})

	st := s.Status()
	if st.Running {
		t.Fatalf("not started but running")
	}
	if st.TotalJobs != 2 || len(st.Upcoming) != 2 {
		t.Fatalf("status=%+v", st)
	}
	if st.Upcoming[0].ID != "u1/ping/09:00" {
		t.Fatalf("upcoming not ordered: %+v", st.Upcoming)
	}
	if !strings.Contains(st.Upcoming[0].TriggerDescription, "FREQ=WEEKLY") {
		t.Fatalf("description=%q", st.Upcoming[0].TriggerDescription)
	}
}

func TestLoopWakesOnUpsert(t *testing.T) {
	t.Parallel()

	fired := make(chan Firing, 1)
	ex := &fakeExec{}
	s := New(Config{MaxSleep: time.Hour}, ex, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	_, err := s.Upsert(Job{
		Key:     UserKey(9, CategoryPostpone, "soon"),
		Trigger: trigger.Once(time.Now().Add(50 * time.Millisecond)),
		Run: func(_ context.Context, f Firing) error {
			fired <- f
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	select {
	case f := <-fired:
		if f.Key.Category != CategoryPostpone {
			t.Fatalf("firing=%+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not wake for the new job")
	}
	if !s.Running() {
		t.Fatalf("Running()=false")
	}
}

func TestJobKey(t *testing.T) {
	t.Parallel()

	k := UserKey(12, CategoryPing, "09:00")
	if k.String() != "u12/ping/09:00" {
		t.Fatalf("key=%s", k)
	}
	if !k.BelongsTo(12) || k.BelongsTo(1) || k.BelongsTo(0) {
		t.Fatalf("BelongsTo wrong")
	}
	if got := SystemKey(CategoryMaintenance, "sweep").String(); got != "sys/maintenance/sweep" {
		t.Fatalf("system key=%s", got)
	}
	if OfUser(12, CategoryDigest)(k) {
		t.Fatalf("category filter ignored")
	}
}
