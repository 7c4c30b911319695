package trigger

import (
	"strings"
	"testing"
	"time"

	"github.com/teambition/rrule-go"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load tz %s: %v", name, err)
	}
	return loc
}

func TestRecurringNextSkipsWeekends(t *testing.T) {
	t.Parallel()

	msk := mustLoc(t, "Europe/Moscow")
	s, err := Recurring(9, 0, Weekdays, msk)
	if err != nil {
		t.Fatalf("Recurring: %v", err)
	}

	// Friday 2025-05-09 10:00 MSK -> next is Monday 2025-05-12 09:00 MSK.
	after := time.Date(2025, time.May, 9, 10, 0, 0, 0, msk)
	got := s.Next(after)
	want := time.Date(2025, time.May, 12, 9, 0, 0, 0, msk)
	if !got.Equal(want) {
		t.Fatalf("next=%s want %s", got, want)
	}
}

func TestRecurringNextAcrossDST(t *testing.T) {
	t.Parallel()

	berlin := mustLoc(t, "Europe/Berlin")
	s, err := Recurring(9, 0, AllDays, berlin)
	if err != nil {
		t.Fatalf("Recurring: %v", err)
	}

	// Clocks move forward on 2025-03-30 at 02:00 local.
	before := s.Next(time.Date(2025, time.March, 29, 0, 0, 0, 0, time.UTC))
	on := s.Next(before)

	if got := before.UTC(); !got.Equal(time.Date(2025, time.March, 29, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("day before DST fired at %s UTC", got)
	}
	if got := on.UTC(); !got.Equal(time.Date(2025, time.March, 30, 7, 0, 0, 0, time.UTC)) {
		t.Fatalf("DST day fired at %s UTC, want 07:00", got)
	}
	if h := on.In(berlin).Hour(); h != 9 {
		t.Fatalf("local hour=%d want 9", h)
	}
}

func TestRecurringNextFallBackFiresOnce(t *testing.T) {
	t.Parallel()

	ny := mustLoc(t, "America/New_York")
	s, err := Recurring(1, 30, AllDays, ny)
	if err != nil {
		t.Fatalf("Recurring: %v", err)
	}

	// 2025-11-02: 01:00-02:00 local happens twice (EDT, then EST).
	first := s.Next(time.Date(2025, time.November, 2, 0, 0, 0, 0, ny))
	if want := time.Date(2025, time.November, 2, 5, 30, 0, 0, time.UTC); !first.Equal(want) {
		t.Fatalf("first=%s want %s (01:30 EDT)", first.UTC(), want)
	}
	second := s.Next(first)
	if want := time.Date(2025, time.November, 3, 6, 30, 0, 0, time.UTC); !second.Equal(want) {
		t.Fatalf("after fall-back next=%s want %s (next day 01:30 EST)", second.UTC(), want)
	}
}

func TestRecurringNextSpringForwardGap(t *testing.T) {
	t.Parallel()

	ny := mustLoc(t, "America/New_York")
	s, err := Recurring(2, 30, AllDays, ny)
	if err != nil {
		t.Fatalf("Recurring: %v", err)
	}

	// 2025-03-09: 02:00-03:00 local does not exist.
	got := s.Next(time.Date(2025, time.March, 9, 0, 0, 0, 0, ny))
	want := time.Date(2025, time.March, 9, 7, 30, 0, 0, time.UTC) // 03:30 EDT
	if !got.Equal(want) {
		t.Fatalf("gap day next=%s want %s", got.UTC(), want)
	}
	if h, m := got.In(ny).Hour(), got.In(ny).Minute(); h != 3 || m != 30 {
		t.Fatalf("local=%02d:%02d want 03:30", h, m)
	}

	after := s.Next(got)
	if want := time.Date(2025, time.March, 10, 6, 30, 0, 0, time.UTC); !after.Equal(want) {
		t.Fatalf("day after gap next=%s want %s", after.UTC(), want)
	}
}

func TestRecurringNextGapOnExcludedDay(t *testing.T) {
	t.Parallel()

	ny := mustLoc(t, "America/New_York")
	// 2025-03-09 is a Sunday; a weekday rule must not pick up the gap.
	s, _ := Recurring(2, 30, Weekdays, ny)
	got := s.Next(time.Date(2025, time.March, 8, 12, 0, 0, 0, ny))
	if want := time.Date(2025, time.March, 10, 2, 30, 0, 0, ny); !got.Equal(want) {
		t.Fatalf("next=%s want %s", got, want)
	}
}

func TestOnceNext(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, time.May, 6, 9, 15, 0, 0, time.UTC)
	s := Once(at)
	if got := s.Next(at.Add(-time.Minute)); !got.Equal(at) {
		t.Fatalf("next=%s", got)
	}
	if got := s.Next(at); !got.IsZero() {
		t.Fatalf("exhausted once trigger returned %s", got)
	}
}

func TestRecurringValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name         string
		hour, minute int
		days         Mask
	}{
		{"hour", 24, 0, AllDays},
		{"minute", 9, 60, AllDays},
		{"negative", -1, 0, AllDays},
		{"no days", 9, 0, 0},
	}
	for _, tc := range cases {
		if _, err := Recurring(tc.hour, tc.minute, tc.days, time.UTC); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestEqualIgnoresCompiledState(t *testing.T) {
	t.Parallel()

	msk := mustLoc(t, "Europe/Moscow")
	a, _ := Recurring(21, 0, Weekdays, msk)
	b := Spec{Kind: KindRecurring, Hour: 21, Minute: 0, Days: Weekdays, Location: msk}
	if !a.Equal(b) {
		t.Fatalf("specs should be equal")
	}
	if !b.Next(time.Date(2025, 5, 5, 0, 0, 0, 0, msk)).Equal(a.Next(time.Date(2025, 5, 5, 0, 0, 0, 0, msk))) {
		t.Fatalf("lazy compile disagrees")
	}
	c, _ := Recurring(21, 0, AllDays, msk)
	if a.Equal(c) {
		t.Fatalf("different masks compare equal")
	}
}

func TestMask(t *testing.T) {
	t.Parallel()

	if Weekdays.Has(time.Saturday) || !Weekdays.Has(time.Monday) {
		t.Fatalf("weekday mask wrong")
	}
	if len(AllDays.Days()) != 7 || len(Weekdays.Days()) != 5 {
		t.Fatalf("day counts wrong")
	}
	if got := Only(time.Sunday); got.String() != "Sun" {
		t.Fatalf("Only(Sunday)=%s", got)
	}
	if Weekdays.String() != "Mon-Fri" || AllDays.String() != "Mon-Sun" {
		t.Fatalf("names: %s %s", Weekdays, AllDays)
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	s, _ := Recurring(9, 30, Weekdays, mustLoc(t, "Europe/Moscow"))
	d := s.Describe()
	for _, want := range []string{"FREQ=WEEKLY", "BYHOUR=9", "BYMINUTE=30", "TZID=Europe/Moscow"} {
		if !strings.Contains(d, want) {
			t.Fatalf("describe %q missing %q", d, want)
		}
	}
	if strings.Contains(d, "SA") || strings.Contains(d, "SU") {
		t.Fatalf("weekend days in weekday rule: %q", d)
	}
}

// The cron-based evaluation must agree with an independent RFC 5545 expansion.
func TestNextMatchesRRule(t *testing.T) {
	t.Parallel()

	loc := mustLoc(t, "America/New_York")
	s, _ := Recurring(7, 45, Weekdays, loc)
	start := time.Date(2025, time.June, 1, 0, 0, 0, 0, loc)

	r, err := rrule.NewRRule(s.ROption(start))
	if err != nil {
		t.Fatalf("rrule: %v", err)
	}
	want := r.Between(start, start.AddDate(0, 0, 14), false)
	if len(want) != 10 {
		t.Fatalf("rrule produced %d occurrences", len(want))
	}

	cur := start
	for i, w := range want {
		cur = s.Next(cur)
		if !cur.Equal(w) {
			t.Fatalf("occurrence %d: cron=%s rrule=%s", i, cur, w)
		}
	}
}
