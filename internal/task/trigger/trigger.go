// Package trigger describes when a scheduled job is due: either a recurring
// hour/minute/weekday rule evaluated in a civil timezone, or a single instant.
package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Kind int

const (
	KindRecurring Kind = iota
	KindOnce
)

func (k Kind) String() string {
	switch k {
	case KindRecurring:
		return "recurring"
	case KindOnce:
		return "once"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Mask is a set of weekdays; bit i is time.Weekday(i).
type Mask uint8

const (
	AllDays  Mask = 0x7f
	Weekdays Mask = 1<<time.Monday | 1<<time.Tuesday | 1<<time.Wednesday | 1<<time.Thursday | 1<<time.Friday
)

func Only(d time.Weekday) Mask { return 1 << uint(d) }

func (m Mask) Has(d time.Weekday) bool { return m&(1<<uint(d)) != 0 }

// Days lists the weekdays in the mask, Sunday first.
func (m Mask) Days() []time.Weekday {
	out := make([]time.Weekday, 0, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		if m.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

func (m Mask) String() string {
	switch m & AllDays {
	case AllDays:
		return "Mon-Sun"
	case Weekdays:
		return "Mon-Fri"
	case 0:
		return "-"
	}
	parts := make([]string, 0, 7)
	for _, d := range m.Days() {
		parts = append(parts, d.String()[:3])
	}
	return strings.Join(parts, ",")
}

// cronParser matches the standard 5-field crontab format plus CRON_TZ prefixes.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Spec is a trigger specification. Build it with Recurring or Once.
type Spec struct {
	Kind     Kind
	Hour     int
	Minute   int
	Days     Mask
	Location *time.Location
	At       time.Time

	sched cron.Schedule
}

// Recurring builds a weekly rule firing at hour:minute on every day in days,
// evaluated against loc's civil calendar (DST aware).
func Recurring(hour, minute int, days Mask, loc *time.Location) (Spec, error) {
	if hour < 0 || hour > 23 {
		return Spec{}, fmt.Errorf("trigger: hour %d out of range", hour)
	}
	if minute < 0 || minute > 59 {
		return Spec{}, fmt.Errorf("trigger: minute %d out of range", minute)
	}
	if days&AllDays == 0 {
		return Spec{}, fmt.Errorf("trigger: empty weekday mask")
	}
	if loc == nil {
		loc = time.UTC
	}
	s := Spec{Kind: KindRecurring, Hour: hour, Minute: minute, Days: days & AllDays, Location: loc}
	sched, err := cronParser.Parse(s.CronExpr())
	if err != nil {
		return Spec{}, fmt.Errorf("trigger: %w", err)
	}
	s.sched = sched
	return s, nil
}

// Once builds a one-shot trigger.
func Once(at time.Time) Spec {
	return Spec{Kind: KindOnce, At: at}
}

// CronExpr renders the recurring rule as a CRON_TZ crontab line.
func (s Spec) CronExpr() string {
	if s.Kind != KindRecurring {
		return ""
	}
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	days := make([]string, 0, 7)
	for _, d := range s.Days.Days() {
		days = append(days, strconv.Itoa(int(d)))
	}
	return fmt.Sprintf("CRON_TZ=%s %d %d * * %s", loc.String(), s.Minute, s.Hour, strings.Join(days, ","))
}

// Next returns the first due instant strictly after after, or the zero time when
// the trigger will never fire again.
func (s Spec) Next(after time.Time) time.Time {
	switch s.Kind {
	case KindOnce:
		if s.At.After(after) {
			return s.At
		}
		return time.Time{}
	case KindRecurring:
		sched := s.sched
		if sched == nil {
			var err error
			sched, err = cronParser.Parse(s.CronExpr())
			if err != nil {
				return time.Time{}
			}
		}
		next := sched.Next(after)
		// A wall time that occurs twice on a fall-back day fires on its
		// first occurrence only.
		for !next.IsZero() && repeatsWallClock(next) {
			next = sched.Next(next)
		}
		if gap := s.skippedWallTime(after, next); !gap.IsZero() {
			return gap
		}
		return next
	default:
		return time.Time{}
	}
}

// repeatsWallClock reports whether the local wall time of t was already shown
// earlier because clocks were set back.
func repeatsWallClock(t time.Time) bool {
	_, off := t.Zone()
	_, prev := t.Add(-6 * time.Hour).Zone()
	if prev <= off {
		return false
	}
	earlier := t.Add(-time.Duration(prev-off) * time.Second)
	return earlier.Hour() == t.Hour() && earlier.Minute() == t.Minute() && earlier.YearDay() == t.YearDay()
}

// skippedWallTime finds an occurrence strictly between after and before whose
// wall time did not exist because clocks jumped forward. It is mapped to the
// same distance past the jump: 02:30 on a 02:00->03:00 day fires at 03:30.
// A zero before searches the following week.
func (s Spec) skippedWallTime(after, before time.Time) time.Time {
	loc := s.Location
	if loc == nil {
		return time.Time{}
	}
	a := after.In(loc)
	end := a.AddDate(0, 0, 8)
	if !before.IsZero() {
		end = before.In(loc)
	}
	for d := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, loc); !d.After(end); d = d.AddDate(0, 0, 1) {
		if !s.Days.Has(d.Weekday()) {
			continue
		}
		t, shifted := wallTime(d.Year(), d.Month(), d.Day(), s.Hour, s.Minute, loc)
		if shifted && t.After(after) && (before.IsZero() || t.Before(before)) {
			return t
		}
	}
	return time.Time{}
}

// wallTime returns h:m local on the given date. shifted is true when that
// wall time does not exist; the result then uses the offset in effect
// before the jump.
func wallTime(y int, mo time.Month, d, h, m int, loc *time.Location) (t time.Time, shifted bool) {
	t = time.Date(y, mo, d, h, m, 0, 0, loc)
	if t.Hour() == h && t.Minute() == m {
		return t, false
	}
	_, off := t.Add(-12 * time.Hour).Zone()
	wall := time.Date(y, mo, d, h, m, 0, 0, time.UTC)
	return wall.Add(-time.Duration(off) * time.Second).In(loc), true
}

// Equal compares the rule, ignoring compiled state.
func (s Spec) Equal(o Spec) bool {
	if s.Kind != o.Kind {
		return false
	}
	if s.Kind == KindOnce {
		return s.At.Equal(o.At)
	}
	return s.Hour == o.Hour && s.Minute == o.Minute && s.Days == o.Days && locName(s.Location) == locName(o.Location)
}

func (s Spec) String() string {
	if s.Kind == KindOnce {
		return "once@" + s.At.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%02d:%02d %s %s", s.Hour, s.Minute, s.Days, locName(s.Location))
}

func locName(loc *time.Location) string {
	if loc == nil {
		return "UTC"
	}
	return loc.String()
}
