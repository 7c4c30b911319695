package trigger

import (
	"time"

	"github.com/teambition/rrule-go"
)

var rruleDays = map[time.Weekday]rrule.Weekday{
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
	time.Sunday:    rrule.SU,
}

// ROption converts a recurring rule to an RFC 5545 recurrence anchored at dtstart.
func (s Spec) ROption(dtstart time.Time) rrule.ROption {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	days := make([]rrule.Weekday, 0, 7)
	// RFC 5545 weeks start on Monday.
	for _, d := range []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday} {
		if s.Days.Has(d) {
			days = append(days, rruleDays[d])
		}
	}
	return rrule.ROption{
		Freq:      rrule.WEEKLY,
		Dtstart:   dtstart.In(loc),
		Byweekday: days,
		Byhour:    []int{s.Hour},
		Byminute:  []int{s.Minute},
		Bysecond:  []int{0},
	}
}

// Describe returns a human readable description used by the status surface:
// an RRULE with its TZID for recurring rules, the instant for one-shots.
func (s Spec) Describe() string {
	if s.Kind == KindOnce {
		return "ONCE " + s.At.UTC().Format(time.RFC3339)
	}
	opt := s.ROption(time.Time{})
	return "RRULE:" + opt.RRuleString() + " TZID=" + locName(s.Location)
}
