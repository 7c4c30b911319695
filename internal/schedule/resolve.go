// Package schedule turns user-local time preferences into trigger specs.
//
// Everything here is pure: no registry or storage access. A resolve call
// either returns the full rule set or an error, never a partial result.
package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"moodping/internal/task/trigger"
)

// PingRule is one resolved daily ping: the canonical local time and its trigger.
type PingRule struct {
	Local   string
	Trigger trigger.Spec
}

// ParseHHMM accepts "H:MM" and "HH:MM" in 24h form.
func ParseHHMM(s string) (int, int, error) {
	s = strings.TrimSpace(s)
	h, m, ok := strings.Cut(s, ":")
	if !ok || len(h) < 1 || len(h) > 2 || len(m) != 2 {
		return 0, 0, invalid("time", s, "expected HH:MM")
	}
	hh, err := strconv.Atoi(h)
	if err != nil || h[0] == '+' || h[0] == '-' {
		return 0, 0, invalid("time", s, "hour is not a number")
	}
	mm, err := strconv.Atoi(m)
	if err != nil || m[0] == '+' || m[0] == '-' {
		return 0, 0, invalid("time", s, "minute is not a number")
	}
	if hh < 0 || hh > 23 {
		return 0, 0, invalid("time", s, "hour out of range 0-23")
	}
	if mm < 0 || mm > 59 {
		return 0, 0, invalid("time", s, "minute out of range 0-59")
	}
	return hh, mm, nil
}

// FormatHHMM is the canonical form used in job keys and stored preferences.
func FormatHHMM(h, m int) string {
	return fmt.Sprintf("%02d:%02d", h, m)
}

// NormalizeTimes canonicalizes, de-duplicates and sorts a list of local times.
func NormalizeTimes(times []string) ([]string, error) {
	seen := make(map[string]struct{}, len(times))
	out := make([]string, 0, len(times))
	for _, raw := range times {
		h, m, err := ParseHHMM(raw)
		if err != nil {
			return nil, err
		}
		c := FormatHHMM(h, m)
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// LoadZone resolves an IANA zone name. Empty and unknown names are rejected
// instead of falling back to UTC.
func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("timezone", name, "empty")
	}
	if strings.EqualFold(name, "local") {
		return nil, invalid("timezone", name, "server local time is not allowed")
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, invalid("timezone", name, "unknown zone")
	}
	return loc, nil
}

// ValidWeekday reports whether d is 0 (Sunday) .. 6 (Saturday).
func ValidWeekday(d int) bool { return d >= 0 && d <= 6 }

// WeekdayMask returns Mon..Sun when weekends are included, Mon..Fri otherwise.
func WeekdayMask(includeWeekends bool) trigger.Mask {
	if includeWeekends {
		return trigger.AllDays
	}
	return trigger.Weekdays
}

// ResolvePings produces one recurring rule per distinct local time.
func ResolvePings(tz string, times []string, includeWeekends bool) ([]PingRule, error) {
	loc, err := LoadZone(tz)
	if err != nil {
		return nil, err
	}
	norm, err := NormalizeTimes(times)
	if err != nil {
		return nil, err
	}
	mask := WeekdayMask(includeWeekends)
	out := make([]PingRule, 0, len(norm))
	for _, t := range norm {
		h, m, _ := ParseHHMM(t)
		spec, err := trigger.Recurring(h, m, mask, loc)
		if err != nil {
			return nil, invalid("time", t, err.Error())
		}
		out = append(out, PingRule{Local: t, Trigger: spec})
	}
	return out, nil
}

// ResolveDigest is the single-weekday variant used for the weekly digest.
func ResolveDigest(tz, at string, weekday int) (trigger.Spec, error) {
	loc, err := LoadZone(tz)
	if err != nil {
		return trigger.Spec{}, err
	}
	return ResolveWeekly(loc, at, weekday)
}

// ResolveDaily builds an every-day rule at a fixed local time in loc.
func ResolveDaily(loc *time.Location, at string) (trigger.Spec, error) {
	h, m, err := ParseHHMM(at)
	if err != nil {
		return trigger.Spec{}, err
	}
	return trigger.Recurring(h, m, trigger.AllDays, loc)
}

// ResolveWeekly builds a rule for one weekday at a fixed local time in loc.
func ResolveWeekly(loc *time.Location, at string, weekday int) (trigger.Spec, error) {
	if !ValidWeekday(weekday) {
		return trigger.Spec{}, invalid("weekday", strconv.Itoa(weekday), "expected 0 (Sunday) to 6 (Saturday)")
	}
	h, m, err := ParseHHMM(at)
	if err != nil {
		return trigger.Spec{}, err
	}
	return trigger.Recurring(h, m, trigger.Only(time.Weekday(weekday)), loc)
}
