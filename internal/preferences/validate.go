package preferences

import (
	"errors"

	"moodping/internal/schedule"
	"moodping/internal/storage"
)

const (
	MaxPingTimes     = 10
	MinRetentionDays = 30
	MaxRetentionDays = 3650
)

// Validate checks u and canonicalizes its ping times in place.
func Validate(u *storage.User) error {
	if _, err := schedule.LoadZone(u.Timezone); err != nil {
		return invalid("timezone", "unknown timezone %q", u.Timezone)
	}
	if len(u.PingTimes) > MaxPingTimes {
		return invalid("ping_times", "at most %d times, got %d", MaxPingTimes, len(u.PingTimes))
	}
	norm, err := schedule.NormalizeTimes(u.PingTimes)
	if err != nil {
		var ie *schedule.InputError
		if errors.As(err, &ie) {
			return invalid("ping_times", "%q is not HH:MM", ie.Value)
		}
		return invalid("ping_times", "%v", err)
	}
	if _, _, err := schedule.ParseHHMM(u.DigestTime); err != nil {
		return invalid("digest_time", "%q is not HH:MM", u.DigestTime)
	}
	if !schedule.ValidWeekday(u.DigestWeekday) {
		return invalid("digest_weekday", "%d is not 0 (Sunday) to 6 (Saturday)", u.DigestWeekday)
	}
	if u.RetentionDays < MinRetentionDays || u.RetentionDays > MaxRetentionDays {
		return invalid("retention_days", "%d is not in %d..%d", u.RetentionDays, MinRetentionDays, MaxRetentionDays)
	}
	u.PingTimes = norm
	return nil
}
