package config

import (
	"errors"
	"fmt"
	"strings"

	"moodping/internal/schedule"
)

// Validate checks values that would otherwise only fail at wiring time.
// It is also installed as the Watch validator so a bad edit is never published.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	for path, raw := range map[string]string{
		"telegram.poll_timeout":      cfg.Telegram.PollTimeout,
		"scheduler.grace":            cfg.Scheduler.Grace,
		"scheduler.max_sleep":        cfg.Scheduler.MaxSleep,
		"reconcile.active_window":    cfg.Reconcile.ActiveWindow,
		"maintenance.flag_retention": cfg.Maintenance.FlagRetention,
		"storage.busy_timeout":       cfg.Storage.BusyTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	for path, at := range map[string]string{
		"maintenance.retention_at": cfg.Maintenance.RetentionAt,
		"maintenance.sweep_at":     cfg.Maintenance.SweepAt,
		"defaults.digest_time":     cfg.Defaults.DigestTime,
	} {
		if at == "" {
			continue
		}
		if _, _, err := schedule.ParseHHMM(at); err != nil {
			add(fmt.Errorf("%s: %w", path, err))
		}
	}
	if d := cfg.Maintenance.SweepWeekday; d != nil && !schedule.ValidWeekday(*d) {
		add(fmt.Errorf("maintenance.sweep_weekday: %d is not 0..6", *d))
	}
	if d := cfg.Defaults.DigestWeekday; d != nil && !schedule.ValidWeekday(*d) {
		add(fmt.Errorf("defaults.digest_weekday: %d is not 0..6", *d))
	}
	if tz := cfg.Defaults.Timezone; tz != "" {
		if _, err := schedule.LoadZone(tz); err != nil {
			add(fmt.Errorf("defaults.timezone: %w", err))
		}
	}
	if _, err := schedule.NormalizeTimes(cfg.Defaults.PingTimes); err != nil {
		add(fmt.Errorf("defaults.ping_times: %w", err))
	}
	if m := cfg.Postpone.DefaultMinutes; m < 0 || m > 24*60 {
		add(fmt.Errorf("postpone.default_minutes: %d is not 1..1440", m))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "file", "sqlite", "sqlite3", "none":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required for postgres"))
		}
	case "":
		add(errors.New("storage.driver is required"))
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	if f := cfg.Flags; f != nil {
		switch strings.ToLower(strings.TrimSpace(f.Driver)) {
		case "", "store":
		case "redis":
			if strings.TrimSpace(f.Redis.Addr) == "" {
				add(errors.New("flags.redis.addr is required"))
			}
			_, err := ParseDurationField("flags.redis.ttl", f.Redis.TTL)
			add(err)
		default:
			add(fmt.Errorf("flags.driver: unknown driver %q", f.Driver))
		}
	}

	return errors.Join(errs...)
}
