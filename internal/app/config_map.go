package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"moodping/internal/checkin"
	"moodping/internal/config"
	"moodping/internal/maintenance"
	"moodping/internal/notifier"
	"moodping/internal/preferences"
	"moodping/internal/reconcile"
	"moodping/internal/storage"
	"moodping/internal/task/engine"
	"moodping/internal/task/scheduler"
	logx "moodping/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		if path == "" {
			path = "./data/moodping"
		}
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, nil
}

// openStore opens the main store and, when configured, moves daily flags
// to redis.
func openStore(ctx context.Context, cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	f := cfg.Flags
	if f == nil || !strings.EqualFold(strings.TrimSpace(f.Driver), "redis") {
		return st, nil
	}
	ttl, err := config.ParseDurationField("flags.redis.ttl", f.Redis.TTL)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	flags, err := storage.OpenRedisFlags(ctx, storage.RedisConfig{
		Addr:     f.Redis.Addr,
		Password: f.Redis.Password,
		DB:       f.Redis.DB,
		Prefix:   f.Redis.Prefix,
		TTL:      ttl,
	}, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	log.Info("daily flags served by redis", logx.String("addr", f.Redis.Addr))
	return storage.WithFlags(st, flags), nil
}

func mapEngineConfig(cfg *config.Config) engine.Config {
	s := cfg.Scheduler
	return engine.Config{
		Workers:     s.Workers,
		QueueSize:   s.QueueSize,
		MaxInFlight: s.MaxInFlight,
		HistorySize: s.HistorySize,
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	grace, err := config.ParseDurationField("scheduler.grace", cfg.Scheduler.Grace)
	if err != nil {
		return scheduler.Config{}, err
	}
	maxSleep, err := config.ParseDurationField("scheduler.max_sleep", cfg.Scheduler.MaxSleep)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Grace:         grace,
		MaxSleep:      maxSleep,
		UpcomingLimit: cfg.Scheduler.UpcomingLimit,
	}, nil
}

func mapReconcileConfig(cfg *config.Config, grace time.Duration) (reconcile.Config, error) {
	window, err := config.ParseDurationField("reconcile.active_window", cfg.Reconcile.ActiveWindow)
	if err != nil {
		return reconcile.Config{}, err
	}
	return reconcile.Config{ActiveWindow: window, Grace: grace}, nil
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	m := cfg.Maintenance
	keep, err := config.ParseDurationField("maintenance.flag_retention", m.FlagRetention)
	if err != nil {
		return maintenance.Config{}, err
	}
	weekday := maintenance.DefaultSweepWeekday
	if m.SweepWeekday != nil {
		weekday = *m.SweepWeekday
	}
	return maintenance.Config{
		RetentionAt:   m.RetentionAt,
		SweepAt:       m.SweepAt,
		SweepWeekday:  weekday,
		FlagRetention: keep,
	}, nil
}

func mapDefaults(cfg *config.Config) preferences.Defaults {
	d := preferences.DefaultDefaults()
	c := cfg.Defaults
	if c.Timezone != "" {
		d.Timezone = c.Timezone
	}
	if c.PingTimes != nil {
		d.PingTimes = append([]string(nil), c.PingTimes...)
	}
	if c.IncludeWeekends != nil {
		d.IncludeWeekends = *c.IncludeWeekends
	}
	if c.DigestTime != "" {
		d.DigestTime = c.DigestTime
	}
	if c.DigestWeekday != nil {
		d.DigestWeekday = *c.DigestWeekday
	}
	if c.RetentionDays > 0 {
		d.RetentionDays = c.RetentionDays
	}
	return d
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	return notifier.Config{RatePerSec: cfg.Telegram.RatePerSec, RetryMax: 2}
}

func mapCheckinConfig(cfg *config.Config) checkin.Config {
	return checkin.Config{DefaultMinutes: cfg.Postpone.DefaultMinutes}
}
