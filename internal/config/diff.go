package config

import (
	"reflect"
	"sort"
	"strings"

	logx "moodping/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, safe log attributes
// (never secrets) and the subset of changed sections that only take effect
// after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	mark := func(section string, needsRestart bool, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
		if needsRestart {
			restart = append(restart, section)
		}
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) {
		mark("telegram", true,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}
	if ot.RatePerSec != nt.RatePerSec {
		mark("telegram.rate", false, logx.Int("telegram.rate_per_sec", nt.RatePerSec))
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging", false,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oSch, ns := oldCfg.Scheduler, newCfg.Scheduler
	if oSch.Grace != ns.Grace || oSch.MaxSleep != ns.MaxSleep || oSch.UpcomingLimit != ns.UpcomingLimit {
		mark("scheduler", false,
			logx.String("scheduler.grace", ns.Grace),
			logx.String("scheduler.max_sleep", ns.MaxSleep),
		)
	}
	if oSch.Workers != ns.Workers || oSch.QueueSize != ns.QueueSize || oSch.MaxInFlight != ns.MaxInFlight || oSch.HistorySize != ns.HistorySize {
		mark("task_engine", false,
			logx.Int("task_engine.workers", ns.Workers),
			logx.Int("task_engine.queue_size", ns.QueueSize),
			logx.Int("task_engine.max_in_flight", ns.MaxInFlight),
		)
	}

	if !reflect.DeepEqual(oldCfg.Defaults, newCfg.Defaults) {
		mark("defaults", false, logx.String("defaults.timezone", newCfg.Defaults.Timezone))
	}
	if oldCfg.Reconcile != newCfg.Reconcile {
		mark("reconcile", true, logx.String("reconcile.active_window", newCfg.Reconcile.ActiveWindow))
	}
	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		mark("maintenance", true,
			logx.String("maintenance.retention_at", newCfg.Maintenance.RetentionAt),
			logx.String("maintenance.sweep_at", newCfg.Maintenance.SweepAt),
		)
	}
	if oldCfg.Postpone != newCfg.Postpone {
		mark("postpone", true, logx.Int("postpone.default_minutes", newCfg.Postpone.DefaultMinutes))
	}

	oSt, nSt := oldCfg.Storage, newCfg.Storage
	if oSt.Driver != nSt.Driver || oSt.Path != nSt.Path || oSt.DSN != nSt.DSN || oSt.BusyTimeout != nSt.BusyTimeout || oSt.MaxConns != nSt.MaxConns {
		mark("storage", true,
			logx.String("storage.driver", nSt.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(nSt.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nSt.DSN) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Flags, newCfg.Flags) {
		driver := "store"
		if newCfg.Flags != nil && newCfg.Flags.Driver != "" {
			driver = newCfg.Flags.Driver
		}
		mark("flags", true, logx.String("flags.driver", driver))
	}
	if oldCfg.HTTP != newCfg.HTTP {
		mark("http", true, logx.Bool("http.enabled", newCfg.HTTP.Enabled), logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if oldCfg.Systemd != newCfg.Systemd {
		mark("systemd", true, logx.Bool("systemd.notify", newCfg.Systemd.Notify))
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
