package config

// Config is the file layout. Durations are Go duration strings ("5m", "720h").
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Defaults    DefaultsConfig    `json:"defaults"`
	Reconcile   ReconcileConfig   `json:"reconcile,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Postpone    PostponeConfig    `json:"postpone,omitempty"`
	Storage     StorageConfig     `json:"storage"`
	Flags       *FlagsConfig      `json:"flags,omitempty"`
	HTTP        HTTPConfig        `json:"http,omitempty"`
	Systemd     SystemdConfig     `json:"systemd,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// RatePerSec bounds outgoing sends. Telegram allows ~30/s per bot.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"` // JSON lines on the console
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig covers the dispatcher and the task engine behind it.
//
// Defaults (when fields are omitted/zero):
//   - grace: "5m"
//   - max_sleep: "1m"
//   - workers: 4
//   - queue_size: 256
//   - max_in_flight: 3
//   - history_size: 200
//   - upcoming_limit: 50
type SchedulerConfig struct {
	Grace         string `json:"grace,omitempty"`
	MaxSleep      string `json:"max_sleep,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	MaxInFlight   int    `json:"max_in_flight,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
	UpcomingLimit int    `json:"upcoming_limit,omitempty"`
}

// DefaultsConfig seeds new users. Pointers distinguish "omitted" from false/0.
type DefaultsConfig struct {
	Timezone        string   `json:"timezone,omitempty"`
	PingTimes       []string `json:"ping_times,omitempty"`
	IncludeWeekends *bool    `json:"include_weekends,omitempty"`
	DigestTime      string   `json:"digest_time,omitempty"`
	DigestWeekday   *int     `json:"digest_weekday,omitempty"`
	RetentionDays   int      `json:"retention_days,omitempty"`
}

type ReconcileConfig struct {
	// ActiveWindow selects users for the startup and weekly sweeps. Default "720h".
	ActiveWindow string `json:"active_window,omitempty"`
}

// MaintenanceConfig times are HH:MM in UTC.
type MaintenanceConfig struct {
	RetentionAt   string `json:"retention_at,omitempty"`
	SweepAt       string `json:"sweep_at,omitempty"`
	SweepWeekday  *int   `json:"sweep_weekday,omitempty"`
	FlagRetention string `json:"flag_retention,omitempty"`
}

type PostponeConfig struct {
	DefaultMinutes int `json:"default_minutes,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/moodping.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int32  `json:"max_conns,omitempty"`    // postgres
}

// FlagsConfig optionally moves daily skip/delivery flags to redis.
// Omitted or driver "store" keeps them in the main store.
type FlagsConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	DB       int    `json:"db,omitempty"`
	Password string `json:"password,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	TTL      string `json:"ttl,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default ":8080"

	// Pprof mounts net/http/pprof under /debug/pprof. Set PprofToken when
	// Addr is not loopback.
	Pprof      bool   `json:"pprof,omitempty"`
	PprofToken string `json:"pprof_token,omitempty"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog,omitempty"`
}
