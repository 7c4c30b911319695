package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "file": snapshot + journal files next to Path
//   - "sqlite": SQLite database file at Path (build tag sqlite)
//   - "postgres": DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only
}

// DateLayout is the layout of local calendar dates used as flag keys.
const DateLayout = "2006-01-02"

// User is a user's schedule preferences plus bookkeeping.
type User struct {
	ID              int64     `json:"id" db:"id"`
	ChatID          int64     `json:"chat_id" db:"chat_id"`
	Timezone        string    `json:"timezone" db:"timezone"`
	PingTimes       []string  `json:"ping_times" db:"-"`
	IncludeWeekends bool      `json:"include_weekends" db:"include_weekends"`
	DigestTime      string    `json:"digest_time" db:"digest_time"`
	DigestWeekday   int       `json:"digest_weekday" db:"digest_weekday"`
	Paused          bool      `json:"paused" db:"paused"`
	RetentionDays   int       `json:"retention_days" db:"retention_days"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	LastActivity    time.Time `json:"last_activity" db:"last_activity"`
}

// DailyFlags is the per (user, local date) record consulted before delivery.
type DailyFlags struct {
	UserID    int64     `json:"user_id"`
	Date      string    `json:"date"`
	Delivered []string  `json:"delivered,omitempty"`
	Skip      bool      `json:"skip"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasDelivered reports whether slot was already claimed.
func (f DailyFlags) HasDelivered(slot string) bool {
	for _, s := range f.Delivered {
		if s == slot {
			return true
		}
	}
	return false
}

// Delivery statuses.
const (
	DeliverySent       = "sent"
	DeliverySuppressed = "suppressed"
	DeliveryFailed     = "failed"
)

// Delivery is one row of the delivery log.
type Delivery struct {
	ID        string    `json:"id" db:"id"`
	UserID    int64     `json:"user_id" db:"user_id"`
	Kind      string    `json:"kind" db:"kind"`
	Date      string    `json:"date" db:"date"`
	Slot      string    `json:"slot" db:"slot"`
	Scheduled time.Time `json:"scheduled" db:"scheduled"`
	At        time.Time `json:"at" db:"at"`
	Status    string    `json:"status" db:"status"`
	Error     string    `json:"error,omitempty" db:"err"`
}

// PurgeStats reports what PurgeExpired removed.
type PurgeStats struct {
	Deliveries int64
	Flags      int64
}
