package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	logx "moodping/pkg/logx"
)

// UserStore holds schedule preferences.
type UserStore interface {
	// GetUser returns ErrNotFound for unknown ids.
	GetUser(ctx context.Context, id int64) (User, error)
	SaveUser(ctx context.Context, u User) error
	DeleteUser(ctx context.Context, id int64) error
	TouchActivity(ctx context.Context, id int64, at time.Time) error
	// ActiveUsers returns users not paused with activity at or after since.
	ActiveUsers(ctx context.Context, since time.Time) ([]User, error)
}

// FlagStore holds per (user, date) skip and delivery flags.
type FlagStore interface {
	// DailyFlags returns an empty record when none exists yet.
	DailyFlags(ctx context.Context, userID int64, date string) (DailyFlags, error)
	SetSkip(ctx context.Context, userID int64, date string, skip bool) error
	// MarkDelivered claims slot for the date. It returns false when the slot
	// was already claimed.
	MarkDelivered(ctx context.Context, userID int64, date, slot string) (bool, error)
	// PurgeFlags removes records for dates before the given date.
	PurgeFlags(ctx context.Context, before string) (int64, error)
}

// Store is the persistence API used by the services.
type Store interface {
	UserStore
	FlagStore
	RecordDelivery(ctx context.Context, d Delivery) error
	// PurgeExpired drops delivery rows older than each user's retention and
	// flags older than flagRetention.
	PurgeExpired(ctx context.Context, now time.Time, flagRetention time.Duration) (PurgeStats, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "none":
		return nil, ErrDisabled
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// WithFlags serves the FlagStore methods of base from flags.
func WithFlags(base Store, flags FlagStore) Store {
	if flags == nil {
		return base
	}
	return &flagOverride{Store: base, flags: flags}
}

type flagOverride struct {
	Store
	flags FlagStore
}

func (f *flagOverride) DailyFlags(ctx context.Context, userID int64, date string) (DailyFlags, error) {
	return f.flags.DailyFlags(ctx, userID, date)
}

func (f *flagOverride) SetSkip(ctx context.Context, userID int64, date string, skip bool) error {
	return f.flags.SetSkip(ctx, userID, date, skip)
}

func (f *flagOverride) MarkDelivered(ctx context.Context, userID int64, date, slot string) (bool, error) {
	return f.flags.MarkDelivered(ctx, userID, date, slot)
}

func (f *flagOverride) PurgeFlags(ctx context.Context, before string) (int64, error) {
	return f.flags.PurgeFlags(ctx, before)
}

func (f *flagOverride) PurgeExpired(ctx context.Context, now time.Time, flagRetention time.Duration) (PurgeStats, error) {
	st, err := f.Store.PurgeExpired(ctx, now, flagRetention)
	if err != nil {
		return st, err
	}
	n, err := f.flags.PurgeFlags(ctx, flagCutoff(now, flagRetention))
	st.Flags += n
	return st, err
}

func (f *flagOverride) Ping(ctx context.Context) error {
	if err := f.Store.Ping(ctx); err != nil {
		return err
	}
	if p, ok := f.flags.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (f *flagOverride) Close() error {
	err := f.Store.Close()
	if c, ok := f.flags.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// flagCutoff is the first date whose flags survive a purge.
func flagCutoff(now time.Time, retention time.Duration) string {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return now.UTC().Add(-retention).Format(DateLayout)
}

func retentionCutoff(now time.Time, days int) time.Time {
	if days <= 0 {
		days = DefaultRetentionDays
	}
	return now.AddDate(0, 0, -days)
}

// DefaultRetentionDays applies to users without an explicit retention.
const DefaultRetentionDays = 90

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
