//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	logx "moodping/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

// userRow mirrors the users table; times are unix milliseconds.
type userRow struct {
	ID              int64  `db:"id"`
	ChatID          int64  `db:"chat_id"`
	Timezone        string `db:"timezone"`
	PingTimes       string `db:"ping_times"`
	IncludeWeekends bool   `db:"include_weekends"`
	DigestTime      string `db:"digest_time"`
	DigestWeekday   int    `db:"digest_weekday"`
	Paused          bool   `db:"paused"`
	RetentionDays   int    `db:"retention_days"`
	CreatedAt       int64  `db:"created_at"`
	LastActivity    int64  `db:"last_activity"`
}

func (r userRow) user() User {
	var times []string
	if r.PingTimes != "" {
		times = strings.Split(r.PingTimes, ",")
	}
	return User{
		ID:              r.ID,
		ChatID:          r.ChatID,
		Timezone:        r.Timezone,
		PingTimes:       times,
		IncludeWeekends: r.IncludeWeekends,
		DigestTime:      r.DigestTime,
		DigestWeekday:   r.DigestWeekday,
		Paused:          r.Paused,
		RetentionDays:   r.RetentionDays,
		CreatedAt:       time.UnixMilli(r.CreatedAt).UTC(),
		LastActivity:    time.UnixMilli(r.LastActivity).UTC(),
	}
}

func rowFromUser(u User) userRow {
	return userRow{
		ID:              u.ID,
		ChatID:          u.ChatID,
		Timezone:        u.Timezone,
		PingTimes:       strings.Join(u.PingTimes, ","),
		IncludeWeekends: u.IncludeWeekends,
		DigestTime:      u.DigestTime,
		DigestWeekday:   u.DigestWeekday,
		Paused:          u.Paused,
		RetentionDays:   u.RetentionDays,
		CreatedAt:       u.CreatedAt.UnixMilli(),
		LastActivity:    u.LastActivity.UnixMilli(),
	}
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) GetUser(ctx context.Context, id int64) (User, error) {
	var r userRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return r.user(), nil
}

func (s *sqliteStore) SaveUser(ctx context.Context, u User) error {
	if u.ID == 0 {
		return errors.New("user id is required")
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO users(id, chat_id, timezone, ping_times, include_weekends, digest_time, digest_weekday, paused, retention_days, created_at, last_activity)
		 VALUES(:id, :chat_id, :timezone, :ping_times, :include_weekends, :digest_time, :digest_weekday, :paused, :retention_days, :created_at, :last_activity)
		 ON CONFLICT(id) DO UPDATE SET
		   chat_id=excluded.chat_id, timezone=excluded.timezone, ping_times=excluded.ping_times,
		   include_weekends=excluded.include_weekends, digest_time=excluded.digest_time,
		   digest_weekday=excluded.digest_weekday, paused=excluded.paused,
		   retention_days=excluded.retention_days, last_activity=excluded.last_activity`,
		rowFromUser(u),
	)
	return err
}

func (s *sqliteStore) DeleteUser(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	for _, q := range []string{
		`DELETE FROM daily_flags WHERE user_id = ?`,
		`DELETE FROM delivered_slots WHERE user_id = ?`,
		`DELETE FROM deliveries WHERE user_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) TouchActivity(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET last_activity = ? WHERE id = ?`, at.UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ActiveUsers(ctx context.Context, since time.Time) ([]User, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM users WHERE paused = 0 AND last_activity >= ? ORDER BY id`, since.UnixMilli()); err != nil {
		return nil, err
	}
	out := make([]User, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.user())
	}
	return out, nil
}

func (s *sqliteStore) DailyFlags(ctx context.Context, userID int64, date string) (DailyFlags, error) {
	f := DailyFlags{UserID: userID, Date: date}
	var row struct {
		Skip      bool  `db:"skip"`
		UpdatedAt int64 `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT skip, updated_at FROM daily_flags WHERE user_id = ? AND date = ?`, userID, date)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return f, err
	default:
		f.Skip = row.Skip
		f.UpdatedAt = time.UnixMilli(row.UpdatedAt).UTC()
	}
	if err := s.db.SelectContext(ctx, &f.Delivered,
		`SELECT slot FROM delivered_slots WHERE user_id = ? AND date = ? ORDER BY claimed_at, slot`, userID, date); err != nil {
		return f, err
	}
	return f, nil
}

func (s *sqliteStore) SetSkip(ctx context.Context, userID int64, date string, skip bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daily_flags(user_id, date, skip, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(user_id, date) DO UPDATE SET skip=excluded.skip, updated_at=excluded.updated_at`,
		userID, date, skip, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) MarkDelivered(ctx context.Context, userID int64, date, slot string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO delivered_slots(user_id, date, slot, claimed_at) VALUES(?,?,?,?)`,
		userID, date, slot, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) PurgeFlags(ctx context.Context, before string) (int64, error) {
	var total int64
	for _, q := range []string{`DELETE FROM daily_flags WHERE date < ?`, `DELETE FROM delivered_slots WHERE date < ?`} {
		res, err := s.db.ExecContext(ctx, q, before)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (s *sqliteStore) RecordDelivery(ctx context.Context, d Delivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.At.IsZero() {
		d.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(id, user_id, kind, date, slot, scheduled, at, status, err) VALUES(?,?,?,?,?,?,?,?,?)`,
		d.ID, d.UserID, d.Kind, d.Date, d.Slot, d.Scheduled.UnixMilli(), d.At.UnixMilli(), d.Status, nullStr(d.Error),
	)
	return err
}

func (s *sqliteStore) PurgeExpired(ctx context.Context, now time.Time, flagRetention time.Duration) (PurgeStats, error) {
	var ps PurgeStats
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE at < ? - (
		   COALESCE((SELECT retention_days FROM users WHERE users.id = deliveries.user_id), ?) * 86400000)`,
		now.UnixMilli(), DefaultRetentionDays,
	)
	if err != nil {
		return ps, err
	}
	ps.Deliveries, _ = res.RowsAffected()

	ps.Flags, err = s.PurgeFlags(ctx, flagCutoff(now, flagRetention))
	return ps, err
}
