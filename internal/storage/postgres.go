package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	logx "moodping/pkg/logx"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

const userColumns = `id, chat_id, timezone, ping_times, include_weekends, digest_time, digest_weekday, paused, retention_days, created_at, last_activity`

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresMigrations); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Debug("postgres store opened", logx.String("host", pcfg.ConnConfig.Host), logx.String("db", pcfg.ConnConfig.Database))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.ChatID, &u.Timezone, &u.PingTimes, &u.IncludeWeekends, &u.DigestTime,
		&u.DigestWeekday, &u.Paused, &u.RetentionDays, &u.CreatedAt, &u.LastActivity)
	return u, err
}

func (s *postgresStore) GetUser(ctx context.Context, id int64) (User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (s *postgresStore) SaveUser(ctx context.Context, u User) error {
	if u.ID == 0 {
		return errors.New("user id is required")
	}
	times := u.PingTimes
	if times == nil {
		times = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users(`+userColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT(id) DO UPDATE SET
		   chat_id=excluded.chat_id, timezone=excluded.timezone, ping_times=excluded.ping_times,
		   include_weekends=excluded.include_weekends, digest_time=excluded.digest_time,
		   digest_weekday=excluded.digest_weekday, paused=excluded.paused,
		   retention_days=excluded.retention_days, last_activity=excluded.last_activity`,
		u.ID, u.ChatID, u.Timezone, times, u.IncludeWeekends, u.DigestTime, u.DigestWeekday,
		u.Paused, u.RetentionDays, u.CreatedAt, u.LastActivity,
	)
	return err
}

func (s *postgresStore) DeleteUser(ctx context.Context, id int64) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		for _, q := range []string{
			`DELETE FROM daily_flags WHERE user_id = $1`,
			`DELETE FROM delivered_slots WHERE user_id = $1`,
			`DELETE FROM deliveries WHERE user_id = $1`,
		} {
			if _, err := tx.Exec(ctx, q, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *postgresStore) TouchActivity(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET last_activity = $1 WHERE id = $2`, at, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) ActiveUsers(ctx context.Context, since time.Time) ([]User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users WHERE NOT paused AND last_activity >= $1 ORDER BY id`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *postgresStore) DailyFlags(ctx context.Context, userID int64, date string) (DailyFlags, error) {
	f := DailyFlags{UserID: userID, Date: date}
	err := s.pool.QueryRow(ctx, `SELECT skip, updated_at FROM daily_flags WHERE user_id = $1 AND date = $2`, userID, date).
		Scan(&f.Skip, &f.UpdatedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return f, err
	}
	rows, err := s.pool.Query(ctx, `SELECT slot FROM delivered_slots WHERE user_id = $1 AND date = $2 ORDER BY claimed_at, slot`, userID, date)
	if err != nil {
		return f, err
	}
	f.Delivered, err = pgx.CollectRows(rows, pgx.RowTo[string])
	return f, err
}

func (s *postgresStore) SetSkip(ctx context.Context, userID int64, date string, skip bool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO daily_flags(user_id, date, skip, updated_at) VALUES($1,$2,$3,now())
		 ON CONFLICT(user_id, date) DO UPDATE SET skip=excluded.skip, updated_at=excluded.updated_at`,
		userID, date, skip,
	)
	return err
}

func (s *postgresStore) MarkDelivered(ctx context.Context, userID int64, date, slot string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO delivered_slots(user_id, date, slot, claimed_at) VALUES($1,$2,$3,now())
		 ON CONFLICT DO NOTHING`,
		userID, date, slot,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresStore) PurgeFlags(ctx context.Context, before string) (int64, error) {
	var total int64
	for _, q := range []string{`DELETE FROM daily_flags WHERE date < $1`, `DELETE FROM delivered_slots WHERE date < $1`} {
		tag, err := s.pool.Exec(ctx, q, before)
		if err != nil {
			return total, err
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

func (s *postgresStore) RecordDelivery(ctx context.Context, d Delivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.At.IsZero() {
		d.At = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deliveries(id, user_id, kind, date, slot, scheduled, at, status, err) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		d.ID, d.UserID, d.Kind, d.Date, d.Slot, d.Scheduled, d.At, d.Status, nullStr(d.Error),
	)
	return err
}

func (s *postgresStore) PurgeExpired(ctx context.Context, now time.Time, flagRetention time.Duration) (PurgeStats, error) {
	var ps PurgeStats
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM deliveries d
		 WHERE d.at < $1::timestamptz - make_interval(days => COALESCE(
		   (SELECT u.retention_days FROM users u WHERE u.id = d.user_id), $2))`,
		now, DefaultRetentionDays,
	)
	if err != nil {
		return ps, err
	}
	ps.Deliveries = tag.RowsAffected()
	ps.Flags, err = s.PurgeFlags(ctx, flagCutoff(now, flagRetention))
	return ps, err
}
