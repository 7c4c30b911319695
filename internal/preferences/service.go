// Package preferences owns user schedule settings. Every change is persisted
// first and then reconciled into the job registry.
package preferences

import (
	"context"
	"errors"
	"fmt"
	"time"

	"moodping/internal/reconcile"
	"moodping/internal/storage"
	logx "moodping/pkg/logx"
)

// Defaults apply to newly registered users.
type Defaults struct {
	Timezone        string
	PingTimes       []string
	IncludeWeekends bool
	DigestTime      string
	DigestWeekday   int
	RetentionDays   int
}

func DefaultDefaults() Defaults {
	return Defaults{
		Timezone:        "Europe/Moscow",
		PingTimes:       []string{"09:00", "13:00", "17:00", "21:00"},
		IncludeWeekends: true,
		DigestTime:      "20:00",
		DigestWeekday:   int(time.Sunday),
		RetentionDays:   storage.DefaultRetentionDays,
	}
}

// Reconciler is satisfied by *reconcile.Reconciler. Update runs the
// change under the user's lock and reconciles from the stored record, so
// writes and schedule rebuilds for one user never interleave.
type Reconciler interface {
	Update(ctx context.Context, userID int64, change func(ctx context.Context) error) (reconcile.Result, error)
}

type Service struct {
	users    storage.UserStore
	rec      Reconciler
	defaults Defaults
	log      logx.Logger
	now      func() time.Time
}

func New(users storage.UserStore, rec Reconciler, defaults Defaults, log logx.Logger) *Service {
	return &Service{
		users:    users,
		rec:      rec,
		defaults: defaults,
		log:      log.With(logx.String("comp", "preferences")),
		now:      time.Now,
	}
}

// Register creates the user with defaults on first contact. For an existing
// user it only records activity and re-applies the schedule.
func (s *Service) Register(ctx context.Context, userID, chatID int64) (storage.User, bool, error) {
	var (
		u       storage.User
		created bool
	)
	_, err := s.rec.Update(ctx, userID, func(ctx context.Context) error {
		cur, err := s.users.GetUser(ctx, userID)
		switch {
		case err == nil:
			u = cur
			return s.users.TouchActivity(ctx, userID, s.now())
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		now := s.now()
		d := s.defaults
		u = storage.User{
			ID:              userID,
			ChatID:          chatID,
			Timezone:        d.Timezone,
			PingTimes:       append([]string(nil), d.PingTimes...),
			IncludeWeekends: d.IncludeWeekends,
			DigestTime:      d.DigestTime,
			DigestWeekday:   d.DigestWeekday,
			RetentionDays:   d.RetentionDays,
			CreatedAt:       now,
			LastActivity:    now,
		}
		if err := Validate(&u); err != nil {
			return fmt.Errorf("defaults: %w", err)
		}
		if err := s.users.SaveUser(ctx, u); err != nil {
			return err
		}
		created = true
		s.log.Info("user registered", logx.Int64("user", userID), logx.String("tz", u.Timezone))
		return nil
	})
	var re *reconcile.Error
	if err != nil && !errors.As(err, &re) {
		return storage.User{}, false, err
	}
	return u, created, err
}

func (s *Service) Get(ctx context.Context, userID int64) (storage.User, error) {
	return s.users.GetUser(ctx, userID)
}

func (s *Service) SetTimezone(ctx context.Context, userID int64, tz string) (storage.User, error) {
	return s.update(ctx, userID, func(u *storage.User) { u.Timezone = tz })
}

func (s *Service) SetPingTimes(ctx context.Context, userID int64, times []string) (storage.User, error) {
	return s.update(ctx, userID, func(u *storage.User) { u.PingTimes = append([]string(nil), times...) })
}

func (s *Service) SetWeekends(ctx context.Context, userID int64, include bool) (storage.User, error) {
	return s.update(ctx, userID, func(u *storage.User) { u.IncludeWeekends = include })
}

func (s *Service) SetDigest(ctx context.Context, userID int64, weekday int, at string) (storage.User, error) {
	return s.update(ctx, userID, func(u *storage.User) {
		u.DigestWeekday = weekday
		u.DigestTime = at
	})
}

func (s *Service) SetRetention(ctx context.Context, userID int64, days int) (storage.User, error) {
	return s.update(ctx, userID, func(u *storage.User) { u.RetentionDays = days })
}

func (s *Service) Pause(ctx context.Context, userID int64) (storage.User, error) {
	return s.update(ctx, userID, func(u *storage.User) { u.Paused = true })
}

func (s *Service) Resume(ctx context.Context, userID int64) (storage.User, error) {
	return s.update(ctx, userID, func(u *storage.User) { u.Paused = false })
}

// Delete removes the user record and every job it owns.
func (s *Service) Delete(ctx context.Context, userID int64) error {
	res, err := s.rec.Update(ctx, userID, func(ctx context.Context) error {
		if err := s.users.DeleteUser(ctx, userID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("user deleted", logx.Int64("user", userID), logx.Int("jobs", res.Removed))
	return nil
}

// Touch records activity for the active-user window.
func (s *Service) Touch(ctx context.Context, userID int64) error {
	err := s.users.TouchActivity(ctx, userID, s.now())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// update validates the mutated snapshot before anything is written, so an
// invalid edit leaves both the store and the registry untouched. Load, save
// and reconcile all happen under the user's lock.
func (s *Service) update(ctx context.Context, userID int64, mutate func(*storage.User)) (storage.User, error) {
	var u storage.User
	res, err := s.rec.Update(ctx, userID, func(ctx context.Context) error {
		var err error
		if u, err = s.users.GetUser(ctx, userID); err != nil {
			return err
		}
		mutate(&u)
		if err := Validate(&u); err != nil {
			return err
		}
		u.LastActivity = s.now()
		return s.users.SaveUser(ctx, u)
	})
	var re *reconcile.Error
	switch {
	case errors.As(err, &re):
		s.log.Error("reconcile after settings change failed", logx.Int64("user", userID), logx.Err(err))
		return u, err
	case err != nil:
		return storage.User{}, err
	}
	s.log.Debug("settings updated",
		logx.Int64("user", userID),
		logx.Int("added", res.Added),
		logx.Int("replaced", res.Replaced),
		logx.Int("removed", res.Removed),
	)
	return u, nil
}
