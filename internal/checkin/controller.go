// Package checkin holds the ad-hoc overrides a user can apply to today's
// check-ins (postpone, skip) and the delivery callbacks the scheduler runs.
//
// Skip is data, not scheduling: recurring pings keep firing and the delivery
// callback suppresses them while the flag for the user's local date is set.
package checkin

import (
	"context"
	"fmt"
	"time"

	"moodping/internal/eventbus"
	"moodping/internal/schedule"
	"moodping/internal/storage"
	"moodping/internal/task/scheduler"
	"moodping/internal/task/trigger"
	logx "moodping/pkg/logx"

	"github.com/google/uuid"
)

const (
	DefaultPostponeMinutes = 15
	MaxPostponeMinutes     = 24 * 60
)

// Inline button data carried by ping messages.
const (
	ActionPostpone  = "postpone_15"
	ActionSkipToday = "skip_today"
)

type Config struct {
	// DefaultMinutes is used when Postpone is called with 0.
	DefaultMinutes int
}

// Registry is satisfied by *scheduler.Service.
type Registry interface {
	Upsert(job scheduler.Job) (scheduler.Change, error)
	RemoveMatching(match scheduler.KeyFilter) int
}

type Controller struct {
	cfg   Config
	reg   Registry
	store storage.Store
	run   scheduler.Callback
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
}

// NewController wires postponements to run, usually Delivery.Postponed.
func NewController(cfg Config, reg Registry, store storage.Store, run scheduler.Callback, log logx.Logger, bus eventbus.Bus) *Controller {
	if cfg.DefaultMinutes <= 0 || cfg.DefaultMinutes > MaxPostponeMinutes {
		cfg.DefaultMinutes = DefaultPostponeMinutes
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Controller{
		cfg:   cfg,
		reg:   reg,
		store: store,
		run:   run,
		log:   log.With(logx.String("comp", "checkin")),
		bus:   bus,
		now:   time.Now,
	}
}

// PostponeEvent is published as checkin.postponed.
type PostponeEvent struct {
	UserID int64     `json:"user_id"`
	Job    string    `json:"job"`
	At     time.Time `json:"at"`
}

// Postpone registers a one-shot ping at now+minutes. The job id carries a
// unique timestamped discriminator, so it never collides with recurring pings
// and reconcile leaves it alone. minutes 0 means the configured default.
func (c *Controller) Postpone(ctx context.Context, userID int64, minutes int) (scheduler.JobKey, time.Time, error) {
	if minutes == 0 {
		minutes = c.cfg.DefaultMinutes
	}
	if minutes < 1 || minutes > MaxPostponeMinutes {
		return scheduler.JobKey{}, time.Time{}, fmt.Errorf("%w: %d (want 1..%d)", ErrInvalidMinutes, minutes, MaxPostponeMinutes)
	}
	u, err := c.store.GetUser(ctx, userID)
	if err != nil {
		return scheduler.JobKey{}, time.Time{}, err
	}
	if u.Paused {
		return scheduler.JobKey{}, time.Time{}, ErrPaused
	}

	now := c.now()
	at := now.Add(time.Duration(minutes) * time.Minute).Truncate(time.Second)
	key := scheduler.UserKey(userID, scheduler.CategoryPostpone, postponeID(now))
	if _, err := c.reg.Upsert(scheduler.Job{Key: key, Trigger: trigger.Once(at), Run: c.run}); err != nil {
		return scheduler.JobKey{}, time.Time{}, err
	}

	c.log.Info("ping postponed", logx.Int64("user", userID), logx.String("job", key.String()), logx.Time("at", at))
	c.bus.Publish(eventbus.Event{Type: "checkin.postponed", Data: PostponeEvent{UserID: userID, Job: key.String(), At: at}})
	return key, at, nil
}

func postponeID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8])
}

// CancelPostponements removes the user's pending postponements.
func (c *Controller) CancelPostponements(userID int64) int {
	n := c.reg.RemoveMatching(scheduler.OfUser(userID, scheduler.CategoryPostpone))
	if n > 0 {
		c.log.Info("postponements cancelled", logx.Int64("user", userID), logx.Int("count", n))
	}
	return n
}

// SkipToday sets the skip flag for the user's current local date and
// returns that date. Scheduled jobs are not touched.
func (c *Controller) SkipToday(ctx context.Context, userID int64) (string, error) {
	u, err := c.store.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	loc, err := schedule.LoadZone(u.Timezone)
	if err != nil {
		return "", err
	}
	date := c.now().In(loc).Format(storage.DateLayout)
	if err := c.store.SetSkip(ctx, userID, date, true); err != nil {
		return "", fmt.Errorf("set skip: %w", err)
	}

	c.log.Info("rest of day skipped", logx.Int64("user", userID), logx.String("date", date))
	c.bus.Publish(eventbus.Event{Type: "checkin.skipped", Data: map[string]any{"user_id": userID, "date": date}})
	return date, nil
}
