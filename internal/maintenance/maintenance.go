// Package maintenance registers the two process-wide jobs: a daily retention
// purge and a weekly full reconcile sweep. Both run at fixed UTC instants.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"moodping/internal/reconcile"
	"moodping/internal/schedule"
	"moodping/internal/storage"
	"moodping/internal/task/scheduler"
	logx "moodping/pkg/logx"
)

const (
	RetentionKey = "retention"
	SweepKey     = "sweep"

	DefaultRetentionAt   = "03:00"
	DefaultSweepAt       = "04:00"
	DefaultSweepWeekday  = int(time.Sunday)
	DefaultFlagRetention = 14 * 24 * time.Hour
)

type Config struct {
	RetentionAt   string
	SweepAt       string
	SweepWeekday  int
	FlagRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetentionAt == "" {
		c.RetentionAt = DefaultRetentionAt
	}
	if c.SweepAt == "" {
		c.SweepAt = DefaultSweepAt
	}
	if c.FlagRetention <= 0 {
		c.FlagRetention = DefaultFlagRetention
	}
	return c
}

// Registry is satisfied by *scheduler.Service.
type Registry interface {
	Upsert(job scheduler.Job) (scheduler.Change, error)
}

type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time, flagRetention time.Duration) (storage.PurgeStats, error)
}

type Sweeper interface {
	ReconcileAll(ctx context.Context) (reconcile.Summary, error)
}

type Jobs struct {
	cfg    Config
	purger Purger
	sweep  Sweeper
	log    logx.Logger
	now    func() time.Time
}

func New(cfg Config, purger Purger, sweep Sweeper, log logx.Logger) *Jobs {
	return &Jobs{
		cfg:    cfg.withDefaults(),
		purger: purger,
		sweep:  sweep,
		log:    log.With(logx.String("comp", "maintenance")),
		now:    time.Now,
	}
}

// Register upserts both jobs. Calling it again with the same config is a no-op.
func (j *Jobs) Register(reg Registry) error {
	daily, err := schedule.ResolveDaily(time.UTC, j.cfg.RetentionAt)
	if err != nil {
		return fmt.Errorf("maintenance retention_at: %w", err)
	}
	weekly, err := schedule.ResolveWeekly(time.UTC, j.cfg.SweepAt, j.cfg.SweepWeekday)
	if err != nil {
		return fmt.Errorf("maintenance sweep: %w", err)
	}

	jobs := []scheduler.Job{
		{Key: scheduler.SystemKey(scheduler.CategoryMaintenance, RetentionKey), Trigger: daily, Run: j.Retention},
		{Key: scheduler.SystemKey(scheduler.CategoryMaintenance, SweepKey), Trigger: weekly, Run: j.Sweep},
	}
	for _, job := range jobs {
		if _, err := reg.Upsert(job); err != nil {
			return fmt.Errorf("register %s: %w", job.Key, err)
		}
	}
	j.log.Info("maintenance jobs registered",
		logx.String("retention", daily.String()),
		logx.String("sweep", weekly.String()),
	)
	return nil
}

// Retention purges expired delivery rows and daily flags.
func (j *Jobs) Retention(ctx context.Context, _ scheduler.Firing) error {
	if j.purger == nil {
		return nil
	}
	start := time.Now()
	st, err := j.purger.PurgeExpired(ctx, j.now(), j.cfg.FlagRetention)
	if err != nil {
		j.log.Error("retention purge failed", logx.Err(err))
		return err
	}
	j.log.Info("retention purge done",
		logx.Int64("deliveries", st.Deliveries),
		logx.Int64("flags", st.Flags),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

// Sweep runs a full reconcile of every active user.
func (j *Jobs) Sweep(ctx context.Context, _ scheduler.Firing) error {
	if j.sweep == nil {
		return nil
	}
	_, err := j.sweep.ReconcileAll(ctx)
	return err
}
