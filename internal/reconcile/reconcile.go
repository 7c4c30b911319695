// Package reconcile keeps the job registry in line with stored preferences.
//
// For one user it derives the desired ping and digest jobs, diffs them
// against the registry and applies only the difference.
package reconcile

import (
	"context"
	"errors"
	"time"

	"moodping/internal/eventbus"
	"moodping/internal/schedule"
	"moodping/internal/storage"
	"moodping/internal/task/scheduler"
	logx "moodping/pkg/logx"
)

// DigestDiscriminator is the key discriminator of a user's weekly digest job.
const DigestDiscriminator = "weekly"

// Registry is the part of the scheduler the reconciler drives.
type Registry interface {
	Upsert(job scheduler.Job) (scheduler.Change, error)
	Remove(key scheduler.JobKey) bool
	RemoveMatching(match scheduler.KeyFilter) int
	ListMatching(match scheduler.KeyFilter) []scheduler.JobInfo
}

// Callbacks are attached to the jobs the reconciler registers.
type Callbacks struct {
	Ping   scheduler.Callback
	Digest scheduler.Callback
}

type Config struct {
	// ActiveWindow selects users for ReconcileAll by last activity.
	ActiveWindow time.Duration
	// Grace is set on registered jobs; 0 uses the scheduler default.
	Grace time.Duration
}

const DefaultActiveWindow = 30 * 24 * time.Hour

type Result struct {
	Added     int `json:"added"`
	Replaced  int `json:"replaced"`
	Removed   int `json:"removed"`
	Unchanged int `json:"unchanged"`
}

// Mutations is the number of registry changes applied.
func (r Result) Mutations() int { return r.Added + r.Replaced + r.Removed }

type Summary struct {
	Users   int           `json:"users"`
	Failed  int           `json:"failed"`
	Orphans int           `json:"orphans"`
	Totals  Result        `json:"totals"`
	Took    time.Duration `json:"took"`
}

// UserEvent is published as reconcile.user.
type UserEvent struct {
	UserID int64  `json:"user_id"`
	Result Result `json:"result"`
	Error  string `json:"error,omitempty"`
}

type Reconciler struct {
	cfg   Config
	reg   Registry
	users storage.UserStore
	cb    Callbacks
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	locks userLocks
}

func New(cfg Config, reg Registry, users storage.UserStore, cb Callbacks, log logx.Logger, bus eventbus.Bus) *Reconciler {
	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = DefaultActiveWindow
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Reconciler{
		cfg:   cfg,
		reg:   reg,
		users: users,
		cb:    cb,
		log:   log.With(logx.String("comp", "reconcile")),
		bus:   bus,
		now:   time.Now,
	}
}

// Desired returns the jobs u should have. A paused user has none.
// Resolution is all-or-nothing: any invalid preference fails the whole set.
func (r *Reconciler) Desired(u storage.User) ([]scheduler.Job, error) {
	if u.Paused {
		return nil, nil
	}
	pings, err := schedule.ResolvePings(u.Timezone, u.PingTimes, u.IncludeWeekends)
	if err != nil {
		return nil, err
	}
	digest, err := schedule.ResolveDigest(u.Timezone, u.DigestTime, u.DigestWeekday)
	if err != nil {
		return nil, err
	}

	jobs := make([]scheduler.Job, 0, len(pings)+1)
	for _, p := range pings {
		jobs = append(jobs, scheduler.Job{
			Key:     scheduler.UserKey(u.ID, scheduler.CategoryPing, p.Local),
			Trigger: p.Trigger,
			Run:     r.cb.Ping,
			Grace:   r.cfg.Grace,
		})
	}
	jobs = append(jobs, scheduler.Job{
		Key:     scheduler.UserKey(u.ID, scheduler.CategoryDigest, DigestDiscriminator),
		Trigger: digest,
		Run:     r.cb.Digest,
		Grace:   r.cfg.Grace,
	})
	return jobs, nil
}

// ReconcileUser applies the difference between u's desired jobs and the
// registry. Calling it twice with the same snapshot mutates nothing the
// second time. Postponements are left alone unless the user is paused.
//
// u is trusted as given. Callers that do not hold a fresh snapshot should
// use ReconcileUserID or Update, which read the user under the lock.
func (r *Reconciler) ReconcileUser(ctx context.Context, u storage.User) (Result, error) {
	unlock := r.locks.lock(u.ID)
	defer unlock()
	return r.apply(u, false)
}

// ReconcileUserID loads the user and reconciles it while holding the user's
// lock, so a concurrent settings change cannot be overwritten by an older
// record. A user that no longer exists loses every job.
func (r *Reconciler) ReconcileUserID(ctx context.Context, id int64) (Result, error) {
	unlock := r.locks.lock(id)
	defer unlock()
	return r.reconcileStored(ctx, id, false)
}

// Update runs change with the user's lock held and then reconciles from the
// stored record. An error from change is returned as is and nothing is
// reconciled.
func (r *Reconciler) Update(ctx context.Context, id int64, change func(ctx context.Context) error) (Result, error) {
	unlock := r.locks.lock(id)
	defer unlock()
	if err := change(ctx); err != nil {
		return Result{}, err
	}
	return r.reconcileStored(ctx, id, false)
}

func (r *Reconciler) reconcileStored(ctx context.Context, id int64, catchUp bool) (Result, error) {
	u, err := r.users.GetUser(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{Removed: r.removeLocked(id)}, nil
	}
	if err != nil {
		return Result{}, &Error{UserID: id, Err: err}
	}
	return r.apply(u, catchUp)
}

func (r *Reconciler) apply(u storage.User, catchUp bool) (Result, error) {
	res, err := r.reconcileLocked(u, catchUp)
	ev := UserEvent{UserID: u.ID, Result: res}
	if err != nil {
		ev.Error = err.Error()
		r.bus.Publish(eventbus.Event{Type: "reconcile.user", Data: ev})
		return res, &Error{UserID: u.ID, Err: err}
	}
	r.bus.Publish(eventbus.Event{Type: "reconcile.user", Data: ev})

	if res.Mutations() > 0 {
		r.log.Info("user reconciled",
			logx.Int64("user", u.ID),
			logx.Int("added", res.Added),
			logx.Int("replaced", res.Replaced),
			logx.Int("removed", res.Removed),
			logx.Bool("paused", u.Paused),
		)
	}
	return res, nil
}

func (r *Reconciler) reconcileLocked(u storage.User, catchUp bool) (Result, error) {
	var res Result
	desired, err := r.Desired(u)
	if err != nil {
		return res, err
	}

	want := make(map[scheduler.JobKey]struct{}, len(desired))
	for _, j := range desired {
		want[j.Key] = struct{}{}
	}
	for _, cur := range r.reg.ListMatching(scheduler.OfUser(u.ID, scheduler.CategoryPing, scheduler.CategoryDigest)) {
		if _, ok := want[cur.Key]; ok {
			continue
		}
		if r.reg.Remove(cur.Key) {
			res.Removed++
		}
	}

	for _, j := range desired {
		j.CatchUp = catchUp
		ch, err := r.reg.Upsert(j)
		if err != nil {
			return res, err
		}
		switch ch {
		case scheduler.Added:
			res.Added++
		case scheduler.Replaced:
			res.Replaced++
		default:
			res.Unchanged++
		}
	}

	if u.Paused {
		res.Removed += r.reg.RemoveMatching(scheduler.OfUser(u.ID, scheduler.CategoryPostpone))
	}
	return res, nil
}

// RemoveUser drops every job of id, postponements included.
func (r *Reconciler) RemoveUser(id int64) int {
	unlock := r.locks.lock(id)
	defer unlock()
	return r.removeLocked(id)
}

func (r *Reconciler) removeLocked(id int64) int {
	n := r.reg.RemoveMatching(scheduler.OfUser(id))
	if n > 0 {
		r.log.Info("user jobs removed", logx.Int64("user", id), logx.Int("count", n))
	}
	return n
}

// ReconcileAll reconciles every active user. Each user is re-read under its
// lock, so edits made while the sweep runs are not rolled back. A failure
// for one user is logged and counted; it never stops the sweep. Afterwards
// jobs of users that were deleted or paused are swept.
//
// Jobs added here may catch up an occurrence missed within the grace
// window, which covers the startup rebuild after a restart.
func (r *Reconciler) ReconcileAll(ctx context.Context) (Summary, error) {
	start := time.Now()
	var sum Summary

	users, err := r.users.ActiveUsers(ctx, r.now().Add(-r.cfg.ActiveWindow))
	if err != nil {
		r.log.Error("failed to load active users", logx.Err(err))
		return sum, err
	}
	sum.Users = len(users)

	seen := make(map[int64]struct{}, len(users))
	for i, u := range users {
		if ctx.Err() != nil {
			r.log.Warn("reconcile interrupted", logx.Int("processed", i), logx.Int("users", len(users)))
			return sum, ctx.Err()
		}
		seen[u.ID] = struct{}{}
		res, err := r.reconcileOne(ctx, u.ID)
		if err != nil {
			sum.Failed++
			r.log.Warn("user reconcile failed", logx.Int64("user", u.ID), logx.Err(err))
			continue
		}
		sum.Totals.Added += res.Added
		sum.Totals.Replaced += res.Replaced
		sum.Totals.Removed += res.Removed
		sum.Totals.Unchanged += res.Unchanged
	}

	sum.Orphans = r.sweepOrphans(ctx, seen)
	sum.Took = time.Since(start)

	r.bus.Publish(eventbus.Event{Type: "reconcile.all", Data: sum})
	r.log.Info("reconcile complete",
		logx.Int("users", sum.Users),
		logx.Int("failed", sum.Failed),
		logx.Int("orphans", sum.Orphans),
		logx.Int("added", sum.Totals.Added),
		logx.Int("replaced", sum.Totals.Replaced),
		logx.Int("removed", sum.Totals.Removed),
		logx.Duration("took", sum.Took),
	)
	return sum, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, id int64) (Result, error) {
	unlock := r.locks.lock(id)
	defer unlock()
	return r.reconcileStored(ctx, id, true)
}

// sweepOrphans removes jobs of users outside the active set that were deleted
// or paused. Inactive users keep their schedule.
func (r *Reconciler) sweepOrphans(ctx context.Context, active map[int64]struct{}) int {
	owners := map[int64]struct{}{}
	for _, j := range r.reg.ListMatching(func(k scheduler.JobKey) bool { return !k.IsSystem() }) {
		if _, ok := active[j.Key.UserID]; !ok {
			owners[j.Key.UserID] = struct{}{}
		}
	}

	removed := 0
	for id := range owners {
		if ctx.Err() != nil {
			break
		}
		u, err := r.users.GetUser(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			removed += r.RemoveUser(id)
		case err != nil:
			r.log.Warn("orphan check failed", logx.Int64("user", id), logx.Err(err))
		case u.Paused:
			removed += r.RemoveUser(id)
		}
	}
	return removed
}
