package scheduler

import (
	"context"
	"time"

	"moodping/internal/task/engine"
	"moodping/internal/task/trigger"
)

// Config controls the dispatcher.
type Config struct {
	// Grace is the default misfire window for jobs that do not set their own.
	Grace time.Duration
	// MaxSleep bounds how long the loop sleeps without re-checking the heap.
	MaxSleep time.Duration
	// UpcomingLimit caps Status().Upcoming.
	UpcomingLimit int
}

const (
	DefaultGrace         = 5 * time.Minute
	defaultMaxSleep      = time.Minute
	defaultUpcomingLimit = 50
)

func (c Config) withDefaults() Config {
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	if c.MaxSleep <= 0 {
		c.MaxSleep = defaultMaxSleep
	}
	if c.UpcomingLimit <= 0 {
		c.UpcomingLimit = defaultUpcomingLimit
	}
	return c
}

// Firing describes one occurrence handed to a callback.
type Firing struct {
	Key       JobKey
	Scheduled time.Time
	Fired     time.Time
}

type Callback func(ctx context.Context, f Firing) error

// Job is a registry entry. Grace 0 means the scheduler default.
//
// CatchUp makes a newly added job pick up an occurrence that passed within
// its grace window. It is meant for rebuilding the registry after a restart;
// it does not take part in the Unchanged comparison.
type Job struct {
	Key     JobKey
	Trigger trigger.Spec
	Run     Callback
	Grace   time.Duration
	CatchUp bool
}

// JobInfo is a read-only view of a registered job.
type JobInfo struct {
	Key       JobKey
	Trigger   trigger.Spec
	Grace     time.Duration
	Next      time.Time
	LastFired time.Time
}

// Change reports what Upsert did.
type Change int

const (
	Unchanged Change = iota
	Added
	Replaced
)

func (c Change) String() string {
	switch c {
	case Added:
		return "added"
	case Replaced:
		return "replaced"
	default:
		return "unchanged"
	}
}

// Executor runs fired callbacks. Enqueue must not block.
type Executor interface {
	Enqueue(t engine.Task) error
}

// Upcoming is one entry of Status().Upcoming.
type Upcoming struct {
	ID                 string    `json:"id"`
	NextFireTime       time.Time `json:"next_fire_time"`
	TriggerDescription string    `json:"trigger_description"`
}

type Status struct {
	Running   bool       `json:"running"`
	TotalJobs int        `json:"total_jobs"`
	Upcoming  []Upcoming `json:"upcoming"`
}

// FireEvent is published as job.fired and job.misfire_dropped.
type FireEvent struct {
	Job       string        `json:"job"`
	Category  string        `json:"category"`
	Scheduled time.Time     `json:"scheduled"`
	Lateness  time.Duration `json:"lateness"`
	Error     string        `json:"error,omitempty"`
}
