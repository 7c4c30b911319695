package engine

import (
	"context"
	"time"
)

// Config controls the task execution engine.
//
// The scheduler only decides when something is due; execution belongs here.
type Config struct {
	Workers   int
	QueueSize int

	// MaxInFlight caps queued plus running tasks sharing one Key.
	MaxInFlight int

	HistorySize int
}

const (
	defaultWorkers     = 4
	defaultQueueSize   = 256
	defaultMaxInFlight = 3
	defaultHistorySize = 200
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = defaultMaxInFlight
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

// Task is a unit of work executed by the engine.
//
// Key groups tasks for the in-flight cap (the scheduler uses the job key).
// ID identifies one execution and is generated when empty.
type Task struct {
	ID   string
	Key  string
	Name string
	Run  func(ctx context.Context) error
}

type HistoryItem struct {
	ID         string
	Key        string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Key        string        `json:"key"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	Panic      bool          `json:"panic,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running     bool
	Workers     int
	QueueLen    int
	QueueCap    int
	MaxInFlight int
	InFlight    int
	Keys        int

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedInFlight  uint64
	Failed           uint64

	History []HistoryItem
}
