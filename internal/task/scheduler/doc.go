// Package scheduler is the job registry and the clock that fires it.
//
// The registry is a table of jobs keyed by JobKey. Upserting an existing key
// replaces its trigger in place; the dispatcher and registry mutations share
// one lock, so a due-time scan never sees a job half replaced.
//
// The scheduler only decides when a job is due. Execution is handed to an
// Executor (internal/task/engine) without blocking the loop.
package scheduler
