package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"moodping/internal/eventbus"
	logx "moodping/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt, ok := <-queue:
			if !ok {
				return
			}
			s.execOne(ctx, qt)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	defer s.gate.release(qt.task.Key)

	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if qt.enqueuedAt.IsZero() || queueDelay < 0 {
		queueDelay = 0
	}
	t := qt.task

	s.log.Debug("task.started", logx.String("job", t.Key), logx.Duration("queue_delay", queueDelay))
	s.bus.Publish(eventbus.Event{Type: "task.started", Time: start, Data: TaskEvent{ID: t.ID, Key: t.Key, Name: t.Name, Started: start, QueueDelay: queueDelay}})

	// The worker context is not passed on: stopping the engine must not
	// interrupt a send that is already in progress.
	err := s.runGuarded(context.WithoutCancel(ctx), t)

	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, Key: t.Key, Started: start, QueueDelay: queueDelay, Duration: dur}
	ev := TaskEvent{ID: t.ID, Key: t.Key, Name: t.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		atomic.AddUint64(&s.failed, 1)
		item.Error = err.Error()
		ev.Error = item.Error
		ev.Panic = err.Panic != nil
		fields := []logx.Field{logx.String("job", t.Key), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur)}
		if err.Stack != "" {
			fields = append(fields, logx.Stack(err.Stack))
		}
		s.log.Warn("task.failed", fields...)
		s.bus.Publish(eventbus.Event{Type: "task.failed", Time: time.Now(), Data: ev})
	} else {
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("job", t.Key), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task.completed", logx.String("job", t.Key), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		}
		s.bus.Publish(eventbus.Event{Type: "task.finished", Time: time.Now(), Data: ev})
	}
	s.record(item)
}

// runGuarded converts returned errors and panics into *CallbackError so one
// bad callback cannot kill a worker.
func (s *Service) runGuarded(ctx context.Context, t Task) (cbErr *CallbackError) {
	defer func() {
		if r := recover(); r != nil {
			cbErr = &CallbackError{Job: t.Key, Err: fmt.Errorf("panic: %v", r), Panic: r, Stack: string(debug.Stack())}
		}
	}()
	if err := t.Run(ctx); err != nil {
		return &CallbackError{Job: t.Key, Err: err}
	}
	return nil
}
