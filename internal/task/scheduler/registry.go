package scheduler

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"
	"time"

	"moodping/internal/eventbus"
	"moodping/internal/task/trigger"
	logx "moodping/pkg/logx"
)

// Upsert adds a job or replaces the trigger of an existing one in place.
//
// The first occurrence is searched from now, or from now minus the grace
// window when job.CatchUp is set. A replaced job never refires an
// occurrence that already fired.
func (s *Service) Upsert(job Job) (Change, error) {
	if err := job.Key.validate(); err != nil {
		return Unchanged, err
	}
	if job.Run == nil {
		return Unchanged, fmt.Errorf("%w: %s: nil callback", ErrInvalidJob, job.Key)
	}
	switch job.Trigger.Kind {
	case trigger.KindOnce:
		if job.Trigger.At.IsZero() {
			return Unchanged, fmt.Errorf("%w: %s: one-shot without instant", ErrInvalidJob, job.Key)
		}
	case trigger.KindRecurring:
	default:
		return Unchanged, fmt.Errorf("%w: %s: unknown trigger kind", ErrInvalidJob, job.Key)
	}

	s.mu.Lock()
	now := s.now()
	grace := job.Grace
	if grace <= 0 {
		grace = s.cfg.Grace
	}
	from := now
	if job.CatchUp {
		// One extra second so an occurrence exactly grace ago is still found.
		from = now.Add(-grace - time.Second)
	}

	cur, exists := s.jobs[job.Key]
	if exists && cur.job.Trigger.Equal(job.Trigger) && cur.job.Grace == job.Grace {
		// Same schedule: keep the heap position, refresh the callback.
		cur.job.Run = job.Run
		s.mu.Unlock()
		return Unchanged, nil
	}
	if exists && cur.lastFired.After(from) {
		from = cur.lastFired
	}

	next := job.Trigger.Next(from)
	if next.IsZero() {
		if exists {
			s.removeLocked(cur)
		}
		s.mu.Unlock()
		return Unchanged, fmt.Errorf("%w: %s: trigger never fires after %s", ErrInvalidJob, job.Key, from.Format(time.RFC3339))
	}

	change := Added
	if exists {
		change = Replaced
		cur.job = job
		cur.next = next
		heap.Fix(&s.h, cur.index)
	} else {
		e := &entry{job: job, next: next}
		s.jobs[job.Key] = e
		heap.Push(&s.h, e)
	}
	preview := s.previewNextRunsLocked(job.Trigger, next, 3)
	total := len(s.jobs)
	s.mu.Unlock()

	s.notify()
	fields := []logx.Field{logx.String("job", job.Key.String()), logx.String("change", change.String()), logx.String("trigger", job.Trigger.String())}
	if preview != "" {
		fields = append(fields, logx.String("next", preview))
	}
	s.log.Debug("job registered", fields...)
	s.bus.Publish(eventbus.Event{Type: "job.registered", Data: total})
	return change, nil
}

// Remove unschedules key. Removing an absent key is a no-op returning false.
// A firing already handed to the executor is not interrupted.
func (s *Service) Remove(key JobKey) bool {
	s.mu.Lock()
	e, ok := s.jobs[key]
	if ok {
		s.removeLocked(e)
	}
	total := len(s.jobs)
	s.mu.Unlock()

	if ok {
		s.notify()
		s.log.Debug("job removed", logx.String("job", key.String()))
		s.bus.Publish(eventbus.Event{Type: "job.removed", Data: total})
	}
	return ok
}

// RemoveMatching removes every job whose key matches and returns the count.
func (s *Service) RemoveMatching(match KeyFilter) int {
	if match == nil {
		return 0
	}
	s.mu.Lock()
	n := 0
	for k, e := range s.jobs {
		if match(k) {
			s.removeLocked(e)
			n++
		}
	}
	total := len(s.jobs)
	s.mu.Unlock()

	if n > 0 {
		s.notify()
		s.log.Debug("jobs removed", logx.Int("count", n))
		s.bus.Publish(eventbus.Event{Type: "job.removed", Data: total})
	}
	return n
}

// removeLocked drops e from both the map and the heap. Call with s.mu held.
func (s *Service) removeLocked(e *entry) {
	delete(s.jobs, e.job.Key)
	if e.index >= 0 && e.index < len(s.h) && s.h[e.index] == e {
		heap.Remove(&s.h, e.index)
	}
}

// Get returns the job registered under key or ErrJobNotFound.
func (s *Service) Get(key JobKey) (JobInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[key]
	if !ok {
		return JobInfo{}, fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	return e.info(), nil
}

// List returns all jobs ordered by next fire time.
func (s *Service) List() []JobInfo {
	return s.ListMatching(nil)
}

// ListMatching is List restricted to keys accepted by match (nil accepts all).
func (s *Service) ListMatching(match KeyFilter) []JobInfo {
	s.mu.Lock()
	out := make([]JobInfo, 0, len(s.jobs))
	for k, e := range s.jobs {
		if match == nil || match(k) {
			out = append(out, e.info())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Next.Equal(out[j].Next) {
			return out[i].Next.Before(out[j].Next)
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Len returns the number of registered jobs.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (e *entry) info() JobInfo {
	return JobInfo{Key: e.job.Key, Trigger: e.job.Trigger, Grace: e.job.Grace, Next: e.next, LastFired: e.lastFired}
}

// previewNextRunsLocked returns a short list of upcoming run times for debug
// logs. Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec trigger.Spec, first time.Time, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	loc := spec.Location
	if loc == nil {
		loc = time.UTC
	}
	var b strings.Builder
	t := first
	for i := 0; i < n && !t.IsZero(); i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.In(loc).Format("2006-01-02 15:04:05"))
		t = spec.Next(t)
	}
	return b.String()
}
