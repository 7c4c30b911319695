package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"moodping/internal/eventbus"
	"moodping/internal/task/engine"
	logx "moodping/pkg/logx"

	rtsup "moodping/internal/runtime/supervisor"
)

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	bus  eventbus.Bus
	exec Executor
	now  func() time.Time

	jobs map[JobKey]*entry
	h    jobHeap

	wake chan struct{}

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	// Enqueue error throttling: key is the job key string.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type Option func(*Service)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, exec Executor, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		cfg:         cfg.withDefaults(),
		log:         log.With(logx.String("comp", "scheduler")),
		bus:         bus,
		exec:        exec,
		now:         time.Now,
		jobs:        map[JobKey]*entry{},
		wake:        make(chan struct{}, 1),
		lastEnqWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply updates the default grace window and loop limits. Jobs that carry
// their own grace are unaffected.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
	s.notify()
}

// Start runs the dispatch loop. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.stopDone = make(chan struct{})
	stopCh := s.stopCh
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	jobs := len(s.jobs)
	s.mu.Unlock()

	sup.GoRestart("dispatch", func(c context.Context) error {
		s.loop(c, stopCh)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("dispatch loop exited unexpectedly")
	}, rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second))

	s.log.Info("service started", logx.Int("jobs", jobs))
}

// Stop halts the loop. Registered jobs stay in the registry; in-flight
// callbacks are left to the executor.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	done := s.stopDone
	sup := s.sup
	stopping := false
	select {
	case <-stopCh:
		stopping = true
	default:
		close(stopCh)
	}
	s.mu.Unlock()

	if !stopping {
		sup.Cancel()
		go func() {
			_ = sup.Wait(context.Background())
			s.mu.Lock()
			s.stopCh = nil
			s.stopDone = nil
			s.sup = nil
			s.mu.Unlock()
			close(done)
		}()
	}

	select {
	case <-done:
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		s.log.Warn("service stop timed out", logx.Err(ctx.Err()))
	}
}

// Running reports whether the dispatch loop is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return false
	}
	select {
	case <-s.stopCh:
		return false
	default:
		return true
	}
}

func (s *Service) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) {
	for {
		now := s.now()
		s.fireDue(now)

		tmr := time.NewTimer(s.sleepFor(now))
		select {
		case <-ctx.Done():
			tmr.Stop()
			return
		case <-stopCh:
			tmr.Stop()
			return
		case <-s.wake:
			tmr.Stop()
		case <-tmr.C:
		}
	}
}

// sleepFor returns the time until the earliest due job, capped at MaxSleep.
func (s *Service) sleepFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.cfg.MaxSleep
	if top := s.h.peek(); top != nil {
		if until := top.next.Sub(now); until < d {
			d = until
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

type dispatch struct {
	job       Job
	scheduled time.Time
	lateness  time.Duration
}

// fireDue fires every job due at or before now and reschedules it.
// It returns the number of firings handed to the executor.
func (s *Service) fireDue(now time.Time) int {
	var fire, dropped []dispatch

	s.mu.Lock()
	def := s.cfg.Grace
	for {
		top := s.h.peek()
		if top == nil || top.next.After(now) {
			break
		}
		heap.Pop(&s.h)

		d := dispatch{job: top.job, scheduled: top.next, lateness: now.Sub(top.next)}
		grace := top.job.Grace
		if grace <= 0 {
			grace = def
		}
		if d.lateness <= grace {
			fire = append(fire, d)
			top.lastFired = top.next
		} else {
			dropped = append(dropped, d)
		}

		// Compute from now so a long outage never replays a backlog.
		next := top.job.Trigger.Next(now)
		if next.IsZero() {
			delete(s.jobs, top.job.Key)
			continue
		}
		top.next = next
		heap.Push(&s.h, top)
	}
	s.mu.Unlock()

	for _, d := range dropped {
		s.onMisfireDropped(d)
	}
	for _, d := range fire {
		s.dispatch(now, d)
	}
	return len(fire)
}

func (s *Service) dispatch(now time.Time, d dispatch) {
	key := d.job.Key.String()
	ev := FireEvent{Job: key, Category: string(d.job.Key.Category), Scheduled: d.scheduled, Lateness: d.lateness}
	f := Firing{Key: d.job.Key, Scheduled: d.scheduled, Fired: now}
	run := d.job.Run

	var err error
	if s.exec == nil {
		err = engine.ErrStopped
	} else {
		err = s.exec.Enqueue(engine.Task{
			Key:  key,
			Name: string(d.job.Key.Category),
			Run:  func(ctx context.Context) error { return run(ctx, f) },
		})
	}
	if err != nil {
		ev.Error = err.Error()
		s.reportEnqueueError(key, err)
	} else {
		s.log.Debug("job.fired", logx.String("job", key), logx.Time("scheduled", d.scheduled), logx.Duration("lateness", d.lateness))
	}
	s.bus.Publish(eventbus.Event{Type: "job.fired", Time: now, Data: ev})
}

func (s *Service) onMisfireDropped(d dispatch) {
	key := d.job.Key.String()
	s.log.Info("job.misfire_dropped", logx.String("job", key), logx.Time("scheduled", d.scheduled), logx.Duration("lateness", d.lateness))
	s.bus.Publish(eventbus.Event{Type: "job.misfire_dropped", Data: FireEvent{
		Job:       key,
		Category:  string(d.job.Key.Category),
		Scheduled: d.scheduled,
		Lateness:  d.lateness,
	}})
}
