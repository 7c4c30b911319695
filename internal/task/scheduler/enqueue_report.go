package scheduler

import (
	"errors"
	"time"

	"moodping/internal/task/engine"
	logx "moodping/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(key string, err error) {
	if err == nil {
		return
	}
	// The engine already warned about the capped job.
	if errors.Is(err, engine.ErrInFlightCap) {
		s.log.Debug("job firing skipped", logx.String("job", key), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[key]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[key] = now
	s.enqMu.Unlock()

	// Queue full / stopping are important but can be bursty.
	s.log.Warn("job failed to enqueue", logx.String("job", key), logx.Err(err))
}
