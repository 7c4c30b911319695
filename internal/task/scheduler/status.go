package scheduler

// Status is the health-check view of the scheduler.
func (s *Service) Status() Status {
	jobs := s.List()
	s.mu.Lock()
	limit := s.cfg.UpcomingLimit
	s.mu.Unlock()

	n := len(jobs)
	if n > limit {
		n = limit
	}
	up := make([]Upcoming, 0, n)
	for _, j := range jobs[:n] {
		up = append(up, Upcoming{
			ID:                 j.Key.String(),
			NextFireTime:       j.Next,
			TriggerDescription: j.Trigger.Describe(),
		})
	}
	return Status{Running: s.Running(), TotalJobs: len(jobs), Upcoming: up}
}
