package engine

import "sync"

// inflightGate counts queued plus running tasks per key.
type inflightGate struct {
	mu     sync.Mutex
	counts map[string]int
}

func (g *inflightGate) tryAcquire(key string, limit int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.counts == nil {
		g.counts = make(map[string]int)
	}
	if limit > 0 && g.counts[key] >= limit {
		return false
	}
	g.counts[key]++
	return true
}

func (g *inflightGate) release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.counts[key]
	switch {
	case n <= 1:
		delete(g.counts, key)
	default:
		g.counts[key] = n - 1
	}
}

func (g *inflightGate) count(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[key]
}

// totals returns the number of tracked tasks and distinct keys.
func (g *inflightGate) totals() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := 0
	for _, n := range g.counts {
		total += n
	}
	return total, len(g.counts)
}
