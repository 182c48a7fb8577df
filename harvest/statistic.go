package harvest

import (
	"sync"
	"time"
)

// Statistic holds per-provider run counters. Each provider's statistic is
// touched only by its own worker, but the mutex keeps the type safe if a
// reconciler and scenario ever share one.
type Statistic struct {
	mu sync.Mutex

	requests  int
	harvested int
	start     time.Time
}

// NewStatistic starts the clock for one provider run.
func NewStatistic() *Statistic {
	return &Statistic{start: time.Now()}
}

// AddRequest counts one request issued against the provider.
func (s *Statistic) AddRequest() {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()
}

// AddHarvested counts n records that made it through the pipeline.
func (s *Statistic) AddHarvested(n int) {
	s.mu.Lock()
	s.harvested += n
	s.mu.Unlock()
}

// Requests returns the number of requests issued so far.
func (s *Statistic) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Harvested returns the number of records harvested so far.
func (s *Statistic) Harvested() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.harvested
}

// Elapsed returns the run duration so far.
func (s *Statistic) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.start)
}
