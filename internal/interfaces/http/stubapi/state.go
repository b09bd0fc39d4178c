package stubapi

import (
	"sync"
	"time"

	"github.com/erp/dashsync/internal/notification"
	"github.com/jonboulle/clockwork"
)

// State is the in-memory data served by the stub
type State struct {
	clock clockwork.Clock

	mu          sync.RWMutex
	counts      notification.Counts
	lastUpdated map[string]time.Time
}

// NewState creates an empty state
func NewState(clock clockwork.Clock) *State {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &State{clock: clock, lastUpdated: make(map[string]time.Time)}
}

// Counts returns the current counters
func (s *State) Counts() notification.Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts
}

// Bump adds n new items to cat and marks the matching resource updated.
// The counter never goes below zero.
func (s *State) Bump(cat notification.Category, n int) notification.Counts {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counts = s.counts.With(cat, s.counts.Get(cat)+n)
	if n > 0 {
		s.lastUpdated[cat.Key()] = s.clock.Now().UTC()
	}
	return s.counts
}

// MarkViewed zeroes cat
func (s *State) MarkViewed(cat notification.Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = s.counts.With(cat, 0)
}

// Touch marks resource key as modified now
func (s *State) Touch(key string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now().UTC()
	s.lastUpdated[key] = now
	return now
}

// LastUpdated returns the modification time of every resource
func (s *State) LastUpdated() map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time, len(s.lastUpdated))
	for k, t := range s.lastUpdated {
		out[k] = t
	}
	return out
}
