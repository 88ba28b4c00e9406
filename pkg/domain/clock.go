package domain

import (
	"sync"
	"time"
)

// Stamper hands out strictly increasing UTC timestamps from a clock, so the
// latest-calculated_at-wins writes of one writer never tie.
type Stamper struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// NewStamper wraps now; nil means time.Now.
func NewStamper(now func() time.Time) *Stamper {
	if now == nil {
		now = time.Now
	}
	return &Stamper{now: now}
}

// Stamp returns now, nudged one nanosecond past the previous stamp when the
// clock has not moved.
func (s *Stamper) Stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}
