// Package clock supplies wall-clock time to components that stamp files,
// with a manual implementation for tests.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current calendar time. A zero time means the calendar
// time is unavailable.
type Clock interface {
	Now() time.Time
}

// Local reports time in Location, or in the host's local zone when Location
// is nil.
type Local struct {
	Location *time.Location
}

// Now returns the current time in the configured zone.
func (l Local) Now() time.Time {
	if l.Location != nil {
		return time.Now().In(l.Location)
	}
	return time.Now().Local()
}

// Manual is a settable clock for deterministic tests.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock fixed at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set replaces the manual time. Setting the zero time simulates an
// unavailable calendar.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the manual time forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}
