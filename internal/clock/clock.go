// Package clock abstracts time so token expiry can be tested without sleeping.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// Real implements Clock using the system time.
type Real struct{}

// Now returns the current time.
func (Real) Now() time.Time {
	return time.Now()
}

// Mock implements Clock with a controllable time value.
type Mock struct {
	mu      sync.RWMutex
	current time.Time
}

// NewMock creates a mock clock initialized to t.
// If t is zero, the clock starts at the current time.
func NewMock(t time.Time) *Mock {
	if t.IsZero() {
		t = time.Now()
	}
	return &Mock{current: t}
}

// Now returns the current time according to this mock clock.
func (m *Mock) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Advance moves the clock forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
}

// Set sets the clock to a specific time.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = t
}
