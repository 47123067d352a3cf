// Package clock centralizes time access and ID generation. Components never
// read the OS clock directly; they hold a Clock so tests can pin time.
package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock supplies the current time. All times are UTC.
type Clock interface {
	Now() time.Time
}

// System reads the real OS clock.
type System struct{}

func NewSystem() *System { return &System{} }

func (s *System) Now() time.Time { return time.Now().UTC() }

// Manual is a test clock advanced explicitly.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.UTC()
}

// =============================================================================
// ID GENERATION
// =============================================================================

// NewID returns a sortable collision-resistant identifier. The nanosecond
// timestamp is zero-padded so lexicographic order matches creation order, and
// the UUID suffix keeps IDs unique within a nanosecond.
func NewID(c Clock, prefix string) string {
	return fmt.Sprintf("%s_%020d_%s", prefix, c.Now().UnixNano(), uuid.NewString()[:8])
}
