package bacbridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servisys/bacbridge/store"
)

func testPoint(id string, interval time.Duration) store.Point {
	return store.Point{ID: id, Name: id, PollInterval: interval}
}

func TestSchedulerAlignsFirstPollToMinute(t *testing.T) {
	s := newScheduler()
	points := []store.Point{testPoint("p1", time.Minute)}
	now := time.Date(2026, 8, 24, 10, 15, 42, 0, time.UTC)

	// First sighting is never polled immediately.
	due := s.due(points, now, time.Minute)
	assert.Empty(t, due)

	// Still not due just before the boundary.
	due = s.due(points, now.Add(17*time.Second), time.Minute)
	assert.Empty(t, due)

	// Due exactly at the boundary.
	boundary := time.Date(2026, 8, 24, 10, 16, 0, 0, time.UTC)
	due = s.due(points, boundary, time.Minute)
	require.Len(t, due, 1)
	assert.Equal(t, "p1", due[0].ID)
}

func TestSchedulerRespectsInterval(t *testing.T) {
	s := newScheduler()
	points := []store.Point{testPoint("fast", 30*time.Second), testPoint("slow", 5*time.Minute)}
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)

	s.due(points, now.Add(-time.Second), time.Minute)

	due := s.due(points, now, time.Minute)
	require.Len(t, due, 2, "both points land on their first boundary")
	s.markPolled("fast", 30*time.Second, now)
	s.markPolled("slow", 5*time.Minute, now)

	due = s.due(points, now.Add(30*time.Second), time.Minute)
	require.Len(t, due, 1)
	assert.Equal(t, "fast", due[0].ID)

	s.markPolled("fast", 30*time.Second, now.Add(30*time.Second))
	due = s.due(points, now.Add(45*time.Second), time.Minute)
	assert.Empty(t, due)
}

func TestSchedulerDefaultInterval(t *testing.T) {
	s := newScheduler()
	points := []store.Point{testPoint("p", 0)}
	now := time.Date(2026, 8, 24, 9, 0, 30, 0, time.UTC)

	assert.Equal(t, 2*time.Minute, pollInterval(points[0], 2*time.Minute))
	s.due(points, now, 2*time.Minute)

	// First poll lands on the next minute boundary.
	boundary := now.Add(30 * time.Second)
	due := s.due(points, boundary, 2*time.Minute)
	require.Len(t, due, 1)
	s.markPolled("p", 2*time.Minute, boundary)

	// After that the default interval applies.
	due = s.due(points, boundary.Add(time.Minute), 2*time.Minute)
	assert.Empty(t, due)
	due = s.due(points, boundary.Add(2*time.Minute), 2*time.Minute)
	assert.Len(t, due, 1)
}

// Slow reads must not slide the schedule: the next due time advances from
// the scheduled time, not from when the read finished.
func TestSchedulerAnchoredAdvancement(t *testing.T) {
	s := newScheduler()
	points := []store.Point{testPoint("p", time.Minute)}
	seen := time.Date(2026, 8, 24, 10, 0, 27, 0, time.UTC)
	boundary := time.Date(2026, 8, 24, 10, 1, 0, 0, time.UTC)

	s.due(points, seen, time.Minute)
	due := s.due(points, boundary, time.Minute)
	require.Len(t, due, 1)

	// The read takes 7 seconds to complete.
	s.markPolled("p", time.Minute, boundary.Add(7*time.Second))

	due = s.due(points, boundary.Add(55*time.Second), time.Minute)
	assert.Empty(t, due)
	due = s.due(points, boundary.Add(time.Minute), time.Minute)
	require.Len(t, due, 1, "still due on the minute boundary after a slow read")
}

// A point that missed several cycles is polled once and rejoins the
// aligned schedule, not polled repeatedly to catch up.
func TestSchedulerNoCatchUpBurst(t *testing.T) {
	s := newScheduler()
	points := []store.Point{testPoint("p", time.Minute)}
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)

	s.due(points, now.Add(-time.Second), time.Minute)
	late := now.Add(10*time.Minute + 3*time.Second)

	due := s.due(points, late, time.Minute)
	require.Len(t, due, 1)
	s.markPolled("p", time.Minute, late)

	due = s.due(points, late.Add(5*time.Second), time.Minute)
	assert.Empty(t, due)
	assert.Equal(t, now.Add(11*time.Minute), s.nextDue["p"],
		"catch-up jumps to the next aligned multiple")
}

func TestSchedulerPrune(t *testing.T) {
	s := newScheduler()
	a, b := testPoint("a", time.Minute), testPoint("b", time.Minute)
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)

	s.due([]store.Point{a, b}, now, time.Minute)
	require.Len(t, s.nextDue, 2)

	s.prune([]store.Point{a})
	assert.Len(t, s.nextDue, 1)
	_, ok := s.nextDue["b"]
	assert.False(t, ok)

	// Re-enabled point realigns instead of firing at once.
	due := s.due([]store.Point{a, b}, now.Add(30*time.Minute), time.Minute)
	for _, p := range due {
		assert.NotEqual(t, "b", p.ID)
	}
}
