package bacbridge

import (
	"time"

	"github.com/servisys/bacbridge/store"
)

// scheduler tracks when each point is next due. It performs no I/O; the
// polling loop asks it which points are due each tick.
type scheduler struct {
	nextDue map[string]time.Time
}

func newScheduler() *scheduler {
	return &scheduler{nextDue: make(map[string]time.Time)}
}

// nextMinute returns the minute boundary at or after t.
func nextMinute(t time.Time) time.Time {
	aligned := t.Truncate(time.Minute)
	if aligned.Equal(t) {
		return aligned
	}
	return aligned.Add(time.Minute)
}

func pollInterval(p store.Point, def time.Duration) time.Duration {
	if p.PollInterval > 0 {
		return p.PollInterval
	}
	return def
}

// due returns the points whose scheduled time has arrived at now. A point
// seen for the first time is not polled immediately; its first due time is
// the next minute boundary.
func (s *scheduler) due(points []store.Point, now time.Time, defaultInterval time.Duration) []store.Point {
	boundary := nextMinute(now)
	var due []store.Point
	for _, p := range points {
		next, ok := s.nextDue[p.ID]
		if !ok {
			s.nextDue[p.ID] = boundary
			continue
		}
		if !now.Before(next) {
			due = append(due, p)
		}
	}
	return due
}

// markPolled advances the point's scheduled time by its interval. The
// advancement is anchored to the schedule, never to when the read
// finished, so slow reads cannot slide polls off the minute boundary. A
// point that fell more than one interval behind jumps to the next
// multiple past now instead of bursting to catch up.
func (s *scheduler) markPolled(pointID string, interval time.Duration, now time.Time) {
	next, ok := s.nextDue[pointID]
	if !ok || interval <= 0 {
		return
	}
	next = next.Add(interval)
	if !next.After(now) {
		missed := now.Sub(next)/interval + 1
		next = next.Add(time.Duration(missed) * interval)
	}
	s.nextDue[pointID] = next
}

// prune drops state for points no longer in the active set so a point
// that is disabled and later re-enabled realigns to the minute boundary.
func (s *scheduler) prune(points []store.Point) {
	active := make(map[string]struct{}, len(points))
	for _, p := range points {
		active[p.ID] = struct{}{}
	}
	for id := range s.nextDue {
		if _, ok := active[id]; !ok {
			delete(s.nextDue, id)
		}
	}
}
