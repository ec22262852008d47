package sink

import "sync"

type dedupKey struct {
	haystack string
	second   string
}

// dedupSet suppresses repeated readings. Reconnects replay retained or
// queued messages; a (point, second) pair is only written once. The set
// is bounded: once full, the oldest entries are dropped in a block.
type dedupSet struct {
	mu    sync.Mutex
	max   int
	evict int
	seen  map[dedupKey]struct{}
	order []dedupKey
}

func newDedupSet(max, evict int) *dedupSet {
	if max <= 0 {
		max = 1000
	}
	if evict <= 0 || evict > max {
		evict = 100
	}
	return &dedupSet{
		max:   max,
		evict: evict,
		seen:  make(map[dedupKey]struct{}, max),
	}
}

// insert returns false when the key was already present.
func (s *dedupSet) insert(k dedupKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[k]; dup {
		return false
	}
	s.seen[k] = struct{}{}
	s.order = append(s.order, k)
	if len(s.seen) > s.max {
		for _, old := range s.order[:s.evict] {
			delete(s.seen, old)
		}
		s.order = append(s.order[:0:0], s.order[s.evict:]...)
	}
	return true
}

func (s *dedupSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
