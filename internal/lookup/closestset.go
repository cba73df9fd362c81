package lookup

import (
	"sort"
	"sync"

	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/routingtable"
)

// ClosestSet is the bounded set of nodes that have successfully
// responded during a lookup, capacity K, oldest-tail evicted on
// overflow, tracking the stability counter that signals task
// completion (§4.5).
type ClosestSet struct {
	mu                             sync.Mutex
	target                         id.Id
	entries                        []routingtable.NodeInfo // kept sorted by distance to target, closest first
	insertAttemptSinceTailModified int
}

// NewClosestSet creates an empty closest-set for the given target.
func NewClosestSet(target id.Id) *ClosestSet {
	return &ClosestSet{target: target}
}

// Insert adds ni to the set in distance order, evicting the farthest
// (tail) entry if the set is already at capacity K. An insert that
// extends the set or lands within the first K resets the stability
// counter; any other insert increments it.
func (s *ClosestSet) Insert(ni routingtable.NodeInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.Id == ni.Id {
			s.insertAttemptSinceTailModified++
			return
		}
	}

	s.entries = append(s.entries, ni)
	sort.Slice(s.entries, func(i, j int) bool {
		return id.Cmp(s.target, s.entries[i].Id, s.entries[j].Id) < 0
	})

	tailChanged := len(s.entries) <= routingtable.K
	if len(s.entries) > routingtable.K {
		// The new entry only matters if it displaced the previous tail.
		tailChanged = false
		for i, e := range s.entries[:routingtable.K] {
			if e.Id == ni.Id {
				tailChanged = true
				_ = i
				break
			}
		}
		s.entries = s.entries[:routingtable.K]
	}

	if tailChanged {
		s.insertAttemptSinceTailModified = 0
	} else {
		s.insertAttemptSinceTailModified++
	}
}

// IsDone reports whether the set has stabilized: full at K entries and
// the tail has survived more than K subsequent insert attempts.
func (s *ClosestSet) IsDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) == routingtable.K && s.insertAttemptSinceTailModified > routingtable.K
}

// Entries returns the current closest-set contents, closest first.
func (s *ClosestSet) Entries() []routingtable.NodeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]routingtable.NodeInfo, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len reports the number of entries currently held.
func (s *ClosestSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
