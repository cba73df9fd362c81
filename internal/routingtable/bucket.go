package routingtable

import (
	"sync"
	"time"

	"github.com/duskmesh/dht/internal/id"
)

// KBucket is the capacity-K set of routing entries covering one Prefix.
type KBucket struct {
	mu            sync.RWMutex
	Prefix        id.Prefix
	entries       map[id.Id]*KBucketEntry
	HomeBucket    bool
	LastRefreshed time.Time

	// UnderutilizedSince tracks how long this bucket has continuously
	// qualified, alongside its sibling, for the merge heuristic of
	// Maintenance; zero means "not currently under observation".
	UnderutilizedSince time.Time
}

func newKBucket(prefix id.Prefix, home bool) *KBucket {
	return &KBucket{
		Prefix:     prefix,
		entries:    make(map[id.Id]*KBucketEntry),
		HomeBucket: home,
	}
}

// Len reports the number of entries currently in the bucket.
func (b *KBucket) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// IsFull reports whether the bucket has reached capacity K.
func (b *KBucket) IsFull() bool {
	return b.Len() >= K
}

// Get returns the entry for id, if present.
func (b *KBucket) Get(nodeID id.Id) (*KBucketEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[nodeID]
	return e, ok
}

// All returns a snapshot slice of every entry in the bucket.
func (b *KBucket) All() []*KBucketEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*KBucketEntry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	return out
}

// insertDirect places entry unconditionally, used only when the caller
// has already established room exists (or is replacing a tail entry).
func (b *KBucket) insertDirect(e *KBucketEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[e.Info.Id] = e
}

// remove deletes the entry for id, if present, reporting whether it
// existed.
func (b *KBucket) remove(nodeID id.Id) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[nodeID]; !ok {
		return false
	}
	delete(b.entries, nodeID)
	return true
}

// findReplaceable returns an entry needing replacement, if any, so the
// caller can evict it in favor of a newly-seen reachable node.
func (b *KBucket) findReplaceable() (id.Id, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for nodeID, e := range b.entries {
		if e.NeedsReplacement() {
			return nodeID, true
		}
	}
	return id.Id{}, false
}

// random returns one random entry from the bucket, if non-empty.
func (b *KBucket) random() (*KBucketEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range b.entries {
		return e, true
	}
	return nil, false
}
