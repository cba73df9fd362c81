package routingtable

import (
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/logging"
)

// RoutingTable is the ordered mapping Prefix → KBucket, initially one
// universal bucket covering the whole id space. Buckets on the local
// id's path split as they fill; off-path buckets are replaced instead.
type RoutingTable struct {
	mu          sync.RWMutex
	localID     id.Id
	buckets     []*KBucket // kept in ascending Prefix.First() order
	logger      *slog.Logger
	lastMaint   time.Time
	lastBootTry time.Time
}

// New creates a routing table for localID with a single universal
// bucket.
func New(localID id.Id, logger *slog.Logger) *RoutingTable {
	if logger == nil {
		logger = logging.NopLogger()
	}
	universal := newKBucket(id.NewPrefix(), true)
	return &RoutingTable{
		localID: localID,
		buckets: []*KBucket{universal},
		logger:  logger,
	}
}

// bucketIndexFor returns the index of the bucket whose prefix covers
// target. The bucket list always partitions the full id space, so
// exactly one match exists.
func (rt *RoutingTable) bucketIndexFor(target id.Id) int {
	for i, b := range rt.buckets {
		if b.Prefix.Contains(target) {
			return i
		}
	}
	// Unreachable: the universal prefix always covers every id, and
	// every split preserves full coverage.
	return len(rt.buckets) - 1
}

// BucketEntry returns the entry for nodeID, if the routing table
// currently holds one.
func (rt *RoutingTable) BucketEntry(nodeID id.Id) (*KBucketEntry, bool) {
	rt.mu.RLock()
	idx := rt.bucketIndexFor(nodeID)
	b := rt.buckets[idx]
	rt.mu.RUnlock()
	return b.Get(nodeID)
}

// FindByAddr returns the entry whose address matches addr, if any,
// searching the whole table. Used by the received() pollution check
// (§4.6): a new id claiming an already-known address is suspicious.
func (rt *RoutingTable) FindByAddr(addr *net.UDPAddr) (*KBucketEntry, bool) {
	if addr == nil {
		return nil, false
	}
	for _, b := range rt.Buckets() {
		for _, e := range b.All() {
			if sameAddr(e.Info.Addr, addr) {
				return e, true
			}
		}
	}
	return nil, false
}

// BucketFor returns the bucket that currently covers target.
func (rt *RoutingTable) BucketFor(target id.Id) *KBucket {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.buckets[rt.bucketIndexFor(target)]
}

// Buckets returns a snapshot of the bucket list in prefix order.
func (rt *RoutingTable) Buckets() []*KBucket {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]*KBucket, len(rt.buckets))
	copy(out, rt.buckets)
	return out
}

// Size reports the total number of entries across every bucket.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	total := 0
	for _, b := range rt.buckets {
		total += b.Len()
	}
	return total
}

// Put inserts or merges entry into its covering bucket following the
// §4.2 discipline: merge on exact match, discard on id/addr conflict,
// insert directly if there's room, evict-and-replace if a replaceable
// entry exists, split-and-retry if the bucket is on the home path and
// splittable, otherwise drop on the floor.
func (rt *RoutingTable) Put(entry *KBucketEntry) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.putLocked(entry)
}

func (rt *RoutingTable) putLocked(entry *KBucketEntry) {
	idx := rt.bucketIndexFor(entry.Info.Id)
	b := rt.buckets[idx]

	if existing, ok := b.Get(entry.Info.Id); ok {
		if sameAddr(existing.Info.Addr, entry.Info.Addr) {
			rt.mergeLocked(existing, entry)
			return
		}
		rt.logger.Warn("routing table id/addr conflict, discarding",
			logging.KeyNodeID, entry.Info.Id.ShortString())
		return
	}

	if !b.IsFull() {
		b.insertDirect(entry)
		return
	}

	if entry.Reachable {
		if victim, ok := b.findReplaceable(); ok {
			b.remove(victim)
			b.insertDirect(entry)
			return
		}
	}

	if b.HomeBucket && b.Prefix.IsSplittable() && entry.Reachable {
		rt.splitLocked(idx)
		rt.putLocked(entry)
		return
	}

	// Bucket full, entry not reachable enough to evict anyone, and
	// either off the home path or unsplittable: drop on the floor.
}

func (rt *RoutingTable) mergeLocked(existing, incoming *KBucketEntry) {
	existing.Info = incoming.Info
	if incoming.LastSeen.After(existing.LastSeen) {
		existing.LastSeen = incoming.LastSeen
	}
	if incoming.LastSent.After(existing.LastSent) {
		existing.LastSent = incoming.LastSent
	}
	if incoming.Reachable {
		existing.Reachable = true
	}
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}

// splitLocked replaces the bucket at idx with its two children,
// routing existing entries by the newly-fixed bit (§4.2: "each
// existing entry is routed into exactly one child by the bit at
// position d+1"). Children start with a zero LastRefreshed.
func (rt *RoutingTable) splitLocked(idx int) {
	old := rt.buckets[idx]
	zeroPrefix, onePrefix := old.Prefix.Split()

	zeroIsHome := zeroPrefix.Contains(rt.localID)
	oneIsHome := onePrefix.Contains(rt.localID)

	zeroBucket := newKBucket(zeroPrefix, zeroIsHome)
	oneBucket := newKBucket(onePrefix, oneIsHome)

	for _, e := range old.All() {
		if zeroPrefix.Contains(e.Info.Id) {
			zeroBucket.insertDirect(e)
		} else {
			oneBucket.insertDirect(e)
		}
	}

	rt.buckets = append(rt.buckets[:idx], append([]*KBucket{zeroBucket, oneBucket}, rt.buckets[idx+1:]...)...)
}

// fixMisfiledLocked relocates any entry that no longer sits under the
// bucket covering its id, which can happen if a split raced with an
// in-flight insert. Must be called with rt.mu held.
func (rt *RoutingTable) fixMisfiledLocked() {
	for _, b := range rt.buckets {
		for _, e := range b.All() {
			if !b.Prefix.Contains(e.Info.Id) {
				b.remove(e.Info.Id)
				rt.putLocked(e)
			}
		}
	}
}

// siblingParent reports the shared parent prefix of a and b if they
// are siblings (same depth, same parent), or false otherwise.
func siblingParent(a, b id.Prefix) (id.Prefix, bool) {
	if a.Depth != b.Depth {
		return id.Prefix{}, false
	}
	ap, ok := a.Parent()
	if !ok {
		return id.Prefix{}, false
	}
	bp, ok := b.Parent()
	if !ok || ap != bp {
		return id.Prefix{}, false
	}
	return ap, true
}

// mergeSiblingsLocked scans adjacent bucket pairs for siblings whose
// combined entry count has stayed within capacity for at least
// MergeSustainHold, collapsing each such pair into their parent
// bucket. Neither bucket in a mergeable pair can be the home bucket,
// since the home bucket's sibling never contains the local id and the
// pair's parent would then also not be home. Must be called with
// rt.mu held.
func (rt *RoutingTable) mergeSiblingsLocked() {
	for i := 0; i+1 < len(rt.buckets); i++ {
		a, b := rt.buckets[i], rt.buckets[i+1]
		if a.HomeBucket || b.HomeBucket {
			continue
		}
		parent, ok := siblingParent(a.Prefix, b.Prefix)
		if !ok || a.Len()+b.Len() > K {
			a.UnderutilizedSince = time.Time{}
			continue
		}
		if a.UnderutilizedSince.IsZero() {
			a.UnderutilizedSince = time.Now()
			continue
		}
		if time.Since(a.UnderutilizedSince) < MergeSustainHold {
			continue
		}

		merged := newKBucket(parent, false)
		for _, e := range a.All() {
			merged.insertDirect(e)
		}
		for _, e := range b.All() {
			merged.insertDirect(e)
		}
		rt.buckets = append(rt.buckets[:i], append([]*KBucket{merged}, rt.buckets[i+2:]...)...)
		i-- // re-examine from the merged bucket's new neighbors
	}
}

// Remove deletes the entry for id if present.
func (rt *RoutingTable) Remove(nodeID id.Id) bool {
	rt.mu.RLock()
	idx := rt.bucketIndexFor(nodeID)
	b := rt.buckets[idx]
	rt.mu.RUnlock()
	return b.remove(nodeID)
}

// OnTimeout records a failed round trip against the entry for id.
func (rt *RoutingTable) OnTimeout(nodeID id.Id) {
	if e, ok := rt.BucketEntry(nodeID); ok {
		e.OnTimeout()
	}
}

// OnSend records that a request was just sent to the entry for id.
func (rt *RoutingTable) OnSend(nodeID id.Id) {
	if e, ok := rt.BucketEntry(nodeID); ok {
		e.OnSend()
	}
}

// RandomEntry returns one random entry from the whole table.
func (rt *RoutingTable) RandomEntry() (*KBucketEntry, bool) {
	entries := rt.RandomEntries(1)
	if len(entries) == 0 {
		return nil, false
	}
	return entries[0], true
}

// RandomEntries returns up to n random, distinct entries from across
// the whole table.
func (rt *RoutingTable) RandomEntries(n int) []*KBucketEntry {
	rt.mu.RLock()
	var all []*KBucketEntry
	for _, b := range rt.buckets {
		all = append(all, b.All()...)
	}
	rt.mu.RUnlock()

	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	if n > len(all) {
		n = len(all)
	}
	return all[:n]
}

// RandomIdInBucket returns a random Id falling within the given
// bucket's prefix, for refresh lookups targeting underpopulated
// regions of the keyspace.
func RandomIdInBucket(b *KBucket) id.Id {
	var out id.Id
	first := b.Prefix.First()
	last := b.Prefix.Last()
	for i := 0; i < id.Size; i++ {
		if first[i] == last[i] {
			out[i] = first[i]
			continue
		}
		span := int(last[i]) - int(first[i])
		out[i] = first[i] + byte(rand.Intn(span+1))
	}
	return out
}

// MaintenanceInterval gates Maintenance to firing at most this often.
const MaintenanceInterval = 4 * time.Minute

// MergeSustainHold is how long a sibling pair of buckets must stay
// jointly under capacity before they are collapsed into their parent
// bucket. §4.2 names "merge adjacent under-utilized buckets" as a
// future policy choice with the heuristic left unspecified; this is
// the heuristic chosen here (see DESIGN.md).
const MergeSustainHold = 15 * time.Minute

// Maintenance performs the periodic upkeep pass described in §4.2:
// fixing entries filed in the wrong bucket after a prior split,
// merging sustained-underutilized sibling buckets, removing the
// self-id entry, and returning the buckets due for a ping-refresh
// (unrefreshed for 15 minutes and containing an entry that needs a
// ping). Rate-limited to once per MaintenanceInterval; a false second
// return means it was a no-op due to rate limiting.
func (rt *RoutingTable) Maintenance() ([]*KBucket, bool) {
	rt.mu.Lock()
	if time.Since(rt.lastMaint) < MaintenanceInterval {
		rt.mu.Unlock()
		return nil, false
	}
	rt.lastMaint = time.Now()
	rt.fixMisfiledLocked()
	rt.mergeSiblingsLocked()
	rt.mu.Unlock()

	rt.Remove(rt.localID)

	var due []*KBucket
	for _, b := range rt.Buckets() {
		if time.Since(b.LastRefreshed) < 15*time.Minute {
			continue
		}
		for _, e := range b.All() {
			if e.NeedsPing() {
				due = append(due, b)
				break
			}
		}
	}
	return due, true
}
