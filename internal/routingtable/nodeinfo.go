// Package routingtable implements the Kademlia bucket tree: a
// prefix-indexed set of K-entry buckets that splits along the local
// node's id path and replaces entries off that path, with persistence
// and ping-refresh maintenance.
package routingtable

import (
	"fmt"
	"net"
	"time"

	"github.com/duskmesh/dht/internal/id"
)

// K is the routing-table replication factor: each bucket holds at most
// this many entries.
const K = 8

// NodeInfo identifies a DHT peer on the wire: its Id, network address,
// and protocol version.
type NodeInfo struct {
	Id      id.Id
	Addr    *net.UDPAddr
	Version int32
}

func (n NodeInfo) String() string {
	if n.Addr == nil {
		return fmt.Sprintf("%s@<no-addr>", n.Id.ShortString())
	}
	return fmt.Sprintf("%s@%s", n.Id.ShortString(), n.Addr.String())
}

// IsIPv6 reports whether the node's address is an IPv6 address.
func (n NodeInfo) IsIPv6() bool {
	return n.Addr != nil && n.Addr.IP.To4() == nil
}

// staleBackoff computes the exponential ping backoff window for an
// entry with the given failed-request count: 1 min · 2^min(5, failed-1).
func staleBackoff(failedRequests int32) time.Duration {
	if failedRequests < 1 {
		return time.Minute
	}
	shift := failedRequests - 1
	if shift > 5 {
		shift = 5
	}
	return time.Minute * time.Duration(int64(1)<<uint(shift))
}

// KBucketEntry records one routing-table entry's reachability history.
type KBucketEntry struct {
	Info           NodeInfo
	Created        time.Time
	LastSeen       time.Time
	LastSent       time.Time
	Reachable      bool
	FailedRequests int32
}

// NewKBucketEntry constructs a freshly-seen, not-yet-reachable entry.
func NewKBucketEntry(info NodeInfo) *KBucketEntry {
	now := time.Now()
	return &KBucketEntry{
		Info:     info,
		Created:  now,
		LastSeen: now,
	}
}

// IsOldAndStale reports the staleness condition of §4.2/§3:
// failed_requests > 2 ∧ last_seen > 15 min ago.
func (e *KBucketEntry) IsOldAndStale() bool {
	return e.FailedRequests > 2 && time.Since(e.LastSeen) > 15*time.Minute
}

// NeedsReplacement reports whether the entry is a candidate for
// eviction in favor of a new reachable entry:
// (failed_requests > 1 ∧ ¬reachable) ∨ (failed_requests > 5 ∧ stale).
func (e *KBucketEntry) NeedsReplacement() bool {
	if e.FailedRequests > 1 && !e.Reachable {
		return true
	}
	return e.FailedRequests > 5 && e.IsOldAndStale()
}

// NeedsPing reports whether the entry is due for a liveness probe: not
// seen for 15 minutes and outside its exponential backoff window.
func (e *KBucketEntry) NeedsPing() bool {
	if time.Since(e.LastSeen) <= 15*time.Minute {
		return false
	}
	return time.Since(e.LastSent) >= staleBackoff(e.FailedRequests)
}

// OnSend records that a request was just sent to this entry.
func (e *KBucketEntry) OnSend() {
	e.LastSent = time.Now()
}

// OnTimeout records a failed round trip.
func (e *KBucketEntry) OnTimeout() {
	e.FailedRequests++
}

// OnReplied records a successfully matched response, resetting the
// failure counter and marking the entry reachable (reachable only ever
// becomes true after a matched response, per §3).
func (e *KBucketEntry) OnReplied() {
	now := time.Now()
	e.LastSeen = now
	e.Reachable = true
	e.FailedRequests = 0
}
