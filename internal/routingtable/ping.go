package routingtable

import (
	"time"

	"github.com/duskmesh/dht/internal/id"
)

// PingOption governs which entries a ping-refresh task probes and how
// it reacts to a timeout.
type PingOption int

const (
	// CheckAll pings every entry in the target bucket, not only those
	// flagged NeedsPing. Used for the anti-pollution bucket-wide
	// refresh fired by the received() discipline.
	CheckAll PingOption = iota
	// RemoveOnTimeout pings only entries needing it, removing any that
	// time out.
	RemoveOnTimeout
	// ProbeCache pings only entries needing it without removing
	// timed-out entries, used for passive cache verification.
	ProbeCache
)

// Pinger sends a ping to target and reports whether a response arrived
// before the call's timeout. It abstracts over the RPC layer so this
// package stays free of a dependency on it.
type Pinger func(target NodeInfo) (ok bool)

// RefreshBucket runs a ping-refresh pass over bucket per the given
// option, returning the set of ids that were pinged.
func RefreshBucket(rt *RoutingTable, bucket *KBucket, opt PingOption, ping Pinger) []id.Id {
	var pinged []id.Id
	for _, e := range bucket.All() {
		if opt != CheckAll && !e.NeedsPing() {
			continue
		}
		pinged = append(pinged, e.Info.Id)
		e.OnSend()
		if ping(e.Info) {
			e.OnReplied()
			continue
		}
		e.OnTimeout()
		if opt == RemoveOnTimeout && e.NeedsReplacement() {
			rt.Remove(e.Info.Id)
		}
	}
	bucket.mu.Lock()
	bucket.LastRefreshed = time.Now()
	bucket.mu.Unlock()
	return pinged
}
