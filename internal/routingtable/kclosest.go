package routingtable

import (
	"sort"

	"github.com/duskmesh/dht/internal/id"
)

// EntryFilter decides whether a candidate entry qualifies for a
// KClosestNodes result.
type EntryFilter func(*KBucketEntry) bool

// IsEligibleForNodesList is the default filter (§4.3): reachable and
// with fewer than 3 failed requests.
func IsEligibleForNodesList(e *KBucketEntry) bool {
	return e.Reachable && e.FailedRequests < 3
}

// KClosestNodes walks the bucket tree starting from target's covering
// bucket and expands outward to neighboring buckets (ordered by
// id.Cmp against the expanding boundary) until max eligible, deduped,
// distance-sorted entries have been collected or the table is
// exhausted.
func KClosestNodes(target id.Id, rt *RoutingTable, max int, filter EntryFilter) []NodeInfo {
	if filter == nil {
		filter = IsEligibleForNodesList
	}
	buckets := rt.Buckets()
	if len(buckets) == 0 {
		return nil
	}

	startIdx := 0
	for i, b := range buckets {
		if b.Prefix.Contains(target) {
			startIdx = i
			break
		}
	}

	seen := make(map[id.Id]struct{})
	var collected []NodeInfo

	lo, hi := startIdx, startIdx
	visitedStart := false

	for lo >= 0 || hi < len(buckets) {
		var nextIdx int
		switch {
		case !visitedStart:
			nextIdx = startIdx
			visitedStart = true
			lo--
			hi++
		case lo < 0:
			nextIdx = hi
			hi++
		case hi >= len(buckets):
			nextIdx = lo
			lo--
		default:
			// Both directions available: expand whichever boundary is
			// closer to target per the three-way compare rule.
			if id.Cmp(target, buckets[lo].Prefix.Last(), buckets[hi].Prefix.First()) <= 0 {
				nextIdx = lo
				lo--
			} else {
				nextIdx = hi
				hi++
			}
		}

		for _, e := range buckets[nextIdx].All() {
			if _, dup := seen[e.Info.Id]; dup {
				continue
			}
			if !filter(e) {
				continue
			}
			seen[e.Info.Id] = struct{}{}
			collected = append(collected, e.Info)
		}
	}

	sort.Slice(collected, func(i, j int) bool {
		return id.Cmp(target, collected[i].Id, collected[j].Id) < 0
	})
	if len(collected) > max {
		collected = collected[:max]
	}
	return collected
}
