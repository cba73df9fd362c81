package routingtable

import (
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/duskmesh/dht/internal/id"
)

func randomID(t *testing.T) id.Id {
	t.Helper()
	var out id.Id
	if _, err := rand.Read(out[:]); err != nil {
		t.Fatal(err)
	}
	return out
}

func entryFor(nodeID id.Id, reachable bool) *KBucketEntry {
	e := NewKBucketEntry(NodeInfo{
		Id:   nodeID,
		Addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000},
	})
	e.Reachable = reachable
	return e
}

func TestPutAndBucketEntry(t *testing.T) {
	local := randomID(t)
	rt := New(local, nil)

	target := randomID(t)
	rt.Put(entryFor(target, true))

	got, ok := rt.BucketEntry(target)
	if !ok {
		t.Fatal("expected entry to be found")
	}
	if got.Info.Id != target {
		t.Fatal("entry id mismatch")
	}
}

func TestEveryIdBelongsToExactlyOneBucket(t *testing.T) {
	local := randomID(t)
	rt := New(local, nil)

	// Force a split by inserting 9 reachable entries sharing bit 0 with
	// the home id (mirrors the §8 "bucket split on home path" scenario).
	homeBit0 := id.BitAt(local, 0)
	for i := 0; i < 9; i++ {
		var candidate id.Id
		for {
			candidate = randomID(t)
			if id.BitAt(candidate, 0) == homeBit0 && candidate != local {
				break
			}
		}
		rt.Put(entryFor(candidate, true))
	}

	for i := 0; i < 50; i++ {
		probe := randomID(t)
		matches := 0
		for _, b := range rt.Buckets() {
			if b.Prefix.Contains(probe) {
				matches++
			}
		}
		if matches != 1 {
			t.Fatalf("id %x matched %d buckets, want exactly 1", probe, matches)
		}
	}
}

func TestBucketSplitsOnHomePathAndBoundsChildSize(t *testing.T) {
	local := randomID(t)
	rt := New(local, nil)

	homeBit0 := id.BitAt(local, 0)
	for i := 0; i < 9; i++ {
		var candidate id.Id
		for {
			candidate = randomID(t)
			if id.BitAt(candidate, 0) == homeBit0 && candidate != local {
				break
			}
		}
		rt.Put(entryFor(candidate, true))
	}

	buckets := rt.Buckets()
	if len(buckets) < 2 {
		t.Fatalf("expected the universal bucket to split, got %d buckets", len(buckets))
	}
	for _, b := range buckets {
		if b.Len() > K {
			t.Fatalf("bucket exceeded capacity K=%d: has %d", K, b.Len())
		}
	}

	foundHome := false
	for _, b := range buckets {
		if b.Prefix.Contains(local) {
			foundHome = true
			if !b.HomeBucket {
				t.Fatal("bucket containing the local id must be marked HomeBucket")
			}
		}
	}
	if !foundHome {
		t.Fatal("expected exactly one bucket to cover the local id")
	}
}

func TestNeedsReplacementInvariant(t *testing.T) {
	e := entryFor(randomID(t), false)
	e.FailedRequests = 2
	if !e.NeedsReplacement() {
		t.Fatal("unreachable entry with failedRequests>1 should need replacement")
	}

	e2 := entryFor(randomID(t), true)
	e2.FailedRequests = 6
	e2.LastSeen = time.Now().Add(-20 * time.Minute)
	if !e2.NeedsReplacement() {
		t.Fatal("old and stale entry with failedRequests>5 should need replacement")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	local := randomID(t)
	rt := New(local, nil)

	var ids []id.Id
	for i := 0; i < 5; i++ {
		nodeID := randomID(t)
		ids = append(ids, nodeID)
		rt.Put(entryFor(nodeID, true))
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "dht4.cache")
	if err := rt.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded := New(local, nil)
	if err := loaded.Load(path); err != nil {
		t.Fatal(err)
	}

	for _, nodeID := range ids {
		if _, ok := loaded.BucketEntry(nodeID); !ok {
			t.Fatalf("expected entry %x to survive save/load round trip", nodeID)
		}
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected snapshot file to exist: %v", err)
	}
}

func TestKClosestNodesSortsByDistanceAndTruncates(t *testing.T) {
	local := randomID(t)
	rt := New(local, nil)

	target := randomID(t)
	for i := 0; i < 20; i++ {
		rt.Put(entryFor(randomID(t), true))
	}

	closest := KClosestNodes(target, rt, 8, nil)
	if len(closest) > 8 {
		t.Fatalf("expected at most 8 results, got %d", len(closest))
	}
	for i := 1; i < len(closest); i++ {
		if id.Cmp(target, closest[i-1].Id, closest[i].Id) > 0 {
			t.Fatal("results must be sorted by ascending distance to target")
		}
	}
}

func TestMaintenanceRateLimited(t *testing.T) {
	local := randomID(t)
	rt := New(local, nil)

	_, ran := rt.Maintenance()
	if !ran {
		t.Fatal("expected first Maintenance call to run")
	}
	_, ranAgain := rt.Maintenance()
	if ranAgain {
		t.Fatal("expected second immediate Maintenance call to be rate-limited")
	}
}

func TestMergeSiblingsCollapsesSustainedUnderutilizedPair(t *testing.T) {
	var local id.Id
	local[0] = 0x80 // bit 0 = 1

	rt := New(local, nil)
	universal := rt.buckets[0]

	zero, one := universal.Prefix.Split() // depth0: bit0=0, bit0=1 (home)
	homeChild := newKBucket(one, true)

	// Split the non-home depth-0 child further into two depth-1
	// siblings; neither can be home since local already diverges at
	// bit 0, before bit 1 is even considered.
	p00, p01 := zero.Split()
	b00 := newKBucket(p00, false)
	b01 := newKBucket(p01, false)
	b00.insertDirect(entryFor(p00.First(), true))
	b01.insertDirect(entryFor(p01.First(), true))

	rt.mu.Lock()
	rt.buckets = []*KBucket{b00, b01, homeChild}
	rt.lastMaint = time.Time{}
	b00.UnderutilizedSince = time.Now().Add(-2 * MergeSustainHold)
	rt.mu.Unlock()

	rt.Maintenance()

	rt.mu.RLock()
	got := len(rt.buckets)
	rt.mu.RUnlock()
	if got != 2 {
		t.Fatalf("expected the sibling pair to collapse into one bucket, got %d buckets", got)
	}

	total := 0
	for _, b := range rt.Buckets() {
		total += b.Len()
		if b.Prefix == p00 || b.Prefix == p01 {
			t.Fatalf("expected merged prefix %v, found a leftover child bucket", b.Prefix)
		}
	}
	if total != 2 {
		t.Fatalf("expected both entries to survive the merge, got %d", total)
	}
}
