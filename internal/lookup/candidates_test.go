package lookup

import (
	"net"
	"testing"

	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/routingtable"
)

func nodeAt(b byte, port int) routingtable.NodeInfo {
	var nid id.Id
	nid[0] = b
	return routingtable.NodeInfo{
		Id:   nid,
		Addr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port},
	}
}

func TestClosestCandidatesInsertDedup(t *testing.T) {
	var target id.Id
	c := NewClosestCandidates(target)

	n := nodeAt(5, 4222)
	if !c.Insert(n) {
		t.Fatal("first insert should succeed")
	}
	if c.Insert(n) {
		t.Fatal("duplicate id+addr insert should be a no-op")
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 candidate, got %d", c.Len())
	}
}

func TestClosestCandidatesEvictsFarthestNonInflight(t *testing.T) {
	var target id.Id // zero id: distance increases with the node's leading byte
	c := NewClosestCandidates(target)

	for i := 1; i <= CandidatesCapacity+5; i++ {
		c.Insert(nodeAt(byte(i), 4000+i))
	}
	if c.Len() > CandidatesCapacity {
		t.Fatalf("expected pool capped at %d, got %d", CandidatesCapacity, c.Len())
	}
}

func TestClosestCandidatesNextPrefersNeverAttempted(t *testing.T) {
	var target id.Id
	c := NewClosestCandidates(target)
	a := nodeAt(10, 1)
	b := nodeAt(20, 2)
	c.Insert(a)
	c.Insert(b)

	c.MarkInFlight(a.Id)
	c.MarkError(a.Id) // a has now been attempted once and errored

	next := c.Next()
	if next == nil || next.Info.Id != b.Id {
		t.Fatalf("expected never-attempted candidate b to be preferred, got %+v", next)
	}
}

func TestClosestCandidatesExhausted(t *testing.T) {
	var target id.Id
	c := NewClosestCandidates(target)
	a := nodeAt(1, 1)
	c.Insert(a)

	if c.Exhausted() {
		t.Fatal("a fresh candidate should not count as exhausted")
	}
	c.MarkInFlight(a.Id)
	c.MarkReplied(a.Id, 0, false)
	if !c.Exhausted() {
		t.Fatal("a fully-replied pool should be exhausted")
	}
}
