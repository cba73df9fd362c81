package lookup

import (
	"testing"

	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/routingtable"
)

func TestClosestSetBoundedAtK(t *testing.T) {
	var target id.Id
	s := NewClosestSet(target)
	for i := 1; i <= routingtable.K+5; i++ {
		s.Insert(nodeAt(byte(i), 4000+i))
	}
	if s.Len() != routingtable.K {
		t.Fatalf("expected closest set capped at K=%d, got %d", routingtable.K, s.Len())
	}
}

func TestClosestSetKeepsClosestEntries(t *testing.T) {
	var target id.Id // zero id: smaller leading byte == closer
	s := NewClosestSet(target)
	for i := 1; i <= routingtable.K; i++ {
		s.Insert(nodeAt(byte(i*10), i))
	}
	// Inserting a node closer than everything currently held should
	// displace the farthest (tail) entry.
	s.Insert(nodeAt(1, 99))

	entries := s.Entries()
	if len(entries) != routingtable.K {
		t.Fatalf("expected %d entries, got %d", routingtable.K, len(entries))
	}
	closest := entries[0]
	if closest.Id[0] != 1 {
		t.Fatalf("expected the newly inserted closer node to be first, got %v", closest.Id[0])
	}
}

func TestClosestSetIsDoneRequiresStability(t *testing.T) {
	var target id.Id
	s := NewClosestSet(target)
	for i := 1; i <= routingtable.K; i++ {
		s.Insert(nodeAt(byte(i), i))
	}
	if s.IsDone() {
		t.Fatal("a freshly-filled set should not be done before the tail has stabilized")
	}
	for i := 0; i < routingtable.K+1; i++ {
		s.Insert(nodeAt(byte(200+i), 200+i)) // all farther than the held entries: no tail change
	}
	if !s.IsDone() {
		t.Fatal("expected the set to be done once the tail survives more than K insert attempts")
	}
}
