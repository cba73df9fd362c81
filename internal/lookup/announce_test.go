package lookup

import (
	"testing"

	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/routingtable"
	"github.com/duskmesh/dht/internal/wire"
)

func TestAnnounceTaskFansOutAfterNodeLookup(t *testing.T) {
	var target id.Id
	target[0] = 5

	seed := nodeAt(5, 5001)
	sender := &fakeSender{
		respond: func(tgt routingtable.NodeInfo, method wire.Method, body wire.Map) (wire.Map, bool) {
			switch method {
			case wire.MethodFindNode:
				return wire.Map{wire.KeyToken: wire.Int32(42)}, true
			case wire.MethodStoreValue:
				return wire.Map{}, true
			}
			return wire.Map{}, true
		},
	}

	nl := NewNodeLookup(sender, target, Conservative, true, false, false)
	announce := NewAnnounceTask(sender, nl, StoreValue, wire.Map{wire.KeyData: wire.Bytes([]byte("hi"))})

	nl.Seed([]routingtable.NodeInfo{seed})

	var completed []routingtable.NodeInfo
	announce.OnComplete(func(dest []routingtable.NodeInfo) { completed = dest })

	// Under fakeSender, SendCall's onEvent runs synchronously, so the
	// self-pumping node lookup (and its OnFinish-triggered write stage)
	// both cascade to completion from this single call.
	announce.Pump()

	if !announce.IsDone() {
		t.Fatal("expected the write stage to have been dispatched")
	}
	if len(completed) != 1 || completed[0].Id != seed.Id {
		t.Fatalf("expected the store_value write to succeed against the seeded node, got %+v", completed)
	}
}

func TestAnnounceTaskSkipsNodesWithoutToken(t *testing.T) {
	var target id.Id
	seed := nodeAt(5, 5001)
	sender := &fakeSender{
		respond: func(tgt routingtable.NodeInfo, method wire.Method, body wire.Map) (wire.Map, bool) {
			return wire.Map{}, true // no token in find_node response
		},
	}

	nl := NewNodeLookup(sender, target, Conservative, true, false, false)
	announce := NewAnnounceTask(sender, nl, StoreValue, wire.Map{})
	nl.Seed([]routingtable.NodeInfo{seed})

	var completed []routingtable.NodeInfo
	completedCalled := false
	announce.OnComplete(func(dest []routingtable.NodeInfo) { completed = dest; completedCalled = true })

	announce.Pump()

	if !completedCalled {
		t.Fatal("expected onComplete to fire even with zero eligible destinations")
	}
	if len(completed) != 0 {
		t.Fatalf("expected no destinations without a token, got %+v", completed)
	}
}
