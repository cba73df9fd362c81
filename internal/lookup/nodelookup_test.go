package lookup

import (
	"testing"

	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/routingtable"
	"github.com/duskmesh/dht/internal/rpc"
	"github.com/duskmesh/dht/internal/wire"
)

// fakeSender synchronously invokes its onEvent callback with a
// pre-scripted outcome instead of touching the network, letting the
// lookup state machines be tested without a live RPC server.
type fakeSender struct {
	// respond, if set, is called to build the response body for each
	// target dialed; returning ok=false simulates a timeout/error.
	respond func(target routingtable.NodeInfo, method wire.Method, body wire.Map) (wire.Map, bool)
	calls   []routingtable.NodeInfo
}

func (f *fakeSender) SendCall(target routingtable.NodeInfo, method wire.Method, body wire.Map, onEvent rpc.OnEvent) (*rpc.Call, error) {
	f.calls = append(f.calls, target)
	call := &rpc.Call{TxID: 1, Target: target}

	respBody, ok := f.respond(target, method, body)
	if !ok {
		onEvent(call, rpc.Timeout)
		return call, nil
	}
	call.Response = &wire.Envelope{Kind: wire.KindResponse, Method: method, TxID: 1, Body: respBody}
	onEvent(call, rpc.Responded)
	return call, nil
}

func TestNodeLookupFindsTargetAndStops(t *testing.T) {
	var target id.Id
	target[0] = 42

	sender := &fakeSender{
		respond: func(tgt routingtable.NodeInfo, method wire.Method, body wire.Map) (wire.Map, bool) {
			return wire.Map{}, true
		},
	}

	nl := NewNodeLookup(sender, target, Conservative, true, false, false)
	var found bool
	nl.OnNodeFound(func(ni routingtable.NodeInfo) { found = true })

	nl.Seed([]routingtable.NodeInfo{nodeAt(42, 4242)})
	nl.Pump()

	if !found {
		t.Fatal("expected OnNodeFound to fire for the exact target id")
	}
	if nl.State() != Finished {
		t.Fatalf("expected task to finish once candidates exhaust, got %s", nl.State())
	}
}

func TestNodeLookupFollowsReturnedNodes(t *testing.T) {
	var target id.Id
	target[0] = 99

	seed := nodeAt(1, 4001)
	next := nodeAt(2, 4002)

	sender := &fakeSender{
		respond: func(tgt routingtable.NodeInfo, method wire.Method, body wire.Map) (wire.Map, bool) {
			if tgt.Id == seed.Id {
				return wire.Map{wire.KeyNodes4: wire.EncodeNodeList([]routingtable.NodeInfo{next})}, true
			}
			return wire.Map{}, true
		},
	}

	nl := NewNodeLookup(sender, target, Conservative, true, false, false)
	nl.Seed([]routingtable.NodeInfo{seed})
	nl.Pump()
	nl.Pump() // second pass picks up `next` discovered from the first response

	dialed := map[id.Id]bool{}
	for _, c := range sender.calls {
		dialed[c.Id] = true
	}
	if !dialed[next.Id] {
		t.Fatal("expected the lookup to follow up on nodes returned in a find_node response")
	}
}

func TestNodeLookupStopsOnCandidateError(t *testing.T) {
	var target id.Id
	sender := &fakeSender{
		respond: func(tgt routingtable.NodeInfo, method wire.Method, body wire.Map) (wire.Map, bool) {
			return nil, false
		},
	}
	nl := NewNodeLookup(sender, target, Conservative, true, false, false)
	nl.Seed([]routingtable.NodeInfo{nodeAt(7, 7)})
	nl.Pump()

	if nl.State() != Finished {
		t.Fatalf("expected lookup to finish after its only candidate errors out, got %s", nl.State())
	}
}
