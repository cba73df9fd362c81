package lookup

import (
	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/routingtable"
	"github.com/duskmesh/dht/internal/rpc"
	"github.com/duskmesh/dht/internal/value"
	"github.com/duskmesh/dht/internal/wire"
)

// ValueLookup is the iterative find_value search (§4.5): behaves like
// a NodeLookup but also accumulates the best (highest-seq) value seen,
// short-circuiting under non-Conservative options once a hit lands.
type ValueLookup struct {
	*Task
	sender   Sender
	want4    bool
	want6    bool
	expected int32 // caller's known seq, if any; only a strictly higher seq replaces it

	best *value.Value
	hit  bool
}

// NewValueLookup creates a value lookup for target.
func NewValueLookup(sender Sender, target id.Id, opt Option, want4, want6 bool, expectedSeq int32) *ValueLookup {
	return &ValueLookup{
		Task:     NewTask(target, opt),
		sender:   sender,
		want4:    want4,
		want6:    want6,
		expected: expectedSeq,
	}
}

// Seed primes the candidate pool, typically from the local routing
// table's k-closest to the target.
func (vl *ValueLookup) Seed(nodes []routingtable.NodeInfo) {
	for _, n := range nodes {
		vl.Candidates.Insert(n)
	}
}

// Result returns the best value found so far and whether any hit has
// landed.
func (vl *ValueLookup) Result() (*value.Value, bool) {
	return vl.best, vl.hit
}

// Pump dispatches find_value calls to Fresh candidates until the
// concurrency cap is hit, a short-circuit condition fires, or no
// eligible candidate remains.
func (vl *ValueLookup) Pump() {
	vl.Start()
	for vl.CanRequest() {
		if vl.shouldShortCircuit() {
			break
		}
		cand := vl.Candidates.Next()
		if cand == nil {
			break
		}
		vl.dispatch(cand)
	}
	if vl.shouldShortCircuit() || vl.IsDone() {
		vl.Finish()
	}
}

func (vl *ValueLookup) shouldShortCircuit() bool {
	if !vl.hit {
		return false
	}
	switch vl.Option {
	case Arbitrary:
		return true
	case Optimistic:
		return vl.best != nil && vl.best.IsMutable()
	default: // Conservative
		return false
	}
}

func (vl *ValueLookup) dispatch(cand *CandidateNode) {
	nid := cand.Info.Id
	vl.Candidates.MarkInFlight(nid)

	body := wire.Map{
		wire.KeyTarget: wire.Bytes(vl.Target().Bytes()),
		wire.KeyWant4:  wire.Bool(vl.want4),
		wire.KeyWant6:  wire.Bool(vl.want6),
		wire.KeySeq:    wire.Int32(vl.expected),
	}

	vl.sender.SendCall(cand.Info, wire.MethodFindValue, body, func(call *rpc.Call, state rpc.CallState) {
		switch state {
		case rpc.Responded:
			vl.onResponse(cand, call)
		case rpc.Error, rpc.Timeout, rpc.Stalled:
			vl.Candidates.MarkError(nid)
		default:
			return
		}
		vl.Pump()
	})
}

func (vl *ValueLookup) onResponse(cand *CandidateNode, call *rpc.Call) {
	vl.Candidates.MarkReplied(cand.Info.Id, 0, false)
	vl.Closest.Insert(cand.Info)

	if valMap, ok := call.Response.Body[wire.KeyValue].AsMap(); ok {
		if v, ok := wire.DecodeValue(valMap); ok && v.Id() == vl.Target() && v.IsValid() && v.Seq >= vl.expected {
			if vl.best == nil || v.NewerThan(vl.best) {
				vl.best = v
			}
			vl.hit = true
		}
		return // §4.6: closest nodes are returned only when the value was NOT found
	}

	if list, ok := call.Response.Body[wire.KeyNodes4].AsList(); ok {
		for _, ni := range wire.DecodeNodeList(list) {
			vl.Candidates.Insert(ni)
		}
	}
	if list, ok := call.Response.Body[wire.KeyNodes6].AsList(); ok {
		for _, ni := range wire.DecodeNodeList(list) {
			vl.Candidates.Insert(ni)
		}
	}
}
