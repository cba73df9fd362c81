package lookup

import (
	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/routingtable"
	"github.com/duskmesh/dht/internal/rpc"
	"github.com/duskmesh/dht/internal/wire"
)

// Sender is the subset of the RPC server a lookup task needs: sending
// a call and getting notified of its terminal state. Satisfied by
// *rpc.Server.
type Sender interface {
	SendCall(target routingtable.NodeInfo, method wire.Method, body wire.Map, onEvent rpc.OnEvent) (*rpc.Call, error)
}

// NodeLookup is the iterative find_node search (§4.5): seeds its
// candidate pool from the local routing table's k-closest, then
// repeatedly dispatches find_node to the closest unprobed candidate
// until the closest-set stabilizes or candidates run out.
type NodeLookup struct {
	*Task
	sender      Sender
	want4       bool
	want6       bool
	bootstrap   bool
	onNodeFound func(routingtable.NodeInfo)
}

// NewNodeLookup creates a node lookup for target. The bootstrap flag
// only records that the task is a bootstrap lookup; it does not change
// the target, so callers pass the target they want (Node.Bootstrap
// passes distance(self, id.Max)).
func NewNodeLookup(sender Sender, target id.Id, opt Option, want4, want6, bootstrap bool) *NodeLookup {
	return &NodeLookup{
		Task:      NewTask(target, opt),
		sender:    sender,
		want4:     want4,
		want6:     want6,
		bootstrap: bootstrap,
	}
}

// OnNodeFound registers a callback invoked whenever a returned node's
// id equals the lookup target.
func (nl *NodeLookup) OnNodeFound(cb func(routingtable.NodeInfo)) {
	nl.onNodeFound = cb
}

// Seed primes the candidate pool with an initial set of nodes, e.g.
// the local routing table's k-closest or a bootstrap response.
func (nl *NodeLookup) Seed(nodes []routingtable.NodeInfo) {
	for _, n := range nodes {
		nl.Candidates.Insert(n)
	}
}

// Pump dispatches find_node calls to Fresh candidates until the
// concurrency cap is hit or no eligible candidate remains. Safe to
// call repeatedly from the task-dequeue tick.
func (nl *NodeLookup) Pump() {
	nl.Start()
	for nl.CanRequest() {
		cand := nl.Candidates.Next()
		if cand == nil {
			break
		}
		nl.dispatch(cand)
	}
	if nl.IsDone() {
		nl.Finish()
	}
}

func (nl *NodeLookup) dispatch(cand *CandidateNode) {
	nid := cand.Info.Id
	nl.Candidates.MarkInFlight(nid)

	body := wire.Map{
		wire.KeyTarget: wire.Bytes(nl.Target().Bytes()),
		wire.KeyWant4:  wire.Bool(nl.want4),
		wire.KeyWant6:  wire.Bool(nl.want6),
	}
	if nl.WantToken {
		body[wire.KeyToken] = wire.Bool(true)
	}

	_, _ = nl.sender.SendCall(cand.Info, wire.MethodFindNode, body, func(call *rpc.Call, state rpc.CallState) {
		switch state {
		case rpc.Responded:
			nl.onResponse(cand, call)
		case rpc.Error, rpc.Timeout, rpc.Stalled:
			nl.Candidates.MarkError(nid)
		default:
			return
		}
		nl.Pump() // a slot just freed up; keep the iterative search moving
	})
}

func (nl *NodeLookup) onResponse(cand *CandidateNode, call *rpc.Call) {
	nid := cand.Info.Id
	var token int32
	hasToken := false
	if tok, ok := call.Response.Body[wire.KeyToken].AsInt32(); ok {
		token, hasToken = tok, true
	}
	nl.Candidates.MarkReplied(nid, token, hasToken)
	nl.Closest.Insert(cand.Info)

	if nl.onNodeFound != nil && nid == nl.Target() {
		nl.onNodeFound(cand.Info)
	}

	if list, ok := call.Response.Body[wire.KeyNodes4].AsList(); ok {
		for _, ni := range wire.DecodeNodeList(list) {
			nl.Candidates.Insert(ni)
		}
	}
	if list, ok := call.Response.Body[wire.KeyNodes6].AsList(); ok {
		for _, ni := range wire.DecodeNodeList(list) {
			nl.Candidates.Insert(ni)
		}
	}
}
