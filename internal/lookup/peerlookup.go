package lookup

import (
	"sync"

	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/peerinfo"
	"github.com/duskmesh/dht/internal/routingtable"
	"github.com/duskmesh/dht/internal/rpc"
	"github.com/duskmesh/dht/internal/wire"
)

// PeerLookup is the iterative find_peer search (§4.5): aggregates
// PeerInfo records across responses, deduplicated by DedupKey and
// filtered to those whose signature verifies.
type PeerLookup struct {
	*Task
	sender Sender

	mu    sync.Mutex
	seen  map[id.Id]struct{}
	peers []*peerinfo.PeerInfo
}

// NewPeerLookup creates a peer lookup for target.
func NewPeerLookup(sender Sender, target id.Id, opt Option) *PeerLookup {
	return &PeerLookup{
		Task:   NewTask(target, opt),
		sender: sender,
		seen:   make(map[id.Id]struct{}),
	}
}

// Seed primes the candidate pool.
func (pl *PeerLookup) Seed(nodes []routingtable.NodeInfo) {
	for _, n := range nodes {
		pl.Candidates.Insert(n)
	}
}

// Peers returns the deduplicated, verified peers found so far.
func (pl *PeerLookup) Peers() []*peerinfo.PeerInfo {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	out := make([]*peerinfo.PeerInfo, len(pl.peers))
	copy(out, pl.peers)
	return out
}

// Pump dispatches find_peer calls to Fresh candidates.
func (pl *PeerLookup) Pump() {
	pl.Start()
	for pl.CanRequest() {
		cand := pl.Candidates.Next()
		if cand == nil {
			break
		}
		pl.dispatch(cand)
	}
	if pl.IsDone() {
		pl.Finish()
	}
}

func (pl *PeerLookup) dispatch(cand *CandidateNode) {
	nid := cand.Info.Id
	pl.Candidates.MarkInFlight(nid)

	body := wire.Map{wire.KeyTarget: wire.Bytes(pl.Target().Bytes())}

	pl.sender.SendCall(cand.Info, wire.MethodFindPeer, body, func(call *rpc.Call, state rpc.CallState) {
		switch state {
		case rpc.Responded:
			pl.onResponse(cand, call)
		case rpc.Error, rpc.Timeout, rpc.Stalled:
			pl.Candidates.MarkError(nid)
		default:
			return
		}
		pl.Pump()
	})
}

func (pl *PeerLookup) onResponse(cand *CandidateNode, call *rpc.Call) {
	pl.Candidates.MarkReplied(cand.Info.Id, 0, false)
	pl.Closest.Insert(cand.Info)

	if list, ok := call.Response.Body[wire.KeyPeers].AsList(); ok {
		pl.mu.Lock()
		for _, p := range wire.DecodePeerList(list) {
			key := p.DedupKey()
			if _, dup := pl.seen[key]; dup {
				continue
			}
			pl.seen[key] = struct{}{}
			pl.peers = append(pl.peers, p)
		}
		pl.mu.Unlock()
	}

	if list, ok := call.Response.Body[wire.KeyNodes4].AsList(); ok {
		for _, ni := range wire.DecodeNodeList(list) {
			pl.Candidates.Insert(ni)
		}
	}
	if list, ok := call.Response.Body[wire.KeyNodes6].AsList(); ok {
		for _, ni := range wire.DecodeNodeList(list) {
			pl.Candidates.Insert(ni)
		}
	}
}
