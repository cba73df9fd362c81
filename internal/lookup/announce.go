package lookup

import (
	"sync"

	"github.com/duskmesh/dht/internal/routingtable"
	"github.com/duskmesh/dht/internal/rpc"
	"github.com/duskmesh/dht/internal/wire"
)

// AnnounceKind selects which write the second stage of an announce
// task performs.
type AnnounceKind int

const (
	StoreValue AnnounceKind = iota
	AnnouncePeer
)

// AnnounceTask is the two-stage announce/store task of §4.5: a
// node-lookup with want_token=true to collect write-authorization
// tokens from the closest nodes, followed by a nested fan-out of
// store_value or announce_peer calls to each, carrying its token.
type AnnounceTask struct {
	kind   AnnounceKind
	nodes  *NodeLookup
	sender Sender
	body   wire.Map // the store_value/announce_peer payload minus token/target

	mu          sync.Mutex
	destination []routingtable.NodeInfo
	done        bool
	onComplete  func([]routingtable.NodeInfo)
}

// NewAnnounceTask creates an announce/store task for the given target
// key/node-id and payload. The node lookup seeds from the caller the
// same way a plain NodeLookup does.
func NewAnnounceTask(sender Sender, nodeLookup *NodeLookup, kind AnnounceKind, body wire.Map) *AnnounceTask {
	nodeLookup.WantToken = true
	a := &AnnounceTask{
		kind:   kind,
		nodes:  nodeLookup,
		sender: sender,
		body:   body,
	}
	a.nodes.Task.OnFinish(a.startWrites)
	return a
}

// OnComplete registers a callback fired once with the final set of
// nodes the write succeeded against.
func (a *AnnounceTask) OnComplete(cb func([]routingtable.NodeInfo)) {
	a.onComplete = cb
}

// Pump advances the node-lookup stage. Its completion callback (set up
// in NewAnnounceTask) fires the write stage the instant the lookup
// finishes, so this never needs to poll for that transition.
func (a *AnnounceTask) Pump() {
	if a.nodes.State() != Finished {
		a.nodes.Pump()
	}
}

// startWrites is the node-lookup's OnFinish callback: it fans out the
// write stage exactly once.
func (a *AnnounceTask) startWrites() {
	a.mu.Lock()
	alreadyStarted := a.done
	a.done = true
	a.mu.Unlock()
	if alreadyStarted {
		return
	}
	a.fanOutWrites()
}

// fanOutWrites dispatches the write stage and returns immediately; the
// pending count is tracked so the last terminal callback fires
// onComplete rather than blocking the scheduler on every call
// finishing (§9: the scheduler never awaits, it registers callbacks).
func (a *AnnounceTask) fanOutWrites() {
	method := wire.MethodStoreValue
	if a.kind == AnnouncePeer {
		method = wire.MethodAnnouncePeer
	}

	targets := a.nodes.Candidates.Replied()
	var eligible []*CandidateNode
	for _, cand := range targets {
		if cand.HasToken {
			eligible = append(eligible, cand)
		}
	}

	if len(eligible) == 0 {
		if a.onComplete != nil {
			a.onComplete(nil)
		}
		return
	}

	remaining := len(eligible)
	for _, cand := range eligible {
		target := cand.Info
		body := make(wire.Map, len(a.body)+1)
		for k, v := range a.body {
			body[k] = v
		}
		body[wire.KeyToken] = wire.Int32(cand.Token)

		a.sender.SendCall(target, method, body, func(call *rpc.Call, state rpc.CallState) {
			if !state.IsTerminal() {
				return
			}
			a.mu.Lock()
			if state == rpc.Responded {
				a.destination = append(a.destination, target)
			}
			remaining--
			finished := remaining == 0
			dest := append([]routingtable.NodeInfo(nil), a.destination...)
			a.mu.Unlock()

			if finished && a.onComplete != nil {
				a.onComplete(dest)
			}
		})
	}
}

// IsDone reports whether the write stage has been dispatched.
func (a *AnnounceTask) IsDone() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// Destinations returns the nodes the write succeeded against so far.
func (a *AnnounceTask) Destinations() []routingtable.NodeInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]routingtable.NodeInfo(nil), a.destination...)
}
