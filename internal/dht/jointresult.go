package dht

import (
	"sync"

	"github.com/duskmesh/dht/internal/peerinfo"
	"github.com/duskmesh/dht/internal/routingtable"
	"github.com/duskmesh/dht/internal/value"
)

// JointResult accumulates the outcome of one user-facing operation run
// against both the IPv4 and IPv6 instance a Runner drives in parallel
// (§4.5/§2), merging whichever instance(s) answer into a single
// caller-facing result.
type JointResult struct {
	mu sync.Mutex

	nodes []routingtable.NodeInfo
	value *value.Value
	hit   bool
	peers []*peerinfo.PeerInfo

	pending int
	done    chan struct{}
	once    sync.Once
}

// NewJointResult creates a result expecting awaiting reports from n
// parallel instances (1 for a single-stack deployment, 2 for dual
// IPv4/IPv6).
func NewJointResult(n int) *JointResult {
	return &JointResult{pending: n, done: make(chan struct{})}
}

// Wait blocks until every expected instance has reported.
func (jr *JointResult) Wait() {
	<-jr.done
}

func (jr *JointResult) arrive() {
	jr.mu.Lock()
	jr.pending--
	done := jr.pending <= 0
	jr.mu.Unlock()
	if done {
		jr.once.Do(func() { close(jr.done) })
	}
}

// ReportNodes merges one instance's node-lookup result.
func (jr *JointResult) ReportNodes(nodes []routingtable.NodeInfo) {
	jr.mu.Lock()
	jr.nodes = append(jr.nodes, nodes...)
	jr.mu.Unlock()
	jr.arrive()
}

// ReportValue merges one instance's value-lookup result, keeping
// whichever of the two is newer.
func (jr *JointResult) ReportValue(v *value.Value, hit bool) {
	jr.mu.Lock()
	if hit && (!jr.hit || v.NewerThan(jr.value)) {
		jr.value = v
		jr.hit = true
	}
	jr.mu.Unlock()
	jr.arrive()
}

// ReportPeers merges one instance's peer-lookup result, deduplicating
// by DedupKey across both instances.
func (jr *JointResult) ReportPeers(peers []*peerinfo.PeerInfo) {
	jr.mu.Lock()
	seen := make(map[string]struct{}, len(jr.peers))
	for _, p := range jr.peers {
		seen[p.DedupKey().String()] = struct{}{}
	}
	for _, p := range peers {
		key := p.DedupKey().String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		jr.peers = append(jr.peers, p)
	}
	jr.mu.Unlock()
	jr.arrive()
}

// Nodes returns the merged node list collected so far.
func (jr *JointResult) Nodes() []routingtable.NodeInfo {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	return append([]routingtable.NodeInfo(nil), jr.nodes...)
}

// Value returns the merged best value found, if any.
func (jr *JointResult) Value() (*value.Value, bool) {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	return jr.value, jr.hit
}

// Peers returns the merged, deduplicated peer list collected so far.
func (jr *JointResult) Peers() []*peerinfo.PeerInfo {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	return append([]*peerinfo.PeerInfo(nil), jr.peers...)
}
