package dht

import (
	"fmt"

	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/lookup"
	"github.com/duskmesh/dht/internal/peerinfo"
	"github.com/duskmesh/dht/internal/routingtable"
	"github.com/duskmesh/dht/internal/value"
	"github.com/duskmesh/dht/internal/wire"
)

// seedFrom primes a fresh lookup's candidate pool from the local
// routing table's current k-closest knowledge of the target, the
// starting point every iterative search builds on.
func (n *Node) seedFrom(target id.Id) []routingtable.NodeInfo {
	return routingtable.KClosestNodes(target, n.rt, lookup.CandidatesCapacity, nil)
}

// FindNode runs an iterative node lookup for target and returns the
// closest nodes found once the search completes.
func (n *Node) FindNode(target id.Id, opt lookup.Option, want4, want6 bool, onDone func([]routingtable.NodeInfo)) *lookup.NodeLookup {
	n.metrics.recordLookup("find_node")
	nl := lookup.NewNodeLookup(n.server, target, opt, want4, want6, false)
	nl.Seed(n.seedFrom(target))
	if onDone != nil {
		nl.OnFinish(func() { onDone(nl.Closest.Entries()) })
	}
	n.tasks.Submit(nl)
	return nl
}

// FindValue runs an iterative value lookup for target, reporting the
// best (highest-seq) value found, if any, to onDone once the search
// completes.
func (n *Node) FindValue(target id.Id, opt lookup.Option, want4, want6 bool, expectedSeq int32, onDone func(*value.Value, bool)) *lookup.ValueLookup {
	n.metrics.recordLookup("find_value")
	vl := lookup.NewValueLookup(n.server, target, opt, want4, want6, expectedSeq)
	vl.Seed(n.seedFrom(target))
	if onDone != nil {
		vl.OnFinish(func() {
			v, hit := vl.Result()
			onDone(v, hit)
		})
	}
	n.tasks.Submit(vl)
	return vl
}

// FindPeer runs an iterative peer lookup for the service identity
// target, reporting the deduplicated, verified peers found to onDone
// once the search completes.
func (n *Node) FindPeer(target id.Id, opt lookup.Option, onDone func([]*peerinfo.PeerInfo)) *lookup.PeerLookup {
	n.metrics.recordLookup("find_peer")
	pl := lookup.NewPeerLookup(n.server, target, opt)
	pl.Seed(n.seedFrom(target))
	if onDone != nil {
		pl.OnFinish(func() { onDone(pl.Peers()) })
	}
	n.tasks.Submit(pl)
	return pl
}

// StoreValue announces v to the nodes closest to its content-addressed
// id, first running a token-collecting node lookup and then fanning
// out store_value writes carrying each node's token.
func (n *Node) StoreValue(v *value.Value, opt lookup.Option, onDone func([]routingtable.NodeInfo)) (*lookup.AnnounceTask, error) {
	if !v.IsValid() {
		return nil, fmt.Errorf("dht: store_value: invalid value")
	}
	n.metrics.recordLookup("store_value")
	target := v.Id()
	nl := lookup.NewNodeLookup(n.server, target, opt, true, true, false)
	nl.Seed(n.seedFrom(target))

	body := wire.Map{wire.KeyValue: wire.EncodeValue(v)}
	if v.Kind() != value.Immutable {
		// Surface the CAS sequence number as its own §6 "cas" wire
		// field rather than leaving it implicit inside the encoded
		// value, so the compare-and-set contract is visible on the
		// request itself.
		body[wire.KeyCAS] = wire.Int32(v.Seq)
	}
	at := lookup.NewAnnounceTask(n.server, nl, lookup.StoreValue, body)
	if onDone != nil {
		at.OnComplete(onDone)
	}

	if err := n.store.PutValue(v, true); err != nil {
		n.logger.Warn("failed to persist own announced value", "error", err)
	}

	n.tasks.Submit(at)
	return at, nil
}

// AnnouncePeer announces p to the nodes closest to its service
// identity, the same two-stage token/write shape as StoreValue.
func (n *Node) AnnouncePeer(p *peerinfo.PeerInfo, opt lookup.Option, onDone func([]routingtable.NodeInfo)) (*lookup.AnnounceTask, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("dht: announce_peer: invalid peer info")
	}
	n.metrics.recordLookup("announce_peer")
	target := p.PublicKey
	nl := lookup.NewNodeLookup(n.server, target, opt, true, true, false)
	nl.Seed(n.seedFrom(target))

	body := wire.Map{wire.KeyPeers: wire.EncodePeerInfo(p)}
	at := lookup.NewAnnounceTask(n.server, nl, lookup.AnnouncePeer, body)
	if onDone != nil {
		at.OnComplete(onDone)
	}

	if err := n.store.PutPeer(p, true); err != nil {
		n.logger.Warn("failed to persist own announced peer", "error", err)
	}

	n.tasks.Submit(at)
	return at, nil
}
