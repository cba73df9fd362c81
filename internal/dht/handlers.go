package dht

import (
	"fmt"

	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/routingtable"
	"github.com/duskmesh/dht/internal/value"
	"github.com/duskmesh/dht/internal/wire"
)

// findNodesResponseFields fills in the n4/n6 node lists a find_node,
// find_value-miss, or bootstrap response carries, honoring the
// requester's want4/want6 flags.
func (n *Node) findNodesResponseFields(body wire.Map, target id.Id, want4, want6 bool) {
	if want4 {
		nodes4 := routingtable.KClosestNodes(target, n.rt, routingtable.K, ipv4Filter)
		body[wire.KeyNodes4] = wire.EncodeNodeList(nodes4)
	}
	if want6 {
		nodes6 := routingtable.KClosestNodes(target, n.rt, routingtable.K, ipv6Filter)
		body[wire.KeyNodes6] = wire.EncodeNodeList(nodes6)
	}
}

func ipv4Filter(e *routingtable.KBucketEntry) bool {
	return routingtable.IsEligibleForNodesList(e) && !e.Info.IsIPv6()
}

func ipv6Filter(e *routingtable.KBucketEntry) bool {
	return routingtable.IsEligibleForNodesList(e) && e.Info.IsIPv6()
}

// dispatchRequest is the rpc.Handler wired into the server: it routes
// each method to its handler and is itself responsible only for the
// method switch, the handlers for the business logic.
func (n *Node) dispatchRequest(from routingtable.NodeInfo, req *wire.Envelope) (wire.Map, error) {
	var body wire.Map
	var err error
	switch req.Method {
	case wire.MethodPing:
		body, err = n.handlePing(from, req)
	case wire.MethodFindNode:
		body, err = n.handleFindNode(from, req)
	case wire.MethodFindValue:
		body, err = n.handleFindValue(from, req)
	case wire.MethodStoreValue:
		body, err = n.handleStoreValue(from, req)
	case wire.MethodFindPeer:
		body, err = n.handleFindPeer(from, req)
	case wire.MethodAnnouncePeer:
		body, err = n.handleAnnouncePeer(from, req)
	default:
		err = fmt.Errorf("dht: unknown method 0x%02x", byte(req.Method))
	}

	result := "ok"
	if err != nil {
		result = "error"
	}
	n.metrics.recordRequest(req.Method.String(), result)
	return body, err
}

// handlePing replies with an empty body; the round trip itself is the
// payload.
func (n *Node) handlePing(from routingtable.NodeInfo, req *wire.Envelope) (wire.Map, error) {
	return wire.Map{}, nil
}

// wantFlags reads the w4/w6 request flags, defaulting both to true
// when neither is present (a bare find_node from an older or
// minimal client still gets a useful response).
func wantFlags(body wire.Map) (want4, want6 bool) {
	w4, okW4 := body[wire.KeyWant4].AsBool()
	w6, okW6 := body[wire.KeyWant6].AsBool()
	if !okW4 && !okW6 {
		return true, true
	}
	return w4, w6
}

func readTarget(body wire.Map) (id.Id, bool) {
	b, ok := body[wire.KeyTarget].AsBytes()
	if !ok {
		return id.Id{}, false
	}
	t, err := id.FromBytes(b)
	if err != nil {
		return id.Id{}, false
	}
	return t, true
}

// handleFindNode returns the requester's k-closest known nodes to the
// requested target, plus a write-authorization token when requested.
func (n *Node) handleFindNode(from routingtable.NodeInfo, req *wire.Envelope) (wire.Map, error) {
	target, ok := readTarget(req.Body)
	if !ok {
		return nil, fmt.Errorf("dht: find_node missing target")
	}
	want4, want6 := wantFlags(req.Body)

	body := wire.Map{}
	n.findNodesResponseFields(body, target, want4, want6)
	if tok, ok := req.Body[wire.KeyToken].AsBool(); ok && tok {
		body[wire.KeyToken] = wire.Int32(n.tokens.Issue(from.Id, from.Addr.String(), target))
	}
	return body, nil
}

// handleFindValue returns the stored value for target if present and
// newer than the requester's known sequence number, otherwise falls
// back to the closest-nodes response (§4.6: nodes are returned only
// when the value was not found).
func (n *Node) handleFindValue(from routingtable.NodeInfo, req *wire.Envelope) (wire.Map, error) {
	target, ok := readTarget(req.Body)
	if !ok {
		return nil, fmt.Errorf("dht: find_value missing target")
	}
	expectedSeq, _ := req.Body[wire.KeySeq].AsInt32()
	want4, want6 := wantFlags(req.Body)

	v, found, err := n.store.Value(target)
	if err != nil {
		return nil, fmt.Errorf("dht: find_value lookup: %w", err)
	}
	if found && v.Seq >= expectedSeq {
		return wire.Map{wire.KeyValue: wire.EncodeValue(v)}, nil
	}

	body := wire.Map{}
	n.findNodesResponseFields(body, target, want4, want6)
	return body, nil
}

// handleStoreValue validates the caller's write token and the value's
// own signature, enforces the CAS sequence-number rule for mutable
// values, and persists it.
func (n *Node) handleStoreValue(from routingtable.NodeInfo, req *wire.Envelope) (wire.Map, error) {
	valMap, ok := req.Body[wire.KeyValue].AsMap()
	if !ok {
		return nil, fmt.Errorf("dht: store_value missing value")
	}
	v, ok := wire.DecodeValue(valMap)
	if !ok || !v.IsValid() {
		return nil, fmt.Errorf("dht: store_value invalid value")
	}

	target := v.Id()
	token, _ := req.Body[wire.KeyToken].AsInt32()
	if !n.tokens.Validate(token, from.Id, from.Addr.String(), target) {
		return nil, fmt.Errorf("dht: store_value invalid token")
	}

	if v.Kind() != value.Immutable {
		// The §6 "cas" request field makes the compare-and-set
		// sequence number explicit on the wire instead of leaving it
		// implicit inside the encoded value; when present it must
		// agree with the value it was sent alongside.
		if cas, ok := req.Body[wire.KeyCAS].AsInt32(); ok && cas != v.Seq {
			return nil, fmt.Errorf("dht: store_value cas field %d does not match value seq %d", cas, v.Seq)
		}
		if existing, found, err := n.store.Value(target); err == nil && found {
			if v.Seq < existing.Seq {
				return nil, fmt.Errorf("dht: store_value stale sequence %d < %d", v.Seq, existing.Seq)
			}
		}
	}

	if err := n.store.PutValue(v, false); err != nil {
		return nil, fmt.Errorf("dht: store_value persist: %w", err)
	}
	return wire.Map{}, nil
}

// handleFindPeer returns every stored peer advertisement for the
// requested service identity, plus the usual closest-nodes fallback
// fields so the iterative search keeps making progress even on a miss.
func (n *Node) handleFindPeer(from routingtable.NodeInfo, req *wire.Envelope) (wire.Map, error) {
	target, ok := readTarget(req.Body)
	if !ok {
		return nil, fmt.Errorf("dht: find_peer missing target")
	}

	peers, err := n.store.PeersByPublicKey(target, routingtable.K)
	if err != nil {
		return nil, fmt.Errorf("dht: find_peer lookup: %w", err)
	}

	body := wire.Map{}
	if len(peers) > 0 {
		body[wire.KeyPeers] = wire.EncodePeerList(peers)
	}
	n.findNodesResponseFields(body, target, true, true)
	return body, nil
}

// handleAnnouncePeer validates the caller's write token and the
// advertisement's own signature, then persists it under its dedup key.
func (n *Node) handleAnnouncePeer(from routingtable.NodeInfo, req *wire.Envelope) (wire.Map, error) {
	peerMap, ok := req.Body[wire.KeyPeers].AsMap()
	if !ok {
		return nil, fmt.Errorf("dht: announce_peer missing peer info")
	}
	p, ok := wire.DecodePeerInfo(peerMap)
	if !ok || !p.IsValid() {
		return nil, fmt.Errorf("dht: announce_peer invalid advertisement")
	}

	token, _ := req.Body[wire.KeyToken].AsInt32()
	if !n.tokens.Validate(token, from.Id, from.Addr.String(), p.PublicKey) {
		return nil, fmt.Errorf("dht: announce_peer invalid token")
	}

	if err := n.store.PutPeer(p, false); err != nil {
		return nil, fmt.Errorf("dht: announce_peer persist: %w", err)
	}
	return wire.Map{}, nil
}
