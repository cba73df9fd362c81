package wire

import (
	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/peerinfo"
)

// Field keys within one encoded PeerInfo map entry.
const (
	peerKeyPublicKey = "k"
	peerKeyNodeId    = "node"
	peerKeyOrigin    = "ori"
	peerKeyPort      = "port"
	peerKeyURL       = "url"
	peerKeySignature = "s"
)

// EncodePeerInfo serializes a PeerInfo into its wire map shape.
func EncodePeerInfo(p *peerinfo.PeerInfo) *Value {
	m := Map{
		peerKeyPublicKey: Bytes(p.PublicKey.Bytes()),
		peerKeyNodeId:    Bytes(p.NodeId.Bytes()),
		peerKeyPort:      Int32(int32(p.Port)),
		peerKeySignature: Bytes(p.Signature.Bytes()),
	}
	if p.Origin != nil {
		m[peerKeyOrigin] = Bytes(p.Origin.Bytes())
	}
	if p.URL != "" {
		m[peerKeyURL] = String(p.URL)
	}
	return MapValue(m)
}

// DecodePeerInfo reconstructs a PeerInfo from its wire map shape.
func DecodePeerInfo(m Map) (*peerinfo.PeerInfo, bool) {
	pkBytes, ok := m[peerKeyPublicKey].AsBytes()
	if !ok {
		return nil, false
	}
	pk, err := id.FromBytes(pkBytes)
	if err != nil {
		return nil, false
	}
	nodeBytes, ok := m[peerKeyNodeId].AsBytes()
	if !ok {
		return nil, false
	}
	node, err := id.FromBytes(nodeBytes)
	if err != nil {
		return nil, false
	}
	port, _ := m[peerKeyPort].AsInt32()
	sig, _ := m[peerKeySignature].AsBytes()

	p := &peerinfo.PeerInfo{
		PublicKey: pk,
		NodeId:    node,
		Port:      uint16(port),
	}
	copy(p.Signature[:], sig)
	if originBytes, ok := m[peerKeyOrigin].AsBytes(); ok {
		origin, err := id.FromBytes(originBytes)
		if err != nil {
			return nil, false
		}
		p.Origin = &origin
	}
	if url, ok := m[peerKeyURL].AsString(); ok {
		p.URL = url
	}
	return p, true
}

// EncodePeerList wraps a slice of PeerInfo as the `p` list field.
func EncodePeerList(peers []*peerinfo.PeerInfo) *Value {
	list := make([]*Value, 0, len(peers))
	for _, p := range peers {
		list = append(list, EncodePeerInfo(p))
	}
	return List(list)
}

// DecodePeerList parses the `p` list field back into PeerInfos,
// skipping malformed or invalid entries.
func DecodePeerList(list []*Value) []*peerinfo.PeerInfo {
	var out []*peerinfo.PeerInfo
	for _, item := range list {
		m, ok := item.AsMap()
		if !ok {
			continue
		}
		p, ok := DecodePeerInfo(m)
		if !ok || !p.IsValid() {
			continue
		}
		out = append(out, p)
	}
	return out
}
