// Package peerinfo implements peer-service advertisement records: a
// signed binding from a service identity (pk) to the DHT node
// announcing it, optionally delegated through an origin peer.
package peerinfo

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/duskmesh/dht/internal/dhtcrypto"
	"github.com/duskmesh/dht/internal/id"
)

// PeerInfo advertises that the service identified by PublicKey is
// reachable through NodeId on Port, optionally delegated via Origin.
type PeerInfo struct {
	PublicKey id.Id
	NodeId    id.Id
	Origin    *id.Id
	Port      uint16
	URL       string
	Signature dhtcrypto.Signature
}

// originOrNodeId returns Origin if the announcement is delegated,
// otherwise NodeId, matching the "origin_or_nodeid" term in the
// signature's covered data.
func (p *PeerInfo) originOrNodeId() id.Id {
	if p.Origin != nil {
		return *p.Origin
	}
	return p.NodeId
}

// signatureData builds nodeid ∥ origin_or_nodeid ∥ port_be ∥ url?.
func (p *PeerInfo) signatureData() []byte {
	var buf []byte
	buf = append(buf, p.NodeId.Bytes()...)
	origin := p.originOrNodeId()
	buf = append(buf, origin.Bytes()...)
	var portBE [2]byte
	binary.BigEndian.PutUint16(portBE[:], p.Port)
	buf = append(buf, portBE[:]...)
	if p.URL != "" {
		buf = append(buf, []byte(p.URL)...)
	}
	return buf
}

// Sign signs the record under the service identity's private key.
// priv must correspond to p.PublicKey.
func (p *PeerInfo) Sign(priv [dhtcrypto.SigningPrivateKeySize]byte) {
	p.Signature = dhtcrypto.SignBytes(priv, p.signatureData())
}

// IsValid reports whether the signature verifies against PublicKey.
func (p *PeerInfo) IsValid() bool {
	var pub [dhtcrypto.SigningPublicKeySize]byte
	copy(pub[:], p.PublicKey.Bytes())
	return p.Signature.Verify(pub, p.signatureData())
}

// New builds and signs a PeerInfo advertising owner's service through
// node on port, optionally delegated via origin.
func New(owner *dhtcrypto.SigningKeyPair, node id.Id, origin *id.Id, port uint16, url string) *PeerInfo {
	ownerID := owner.Id()
	p := &PeerInfo{
		PublicKey: ownerID,
		NodeId:    node,
		Origin:    origin,
		Port:      port,
		URL:       url,
	}
	p.Sign(owner.PrivateKey)
	return p
}

// DedupKey returns the hash PeerInfo records are deduplicated by
// across lookup responses: SHA256(pk ∥ nodeid ∥ origin ∥ port ∥ url ∥ sig).
func (p *PeerInfo) DedupKey() id.Id {
	var buf []byte
	buf = append(buf, p.PublicKey.Bytes()...)
	buf = append(buf, p.NodeId.Bytes()...)
	if p.Origin != nil {
		buf = append(buf, p.Origin.Bytes()...)
	}
	var portBE [2]byte
	binary.BigEndian.PutUint16(portBE[:], p.Port)
	buf = append(buf, portBE[:]...)
	buf = append(buf, []byte(p.URL)...)
	buf = append(buf, p.Signature.Bytes()...)
	sum := sha256.Sum256(buf)
	return id.Id(sum)
}

// String renders a short human-readable summary for logs.
func (p *PeerInfo) String() string {
	return fmt.Sprintf("peer %s via node %s port %d", p.PublicKey.ShortString(), p.NodeId.ShortString(), p.Port)
}
