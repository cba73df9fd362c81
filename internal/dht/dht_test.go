package dht

import (
	"net"
	"testing"
	"time"

	"github.com/duskmesh/dht/internal/dhtcrypto"
	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/peerinfo"
	"github.com/duskmesh/dht/internal/routingtable"
	"github.com/duskmesh/dht/internal/value"
)

// fakeStorage is an in-memory storage.Collaborator for tests that
// exercise the DHT node's request handlers without a sqlite file.
type fakeStorage struct {
	values map[id.Id]*value.Value
	peers  map[id.Id]*peerinfo.PeerInfo
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		values: make(map[id.Id]*value.Value),
		peers:  make(map[id.Id]*peerinfo.PeerInfo),
	}
}

func (f *fakeStorage) PutValue(v *value.Value, persistent bool) error {
	f.values[v.Id()] = v
	return nil
}

func (f *fakeStorage) Value(target id.Id) (*value.Value, bool, error) {
	v, ok := f.values[target]
	return v, ok, nil
}

func (f *fakeStorage) RemoveValue(target id.Id) error {
	delete(f.values, target)
	return nil
}

func (f *fakeStorage) ValueIds() ([]id.Id, error) {
	out := make([]id.Id, 0, len(f.values))
	for k := range f.values {
		out = append(out, k)
	}
	return out, nil
}

func (f *fakeStorage) PersistentValues(olderThan time.Time) ([]*value.Value, error) {
	return nil, nil
}

func (f *fakeStorage) PutPeer(p *peerinfo.PeerInfo, persistent bool) error {
	f.peers[p.DedupKey()] = p
	return nil
}

func (f *fakeStorage) Peer(dedupKey id.Id) (*peerinfo.PeerInfo, bool, error) {
	p, ok := f.peers[dedupKey]
	return p, ok, nil
}

func (f *fakeStorage) PeersByPublicKey(pk id.Id, max int) ([]*peerinfo.PeerInfo, error) {
	var out []*peerinfo.PeerInfo
	for _, p := range f.peers {
		if p.PublicKey == pk {
			out = append(out, p)
		}
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

func (f *fakeStorage) RemovePeer(dedupKey id.Id) error {
	delete(f.peers, dedupKey)
	return nil
}

func (f *fakeStorage) PeerIds() ([]id.Id, error) {
	out := make([]id.Id, 0, len(f.peers))
	for k := range f.peers {
		out = append(out, k)
	}
	return out, nil
}

func (f *fakeStorage) PersistentPeers(olderThan time.Time) ([]*peerinfo.PeerInfo, error) {
	return nil, nil
}

func (f *fakeStorage) Expire(maxAge time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeStorage) Close() error { return nil }

// newLoopbackNode starts a Node bound to 127.0.0.1:0 with loopback
// peers admitted past the bogon check, the escape hatch two instances
// on one machine need to ever populate each other's routing table.
func newLoopbackNode(t *testing.T) *Node {
	t.Helper()
	kp, err := dhtcrypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	n, err := New(Config{Addr: addr, KeyPair: kp, Storage: newFakeStorage(), AllowLoopback: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { n.Stop() })
	return n
}

// TestTwoNodeBootstrapReachesReachable drives §8 seed scenario 1: two
// loopback nodes, A bootstrapped against B, must end with B reachable
// and un-failed in A's routing table.
func TestTwoNodeBootstrapReachesReachable(t *testing.T) {
	a := newLoopbackNode(t)
	b := newLoopbackNode(t)

	a.bootstrapCfg = []routingtable.NodeInfo{{Id: b.Self(), Addr: b.server.LocalAddr()}}
	a.Bootstrap()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if e, ok := a.rt.BucketEntry(b.Self()); ok && e.Reachable && e.FailedRequests == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("B never became a reachable, un-failed entry in A's routing table within 2s")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
