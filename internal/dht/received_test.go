package dht

import (
	"net"
	"testing"

	"github.com/duskmesh/dht/internal/routingtable"
)

func TestIsBogonRejectsUnroutableAddresses(t *testing.T) {
	cases := []struct {
		name string
		ip   string
		want bool
	}{
		{"loopback", "127.0.0.1", true},
		{"unspecified", "0.0.0.0", true},
		{"link-local", "169.254.1.1", true},
		{"multicast", "224.0.0.1", true},
		{"public", "203.0.113.5", false},
		{"private", "10.0.0.5", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			addr := &net.UDPAddr{IP: net.ParseIP(tc.ip), Port: 4001}
			if got := isBogon(addr, false, false); got != tc.want {
				t.Errorf("isBogon(%s, false, false) = %v, want %v", tc.ip, got, tc.want)
			}
		})
	}
}

func TestIsBogonAllowsPrivateRangeWhenConfigured(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 4001}
	if isBogon(addr, true, false) {
		t.Fatal("expected a private address to be accepted when allowPrivate is true")
	}
	if isBogon(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4001}, true, false) != true {
		t.Fatal("loopback must still be rejected when only allowPrivate is set")
	}
}

func TestIsBogonAllowsLoopbackWhenConfigured(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4001}
	if isBogon(addr, false, true) {
		t.Fatal("expected loopback to be accepted when allowLoopback is true")
	}
	if isBogon(&net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 4001}, false, true) != true {
		t.Fatal("private range must still be rejected when only allowLoopback is set")
	}
}

func TestReceivedInsertsNewEntryOnResponse(t *testing.T) {
	n := newTestNode(t)
	from := remoteInfo(9101)

	n.received(from, true)

	e, ok := n.rt.BucketEntry(from.Id)
	if !ok {
		t.Fatal("expected the entry to be inserted into the routing table")
	}
	if !e.Reachable {
		t.Fatal("a matched response should mark the entry reachable")
	}
}

func TestReceivedEvictsOnAddressConflict(t *testing.T) {
	n := newTestNode(t)
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 9102}

	original := routingtable.NodeInfo{Id: remoteInfo(1).Id, Addr: addr}
	n.rt.Put(routingtable.NewKBucketEntry(original))

	impostor := routingtable.NodeInfo{Id: remoteInfo(2).Id, Addr: addr}
	n.received(impostor, false)

	if _, ok := n.rt.BucketEntry(original.Id); ok {
		t.Fatal("the original entry should have been evicted on an id/address conflict")
	}
	if _, ok := n.rt.BucketEntry(impostor.Id); ok {
		t.Fatal("the impostor claiming a known address should not be inserted either")
	}
}

func TestReceivedIgnoresSelf(t *testing.T) {
	n := newTestNode(t)
	self := routingtable.NodeInfo{Id: n.Self(), Addr: &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 1}}

	n.received(self, false)

	if n.rt.Size() != 0 {
		t.Fatal("the node's own id should never enter its routing table")
	}
}
