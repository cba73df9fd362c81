package dht

import (
	"net"

	"github.com/duskmesh/dht/internal/logging"
	"github.com/duskmesh/dht/internal/routingtable"
	"github.com/duskmesh/dht/internal/rpc"
	"github.com/duskmesh/dht/internal/wire"
)

// isBogon reports whether addr is unusable as a routable peer address:
// unspecified, loopback, link-local, private-range, or multicast, per
// the GLOSSARY's binding definition of "bogon address". allowPrivate
// lifts the private-range rejection and allowLoopback lifts the
// loopback rejection, both for test/local deployments that otherwise
// could never admit a peer (Config.AllowPrivateAddresses,
// Config.AllowLoopback); both default to false everywhere else,
// matching the spec exactly.
func isBogon(addr *net.UDPAddr, allowPrivate, allowLoopback bool) bool {
	if addr == nil || addr.IP == nil {
		return true
	}
	ip := addr.IP
	if ip.IsPrivate() && !allowPrivate {
		return true
	}
	if ip.IsLoopback() && !allowLoopback {
		return true
	}
	return ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast()
}

// received implements the §4.6 discipline run for every successfully
// decrypted inbound message, uniformly for requests and responses:
// reject bogon addresses, reject id/address conflicts with a
// pollution-triggered bucket refresh, otherwise merge or insert the
// sender into the routing table.
func (n *Node) received(from routingtable.NodeInfo, isResponse bool) {
	if isBogon(from.Addr, n.allowPrivateAddresses, n.allowLoopback) {
		return
	}
	if from.Id == n.self {
		return
	}

	if existing, ok := n.rt.FindByAddr(from.Addr); ok && existing.Info.Id != from.Id {
		n.logger.Warn("address claimed by a new id, evicting and refreshing bucket",
			logging.KeyPeerID, existing.Info.Id.ShortString(),
			logging.KeyAddress, from.Addr.String())
		n.rt.Remove(existing.Info.Id)
		bucket := n.rt.BucketFor(existing.Info.Id)
		go n.refreshBucket(bucket, routingtable.CheckAll)
		return
	}

	entry, existed := n.rt.BucketEntry(from.Id)
	if existed {
		entry.Info = from
	} else {
		entry = routingtable.NewKBucketEntry(from)
	}
	if isResponse {
		entry.OnReplied()
	}
	n.rt.Put(entry)
}

// refreshBucket runs a ping-refresh pass over bucket, pinging through
// the node's own RPC server so results feed back into the routing
// table via the normal OnReplied/OnTimeout/Remove paths.
func (n *Node) refreshBucket(bucket *routingtable.KBucket, opt routingtable.PingOption) {
	routingtable.RefreshBucket(n.rt, bucket, opt, n.pingSync)
}

// pingSync sends a ping RPC and blocks until it reaches a terminal
// state, reporting whether it was answered. This is the Pinger
// RefreshBucket's synchronous loop needs; it is always invoked from a
// dedicated goroutine so blocking here never stalls the scheduler.
func (n *Node) pingSync(target routingtable.NodeInfo) bool {
	result := make(chan bool, 1)
	_, err := n.server.SendCall(target, wire.MethodPing, wire.Map{}, func(call *rpc.Call, state rpc.CallState) {
		if !state.IsTerminal() {
			return
		}
		result <- state == rpc.Responded
	})
	if err != nil {
		return false
	}
	return <-result
}

// pingProbe fires a single best-effort ping at target, used by the
// random-liveness task where no caller is waiting on the outcome.
func (n *Node) pingProbe(target routingtable.NodeInfo) {
	n.rt.OnSend(target.Id)
	n.server.SendCall(target, wire.MethodPing, wire.Map{}, func(call *rpc.Call, state rpc.CallState) {
		if !state.IsTerminal() {
			return
		}
		if state == rpc.Responded {
			if e, ok := n.rt.BucketEntry(target.Id); ok {
				e.OnReplied()
			}
		} else {
			n.rt.OnTimeout(target.Id)
		}
	})
}
