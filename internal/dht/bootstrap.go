package dht

import (
	"time"

	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/lookup"
	"github.com/duskmesh/dht/internal/routingtable"
)

// needsBootstrap reports whether the routing table is thin enough, or
// enough time has passed, to warrant another bootstrap attempt (§4.6).
func (n *Node) needsBootstrap() bool {
	n.mu.Lock()
	sinceLast := time.Since(n.lastBootstrap)
	n.mu.Unlock()

	if n.rt.Size() < MinRoutingEntries {
		return true
	}
	return sinceLast >= BootstrapInterval
}

// Bootstrap seeds the routing table from the configured bootstrap
// nodes and runs a node lookup targeting distance(self, id.Max) against
// them, for maximal keyspace coverage. This is the entry
// point described in §4.6 for both first start and periodic
// re-bootstrap once the table thins out.
func (n *Node) Bootstrap() {
	n.mu.Lock()
	n.lastBootstrap = time.Now()
	bootstrapNodes := n.bootstrapCfg
	n.mu.Unlock()

	if len(bootstrapNodes) == 0 {
		return
	}

	for _, bn := range bootstrapNodes {
		n.rt.Put(routingtable.NewKBucketEntry(bn))
	}

	target := n.self.Distance(id.Max)
	nl := lookup.NewNodeLookup(n.server, target, lookup.Conservative, true, true, true)
	nl.Seed(bootstrapNodes)
	n.tasks.Submit(nl)
}
