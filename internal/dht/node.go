// Package dht composes the routing table, RPC server, and lookup
// engine into a runnable DHT instance: the periodic scheduler,
// bootstrap, and inbound-message dispatch of §4.6.
package dht

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/duskmesh/dht/internal/dhtcrypto"
	"github.com/duskmesh/dht/internal/dhterrors"
	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/logging"
	"github.com/duskmesh/dht/internal/lookup"
	"github.com/duskmesh/dht/internal/routingtable"
	"github.com/duskmesh/dht/internal/rpc"
	"github.com/duskmesh/dht/internal/storage"
)

// MinRoutingEntries is the bootstrap trigger threshold of §4.6: fewer
// than this many routing entries forces a bootstrap attempt.
const MinRoutingEntries = 30

// BootstrapInterval is the other bootstrap trigger: re-bootstrap if
// this long has passed since the last attempt.
const BootstrapInterval = 30 * time.Minute

// DefaultTaskConcurrency bounds how many lookup tasks the task-dequeue
// tick moves from Queued to Running at once. Not spelled out
// numerically in §4.6 ("up to a concurrency cap"); chosen generously
// above Alpha since tasks spend most of their time awaiting replies.
const DefaultTaskConcurrency = 8

// Config configures a single DHT instance (one of the IPv4/IPv6 pair
// a Runner drives in parallel per §2/§4.5).
type Config struct {
	Addr             *net.UDPAddr
	KeyPair          *dhtcrypto.SigningKeyPair
	BootstrapNodes   []routingtable.NodeInfo
	Storage          storage.Collaborator
	RoutingTablePath string
	Logger           *slog.Logger

	// AllowPrivateAddresses admits RFC 1918/RFC 4193 private-range peer
	// addresses past the bogon check (§4.6 received()), for test
	// deployments that bootstrap entirely over a private network.
	// Defaults to false, matching the GLOSSARY's binding definition of
	// "bogon address".
	AllowPrivateAddresses bool

	// AllowLoopback admits 127.0.0.0/8 and ::1 peer addresses past the
	// bogon check, separately from AllowPrivateAddresses, so a single
	// machine running multiple instances against 127.0.0.1 (§8 seed
	// scenario 1's two-node loopback setup) can actually populate each
	// other's routing table. Defaults to false, matching the
	// GLOSSARY's binding definition of "bogon address"; production
	// deployments should never set this.
	AllowLoopback bool
}

// Node is one DHT instance: the composition root for the routing
// table (C2), RPC server (C3), and task engine (C4), plus the
// scheduler-driven periodic maintenance of §4.6.
type Node struct {
	self    id.Id
	keyPair *dhtcrypto.SigningKeyPair
	addr    *net.UDPAddr

	rt      *routingtable.RoutingTable
	server  *rpc.Server
	tokens  *rpc.TokenManager
	store   storage.Collaborator
	sched   *rpc.Scheduler
	logger  *slog.Logger
	metrics *Metrics

	rtPath                string
	tasks                 *TaskManager
	allowPrivateAddresses bool
	allowLoopback         bool

	mu            sync.Mutex
	started       bool
	lastBootstrap time.Time
	bootstrapCfg  []routingtable.NodeInfo

	done chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Node without starting its network I/O. Call Start
// to bind the socket and begin the periodic scheduler.
func New(cfg Config) (*Node, error) {
	if cfg.KeyPair == nil {
		return nil, dhterrors.New(dhterrors.Argument, "dht.New", "config requires a key pair")
	}
	if cfg.Storage == nil {
		return nil, dhterrors.New(dhterrors.Argument, "dht.New", "config requires a storage collaborator")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	self := cfg.KeyPair.Id()
	n := &Node{
		self:                  self,
		keyPair:               cfg.KeyPair,
		addr:                  cfg.Addr,
		rt:                    routingtable.New(self, logger),
		tokens:                rpc.NewTokenManager(),
		store:                 cfg.Storage,
		sched:                 rpc.NewScheduler(),
		logger:                logger.With(slog.String(logging.KeyComponent, "dht")),
		metrics:               newMetrics(),
		rtPath:                cfg.RoutingTablePath,
		bootstrapCfg:          cfg.BootstrapNodes,
		allowPrivateAddresses: cfg.AllowPrivateAddresses,
		allowLoopback:         cfg.AllowLoopback,
		done:                  make(chan struct{}),
	}
	n.tasks = NewTaskManager(DefaultTaskConcurrency)
	n.metrics.setStack(n.IsIPv6())
	return n, nil
}

// Self returns the node's own identity.
func (n *Node) Self() id.Id { return n.self }

// RoutingTable exposes the underlying routing table for read-only
// inspection (CLI status, metrics).
func (n *Node) RoutingTable() *routingtable.RoutingTable { return n.rt }

// IsIPv6 reports whether this instance is bound to an IPv6 address,
// the tag the dual-stack Runner and JointResult use to label results.
func (n *Node) IsIPv6() bool {
	return n.addr != nil && n.addr.IP.To4() == nil
}

// Start loads any persisted routing table, binds the UDP socket, and
// schedules the five periodic tasks of §4.6.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return dhterrors.New(dhterrors.State, "dht.Start", "already started")
	}
	n.started = true
	n.mu.Unlock()

	if n.rtPath != "" {
		if err := n.rt.Load(n.rtPath); err != nil {
			n.logger.Debug("no routing table snapshot loaded", logging.KeyError, err)
		}
	}

	server, err := rpc.NewServer(n.addr, n.self, n.cryptoCache(), n.dispatchRequest, n.logger)
	if err != nil {
		return dhterrors.Wrap(dhterrors.IO, "dht.Start", err)
	}
	server.SetReceiveHook(n.received)
	n.server = server

	n.sched.Schedule(500*time.Millisecond, 10*time.Second, n.tasks.Dequeue)
	n.sched.Schedule(100*time.Millisecond, 10*time.Second, n.regularUpdate)
	n.sched.Schedule(10*time.Second, 10*time.Second, n.randomPing)
	n.sched.Schedule(10*time.Minute, 10*time.Minute, n.randomLookup)
	n.sched.Schedule(time.Second, 5*time.Minute, n.persistAnnounce)

	n.wg.Add(1)
	go n.run()

	n.logger.Info("dht node started", logging.KeyNodeID, n.self.ShortString(), "addr", n.addr.String())
	return nil
}

// Stop cancels the scheduler loop, persists the routing table, and
// closes the RPC server.
func (n *Node) Stop() error {
	close(n.done)
	n.wg.Wait()

	if n.rtPath != "" {
		if err := n.rt.Save(n.rtPath); err != nil {
			n.logger.Warn("failed to persist routing table", logging.KeyError, err)
		}
	}
	if n.server != nil {
		return n.server.Close()
	}
	return nil
}

func (n *Node) run() {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			return
		case <-time.After(n.sched.NextTimeout()):
			n.sched.RunDue()
		}
	}
}

// regularUpdate is the "Regular update" periodic task of §4.6:
// reachability tick, routing maintenance, conditional bootstrap, and
// conditional persist.
func (n *Node) regularUpdate() {
	n.updateReachability()
	n.metrics.observeRoutingTableSize(n.rt.Size())
	if due, ok := n.rt.Maintenance(); ok {
		for _, b := range due {
			bucket := b
			go n.refreshBucket(bucket, routingtable.RemoveOnTimeout)
		}
	}
	if n.needsBootstrap() {
		n.Bootstrap()
	}
	if n.rtPath != "" {
		if err := n.rt.Save(n.rtPath); err != nil {
			n.logger.Debug("periodic routing-table persist failed", logging.KeyError, err)
		}
	}
}

func (n *Node) updateReachability() {
	snap := n.server.ReachabilitySnapshot()
	for nodeID, count := range snap {
		if count > 0 {
			if e, ok := n.rt.BucketEntry(nodeID); ok {
				e.OnReplied()
			}
		}
	}
}

// randomPing pings a random routing entry if no lookup tasks are
// currently running, the liveness-sampling task of §4.6.
func (n *Node) randomPing() {
	if n.tasks.Running() > 0 {
		return
	}
	e, ok := n.rt.RandomEntry()
	if !ok {
		return
	}
	go n.pingProbe(e.Info)
}

// randomLookup runs a node-lookup for a random id to keep discovering
// the keyspace even absent user-driven traffic.
func (n *Node) randomLookup() {
	var target id.Id
	rand.Read(target[:])
	n.FindNode(target, lookup.Conservative, true, true, nil)
}

func (n *Node) cryptoCache() *dhtcrypto.CryptoCache {
	boxKP, err := dhtcrypto.BoxKeyPairFromSigningKeyPair(n.keyPair)
	if err != nil {
		// New does not check the signing key; this panics if its
		// conversion to a box keypair fails.
		panic(fmt.Sprintf("dht: derive box keypair: %v", err))
	}
	return dhtcrypto.NewCryptoCache(boxKP)
}
