package dht

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/duskmesh/dht/internal/dhtcrypto"
	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/lookup"
	"github.com/duskmesh/dht/internal/peerinfo"
	"github.com/duskmesh/dht/internal/routingtable"
	"github.com/duskmesh/dht/internal/storage"
	"github.com/duskmesh/dht/internal/value"
)

// RunnerConfig configures a Runner's pair of DHT instances.
type RunnerConfig struct {
	KeyPair        *dhtcrypto.SigningKeyPair
	Addr4          *net.UDPAddr // nil disables the IPv4 instance
	Addr6          *net.UDPAddr // nil disables the IPv6 instance
	BootstrapNodes []routingtable.NodeInfo
	Storage        storage.Collaborator
	RoutingDir     string // snapshot files written as <dir>/routing-v4.bin, routing-v6.bin
	Logger         *slog.Logger
}

// Runner owns the parallel IPv4 and IPv6 Node instances of §2/§4.5 and
// fans every public operation out across whichever are configured,
// merging their results through a JointResult.
type Runner struct {
	v4, v6 *Node
}

// NewRunner constructs the configured instance(s) without starting
// them.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Addr4 == nil && cfg.Addr6 == nil {
		return nil, fmt.Errorf("dht: runner needs at least one of Addr4/Addr6")
	}
	r := &Runner{}

	if cfg.Addr4 != nil {
		n, err := New(Config{
			Addr: cfg.Addr4, KeyPair: cfg.KeyPair, BootstrapNodes: cfg.BootstrapNodes,
			Storage: cfg.Storage, RoutingTablePath: joinPath(cfg.RoutingDir, "routing-v4.bin"), Logger: cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("dht: create ipv4 instance: %w", err)
		}
		r.v4 = n
	}
	if cfg.Addr6 != nil {
		n, err := New(Config{
			Addr: cfg.Addr6, KeyPair: cfg.KeyPair, BootstrapNodes: cfg.BootstrapNodes,
			Storage: cfg.Storage, RoutingTablePath: joinPath(cfg.RoutingDir, "routing-v6.bin"), Logger: cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("dht: create ipv6 instance: %w", err)
		}
		r.v6 = n
	}
	return r, nil
}

func joinPath(dir, file string) string {
	if dir == "" {
		return ""
	}
	return dir + "/" + file
}

// instances returns the configured, non-nil Node instances.
func (r *Runner) instances() []*Node {
	var out []*Node
	if r.v4 != nil {
		out = append(out, r.v4)
	}
	if r.v6 != nil {
		out = append(out, r.v6)
	}
	return out
}

// Start starts every configured instance, stopping any already-started
// ones if a later one fails to bind.
func (r *Runner) Start() error {
	started := make([]*Node, 0, 2)
	for _, n := range r.instances() {
		if err := n.Start(); err != nil {
			for _, s := range started {
				s.Stop()
			}
			return err
		}
		started = append(started, n)
	}
	return nil
}

// Stop stops every configured instance, returning the first error
// encountered (after attempting to stop all of them).
func (r *Runner) Stop() error {
	var first error
	for _, n := range r.instances() {
		if err := n.Stop(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// FindNode runs the node lookup across every configured instance and
// merges the results.
func (r *Runner) FindNode(target id.Id, opt lookup.Option, want4, want6 bool) *JointResult {
	instances := r.instances()
	jr := NewJointResult(len(instances))
	for _, n := range instances {
		n.FindNode(target, opt, want4, want6, jr.ReportNodes)
	}
	return jr
}

// FindValue runs the value lookup across every configured instance and
// merges the results, keeping the newer of any two hits.
func (r *Runner) FindValue(target id.Id, opt lookup.Option, want4, want6 bool, expectedSeq int32) *JointResult {
	instances := r.instances()
	jr := NewJointResult(len(instances))
	for _, n := range instances {
		n.FindValue(target, opt, want4, want6, expectedSeq, jr.ReportValue)
	}
	return jr
}

// FindPeer runs the peer lookup across every configured instance and
// merges the deduplicated results.
func (r *Runner) FindPeer(target id.Id, opt lookup.Option) *JointResult {
	instances := r.instances()
	jr := NewJointResult(len(instances))
	for _, n := range instances {
		n.FindPeer(target, opt, jr.ReportPeers)
	}
	return jr
}

// StoreValue announces v through every configured instance.
func (r *Runner) StoreValue(v *value.Value, opt lookup.Option) *JointResult {
	instances := r.instances()
	jr := NewJointResult(len(instances))
	for _, n := range instances {
		if _, err := n.StoreValue(v, opt, func(nodes []routingtable.NodeInfo) { jr.ReportNodes(nodes) }); err != nil {
			jr.arrive()
		}
	}
	return jr
}

// AnnouncePeer announces p through every configured instance.
func (r *Runner) AnnouncePeer(p *peerinfo.PeerInfo, opt lookup.Option) *JointResult {
	instances := r.instances()
	jr := NewJointResult(len(instances))
	for _, n := range instances {
		if _, err := n.AnnouncePeer(p, opt, func(nodes []routingtable.NodeInfo) { jr.ReportNodes(nodes) }); err != nil {
			jr.arrive()
		}
	}
	return jr
}
