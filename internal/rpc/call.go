// Package rpc implements the Kademlia wire protocol's call tracking
// and server: encrypted packet framing, txid-matched request/response
// correlation, timeouts, and per-peer reachability tracking.
package rpc

import (
	"time"

	"github.com/duskmesh/dht/internal/routingtable"
	"github.com/duskmesh/dht/internal/wire"
)

// CallState is the RpcCall lifecycle state machine of §3:
// Unsent → Sent → {Responded | Error | Timeout | Stalled}.
type CallState int

const (
	Unsent CallState = iota
	Sent
	Responded
	Error
	Timeout
	Stalled
)

func (s CallState) String() string {
	switch s {
	case Unsent:
		return "unsent"
	case Sent:
		return "sent"
	case Responded:
		return "responded"
	case Error:
		return "error"
	case Timeout:
		return "timeout"
	case Stalled:
		return "stalled"
	default:
		return "unknown"
	}
}

func (s CallState) IsTerminal() bool {
	return s == Responded || s == Error || s == Timeout
}

// CallTimeout is the fixed RPC call timeout (§5): 10 seconds.
const CallTimeout = 10 * time.Second

// OnEvent receives each call state transition. Handlers are expected
// to route the event back to the owning lookup task.
type OnEvent func(call *Call, state CallState)

// Call is an outstanding request awaiting a response, matched by TxID.
type Call struct {
	TxID     int32
	Target   routingtable.NodeInfo
	Request  *wire.Envelope
	SentAt   time.Time
	State    CallState
	Response *wire.Envelope
	onEvent  OnEvent
}

func (c *Call) transition(state CallState) {
	c.State = state
	if c.onEvent != nil {
		c.onEvent(c, state)
	}
}

// MatchesAddr reports whether a response arriving from srcAddr
// corresponds to this call's target, the check §4.4 requires before
// accepting a response as genuine.
func (c *Call) MatchesAddr(srcAddr string) bool {
	if c.Target.Addr == nil {
		return false
	}
	return c.Target.Addr.String() == srcAddr
}
