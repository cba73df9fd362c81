// Package lookup implements the iterative closest-node search engine
// that backs node, value, and peer lookups, and the two-stage
// announce/store tasks built on top of it.
package lookup

import (
	"sort"
	"sync"

	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/routingtable"
)

// Alpha is the iterative-lookup concurrency factor: at most this many
// calls may be in flight for a task at once.
const Alpha = 3

// CandidatesCapacity is the size bound on a task's ClosestCandidates
// pool (§4.5: "capacity 3·K = 24").
const CandidatesCapacity = 3 * routingtable.K

// CandidateState is where a candidate sits in the per-task probing
// cycle.
type CandidateState int

const (
	Fresh CandidateState = iota
	InFlight
	Replied
	CandidateError
	// Dead marks a candidate that has exhausted its retry budget; it no
	// longer competes for Next() but doesn't block the pool from being
	// considered Exhausted either.
	Dead
)

// MaxAttempts bounds how many calls are sent to a candidate, counting
// the first; a timeout or error on the last allowed call marks it Dead.
const MaxAttempts = 2

// CandidateNode is one entry in a task's ClosestCandidates pool.
type CandidateNode struct {
	Info     routingtable.NodeInfo
	State    CandidateState
	Token    int32
	HasToken bool
	attempts int
}

// ClosestCandidates is the bounded pool of nodes a lookup task has
// learned about but not yet exhausted, deduplicated by id and address,
// evicting the farthest non-inflight entry on overflow.
type ClosestCandidates struct {
	mu     sync.Mutex
	target id.Id
	byID   map[id.Id]*CandidateNode
}

// NewClosestCandidates creates an empty pool for the given lookup target.
func NewClosestCandidates(target id.Id) *ClosestCandidates {
	return &ClosestCandidates{
		target: target,
		byID:   make(map[id.Id]*CandidateNode),
	}
}

// Insert adds or merges ni into the pool. Returns false if the insert
// was a no-op duplicate of an already-known entry at the same address.
func (c *ClosestCandidates) Insert(ni routingtable.NodeInfo) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byID[ni.Id]; ok {
		if existing.Info.Addr != nil && ni.Addr != nil && existing.Info.Addr.String() == ni.Addr.String() {
			return false
		}
		existing.Info = ni
		return true
	}

	if ni.Addr != nil {
		for _, cand := range c.byID {
			if cand.Info.Addr != nil && cand.Info.Addr.String() == ni.Addr.String() {
				return false
			}
		}
	}

	c.byID[ni.Id] = &CandidateNode{Info: ni, State: Fresh}
	c.evictIfOverCapacity()
	return true
}

// evictIfOverCapacity drops the farthest non-inflight candidate(s)
// until the pool is back within CandidatesCapacity. Must be called
// with mu held.
func (c *ClosestCandidates) evictIfOverCapacity() {
	for len(c.byID) > CandidatesCapacity {
		var farthestID id.Id
		found := false
		for cid, cand := range c.byID {
			if cand.State == InFlight {
				continue
			}
			if !found || id.Cmp(c.target, cid, farthestID) > 0 {
				farthestID = cid
				found = true
			}
		}
		if !found {
			return // everything remaining is in-flight; let it temporarily overflow
		}
		delete(c.byID, farthestID)
	}
}

// MarkInFlight transitions a candidate to InFlight as a call is sent
// to it.
func (c *ClosestCandidates) MarkInFlight(nid id.Id) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cand, ok := c.byID[nid]; ok {
		cand.State = InFlight
		cand.attempts++
	}
}

// MarkReplied transitions a candidate to Replied, optionally recording
// a write-authorization token from its response.
func (c *ClosestCandidates) MarkReplied(nid id.Id, token int32, hasToken bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cand, ok := c.byID[nid]; ok {
		cand.State = Replied
		if hasToken {
			cand.Token = token
			cand.HasToken = true
		}
	}
}

// MarkError transitions a candidate to CandidateError after a call
// timeout or error, or to Dead once it has exhausted MaxAttempts.
func (c *ClosestCandidates) MarkError(nid id.Id) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cand, ok := c.byID[nid]; ok {
		if cand.attempts >= MaxAttempts {
			cand.State = Dead
		} else {
			cand.State = CandidateError
		}
	}
}

// Next returns the closest Fresh candidate, preferring one that has
// never been attempted over one that previously errored, or nil if
// none remain (§4.5: "preferring unpinged over previously-timed-out
// ones").
func (c *ClosestCandidates) Next() *CandidateNode {
	c.mu.Lock()
	defer c.mu.Unlock()

	var never, retried []*CandidateNode
	for _, cand := range c.byID {
		if cand.State != Fresh && cand.State != CandidateError {
			continue
		}
		if cand.attempts == 0 {
			never = append(never, cand)
		} else {
			retried = append(retried, cand)
		}
	}

	pick := func(pool []*CandidateNode) *CandidateNode {
		if len(pool) == 0 {
			return nil
		}
		sort.Slice(pool, func(i, j int) bool {
			return id.Cmp(c.target, pool[i].Info.Id, pool[j].Info.Id) < 0
		})
		return pool[0]
	}

	if n := pick(never); n != nil {
		return n
	}
	return pick(retried)
}

// InFlightCount reports how many candidates currently have an
// outstanding call.
func (c *ClosestCandidates) InFlightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cand := range c.byID {
		if cand.State == InFlight {
			n++
		}
	}
	return n
}

// Exhausted reports whether no candidate remains eligible for a
// future call (none Fresh or CandidateError, and nothing in flight).
func (c *ClosestCandidates) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cand := range c.byID {
		if cand.State != Replied && cand.State != Dead {
			return false
		}
	}
	return true
}

// Replied returns every candidate currently in the Replied state,
// sorted by distance to the lookup target.
func (c *ClosestCandidates) Replied() []*CandidateNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*CandidateNode
	for _, cand := range c.byID {
		if cand.State == Replied {
			out = append(out, cand)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return id.Cmp(c.target, out[i].Info.Id, out[j].Info.Id) < 0
	})
	return out
}

// Len reports the number of tracked candidates, for tests and metrics.
func (c *ClosestCandidates) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}
