package messaging

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/rpc"
)

// RPCTimeout is the messaging overlay's RPC timeout. §5 states contact
// sync and other messaging RPCs "inherit the underlying RPC timeout",
// i.e. rpc.CallTimeout (C3's 10s).
const RPCTimeout = rpc.CallTimeout

// Request is one outstanding RPC carried over the inbox/outbox
// channel, correlated by a monotonic id and resolved by the matching
// response envelope (§4.7: "Pending requests sit in pending_calls:
// map<i32, Request> with attached promise").
type Request struct {
	ID      int32
	To      id.Id
	Method  string
	Body    []byte
	sentAt  time.Time
	resultC chan requestResult
}

type requestResult struct {
	body []byte
	err  error
}

// PendingCalls tracks outstanding messaging RPCs by id, mirroring the
// DHT RPC server's pending-call map (rpc.Server.pending) but keyed by
// the messaging overlay's own monotonic request id instead of a wire
// txid.
type PendingCalls struct {
	mu      sync.Mutex
	pending map[int32]*Request
	nextID  int32
}

// NewPendingCalls creates an empty pending-call table.
func NewPendingCalls() *PendingCalls {
	return &PendingCalls{pending: make(map[int32]*Request)}
}

// NextID returns the next monotonic request id.
func (p *PendingCalls) NextID() int32 {
	return atomic.AddInt32(&p.nextID, 1)
}

// Register installs req in the pending table, keyed by req.ID.
func (p *PendingCalls) Register(req *Request) {
	req.sentAt = time.Now()
	req.resultC = make(chan requestResult, 1)
	p.mu.Lock()
	p.pending[req.ID] = req
	p.mu.Unlock()
}

// Resolve fulfills the pending request matching id with a successful
// response body. Unmatched ids are logged by the caller and dropped
// (§4.7: "Unmatched ids are logged and dropped").
func (p *PendingCalls) Resolve(id int32, body []byte) bool {
	p.mu.Lock()
	req, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	req.resultC <- requestResult{body: body}
	return true
}

// Reject fulfills the pending request matching id with an error.
func (p *PendingCalls) Reject(id int32, err error) bool {
	p.mu.Lock()
	req, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	req.resultC <- requestResult{err: err}
	return true
}

// Await blocks until req is resolved, rejected, or RPCTimeout elapses.
func (p *PendingCalls) Await(req *Request) ([]byte, error) {
	select {
	case res := <-req.resultC:
		return res.body, res.err
	case <-time.After(RPCTimeout):
		p.mu.Lock()
		delete(p.pending, req.ID)
		p.mu.Unlock()
		return nil, fmt.Errorf("messaging: request %d (%s) timed out", req.ID, req.Method)
	}
}

// CancelAll rejects every outstanding request with err, used on
// client shutdown so no caller blocks forever.
func (p *PendingCalls) CancelAll(err error) {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[int32]*Request)
	p.mu.Unlock()
	for _, req := range pending {
		req.resultC <- requestResult{err: err}
	}
}

// Len reports the number of outstanding requests, for metrics.
func (p *PendingCalls) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
