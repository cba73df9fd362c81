package lookup

import (
	"sync"

	"github.com/duskmesh/dht/internal/id"
)

// State is a lookup task's lifecycle state.
type State int

const (
	Queued State = iota
	Running
	Finished
	Canceled
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Option governs a lookup's early-termination behavior across the
// dual IPv4/IPv6 DHT fan-out (§4.5).
type Option int

const (
	// Conservative runs every configured DHT instance to completion
	// before resolving.
	Conservative Option = iota
	// Optimistic resolves on the first mutable hit without waiting for
	// every instance to finish.
	Optimistic
	// Arbitrary resolves on the first hit of any kind.
	Arbitrary
)

// Task holds the state machine and bookkeeping shared by every lookup
// kind: node, value, peer, and the announce/store tasks built on top
// of a node lookup.
type Task struct {
	mu        sync.Mutex
	state     State
	target    id.Id
	Option    Option
	WantToken bool

	Candidates *ClosestCandidates
	Closest    *ClosestSet

	onFinish func()
}

// OnFinish registers a callback fired once when the task transitions
// to Finished. Used to chain a dependent task (e.g. an AnnounceTask's
// write stage) off a NodeLookup's completion without polling.
func (t *Task) OnFinish(cb func()) {
	t.mu.Lock()
	t.onFinish = cb
	t.mu.Unlock()
}

// NewTask creates a task in the Queued state for the given target.
func NewTask(target id.Id, opt Option) *Task {
	return &Task{
		state:      Queued,
		target:     target,
		Option:     opt,
		Candidates: NewClosestCandidates(target),
		Closest:    NewClosestSet(target),
	}
}

// Target returns the id this task is searching for.
func (t *Task) Target() id.Id { return t.target }

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start transitions a Queued task to Running. No-op if already running
// or terminal.
func (t *Task) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Queued {
		t.state = Running
	}
}

// Finish transitions the task to Finished and fires the OnFinish
// callback, if any, exactly once.
func (t *Task) Finish() {
	t.mu.Lock()
	alreadyTerminal := t.state == Finished || t.state == Canceled
	if !alreadyTerminal {
		t.state = Finished
	}
	cb := t.onFinish
	t.mu.Unlock()

	if !alreadyTerminal && cb != nil {
		cb()
	}
}

// Cancel transitions the task to Canceled.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Finished {
		t.state = Canceled
	}
}

// CanRequest gates sending another call: the task must be running and
// have fewer than Alpha calls currently in flight.
func (t *Task) CanRequest() bool {
	t.mu.Lock()
	running := t.state == Running
	t.mu.Unlock()
	return running && t.Candidates.InFlightCount() < Alpha
}

// IsDone reports whether the task has reached its natural completion
// condition: the closest-set has stabilized, or no candidates remain
// to try.
func (t *Task) IsDone() bool {
	return t.Closest.IsDone() || t.Candidates.Exhausted()
}
