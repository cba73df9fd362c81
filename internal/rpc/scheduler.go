package rpc

import (
	"container/heap"
	"sync"
	"time"
)

// periodicTask is one entry in the scheduler's priority queue: a
// callback rescheduled by adding its period to its last deadline
// (§4.4: "Periodic tasks are rescheduled by adding period to their
// last deadline").
type periodicTask struct {
	deadline time.Time
	period   time.Duration
	cb       func()
	index    int
}

type taskHeap []*periodicTask

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x interface{}) {
	t := x.(*periodicTask)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Scheduler owns a priority queue of (deadline, period, callback)
// periodic tasks, the single-threaded timer-multiplexing discipline
// of §4.4.
type Scheduler struct {
	mu   sync.Mutex
	heap taskHeap
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	s := &Scheduler{}
	heap.Init(&s.heap)
	return s
}

// Schedule registers cb to run once after initialDelay, then every
// period thereafter.
func (s *Scheduler) Schedule(initialDelay, period time.Duration, cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	heap.Push(&s.heap, &periodicTask{
		deadline: time.Now().Add(initialDelay),
		period:   period,
		cb:       cb,
	})
}

// NextTimeout returns the duration until the next due task, or a long
// duration if none are scheduled, for use as a select timeout.
func (s *Scheduler) NextTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return time.Hour
	}
	d := time.Until(s.heap[0].deadline)
	if d < 0 {
		return 0
	}
	return d
}

// RunDue pops and invokes every task whose deadline has passed,
// rescheduling each by its period.
func (s *Scheduler) RunDue() {
	now := time.Now()
	for {
		s.mu.Lock()
		if len(s.heap) == 0 || s.heap[0].deadline.After(now) {
			s.mu.Unlock()
			return
		}
		t := s.heap[0]
		t.deadline = t.deadline.Add(t.period)
		heap.Fix(&s.heap, 0)
		s.mu.Unlock()

		t.cb()
	}
}
