package rpccore

import "sync"

// Event is one posted completion: a ticket's tag, paired with whether the
// match succeeded.
type Event struct {
	Tag     any
	Success bool
}

// CompletionQueue is the subset of the completion-queue primitive the core
// needs: begin/end bookkeeping around posted completions, an is-server-cq
// marker, and a Post sink for delivering exactly one event per ticket. The
// real primitive (polling, pollset binding, wakeups) is out of scope per
// spec.md §1; this interface is what the core consumes from it.
type CompletionQueue interface {
	BeginOp()
	EndOp()
	IsServerCQ() bool
	MarkServerCQ()
	Post(evt Event)
}

// ChanCompletionQueue is a minimal, concrete CompletionQueue backed by a
// buffered channel of Events. It is what the demo transport and the test
// suite use to observe S1-S6 style round trips; a production binding would
// instead wire the server's completions into whatever poller the
// surrounding framework already runs.
type ChanCompletionQueue struct {
	mu      sync.Mutex
	server  bool
	opCount int
	Events  chan Event
}

// NewChanCompletionQueue constructs a completion queue with the given
// channel buffer depth.
func NewChanCompletionQueue(buffer int) *ChanCompletionQueue {
	return &ChanCompletionQueue{Events: make(chan Event, buffer)}
}

func (q *ChanCompletionQueue) BeginOp() {
	q.mu.Lock()
	q.opCount++
	q.mu.Unlock()
}

func (q *ChanCompletionQueue) EndOp() {
	q.mu.Lock()
	q.opCount--
	q.mu.Unlock()
}

func (q *ChanCompletionQueue) IsServerCQ() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.server
}

func (q *ChanCompletionQueue) MarkServerCQ() {
	q.mu.Lock()
	q.server = true
	q.mu.Unlock()
}

func (q *ChanCompletionQueue) Post(evt Event) {
	q.Events <- evt
}
