package rpccore

import "sync/atomic"

// indexStack is a bounded, wait-free stack of small non-negative integers in
// [0, capacity). It is the cross-thread signalling primitive used to pair
// outstanding request tickets with pending calls: push/pop never block and
// never allocate once constructed.
//
// The stack is built from a fixed array of atomic "next" links plus an
// atomic head, the same compare-and-swap treiber-stack shape used for any
// lock-free freelist; there is no ordering guarantee between concurrent
// pushes, and none is required by the matcher above it.
type indexStack struct {
	head  atomic.Int64 // index into next, or -1 for empty
	next  []atomic.Int64
	count atomic.Int64 // number of indices on the stack; destroy checks head, not count
}

const stackEmpty = -1

func newIndexStack(capacity int) *indexStack {
	s := &indexStack{next: make([]atomic.Int64, capacity)}
	s.head.Store(stackEmpty)
	return s
}

// push adds i to the stack and reports whether the stack transitioned from
// empty to non-empty — the edge callers use to decide whether to kick off a
// pairing drain.
func (s *indexStack) push(i int) (emptyToNonEmpty bool) {
	for {
		old := s.head.Load()
		s.next[i].Store(old)
		if s.head.CompareAndSwap(old, int64(i)) {
			s.count.Add(1)
			return old == stackEmpty
		}
	}
}

// pop removes and returns an index, or -1 if the stack is empty.
func (s *indexStack) pop() int {
	for {
		old := s.head.Load()
		if old == stackEmpty {
			return stackEmpty
		}
		n := s.next[old].Load()
		if s.head.CompareAndSwap(old, n) {
			s.count.Add(-1)
			return int(old)
		}
	}
}

// destroy asserts that the stack has been fully drained. A non-empty stack
// at destroy time means indices were leaked rather than returned, which is a
// programming error in the caller.
func (s *indexStack) destroy() {
	if s.head.Load() != stackEmpty {
		panic("rpccore: indexStack destroyed while non-empty")
	}
}
