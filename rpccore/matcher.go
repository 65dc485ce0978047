package rpccore

// matcher pairs pending calls with outstanding request tickets for one
// method (or the server's unregistered catch-all). It holds no mutex of its
// own: the ticket index stack is lock-free, and the pending FIFO is
// protected by the owning Server's muCall, which every caller here must
// already hold when touching pendingHead/pendingTail.
//
// Invariant (tested in matcher_test.go): at any instant either the ticket
// stack is empty or the pending FIFO is empty, never both non-empty —
// pairing is attempted eagerly from both queueCallRequest and startNewRPC.
type matcher struct {
	tickets *indexStack

	pendingHead *Call
	pendingTail *Call
}

func newMatcher(ticketCapacity int) *matcher {
	return &matcher{tickets: newIndexStack(ticketCapacity)}
}

// enqueuePending appends call to the pending FIFO. Caller must hold muCall.
func (m *matcher) enqueuePending(call *Call) {
	call.pendingNext = nil
	if m.pendingTail == nil {
		m.pendingHead = call
		m.pendingTail = call
		return
	}
	m.pendingTail.pendingNext = call
	m.pendingTail = call
}

// popPending detaches and returns the FIFO head, or nil if empty. Caller
// must hold muCall.
func (m *matcher) popPending() *Call {
	call := m.pendingHead
	if call == nil {
		return nil
	}
	m.pendingHead = call.pendingNext
	if m.pendingHead == nil {
		m.pendingTail = nil
	}
	call.pendingNext = nil
	return call
}

func (m *matcher) pendingEmpty() bool {
	return m.pendingHead == nil
}

// enqueueTicket pushes id onto the lock-free ticket stack and reports
// whether that push transitioned the stack from empty to non-empty — the
// sole trigger for entering a pairing drain (see Server.queueCallRequest).
func (m *matcher) enqueueTicket(id int) bool {
	return m.tickets.push(id)
}

func (m *matcher) popTicket() int {
	return m.tickets.pop()
}

// killTickets repeatedly pops ticket indices and fails each one, draining
// the matcher's ticket side during shutdown.
func (m *matcher) killTickets(s *Server) {
	for {
		id := m.tickets.pop()
		if id == stackEmpty {
			return
		}
		s.failTicket(id)
	}
}

// zombifyPending walks the pending FIFO under the caller's held muCall,
// transitions every parked call to Zombied under its own per-call lock, and
// schedules its kill closure. Returns the number of calls zombied so the
// caller can log shutdown progress.
func (m *matcher) zombifyPending(s *Server) int {
	n := 0
	for {
		call := m.popPending()
		if call == nil {
			return n
		}
		call.mu.Lock()
		prior := call.state
		if prior == Activated {
			// already paired by a racing drain before we got here; leave it.
			call.mu.Unlock()
			continue
		}
		call.state = Zombied
		call.mu.Unlock()
		if prior == Pending {
			s.metrics.callsPending.Dec()
		}
		call.scheduleKill()
		n++
	}
}
