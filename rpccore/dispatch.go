package rpccore

// startNewRPC implements §4.6. It is invoked once per call, from
// Call.OnInitialMetadata, after path/authority have been latched.
func (s *Server) startNewRPC(call *Call) {
	var m *matcher
	if rm := call.channel.lookupRegistered(call.authority, call.path); rm != nil {
		m = rm.matcher
	} else {
		m = s.unregistered
	}

	if s.shutdownFlag.Load() {
		call.mu.Lock()
		call.state = Zombied
		call.mu.Unlock()
		call.scheduleKill()
		return
	}

	id := m.popTicket()
	if id == stackEmpty {
		s.muCall.Lock()
		call.mu.Lock()
		call.state = Pending
		call.mu.Unlock()
		m.enqueuePending(call)
		s.muCall.Unlock()
		s.metrics.callsPending.Inc()
		return
	}

	call.mu.Lock()
	call.state = Activated
	call.mu.Unlock()
	s.beginCall(call, id)
}

// queueCallRequest implements §4.7. rc must already carry Kind/Tag/BoundCQ/
// NotifyCQ/Method (for TicketRegistered) set by RequestCall /
// RequestRegisteredCall. m is the matcher rc targets: the unregistered
// matcher for TicketBatch, or rc.Method's matcher for TicketRegistered.
func (s *Server) queueCallRequest(rc *RequestedCall, m *matcher) {
	if s.shutdownFlag.Load() {
		s.postFailure(rc)
		return
	}

	index, ok := s.freelist.acquire(rc)
	if !ok {
		s.metrics.freelistExhausted.Inc()
		s.postFailure(rc)
		return
	}

	if !m.enqueueTicket(index) {
		// Tickets appended while a previous drain is already running are
		// picked up by that drain; we are not the empty-to-non-empty edge.
		return
	}
	s.drainPending(m)
}

// drainPending is the pairing loop described in §4.7, entered only on the
// ticket-stack's empty-to-non-empty transition. A call is only ever
// dequeued from the pending FIFO once a ticket is already in hand, so a
// dequeued call is either activated with that ticket or, if it was already
// zombied, dropped while the ticket stays in hand — there is no path that
// needs to requeue a call it already committed to pairing.
func (s *Server) drainPending(m *matcher) {
	ticketID := m.popTicket()
	if ticketID == stackEmpty {
		// Another concurrent drain raced us to it; nothing left to do.
		return
	}
	haveTicket := true

	s.muCall.Lock()
	for {
		if !haveTicket {
			id := m.popTicket()
			if id == stackEmpty {
				break
			}
			ticketID = id
			haveTicket = true
		}
		if m.pendingEmpty() {
			break
		}
		call := m.popPending()
		s.muCall.Unlock()

		call.mu.Lock()
		if call.state == Zombied {
			// Defensive: a racing stream-close can zombie a PENDING call
			// after FIFO detach but before this lock is taken. The prior
			// OnStreamClosed scheduling remains valid; this is an extra
			// safety net the source itself performs (see DESIGN.md's Open
			// Question resolution). The ticket in hand was never consumed
			// for this call, so it carries over to the next loop
			// iteration untouched.
			call.mu.Unlock()
			call.scheduleKill()
			s.muCall.Lock()
			continue
		}
		call.state = Activated
		call.mu.Unlock()
		s.metrics.callsPending.Dec()

		s.beginCall(call, ticketID)
		haveTicket = false

		s.muCall.Lock()
	}
	s.muCall.Unlock()

	if haveTicket {
		// Return the unused ticket to the stack; if that happens to flip
		// it from empty to non-empty, whichever goroutine pushed a ticket
		// concurrently (and lost the edge to us) will pick up the drain.
		m.enqueueTicket(ticketID)
	}
}

// beginCall implements §4.8's begin_call. It binds the ticket to the call,
// fills in its out-parameters, issues the RECV_INITIAL_METADATA read, and
// posts a successful completion — deferred, for a REGISTERED ticket with
// OptionalPayload set, until the call's RECV_MESSAGE (§4.8) resolves.
func (s *Server) beginCall(call *Call, ticketIndex int) {
	rc := s.freelist.get(ticketIndex)
	rc.OutCall = call
	rc.OutDetails = &CallDetails{
		Host:     call.authority,
		Method:   call.path,
		Deadline: call.deadline,
	}
	// RECV_INITIAL_METADATA: the core does not parse metadata beyond the
	// :path/:authority pseudo-headers Call already latched for routing, so
	// the populated array surfaces exactly those two entries.
	rc.OutMetadata.Metadata = []MetadataEntry{
		{Key: ":path", Value: call.path},
		{Key: ":authority", Value: call.authority},
	}
	rc.OutMetadata.Count = len(rc.OutMetadata.Metadata)

	if rc.Kind == TicketRegistered && rc.OptionalPayload {
		call.awaitPayload(func(payload []byte) {
			rc.OutPayload = payload
			s.finishBeginCall(rc)
		})
		return
	}
	s.finishBeginCall(rc)
}

// finishBeginCall posts begin_call's successful completion. Split out from
// beginCall so a REGISTERED+OptionalPayload ticket can defer it to the
// call's RECV_MESSAGE completion without blocking the pairing goroutine.
func (s *Server) finishBeginCall(rc *RequestedCall) {
	s.postCompletion(rc, true)
	s.metrics.callsMatched.Inc()
}

// failTicket implements §4.8's fail_call: clears the out-call, zeroes the
// out-metadata count, and posts a failed completion.
func (s *Server) failTicket(ticketIndex int) {
	rc := s.freelist.get(ticketIndex)
	rc.OutCall = nil
	rc.OutDetails = nil
	rc.OutMetadata.Count = 0
	rc.OutMetadata.Metadata = nil
	s.postCompletion(rc, false)
}

// postFailure posts a failed completion for a ticket that never made it
// into the freelist (pool exhaustion or shutdown-in-progress). There is no
// freelist index to release since one was never acquired, but the posted
// completion still held a server reference (added by RequestCall /
// RequestRegisteredCall before queueCallRequest ever ran), so it must be
// dropped here exactly as postCompletion drops it on the success path.
func (s *Server) postFailure(rc *RequestedCall) {
	rc.OutCall = nil
	rc.OutDetails = nil
	rc.OutMetadata.Count = 0
	rc.OutMetadata.Metadata = nil
	rc.NotifyCQ.BeginOp()
	rc.NotifyCQ.Post(Event{Tag: rc.Tag, Success: false})
	rc.NotifyCQ.EndOp()
	s.refs.Add(-1)
}

// postCompletion posts rc's completion and then runs done_request_event:
// release its freelist slot and drop the server reference the posted
// completion held.
func (s *Server) postCompletion(rc *RequestedCall, success bool) {
	rc.NotifyCQ.BeginOp()
	rc.NotifyCQ.Post(Event{Tag: rc.Tag, Success: success})
	rc.NotifyCQ.EndOp()

	s.freelist.release(rc.index)
	s.refs.Add(-1)
}

// RequestCall submits a BATCH ticket against the server's unregistered
// matcher.
func (s *Server) RequestCall(tag any, boundCQ, notifyCQ CompletionQueue) (Status, *RequestedCall) {
	if !notifyCQ.IsServerCQ() {
		return StatusNotServerCompletionQueue, nil
	}
	rc := &RequestedCall{
		Kind:        TicketBatch,
		Tag:         tag,
		BoundCQ:     boundCQ,
		NotifyCQ:    notifyCQ,
		OutMetadata: &MetadataArray{},
	}
	s.refs.Add(1)
	s.queueCallRequest(rc, s.unregistered)
	return StatusOK, rc
}

// RequestRegisteredCall submits a REGISTERED ticket against method's own
// matcher. When optionalPayload is set, the returned ticket's completion is
// held back until the paired call's first message arrives (§4.8's
// RECV_MESSAGE), at which point OutPayload carries it.
func (s *Server) RequestRegisteredCall(method *RegisteredMethod, tag any, boundCQ, notifyCQ CompletionQueue, optionalPayload bool) (Status, *RequestedCall) {
	if !notifyCQ.IsServerCQ() {
		return StatusNotServerCompletionQueue, nil
	}
	rc := &RequestedCall{
		Kind:            TicketRegistered,
		Tag:             tag,
		BoundCQ:         boundCQ,
		NotifyCQ:        notifyCQ,
		Method:          method,
		OptionalPayload: optionalPayload,
		OutMetadata:     &MetadataArray{},
	}
	s.refs.Add(1)
	s.queueCallRequest(rc, method.matcher)
	return StatusOK, rc
}
