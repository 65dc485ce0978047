package rpccore

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// ShutdownAndNotify implements §4.9. It never blocks: completion is
// delivered asynchronously to cq once every channel has drained and every
// listener has acknowledged destruction.
func (s *Server) ShutdownAndNotify(cq CompletionQueue, tag any) {
	s.muGlobal.Lock()

	cq.BeginOp()

	if s.shutdownPublished {
		s.muGlobal.Unlock()
		cq.Post(Event{Tag: tag, Success: true})
		cq.EndOp()
		return
	}

	s.shutdownTags = append(s.shutdownTags, shutdownTag{cq: cq, tag: tag})

	if s.shutdownFlag.Load() {
		s.muGlobal.Unlock()
		return
	}

	b := initBroadcaster(s)

	s.muCall.Lock()
	s.killAndZombifyAll()
	s.muCall.Unlock()

	s.shutdownFlag.Store(true)
	s.metrics.shutdownInProgress.Set(1)
	s.maybeFinishShutdown()

	listeners := append([]*Listener(nil), s.listeners...)
	s.muGlobal.Unlock()

	for _, l := range listeners {
		l := l
		l.Destroy(s, func() {
			s.muGlobal.Lock()
			s.listenersDestroyed++
			s.maybeFinishShutdown()
			s.muGlobal.Unlock()
		})
	}

	b.shutdown(true, false)
}

// killAndZombifyAll drains every matcher's ticket stack and pending FIFO.
// Caller must hold muGlobal and muCall.
func (s *Server) killAndZombifyAll() {
	s.unregistered.killTickets(s)
	s.unregistered.zombifyPending(s)
	for _, rm := range s.registry.methods {
		rm.matcher.killTickets(s)
		rm.matcher.zombifyPending(s)
	}
}

var shutdownLogThrottle = time.Second

// maybeFinishShutdown implements §4.9's maybe_finish_shutdown. Caller must
// hold muGlobal and must not hold muCall.
func (s *Server) maybeFinishShutdown() {
	if !s.shutdownFlag.Load() || s.shutdownPublished {
		return
	}

	// New pending work may have arrived between the first kill pass and
	// here; redo it before checking quiescence.
	s.muCall.Lock()
	s.killAndZombifyAll()
	s.muCall.Unlock()

	channelsRemaining := len(s.channels)
	listenersRemaining := len(s.listeners) - s.listenersDestroyed

	if channelsRemaining > 0 || listenersRemaining > 0 {
		s.logShutdownProgressLocked(channelsRemaining, listenersRemaining)
		return
	}

	s.shutdownPublished = true
	s.metrics.shutdownInProgress.Set(0)
	tags := s.shutdownTags
	s.shutdownTags = nil
	for _, t := range tags {
		t.cq.Post(Event{Tag: t.tag, Success: true})
		t.cq.EndOp()
	}
}

// logShutdownProgressLocked throttles shutdown-progress logging to once per
// second, per spec.md §6. Caller must hold muGlobal, which also guards
// lastShutdownLog.
func (s *Server) logShutdownProgressLocked(channelsRemaining, listenersRemaining int) {
	now := time.Now()
	if now.Sub(s.lastShutdownLog) < shutdownLogThrottle {
		return
	}
	s.lastShutdownLog = now
	log.Infof("rpccore: shutdown waiting on %d channel(s), %d listener(s)", channelsRemaining, listenersRemaining)
}

// maybeFinishShutdownAsync acquires muGlobal and checks shutdown quiescence.
// Callers that do not already hold muGlobal (e.g. removeChannel, reacting to
// a channel's own teardown goroutine) use this instead of calling
// maybeFinishShutdown directly.
func (s *Server) maybeFinishShutdownAsync() {
	s.muGlobal.Lock()
	s.maybeFinishShutdown()
	s.muGlobal.Unlock()
}

// CancelAllCalls force-disconnects every channel without sending goaway, as
// its own public verb independent of shutdown state (see SPEC_FULL.md's
// supplemented-features section).
func (s *Server) CancelAllCalls() {
	s.muGlobal.Lock()
	b := initBroadcaster(s)
	s.muGlobal.Unlock()

	b.shutdown(false, true)
}

// Destroy requires either that shutdown has been flagged, or that no
// listeners were ever added, and that every added listener has finished
// destruction.
func (s *Server) Destroy() error {
	s.muGlobal.Lock()
	defer s.muGlobal.Unlock()

	if len(s.listeners) > 0 {
		if !s.shutdownFlag.Load() {
			return ErrDestroyBeforeShutdown
		}
		if s.listenersDestroyed < len(s.listeners) {
			return ErrDestroyBeforeShutdown
		}
	}

	s.unregistered.tickets.destroy()
	for _, rm := range s.registry.methods {
		rm.matcher.tickets.destroy()
	}

	s.listeners = nil
	s.refs.Add(-1)
	return nil
}
