package rpccore

// broadcaster snapshots the server's live channels under muGlobal and then
// fans a transport op out to each of them outside any lock, decoupling the
// (potentially slow) transport work from the server's global mutex.
type broadcaster struct {
	snapshot []*Channel
}

// shutdownGoawayMessage is the literal goaway payload spec.md §6 mandates.
const shutdownGoawayMessage = "Server shutdown"

// initBroadcaster walks the server's channel set. Caller must already hold
// s.muGlobal.
func initBroadcaster(s *Server) *broadcaster {
	b := &broadcaster{snapshot: make([]*Channel, 0, len(s.channels))}
	for _, ch := range s.channels {
		b.snapshot = append(b.snapshot, ch)
	}
	return b
}

// shutdown issues a transport op per snapshotted channel, outside of any
// server lock. sendGoAway and forceDisconnect mirror the two independent
// verbs §4.3 documents: shutdown uses goaway without force-disconnect,
// cancelAllCalls uses force-disconnect without goaway.
func (b *broadcaster) shutdown(sendGoAway, forceDisconnect bool) {
	for _, ch := range b.snapshot {
		if sendGoAway {
			ch.transport.SendGoAway(shutdownGoawayMessage)
		}
		if forceDisconnect {
			ch.transport.Disconnect(true)
		}
	}
}
