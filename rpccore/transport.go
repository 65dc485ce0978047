package rpccore

// Transport is the opaque wire-level collaborator a listener hands the
// server once a connection is accepted (via SetupTransport). The core never
// parses bytes off it directly; it only issues the handful of operations
// spec.md §1 calls out as "transport operations", plus a connectivity
// subscription so the core can remove the channel from its ring on fatal
// failure.
type Transport interface {
	TransportChannel

	// Subscribe registers a one-shot callback for this transport's next
	// connectivity-state change. The transport is expected to call it
	// again itself if the core wants to keep observing subsequent
	// transitions; the core only acts on the fatal-failure case.
	Subscribe(onChange func(state ConnectivityState, fatal bool))
}

// Listener is one registered accept source (C9): something that, once
// started, calls Server.SetupTransport for every connection it accepts, and
// that the server can ask to stop accepting during shutdown.
type Listener struct {
	// Start is invoked once, from Server.Start, after pollsets have been
	// bound from the server's registered completion queues.
	Start func(s *Server) error

	// Destroy is invoked once, during shutdown, and must call done exactly
	// once when the listener has fully stopped accepting and released its
	// resources.
	Destroy func(s *Server, done func())
}
