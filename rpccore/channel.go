package rpccore

import (
	"sync"

	"github.com/google/uuid"
)

// ChannelRegisteredMethod is a per-channel entry in a channel's
// registered-method lookup table: a reference to the server-global
// RegisteredMethod plus the method/host pair this channel indexes it under.
type ChannelRegisteredMethod struct {
	method *RegisteredMethod
	host   string // "" means wildcard
	path   string
}

// Channel is the per-connection record created by SetupTransport. Where the
// source keeps channels in an intrusive doubly-linked ring with a sentinel
// head and treats "next == self" as the orphan predicate, this
// implementation keeps the server's channel set as a map from channel id to
// *Channel (the alternative §9 itself recommends for an ownership-based
// language): membership is "present in server.channels", not a pointer
// comparison.
type Channel struct {
	id     string
	server *Server

	// registered is the channel-local lookup table translating this
	// channel's (host, method) pairs to the server-global RegisteredMethod.
	// Built once, at SetupTransport time, from the server's registry
	// snapshot; never mutated afterward.
	registered map[string]*ChannelRegisteredMethod // key: registeredKey(host, path)

	mu               sync.Mutex
	connectivity     ConnectivityState
	onConnectivity   func(ConnectivityState)
	destroyScheduled bool

	transport TransportChannel

	// args is the server's configured ChannelArgs (see SPEC_FULL.md's
	// channel-args supplement), forwarded verbatim from SetupTransport. The
	// core itself never interprets it; it exists for filters/transports
	// layered below the core to read off the channel.
	args map[string]any
}

// ConnectivityState mirrors the small state set a transport reports for a
// channel; the core only cares about the fatal-failure transition, which
// triggers removal from the server's ring.
type ConnectivityState int

const (
	ConnectivityIdle ConnectivityState = iota
	ConnectivityConnecting
	ConnectivityReady
	ConnectivityTransientFailure
	ConnectivityShutdown
)

func newChannel(server *Server, transport TransportChannel, args map[string]any) *Channel {
	return &Channel{
		id:         uuid.NewString(),
		server:     server,
		registered: make(map[string]*ChannelRegisteredMethod),
		transport:  transport,
		args:       args,
	}
}

// Args returns the ChannelArgs the server was configured with at
// construction time (see WithChannelArgs), forwarded verbatim to this
// channel by SetupTransport.
func (c *Channel) Args() map[string]any { return c.args }

// ID returns the channel's identity, used for logging and as the ring's
// membership key.
func (c *Channel) ID() string { return c.id }

func registeredKey(host, path string) string {
	return host + "\x00" + path
}

// buildRegisteredTable snapshots the server's registered methods into this
// channel's lookup table. The map is not pre-sized and keeps no
// capacity/probe-count bookkeeping: a Go map grows as entries are added and
// gives O(1) amortized lookup without it.
func (c *Channel) buildRegisteredTable(methods []*RegisteredMethod) {
	for _, m := range methods {
		key := registeredKey(m.Host, m.Method)
		c.registered[key] = &ChannelRegisteredMethod{method: m, host: m.Host, path: m.Method}
	}
}

// lookupRegistered implements §4.4's two-probe lookup: exact host+method
// first, then wildcard (host == "") + method. Returns nil if neither hits,
// meaning the call routes to the server's unregistered matcher.
func (c *Channel) lookupRegistered(host, path string) *RegisteredMethod {
	if host != "" {
		if crm, ok := c.registered[registeredKey(host, path)]; ok {
			return crm.method
		}
	}
	if crm, ok := c.registered[registeredKey("", path)]; ok {
		return crm.method
	}
	return nil
}

// setConnectivityState records the transport's latest reported state and,
// whenever the transport reports the change as fatal (i.e. the transport
// will not retry), removes the channel from the server's ring, whatever the
// reported state. Mirrors the source's "connectivity changed" one-shot
// closure.
func (c *Channel) setConnectivityState(state ConnectivityState, fatal bool) {
	c.mu.Lock()
	c.connectivity = state
	c.mu.Unlock()

	if fatal {
		c.server.removeChannel(c)
	}
}

// TransportChannel is the subset of transport operations the core needs
// against one already-accepted channel: goaway and disconnect. The
// connectivity subscription lives on Transport, which SetupTransport uses
// once before storing the narrower TransportChannel. Everything else about the transport (framing,
// compression, flow control) is opaque.
type TransportChannel interface {
	SendGoAway(message string)
	Disconnect(force bool)
}
