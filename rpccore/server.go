package rpccore

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxRequestedCalls is the default bound on the number of
// outstanding request tickets the server will admit at once, per spec.md §6.
const DefaultMaxRequestedCalls = 32768

// ServerOption configures a Server at construction time, following the same
// functional-options shape google.golang.org/grpc.NewServer uses.
type ServerOption func(*Server)

// WithMaxRequestedCalls overrides DefaultMaxRequestedCalls.
func WithMaxRequestedCalls(n int) ServerOption {
	return func(s *Server) { s.maxRequestedCalls = n }
}

// WithChannelArgs attaches opaque configuration forwarded to SetupTransport
// for every channel (see SPEC_FULL.md's channel-args plumbing supplement).
// The core never interprets these itself.
func WithChannelArgs(args map[string]any) ServerOption {
	return func(s *Server) { s.channelArgs = args }
}

// Server owns the full lifecycle of channels, calls, and request tickets
// for one RPC endpoint. It is the library described by spec.md §6.
type Server struct {
	muGlobal sync.Mutex // channel membership, shutdown bookkeeping, listener teardown count
	muCall   sync.Mutex // pending FIFOs of every matcher

	maxRequestedCalls int
	channelArgs       map[string]any

	cqs      []CompletionQueue
	freelist *ticketFreelist

	unregistered *matcher
	registry     *registry

	channels map[string]*Channel

	listeners          []*Listener
	listenersStarted   bool
	listenersDestroyed int

	shutdownFlag      atomic.Bool
	shutdownPublished bool
	shutdownTags      []shutdownTag

	refs atomic.Int64

	metrics *metrics

	lastShutdownLog time.Time
}

type shutdownTag struct {
	cq  CompletionQueue
	tag any
}

// NewServer constructs a server ready for RegisterCompletionQueue /
// RegisterMethod / AddListener calls. It does not start accepting
// connections until Start is called.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		maxRequestedCalls: DefaultMaxRequestedCalls,
		registry:          newRegistry(),
		channels:          make(map[string]*Channel),
		metrics:           newMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.freelist = newTicketFreelist(s.maxRequestedCalls)
	s.unregistered = newMatcher(s.maxRequestedCalls)
	return s
}

// RegisterCompletionQueue associates cq with this server and marks it as a
// server CQ, idempotent per cq (calling it twice for the same queue is a
// no-op beyond the mark, matching spec.md §6).
func (s *Server) RegisterCompletionQueue(cq CompletionQueue) {
	s.muGlobal.Lock()
	defer s.muGlobal.Unlock()
	for _, existing := range s.cqs {
		if existing == cq {
			return
		}
	}
	cq.MarkServerCQ()
	s.cqs = append(s.cqs, cq)
}

// RegisterMethod registers a (method, host) pair and returns its handle.
// host == "" registers a wildcard matching any authority. Returns an error
// on an empty method string or a duplicate (method, host) pair.
func (s *Server) RegisterMethod(method, host string) (*RegisteredMethod, error) {
	s.muGlobal.Lock()
	defer s.muGlobal.Unlock()
	return s.registry.register(method, host, s.maxRequestedCalls)
}

// AddListener registers an accept source. It must be called before Start.
func (s *Server) AddListener(l *Listener) {
	s.muGlobal.Lock()
	defer s.muGlobal.Unlock()
	s.listeners = append(s.listeners, l)
}

// Start binds pollsets from every registered CQ (a no-op against the
// CompletionQueue interface defined here — pollset binding is an opaque
// transport/CQ-level detail per spec.md §1) and invokes every listener's
// start function.
func (s *Server) Start() error {
	s.muGlobal.Lock()
	s.listenersStarted = true
	listeners := append([]*Listener(nil), s.listeners...)
	s.muGlobal.Unlock()

	var g errgroup.Group
	for _, l := range listeners {
		l := l
		g.Go(func() error { return l.Start(s) })
	}
	return g.Wait()
}

// SetupTransport is called by a listener implementation once it has
// accepted a connection. It creates the channel record, builds its
// registered-method lookup table from the current registry, and inserts
// the channel into the server's ring (here: its channel map).
func (s *Server) SetupTransport(t Transport) *Channel {
	s.muGlobal.Lock()
	methods := append([]*RegisteredMethod(nil), s.registry.methods...)
	args := s.channelArgs
	s.muGlobal.Unlock()

	ch := newChannel(s, transportAdapter{t}, args)
	ch.buildRegisteredTable(methods)

	t.Subscribe(func(state ConnectivityState, fatal bool) {
		ch.setConnectivityState(state, fatal)
	})

	s.muGlobal.Lock()
	s.channels[ch.id] = ch
	s.muGlobal.Unlock()
	s.metrics.channelsActive.Inc()

	log.Debugf("rpccore: channel %s attached", ch.id)
	return ch
}

// transportAdapter lets SetupTransport store a Transport as the narrower
// TransportChannel a Channel actually needs, without leaking the
// subscription method into Channel's own surface.
type transportAdapter struct{ Transport }

// removeChannel drops ch from the ring. Once removed it is never relinked,
// matching the orphan invariant in the data model.
func (s *Server) removeChannel(ch *Channel) {
	s.muGlobal.Lock()
	_, present := s.channels[ch.id]
	delete(s.channels, ch.id)
	s.muGlobal.Unlock()

	if present {
		s.metrics.channelsActive.Dec()
		log.Debugf("rpccore: channel %s removed from ring", ch.id)
		s.maybeFinishShutdownAsync()
	}
}

// AcceptStream is the transport's upcall for a newly accepted stream on an
// already set-up channel. It returns a *Call in NotStarted state; the
// transport must arrange to invoke call.OnInitialMetadata once headers
// arrive, or call.OnStreamClosed if the stream closes first.
func (s *Server) AcceptStream(ch *Channel) *Call {
	return NewCall(ch)
}
