package rpccore

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// CallState is the call record's state machine. Every call starts
// NotStarted and reaches exactly one terminal state (Activated or Zombied).
type CallState int

const (
	NotStarted CallState = iota
	Pending
	Activated
	Zombied
)

func (s CallState) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case Pending:
		return "PENDING"
	case Activated:
		return "ACTIVATED"
	case Zombied:
		return "ZOMBIED"
	default:
		return "UNKNOWN"
	}
}

// Call is the per-RPC state record. It is created by the transport's
// accept-stream upcall and lives until the underlying stream's reference is
// dropped. mu guards state and the initial-metadata latch
// (gotInitialMetadata with path, authority and deadline); the payload
// fields have their own payloadMu, and everything else is either immutable
// after construction or only touched before the call is published to other
// goroutines.
type Call struct {
	mu    sync.Mutex
	state CallState

	channel *Channel

	path      string
	authority string
	deadline  time.Time

	gotInitialMetadata bool

	// pendingNext links this call into its matcher's pending FIFO; valid
	// only while state == Pending, and only ever touched under the owning
	// Server's mu_call.
	pendingNext *Call

	killOnce sync.Once
	onKill   func(*Call) // runs at most once, when the call reaches Zombied

	// payloadMu guards the call's first-message buffering, used only by
	// REGISTERED tickets with OptionalPayload set (§4.8's RECV_MESSAGE).
	// Kept separate from mu so OnMessage never has to reason about state.
	payloadMu  sync.Mutex
	gotPayload bool
	payload    []byte
	onPayload  func([]byte) // set by beginCall while awaiting the message
}

// NewCall constructs a call record bound to the channel it arrived on.
func NewCall(channel *Channel) *Call {
	c := &Call{channel: channel, state: NotStarted}
	c.onKill = func(call *Call) {
		call.channel.server.metrics.callsZombied.Inc()
		log.Debugf("rpccore: call on channel %s killed", call.channel.ID())
	}
	return c
}

// scheduleKill runs the call's kill closure at most once, however many of
// the racing call sites (stream-close, shutdown drain, shutdown dispatch
// check) observe the Zombied transition. This is what makes the defensive
// extra-ZOMBIED-check inside the pairing drain (§9's Open Question) safe to
// keep: whichever site gets there first does the real work, every other
// site's call is a no-op.
func (c *Call) scheduleKill() {
	c.killOnce.Do(func() {
		if c.onKill != nil {
			c.onKill(c)
		}
	})
}

// State reports the call's current state. Intended for tests and metrics;
// production code should not branch on a snapshot racing against mu.
func (c *Call) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnInitialMetadata is the substituted receive-ops closure described in
// §4.5: the transport invokes it once, when the stream's initial metadata
// has fully arrived. path and authority must already be non-empty; a
// transport that cannot supply both never calls this and instead relies on
// OnStreamClosed to zombify the call.
func (c *Call) OnInitialMetadata(path, authority string, deadline time.Time) {
	c.mu.Lock()
	if c.gotInitialMetadata {
		c.mu.Unlock()
		return
	}
	c.gotInitialMetadata = true
	c.path = path
	c.authority = authority
	c.deadline = deadline
	c.mu.Unlock()

	c.channel.server.startNewRPC(c)
}

// OnMessage is invoked by the transport when the stream's first message
// arrives. It matters only for a call paired via a REGISTERED ticket with
// OptionalPayload set; every other call's transport may call it or not, it
// is simply buffered and never consumed. If awaitPayload is already
// waiting, its callback fires immediately with the payload; otherwise the
// payload is buffered for a later awaitPayload call.
func (c *Call) OnMessage(payload []byte) {
	c.payloadMu.Lock()
	if c.gotPayload {
		c.payloadMu.Unlock()
		return
	}
	c.gotPayload = true
	c.payload = payload
	cb := c.onPayload
	c.onPayload = nil
	c.payloadMu.Unlock()

	if cb != nil {
		cb(payload)
	}
}

// awaitPayload arranges for cb to run with the call's first message: right
// away if OnMessage already delivered it, or later from inside OnMessage
// otherwise. cb must not block — it runs either synchronously here or from
// the transport's own OnMessage upcall.
func (c *Call) awaitPayload(cb func([]byte)) {
	c.payloadMu.Lock()
	if c.gotPayload {
		payload := c.payload
		c.payloadMu.Unlock()
		cb(payload)
		return
	}
	c.onPayload = cb
	c.payloadMu.Unlock()
}

// OnStreamClosed is invoked by the transport when the stream closes (reset,
// EOF, or transport teardown) for any reason. If the call had not yet been
// activated, it is zombied and its kill closure is scheduled; an already
// activated or already zombied call is left alone. An activated call still
// awaiting an optional payload (§4.8's RECV_MESSAGE) has that wait released
// with a nil payload, since no further message can ever arrive — otherwise
// its ticket's completion would never post.
func (c *Call) OnStreamClosed() {
	c.mu.Lock()
	prior := c.state
	switch c.state {
	case NotStarted, Pending:
		c.state = Zombied
		c.mu.Unlock()
		if prior == Pending {
			c.channel.server.metrics.callsPending.Dec()
		}
		c.scheduleKill()
		return
	default:
		c.mu.Unlock()
	}

	c.payloadMu.Lock()
	cb := c.onPayload
	if cb != nil {
		c.gotPayload = true
		c.onPayload = nil
	}
	c.payloadMu.Unlock()
	if cb != nil {
		cb(nil)
	}
}
