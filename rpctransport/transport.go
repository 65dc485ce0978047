// Package rpctransport is a concrete, minimal wire transport for rpccore:
// one net.Conn per channel, a tiny gob-framed protocol for stream lifecycle
// events, and real per-connection goaway/disconnect — the control surface
// rpccore.Transport needs that a shared *grpc.Server cannot give it (see
// DESIGN.md). It exists to exercise rpccore against a real socket, not as
// part of rpccore's own public contract.
package rpctransport

import (
	"encoding/gob"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/linkerd/rpc-core/rpccore"
)

// frameKind tags the handful of lifecycle events this protocol carries.
// Everything beyond stream lifecycle and the first message on a stream
// (full request/response streaming) is out of scope for rpccore and is left
// to whatever sits above it on a paired stream; this transport only
// demonstrates accept/metadata/message/close.
type frameKind byte

const (
	frameStreamOpen frameKind = iota
	frameMetadata
	frameMessage
	frameStreamClosed
	frameGoAway
)

// frame is the single wire message type, gob-encoded one after another
// directly on the connection — the same "just gob.Encode values onto a
// net.Conn in order" shape net/rpc's default codec uses.
type frame struct {
	Kind             frameKind
	StreamID         int64
	Path             string
	Authority        string
	DeadlineUnixNano int64  // 0 means no deadline
	Message          string // goaway payload, or a frameMessage's body
}

// Listener adapts a net.Listener into an rpccore.Listener.
type Listener struct {
	Addr string

	mu sync.Mutex
	ln net.Listener
}

// Start implements rpccore.Listener.Start: it begins accepting connections
// and, for each one, sets up a channel and runs its frame-reading loop.
func (l *Listener) Start(s *rpccore.Server) error {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	log.Infof("rpctransport: listening on %s", ln.Addr())

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(s, conn)
		}
	}()
	return nil
}

// Destroy implements rpccore.Listener.Destroy: closing the net.Listener
// unblocks the Accept loop above, which then returns without calling done
// itself, so Destroy calls it directly once the listener is closed.
func (l *Listener) Destroy(_ *rpccore.Server, done func()) {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	done()
}

// connTransport is the per-connection rpccore.Transport implementation:
// exactly the three operations SetupTransport's caller needs (goaway,
// disconnect, connectivity subscription).
type connTransport struct {
	conn net.Conn

	mu       sync.Mutex
	enc      *gob.Encoder
	onChange func(state rpccore.ConnectivityState, fatal bool)
}

func (t *connTransport) SendGoAway(message string) {
	t.writeFrame(frame{Kind: frameGoAway, Message: message})
}

func (t *connTransport) Disconnect(force bool) {
	t.conn.Close()
}

func (t *connTransport) Subscribe(onChange func(state rpccore.ConnectivityState, fatal bool)) {
	t.mu.Lock()
	t.onChange = onChange
	t.mu.Unlock()
}

func (t *connTransport) writeFrame(f frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enc.Encode(f); err != nil {
		log.Debugf("rpctransport: write to %s failed: %v", t.conn.RemoteAddr(), err)
	}
}

func (t *connTransport) notifyFatal() {
	t.mu.Lock()
	cb := t.onChange
	t.mu.Unlock()
	if cb != nil {
		cb(rpccore.ConnectivityTransientFailure, true)
	}
}

// serveConn builds the channel for one accepted connection and runs its
// read loop until the connection closes.
func serveConn(s *rpccore.Server, conn net.Conn) {
	t := &connTransport{conn: conn, enc: gob.NewEncoder(conn)}
	ch := s.SetupTransport(t)

	dec := gob.NewDecoder(conn)
	calls := make(map[int64]*rpccore.Call)

	defer conn.Close()

	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			if err != io.EOF {
				log.Debugf("rpctransport: decode error from %s: %v", conn.RemoteAddr(), err)
			}
			t.notifyFatal()
			for _, call := range calls {
				call.OnStreamClosed()
			}
			return
		}

		switch f.Kind {
		case frameStreamOpen:
			calls[f.StreamID] = s.AcceptStream(ch)
		case frameMetadata:
			call, ok := calls[f.StreamID]
			if !ok {
				continue
			}
			var deadline time.Time
			if f.DeadlineUnixNano != 0 {
				deadline = time.Unix(0, f.DeadlineUnixNano)
			}
			call.OnInitialMetadata(f.Path, f.Authority, deadline)
		case frameMessage:
			if call, ok := calls[f.StreamID]; ok {
				call.OnMessage([]byte(f.Message))
			}
		case frameStreamClosed:
			if call, ok := calls[f.StreamID]; ok {
				call.OnStreamClosed()
				delete(calls, f.StreamID)
			}
		}
	}
}
