package rpccore

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func noopListener() *Listener {
	return &Listener{
		Start:   func(s *Server) error { return nil },
		Destroy: func(s *Server, done func()) { done() },
	}
}

// TestShutdownDrainsPending covers S5: a call parked Pending when shutdown
// begins is zombied, and the shutdown completion only posts once every
// channel has actually left the server (simulated here by the fake
// transport acking the goaway with a connectivity change).
func TestShutdownDrainsPending(t *testing.T) {
	s := NewServer(WithMaxRequestedCalls(4))
	done := NewChanCompletionQueue(1)
	s.RegisterCompletionQueue(done)

	s.AddListener(noopListener())
	require.NoError(t, s.Start())

	ch, ft := newTestChannel(s)
	call := NewCall(ch)
	call.OnInitialMetadata("/svc/Method", "host", time.Time{})
	require.Equal(t, Pending, call.State())

	s.ShutdownAndNotify(done, "tag1")

	require.Equal(t, Zombied, call.State())
	require.Equal(t, 1, ft.goAwayCount())
	require.Equal(t, 0, ft.disconnects, "graceful shutdown must not force-disconnect")

	select {
	case <-done.Events:
		t.Fatal("shutdown completion posted before the channel actually left the server")
	default:
	}

	// The transport acks the goaway by tearing down the connection, which
	// reports a fatal connectivity change the way a real one would.
	ch.setConnectivityState(ConnectivityShutdown, true)

	evt := <-done.Events
	require.Equal(t, "tag1", evt.Tag)
	require.True(t, evt.Success)
}

// TestShutdownIdempotentAndLateJoiners covers multiple callers registering
// for shutdown notification, including one that calls ShutdownAndNotify
// after shutdown has already completed.
func TestShutdownIdempotentAndLateJoiners(t *testing.T) {
	s := NewServer()
	first := NewChanCompletionQueue(1)
	second := NewChanCompletionQueue(1)
	s.RegisterCompletionQueue(first)
	s.RegisterCompletionQueue(second)

	s.ShutdownAndNotify(first, "a")
	evt := <-first.Events
	require.True(t, evt.Success)

	s.ShutdownAndNotify(second, "b")
	evt2 := <-second.Events
	require.Equal(t, "b", evt2.Tag)
	require.True(t, evt2.Success)
}

// TestCancelAllCallsForceDisconnectsWithoutGoAway covers the distinct
// CancelAllCalls verb from SPEC_FULL.md's supplemented features: it
// force-disconnects every channel without ever sending a goaway, and is
// callable independent of shutdown state.
func TestCancelAllCallsForceDisconnectsWithoutGoAway(t *testing.T) {
	s := NewServer()
	ch, ft := newTestChannel(s)

	s.CancelAllCalls()

	require.Equal(t, 0, ft.goAwayCount())
	require.Equal(t, 1, ft.disconnects)

	s.muGlobal.Lock()
	_, present := s.channels[ch.id]
	s.muGlobal.Unlock()
	require.False(t, present, "a force-disconnected channel must be removed from the server's channel set")
}

func TestDestroyWithoutListenersSucceedsWithoutShutdown(t *testing.T) {
	s := NewServer()
	require.NoError(t, s.Destroy())
}

func TestDestroyBeforeShutdownWithListenersFails(t *testing.T) {
	s := NewServer()
	s.AddListener(noopListener())
	require.NoError(t, s.Start())

	err := s.Destroy()
	require.ErrorIs(t, err, ErrDestroyBeforeShutdown)
}

func TestDestroyAfterFullShutdownSucceeds(t *testing.T) {
	s := NewServer()
	s.AddListener(noopListener())
	require.NoError(t, s.Start())

	done := NewChanCompletionQueue(1)
	s.RegisterCompletionQueue(done)
	s.ShutdownAndNotify(done, "tag")
	<-done.Events

	require.NoError(t, s.Destroy())
}

func TestStartPropagatesListenerError(t *testing.T) {
	s := NewServer()
	boom := errors.New("listen failed")
	s.AddListener(&Listener{
		Start:   func(s *Server) error { return boom },
		Destroy: func(s *Server, done func()) { done() },
	})
	s.AddListener(noopListener())

	err := s.Start()
	require.ErrorIs(t, err, boom)
}
