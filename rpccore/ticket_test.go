package rpccore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTicketFreelistAcquireExhaustRelease(t *testing.T) {
	f := newTicketFreelist(2)

	rc1 := &RequestedCall{Tag: "one"}
	idx1, ok := f.acquire(rc1)
	require.True(t, ok)

	rc2 := &RequestedCall{Tag: "two"}
	idx2, ok := f.acquire(rc2)
	require.True(t, ok)
	require.NotEqual(t, idx1, idx2)

	_, ok = f.acquire(&RequestedCall{Tag: "three"})
	require.False(t, ok, "a third acquire against a capacity-2 freelist must fail")

	require.Same(t, rc1, f.get(idx1))
	require.Same(t, rc2, f.get(idx2))

	f.release(idx1)
	rc3 := &RequestedCall{Tag: "three"}
	idx3, ok := f.acquire(rc3)
	require.True(t, ok, "a released slot must become acquirable again")
	require.Equal(t, idx1, idx3)
	require.Same(t, rc3, f.get(idx3))
}
