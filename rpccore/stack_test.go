package rpccore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndexStackPushPopBasic(t *testing.T) {
	s := newIndexStack(4)
	require.Equal(t, stackEmpty, s.pop())

	first := s.push(0)
	require.True(t, first, "first push from empty must report the edge")

	second := s.push(1)
	require.False(t, second, "push onto a non-empty stack must not report the edge")

	got := s.pop()
	require.Contains(t, []int{0, 1}, got)
	got2 := s.pop()
	require.Contains(t, []int{0, 1}, got2)
	require.NotEqual(t, got, got2)

	require.Equal(t, stackEmpty, s.pop())
	s.destroy()
}

func TestIndexStackDestroyPanicsWhenNonEmpty(t *testing.T) {
	s := newIndexStack(2)
	s.push(0)
	require.Panics(t, func() { s.destroy() })
}

func TestIndexStackConcurrentPushPop(t *testing.T) {
	const n = 64
	s := newIndexStack(n)
	for i := 0; i < n; i++ {
		s.push(i)
	}

	var wg sync.WaitGroup
	results := make(chan int, n)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id := s.pop()
				if id == stackEmpty {
					return
				}
				results <- id
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	count := 0
	for id := range results {
		require.False(t, seen[id], "index %d popped twice", id)
		seen[id] = true
		count++
	}
	require.Equal(t, n, count)
	s.destroy()
}

func TestIndexStackEmptyToNonEmptyEdgeIsExclusive(t *testing.T) {
	// Concurrently pushing many indices from empty must yield exactly one
	// true (the edge) among all pushes, since a Treiber stack serializes
	// the CAS that observes old==stackEmpty.
	const n = 32
	s := newIndexStack(n)
	var wg sync.WaitGroup
	edges := make(chan bool, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			edges <- s.push(i)
		}()
	}
	wg.Wait()
	close(edges)

	trueCount := 0
	for e := range edges {
		if e {
			trueCount++
		}
	}
	require.Equal(t, 1, trueCount)

	for i := 0; i < n; i++ {
		require.NotEqual(t, stackEmpty, s.pop())
	}
	s.destroy()
}
