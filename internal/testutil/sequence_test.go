package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replicore/internal/crdt"
)

func TestSequence_StartsAtOne(t *testing.T) {
	s := NewSequence()
	assert.Equal(t, int64(0), s.Current())
	assert.Equal(t, int64(1), s.Next())
	assert.Equal(t, int64(2), s.Next())
	assert.Equal(t, int64(2), s.Current())
}

func TestSequence_Reset(t *testing.T) {
	s := NewSequence()
	s.Next()
	s.Next()
	s.Reset()
	assert.Equal(t, int64(1), s.Next())
}

func TestSequence_Concurrent(t *testing.T) {
	s := NewSequence()
	var wg sync.WaitGroup
	seen := make(chan int64, 100)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- s.Next()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[int64]bool)
	for v := range seen {
		unique[v] = true
	}
	require.Len(t, unique, 100)
	assert.Equal(t, int64(100), s.Current())
}

func TestSequence_IDs(t *testing.T) {
	s := NewSequence()
	next := s.IDs("corr")
	assert.Equal(t, "corr-1", next())
	assert.Equal(t, "corr-2", next())
}

func TestActors(t *testing.T) {
	assert.Equal(t, []crdt.Actor{"actor-1", "actor-2"}, Actors(2))
	assert.Empty(t, Actors(0))
}
