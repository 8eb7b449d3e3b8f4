package testutil

import (
	"fmt"
	"sync"
)

// Sequence is a thread-safe monotonic counter for tests.
//
// The first call to Next returns 1. Reset lets the same scenario run twice
// with identical numbering.
type Sequence struct {
	mu sync.Mutex
	n  int64
}

// NewSequence creates a sequence starting at 0.
func NewSequence() *Sequence {
	return &Sequence{}
}

// Next increments and returns the next value.
func (s *Sequence) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return s.n
}

// Current returns the last value handed out.
func (s *Sequence) Current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Reset sets the sequence back to 0.
func (s *Sequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n = 0
}

// IDs returns a generator of prefix-1, prefix-2, ... drawn from s.
// Proxies take it as their correlation id source.
func (s *Sequence) IDs(prefix string) func() string {
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, s.Next())
	}
}
