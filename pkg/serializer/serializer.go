// Package serializer provides the gate that admits one authorization cycle at
// a time. Waiters are admitted in arrival order.
package serializer

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Release returns the token. Only the first call has an effect.
type Release func()

// Serializer is a binary, FIFO mutual-exclusion gate.
type Serializer struct {
	sem  *semaphore.Weighted
	held atomic.Bool
}

// New returns an idle serializer.
func New() *Serializer {
	return &Serializer{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the token is free or ctx is done.
func (s *Serializer) Acquire(ctx context.Context) (Release, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	s.held.Store(true)
	var once sync.Once
	return func() {
		once.Do(func() {
			s.held.Store(false)
			s.sem.Release(1)
		})
	}, nil
}

// Held reports whether a token is currently outstanding.
func (s *Serializer) Held() bool {
	return s.held.Load()
}
