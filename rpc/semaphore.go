// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"sync"
)

// Semaphore is the admission controller: a FIFO counting semaphore of
// bytes. Acquisitions that cannot be satisfied immediately suspend, in
// arrival order, until enough units are released. The server sizes one
// per instance at max_service_memory_per_core.
//
// There is no deadlock avoidance: a handler must reserve in one shot
// for any request sized near the budget, otherwise a reservation may
// never become satisfiable while already-admitted requests hold the
// remainder.
type Semaphore struct {
	// OnWait, when non-nil, is called once per acquisition that has to
	// suspend, without the semaphore lock held. The server points this
	// at the blocked-on-memory probe counter. Set before first use.
	OnWait func()

	mu        sync.Mutex
	available uint64
	waiters   []*semaphoreWaiter
}

type semaphoreWaiter struct {
	need    uint64
	ready   chan struct{}
	granted bool
}

// NewSemaphore returns a semaphore holding n units.
func NewSemaphore(n uint64) *Semaphore {
	return &Semaphore{available: n}
}

// Acquire claims n units, suspending until they are available or ctx
// is done. The returned Units releases the claim; Release is safe on
// every exit path and idempotent.
func (s *Semaphore) Acquire(ctx context.Context, n uint64) (*Units, error) {
	s.mu.Lock()
	if len(s.waiters) == 0 && s.available >= n {
		s.available -= n
		s.mu.Unlock()
		return &Units{semaphore: s, count: n}, nil
	}

	waiter := &semaphoreWaiter{need: n, ready: make(chan struct{})}
	s.waiters = append(s.waiters, waiter)
	s.mu.Unlock()

	if s.OnWait != nil {
		s.OnWait()
	}

	select {
	case <-waiter.ready:
		return &Units{semaphore: s, count: n}, nil
	case <-ctx.Done():
		s.mu.Lock()
		if waiter.granted {
			// Lost the race: the grant landed before cancellation was
			// observed. Hand the units straight back.
			s.releaseLocked(n)
			s.mu.Unlock()
			return nil, ctx.Err()
		}
		// Remove the waiter so it neither absorbs a future grant nor
		// blocks the fast path behind a queue of ghosts.
		for i, queued := range s.waiters {
			if queued == waiter {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Current returns the units available right now.
func (s *Semaphore) Current() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// Waiters returns the number of acquisitions currently suspended.
func (s *Semaphore) Waiters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

func (s *Semaphore) release(n uint64) {
	s.mu.Lock()
	s.releaseLocked(n)
	s.mu.Unlock()
}

// releaseLocked returns n units and grants suspended waiters in FIFO
// order for as long as the head's need fits.
func (s *Semaphore) releaseLocked(n uint64) {
	s.available += n
	for len(s.waiters) > 0 {
		head := s.waiters[0]
		if s.available < head.need {
			return
		}
		s.available -= head.need
		head.granted = true
		close(head.ready)
		s.waiters = s.waiters[1:]
	}
}

// Units is a scoped claim on semaphore units. Its release returns the
// units exactly once regardless of how many times Release is called;
// this is the single mechanism keeping the semaphore balanced.
type Units struct {
	semaphore *Semaphore
	count     uint64
	once      sync.Once
}

// Count returns the number of units held by the claim.
func (u *Units) Count() uint64 {
	if u == nil {
		return 0
	}
	return u.count
}

// Release returns the claimed units to the semaphore. Idempotent; safe
// on a nil receiver.
func (u *Units) Release() {
	if u == nil {
		return
	}
	u.once.Do(func() {
		u.semaphore.release(u.count)
	})
}
