// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package syncs contains the kernel-side synchronization types that
// back the platform layer's locks: a counting semaphore with timed
// acquisition and a recursive mutex.
package syncs

import (
	"sync"
	"time"
)

// DefaultMaxCount is the saturation point of semaphores created with
// NewSemaphore.
const DefaultMaxCount = 1 << 16

// Semaphore is a counting semaphore. The count is the number of tokens
// buffered in its channel. The zero value is not usable; use
// NewSemaphore.
//
// Unlike a weighted semaphore, a Semaphore may start at zero and be
// released by goroutines that never acquired it, which makes it usable
// as an event counter (for instance "a packet has arrived").
type Semaphore struct {
	c chan struct{}
}

// NewSemaphore returns a semaphore holding count tokens that saturates
// at DefaultMaxCount. It panics if count is negative or exceeds
// DefaultMaxCount.
func NewSemaphore(count int) Semaphore {
	if count < 0 || count > DefaultMaxCount {
		panic("syncs: invalid semaphore count")
	}
	s := Semaphore{c: make(chan struct{}, DefaultMaxCount)}
	for range count {
		s.c <- struct{}{}
	}
	return s
}

// Acquire blocks until a token is available and takes it.
func (s Semaphore) Acquire() {
	<-s.c
}

// AcquireTimeout blocks until a token is available or d elapses.
// It reports whether a token was taken. A non-positive d behaves like
// TryAcquire.
func (s Semaphore) AcquireTimeout(d time.Duration) bool {
	if d <= 0 {
		return s.TryAcquire()
	}
	select {
	case <-s.c:
		return true
	default:
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.c:
		return true
	case <-t.C:
		return false
	}
}

// TryAcquire takes a token if one is immediately available.
func (s Semaphore) TryAcquire() bool {
	select {
	case <-s.c:
		return true
	default:
		return false
	}
}

// Release returns a token. Releases beyond the semaphore's maximum
// count are dropped.
func (s Semaphore) Release() {
	select {
	case s.c <- struct{}{}:
	default:
	}
}

// RecursiveMutex is a mutex that may be acquired repeatedly by the
// owner already holding it. Each Acquire must be matched by a Release
// from the same owner.
//
// The zero value is an unlocked mutex.
type RecursiveMutex[T comparable] struct {
	mu    sync.Mutex
	cond  sync.Cond
	owner T
	depth int // zero when unlocked
}

func (m *RecursiveMutex[T]) initLocked() {
	if m.cond.L == nil {
		m.cond.L = &m.mu
	}
}

// Acquire blocks until m is free or already held by owner.
func (m *RecursiveMutex[T]) Acquire(owner T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initLocked()
	for m.depth > 0 && m.owner != owner {
		m.cond.Wait()
	}
	m.owner = owner
	m.depth++
}

// TryAcquire acquires m if it is free or already held by owner.
func (m *RecursiveMutex[T]) TryAcquire(owner T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depth > 0 && m.owner != owner {
		return false
	}
	m.owner = owner
	m.depth++
	return true
}

// Release undoes one Acquire by owner. It panics if owner does not
// hold m.
func (m *RecursiveMutex[T]) Release(owner T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initLocked()
	if m.depth == 0 || m.owner != owner {
		panic("syncs: release of recursive mutex not held by caller")
	}
	m.depth--
	if m.depth == 0 {
		var zero T
		m.owner = zero
		m.cond.Broadcast()
	}
}

