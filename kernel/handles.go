// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package kernel

import (
	"time"

	"kernelnet.dev/syncs"
)

// NewSemaphore returns an in-process Semaphore starting at count.
// Kernels that run inside a Go process use it for their handles.
func NewSemaphore(count uint32) Semaphore {
	return sem{syncs.NewSemaphore(int(count))}
}

type sem struct {
	s syncs.Semaphore
}

func (s sem) Acquire()                          { s.s.Acquire() }
func (s sem) TimedAcquire(d time.Duration) bool { return s.s.AcquireTimeout(d) }
func (s sem) TryAcquire() bool                  { return s.s.TryAcquire() }
func (s sem) Release()                          { s.s.Release() }

// NewRecursiveLock returns an in-process RecursiveLock.
func NewRecursiveLock() RecursiveLock {
	return new(recLock)
}

type recLock struct {
	m syncs.RecursiveMutex[Tid]
}

func (l *recLock) Acquire(owner Tid) { l.m.Acquire(owner) }
func (l *recLock) Release(owner Tid) { l.m.Release(owner) }
