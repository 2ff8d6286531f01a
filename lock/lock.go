// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package lock provides the blocking mutexes the platform layer uses
// for cross-thread coordination. Both are thin wrappers around kernel
// handles: Mutex over a semaphore of count one, ReentrantMutex over a
// kernel recursive lock.
//
// The zero value of each type is uninitialized: it holds no kernel
// handle and must be initialized with Init before first use. Locking
// an uninitialized value is a programming error and panics.
package lock

import (
	"fmt"

	"kernelnet.dev/kernel"
)

const (
	uninitMutex     = "lock: use of uninitialized mutex"
	uninitReentrant = "lock: use of uninitialized reentrant mutex"
)

// Mutex is a mutual exclusion lock backed by a kernel semaphore.
//
// Re-acquiring a Mutex from the thread that holds it deadlocks; use
// ReentrantMutex for that.
type Mutex struct {
	sem kernel.Semaphore // nil until Init
}

// NewMutex returns an initialized Mutex.
func NewMutex(a kernel.SemAllocator) (*Mutex, error) {
	m := new(Mutex)
	if err := m.Init(a); err != nil {
		return nil, err
	}
	return m, nil
}

// Init allocates the mutex's semaphore with a count of one.
//
// Init must be called exactly once, before any other method, and not
// concurrently with other methods on m. A second call panics.
func (m *Mutex) Init(a kernel.SemAllocator) error {
	if m.sem != nil {
		panic("lock: mutex initialized twice")
	}
	sem, err := a.SemInit(1)
	if err != nil {
		return fmt.Errorf("lock: allocating semaphore: %w", err)
	}
	m.sem = sem
	return nil
}

// Initialized reports whether Init has succeeded.
func (m *Mutex) Initialized() bool { return m.sem != nil }

// Lock blocks until m is acquired.
func (m *Mutex) Lock() {
	m.handle().Acquire()
}

// TryLock acquires m if it is free and reports whether it did.
func (m *Mutex) TryLock() bool {
	return m.handle().TryAcquire()
}

// Unlock releases m. Unlocking a mutex that is not locked is not
// detected and corrupts the lock.
func (m *Mutex) Unlock() {
	m.handle().Release()
}

// Destroy is a no-op; the kernel reclaims the semaphore when the
// process exits.
func (m *Mutex) Destroy() {}

func (m *Mutex) handle() kernel.Semaphore {
	if m.sem == nil {
		panic(uninitMutex)
	}
	return m.sem
}

// ReentrantMutex is a mutex that the thread holding it may lock again.
// Go has no thread identity, so callers name themselves with the Tid
// of the kernel thread they run on.
type ReentrantMutex struct {
	rl kernel.RecursiveLock // nil until Init
}

// NewReentrantMutex returns an initialized ReentrantMutex.
func NewReentrantMutex(a kernel.RecLockAllocator) (*ReentrantMutex, error) {
	m := new(ReentrantMutex)
	if err := m.Init(a); err != nil {
		return nil, err
	}
	return m, nil
}

// Init allocates the kernel recursive lock. It follows the same rules
// as Mutex.Init.
func (m *ReentrantMutex) Init(a kernel.RecLockAllocator) error {
	if m.rl != nil {
		panic("lock: reentrant mutex initialized twice")
	}
	rl, err := a.RecMutexInit()
	if err != nil {
		return fmt.Errorf("lock: allocating recursive lock: %w", err)
	}
	m.rl = rl
	return nil
}

// Initialized reports whether Init has succeeded.
func (m *ReentrantMutex) Initialized() bool { return m.rl != nil }

// Lock blocks until m is free or already held by owner.
func (m *ReentrantMutex) Lock(owner kernel.Tid) {
	m.handle().Acquire(owner)
}

// TryLock always reports true and does not acquire m: the kernel's
// recursive lock has no non-blocking acquire. Callers that need the
// lock must use Lock.
func (m *ReentrantMutex) TryLock(owner kernel.Tid) bool {
	m.handle()
	return true
}

// Unlock undoes one Lock by owner.
func (m *ReentrantMutex) Unlock(owner kernel.Tid) {
	m.handle().Release(owner)
}

// Destroy is a no-op, like Mutex.Destroy.
func (m *ReentrantMutex) Destroy() {}

func (m *ReentrantMutex) handle() kernel.RecursiveLock {
	if m.rl == nil {
		panic(uninitReentrant)
	}
	return m.rl
}
