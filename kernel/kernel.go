// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package kernel defines the syscall-level contract between the
// platform layer and a minimal single-address-space kernel: thread
// spawning, counting semaphores, recursive locks, raw packet I/O and
// network bring-up.
//
// Implementations live in the simkernel (in-process simulation) and
// hostkernel (Linux TAP device) subpackages.
package kernel

import (
	"errors"
	"fmt"
	"time"
)

// Tid identifies a kernel thread.
type Tid uint32

// Priority is a kernel scheduling priority.
type Priority uint8

const (
	LowPrio    Priority = 1
	NormalPrio Priority = 2
	HighPrio   Priority = 3
)

func (p Priority) String() string {
	switch p {
	case LowPrio:
		return "low"
	case NormalPrio:
		return "normal"
	case HighPrio:
		return "high"
	}
	return fmt.Sprintf("Priority(%d)", uint8(p))
}

// Semaphore is a kernel-owned counting semaphore handle. Handles are
// safe for concurrent use.
type Semaphore interface {
	// Acquire blocks until the count is positive and decrements it.
	Acquire()
	// TimedAcquire is like Acquire but gives up after d.
	// It reports whether the count was decremented.
	TimedAcquire(d time.Duration) bool
	// TryAcquire decrements the count if it is positive.
	TryAcquire() bool
	// Release increments the count, waking one waiter.
	Release()
}

// RecursiveLock is a kernel recursive lock handle. The owner that holds
// it may acquire it again without blocking.
type RecursiveLock interface {
	Acquire(owner Tid)
	Release(owner Tid)
}

// MACStringLen is the size of the MAC address buffer filled by
// NetworkInit: six two-digit hex fields with separators at offsets
// 2, 5, 8, 11 and 14, plus a trailing NUL.
const MACStringLen = 18

// LinkConfig is the output of NetworkInit.
type LinkConfig struct {
	IP      [4]byte
	Gateway [4]byte
	MAC     [MACStringLen]byte
}

// SemAllocator allocates semaphores.
type SemAllocator interface {
	SemInit(count uint32) (Semaphore, error)
}

// RecLockAllocator allocates recursive locks.
type RecLockAllocator interface {
	RecMutexInit() (RecursiveLock, error)
}

// PacketIO is the raw packet device exposed by the kernel.
type PacketIO interface {
	// NetRead reads at most one frame into buf. It returns the frame
	// length, or a value <= 0 when nothing is available.
	NetRead(buf []byte) (int, error)
	// NetWrite writes one frame and returns the number of bytes written.
	NetWrite(buf []byte) (int, error)
}

// Scheduler is the thread part of the contract.
type Scheduler interface {
	// Spawn starts fn on a new kernel thread with the given priority,
	// pinned to core.
	Spawn(fn func(), prio Priority, core int) (Tid, error)
	// Join blocks until the thread has returned.
	Join(Tid) error
	// Yield gives up the processor voluntarily.
	Yield()
	// Sleep blocks the calling thread for d.
	Sleep(d time.Duration)
}

// Kernel is everything the platform layer consumes.
type Kernel interface {
	Scheduler
	SemAllocator
	RecLockAllocator
	PacketIO

	// NetworkInit brings up the network device. The kernel posts sem
	// whenever a frame arrives. It blocks until the link configuration
	// is known and fills cfg.
	NetworkInit(sem Semaphore, cfg *LinkConfig) error

	// IsPolling reports whether the kernel is in busy-polling mode, in
	// which case callers should not block between polls.
	IsPolling() bool
}

var (
	// ErrNoNetwork is returned by NetworkInit when the kernel has no
	// network device.
	ErrNoNetwork = errors.New("kernel: no network device")

	// ErrUnknownThread is returned by Join for a Tid that was never
	// spawned or was already joined.
	ErrUnknownThread = errors.New("kernel: unknown thread")
)
