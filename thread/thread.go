// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package thread spawns and joins kernel threads.
package thread

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"kernelnet.dev/kernel"
)

// ErrJoined is returned by Join on a thread that was already joined.
var ErrJoined = errors.New("thread: already joined")

// Options controls where and how a thread runs.
type Options struct {
	// Priority is the scheduling priority. Zero means kernel.NormalPrio.
	Priority kernel.Priority

	// Core is the CPU the thread is pinned to.
	Core int
}

// Thread is a spawned kernel thread.
type Thread struct {
	k   kernel.Scheduler
	tid kernel.Tid

	mu     sync.Mutex
	joined bool
}

// Spawn starts fn on a new kernel thread.
func Spawn(k kernel.Scheduler, opts Options, fn func()) (*Thread, error) {
	if opts.Priority == 0 {
		opts.Priority = kernel.NormalPrio
	}
	tid, err := k.Spawn(fn, opts.Priority, opts.Core)
	if err != nil {
		return nil, fmt.Errorf("thread: spawn at %v on core %d: %w", opts.Priority, opts.Core, err)
	}
	return &Thread{k: k, tid: tid}, nil
}

// ID returns the kernel's identifier for t.
func (t *Thread) ID() kernel.Tid { return t.tid }

// Join waits for t to finish. A thread can be joined once.
func (t *Thread) Join() error {
	t.mu.Lock()
	if t.joined {
		t.mu.Unlock()
		return ErrJoined
	}
	t.joined = true
	t.mu.Unlock()
	return t.k.Join(t.tid)
}

// Yield gives up the rest of the caller's time slice.
func Yield(k kernel.Scheduler) { k.Yield() }

// Sleep blocks the caller for d.
func Sleep(k kernel.Scheduler, d time.Duration) { k.Sleep(d) }
