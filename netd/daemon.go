// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package netd runs the network polling daemon: a dedicated kernel
// thread that brings up the link and then drives the protocol stack,
// sleeping on the kernel's packet semaphore between polls.
package netd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"kernelnet.dev/device"
	"kernelnet.dev/envknob"
	"kernelnet.dev/kernel"
	"kernelnet.dev/netif"
	"kernelnet.dev/thread"
	"kernelnet.dev/tstime"
	"kernelnet.dev/types/logger"
)

// minDelay is the wait used when the stack has no deadline of its own.
const minDelay = time.Millisecond

var debugPoll = envknob.RegisterBool("NETD_DEBUG_POLL")

// ErrSpawn is returned by Start when the daemon thread cannot be
// created.
var ErrSpawn = errors.New("netd: unable to create thread")

var errStopped = errors.New("netd: daemon stopped before the link came up")

// State is the daemon's lifecycle state.
type State int32

const (
	Init State = iota
	Bootstrapping
	Running
	Aborted // bootstrap failed; the thread has exited
	Stopped // Close was called
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Bootstrapping:
		return "bootstrapping"
	case Running:
		return "running"
	case Aborted:
		return "aborted"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Options configures the daemon.
type Options struct {
	// Logf is the logger. If nil, logs are discarded.
	Logf logger.Logf

	// Clock is the source of poll timestamps. If nil, the real clock
	// is used.
	Clock tstime.Clock

	// Priority of the daemon thread. Zero means kernel.HighPrio.
	Priority kernel.Priority

	// Core the daemon thread is pinned to.
	Core int

	// NeighborCacheSize caps the neighbor cache. Zero means
	// netif.DefaultNeighborCacheSize.
	NeighborCacheSize int

	// SocketSetSize caps the socket set. Zero means
	// netif.DefaultSocketSetSize.
	SocketSetSize int

	// Metrics, if non-nil, receives the daemon's Prometheus metrics.
	// Daemons sharing a registry need distinct labels, as with
	// prometheus.WrapRegistererWith.
	Metrics prometheus.Registerer

	// Setup, if non-nil, runs on the daemon thread after bootstrap and
	// before the first poll. It typically opens sockets in set. An
	// error aborts the daemon.
	Setup func(iface *netif.Interface, set *netif.SocketSet) error
}

// Daemon is a running polling daemon.
type Daemon struct {
	k         kernel.Kernel
	opts      Options
	logf      logger.Logf
	errLogf   logger.Logf // rate limited
	clock     tstime.Clock
	metrics   *metrics
	thread    *thread.Thread
	state     atomic.Int32
	stop      atomic.Bool
	ready     chan struct{} // closed once Running, Aborted or Stopped
	done      chan struct{} // closed when the thread exits
	closeOnce sync.Once
	closeErr  error

	mu       sync.Mutex // guards the following
	link     *Link
	set      *netif.SocketSet
	readyErr error
}

// Start spawns the daemon thread and yields so it can begin
// bootstrapping. It fails if the thread cannot be created or if
// opts.Metrics rejects the daemon's metrics; bootstrap failures are
// reported by State, WaitReady and the log.
func Start(k kernel.Kernel, opts Options) (*Daemon, error) {
	if opts.Priority == 0 {
		opts.Priority = kernel.HighPrio
	}
	if opts.SocketSetSize == 0 {
		opts.SocketSetSize = netif.DefaultSocketSetSize
	}
	logf := logger.WithPrefix(logger.OrDiscard(opts.Logf), "netd: ")
	d := &Daemon{
		k:       k,
		opts:    opts,
		logf:    logf,
		errLogf: logger.RateLimitedFn(logf, time.Minute, 10, 32),
		clock:   tstime.OrStd(opts.Clock),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	m, err := newMetrics(opts.Metrics, d.deviceCounters)
	if err != nil {
		return nil, fmt.Errorf("netd: %w", err)
	}
	d.metrics = m

	th, err := thread.Spawn(k, thread.Options{Priority: opts.Priority, Core: opts.Core}, d.run)
	if err != nil {
		logf("%v: %v", ErrSpawn, err)
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	d.thread = th
	k.Yield()
	return d, nil
}

// State returns the daemon's current state.
func (d *Daemon) State() State { return State(d.state.Load()) }

func (d *Daemon) setState(s State) {
	old := State(d.state.Swap(int32(s)))
	d.logf("%v -> %v", old, s)
}

// Done returns a channel closed when the daemon thread has exited.
func (d *Daemon) Done() <-chan struct{} { return d.done }

// WaitReady blocks until the daemon is running, or returns the reason
// it never will be.
func (d *Daemon) WaitReady(ctx context.Context) error {
	select {
	case <-d.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readyErr
}

// markReady records the bootstrap outcome and releases WaitReady.
func (d *Daemon) markReady(err error) {
	d.mu.Lock()
	d.readyErr = err
	d.mu.Unlock()
	close(d.ready)
}

// Interface returns the daemon's interface, or nil until it is running.
func (d *Daemon) Interface() *netif.Interface {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.link == nil {
		return nil
	}
	return d.link.Iface
}

// Sockets returns the daemon's socket set, or nil until it is running.
func (d *Daemon) Sockets() *netif.SocketSet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.set
}

// ThreadID returns the daemon thread's kernel ID.
func (d *Daemon) ThreadID() kernel.Tid { return d.thread.ID() }

func (d *Daemon) deviceCounters() *device.Counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.link == nil {
		return nil
	}
	return d.link.Device.Counters()
}

// Close stops the loop, waits for the thread to exit and releases the
// stack. It is safe to call more than once.
func (d *Daemon) Close() error {
	d.closeOnce.Do(func() {
		d.stop.Store(true)
		d.mu.Lock()
		link := d.link
		d.mu.Unlock()
		if link != nil {
			link.Sem.Release()
		}
		<-d.done
		d.closeErr = d.thread.Join()
	})
	return d.closeErr
}

func (d *Daemon) run() {
	defer close(d.done)
	d.setState(Bootstrapping)
	link, err := Bootstrap(d.k, d.opts)
	if err != nil {
		d.logf("bootstrap: %v", err)
		d.setState(Aborted)
		d.markReady(err)
		return
	}
	defer link.Iface.Close()
	set := netif.NewSocketSet(d.opts.SocketSetSize)
	defer set.Close()

	d.mu.Lock()
	d.link = link
	d.set = set
	d.mu.Unlock()
	link.Iface.SetNotify(link.Sem.Release)

	if setup := d.opts.Setup; setup != nil {
		if err := setup(link.Iface, set); err != nil {
			d.logf("setup: %v", err)
			d.setState(Aborted)
			d.markReady(fmt.Errorf("netd: setup: %w", err))
			return
		}
	}
	if d.stop.Load() {
		d.setState(Stopped)
		d.markReady(errStopped)
		return
	}
	d.setState(Running)
	d.markReady(nil)
	d.loop(link, set)
	d.setState(Stopped)
}

func (d *Daemon) loop(link *Link, set *netif.SocketSet) {
	start := d.clock.Now()
	for !d.stop.Load() {
		now := device.InstantSince(d.clock, start)

		t0 := time.Now()
		moved, err := link.Iface.Poll(set, now)
		d.metrics.pollDuration.Observe(time.Since(t0).Seconds())
		d.metrics.polls.Inc()
		if err != nil {
			d.metrics.pollErrors.Inc()
			d.errLogf("poll: %v", err)
		}
		if debugPoll() {
			d.logf("poll at %v: moved=%v", now, moved)
		}

		if d.k.IsPolling() {
			d.metrics.busySkips.Inc()
			continue
		}
		delay := ClampDelay(link.Iface.PollDelay(set, now))
		d.metrics.waits.Inc()
		if link.Sem.TimedAcquire(delay) {
			d.metrics.earlyWakeups.Inc()
		}
	}
}

// ClampDelay turns the stack's suggested delay into the semaphore wait
// in whole milliseconds. No suggestion, or one under a millisecond,
// becomes one millisecond.
func ClampDelay(d time.Duration, ok bool) time.Duration {
	if !ok || d < minDelay {
		return minDelay
	}
	return d.Truncate(time.Millisecond)
}
