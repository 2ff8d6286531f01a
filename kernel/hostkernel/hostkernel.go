// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package hostkernel implements kernel.Kernel on a host operating
// system. Threads are goroutines locked to OS threads and pinned to a
// CPU, and the network device is a TAP interface. A readiness watcher
// posts the packet semaphore when the TAP has frames to read.
//
// TAP devices and thread pinning are only available on Linux.
package hostkernel

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"kernelnet.dev/kernel"
	"kernelnet.dev/types/logger"
)

// watchInterval bounds how long the readiness watcher blocks before
// checking for Close.
const watchInterval = 100 * time.Millisecond

// Config configures a host kernel.
type Config struct {
	// Logf is the logger. If nil, logs are discarded.
	Logf logger.Logf

	// TAP is the name of the TAP interface to open or create.
	TAP string

	// IP and Gateway are reported by NetworkInit. They are the
	// addresses of the stack behind the TAP, not the host's.
	IP      netip.Addr
	Gateway netip.Addr

	// MAC is reported by NetworkInit. If nil, it is derived from IP.
	MAC net.HardwareAddr

	// BusyPoll makes IsPolling report true, so the daemon never waits.
	BusyPoll bool
}

// tapDevice is an open TAP interface.
type tapDevice interface {
	// Read reads one frame. It returns 0 and no error if none is
	// pending.
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	// WaitReadable blocks up to timeout for a frame to be pending.
	WaitReadable(timeout time.Duration) (bool, error)
	Close() error
}

type thread struct {
	done chan struct{}
}

// Kernel is a host kernel.
type Kernel struct {
	cfg  Config
	logf logger.Logf

	nextTid atomic.Uint32
	drained chan struct{} // NetRead found the TAP empty
	closed  chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	threads map[kernel.Tid]*thread
	tap     tapDevice
}

var _ kernel.Kernel = (*Kernel)(nil)

// New returns a host kernel. The TAP is opened by NetworkInit.
func New(cfg Config) *Kernel {
	return &Kernel{
		cfg:     cfg,
		logf:    logger.WithPrefix(logger.OrDiscard(cfg.Logf), "hostkernel: "),
		drained: make(chan struct{}, 1),
		closed:  make(chan struct{}),
		threads: make(map[kernel.Tid]*thread),
	}
}

// Spawn implements kernel.Scheduler. fn runs on its own OS thread,
// pinned to core at prio where the host allows it; a pinning failure
// is logged and fn runs unpinned.
func (k *Kernel) Spawn(fn func(), prio kernel.Priority, core int) (kernel.Tid, error) {
	if core < 0 || core >= runtime.NumCPU() {
		return 0, fmt.Errorf("hostkernel: core %d out of range [0, %d)", core, runtime.NumCPU())
	}
	tid := kernel.Tid(k.nextTid.Add(1))
	th := &thread{done: make(chan struct{})}
	k.mu.Lock()
	k.threads[tid] = th
	k.mu.Unlock()
	go func() {
		defer close(th.done)
		// Never unlocked: the OS thread exits with the goroutine and
		// takes its affinity and priority with it.
		runtime.LockOSThread()
		if err := pinCurrentThread(core, prio); err != nil {
			k.logf("thread %d: %v", tid, err)
		}
		fn()
	}()
	return tid, nil
}

// Join implements kernel.Scheduler.
func (k *Kernel) Join(tid kernel.Tid) error {
	k.mu.Lock()
	th, ok := k.threads[tid]
	k.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", kernel.ErrUnknownThread, tid)
	}
	<-th.done
	k.mu.Lock()
	delete(k.threads, tid)
	k.mu.Unlock()
	return nil
}

// Yield implements kernel.Scheduler.
func (k *Kernel) Yield() { runtime.Gosched() }

// Sleep implements kernel.Scheduler.
func (k *Kernel) Sleep(d time.Duration) { time.Sleep(d) }

// SemInit implements kernel.SemAllocator.
func (k *Kernel) SemInit(count uint32) (kernel.Semaphore, error) {
	return kernel.NewSemaphore(count), nil
}

// RecMutexInit implements kernel.RecLockAllocator.
func (k *Kernel) RecMutexInit() (kernel.RecursiveLock, error) {
	return kernel.NewRecursiveLock(), nil
}

// NetworkInit opens the TAP and starts the readiness watcher, which
// posts sem whenever frames are pending.
func (k *Kernel) NetworkInit(sem kernel.Semaphore, cfg *kernel.LinkConfig) error {
	if !k.cfg.IP.Is4() {
		return fmt.Errorf("%w: no IPv4 address configured", kernel.ErrNoNetwork)
	}
	mac := k.cfg.MAC
	if mac == nil {
		mac = kernel.DerivedMAC(k.cfg.IP)
	}
	if len(mac) != 6 {
		return fmt.Errorf("hostkernel: MAC %v is not 6 bytes", mac)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.tap != nil {
		return errors.New("hostkernel: network already initialized")
	}
	tap, err := openTAP(k.cfg.TAP, k.logf)
	if err != nil {
		return fmt.Errorf("%w: %w", kernel.ErrNoNetwork, err)
	}
	k.tap = tap

	cfg.IP = k.cfg.IP.As4()
	if k.cfg.Gateway.Is4() {
		cfg.Gateway = k.cfg.Gateway.As4()
	}
	cfg.MAC = kernel.FormatMAC(mac)

	k.wg.Add(1)
	go k.watch(tap, sem)
	k.logf("network up on %s: ip=%v gw=%v mac=%v", k.cfg.TAP, k.cfg.IP, k.cfg.Gateway, mac)
	return nil
}

// watch posts sem when the TAP becomes readable, then waits for a
// NetRead to find it empty before watching again.
func (k *Kernel) watch(tap tapDevice, sem kernel.Semaphore) {
	defer k.wg.Done()
	for {
		select {
		case <-k.closed:
			return
		default:
		}
		ready, err := tap.WaitReadable(watchInterval)
		if err != nil {
			k.logf("watch: %v", err)
			return
		}
		if !ready {
			continue
		}
		// A drain signal from an idle read predates this frame.
		select {
		case <-k.drained:
		default:
		}
		sem.Release()
		select {
		case <-k.drained:
		case <-k.closed:
			return
		}
	}
}

func (k *Kernel) device() (tapDevice, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.tap == nil {
		return nil, kernel.ErrNoNetwork
	}
	return k.tap, nil
}

// NetRead implements kernel.PacketIO. It does not block.
func (k *Kernel) NetRead(buf []byte) (int, error) {
	tap, err := k.device()
	if err != nil {
		return 0, err
	}
	n, err := tap.Read(buf)
	if n <= 0 {
		select {
		case k.drained <- struct{}{}:
		default:
		}
	}
	return n, err
}

// NetWrite implements kernel.PacketIO.
func (k *Kernel) NetWrite(buf []byte) (int, error) {
	tap, err := k.device()
	if err != nil {
		return 0, err
	}
	return tap.Write(buf)
}

// IsPolling implements kernel.Kernel.
func (k *Kernel) IsPolling() bool { return k.cfg.BusyPoll }

// Close stops the readiness watcher and closes the TAP.
func (k *Kernel) Close() error {
	k.mu.Lock()
	select {
	case <-k.closed:
		k.mu.Unlock()
		return nil
	default:
	}
	close(k.closed)
	tap := k.tap
	k.mu.Unlock()
	k.wg.Wait()
	if tap == nil {
		return nil
	}
	return tap.Close()
}
