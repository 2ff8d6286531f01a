// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package simkernel is an in-process implementation of kernel.Kernel.
// Threads are goroutines, semaphores are channels, and the network
// device is a wire: frames injected with Inject are read back with
// NetRead, and frames written with NetWrite are handed to a transmit
// hook or queued for ReadTransmitted.
//
// Two simulated kernels can share a wire with Connect.
package simkernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"kernelnet.dev/envknob"
	"kernelnet.dev/kernel"
	"kernelnet.dev/types/logger"
)

var busyPollThreshold = envknob.RegisterInt("NETD_BUSY_POLL_THRESHOLD")

const defaultTxQueueLen = 512

// Options configures a simulated kernel.
type Options struct {
	// Logf is the logger. If nil, logs are discarded.
	Logf logger.Logf

	// IP and Gateway are reported by NetworkInit. If IP is not a valid
	// IPv4 address the kernel has no network device.
	IP      netip.Addr
	Gateway netip.Addr

	// MAC is reported by NetworkInit. If nil, a locally administered
	// address derived from IP is used.
	MAC net.HardwareAddr

	// BusyPollThreshold is the inbound backlog at which IsPolling
	// starts reporting true. Zero uses the NETD_BUSY_POLL_THRESHOLD
	// knob; if that is unset too, busy polling is only entered through
	// SetPolling.
	BusyPollThreshold int

	// TxQueueLen bounds the queue read by ReadTransmitted. Frames
	// written while it is full are dropped. Zero means 512.
	TxQueueLen int

	// Pcap, if non-nil, receives a pcap capture of every frame
	// crossing the wire in either direction.
	Pcap io.Writer

	// Failure injection.
	FailSpawn       error
	FailSemInit     error
	FailNetworkInit error
}

// ThreadInfo describes a spawned thread.
type ThreadInfo struct {
	Priority kernel.Priority
	Core     int
}

type thread struct {
	info ThreadInfo
	done chan struct{}
}

// Kernel is a simulated kernel. It is safe for concurrent use.
type Kernel struct {
	opts Options
	logf logger.Logf

	nextTid atomic.Uint32
	polling atomic.Bool
	dropped atomic.Uint64

	mu         sync.Mutex
	threads    map[kernel.Tid]*thread
	rx         *queue.Queue // of []byte; inbound frames
	notify     kernel.Semaphore
	netUp      bool
	onTransmit func([]byte)
	pcap       *pcapgo.Writer

	tx chan []byte
}

var _ kernel.Kernel = (*Kernel)(nil)

// New returns a simulated kernel.
func New(opts Options) *Kernel {
	if opts.TxQueueLen == 0 {
		opts.TxQueueLen = defaultTxQueueLen
	}
	if opts.BusyPollThreshold == 0 {
		opts.BusyPollThreshold = busyPollThreshold()
	}
	k := &Kernel{
		opts:    opts,
		logf:    logger.WithPrefix(logger.OrDiscard(opts.Logf), "simkernel: "),
		threads: make(map[kernel.Tid]*thread),
		rx:      queue.New(),
		tx:      make(chan []byte, opts.TxQueueLen),
	}
	if opts.Pcap != nil {
		w := pcapgo.NewWriter(opts.Pcap)
		if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
			k.logf("pcap disabled: %v", err)
		} else {
			k.pcap = w
		}
	}
	return k
}

// Spawn implements kernel.Scheduler. The goroutine is not pinned; the
// priority and core are recorded for ThreadInfo.
func (k *Kernel) Spawn(fn func(), prio kernel.Priority, core int) (kernel.Tid, error) {
	if err := k.opts.FailSpawn; err != nil {
		return 0, err
	}
	tid := kernel.Tid(k.nextTid.Add(1))
	th := &thread{
		info: ThreadInfo{Priority: prio, Core: core},
		done: make(chan struct{}),
	}
	k.mu.Lock()
	k.threads[tid] = th
	k.mu.Unlock()
	go func() {
		defer close(th.done)
		fn()
	}()
	return tid, nil
}

// ThreadInfo returns the spawn parameters of a live or unjoined thread.
func (k *Kernel) ThreadInfo(tid kernel.Tid) (ThreadInfo, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	th, ok := k.threads[tid]
	if !ok {
		return ThreadInfo{}, false
	}
	return th.info, true
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
	if err := k.opts.FailSemInit; err != nil {
		return nil, err
	}
	return kernel.NewSemaphore(count), nil
}

// RecMutexInit implements kernel.RecLockAllocator.
func (k *Kernel) RecMutexInit() (kernel.RecursiveLock, error) {
	return kernel.NewRecursiveLock(), nil
}

// NetworkInit implements kernel.Kernel. sem is posted on every Inject.
func (k *Kernel) NetworkInit(sem kernel.Semaphore, cfg *kernel.LinkConfig) error {
	if err := k.opts.FailNetworkInit; err != nil {
		return err
	}
	if !k.opts.IP.Is4() {
		return kernel.ErrNoNetwork
	}
	mac := k.MAC()
	cfg.IP = k.opts.IP.As4()
	if k.opts.Gateway.Is4() {
		cfg.Gateway = k.opts.Gateway.As4()
	}
	cfg.MAC = kernel.FormatMAC(mac)

	k.mu.Lock()
	k.notify = sem
	k.netUp = true
	pending := k.rx.Length()
	k.mu.Unlock()
	if pending > 0 {
		sem.Release()
	}
	k.logf("network up: ip=%v gw=%v mac=%v", k.opts.IP, k.opts.Gateway, mac)
	return nil
}

// MAC returns the hardware address NetworkInit reports.
func (k *Kernel) MAC() net.HardwareAddr {
	if k.opts.MAC != nil {
		return k.opts.MAC
	}
	return kernel.DerivedMAC(k.opts.IP)
}

// Inject delivers frame to the simulated NIC as if it had arrived on
// the wire, and posts the semaphore registered by NetworkInit.
func (k *Kernel) Inject(frame []byte) {
	frame = append([]byte(nil), frame...)
	k.mu.Lock()
	k.rx.Add(frame)
	k.capture(frame)
	sem := k.notify
	k.mu.Unlock()
	if sem != nil {
		sem.Release()
	}
}

// Pending returns the number of injected frames not yet read.
func (k *Kernel) Pending() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rx.Length()
}

// NetRead implements kernel.PacketIO. Frames longer than buf are
// truncated.
func (k *Kernel) NetRead(buf []byte) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.rx.Length() == 0 {
		return 0, nil
	}
	frame := k.rx.Remove().([]byte)
	return copy(buf, frame), nil
}

// NetWrite implements kernel.PacketIO.
func (k *Kernel) NetWrite(buf []byte) (int, error) {
	frame := append([]byte(nil), buf...)
	k.mu.Lock()
	up := k.netUp
	hook := k.onTransmit
	k.capture(frame)
	k.mu.Unlock()
	if !up {
		return 0, kernel.ErrNoNetwork
	}
	if hook != nil {
		hook(frame)
		return len(buf), nil
	}
	select {
	case k.tx <- frame:
	default:
		k.dropped.Add(1)
	}
	return len(buf), nil
}

// capture writes frame to the pcap writer. k.mu must be held.
func (k *Kernel) capture(frame []byte) {
	if k.pcap == nil {
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	if err := k.pcap.WritePacket(ci, frame); err != nil {
		k.logf("pcap write: %v", err)
		k.pcap = nil
	}
}

// SetOnTransmit sets a hook that receives every transmitted frame
// instead of the ReadTransmitted queue. The hook must not block for
// long: it runs on the thread that called NetWrite.
func (k *Kernel) SetOnTransmit(fn func(frame []byte)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.onTransmit = fn
}

// ReadTransmitted returns the next frame written with NetWrite.
func (k *Kernel) ReadTransmitted(ctx context.Context) ([]byte, error) {
	select {
	case f := <-k.tx:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dropped returns how many transmitted frames were dropped because the
// transmit queue was full.
func (k *Kernel) Dropped() uint64 { return k.dropped.Load() }

// IsPolling implements kernel.Kernel.
func (k *Kernel) IsPolling() bool {
	if k.polling.Load() {
		return true
	}
	if k.opts.BusyPollThreshold <= 0 {
		return false
	}
	return k.Pending() >= k.opts.BusyPollThreshold
}

// SetPolling forces busy-polling mode on or off.
func (k *Kernel) SetPolling(v bool) { k.polling.Store(v) }

// Connect puts a and b on the same wire: every frame one transmits is
// injected into the other.
func Connect(a, b *Kernel) error {
	if a == b {
		return errors.New("simkernel: cannot connect a kernel to itself")
	}
	a.SetOnTransmit(b.Inject)
	b.SetOnTransmit(a.Inject)
	return nil
}
