// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package device adapts the kernel's raw packet syscalls to the
// pull-based device interface of the protocol stack: the stack asks for
// a receive opportunity or a transmit opportunity and gets back
// single-use tokens.
package device

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"kernelnet.dev/kernel"
	"kernelnet.dev/tstime"
)

const (
	// MTU is the maximum transmission unit advertised to the stack.
	MTU = 1500

	// MaxMessageSize is the capacity of a receive buffer, the upper
	// bound of a single kernel read.
	MaxMessageSize = 1792
)

var (
	// ErrTokenConsumed is returned when a token is consumed twice.
	ErrTokenConsumed = errors.New("device: token already consumed")

	// ErrShortWrite is returned when the kernel accepted fewer bytes
	// than the frame held.
	ErrShortWrite = errors.New("device: short write")
)

// Instant is a point in time in whole milliseconds since the poll loop
// started.
type Instant int64

// InstantFromDuration converts the time elapsed since the loop started
// into an Instant: seconds*1000 + sub-second nanoseconds/1e6.
func InstantFromDuration(d time.Duration) Instant {
	secs := int64(d / time.Second)
	subsecNanos := int64(d % time.Second)
	return Instant(secs*1000 + subsecNanos/1_000_000)
}

// InstantSince returns the Instant on c for a loop that started at
// start.
func InstantSince(c tstime.Clock, start time.Time) Instant {
	return InstantFromDuration(c.Since(start))
}

// Duration returns i as a duration since the loop started.
func (i Instant) Duration() time.Duration {
	return time.Duration(i) * time.Millisecond
}

func (i Instant) String() string {
	return fmt.Sprintf("%d.%03ds", int64(i)/1000, int64(i)%1000)
}

// Capabilities describes what the device supports.
type Capabilities struct {
	MaxTransmissionUnit int
}

// Counters are the device's cumulative packet counts.
type Counters struct {
	RxFrames  atomic.Uint64
	RxBytes   atomic.Uint64
	TxFrames  atomic.Uint64
	TxBytes   atomic.Uint64
	TxErrors  atomic.Uint64
	RxEmpty   atomic.Uint64 // reads that returned nothing
	TxDropped atomic.Uint64 // transmit closures that failed before the write
}

// Device is the packet device adapter. It owns no buffers; it creates
// tokens. A Device must only be used from the thread that polls the
// stack.
type Device struct {
	io       kernel.PacketIO
	mtu      int
	counters Counters
}

// New returns a Device reading and writing frames through io.
func New(io kernel.PacketIO) *Device {
	return &Device{io: io, mtu: MTU}
}

// Capabilities returns the device's capabilities.
func (d *Device) Capabilities() Capabilities {
	return Capabilities{MaxTransmissionUnit: d.mtu}
}

// Counters returns the device's counters.
func (d *Device) Counters() *Counters {
	return &d.counters
}

// Receive performs one kernel read. If a frame was read it returns a
// receive token holding it, paired with a transmit token the stack may
// use to answer. ok is false if nothing was available.
func (d *Device) Receive() (rx *RxToken, tx *TxToken, ok bool) {
	rx = newRxToken()
	n, err := d.io.NetRead(rx.buf[:])
	if err != nil || n <= 0 {
		d.counters.RxEmpty.Add(1)
		return nil, nil, false
	}
	if !rx.Resize(n) {
		// The kernel claims to have written past the buffer.
		d.counters.RxEmpty.Add(1)
		return nil, nil, false
	}
	d.counters.RxFrames.Add(1)
	d.counters.RxBytes.Add(uint64(n))
	return rx, d.newTxToken(), true
}

// Transmit returns a transmit token. The write happens when the token
// is consumed.
func (d *Device) Transmit() (*TxToken, bool) {
	return d.newTxToken(), true
}

func (d *Device) newTxToken() *TxToken {
	return &TxToken{dev: d}
}

// RxToken is a single-use receive opportunity holding one frame.
type RxToken struct {
	buf  [MaxMessageSize]byte
	n    int
	used bool
}

func newRxToken() *RxToken {
	return &RxToken{n: MaxMessageSize}
}

// Resize sets the valid length of the buffer to n. It returns false
// and leaves the length unchanged if n exceeds the buffer's capacity.
func (t *RxToken) Resize(n int) bool {
	if n < 0 || n > len(t.buf) {
		return false
	}
	t.n = n
	return true
}

// Len returns the valid length of the buffer.
func (t *RxToken) Len() int { return t.n }

// Cap returns the capacity of the buffer.
func (t *RxToken) Cap() int { return len(t.buf) }

// Consume passes the valid prefix of the buffer to f and returns f's
// result. The slice must not be retained after f returns.
func (t *RxToken) Consume(now Instant, f func(frame []byte) error) error {
	if t.used {
		return ErrTokenConsumed
	}
	t.used = true
	return f(t.buf[:t.n])
}

// TxToken is a single-use transmit opportunity.
type TxToken struct {
	dev  *Device
	used bool
}

// Consume allocates an n-byte buffer, lets f fill it, and writes it to
// the kernel if f succeeds. It returns f's error, or the write's error.
func (t *TxToken) Consume(now Instant, n int, f func(frame []byte) error) error {
	if t.used {
		return ErrTokenConsumed
	}
	t.used = true
	buf := make([]byte, n)
	if err := f(buf); err != nil {
		t.dev.counters.TxDropped.Add(1)
		return err
	}
	return t.dev.write(buf)
}

func (d *Device) write(frame []byte) error {
	n, err := d.io.NetWrite(frame)
	if err != nil {
		d.counters.TxErrors.Add(1)
		return fmt.Errorf("device: write: %w", err)
	}
	if n != len(frame) {
		d.counters.TxErrors.Add(1)
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrShortWrite, n, len(frame))
	}
	d.counters.TxFrames.Add(1)
	d.counters.TxBytes.Add(uint64(n))
	return nil
}
