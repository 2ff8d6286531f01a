// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package netd

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"kernelnet.dev/envknob"
	"kernelnet.dev/kernel"
	"kernelnet.dev/kernel/simkernel"
	"kernelnet.dev/netif"
	"kernelnet.dev/tstest"
)

func TestParseMAC(t *testing.T) {
	tests := []struct {
		in      string
		want    net.HardwareAddr
		wantErr bool
	}{
		{in: "00:1A:2B:3C:4D:5E", want: net.HardwareAddr{0x00, 0x1a, 0x2b, 0x3c, 0x4d, 0x5e}},
		{in: "00:1a:2b:3c:4d:5e\x00", want: net.HardwareAddr{0x00, 0x1a, 0x2b, 0x3c, 0x4d, 0x5e}},
		{in: "ff-ff-ff-ff-ff-ff", want: net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
		{in: "GG:1A:2B:3C:4D:5E", wantErr: true},
		{in: "00:1A:2B:3C:4D:5", wantErr: true},
		{in: "00:1A:2B:3C:4D:+5", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseMAC(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrMalformedMAC) {
				t.Errorf("ParseMAC(%q) = %v, %v; want ErrMalformedMAC", tt.in, got, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMAC(%q): %v", tt.in, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ParseMAC(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestClampDelay(t *testing.T) {
	tests := []struct {
		d    time.Duration
		ok   bool
		want time.Duration
	}{
		{0, false, time.Millisecond},
		{time.Second, false, time.Millisecond},
		{0, true, time.Millisecond},
		{-5 * time.Millisecond, true, time.Millisecond},
		{250 * time.Millisecond, true, 250 * time.Millisecond},
		{time.Millisecond, true, time.Millisecond},
		{time.Nanosecond, true, time.Millisecond},
		{500 * time.Microsecond, true, time.Millisecond},
		{999 * time.Microsecond, true, time.Millisecond},
		{1500 * time.Microsecond, true, time.Millisecond},
		{2*time.Millisecond + 999*time.Microsecond, true, 2 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := ClampDelay(tt.d, tt.ok); got != tt.want {
			t.Errorf("ClampDelay(%v, %v) = %v, want %v", tt.d, tt.ok, got, tt.want)
		}
	}
}

func TestStateString(t *testing.T) {
	var got []string
	for s := Init; s <= Stopped; s++ {
		got = append(got, s.String())
	}
	want := []string{"init", "bootstrapping", "running", "aborted", "stopped"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("State names (-want +got):\n%s", diff)
	}
}

func newSimKernel(t *testing.T, opts simkernel.Options) *simkernel.Kernel {
	t.Helper()
	if !opts.IP.IsValid() {
		opts.IP = netip.MustParseAddr("10.0.5.2")
		opts.Gateway = netip.MustParseAddr("10.0.5.1")
	}
	opts.Logf = t.Logf
	return simkernel.New(opts)
}

func waitReady(t *testing.T, d *Daemon) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.WaitReady(ctx)
}

func TestBootstrap(t *testing.T) {
	k := newSimKernel(t, simkernel.Options{
		MAC: net.HardwareAddr{0x00, 0x1a, 0x2b, 0x3c, 0x4d, 0x5e},
	})
	l, err := Bootstrap(k, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Iface.Close()
	if got, want := l.Iface.Addr(), netip.MustParsePrefix("10.0.5.2/24"); got != want {
		t.Errorf("Addr = %v, want %v", got, want)
	}
	if got, want := l.Iface.Gateway(), netip.MustParseAddr("10.0.5.1"); got != want {
		t.Errorf("Gateway = %v, want %v", got, want)
	}
	if got := l.Iface.MAC().String(); got != "00:1a:2b:3c:4d:5e" {
		t.Errorf("MAC = %v", got)
	}
	if got := l.Device.Capabilities().MaxTransmissionUnit; got != 1500 {
		t.Errorf("MTU = %d", got)
	}
}

func TestBootstrapFailures(t *testing.T) {
	errKernel := errors.New("kernel says no")
	tests := []struct {
		name string
		opts simkernel.Options
		want error
	}{
		{"sem init", simkernel.Options{FailSemInit: errKernel}, errSemInit},
		{"network init", simkernel.Options{FailNetworkInit: errKernel}, errNetworkInit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := newSimKernel(t, tt.opts)
			_, err := Bootstrap(k, Options{})
			if !errors.Is(err, tt.want) || !errors.Is(err, errKernel) {
				t.Errorf("Bootstrap = %v, want %v wrapping %v", err, tt.want, errKernel)
			}
		})
	}
}

func TestStartSpawnFailure(t *testing.T) {
	errFull := errors.New("no task slots")
	k := newSimKernel(t, simkernel.Options{FailSpawn: errFull})
	d, err := Start(k, Options{Logf: t.Logf})
	if d != nil {
		t.Error("Start returned a daemon")
	}
	if !errors.Is(err, ErrSpawn) || !errors.Is(err, errFull) {
		t.Errorf("Start = %v, want ErrSpawn wrapping %v", err, errFull)
	}
	if !strings.Contains(err.Error(), "unable to create thread") {
		t.Errorf("error %q lacks the spawn message", err)
	}
}

func TestStartAbortsSilently(t *testing.T) {
	tstest.ResourceCheck(t)
	logs := tstest.NewLogSink(t)
	k := newSimKernel(t, simkernel.Options{FailNetworkInit: kernel.ErrNoNetwork})
	d, err := Start(k, Options{Logf: logs.Logf})
	if err != nil {
		t.Fatalf("Start = %v; bootstrap failure must not fail Start", err)
	}
	if err := waitReady(t, d); !errors.Is(err, kernel.ErrNoNetwork) {
		t.Errorf("WaitReady = %v, want ErrNoNetwork", err)
	}
	<-d.Done()
	if got := d.State(); got != Aborted {
		t.Errorf("State = %v, want aborted", got)
	}
	if !logs.Contains("bootstrap:") {
		t.Error("bootstrap failure was not logged")
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestStartSpawnsHighPriorityOnCoreZero(t *testing.T) {
	k := newSimKernel(t, simkernel.Options{})
	d, err := Start(k, Options{Logf: t.Logf})
	if err != nil {
		t.Fatal(err)
	}
	info, ok := k.ThreadInfo(d.ThreadID())
	if !ok {
		t.Fatal("daemon thread unknown to the kernel")
	}
	if info != (simkernel.ThreadInfo{Priority: kernel.HighPrio, Core: 0}) {
		t.Errorf("ThreadInfo = %+v, want high priority on core 0", info)
	}
	if err := waitReady(t, d); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if got := d.State(); got != Stopped {
		t.Errorf("State after Close = %v, want stopped", got)
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestSetupFailureAborts(t *testing.T) {
	k := newSimKernel(t, simkernel.Options{})
	errSetup := errors.New("no sockets today")
	d, err := Start(k, Options{
		Logf:  t.Logf,
		Setup: func(*netif.Interface, *netif.SocketSet) error { return errSetup },
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := waitReady(t, d); !errors.Is(err, errSetup) {
		t.Errorf("WaitReady = %v, want %v", err, errSetup)
	}
	<-d.Done()
	if got := d.State(); got != Aborted {
		t.Errorf("State = %v, want aborted", got)
	}
	d.Close()
}

// waitFor polls cond until it holds or a deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLoopMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	k := newSimKernel(t, simkernel.Options{})
	d, err := Start(k, Options{Logf: t.Logf, Metrics: reg})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if err := waitReady(t, d); err != nil {
		t.Fatal(err)
	}

	// Idle: the loop waits 1ms at a time.
	waitFor(t, "idle waits", func() bool { return testutil.ToFloat64(d.metrics.waits) >= 3 })

	// Busy polling skips the wait entirely.
	k.SetPolling(true)
	skips := testutil.ToFloat64(d.metrics.busySkips)
	waitFor(t, "busy-poll skips", func() bool { return testutil.ToFloat64(d.metrics.busySkips) > skips+3 })
	k.SetPolling(false)

	// Malformed frames are swallowed and counted.
	k.Inject([]byte{1, 2, 3})
	waitFor(t, "poll error", func() bool { return testutil.ToFloat64(d.metrics.pollErrors) >= 1 })
	if got := d.State(); got != Running {
		t.Errorf("State after poll error = %v, want running", got)
	}

	n, err := testutil.GatherAndCount(reg,
		"netd_polls_total", "netd_rx_frames_total", "netd_busy_poll_skips_total")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("gathered %d series, want 3", n)
	}
	waitFor(t, "rx frame counted", func() bool {
		mfs, err := reg.Gather()
		if err != nil {
			return false
		}
		for _, mf := range mfs {
			if mf.GetName() == "netd_rx_frames_total" {
				return mf.GetMetric()[0].GetCounter().GetValue() >= 1
			}
		}
		return false
	})
}

func TestEndToEndUDPEcho(t *testing.T) {
	a := newSimKernel(t, simkernel.Options{
		IP:      netip.MustParseAddr("10.0.5.2"),
		Gateway: netip.MustParseAddr("10.0.5.1"),
	})
	b := newSimKernel(t, simkernel.Options{
		IP:      netip.MustParseAddr("10.0.5.3"),
		Gateway: netip.MustParseAddr("10.0.5.1"),
	})
	if err := simkernel.Connect(a, b); err != nil {
		t.Fatal(err)
	}

	echoErr := make(chan error, 1)
	server, err := Start(a, Options{
		Logf: t.Logf,
		Setup: func(iface *netif.Interface, set *netif.SocketSet) error {
			conn, _, err := iface.ListenUDP(set, 7)
			if err != nil {
				return err
			}
			go func() {
				buf := make([]byte, 1500)
				for {
					n, from, err := conn.ReadFrom(buf)
					if err != nil {
						echoErr <- err
						return
					}
					if _, err := conn.WriteTo(buf[:n], from); err != nil {
						echoErr <- err
						return
					}
				}
			}()
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	client, err := Start(b, Options{Logf: t.Logf})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	for _, d := range []*Daemon{server, client} {
		if err := waitReady(t, d); err != nil {
			t.Fatal(err)
		}
	}

	conn, _, err := client.Interface().DialUDP(client.Sockets(), 4000, netip.MustParseAddrPort("10.0.5.2:7"))
	if err != nil {
		t.Fatal(err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte("marco")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		select {
		case e := <-echoErr:
			t.Fatalf("read: %v (echo server: %v)", err, e)
		default:
			t.Fatalf("read: %v", err)
		}
	}
	if got := string(buf[:n]); got != "marco" {
		t.Errorf("echo = %q, want %q", got, "marco")
	}
	if got := len(client.Interface().Neighbors()); got == 0 {
		t.Error("client learned no neighbors")
	}
}

// waitRecorder is a kernel whose semaphores record every timed wait and
// advance a fake clock by the waited duration.
type waitRecorder struct {
	*simkernel.Kernel
	clock *tstest.Clock

	mu    sync.Mutex
	waits []time.Duration
}

func (k *waitRecorder) SemInit(count uint32) (kernel.Semaphore, error) {
	s, err := k.Kernel.SemInit(count)
	if err != nil {
		return nil, err
	}
	return &recordingSem{Semaphore: s, k: k}, nil
}

func (k *waitRecorder) recorded() []time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]time.Duration(nil), k.waits...)
}

type recordingSem struct {
	kernel.Semaphore
	k *waitRecorder
}

func (s *recordingSem) TimedAcquire(d time.Duration) bool {
	got := s.Semaphore.TimedAcquire(d)
	s.k.mu.Lock()
	s.k.waits = append(s.k.waits, d)
	s.k.mu.Unlock()
	s.k.clock.Advance(d)
	return got
}

func TestLoopWaitsOneMillisecondWhenIdle(t *testing.T) {
	envknob.Setenv("NETD_DEBUG_POLL", "true")
	t.Cleanup(func() { envknob.Setenv("NETD_DEBUG_POLL", "") })

	logs := tstest.NewLogSink(t)
	k := &waitRecorder{
		Kernel: newSimKernel(t, simkernel.Options{}),
		clock:  tstest.NewClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 0),
	}
	d, err := Start(k, Options{Logf: logs.Logf, Clock: k.clock})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if err := waitReady(t, d); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "five waits", func() bool { return len(k.recorded()) >= 5 })

	for i, w := range k.recorded() {
		if w != time.Millisecond {
			t.Errorf("wait %d = %v, want 1ms", i, w)
		}
	}
	// Each wait advances the fake clock by 1ms, so the fifth poll is
	// stamped 4ms after the loop started.
	if !logs.Contains("poll at 0.004s") {
		t.Errorf("no poll stamped 0.004s in %q", logs.Lines())
	}
}

func TestEndToEndTCP(t *testing.T) {
	a := newSimKernel(t, simkernel.Options{
		IP:      netip.MustParseAddr("10.0.5.2"),
		Gateway: netip.MustParseAddr("10.0.5.1"),
	})
	b := newSimKernel(t, simkernel.Options{
		IP:      netip.MustParseAddr("10.0.5.3"),
		Gateway: netip.MustParseAddr("10.0.5.1"),
	})
	if err := simkernel.Connect(a, b); err != nil {
		t.Fatal(err)
	}

	server, err := Start(a, Options{
		Logf: t.Logf,
		Setup: func(iface *netif.Interface, set *netif.SocketSet) error {
			ln, _, err := iface.ListenTCP(set, 8080)
			if err != nil {
				return err
			}
			go func() {
				for {
					c, err := ln.Accept()
					if err != nil {
						return
					}
					go func() {
						defer c.Close()
						io.Copy(c, c)
					}()
				}
			}()
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()
	client, err := Start(b, Options{Logf: t.Logf})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	for _, d := range []*Daemon{server, client} {
		if err := waitReady(t, d); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := client.Interface().DialTCP(ctx, netip.MustParseAddrPort("10.0.5.2:8080"))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte("polo")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if got := string(buf); got != "polo" {
		t.Errorf("echo = %q, want %q", got, "polo")
	}
	if got := client.Sockets().Len(); got != 0 {
		t.Errorf("DialTCP registered %d sockets in the set, want 0", got)
	}
}

func TestStartSharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := Start(newSimKernel(t, simkernel.Options{}), Options{Logf: t.Logf, Metrics: reg})
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()

	k := newSimKernel(t, simkernel.Options{})
	second, err := Start(k, Options{Logf: t.Logf, Metrics: reg})
	if second != nil {
		second.Close()
		t.Fatal("second Start on the same registry returned a daemon")
	}
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		t.Fatalf("Start = %v, want AlreadyRegisteredError", err)
	}
	if errors.Is(err, ErrSpawn) {
		t.Errorf("Start = %v; registration failed before any spawn", err)
	}
	if n, err := testutil.GatherAndCount(reg, "netd_polls_total", "netd_rx_frames_total"); err != nil || n != 2 {
		t.Errorf("gathered %d series, %v; want the first daemon's 2", n, err)
	}
}
