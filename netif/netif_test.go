// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package netif

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"kernelnet.dev/device"
	"kernelnet.dev/kernel"
	"kernelnet.dev/kernel/simkernel"
)

var (
	ifaceIP  = netip.MustParseAddr("10.0.5.2")
	gwIP     = netip.MustParseAddr("10.0.5.1")
	ifaceMAC = net.HardwareAddr{0x02, 0x00, 10, 0, 5, 2}
)

type testNode struct {
	k     *simkernel.Kernel
	iface *Interface
	set   *SocketSet
}

func newTestNode(t *testing.T, neighbors int) *testNode {
	t.Helper()
	k := simkernel.New(simkernel.Options{IP: ifaceIP, Gateway: gwIP, Logf: t.Logf})
	var cfg kernel.LinkConfig
	if err := k.NetworkInit(kernel.NewSemaphore(0), &cfg); err != nil {
		t.Fatal(err)
	}
	iface, err := New(device.New(k), Config{
		Addr:              netip.PrefixFrom(ifaceIP, 24),
		Gateway:           gwIP,
		MAC:               ifaceMAC,
		NeighborCacheSize: neighbors,
		Logf:              t.Logf,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(iface.Close)
	return &testNode{k: k, iface: iface, set: NewSocketSet(DefaultSocketSetSize)}
}

func (n *testNode) poll(t *testing.T) bool {
	t.Helper()
	moved, err := n.iface.Poll(n.set, 0)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	return moved
}

func (n *testNode) transmitted(t *testing.T) gopacket.Packet {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frame, err := n.k.ReadTransmitted(ctx)
	if err != nil {
		t.Fatalf("no frame transmitted: %v", err)
	}
	return gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
}

func peerMAC(i byte) net.HardwareAddr { return net.HardwareAddr{0x02, 0xee, 0, 0, 0, i} }

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func arpRequest(t *testing.T, mac net.HardwareAddr, ip netip.Addr) []byte {
	src := ip.As4()
	dst := ifaceIP.As4()
	return serialize(t,
		&layers.Ethernet{SrcMAC: mac, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeARP},
		&layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPRequest,
			SourceHwAddress:   mac,
			SourceProtAddress: src[:],
			DstHwAddress:      make([]byte, 6),
			DstProtAddress:    dst[:],
		},
	)
}

func ipv4Header(src netip.Addr, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: proto,
		SrcIP:    src.AsSlice(),
		DstIP:    ifaceIP.AsSlice(),
	}
}

func TestNewValidates(t *testing.T) {
	dev := device.New(simkernel.New(simkernel.Options{}))
	tests := []struct {
		name string
		dev  *device.Device
		cfg  Config
	}{
		{"nil device", nil, Config{Addr: netip.MustParsePrefix("10.0.0.2/24"), MAC: ifaceMAC}},
		{"ipv6", dev, Config{Addr: netip.MustParsePrefix("fd00::2/64"), MAC: ifaceMAC}},
		{"no address", dev, Config{MAC: ifaceMAC}},
		{"short mac", dev, Config{Addr: netip.MustParsePrefix("10.0.0.2/24"), MAC: ifaceMAC[:4]}},
		{"negative cache", dev, Config{Addr: netip.MustParsePrefix("10.0.0.2/24"), MAC: ifaceMAC, NeighborCacheSize: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.dev, tt.cfg); err == nil {
				t.Error("New succeeded")
			}
		})
	}
}

func TestRoutes(t *testing.T) {
	n := newTestNode(t, 0)
	var got []string
	for _, r := range n.iface.Routes() {
		got = append(got, r.String())
	}
	if len(got) != 2 {
		t.Fatalf("routes = %q, want on-link and default", got)
	}
	if !strings.HasPrefix(got[0], "10.0.5.0/24") {
		t.Errorf("first route = %q, want on-link 10.0.5.0/24", got[0])
	}
	if !strings.HasPrefix(got[1], "0.0.0.0/0") || !strings.Contains(got[1], "10.0.5.1") {
		t.Errorf("second route = %q, want default via 10.0.5.1", got[1])
	}
}

func TestPollIdle(t *testing.T) {
	n := newTestNode(t, 0)
	if n.poll(t) {
		t.Error("Poll reported activity with no traffic")
	}
	if d, ok := n.iface.PollDelay(n.set, 0); ok {
		t.Errorf("PollDelay = %v, true; want no suggestion", d)
	}
}

func TestARPReply(t *testing.T) {
	n := newTestNode(t, 0)
	peer := netip.MustParseAddr("10.0.5.9")
	n.k.Inject(arpRequest(t, peerMAC(9), peer))
	if !n.poll(t) {
		t.Fatal("Poll reported no activity")
	}

	p := n.transmitted(t)
	arp, ok := p.Layer(layers.LayerTypeARP).(*layers.ARP)
	if !ok {
		t.Fatalf("transmitted %v, want ARP", p)
	}
	if arp.Operation != layers.ARPReply {
		t.Errorf("operation = %d, want reply", arp.Operation)
	}
	if diff := cmp.Diff([]byte(ifaceMAC), arp.SourceHwAddress); diff != "" {
		t.Errorf("sender MAC (-want +got):\n%s", diff)
	}
	if got := net.IP(arp.SourceProtAddress).String(); got != ifaceIP.String() {
		t.Errorf("sender IP = %s, want %s", got, ifaceIP)
	}
	if got := n.iface.Stats().RxFrames.Load(); got != 1 {
		t.Errorf("RxFrames = %d, want 1", got)
	}
}

func TestICMPEcho(t *testing.T) {
	n := newTestNode(t, 0)
	peer := netip.MustParseAddr("10.0.5.9")
	n.k.Inject(arpRequest(t, peerMAC(9), peer))
	n.poll(t)
	n.transmitted(t) // ARP reply

	ip := ipv4Header(peer, layers.IPProtocolICMPv4)
	n.k.Inject(serialize(t,
		&layers.Ethernet{SrcMAC: peerMAC(9), DstMAC: ifaceMAC, EthernetType: layers.EthernetTypeIPv4},
		ip,
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 7, Seq: 1},
		gopacket.Payload("ping"),
	))
	n.poll(t)

	p := n.transmitted(t)
	icmp, ok := p.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	if !ok {
		t.Fatalf("transmitted %v, want ICMPv4", p)
	}
	if icmp.TypeCode.Type() != layers.ICMPv4TypeEchoReply || icmp.Id != 7 || icmp.Seq != 1 {
		t.Errorf("got %v id=%d seq=%d, want echo reply id=7 seq=1", icmp.TypeCode, icmp.Id, icmp.Seq)
	}
	if got := string(icmp.Payload); got != "ping" {
		t.Errorf("payload = %q, want %q", got, "ping")
	}
	eth := p.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if eth.DstMAC.String() != peerMAC(9).String() {
		t.Errorf("reply sent to %v, want %v", eth.DstMAC, peerMAC(9))
	}
}

func TestUDPSocket(t *testing.T) {
	n := newTestNode(t, 0)
	var notified atomic.Int32
	n.iface.SetNotify(func() { notified.Add(1) })

	conn, h, err := n.iface.ListenUDP(n.set, 7)
	if err != nil {
		t.Fatal(err)
	}
	if n.set.Get(h) == nil || n.set.Len() != 1 {
		t.Fatalf("socket not registered: handle %d, len %d", h, n.set.Len())
	}

	peer := netip.MustParseAddr("10.0.5.9")
	n.k.Inject(arpRequest(t, peerMAC(9), peer))
	ip := ipv4Header(peer, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 4000, DstPort: 7}
	udp.SetNetworkLayerForChecksum(ip)
	n.k.Inject(serialize(t,
		&layers.Ethernet{SrcMAC: peerMAC(9), DstMAC: ifaceMAC, EthernetType: layers.EthernetTypeIPv4},
		ip, udp, gopacket.Payload("hello"),
	))
	n.poll(t)
	n.transmitted(t) // ARP reply

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 64)
	nr, from, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(buf[:nr]); got != "hello" {
		t.Errorf("read %q, want %q", got, "hello")
	}
	if _, err := conn.WriteTo([]byte("HELLO"), from); err != nil {
		t.Fatal(err)
	}
	if notified.Load() == 0 {
		t.Error("socket write did not notify")
	}
	if d, ok := n.iface.PollDelay(n.set, 0); !ok || d != 0 {
		t.Errorf("PollDelay with queued output = %v, %v; want 0, true", d, ok)
	}
	n.poll(t)

	p := n.transmitted(t)
	got, ok := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		t.Fatalf("transmitted %v, want UDP", p)
	}
	if got.SrcPort != 7 || got.DstPort != 4000 || string(got.Payload) != "HELLO" {
		t.Errorf("reply %d->%d %q", got.SrcPort, got.DstPort, got.Payload)
	}
}

func TestNeighborCacheBounded(t *testing.T) {
	n := newTestNode(t, 3)
	for i := byte(10); i < 16; i++ {
		n.k.Inject(arpRequest(t, peerMAC(i), netip.AddrFrom4([4]byte{10, 0, 5, i})))
	}
	n.poll(t)
	if got := len(n.iface.Neighbors()); got > 3 {
		t.Errorf("neighbor cache holds %d entries, want at most 3", got)
	}
	if got := n.iface.Stats().NeighborsEvict.Load(); got < 3 {
		t.Errorf("NeighborsEvict = %d, want at least 3", got)
	}
}

func TestPollJoinsErrors(t *testing.T) {
	n := newTestNode(t, 0)
	n.k.Inject([]byte{1, 2, 3})
	n.k.Inject([]byte{4, 5})
	moved, err := n.iface.Poll(n.set, 0)
	if !moved {
		t.Error("Poll reported no activity")
	}
	if !errors.Is(err, errShortFrame) {
		t.Fatalf("Poll error = %v, want errShortFrame", err)
	}
	if got := strings.Count(err.Error(), "shorter than"); got != 2 {
		t.Errorf("joined %d errors, want 2: %v", got, err)
	}
}

func TestSocketSetCapacity(t *testing.T) {
	n := newTestNode(t, 0)
	if _, _, err := n.iface.ListenUDP(n.set, 1000); err != nil {
		t.Fatal(err)
	}
	if _, _, err := n.iface.ListenTCP(n.set, 80); err != nil {
		t.Fatal(err)
	}
	if _, _, err := n.iface.ListenUDP(n.set, 1001); !errors.Is(err, ErrSocketSetFull) {
		t.Errorf("third socket: %v, want ErrSocketSetFull", err)
	}
	h := SocketHandle(0)
	if c := n.set.Remove(h); c == nil {
		t.Fatal("Remove returned nil")
	} else {
		c.Close()
	}
	if n.set.Remove(h) != nil {
		t.Error("second Remove returned a socket")
	}
	if _, _, err := n.iface.DialUDP(n.set, 0, netip.MustParseAddrPort("10.0.5.1:53")); err != nil {
		t.Errorf("DialUDP after Remove: %v", err)
	}
	if err := n.set.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if n.set.Len() != 0 {
		t.Errorf("Len after Close = %d", n.set.Len())
	}
}

func TestSummarizeFrame(t *testing.T) {
	got := summarizeFrame(arpRequest(t, peerMAC(9), netip.MustParseAddr("10.0.5.9")))
	for _, want := range []string{"Ethernet/ARP", "request who-has 10.0.5.2 tell 10.0.5.9", "len=60"} {
		if !strings.Contains(got, want) {
			t.Errorf("summary %q lacks %q", got, want)
		}
	}
}
