// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package netif binds a packet device to the gVisor network stack.
//
// The stack never touches the device directly. Each Poll drains the
// device's receive tokens into the stack, then drains the frames the
// stack queued for output into transmit tokens. Everything runs on the
// polling thread; sockets may be used from any goroutine.
package netif

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync/atomic"
	"time"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"kernelnet.dev/device"
	"kernelnet.dev/envknob"
	"kernelnet.dev/types/logger"
)

const (
	nicID tcpip.NICID = 1

	// DefaultNeighborCacheSize is the neighbor cache capacity used when
	// Config.NeighborCacheSize is zero.
	DefaultNeighborCacheSize = 8

	// outboundQueueLen bounds the frames gVisor may queue between polls.
	outboundQueueLen = 512
)

var debugPackets = envknob.RegisterBool("NETD_DEBUG_PACKETS")

var (
	errShortFrame = errors.New("netif: frame shorter than an Ethernet header")
	errNoTxToken  = errors.New("netif: device offered no transmit token")
)

// Config configures an Interface.
type Config struct {
	// Addr is the interface's IPv4 address and prefix.
	Addr netip.Prefix

	// Gateway is the next hop of the default route. If it is invalid
	// or unspecified, no default route is installed.
	Gateway netip.Addr

	// MAC is the interface's hardware address. It must be 6 bytes.
	MAC net.HardwareAddr

	// NeighborCacheSize caps the number of neighbor entries kept after
	// each poll. Zero means DefaultNeighborCacheSize.
	NeighborCacheSize int

	// Logf is the logger. If nil, logs are discarded.
	Logf logger.Logf
}

// Stats are the Interface's cumulative poll counters.
type Stats struct {
	RxFrames       atomic.Uint64 // frames handed to the stack
	TxFrames       atomic.Uint64 // frames written to the device
	TxErrors       atomic.Uint64 // frames the device failed to write
	NeighborsEvict atomic.Uint64 // neighbor entries trimmed for capacity
}

// Interface is a gVisor stack with a single NIC backed by a
// device.Device.
type Interface struct {
	logf     logger.Logf
	dev      *device.Device
	ep       *linkEndpoint
	stack    *stack.Stack
	addr     netip.Prefix
	gateway  netip.Addr
	mac      net.HardwareAddr
	maxNeigh int
	stats    Stats
}

// New creates the stack, its NIC over dev, the address from cfg and
// the route table: the on-link subnet plus one default route via
// cfg.Gateway.
func New(dev *device.Device, cfg Config) (*Interface, error) {
	if dev == nil {
		return nil, errors.New("netif: nil device")
	}
	if !cfg.Addr.IsValid() || !cfg.Addr.Addr().Is4() {
		return nil, fmt.Errorf("netif: address %v is not an IPv4 prefix", cfg.Addr)
	}
	if len(cfg.MAC) != 6 {
		return nil, fmt.Errorf("netif: hardware address %v is not 6 bytes", cfg.MAC)
	}
	if cfg.NeighborCacheSize == 0 {
		cfg.NeighborCacheSize = DefaultNeighborCacheSize
	}
	if cfg.NeighborCacheSize < 0 {
		return nil, fmt.Errorf("netif: negative neighbor cache size %d", cfg.NeighborCacheSize)
	}

	i := &Interface{
		logf:     logger.WithPrefix(logger.OrDiscard(cfg.Logf), "netif: "),
		dev:      dev,
		addr:     cfg.Addr,
		gateway:  cfg.Gateway,
		mac:      slices.Clone(cfg.MAC),
		maxNeigh: cfg.NeighborCacheSize,
	}

	// The ethernet wrapper subtracts its header from the link MTU.
	mtu := uint32(dev.Capabilities().MaxTransmissionUnit + header.EthernetMinimumSize)
	i.ep = newLinkEndpoint(outboundQueueLen, mtu, tcpip.LinkAddress(i.mac))

	i.stack = stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{
			ipv4.NewProtocol,
			arp.NewProtocol,
		},
		TransportProtocols: []stack.TransportProtocolFactory{
			tcp.NewProtocol,
			udp.NewProtocol,
			icmp.NewProtocol4,
		},
	})
	if err := i.stack.CreateNIC(nicID, ethernet.New(i.ep)); err != nil {
		i.stack.Close()
		return nil, tcpipErr("CreateNIC", err)
	}
	protoAddr := tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.AddrFrom4(cfg.Addr.Addr().As4()),
			PrefixLen: cfg.Addr.Bits(),
		},
	}
	if err := i.stack.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); err != nil {
		i.stack.Close()
		return nil, tcpipErr("AddProtocolAddress", err)
	}

	routes, err := i.routes()
	if err != nil {
		i.stack.Close()
		return nil, err
	}
	i.stack.SetRouteTable(routes)
	i.logf("up: addr=%v gw=%v mac=%v", cfg.Addr, cfg.Gateway, i.mac)
	return i, nil
}

func (i *Interface) routes() ([]tcpip.Route, error) {
	onLink := i.addr.Masked()
	subnet, err := tcpip.NewSubnet(
		tcpip.AddrFrom4(onLink.Addr().As4()),
		tcpip.MaskFromBytes(net.CIDRMask(onLink.Bits(), 32)),
	)
	if err != nil {
		return nil, fmt.Errorf("netif: on-link subnet: %w", err)
	}
	routes := []tcpip.Route{{Destination: subnet, NIC: nicID}}
	if !i.gateway.Is4() || i.gateway.IsUnspecified() {
		i.logf("no gateway; default route not installed")
		return routes, nil
	}
	var zero [4]byte
	defaultNet, err := tcpip.NewSubnet(tcpip.AddrFrom4(zero), tcpip.MaskFromBytes(zero[:]))
	if err != nil {
		return nil, fmt.Errorf("netif: default subnet: %w", err)
	}
	return append(routes, tcpip.Route{
		Destination: defaultNet,
		Gateway:     tcpip.AddrFrom4(i.gateway.As4()),
		NIC:         nicID,
	}), nil
}

// Addr returns the interface's address.
func (i *Interface) Addr() netip.Prefix { return i.addr }

// Gateway returns the default route's next hop.
func (i *Interface) Gateway() netip.Addr { return i.gateway }

// MAC returns the interface's hardware address.
func (i *Interface) MAC() net.HardwareAddr { return i.mac }

// Stats returns the interface's counters.
func (i *Interface) Stats() *Stats { return &i.stats }

// Routes returns the stack's route table.
func (i *Interface) Routes() []tcpip.Route { return i.stack.GetRouteTable() }

// SetNotify sets fn to be called whenever the stack queues outbound
// frames from outside a poll, such as a socket write or a timer.
// fn must not block.
func (i *Interface) SetNotify(fn func()) { i.ep.setNotify(fn) }

// Poll moves frames between the device and the stack. It reports
// whether any frame moved. Failed frames do not stop the poll; their
// errors are joined into the returned error.
func (i *Interface) Poll(set *SocketSet, now device.Instant) (bool, error) {
	var errs []error
	moved := false
	for {
		rx, _, ok := i.dev.Receive()
		if !ok {
			break
		}
		moved = true
		if err := rx.Consume(now, i.deliver); err != nil {
			errs = append(errs, err)
		}
	}
	for pkt := i.ep.Read(); pkt != nil; pkt = i.ep.Read() {
		moved = true
		if err := i.transmit(now, pkt); err != nil {
			i.stats.TxErrors.Add(1)
			errs = append(errs, err)
		}
	}
	i.trimNeighbors()
	return moved, errors.Join(errs...)
}

// PollDelay suggests how long the caller may wait before the next
// poll. ok is false when the stack has no suggestion.
func (i *Interface) PollDelay(set *SocketSet, now device.Instant) (d time.Duration, ok bool) {
	if i.ep.NumQueued() > 0 {
		return 0, true
	}
	return 0, false
}

func (i *Interface) deliver(frame []byte) error {
	if len(frame) < header.EthernetMinimumSize {
		return fmt.Errorf("%w: %d bytes", errShortFrame, len(frame))
	}
	if debugPackets() {
		i.logf("rx %s", summarizeFrame(frame))
	}
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(frame),
	})
	defer pkt.DecRef()
	// The ethernet endpoint reads the protocol from the frame.
	i.ep.InjectInbound(0, pkt)
	i.stats.RxFrames.Add(1)
	return nil
}

func (i *Interface) transmit(now device.Instant, pkt *stack.PacketBuffer) error {
	defer pkt.DecRef()
	view := pkt.ToView()
	defer view.Release()
	frame := view.AsSlice()
	if debugPackets() {
		i.logf("tx %s", summarizeFrame(frame))
	}
	tx, ok := i.dev.Transmit()
	if !ok {
		return errNoTxToken
	}
	err := tx.Consume(now, len(frame), func(b []byte) error {
		copy(b, frame)
		return nil
	})
	if err != nil {
		return err
	}
	i.stats.TxFrames.Add(1)
	return nil
}

// trimNeighbors removes the least recently updated neighbor entries
// beyond the cache capacity.
func (i *Interface) trimNeighbors() {
	entries, err := i.stack.Neighbors(nicID, ipv4.ProtocolNumber)
	if err != nil || len(entries) <= i.maxNeigh {
		return
	}
	slices.SortFunc(entries, func(a, b stack.NeighborEntry) int {
		switch {
		case a.UpdatedAt.Before(b.UpdatedAt):
			return -1
		case b.UpdatedAt.Before(a.UpdatedAt):
			return 1
		}
		return 0
	})
	for _, e := range entries[:len(entries)-i.maxNeigh] {
		if err := i.stack.RemoveNeighbor(nicID, ipv4.ProtocolNumber, e.Addr); err == nil {
			i.stats.NeighborsEvict.Add(1)
		}
	}
}

// Neighbors returns the addresses in the neighbor cache.
func (i *Interface) Neighbors() []netip.Addr {
	entries, err := i.stack.Neighbors(nicID, ipv4.ProtocolNumber)
	if err != nil {
		return nil
	}
	out := make([]netip.Addr, 0, len(entries))
	for _, e := range entries {
		if a, ok := netip.AddrFromSlice(e.Addr.AsSlice()); ok {
			out = append(out, a)
		}
	}
	return out
}

// Close tears down the stack and discards queued frames.
func (i *Interface) Close() {
	i.ep.setNotify(nil)
	i.stack.Close()
	i.stack.Wait()
	i.ep.Close()
}

func tcpipErr(op string, err tcpip.Error) error {
	return fmt.Errorf("netif: %s: %s", op, err)
}
