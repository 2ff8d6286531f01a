// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package netd

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"kernelnet.dev/device"
	"kernelnet.dev/kernel"
	"kernelnet.dev/netif"
)

// linkPrefixLen is the prefix length assigned to the kernel-provided
// address.
const linkPrefixLen = 24

var (
	// ErrMalformedMAC is returned by ParseMAC.
	ErrMalformedMAC = errors.New("netd: malformed MAC address")

	errSemInit     = errors.New("netd: unable to allocate packet semaphore")
	errNetworkInit = errors.New("netd: network init failed")
)

// ParseMAC parses the kernel's fixed-width MAC string. The six bytes
// are read as base-16 from offsets 0, 3, 6, 9, 12 and 15, two
// characters each; the separators between them are not inspected.
func ParseMAC(s string) (net.HardwareAddr, error) {
	if len(s) < kernel.MACStringLen-1 {
		return nil, fmt.Errorf("%w: %q is too short", ErrMalformedMAC, s)
	}
	mac := make(net.HardwareAddr, 6)
	for i := range mac {
		field := s[i*3 : i*3+2]
		b, err := strconv.ParseUint(field, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: field %d %q", ErrMalformedMAC, i, field)
		}
		mac[i] = byte(b)
	}
	return mac, nil
}

// Link is the result of a successful bootstrap.
type Link struct {
	// Sem is posted by the kernel when packets arrive.
	Sem kernel.Semaphore

	// Config is what the kernel reported.
	Config kernel.LinkConfig

	Device *device.Device
	Iface  *netif.Interface
}

// Bootstrap brings up the network link: it allocates the packet
// semaphore, asks the kernel for the link configuration, and creates
// the interface with a /24 address, a default route via the gateway
// and a bounded neighbor cache.
func Bootstrap(k kernel.Kernel, opts Options) (*Link, error) {
	sem, err := k.SemInit(0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errSemInit, err)
	}
	l := &Link{Sem: sem}
	if err := k.NetworkInit(sem, &l.Config); err != nil {
		return nil, fmt.Errorf("%w: %w", errNetworkInit, err)
	}
	mac, err := ParseMAC(string(l.Config.MAC[:]))
	if err != nil {
		return nil, err
	}

	l.Device = device.New(k)
	l.Iface, err = netif.New(l.Device, netif.Config{
		Addr:              netip.PrefixFrom(netip.AddrFrom4(l.Config.IP), linkPrefixLen),
		Gateway:           netip.AddrFrom4(l.Config.Gateway),
		MAC:               mac,
		NeighborCacheSize: opts.NeighborCacheSize,
		Logf:              opts.Logf,
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}
