// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package kernel

import (
	"fmt"
	"net"
	"net/netip"
)

// FormatMAC renders mac in the fixed-width form NetworkInit returns:
// "xx:xx:xx:xx:xx:xx" followed by a NUL.
func FormatMAC(mac net.HardwareAddr) [MACStringLen]byte {
	var out [MACStringLen]byte
	if len(mac) != 6 {
		return out
	}
	copy(out[:], fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5]))
	return out
}

// DerivedMAC returns a locally administered unicast address built from
// an IPv4 address: 02:00 followed by the four address bytes.
func DerivedMAC(ip netip.Addr) net.HardwareAddr {
	a := ip.As4()
	return net.HardwareAddr{0x02, 0x00, a[0], a[1], a[2], a[3]}
}
