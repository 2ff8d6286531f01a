// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package kernel

import (
	"net"
	"net/netip"
	"testing"
)

func TestFormatMAC(t *testing.T) {
	got := FormatMAC(net.HardwareAddr{0x00, 0x1a, 0x2b, 0x3c, 0x4d, 0x5e})
	if s := string(got[:17]); s != "00:1a:2b:3c:4d:5e" {
		t.Errorf("FormatMAC = %q", s)
	}
	if got[17] != 0 {
		t.Errorf("FormatMAC not NUL-terminated: %q", got)
	}
	if short := FormatMAC(net.HardwareAddr{1, 2}); short != ([MACStringLen]byte{}) {
		t.Errorf("FormatMAC of a short address = %q, want zeros", short)
	}
}

func TestDerivedMAC(t *testing.T) {
	got := DerivedMAC(netip.MustParseAddr("192.168.7.9"))
	if want := "02:00:c0:a8:07:09"; got.String() != want {
		t.Errorf("DerivedMAC = %v, want %v", got, want)
	}
}

func TestPriorityString(t *testing.T) {
	for p, want := range map[Priority]string{
		LowPrio:     "low",
		NormalPrio:  "normal",
		HighPrio:    "high",
		Priority(9): "Priority(9)",
	} {
		if got := p.String(); got != want {
			t.Errorf("Priority(%d).String() = %q, want %q", uint8(p), got, want)
		}
	}
}
