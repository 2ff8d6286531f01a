// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package netif

import (
	"fmt"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// summarizeFrame returns a one-line description of an Ethernet frame,
// such as "Ethernet/IPv4/UDP 10.0.5.3:4000->10.0.5.2:7 len=60".
func summarizeFrame(frame []byte) string {
	p := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	var sb strings.Builder
	for n, l := range p.Layers() {
		if _, ok := l.(*gopacket.Payload); ok {
			continue
		}
		if n > 0 {
			sb.WriteByte('/')
		}
		sb.WriteString(l.LayerType().String())
	}
	switch {
	case p.Layer(layers.LayerTypeARP) != nil:
		arp := p.Layer(layers.LayerTypeARP).(*layers.ARP)
		op := "request"
		if arp.Operation == layers.ARPReply {
			op = "reply"
		}
		fmt.Fprintf(&sb, " %s who-has %v tell %v", op, ipString(arp.DstProtAddress), ipString(arp.SourceProtAddress))
	case p.NetworkLayer() != nil:
		src, dst := p.NetworkLayer().NetworkFlow().Endpoints()
		if tl := p.TransportLayer(); tl != nil {
			sp, dp := tl.TransportFlow().Endpoints()
			fmt.Fprintf(&sb, " %v:%v->%v:%v", src, sp, dst, dp)
		} else {
			fmt.Fprintf(&sb, " %v->%v", src, dst)
		}
	}
	if el := p.ErrorLayer(); el != nil {
		fmt.Fprintf(&sb, " err=%v", el.Error())
	}
	fmt.Fprintf(&sb, " len=%d", len(frame))
	return sb.String()
}

func ipString(b []byte) string {
	if len(b) != 4 {
		return fmt.Sprintf("%x", b)
	}
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}
