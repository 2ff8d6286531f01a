// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package netif

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
)

// DefaultSocketSetSize is the socket set capacity the daemon uses.
const DefaultSocketSetSize = 2

// ErrSocketSetFull is returned when adding to a full SocketSet.
var ErrSocketSetFull = errors.New("netif: socket set is full")

// SocketHandle identifies a socket in a SocketSet.
type SocketHandle int

// SocketSet is a fixed-capacity collection of sockets owned by the
// polling daemon. It is safe for concurrent use.
type SocketSet struct {
	mu    sync.Mutex
	slots []io.Closer // nil slots are free
	n     int
}

// NewSocketSet returns an empty set holding at most capacity sockets.
func NewSocketSet(capacity int) *SocketSet {
	if capacity <= 0 {
		capacity = DefaultSocketSetSize
	}
	return &SocketSet{slots: make([]io.Closer, capacity)}
}

// Add registers sock and returns its handle.
func (s *SocketSet) Add(sock io.Closer) (SocketHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, c := range s.slots {
		if c == nil {
			s.slots[h] = sock
			s.n++
			return SocketHandle(h), nil
		}
	}
	return -1, ErrSocketSetFull
}

// Get returns the socket for h, or nil.
func (s *SocketSet) Get(h SocketHandle) io.Closer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h < 0 || int(h) >= len(s.slots) {
		return nil
	}
	return s.slots[h]
}

// Remove unregisters h and returns its socket without closing it.
func (s *SocketSet) Remove(h SocketHandle) io.Closer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h < 0 || int(h) >= len(s.slots) || s.slots[h] == nil {
		return nil
	}
	c := s.slots[h]
	s.slots[h] = nil
	s.n--
	return c
}

// Len returns the number of registered sockets.
func (s *SocketSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Cap returns the set's capacity.
func (s *SocketSet) Cap() int { return len(s.slots) }

func (s *SocketSet) full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n == len(s.slots)
}

// Close closes and unregisters every socket.
func (s *SocketSet) Close() error {
	s.mu.Lock()
	slots := s.slots
	s.slots = make([]io.Closer, len(slots))
	s.n = 0
	s.mu.Unlock()

	var errs []error
	for _, c := range slots {
		if c != nil {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (i *Interface) fullAddr(port uint16) tcpip.FullAddress {
	return tcpip.FullAddress{
		NIC:  nicID,
		Addr: tcpip.AddrFrom4(i.addr.Addr().As4()),
		Port: port,
	}
}

// register adds c to set, closing c if the set is full.
func register[T io.Closer](set *SocketSet, c T) (T, SocketHandle, error) {
	h, err := set.Add(c)
	if err != nil {
		c.Close()
		var zero T
		return zero, -1, err
	}
	return c, h, nil
}

// ListenUDP binds a UDP socket to port on the interface address and
// registers it in set.
func (i *Interface) ListenUDP(set *SocketSet, port uint16) (*gonet.UDPConn, SocketHandle, error) {
	if set.full() {
		return nil, -1, ErrSocketSetFull
	}
	laddr := i.fullAddr(port)
	c, err := gonet.DialUDP(i.stack, &laddr, nil, ipv4.ProtocolNumber)
	if err != nil {
		return nil, -1, fmt.Errorf("netif: listen udp :%d: %w", port, err)
	}
	return register(set, c)
}

// DialUDP creates a UDP socket bound to lport and connected to raddr,
// and registers it in set. An lport of zero picks an ephemeral port.
func (i *Interface) DialUDP(set *SocketSet, lport uint16, raddr netip.AddrPort) (*gonet.UDPConn, SocketHandle, error) {
	if !raddr.Addr().Is4() {
		return nil, -1, fmt.Errorf("netif: dial udp %v: not an IPv4 address", raddr)
	}
	if set.full() {
		return nil, -1, ErrSocketSetFull
	}
	laddr := i.fullAddr(lport)
	remote := tcpip.FullAddress{
		NIC:  nicID,
		Addr: tcpip.AddrFrom4(raddr.Addr().As4()),
		Port: raddr.Port(),
	}
	c, err := gonet.DialUDP(i.stack, &laddr, &remote, ipv4.ProtocolNumber)
	if err != nil {
		return nil, -1, fmt.Errorf("netif: dial udp %v: %w", raddr, err)
	}
	return register(set, c)
}

// ListenTCP creates a TCP listener on port and registers it in set.
func (i *Interface) ListenTCP(set *SocketSet, port uint16) (*gonet.TCPListener, SocketHandle, error) {
	if set.full() {
		return nil, -1, ErrSocketSetFull
	}
	ln, err := gonet.ListenTCP(i.stack, i.fullAddr(port), ipv4.ProtocolNumber)
	if err != nil {
		return nil, -1, fmt.Errorf("netif: listen tcp :%d: %w", port, err)
	}
	return register(set, ln)
}

// DialTCP connects to raddr. The connection is not registered in a
// socket set; the caller owns it.
func (i *Interface) DialTCP(ctx context.Context, raddr netip.AddrPort) (*gonet.TCPConn, error) {
	remote := tcpip.FullAddress{
		NIC:  nicID,
		Addr: tcpip.AddrFrom4(raddr.Addr().As4()),
		Port: raddr.Port(),
	}
	c, err := gonet.DialContextTCP(ctx, i.stack, remote, ipv4.ProtocolNumber)
	if err != nil {
		return nil, fmt.Errorf("netif: dial tcp %v: %w", raddr, err)
	}
	return c, nil
}
