// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package sockets is the socket API offered to applications. No
// operation is implemented on this platform yet: constructors and
// methods all fail with ErrUnsupported and perform no I/O.
//
// Applications that need working sockets today use the netif socket
// set owned by the polling daemon.
package sockets

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// ErrUnsupported is returned by every operation. It matches
// errors.ErrUnsupported.
var ErrUnsupported = fmt.Errorf("sockets: operation not supported on this platform yet: %w", errors.ErrUnsupported)

// Shutdown selects which halves of a stream to shut down.
type Shutdown int

const (
	ShutdownRead Shutdown = iota
	ShutdownWrite
	ShutdownBoth
)

// TCPStream is a connected stream socket.
type TCPStream struct{}

// Connect opens a stream to addr.
func Connect(addr netip.AddrPort) (*TCPStream, error) { return nil, ErrUnsupported }

// ConnectTimeout opens a stream to addr, giving up after timeout.
func ConnectTimeout(addr netip.AddrPort, timeout time.Duration) (*TCPStream, error) {
	return nil, ErrUnsupported
}

// SetReadTimeout sets the timeout for reads. Zero means none.
func (*TCPStream) SetReadTimeout(time.Duration) error { return ErrUnsupported }

// SetWriteTimeout sets the timeout for writes. Zero means none.
func (*TCPStream) SetWriteTimeout(time.Duration) error { return ErrUnsupported }

// ReadTimeout returns the read timeout.
func (*TCPStream) ReadTimeout() (time.Duration, error) { return 0, ErrUnsupported }

// WriteTimeout returns the write timeout.
func (*TCPStream) WriteTimeout() (time.Duration, error) { return 0, ErrUnsupported }

// Peek reads without removing the data from the receive queue.
func (*TCPStream) Peek([]byte) (int, error) { return 0, ErrUnsupported }

// Read reads from the stream.
func (*TCPStream) Read([]byte) (int, error) { return 0, ErrUnsupported }

// ReadVectored reads into bufs in order.
func (*TCPStream) ReadVectored([][]byte) (int, error) { return 0, ErrUnsupported }

// Write writes to the stream.
func (*TCPStream) Write([]byte) (int, error) { return 0, ErrUnsupported }

// WriteVectored writes bufs in order.
func (*TCPStream) WriteVectored([][]byte) (int, error) { return 0, ErrUnsupported }

// PeerAddr returns the remote address.
func (*TCPStream) PeerAddr() (netip.AddrPort, error) { return netip.AddrPort{}, ErrUnsupported }

// SocketAddr returns the local address.
func (*TCPStream) SocketAddr() (netip.AddrPort, error) { return netip.AddrPort{}, ErrUnsupported }

// Shutdown closes the read half, the write half, or both.
func (*TCPStream) Shutdown(Shutdown) error { return ErrUnsupported }

// Duplicate returns a second handle to the same stream.
func (*TCPStream) Duplicate() (*TCPStream, error) { return nil, ErrUnsupported }

// SetNoDelay enables or disables Nagle's algorithm.
func (*TCPStream) SetNoDelay(bool) error { return ErrUnsupported }

// NoDelay reports whether Nagle's algorithm is disabled.
func (*TCPStream) NoDelay() (bool, error) { return false, ErrUnsupported }

// SetTTL sets the IP time-to-live of outgoing packets.
func (*TCPStream) SetTTL(uint32) error { return ErrUnsupported }

// TTL returns the IP time-to-live of outgoing packets.
func (*TCPStream) TTL() (uint32, error) { return 0, ErrUnsupported }

// TakeError returns and clears the pending socket error.
func (*TCPStream) TakeError() (error, error) { return nil, ErrUnsupported }

// SetNonblocking switches the stream in or out of nonblocking mode.
func (*TCPStream) SetNonblocking(bool) error { return ErrUnsupported }

// TCPListener is a listening stream socket.
type TCPListener struct{}

// Bind creates a listener on addr.
func Bind(addr netip.AddrPort) (*TCPListener, error) { return nil, ErrUnsupported }

// SocketAddr returns the address the listener is bound to.
func (*TCPListener) SocketAddr() (netip.AddrPort, error) { return netip.AddrPort{}, ErrUnsupported }

// Accept waits for a connection and returns it with its peer address.
func (*TCPListener) Accept() (*TCPStream, netip.AddrPort, error) {
	return nil, netip.AddrPort{}, ErrUnsupported
}

// Duplicate returns a second handle to the same listener.
func (*TCPListener) Duplicate() (*TCPListener, error) { return nil, ErrUnsupported }

// SetTTL sets the IP time-to-live of accepted streams.
func (*TCPListener) SetTTL(uint32) error { return ErrUnsupported }

// TTL returns the IP time-to-live of accepted streams.
func (*TCPListener) TTL() (uint32, error) { return 0, ErrUnsupported }

// SetOnlyV6 restricts an IPv6 listener to IPv6 peers.
func (*TCPListener) SetOnlyV6(bool) error { return ErrUnsupported }

// OnlyV6 reports whether the listener accepts only IPv6 peers.
func (*TCPListener) OnlyV6() (bool, error) { return false, ErrUnsupported }

// TakeError returns and clears the pending socket error.
func (*TCPListener) TakeError() (error, error) { return nil, ErrUnsupported }

// SetNonblocking switches Accept in or out of nonblocking mode.
func (*TCPListener) SetNonblocking(bool) error { return ErrUnsupported }

// UDPSocket is a datagram socket.
type UDPSocket struct{}

// BindUDP creates a datagram socket bound to addr.
func BindUDP(addr netip.AddrPort) (*UDPSocket, error) { return nil, ErrUnsupported }

// PeerAddr returns the address set by Connect.
func (*UDPSocket) PeerAddr() (netip.AddrPort, error) { return netip.AddrPort{}, ErrUnsupported }

// SocketAddr returns the local address.
func (*UDPSocket) SocketAddr() (netip.AddrPort, error) { return netip.AddrPort{}, ErrUnsupported }

// RecvFrom reads one datagram and returns its sender.
func (*UDPSocket) RecvFrom([]byte) (int, netip.AddrPort, error) {
	return 0, netip.AddrPort{}, ErrUnsupported
}

// PeekFrom is RecvFrom without removing the datagram.
func (*UDPSocket) PeekFrom([]byte) (int, netip.AddrPort, error) {
	return 0, netip.AddrPort{}, ErrUnsupported
}

// SendTo sends one datagram to addr.
func (*UDPSocket) SendTo([]byte, netip.AddrPort) (int, error) { return 0, ErrUnsupported }

// Duplicate returns a second handle to the same socket.
func (*UDPSocket) Duplicate() (*UDPSocket, error) { return nil, ErrUnsupported }

// SetReadTimeout sets the timeout for receives. Zero means none.
func (*UDPSocket) SetReadTimeout(time.Duration) error { return ErrUnsupported }

// SetWriteTimeout sets the timeout for sends. Zero means none.
func (*UDPSocket) SetWriteTimeout(time.Duration) error { return ErrUnsupported }

// ReadTimeout returns the receive timeout.
func (*UDPSocket) ReadTimeout() (time.Duration, error) { return 0, ErrUnsupported }

// WriteTimeout returns the send timeout.
func (*UDPSocket) WriteTimeout() (time.Duration, error) { return 0, ErrUnsupported }

// SetBroadcast allows or forbids sending to broadcast addresses.
func (*UDPSocket) SetBroadcast(bool) error { return ErrUnsupported }

// Broadcast reports whether broadcast sends are allowed.
func (*UDPSocket) Broadcast() (bool, error) { return false, ErrUnsupported }

// SetMulticastLoopV4 controls loopback of IPv4 multicast sends.
func (*UDPSocket) SetMulticastLoopV4(bool) error { return ErrUnsupported }

// MulticastLoopV4 reports whether IPv4 multicast sends loop back.
func (*UDPSocket) MulticastLoopV4() (bool, error) { return false, ErrUnsupported }

// SetMulticastTTLV4 sets the time-to-live of IPv4 multicast sends.
func (*UDPSocket) SetMulticastTTLV4(uint32) error { return ErrUnsupported }

// MulticastTTLV4 returns the time-to-live of IPv4 multicast sends.
func (*UDPSocket) MulticastTTLV4() (uint32, error) { return 0, ErrUnsupported }

// SetMulticastLoopV6 controls loopback of IPv6 multicast sends.
func (*UDPSocket) SetMulticastLoopV6(bool) error { return ErrUnsupported }

// MulticastLoopV6 reports whether IPv6 multicast sends loop back.
func (*UDPSocket) MulticastLoopV6() (bool, error) { return false, ErrUnsupported }

// JoinMulticastV4 joins group on the interface with address iface.
func (*UDPSocket) JoinMulticastV4(group, iface netip.Addr) error { return ErrUnsupported }

// JoinMulticastV6 joins group on interface ifindex.
func (*UDPSocket) JoinMulticastV6(group netip.Addr, ifindex uint32) error {
	return ErrUnsupported
}

// LeaveMulticastV4 leaves a group joined with JoinMulticastV4.
func (*UDPSocket) LeaveMulticastV4(group, iface netip.Addr) error { return ErrUnsupported }

// LeaveMulticastV6 leaves a group joined with JoinMulticastV6.
func (*UDPSocket) LeaveMulticastV6(group netip.Addr, ifindex uint32) error {
	return ErrUnsupported
}

// SetTTL sets the IP time-to-live of outgoing datagrams.
func (*UDPSocket) SetTTL(uint32) error { return ErrUnsupported }

// TTL returns the IP time-to-live of outgoing datagrams.
func (*UDPSocket) TTL() (uint32, error) { return 0, ErrUnsupported }

// TakeError returns and clears the pending socket error.
func (*UDPSocket) TakeError() (error, error) { return nil, ErrUnsupported }

// SetNonblocking switches the socket in or out of nonblocking mode.
func (*UDPSocket) SetNonblocking(bool) error { return ErrUnsupported }

// Recv reads one datagram from the connected peer.
func (*UDPSocket) Recv([]byte) (int, error) { return 0, ErrUnsupported }

// Peek is Recv without removing the datagram.
func (*UDPSocket) Peek([]byte) (int, error) { return 0, ErrUnsupported }

// Send sends one datagram to the connected peer.
func (*UDPSocket) Send([]byte) (int, error) { return 0, ErrUnsupported }

// Connect sets the peer used by Send and Recv.
func (*UDPSocket) Connect(netip.AddrPort) error { return ErrUnsupported }

// LookupHost resolves host and port to socket addresses.
func LookupHost(host string, port uint16) ([]netip.AddrPort, error) {
	return nil, ErrUnsupported
}
