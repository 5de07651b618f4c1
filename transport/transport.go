// SPDX-License-Identifier: AGPL-3.0-only

// Package transport defines the byte datagram endpoint the engine runs
// over.  Implementations (UDP, in process memory links, QUIC datagrams) are
// interchangeable; the engine never sees anything below this interface.
package transport

import (
	"errors"
	"net"
)

var (
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport: closed")

	// ErrWouldBlock is returned by Send when the transport cannot accept
	// a datagram without blocking.  Unreliable senders treat it as a
	// drop.
	ErrWouldBlock = errors.New("transport: would block")
)

// Transport is a non blocking datagram endpoint.
type Transport interface {
	// Send transmits one datagram to the peer, best effort.
	Send(payload []byte, peer net.Addr) error

	// Recv returns the next pending datagram, or (nil, nil, nil) when
	// none is queued.  It never blocks.
	Recv() ([]byte, net.Addr, error)

	// LocalAddr returns the endpoint's own address.
	LocalAddr() net.Addr

	// Close releases the endpoint.  Pending datagrams are discarded.
	Close() error
}

// Waiter is implemented by transports that can block until a datagram is
// pending, sparing the I/O worker a poll loop.
type Waiter interface {
	// WaitRecv blocks until a datagram is pending or the transport is
	// closed; it reports false on close.
	WaitRecv() bool
}
