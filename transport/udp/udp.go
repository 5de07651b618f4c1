// SPDX-License-Identifier: AGPL-3.0-only

// Package udp implements the datagram transport over a UDP socket.  A
// read worker owns the socket receive path and feeds an unbounded queue the
// simulation side drains without blocking.
package udp

import (
	"errors"
	"net"
	"os"

	"gopkg.in/eapache/channels.v1"

	"github.com/nettick/nettick/core/worker"
	"github.com/nettick/nettick/transport"
)

// maxDatagram bounds a single read; anything larger than the engine MTU is
// a protocol violation upstream anyway.
const maxDatagram = 2048

type datagram struct {
	payload []byte
	from    net.Addr
}

// Transport is a UDP backed transport.Transport.  Recv and WaitRecv are
// intended for a single consumer, the connection's I/O pump.
type Transport struct {
	worker.Worker

	conn *net.UDPConn
	in   *channels.InfiniteChannel

	// peeked holds a datagram consumed by WaitRecv for the next Recv.
	// Only the single consumer touches it.
	peeked *datagram
}

var _ transport.Transport = (*Transport)(nil)
var _ transport.Waiter = (*Transport)(nil)

// Listen binds a UDP socket on addr ("host:port"; an empty host binds all
// interfaces) and starts the read worker.
func Listen(addr string) (*Transport, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		conn: conn,
		in:   channels.NewInfiniteChannel(),
	}
	t.Go(t.readWorker)
	return t, nil
}

// Dial returns a transport bound to an ephemeral local port; the remote
// address is still passed explicitly on Send, as with any transport.
func Dial() (*Transport, error) {
	return Listen(":0")
}

func (t *Transport) readWorker() {
	defer t.in.Close()
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-t.HaltCh():
			return
		default:
		}
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
				return
			}
			// Transient socket errors (ICMP unreachable and friends)
			// are not fatal to the endpoint.
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		t.in.In() <- datagram{payload: payload, from: from}
	}
}

// Send implements transport.Transport.
func (t *Transport) Send(payload []byte, peer net.Addr) error {
	ua, ok := peer.(*net.UDPAddr)
	if !ok {
		ra, err := net.ResolveUDPAddr("udp", peer.String())
		if err != nil {
			return err
		}
		ua = ra
	}
	_, err := t.conn.WriteToUDP(payload, ua)
	if errors.Is(err, net.ErrClosed) {
		return transport.ErrClosed
	}
	return err
}

// Recv implements transport.Transport.
func (t *Transport) Recv() ([]byte, net.Addr, error) {
	if d := t.peeked; d != nil {
		t.peeked = nil
		return d.payload, d.from, nil
	}
	select {
	case v, ok := <-t.in.Out():
		if !ok {
			return nil, nil, transport.ErrClosed
		}
		d := v.(datagram)
		return d.payload, d.from, nil
	default:
		return nil, nil, nil
	}
}

// WaitRecv implements transport.Waiter.
func (t *Transport) WaitRecv() bool {
	if t.peeked != nil {
		return true
	}
	select {
	case v, ok := <-t.in.Out():
		if !ok {
			return false
		}
		d := v.(datagram)
		t.peeked = &d
		return true
	case <-t.HaltCh():
		return false
	}
}

// LocalAddr implements transport.Transport.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	err := t.conn.Close()
	t.Halt()
	return err
}
