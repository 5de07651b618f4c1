// SPDX-License-Identifier: AGPL-3.0-only

// Package quicdgram implements the datagram transport over QUIC DATAGRAM
// frames (RFC 9221).  Each peer pair shares one QUIC connection; the engine
// keeps its own framing, acknowledgements and reliability on top, exactly as
// over UDP.
package quicdgram

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"

	quic "github.com/quic-go/quic-go"
	"gopkg.in/eapache/channels.v1"

	"github.com/nettick/nettick/core/worker"
	"github.com/nettick/nettick/transport"
)

const alpnProto = "nettick"

// quicListener is the slice of the quic-go listener surface this package
// uses.
type quicListener interface {
	Accept(context.Context) (quic.Connection, error)
	Addr() net.Addr
	Close() error
}

type datagram struct {
	payload []byte
	from    net.Addr
}

// Transport multiplexes QUIC datagram connections behind the
// transport.Transport interface.
type Transport struct {
	worker.Worker

	local net.Addr
	in    *channels.InfiniteChannel

	mu     sync.Mutex
	conns  map[string]quic.Connection
	closed bool

	listener quicListener
	tlsConf  *tls.Config

	peeked *datagram
}

var _ transport.Transport = (*Transport)(nil)
var _ transport.Waiter = (*Transport)(nil)

func quicConfig() *quic.Config {
	return &quic.Config{EnableDatagrams: true}
}

// Listen accepts QUIC connections on addr and starts receiving datagrams
// from every accepted peer.
func Listen(addr string, tlsConf *tls.Config) (*Transport, error) {
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{alpnProto}
	l, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	t := newTransport(l.Addr(), tlsConf)
	t.listener = l
	t.Go(t.acceptWorker)
	return t, nil
}

// Dial returns a client transport; connections are established lazily on
// the first Send to a peer.
func Dial(tlsConf *tls.Config) (*Transport, error) {
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{alpnProto}
	return newTransport(&net.UDPAddr{}, tlsConf), nil
}

func newTransport(local net.Addr, tlsConf *tls.Config) *Transport {
	return &Transport{
		local:   local,
		in:      channels.NewInfiniteChannel(),
		conns:   make(map[string]quic.Connection),
		tlsConf: tlsConf,
	}
}

func (t *Transport) acceptWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	t.Go(func() {
		<-t.HaltCh()
		cancel()
	})
	for {
		conn, err := t.listener.Accept(ctx)
		if err != nil {
			return
		}
		t.track(conn)
	}
}

func (t *Transport) track(conn quic.Connection) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.CloseWithError(0, "closed")
		return
	}
	t.conns[conn.RemoteAddr().String()] = conn
	t.mu.Unlock()
	t.Go(func() { t.recvWorker(conn) })
}

func (t *Transport) recvWorker(conn quic.Connection) {
	from := conn.RemoteAddr()
	for {
		payload, err := conn.ReceiveDatagram(context.Background())
		if err != nil {
			t.mu.Lock()
			delete(t.conns, from.String())
			t.mu.Unlock()
			return
		}
		select {
		case <-t.HaltCh():
			return
		default:
		}
		t.in.In() <- datagram{payload: payload, from: from}
	}
}

func (t *Transport) connTo(peer net.Addr) (quic.Connection, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, transport.ErrClosed
	}
	if c, ok := t.conns[peer.String()]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	if t.listener != nil {
		// A server never dials; an unknown peer has simply gone away.
		return nil, errors.New("quicdgram: no connection for peer")
	}
	conn, err := quic.DialAddr(context.Background(), peer.String(), t.tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	t.track(conn)
	t.mu.Lock()
	t.local = conn.LocalAddr()
	t.mu.Unlock()
	return conn, nil
}

// Send implements transport.Transport.
func (t *Transport) Send(payload []byte, peer net.Addr) error {
	conn, err := t.connTo(peer)
	if err != nil {
		return err
	}
	return conn.SendDatagram(payload)
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
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := t.conns
	t.conns = make(map[string]quic.Connection)
	t.mu.Unlock()

	for _, c := range conns {
		_ = c.CloseWithError(0, "closed")
	}
	if t.listener != nil {
		_ = t.listener.Close()
	}
	t.Halt()
	return nil
}
