// SPDX-License-Identifier: AGPL-3.0-only

package connection

import (
	"net"
	"sync"
	"time"

	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/nettick/nettick/channel"
	"github.com/nettick/nettick/config"
	"github.com/nettick/nettick/core/tick"
	"github.com/nettick/nettick/core/wire/commands"
	"github.com/nettick/nettick/core/worker"
	"github.com/nettick/nettick/metrics"
	"github.com/nettick/nettick/transport"
)

// violationLimit is the number of malformed datagrams tolerated from one
// address before it is ignored for the rest of the session.
const violationLimit = 32

// Peer is the server side of one client connection.  All fields are owned
// by the simulation thread.
type Peer struct {
	ID   PeerID
	Addr net.Addr

	mux      *channel.Mux
	state    State
	lastRecv time.Time
	lastSend time.Time
	pingSeq  uint16

	// rtt is a smoothed ping round trip estimate for retransmission
	// pacing.
	rtt     time.Duration
	pingAt  map[uint16]time.Time
}

// State returns the peer's connection state.
func (p *Peer) State() State { return p.state }

// RTT returns the smoothed ping round trip estimate.
func (p *Peer) RTT() time.Duration { return p.rtt }

// Send queues a command to this peer.
func (p *Peer) Send(ch uint8, cmd commands.Command) error {
	b, err := cmd.ToBytes()
	if err != nil {
		return err
	}
	_, err = p.mux.Send(ch, b)
	return err
}

// SendRaw queues a pre-serialized command, returning the reliable message
// id when applicable.
func (p *Peer) SendRaw(ch uint8, payload []byte) (uint16, error) {
	return p.mux.Send(ch, payload)
}

// Stats returns the peer's channel layer counters.
func (p *Peer) Stats() channel.Stats {
	return p.mux.Stats()
}

// Manager is the server side connection registry: it accepts handshakes,
// assigns peer identities, routes datagrams to per peer channel muxes and
// enforces keepalive.
type Manager struct {
	worker.Worker

	cfg     *config.Config
	log     *logging.Logger
	metrics *metrics.Metrics

	transport transport.Transport
	in        *channels.InfiniteChannel

	auth       Authenticator
	tickSource func() tick.Tick

	// mu guards the registry maps during accept and disconnect; the I/O
	// worker never touches them.
	mu     sync.Mutex
	peers  map[string]*Peer
	byID   map[PeerID]*Peer
	nextID PeerID

	violations map[string]int

	events chan Event

	// OnCommand receives application commands from connected peers.
	OnCommand func(*Peer, commands.Command)
}

// NewManager builds a Manager over an open transport.  A nil authenticator
// accepts everyone.
func NewManager(cfg *config.Config, t transport.Transport, tickSource func() tick.Tick,
	auth Authenticator, m *metrics.Metrics, log *logging.Logger) (*Manager, error) {
	if log == nil {
		log = logging.MustGetLogger("nettick/server")
	}
	if auth == nil {
		auth = AcceptAll{}
	}
	mgr := &Manager{
		cfg:        cfg,
		log:        log,
		metrics:    m,
		transport:  t,
		in:         channels.NewInfiniteChannel(),
		auth:       auth,
		tickSource: tickSource,
		peers:      make(map[string]*Peer),
		byID:       make(map[PeerID]*Peer),
		violations: make(map[string]int),
		events:     make(chan Event, 64),
	}
	mgr.Go(mgr.ioWorker)
	return mgr, nil
}

// Events returns the lifecycle event channel.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Peers returns the connected peers.
func (m *Manager) Peers() []*Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Peer, 0, len(m.byID))
	for _, p := range m.byID {
		out = append(out, p)
	}
	return out
}

// Peer looks a peer up by id.
func (m *Manager) Peer(id PeerID) (*Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	return p, ok
}

func (m *Manager) ioWorker() {
	defer m.in.Close()
	waiter, canWait := m.transport.(transport.Waiter)
	for {
		select {
		case <-m.HaltCh():
			return
		default:
		}
		if canWait {
			if !waiter.WaitRecv() {
				return
			}
		}
		payload, from, err := m.transport.Recv()
		if err != nil {
			return
		}
		if payload == nil {
			if !canWait {
				time.Sleep(time.Millisecond)
			}
			continue
		}
		m.in.In() <- inbound{payload: payload, from: from}
	}
}

// Pump drains the inbound datagram queue.  Called once per tick, first.
func (m *Manager) Pump(now time.Time) {
	for {
		select {
		case v, ok := <-m.in.Out():
			if !ok {
				return
			}
			d := v.(inbound)
			m.metrics.RecordRecv(len(d.payload))
			m.routeDatagram(d, now)
		default:
			return
		}
	}
}

func (m *Manager) routeDatagram(d inbound, now time.Time) {
	key := d.from.String()
	if m.violations[key] >= violationLimit {
		return
	}

	m.mu.Lock()
	peer, known := m.peers[key]
	m.mu.Unlock()

	if !known {
		m.acceptDatagram(d, now)
		return
	}

	msgs, err := peer.mux.ProcessPacket(d.payload, now)
	if err != nil {
		m.violation(key, err)
		return
	}
	peer.lastRecv = now
	for _, msg := range msgs {
		m.handleMessage(peer, msg, now)
	}
}

// acceptDatagram processes traffic from an unknown address: only a valid
// authenticated Handshake creates a peer.
func (m *Manager) acceptDatagram(d inbound, now time.Time) {
	key := d.from.String()
	mux, err := m.newMux()
	if err != nil {
		m.log.Errorf("mux construction failed: %v", err)
		return
	}
	msgs, err := mux.ProcessPacket(d.payload, now)
	if err != nil {
		m.violation(key, err)
		return
	}
	for _, msg := range msgs {
		cmd, err := commands.FromBytes(msg.Payload)
		if err != nil {
			m.violation(key, err)
			return
		}
		hs, ok := cmd.(*commands.Handshake)
		if !ok {
			// Pre-handshake traffic that is not a handshake is a
			// protocol violation.
			m.violation(key, newProtocolError("command %T before handshake", cmd))
			return
		}
		if hs.Protocol != m.cfg.ProtocolID {
			m.violation(key, newProtocolError("protocol id mismatch"))
			return
		}
		if !m.auth.Authenticate(hs.SessionKey) {
			m.violation(key, newConnectError("session key rejected"))
			return
		}
		m.admit(d.from, mux, now)
		return
	}
}

func (m *Manager) admit(from net.Addr, mux *channel.Mux, now time.Time) {
	m.mu.Lock()
	m.nextID++
	peer := &Peer{
		ID:       m.nextID,
		Addr:     from,
		mux:      mux,
		state:    StateConnected,
		lastRecv: now,
		pingAt:   make(map[uint16]time.Time),
	}
	m.peers[from.String()] = peer
	m.byID[peer.ID] = peer
	m.mu.Unlock()

	_ = peer.Send(ChannelUnreliable, &commands.HandshakeAck{ClientID: uint32(peer.ID)})
	m.metrics.AddConnectedPeers(1)
	m.emit(ConnectEvent{Peer: peer.ID})
	m.log.Noticef("peer %d connected from %v", peer.ID, from)
}

func (m *Manager) newMux() (*channel.Mux, error) {
	return channel.NewMux(channel.Config{
		Protocol:       m.cfg.ProtocolID,
		MTU:            m.cfg.MTUBytes,
		MaxMessageSize: m.cfg.MaxMessageSizeBytes,
		Channels:       DefaultChannels(),
	})
}

func (m *Manager) handleMessage(peer *Peer, msg channel.Received, now time.Time) {
	cmd, err := commands.FromBytes(msg.Payload)
	if err != nil {
		m.violation(peer.Addr.String(), err)
		return
	}
	switch cmd := cmd.(type) {
	case *commands.Handshake:
		// Duplicate handshake; the ack was lost.  Re-acknowledge.
		_ = peer.Send(ChannelUnreliable, &commands.HandshakeAck{ClientID: uint32(peer.ID)})
	case *commands.SyncRequest:
		recv := now.UnixNano()
		_ = peer.Send(ChannelUnreliable, &commands.SyncResponse{
			ClientSendTime: cmd.ClientSendTime,
			ServerTick:     m.tickSource(),
			ServerRecvTime: recv,
			ServerSendTime: time.Now().UnixNano(),
		})
	case *commands.Ping:
		_ = peer.Send(ChannelUnreliable, &commands.Pong{Seq: cmd.Seq})
	case *commands.Pong:
		if at, ok := peer.pingAt[cmd.Seq]; ok {
			delete(peer.pingAt, cmd.Seq)
			sample := now.Sub(at)
			if peer.rtt == 0 {
				peer.rtt = sample
			} else {
				peer.rtt += (sample - peer.rtt) / 8
			}
		}
	case *commands.Disconnect:
		m.drop(peer, cmd.Reason, false)
	default:
		if m.OnCommand != nil {
			m.OnCommand(peer, cmd)
		}
	}
}

// Tick enforces keepalive.  Called once per tick after Pump.
func (m *Manager) Tick(now time.Time) {
	for _, peer := range m.Peers() {
		if now.Sub(peer.lastRecv) >= m.cfg.KeepaliveTimeout() {
			m.log.Noticef("peer %d timed out", peer.ID)
			m.drop(peer, commands.DisconnectTimeout, true)
			continue
		}
		if now.Sub(peer.lastSend) >= keepaliveInterval && !peer.mux.HasQueued() {
			peer.pingSeq++
			peer.pingAt[peer.pingSeq] = now
			_ = peer.Send(ChannelUnreliable, &commands.Ping{Seq: peer.pingSeq})
		}
	}
}

// Flush assembles and transmits every peer's pending packets.  Called last
// in the tick.
func (m *Manager) Flush(now time.Time) {
	for _, peer := range m.Peers() {
		peer.mux.SweepLost(now, rtoFor(peer.rtt))
		for _, pkt := range peer.mux.BuildPackets(now, 0) {
			if err := m.transport.Send(pkt, peer.Addr); err != nil {
				m.log.Debugf("send to peer %d failed: %v", peer.ID, err)
				continue
			}
			m.metrics.RecordSend(len(pkt))
			peer.lastSend = now
		}
	}
}

// Disconnect drops a peer with the given reason, notifying it best effort.
func (m *Manager) Disconnect(id PeerID, reason uint8) {
	if peer, ok := m.Peer(id); ok {
		m.drop(peer, reason, true)
	}
}

func (m *Manager) drop(peer *Peer, reason uint8, notify bool) {
	if peer.state == StateDisconnected || peer.state == StateDisconnecting {
		return
	}
	peer.state = StateDisconnecting
	if notify {
		_ = peer.Send(ChannelUnreliable, &commands.Disconnect{Reason: reason})
		for _, pkt := range peer.mux.BuildPackets(time.Now(), 0) {
			_ = m.transport.Send(pkt, peer.Addr)
		}
	}
	m.mu.Lock()
	delete(m.peers, peer.Addr.String())
	delete(m.byID, peer.ID)
	m.mu.Unlock()
	peer.state = StateDisconnected
	m.metrics.AddConnectedPeers(-1)
	m.emit(DisconnectEvent{Peer: peer.ID, Reason: reason})
	m.log.Noticef("peer %d disconnected: reason %d", peer.ID, reason)
}

func (m *Manager) violation(key string, err error) {
	m.violations[key]++
	m.metrics.IncProtocolViolations()
	m.log.Debugf("protocol violation from %s: %v", key, err)
	if m.violations[key] == violationLimit {
		m.log.Warningf("ignoring %s after repeated violations", key)
		m.mu.Lock()
		peer, ok := m.peers[key]
		m.mu.Unlock()
		if ok {
			m.drop(peer, commands.DisconnectProtocolViolation, true)
		}
	}
}

// Close tears down every peer and stops the I/O worker.
func (m *Manager) Close() {
	for _, peer := range m.Peers() {
		m.drop(peer, commands.DisconnectByPeer, true)
	}
	_ = m.transport.Close()
	m.Halt()
}

func (m *Manager) emit(e Event) {
	select {
	case m.events <- e:
	default:
		m.log.Warning("event queue full, dropping event")
	}
}
