// SPDX-License-Identifier: AGPL-3.0-only

package connection

import (
	"net"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/eapache/channels.v1"

	"github.com/nettick/nettick/channel"
	"github.com/nettick/nettick/config"
	"github.com/nettick/nettick/core/tick"
	"github.com/nettick/nettick/core/wire/commands"
	"github.com/nettick/nettick/core/worker"
	"github.com/nettick/nettick/metrics"
	"github.com/nettick/nettick/transport"
)

type inbound struct {
	payload []byte
	from    net.Addr
}

// ClientConn is the client end of a connection.  The simulation loop owns
// it and drives it once per frame via Pump, Tick and Flush; only the I/O
// worker runs concurrently, feeding the inbound queue.
type ClientConn struct {
	worker.Worker

	cfg     *config.Config
	log     *log.Logger
	metrics *metrics.Metrics

	transport  transport.Transport
	serverAddr net.Addr
	mux        *channel.Mux
	in         *channels.InfiniteChannel

	state      State
	clientID   PeerID
	sessionKey []byte
	gaugeUp    bool

	est       *tick.Estimator
	lastRecv  time.Time
	lastSend  time.Time
	lastShake time.Time
	lastSync  time.Time
	shakes    int
	pingSeq   uint16

	events chan Event

	// OnCommand receives application commands (EntityActions,
	// EntityUpdates); control commands are consumed internally.
	OnCommand func(commands.Command)
}

// NewClientConn builds the client end over an open transport.  sessionKey
// is handed to the server verbatim; see SealSessionKey.
func NewClientConn(cfg *config.Config, t transport.Transport, serverAddr net.Addr,
	sessionKey []byte, m *metrics.Metrics, logger *log.Logger) (*ClientConn, error) {
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "nettick/conn"})
	}
	c := &ClientConn{
		cfg:        cfg,
		log:        logger,
		metrics:    m,
		transport:  t,
		serverAddr: serverAddr,
		in:         channels.NewInfiniteChannel(),
		sessionKey: sessionKey,
		events:     make(chan Event, 64),
		est: tick.NewEstimator(tick.SyncConfig{
			TickDuration:    cfg.TickDuration(),
			InputLeadMin:    cfg.InputLeadTicksMin,
			InputLeadMax:    cfg.InputLeadTicksMax,
			ResyncThreshold: cfg.ResyncThresholdTicks,
		}),
	}
	mux, err := channel.NewMux(channel.Config{
		Protocol:       cfg.ProtocolID,
		MTU:            cfg.MTUBytes,
		MaxMessageSize: cfg.MaxMessageSizeBytes,
		Channels:       DefaultChannels(),
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	c.mux = mux
	return c, nil
}

// Events returns the lifecycle event channel.
func (c *ClientConn) Events() <-chan Event {
	return c.events
}

// State returns the connection state.
func (c *ClientConn) State() State {
	return c.state
}

// ClientID returns the server assigned identity, valid once handshaking.
func (c *ClientConn) ClientID() PeerID {
	return c.clientID
}

// Estimator exposes the clock sync estimator for the simulation loop.
func (c *ClientConn) Estimator() *tick.Estimator {
	return c.est
}

// Stats returns the link diagnostics.
func (c *ClientConn) Stats() Stats {
	return Stats{
		RTT:     c.est.RTT(),
		Jitter:  c.est.Jitter(),
		Channel: c.mux.Stats(),
	}
}

// Connect starts the handshake and the I/O worker.
func (c *ClientConn) Connect(now time.Time) {
	if c.state != StateDisconnected {
		return
	}
	c.state = StateConnecting
	c.lastRecv = now
	c.shakes = 0
	c.lastShake = time.Time{}
	c.Go(c.ioWorker)
	c.log.Info("connecting", "server", c.serverAddr)
}

// ioWorker moves datagrams from the transport into the inbound queue until
// the transport closes or the connection halts.
func (c *ClientConn) ioWorker() {
	defer c.in.Close()
	waiter, canWait := c.transport.(transport.Waiter)
	for {
		select {
		case <-c.HaltCh():
			return
		default:
		}
		if canWait {
			if !waiter.WaitRecv() {
				return
			}
		}
		payload, from, err := c.transport.Recv()
		if err != nil {
			return
		}
		if payload == nil {
			if !canWait {
				time.Sleep(time.Millisecond)
			}
			continue
		}
		c.in.In() <- inbound{payload: payload, from: from}
	}
}

// Pump drains the inbound queue through the channel layer and dispatches
// the completed commands.  Called first in the frame, before reconciliation.
func (c *ClientConn) Pump(now time.Time) {
	for {
		select {
		case v, ok := <-c.in.Out():
			if !ok {
				return
			}
			d := v.(inbound)
			c.metrics.RecordRecv(len(d.payload))
			msgs, err := c.mux.ProcessPacket(d.payload, now)
			if err != nil {
				c.metrics.IncProtocolViolations()
				c.log.Debug("dropped datagram", "err", err)
				continue
			}
			c.lastRecv = now
			for _, msg := range msgs {
				c.handleMessage(msg, now)
			}
		default:
			return
		}
	}
}

func (c *ClientConn) handleMessage(msg channel.Received, now time.Time) {
	cmd, err := commands.FromBytes(msg.Payload)
	if err != nil {
		c.metrics.IncProtocolViolations()
		c.log.Debug("dropped message", "err", err)
		return
	}
	switch cmd := cmd.(type) {
	case *commands.HandshakeAck:
		if c.state != StateConnecting {
			return
		}
		c.clientID = PeerID(cmd.ClientID)
		c.state = StateHandshaking
		c.lastSync = time.Time{}
		c.log.Info("handshake accepted", "client_id", c.clientID)
	case *commands.SyncResponse:
		c.handleSyncResponse(cmd, now)
	case *commands.Ping:
		c.sendCommand(ChannelUnreliable, &commands.Pong{Seq: cmd.Seq})
	case *commands.Pong:
		// Keepalive answered; lastRecv already advanced.
	case *commands.Disconnect:
		c.log.Info("server disconnected us", "reason", cmd.Reason)
		c.teardown(cmd.Reason)
	default:
		if c.OnCommand != nil {
			c.OnCommand(cmd)
		}
	}
}

func (c *ClientConn) handleSyncResponse(cmd *commands.SyncResponse, now time.Time) {
	sent := time.Unix(0, cmd.ClientSendTime)
	hold := time.Duration(cmd.ServerSendTime - cmd.ServerRecvTime)
	c.est.Sample(now, sent, cmd.ServerTick, hold)
	c.metrics.RecordRTT(c.est.RTT().Seconds())

	if c.state == StateHandshaking && c.est.Ready() {
		c.state = StateConnected
		c.gaugeUp = true
		c.metrics.AddConnectedPeers(1)
		c.emit(ConnectEvent{Peer: c.clientID})
		c.log.Info("connected", "rtt", c.est.RTT(), "lead", c.est.InputLead())
	}
}

// Tick runs the state machine timers.  Called once per frame after Pump.
func (c *ClientConn) Tick(now time.Time) error {
	switch c.state {
	case StateConnecting:
		if now.Sub(c.lastShake) >= handshakeResend {
			if c.shakes >= c.cfg.HandshakeRetries {
				c.log.Error("handshake retries exhausted")
				c.teardown(commands.DisconnectTimeout)
				return ErrHandshakeFailed
			}
			c.shakes++
			c.lastShake = now
			c.sendCommand(ChannelUnreliable, &commands.Handshake{
				Protocol:   c.cfg.ProtocolID,
				SessionKey: c.sessionKey,
			})
		}
	case StateHandshaking:
		if now.Sub(c.lastSync) >= syncInterval {
			c.lastSync = now
			c.sendCommand(ChannelUnreliable, &commands.SyncRequest{ClientSendTime: now.UnixNano()})
		}
	case StateConnected:
		if now.Sub(c.lastSync) >= syncRefreshInterval {
			c.lastSync = now
			c.sendCommand(ChannelUnreliable, &commands.SyncRequest{ClientSendTime: now.UnixNano()})
		}
		if now.Sub(c.lastSend) >= keepaliveInterval && !c.mux.HasQueued() {
			c.pingSeq++
			c.sendCommand(ChannelUnreliable, &commands.Ping{Seq: c.pingSeq})
		}
	case StateDisconnected, StateDisconnecting:
		return nil
	}

	if c.state != StateDisconnected && now.Sub(c.lastRecv) >= c.cfg.KeepaliveTimeout() {
		c.log.Warn("keepalive timeout", "last_recv", c.lastRecv)
		c.teardown(commands.DisconnectTimeout)
	}
	return nil
}

// Send queues an application command.
func (c *ClientConn) Send(ch uint8, cmd commands.Command) error {
	if c.state != StateConnected {
		return ErrNotConnected
	}
	return c.sendCommand(ch, cmd)
}

func (c *ClientConn) sendCommand(ch uint8, cmd commands.Command) error {
	b, err := cmd.ToBytes()
	if err != nil {
		return err
	}
	_, err = c.mux.Send(ch, b)
	return err
}

// Flush assembles and transmits the pending packets.  Called last in the
// frame.
func (c *ClientConn) Flush(now time.Time) {
	if c.state == StateDisconnected {
		return
	}
	c.mux.SweepLost(now, rtoFor(c.est.RTT()))
	for _, pkt := range c.mux.BuildPackets(now, 0) {
		if err := c.transport.Send(pkt, c.serverAddr); err != nil {
			c.log.Debug("send failed", "err", err)
			continue
		}
		c.metrics.RecordSend(len(pkt))
		c.lastSend = now
	}
}

// Close sends a best effort Disconnect and tears the connection down.
func (c *ClientConn) Close() {
	if c.state == StateDisconnected {
		return
	}
	c.state = StateDisconnecting
	c.sendCommand(ChannelUnreliable, &commands.Disconnect{Reason: commands.DisconnectByPeer})
	for _, pkt := range c.mux.BuildPackets(time.Now(), 0) {
		_ = c.transport.Send(pkt, c.serverAddr)
	}
	c.teardown(commands.DisconnectByPeer)
}

// teardown runs the Disconnecting → Disconnected tail of the state
// machine, whatever path led into it.
func (c *ClientConn) teardown(reason uint8) {
	if c.state == StateDisconnected {
		return
	}
	c.state = StateDisconnecting
	if c.gaugeUp {
		c.gaugeUp = false
		c.metrics.AddConnectedPeers(-1)
	}
	_ = c.transport.Close()
	c.Halt()
	c.state = StateDisconnected
	c.emit(DisconnectEvent{Peer: c.clientID, Reason: reason})
}

func (c *ClientConn) emit(e Event) {
	select {
	case c.events <- e:
	default:
		c.log.Warn("event queue full, dropping event")
	}
}
