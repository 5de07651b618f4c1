// SPDX-License-Identifier: AGPL-3.0-only

// Package server assembles the authoritative side of the engine: the
// connection manager, per peer input buffers and replication senders, and
// the fixed timestep loop that steps the world and ships updates.
package server

import (
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/nettick/nettick/component"
	"github.com/nettick/nettick/config"
	"github.com/nettick/nettick/connection"
	"github.com/nettick/nettick/core/tick"
	"github.com/nettick/nettick/core/wire/commands"
	"github.com/nettick/nettick/input"
	"github.com/nettick/nettick/metrics"
	"github.com/nettick/nettick/replication"
	"github.com/nettick/nettick/timeline"
	"github.com/nettick/nettick/transport"
)

// World is the authoritative world container the server steps and
// replicates.
type World interface {
	replication.WorldView

	// Step advances the world one tick under every peer's input.
	Step(t tick.Tick, inputs map[connection.PeerID]input.Snapshot)
}

type peerState struct {
	peer   *connection.Peer
	sender *replication.Sender
	inputs *input.Buffer
	missed uint64
}

// Server is the authoritative engine facade.  All methods run on the
// simulation thread.
type Server struct {
	cfg     *config.Config
	log     *logging.Logger
	metrics *metrics.Metrics

	registry *component.Registry
	mgr      *connection.Manager
	clock    *tick.Clock
	world    World

	peers map[connection.PeerID]*peerState

	// entities tracks every live replicated entity and its prediction
	// flag so late joiners receive the full spawn set.
	entities map[timeline.EntityID]bool

	// Visibility, when set, filters entity replication per peer.
	Visibility func(peer connection.PeerID, id timeline.EntityID) bool

	// OnPeerConnect and OnPeerDisconnect observe peer lifecycle.
	OnPeerConnect    func(peer connection.PeerID)
	OnPeerDisconnect func(peer connection.PeerID)
}

// New assembles a server over an open transport.
func New(cfg *config.Config, registry *component.Registry, world World,
	t transport.Transport, auth connection.Authenticator,
	m *metrics.Metrics, log *logging.Logger) (*Server, error) {
	if log == nil {
		log = logging.MustGetLogger("nettick/server")
	}
	s := &Server{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		registry: registry,
		clock:    tick.NewClock(cfg.TickDuration()),
		world:    world,
		peers:    make(map[connection.PeerID]*peerState),
		entities: make(map[timeline.EntityID]bool),
	}
	mgr, err := connection.NewManager(cfg, t, s.clock.Current, auth, m, log)
	if err != nil {
		return nil, err
	}
	s.mgr = mgr
	mgr.OnCommand = s.handleCommand
	return s, nil
}

// Close tears every connection down.
func (s *Server) Close() {
	s.mgr.Close()
}

// Tick returns the current server tick.
func (s *Server) Tick() tick.Tick {
	return s.clock.Current()
}

// Events returns the connection manager's event channel.  Update drains the
// same channel to admit and drop peers, so an event received here is not
// seen by the server.
func (s *Server) Events() <-chan connection.Event {
	return s.mgr.Events()
}

// Spawn registers a replicated entity and announces it to every peer.
func (s *Server) Spawn(id timeline.EntityID, predicted bool) {
	s.entities[id] = predicted
	for _, ps := range s.peers {
		ps.sender.QueueSpawn(id, predicted)
	}
}

// Despawn removes a replicated entity and announces the removal.
func (s *Server) Despawn(id timeline.EntityID) {
	delete(s.entities, id)
	for _, ps := range s.peers {
		ps.sender.QueueDespawn(id)
	}
}

// AddComponent announces a component addition on a live entity.
func (s *Server) AddComponent(id timeline.EntityID, c component.ID, payload []byte) {
	for _, ps := range s.peers {
		ps.sender.QueueAddComponent(id, c, payload)
	}
}

// RemoveComponent announces a component removal.
func (s *Server) RemoveComponent(id timeline.EntityID, c component.ID) {
	for _, ps := range s.peers {
		ps.sender.QueueRemoveComponent(id, c)
	}
}

// MissedInputs returns the total missed input count across peers.
func (s *Server) MissedInputs() uint64 {
	var n uint64
	for _, ps := range s.peers {
		n += ps.missed
	}
	return n
}

func (s *Server) handleCommand(peer *connection.Peer, cmd commands.Command) {
	in, ok := cmd.(*commands.Input)
	if !ok {
		return
	}
	ps, ok := s.peers[peer.ID]
	if !ok {
		return
	}
	if err := ps.inputs.Apply(in.TargetTick, in.DiffCount, in.Payload); err != nil {
		s.log.Debugf("input apply from peer %d failed: %v", peer.ID, err)
	}
}

func (s *Server) drainEvents() {
	for {
		select {
		case e := <-s.mgr.Events():
			switch e := e.(type) {
			case connection.ConnectEvent:
				s.admitPeer(e.Peer)
			case connection.DisconnectEvent:
				delete(s.peers, e.Peer)
				if s.OnPeerDisconnect != nil {
					s.OnPeerDisconnect(e.Peer)
				}
			}
		default:
			return
		}
	}
}

func (s *Server) admitPeer(id connection.PeerID) {
	peer, ok := s.mgr.Peer(id)
	if !ok {
		return
	}
	sender := replication.NewSender(s.registry, connection.ChannelReliableOrdered,
		s.cfg.MTUBytes, connection.ReliableOrderedSet(), s.log)
	if s.Visibility != nil {
		pid := id
		sender.SetVisibility(func(e timeline.EntityID) bool { return s.Visibility(pid, e) })
	}
	// Late joiners get every live entity spawned up front.
	for e, predicted := range s.entities {
		sender.QueueSpawn(e, predicted)
	}
	s.peers[id] = &peerState{
		peer:   peer,
		sender: sender,
		inputs: input.NewBuffer(s.cfg.HistoryWindowTicks),
	}
	if s.OnPeerConnect != nil {
		s.OnPeerConnect(id)
	}
}

// Update drives the server: ingest datagrams and events, step the world for
// every elapsed tick feeding the buffered inputs, replicate, and flush.
func (s *Server) Update(now time.Time, dt time.Duration) {
	s.mgr.Pump(now)
	s.drainEvents()

	stepped := s.clock.Advance(dt)
	for i := 0; i < stepped; i++ {
		t := s.clock.Current().Add(i - stepped + 1)
		s.stepTick(t)
	}

	s.mgr.Tick(now)
	s.drainEvents()
	s.mgr.Flush(now)
}

func (s *Server) stepTick(t tick.Tick) {
	inputs := make(map[connection.PeerID]input.Snapshot, len(s.peers))
	for id, ps := range s.peers {
		snap, exact := ps.inputs.Read(t)
		if _, any := ps.inputs.Newest(); any && !exact {
			// Input stickiness: reuse the most recent snapshot.
			ps.missed++
			s.metrics.IncMissedInputs()
		}
		inputs[id] = snap
	}

	s.world.Step(t, inputs)

	for _, ps := range s.peers {
		for _, o := range ps.sender.BuildTick(t, s.world) {
			if err := ps.peer.Send(o.Channel, o.Command); err != nil {
				s.log.Debugf("replication send to peer %d failed: %v", ps.peer.ID, err)
			}
		}
	}
}
