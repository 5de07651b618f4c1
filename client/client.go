// SPDX-License-Identifier: AGPL-3.0-only

// Package client assembles the client side of the engine: connection,
// clock synchronization, input recording, confirmed state reception,
// prediction with rollback, and interpolation, driven in a fixed per frame
// order.
package client

import (
	"math"
	"net"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nettick/nettick/component"
	"github.com/nettick/nettick/config"
	"github.com/nettick/nettick/connection"
	"github.com/nettick/nettick/core/tick"
	"github.com/nettick/nettick/core/wire/commands"
	"github.com/nettick/nettick/input"
	"github.com/nettick/nettick/interpolation"
	"github.com/nettick/nettick/metrics"
	"github.com/nettick/nettick/prediction"
	"github.com/nettick/nettick/replication"
	"github.com/nettick/nettick/timeline"
	"github.com/nettick/nettick/transport"
)

// inputRedundancySlack extends the input diff chain past the estimated
// lead so a burst of datagram loss still leaves the server a usable chain.
const inputRedundancySlack = 4

// Client is the client side engine facade.  All methods run on the
// simulation thread.
type Client struct {
	cfg     *config.Config
	log     *log.Logger
	metrics *metrics.Metrics

	registry *component.Registry
	conn     *connection.ClientConn
	clock    *tick.Clock
	inputs   *input.Buffer

	confirmed *timeline.Timeline
	pred      *prediction.Engine
	interp    *interpolation.Engine
	recv      *replication.Receiver

	// SampleInput is called once per simulated tick to read the local
	// input devices.
	SampleInput func() input.Snapshot

	// OnSpawn and OnDespawn mirror the receiver's callbacks.
	OnSpawn   func(id timeline.EntityID, predicted bool) (group uint8)
	OnDespawn func(id timeline.EntityID)

	simulating bool
	resyncs    uint64
}

// New assembles a client over an open transport.
func New(cfg *config.Config, registry *component.Registry, sim prediction.Simulator,
	t transport.Transport, serverAddr net.Addr, sessionKey []byte,
	m *metrics.Metrics, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "nettick/client"})
	}
	conn, err := connection.NewClientConn(cfg, t, serverAddr, sessionKey, m, logger)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:       cfg,
		log:       logger,
		metrics:   m,
		registry:  registry,
		conn:      conn,
		clock:     tick.NewClock(cfg.TickDuration()),
		inputs:    input.NewBuffer(cfg.HistoryWindowTicks),
		confirmed: timeline.New(cfg.HistoryWindowTicks),
	}
	c.interp = interpolation.NewEngine(registry, m)
	c.pred = prediction.NewEngine(registry, sim, c.inputs, c.confirmed, m, logger)
	c.recv = replication.NewReceiver(registry, c.confirmed, c.pred, c.interp, m, logger)
	c.recv.OnSpawn = func(id timeline.EntityID, predicted bool) uint8 {
		if c.OnSpawn != nil {
			return c.OnSpawn(id, predicted)
		}
		return 0
	}
	c.recv.OnDespawn = func(id timeline.EntityID) {
		if c.OnDespawn != nil {
			c.OnDespawn(id)
		}
	}
	conn.OnCommand = c.handleCommand
	return c, nil
}

// Connect starts the handshake.
func (c *Client) Connect() {
	c.conn.Connect(time.Now())
}

// Close tears the connection down.
func (c *Client) Close() {
	c.conn.Close()
}

// Events returns connection lifecycle events.
func (c *Client) Events() <-chan connection.Event {
	return c.conn.Events()
}

// Tick returns the current client tick.
func (c *Client) Tick() tick.Tick {
	return c.clock.Current()
}

// State returns the connection state.
func (c *Client) State() connection.State {
	return c.conn.State()
}

// ServerTick returns the newest server confirmed tick seen.
func (c *Client) ServerTick() (tick.Tick, bool) {
	return c.recv.ServerTick()
}

// Stats returns link diagnostics.
func (c *Client) Stats() connection.Stats {
	return c.conn.Stats()
}

// Resyncs returns the number of hard resyncs performed.
func (c *Client) Resyncs() uint64 {
	return c.resyncs
}

// Rollbacks returns the number of rollbacks performed.
func (c *Client) Rollbacks() uint64 {
	return c.pred.Rollbacks()
}

// ConfirmedTimeline exposes the confirmed history for inspection.
func (c *Client) ConfirmedTimeline() *timeline.Timeline {
	return c.confirmed
}

// PredictedTimeline exposes the predicted history for inspection.
func (c *Client) PredictedTimeline() *timeline.Timeline {
	return c.pred.Predicted()
}

func (c *Client) handleCommand(cmd commands.Command) {
	switch cmd := cmd.(type) {
	case *commands.EntityActions:
		c.recv.ApplyActions(cmd)
	case *commands.EntityUpdates:
		c.recv.ApplyUpdates(cmd)
	}
}

// Update drives one frame: receive, reconcile (rolling back if needed),
// then for every elapsed tick sample input and simulate, and finally ship
// the outbound traffic.
func (c *Client) Update(now time.Time, dt time.Duration) error {
	// receive → apply_confirmed
	c.conn.Pump(now)

	if c.conn.State() != connection.StateConnected {
		err := c.conn.Tick(now)
		c.conn.Flush(now)
		return err
	}

	est := c.conn.Estimator()
	if !c.simulating {
		// First frame after connecting: align the clock outright.
		c.clock.Snap(est.TargetTick(now))
		c.simulating = true
		c.log.Info("simulation started", "tick", c.clock.Current())
	} else if est.Steer(c.clock, now) {
		c.resync()
	}

	// detect_mismatch → rollback_if_needed
	if err := c.pred.Reconcile(c.clock.Current()); err != nil {
		c.log.Warn("reconcile failed, resyncing", "err", err)
		c.resync()
		c.clock.Snap(est.TargetTick(now))
	}

	// sample_input → simulate
	stepped := c.clock.Advance(dt)
	for i := 0; i < stepped; i++ {
		t := c.clock.Current().Add(i - stepped + 1)
		c.stepTick(t)
	}

	// send_input
	if stepped > 0 {
		c.sendInput()
	}

	c.conn.Tick(now)
	c.conn.Flush(now)
	return nil
}

func (c *Client) stepTick(t tick.Tick) {
	snap := input.NewSnapshot()
	if c.SampleInput != nil {
		snap = c.SampleInput()
	}
	if err := c.inputs.Record(t, snap); err != nil {
		c.log.Warn("input record failed", "tick", t, "err", err)
	}
	c.pred.Step(t, snap)
}

// sendInput ships the newest snapshot plus a redundant diff chain on the
// unreliable channel.
func (c *Client) sendInput() {
	to, ok := c.inputs.Newest()
	if !ok {
		return
	}
	redundancy := c.conn.Estimator().InputLead() + inputRedundancySlack
	if redundancy > 255 {
		redundancy = 255
	}
	if redundancy >= c.cfg.HistoryWindowTicks {
		redundancy = c.cfg.HistoryWindowTicks - 1
	}
	from := to.Add(-redundancy)
	payload, count, err := c.inputs.Serialize(from, to)
	if err != nil {
		c.log.Debug("input serialize failed", "err", err)
		return
	}
	err = c.conn.Send(connection.ChannelUnreliable, &commands.Input{
		TargetTick: to,
		DiffCount:  count,
		Payload:    payload,
	})
	if err != nil {
		c.log.Debug("input send failed", "err", err)
	}
}

// resync drops every timeline and restarts from the server's next updates.
func (c *Client) resync() {
	c.pred.Resync()
	c.recv.Resync()
	c.inputs.Clear()
	c.resyncs++
	c.log.Warn("resync", "count", c.resyncs)
}

// interpolationDelay returns the render delay in ticks.
func (c *Client) interpolationDelay() int {
	if c.cfg.InterpolationDelayTicks > 0 {
		return c.cfg.InterpolationDelayTicks
	}
	est := c.conn.Estimator()
	d := int(math.Ceil(float64(est.Jitter()+c.cfg.TickDuration()) / float64(c.cfg.TickDuration())))
	if floor := c.cfg.InterpolationFloor(); d < floor {
		d = floor
	}
	return d
}

// SampleInterpolated evaluates an interpolated component at render time:
// interpolationDelay ticks behind the newest confirmed tick, plus the
// renderer's frame fraction alpha in [0,1).
func (c *Client) SampleInterpolated(id timeline.EntityID, comp component.ID, alpha float64) ([]byte, bool) {
	server, ok := c.recv.ServerTick()
	if !ok {
		return nil, false
	}
	base := server.Add(-c.interpolationDelay())
	v, ok := c.interp.Sample(id, comp, base, alpha)
	// Deferred despawns are consumed by the advancing render time.
	for _, gone := range c.interp.Collect(base, alpha) {
		if c.OnDespawn != nil {
			c.OnDespawn(gone)
		}
	}
	return v, ok
}

// InterpolationStalls returns the stall counter.
func (c *Client) InterpolationStalls() uint64 {
	return c.interp.Stalls()
}
