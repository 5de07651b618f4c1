// SPDX-License-Identifier: AGPL-3.0-only

// Package prediction maintains the client's predicted timeline, detects
// divergence from server confirmed state, and rolls the simulation back to
// re-simulate from the corrected tick.
package prediction

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/charmbracelet/log"

	"github.com/nettick/nettick/component"
	"github.com/nettick/nettick/core/tick"
	"github.com/nettick/nettick/input"
	"github.com/nettick/nettick/metrics"
	"github.com/nettick/nettick/timeline"
)

var (
	// ErrRollbackWindowExceeded is returned when a mismatch is older than
	// the history window; the connection must resync.
	ErrRollbackWindowExceeded = errors.New("prediction: rollback window exceeded")

	// ErrResyncRequired wraps faults that invalidate all predicted state.
	ErrResyncRequired = errors.New("prediction: resync required")
)

// Simulator is the engine's view of the world container.  The simulation
// loop owns the world; the engine only captures, restores and steps it.
type Simulator interface {
	// Capture serializes the given entities' current component values,
	// local only components included.
	Capture(ids []timeline.EntityID) map[timeline.EntityID]timeline.State

	// Restore writes component values back into the world.
	Restore(states map[timeline.EntityID]timeline.State)

	// Despawn removes an entity from the world.
	Despawn(id timeline.EntityID)

	// Step advances exactly the given entities by one tick under the
	// given local input.  Rollback replays pass only the affected
	// prediction groups, so entities outside ids must not move.
	Step(t tick.Tick, in input.Snapshot, ids []timeline.EntityID)
}

// Engine drives reconciliation for all predicted entities of a connection.
type Engine struct {
	registry *component.Registry
	sim      Simulator
	inputs   *input.Buffer
	metrics  *metrics.Metrics
	log      *log.Logger

	confirmed *timeline.Timeline
	predicted *timeline.Timeline

	groups   map[timeline.EntityID]uint8
	dirty    map[tick.Tick]struct{}
	resyncs  uint64
	rollback uint64
}

// NewEngine returns an Engine over the given confirmed timeline.
func NewEngine(registry *component.Registry, sim Simulator, inputs *input.Buffer,
	confirmed *timeline.Timeline, m *metrics.Metrics, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Engine{
		registry:  registry,
		sim:       sim,
		inputs:    inputs,
		metrics:   m,
		log:       logger,
		confirmed: confirmed,
		predicted: timeline.New(confirmed.Window()),
		groups:    make(map[timeline.EntityID]uint8),
		dirty:     make(map[tick.Tick]struct{}),
	}
}

// AddEntity registers a predicted entity in a prediction group.  Entities
// that never interact belong in different groups so a mismatch in one does
// not re-simulate the other.
func (e *Engine) AddEntity(id timeline.EntityID, group uint8) {
	e.groups[id] = group
}

// RemoveEntity drops a predicted entity, typically on a server despawn.
func (e *Engine) RemoveEntity(id timeline.EntityID) {
	delete(e.groups, id)
}

// Entities returns the predicted entity set.
func (e *Engine) Entities() []timeline.EntityID {
	out := make([]timeline.EntityID, 0, len(e.groups))
	for id := range e.groups {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Predicted exposes the predicted timeline for inspection and tests.
func (e *Engine) Predicted() *timeline.Timeline {
	return e.predicted
}

// Rollbacks returns the number of rollbacks performed.
func (e *Engine) Rollbacks() uint64 {
	return e.rollback
}

// Step advances every predicted entity one tick under the given input and
// records the resulting prediction.
func (e *Engine) Step(t tick.Tick, in input.Snapshot) {
	e.sim.Step(t, in, e.Entities())
	e.RecordTick(t)
}

// RecordTick captures the world after the simulation stepped tick t and
// stores it in the predicted timeline.
func (e *Engine) RecordTick(t tick.Tick) {
	if len(e.groups) == 0 {
		return
	}
	for id, st := range e.sim.Capture(e.Entities()) {
		e.predicted.SetEntity(t, id, st)
	}
}

// MarkConfirmed notes that confirmed state at tick t was written or
// updated; the next Reconcile pass will check it.
func (e *Engine) MarkConfirmed(t tick.Tick) {
	e.dirty[t] = struct{}{}
}

// Reconcile compares every freshly confirmed tick against the predicted
// timeline and rolls back on the oldest mismatch.  It runs before new input
// is sampled in the frame.  clientTick is the last tick the client has
// simulated.
func (e *Engine) Reconcile(clientTick tick.Tick) error {
	if len(e.dirty) == 0 {
		return nil
	}
	ticks := make([]tick.Tick, 0, len(e.dirty))
	for t := range e.dirty {
		ticks = append(ticks, t)
	}
	e.dirty = make(map[tick.Tick]struct{})
	sort.Slice(ticks, func(i, j int) bool { return ticks[i].Before(ticks[j]) })

	for _, t := range ticks {
		if tick.Diff(clientTick, t) >= e.predicted.Window() {
			e.log.Warn("mismatch tick is outside the rollback window", "tick", t, "client", clientTick)
			return fmt.Errorf("%w: tick %d vs client %d", ErrRollbackWindowExceeded, t, clientTick)
		}
		if t.After(clientTick) {
			// Confirmed state from the future of the local clock;
			// clock steering is lagging.  Nothing to reconcile yet.
			continue
		}
		groups := e.mismatchedGroups(t)
		if len(groups) == 0 {
			continue
		}
		if err := e.rollbackFrom(t, clientTick, groups); err != nil {
			return err
		}
		// Later dirty ticks were overwritten by the re-simulation.
		break
	}
	return nil
}

// mismatchedGroups returns the prediction groups holding at least one
// entity whose confirmed component values differ from the prediction.
func (e *Engine) mismatchedGroups(t tick.Tick) map[uint8]struct{} {
	groups := make(map[uint8]struct{})
	for id, group := range e.groups {
		conf, ok := e.confirmed.GetEntity(t, id)
		if !ok {
			continue
		}
		pred, okPred := e.predicted.GetEntity(t, id)
		for cid, confVal := range conf {
			spec, err := e.registry.Get(cid)
			if err != nil || spec.LocalOnly {
				continue
			}
			var predVal []byte
			if okPred {
				predVal = pred[cid]
			}
			if !spec.Equal(confVal, predVal) {
				e.log.Debug("prediction mismatch", "tick", t, "entity", id, "component", spec.Name)
				groups[group] = struct{}{}
				break
			}
		}
	}
	return groups
}

// rollbackFrom restores tick t for the affected groups and re-simulates up
// to clientTick feeding the recorded local inputs.
func (e *Engine) rollbackFrom(t, clientTick tick.Tick, groups map[uint8]struct{}) error {
	var affected []timeline.EntityID
	for id, g := range e.groups {
		if _, ok := groups[g]; ok {
			affected = append(affected, id)
		}
	}
	sort.Slice(affected, func(i, j int) bool { return affected[i] < affected[j] })

	restore := make(map[timeline.EntityID]timeline.State, len(affected))
	for _, id := range affected {
		conf, ok := e.confirmed.GetEntity(t, id)
		if !ok {
			// The server no longer accounts for this entity at t:
			// treat as a despawn at t.
			e.log.Debug("predicted entity absent from confirmed state", "tick", t, "entity", id)
			e.sim.Despawn(id)
			e.RemoveEntity(id)
			continue
		}
		st := conf.Clone()
		// Local only components are not replicated; carry them over
		// from the prediction at the same tick.
		if pred, ok := e.predicted.GetEntity(t, id); ok {
			for cid, v := range pred {
				spec, err := e.registry.Get(cid)
				if err == nil && spec.LocalOnly {
					st[cid] = append([]byte(nil), v...)
				}
			}
		}
		restore[id] = st
		e.predicted.SetEntity(t, id, st)
	}
	e.sim.Restore(restore)

	depth := tick.Diff(clientTick, t)
	e.rollback++
	e.metrics.RecordRollback(depth)
	e.log.Debug("rollback", "from", t, "to", clientTick, "depth", depth, "groups", len(groups))

	// Re-simulate only the restored entities with the recorded inputs;
	// entities in unaffected groups keep their forward-simulated state
	// and their predicted timeline untouched.
	replayIDs := make([]timeline.EntityID, 0, len(restore))
	for id := range restore {
		replayIDs = append(replayIDs, id)
	}
	sort.Slice(replayIDs, func(i, j int) bool { return replayIDs[i] < replayIDs[j] })
	for tt := t.Add(1); !tt.After(clientTick); tt = tt.Add(1) {
		in, _ := e.inputs.Read(tt)
		e.sim.Step(tt, in, replayIDs)
		for id, st := range e.sim.Capture(replayIDs) {
			e.predicted.SetEntity(tt, id, st)
		}
	}
	return nil
}

// Resync drops all predicted state.  The caller rebuilds entities from
// confirmed state afterwards.
func (e *Engine) Resync() {
	e.predicted.Clear()
	e.dirty = make(map[tick.Tick]struct{})
	e.resyncs++
	e.metrics.IncResyncs()
	e.log.Info("prediction state dropped for resync")
}
