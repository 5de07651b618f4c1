// SPDX-License-Identifier: AGPL-3.0-only

// Package replication implements the server side update sender and the
// client side receiver that feeds the confirmed timeline, the prediction
// engine and the interpolation engine.
package replication

import (
	"io"

	"github.com/charmbracelet/log"

	"github.com/nettick/nettick/component"
	"github.com/nettick/nettick/core/tick"
	"github.com/nettick/nettick/core/wire/commands"
	"github.com/nettick/nettick/interpolation"
	"github.com/nettick/nettick/metrics"
	"github.com/nettick/nettick/prediction"
	"github.com/nettick/nettick/timeline"
)

// Receiver applies EntityActions and EntityUpdates into the client's
// confirmed history.  Predicted entities land in the confirmed timeline and
// trigger reconciliation; interpolated entities land in component keyframe
// rings.
type Receiver struct {
	registry *component.Registry
	metrics  *metrics.Metrics
	log      *log.Logger

	confirmed *timeline.Timeline
	pred      *prediction.Engine
	interp    *interpolation.Engine

	// OnSpawn is invoked for every server spawn; the returned prediction
	// group scopes rollback for predicted entities.
	OnSpawn func(id timeline.EntityID, predicted bool) (group uint8)

	// OnDespawn is invoked when a despawn takes effect on the prediction
	// path; interpolated despawns are deferred inside the interpolation
	// engine.
	OnDespawn func(id timeline.EntityID)

	predictedSet map[timeline.EntityID]bool

	// acc carries the merged confirmed state per predicted entity so a
	// confirmed slot always holds full component values, not only the
	// tick's mutations.
	acc     map[timeline.EntityID]timeline.State
	accTick map[timeline.EntityID]tick.Tick

	serverTick tick.Tick
	haveServer bool
}

// NewReceiver returns a Receiver over the given sinks.
func NewReceiver(registry *component.Registry, confirmed *timeline.Timeline,
	pred *prediction.Engine, interp *interpolation.Engine,
	m *metrics.Metrics, logger *log.Logger) *Receiver {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Receiver{
		registry:     registry,
		metrics:      m,
		log:          logger,
		confirmed:    confirmed,
		pred:         pred,
		interp:       interp,
		predictedSet: make(map[timeline.EntityID]bool),
		acc:          make(map[timeline.EntityID]timeline.State),
		accTick:      make(map[timeline.EntityID]tick.Tick),
	}
}

// ServerTick returns the newest tick confirmed by the server.
func (r *Receiver) ServerTick() (tick.Tick, bool) {
	return r.serverTick, r.haveServer
}

// IsPredicted reports whether an entity replicates on the prediction path.
func (r *Receiver) IsPredicted(id timeline.EntityID) bool {
	return r.predictedSet[id]
}

func (r *Receiver) advanceServerTick(t tick.Tick) {
	if !r.haveServer || t.After(r.serverTick) {
		r.serverTick = t
		r.haveServer = true
	}
}

// stale reports (and counts) updates older than the retained window.
func (r *Receiver) stale(t tick.Tick) bool {
	if !r.haveServer {
		return false
	}
	if tick.Diff(r.serverTick, t) >= r.confirmed.Window() {
		r.metrics.IncStaleUpdates()
		return true
	}
	return false
}

// ApplyActions ingests a structural actions message.
func (r *Receiver) ApplyActions(cmd *commands.EntityActions) {
	if r.stale(cmd.Tick) {
		return
	}
	r.advanceServerTick(cmd.Tick)
	for _, a := range cmd.Actions {
		id := timeline.EntityID(a.Entity)
		switch a.Kind {
		case commands.ActionSpawn:
			r.predictedSet[id] = a.Predicted
			var group uint8
			if r.OnSpawn != nil {
				group = r.OnSpawn(id, a.Predicted)
			}
			if a.Predicted {
				r.pred.AddEntity(id, group)
			}
			r.log.Debug("spawn", "entity", id, "predicted", a.Predicted, "tick", cmd.Tick)
		case commands.ActionDespawn:
			if r.predictedSet[id] {
				r.pred.RemoveEntity(id)
				delete(r.acc, id)
				delete(r.accTick, id)
				if r.OnDespawn != nil {
					r.OnDespawn(id)
				}
			} else {
				// Interpolated entities keep rendering until the
				// despawn tick's samples are consumed.
				r.interp.Despawn(id, cmd.Tick)
			}
			delete(r.predictedSet, id)
			r.log.Debug("despawn", "entity", id, "tick", cmd.Tick)
		case commands.ActionAddComponent:
			r.applyComponent(cmd.Tick, id, component.ID(a.Component), a.Payload)
		case commands.ActionRemoveComponent:
			if st, ok := r.acc[id]; ok {
				delete(st, component.ID(a.Component))
			}
		}
	}
}

// ApplyUpdates ingests a component value update message.
func (r *Receiver) ApplyUpdates(cmd *commands.EntityUpdates) {
	if r.stale(cmd.Tick) {
		return
	}
	r.advanceServerTick(cmd.Tick)
	touchedPrediction := false
	for _, u := range cmd.Updates {
		id := timeline.EntityID(u.Entity)
		for _, cu := range u.Components {
			if r.applyComponent(cmd.Tick, id, component.ID(cu.ID), cu.Data) {
				touchedPrediction = true
			}
		}
	}
	if touchedPrediction {
		r.pred.MarkConfirmed(cmd.Tick)
	}
}

// applyComponent routes one confirmed component value; it reports whether
// the prediction path was touched.
func (r *Receiver) applyComponent(t tick.Tick, id timeline.EntityID, cid component.ID, data []byte) bool {
	spec, err := r.registry.Get(cid)
	if err != nil {
		r.metrics.IncProtocolViolations()
		r.log.Warn("update for unknown component", "component", cid, "entity", id)
		return false
	}

	value := data
	if spec.Mode == component.Delta {
		// Delta rides a reliable ordered channel, so the previously
		// applied value is exactly the sender's encoding baseline.
		base := r.baseline(id, cid)
		value = component.ApplyDelta(data, base)
	}

	// Merge forward so the newest known full state is always at hand:
	// rollback restoration needs full slots and delta decoding needs the
	// previously applied value.
	st, ok := r.acc[id]
	late := ok && r.accTick[id].After(t)
	if !late {
		if !ok {
			st = make(timeline.State)
			r.acc[id] = st
		}
		st[cid] = append([]byte(nil), value...)
		r.accTick[id] = t
	}

	if !r.predictedSet[id] {
		r.interp.Push(id, cid, t, value)
		return false
	}
	if late {
		// A correction for an older tick is written into its slot
		// directly; the accumulator stays at the newer tick.
		r.confirmed.Set(t, id, cid, value)
		return true
	}
	r.confirmed.SetEntity(t, id, st)
	return true
}

// baseline returns the last applied value for a delta component.
func (r *Receiver) baseline(id timeline.EntityID, cid component.ID) []byte {
	if st, ok := r.acc[id]; ok {
		if v, ok := st[cid]; ok {
			return v
		}
	}
	return nil
}

// Resync drops all confirmed history and accumulated state; entities are
// respawned from the server's next updates.
func (r *Receiver) Resync() {
	r.confirmed.Clear()
	r.acc = make(map[timeline.EntityID]timeline.State)
	r.accTick = make(map[timeline.EntityID]tick.Tick)
	r.haveServer = false
}
