// SPDX-License-Identifier: AGPL-3.0-only

package replication

import (
	"sort"

	"gopkg.in/op/go-logging.v1"

	"github.com/nettick/nettick/component"
	"github.com/nettick/nettick/core/tick"
	"github.com/nettick/nettick/core/wire/commands"
	"github.com/nettick/nettick/timeline"
)

// WorldView is the sender's read only view of the authoritative world at
// the end of a tick.
type WorldView interface {
	// Entities lists the replicated entities.
	Entities() []timeline.EntityID

	// Component returns an entity's current serialized component value.
	Component(id timeline.EntityID, c component.ID) ([]byte, bool)

	// Importance scales an entity's replication priority; 1 is neutral.
	Importance(id timeline.EntityID) float64
}

// Outgoing is one message the sender wants transmitted, bound to a channel.
type Outgoing struct {
	Channel uint8
	Command commands.Command
}

// Sender builds the per tick replication traffic for a single peer.
type Sender struct {
	registry *component.Registry
	log      *logging.Logger

	// actionChannel carries structural actions, reliable ordered.
	actionChannel uint8

	// budget bounds the update bytes queued per tick; entities that do
	// not fit defer and their priority accumulates.
	budget int

	visible func(timeline.EntityID) bool

	actions  []commands.EntityAction
	lastSent map[timeline.EntityID]map[component.ID][]byte

	// sinceUpdate counts ticks since an entity last fit the budget.
	sinceUpdate map[timeline.EntityID]int

	deltaFallback map[component.ID]bool
	reliableCh    map[uint8]bool
}

// NewSender returns a Sender for one peer.  reliableOrdered lists which of
// the declared channels retransmit in order; delta encoding is only sound on
// those, and Delta components bound elsewhere fall back to full state.
func NewSender(registry *component.Registry, actionChannel uint8, budget int,
	reliableOrdered map[uint8]bool, log *logging.Logger) *Sender {
	if log == nil {
		log = logging.MustGetLogger("replication")
	}
	return &Sender{
		registry:      registry,
		log:           log,
		actionChannel: actionChannel,
		budget:        budget,
		lastSent:      make(map[timeline.EntityID]map[component.ID][]byte),
		sinceUpdate:   make(map[timeline.EntityID]int),
		deltaFallback: make(map[component.ID]bool),
		reliableCh:    reliableOrdered,
	}
}

// SetVisibility installs the per entity interest filter; nil means all
// entities are visible.
func (s *Sender) SetVisibility(fn func(timeline.EntityID) bool) {
	s.visible = fn
}

// QueueSpawn records a spawn action for the next tick's message.
func (s *Sender) QueueSpawn(id timeline.EntityID, predicted bool) {
	s.actions = append(s.actions, commands.EntityAction{
		Kind:      commands.ActionSpawn,
		Entity:    uint32(id),
		Predicted: predicted,
	})
	s.sinceUpdate[id] = 1
}

// QueueDespawn records a despawn action and drops the per entity send
// state.
func (s *Sender) QueueDespawn(id timeline.EntityID) {
	s.actions = append(s.actions, commands.EntityAction{
		Kind:   commands.ActionDespawn,
		Entity: uint32(id),
	})
	delete(s.lastSent, id)
	delete(s.sinceUpdate, id)
}

// QueueAddComponent records a component addition.
func (s *Sender) QueueAddComponent(id timeline.EntityID, c component.ID, payload []byte) {
	s.actions = append(s.actions, commands.EntityAction{
		Kind:      commands.ActionAddComponent,
		Entity:    uint32(id),
		Component: uint16(c),
		Payload:   payload,
	})
}

// QueueRemoveComponent records a component removal.
func (s *Sender) QueueRemoveComponent(id timeline.EntityID, c component.ID) {
	s.actions = append(s.actions, commands.EntityAction{
		Kind:      commands.ActionRemoveComponent,
		Entity:    uint32(id),
		Component: uint16(c),
	})
	if m, ok := s.lastSent[id]; ok {
		delete(m, c)
	}
}

type entityScore struct {
	id    timeline.EntityID
	score float64
}

// BuildTick drains the structural action queue and emits the component
// updates for every visible entity whose values changed, grouped per
// channel so a tick's mutations for one entity are never split across
// ticks.
func (s *Sender) BuildTick(t tick.Tick, world WorldView) []Outgoing {
	var out []Outgoing

	if len(s.actions) > 0 {
		out = append(out, Outgoing{
			Channel: s.actionChannel,
			Command: &commands.EntityActions{Tick: t, Actions: s.actions},
		})
		s.actions = nil
	}

	// Score visible entities: stale and important first.
	var scored []entityScore
	for _, id := range world.Entities() {
		if s.visible != nil && !s.visible(id) {
			continue
		}
		s.sinceUpdate[id]++
		scored = append(scored, entityScore{
			id:    id,
			score: float64(s.sinceUpdate[id]) * world.Importance(id),
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	// Gather changed components per channel, within the byte budget.
	budget := s.budget
	perChannel := make(map[uint8][]commands.EntityUpdate)
	var channels []uint8
	for _, es := range scored {
		updates, newVals, size := s.entityUpdates(es.id, world)
		if len(updates) == 0 {
			s.sinceUpdate[es.id] = 0
			continue
		}
		if size > budget {
			// Deferred; the score keeps growing until it fits.
			continue
		}
		budget -= size
		s.sinceUpdate[es.id] = 0
		s.commit(es.id, newVals)
		for ch, cu := range updates {
			if _, ok := perChannel[ch]; !ok {
				channels = append(channels, ch)
			}
			perChannel[ch] = append(perChannel[ch], commands.EntityUpdate{
				Entity:     uint32(es.id),
				Components: cu,
			})
		}
	}

	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	for _, ch := range channels {
		out = append(out, Outgoing{
			Channel: ch,
			Command: &commands.EntityUpdates{Tick: t, Updates: perChannel[ch]},
		})
	}
	return out
}

// entityUpdates collects an entity's changed components grouped by channel,
// the new baseline values, and the approximate encoded size.  Baselines are
// only committed once the entity fits the tick's budget.
func (s *Sender) entityUpdates(id timeline.EntityID, world WorldView) (map[uint8][]commands.ComponentUpdate, map[component.ID][]byte, int) {
	var size int
	var updates map[uint8][]commands.ComponentUpdate
	var newVals map[component.ID][]byte

	last := s.lastSent[id]

	for _, spec := range s.registry.All() {
		if spec.LocalOnly {
			continue
		}
		cur, ok := world.Component(id, spec.ID)
		if !ok {
			continue
		}
		prev, sent := last[spec.ID]
		if sent && spec.Equal(cur, prev) {
			continue
		}

		data := cur
		if spec.Mode == component.Delta {
			if s.reliableCh[spec.Channel] {
				data = component.XORDelta(cur, prev)
			} else if !s.deltaFallback[spec.ID] {
				// Delta against an unacknowledged baseline cannot
				// be decoded across loss; send full state instead.
				s.deltaFallback[spec.ID] = true
				s.log.Warningf("component %q declares delta encoding on a lossy channel %d; sending full state",
					spec.Name, spec.Channel)
			}
		}

		if updates == nil {
			updates = make(map[uint8][]commands.ComponentUpdate)
			newVals = make(map[component.ID][]byte)
		}
		updates[spec.Channel] = append(updates[spec.Channel], commands.ComponentUpdate{
			ID:   uint16(spec.ID),
			Data: data,
		})
		size += 4 + len(data) + 5 // comp header + value + amortized entity header
		newVals[spec.ID] = append([]byte(nil), cur...)
	}
	return updates, newVals, size
}

func (s *Sender) commit(id timeline.EntityID, newVals map[component.ID][]byte) {
	last, ok := s.lastSent[id]
	if !ok {
		last = make(map[component.ID][]byte)
		s.lastSent[id] = last
	}
	for c, v := range newVals {
		last[c] = v
	}
}
