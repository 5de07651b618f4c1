// SPDX-License-Identifier: AGPL-3.0-only

// Package timeline implements the per tick state history rings: the
// confirmed timeline holding server acknowledged entity state and the
// predicted timeline holding locally simulated state past it.
package timeline

import (
	"fmt"

	"github.com/nettick/nettick/component"
	"github.com/nettick/nettick/core/tick"
)

// EntityID is the stable 32 bit entity handle assigned by the server.
type EntityID uint32

// State is the serialized component values of one entity at one tick.
type State map[component.ID][]byte

// Clone deep copies the state.
func (s State) Clone() State {
	c := make(State, len(s))
	for k, v := range s {
		b := make([]byte, len(v))
		copy(b, v)
		c[k] = b
	}
	return c
}

type slot struct {
	tick     tick.Tick
	present  bool
	entities map[EntityID]State
}

// Timeline is a ring of per tick entity state keyed by wrapping tick.  Slots
// older than the window are reused as the newest tick advances.
type Timeline struct {
	window int
	slots  []slot
	newest tick.Tick
	any    bool
}

// New returns a Timeline retaining window ticks.  The window must evenly
// divide the 2^16 tick space.
func New(window int) *Timeline {
	if window <= 0 || 65536%window != 0 {
		panic(fmt.Sprintf("timeline: window %d must evenly divide 65536", window))
	}
	return &Timeline{window: window, slots: make([]slot, window)}
}

func (tl *Timeline) idx(t tick.Tick) int {
	return int(uint16(t)) % tl.window
}

// Window returns the retained tick count.
func (tl *Timeline) Window() int {
	return tl.window
}

// Newest returns the most recent tick with recorded state.
func (tl *Timeline) Newest() (tick.Tick, bool) {
	return tl.newest, tl.any
}

// InWindow reports whether t is within the retained window ending at the
// newest recorded tick.
func (tl *Timeline) InWindow(t tick.Tick) bool {
	if !tl.any {
		return false
	}
	d := tick.Diff(tl.newest, t)
	return d >= 0 && d < tl.window
}

func (tl *Timeline) slotFor(t tick.Tick) *slot {
	s := &tl.slots[tl.idx(t)]
	if !s.present || s.tick != t {
		s.tick = t
		s.present = true
		s.entities = make(map[EntityID]State)
	}
	return s
}

// Set records one component value for an entity at a tick.  Recording a
// tick newer than anything seen claims (and clears) the ring slot.
func (tl *Timeline) Set(t tick.Tick, e EntityID, c component.ID, value []byte) {
	s := tl.slotFor(t)
	st, ok := s.entities[e]
	if !ok {
		st = make(State)
		s.entities[e] = st
	}
	b := make([]byte, len(value))
	copy(b, value)
	st[c] = b
	if !tl.any || t.After(tl.newest) {
		tl.newest = t
		tl.any = true
	}
}

// SetEntity records the full state of an entity at a tick.
func (tl *Timeline) SetEntity(t tick.Tick, e EntityID, st State) {
	s := tl.slotFor(t)
	s.entities[e] = st.Clone()
	if !tl.any || t.After(tl.newest) {
		tl.newest = t
		tl.any = true
	}
}

// Remove drops an entity from a tick's slot, if recorded.
func (tl *Timeline) Remove(t tick.Tick, e EntityID) {
	if s := &tl.slots[tl.idx(t)]; s.present && s.tick == t {
		delete(s.entities, e)
	}
}

// Get returns the entity states recorded at a tick.  The returned map is
// the live slot; callers must not retain it across Set calls.
func (tl *Timeline) Get(t tick.Tick) (map[EntityID]State, bool) {
	s := &tl.slots[tl.idx(t)]
	if !s.present || s.tick != t {
		return nil, false
	}
	return s.entities, true
}

// GetEntity returns one entity's state at a tick.
func (tl *Timeline) GetEntity(t tick.Tick, e EntityID) (State, bool) {
	m, ok := tl.Get(t)
	if !ok {
		return nil, false
	}
	st, ok := m[e]
	return st, ok
}

// GetComponent returns one component value at a tick.
func (tl *Timeline) GetComponent(t tick.Tick, e EntityID, c component.ID) ([]byte, bool) {
	st, ok := tl.GetEntity(t, e)
	if !ok {
		return nil, false
	}
	v, ok := st[c]
	return v, ok
}

// Clear drops all recorded state; used on resync.
func (tl *Timeline) Clear() {
	for i := range tl.slots {
		tl.slots[i] = slot{}
	}
	tl.any = false
}
