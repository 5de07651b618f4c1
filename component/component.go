// SPDX-License-Identifier: AGPL-3.0-only

// Package component holds the replication capability registry.  Every
// replicated component registers, under its stable 16 bit network id, how it
// is serialized, compared, delta encoded and interpolated.  The replication
// layers are polymorphic over this capability set and never see concrete
// component types.
package component

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ID is a component's stable network identifier.
type ID uint16

// Mode selects how a component's value travels.
type Mode uint8

const (
	// FullState sends the raw serialized value on every update.
	FullState Mode = iota

	// Delta sends the value xored against the last one sent.  The baseline
	// advances when the update is queued, not when its packet is
	// acknowledged.
	Delta
)

// Interp selects the blending applied between two confirmed samples.
type Interp uint8

const (
	// None disables interpolation; the component snaps to each keyframe.
	None Interp = iota

	// Nearest picks whichever bracketing sample is closer.
	Nearest

	// Linear blends bracketing samples by the fractional tick.
	Linear

	// Hermite blends positions using the velocity stored alongside them.
	Hermite
)

var (
	// ErrDuplicateID is returned when two specs claim the same id.
	ErrDuplicateID = errors.New("component: duplicate component id")

	// ErrUnknownComponent is returned for lookups of unregistered ids.
	ErrUnknownComponent = errors.New("component: unknown component id")
)

// CompareFn reports whether two serialized values are equal for the purpose
// of reconciliation.  A nil CompareFn means exact byte equality.
type CompareFn func(a, b []byte) bool

// LerpFn blends two serialized values at fraction t in [0,1].  Required for
// Linear and Hermite interpolated components.
type LerpFn func(a, b []byte, t float64) []byte

// Spec is one component's registered capability set.
type Spec struct {
	ID   ID
	Name string

	// Mode and Channel bind the component to its replication path.
	Mode    Mode
	Channel uint8

	// Predicted components participate in rollback reconciliation;
	// LocalOnly components never replicate but are preserved across
	// rollback restores.
	LocalOnly bool

	Compare CompareFn
	Interp  Interp
	Lerp    LerpFn
}

// Equal applies the spec's comparison to two serialized values.
func (s *Spec) Equal(a, b []byte) bool {
	if s.Compare != nil {
		return s.Compare(a, b)
	}
	return bytes.Equal(a, b)
}

// Registry maps component ids to their capability sets.  Registration
// happens at startup; lookups afterwards are read only and lock free for
// the common path is not needed, a single RWMutex suffices.
type Registry struct {
	mu   sync.RWMutex
	byID map[ID]*Spec
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[ID]*Spec)}
}

// Register adds a component spec.  Linear and Hermite components must carry
// a Lerp function.
func (r *Registry) Register(s *Spec) error {
	if (s.Interp == Linear || s.Interp == Hermite) && s.Lerp == nil {
		return fmt.Errorf("component: %q declares interpolation without a lerp", s.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[s.ID]; ok {
		return fmt.Errorf("%w: %d (%q)", ErrDuplicateID, s.ID, s.Name)
	}
	r.byID[s.ID] = s
	return nil
}

// MustRegister is Register that panics on error, for startup tables.
func (r *Registry) MustRegister(s *Spec) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

// Get looks a spec up by id.
func (r *Registry) Get(id ID) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownComponent, id)
	}
	return s, nil
}

// All returns every registered spec ordered by id.
func (r *Registry) All() []*Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Spec, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
