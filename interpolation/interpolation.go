// SPDX-License-Identifier: AGPL-3.0-only

// Package interpolation renders interpolated entities in the past, blending
// between the two confirmed samples that bracket the render time.
package interpolation

import (
	"github.com/nettick/nettick/component"
	"github.com/nettick/nettick/core/tick"
	"github.com/nettick/nettick/metrics"
	"github.com/nettick/nettick/timeline"
)

// maxSamples bounds the per component keyframe ring; at typical delays a
// handful of keyframes suffices and anything older is unreachable.
const maxSamples = 32

type sample struct {
	tick  tick.Tick
	value []byte
}

type ring struct {
	samples []sample // ascending by tick
	held    []byte   // last value returned, for stall holds
}

func (r *ring) push(t tick.Tick, value []byte) {
	b := make([]byte, len(value))
	copy(b, value)
	// Samples arrive in confirmed tick order; a late duplicate for an
	// existing tick replaces it (server corrections).
	for i := len(r.samples) - 1; i >= 0; i-- {
		d := tick.Diff(t, r.samples[i].tick)
		if d == 0 {
			r.samples[i].value = b
			return
		}
		if d > 0 {
			r.samples = append(r.samples[:i+1], append([]sample{{tick: t, value: b}}, r.samples[i+1:]...)...)
			r.trim()
			return
		}
	}
	r.samples = append([]sample{{tick: t, value: b}}, r.samples...)
	r.trim()
}

func (r *ring) trim() {
	if n := len(r.samples) - maxSamples; n > 0 {
		r.samples = r.samples[n:]
	}
}

// Engine holds the keyframe rings for every interpolated entity.
type Engine struct {
	registry *component.Registry
	metrics  *metrics.Metrics

	entities map[timeline.EntityID]map[component.ID]*ring

	// despawns defers entity removal until the render time has consumed
	// every sample at or before the despawn tick.
	despawns map[timeline.EntityID]tick.Tick

	stalls uint64
}

// NewEngine returns an empty interpolation engine.
func NewEngine(registry *component.Registry, m *metrics.Metrics) *Engine {
	return &Engine{
		registry: registry,
		metrics:  m,
		entities: make(map[timeline.EntityID]map[component.ID]*ring),
		despawns: make(map[timeline.EntityID]tick.Tick),
	}
}

// Push records a confirmed keyframe.
func (e *Engine) Push(id timeline.EntityID, c component.ID, t tick.Tick, value []byte) {
	comps, ok := e.entities[id]
	if !ok {
		comps = make(map[component.ID]*ring)
		e.entities[id] = comps
	}
	r, ok := comps[c]
	if !ok {
		r = &ring{}
		comps[c] = r
	}
	r.push(t, value)
}

// Despawn schedules an entity's removal at a tick.  Its samples keep
// rendering until the render time passes the despawn tick.
func (e *Engine) Despawn(id timeline.EntityID, t tick.Tick) {
	if _, ok := e.entities[id]; ok {
		e.despawns[id] = t
	}
}

// Entities returns the ids currently renderable.
func (e *Engine) Entities() []timeline.EntityID {
	out := make([]timeline.EntityID, 0, len(e.entities))
	for id := range e.entities {
		out = append(out, id)
	}
	return out
}

// Stalls returns the number of samples held for lack of a bracket.
func (e *Engine) Stalls() uint64 {
	return e.stalls
}

// Sample evaluates one component at the render time expressed as a base
// tick plus a fraction in [0,1).  When the bracket is unavailable the last
// rendered value is held and the stall counter incremented.
func (e *Engine) Sample(id timeline.EntityID, c component.ID, base tick.Tick, frac float64) ([]byte, bool) {
	comps, ok := e.entities[id]
	if !ok {
		return nil, false
	}
	r, ok := comps[c]
	if !ok || len(r.samples) == 0 {
		return nil, false
	}

	spec, err := e.registry.Get(c)
	if err != nil {
		return nil, false
	}

	lo, hi, ok := r.bracket(base)
	if !ok {
		e.stalls++
		e.metrics.IncInterpolationStalls()
		if r.held != nil {
			return r.held, true
		}
		// Nothing rendered yet: hold the newest known value.
		r.held = r.samples[len(r.samples)-1].value
		return r.held, true
	}

	v := blend(spec, lo, hi, base, frac)
	r.held = v
	return v, true
}

// bracket finds the samples surrounding base: the newest at or before it
// and the oldest after it.
func (r *ring) bracket(base tick.Tick) (sample, sample, bool) {
	var lo, hi *sample
	for i := range r.samples {
		s := &r.samples[i]
		if tick.Diff(s.tick, base) <= 0 {
			lo = s
		} else {
			hi = s
			break
		}
	}
	if lo == nil || hi == nil {
		return sample{}, sample{}, false
	}
	return *lo, *hi, true
}

func blend(spec *component.Spec, lo, hi sample, base tick.Tick, frac float64) []byte {
	span := float64(tick.Diff(hi.tick, lo.tick))
	into := float64(tick.Diff(base, lo.tick)) + frac
	t := into / span
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	switch spec.Interp {
	case component.Nearest:
		if t < 0.5 {
			return lo.value
		}
		return hi.value
	case component.Linear, component.Hermite:
		return spec.Lerp(lo.value, hi.value, t)
	default:
		return lo.value
	}
}

// Collect removes entities whose deferred despawn has been consumed by the
// render time and returns their ids.
func (e *Engine) Collect(base tick.Tick, frac float64) []timeline.EntityID {
	var out []timeline.EntityID
	for id, at := range e.despawns {
		// All samples bracketing or equal to the despawn tick are
		// consumed once the render time has strictly passed it.
		if tick.Diff(base, at) > 0 || (tick.Diff(base, at) == 0 && frac > 0) {
			delete(e.despawns, id)
			delete(e.entities, id)
			out = append(out, id)
		}
	}
	return out
}
