// SPDX-License-Identifier: AGPL-3.0-only

package interpolation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nettick/nettick/component"
)

const (
	compPos     component.ID = 1
	compNearest component.ID = 2
)

func testRegistry(t *testing.T) *component.Registry {
	t.Helper()
	r := component.NewRegistry()
	r.MustRegister(&component.Spec{
		ID: compPos, Name: "position", Interp: component.Linear, Lerp: component.FloatLerp,
	})
	r.MustRegister(&component.Spec{
		ID: compNearest, Name: "team", Interp: component.Nearest,
	})
	return r
}

func TestLinearSample(t *testing.T) {
	e := NewEngine(testRegistry(t), nil)
	e.Push(1, compPos, 10, component.EncodeFloats(0))
	e.Push(1, compPos, 11, component.EncodeFloats(10))

	v, ok := e.Sample(1, compPos, 10, 0.5)
	require.True(t, ok)
	require.InDelta(t, 5.0, component.DecodeFloats(v)[0], 1e-6)

	v, ok = e.Sample(1, compPos, 10, 0)
	require.True(t, ok)
	require.InDelta(t, 0.0, component.DecodeFloats(v)[0], 1e-6)
}

func TestBracketAcrossGap(t *testing.T) {
	e := NewEngine(testRegistry(t), nil)
	// Keyframes at 10 and 14: rendering inside the gap blends across it.
	e.Push(1, compPos, 10, component.EncodeFloats(0))
	e.Push(1, compPos, 14, component.EncodeFloats(8))

	v, ok := e.Sample(1, compPos, 12, 0)
	require.True(t, ok)
	require.InDelta(t, 4.0, component.DecodeFloats(v)[0], 1e-6)
}

func TestNearest(t *testing.T) {
	e := NewEngine(testRegistry(t), nil)
	e.Push(1, compNearest, 10, []byte{1})
	e.Push(1, compNearest, 11, []byte{2})

	v, _ := e.Sample(1, compNearest, 10, 0.25)
	require.Equal(t, []byte{1}, v)
	v, _ = e.Sample(1, compNearest, 10, 0.75)
	require.Equal(t, []byte{2}, v)
}

func TestStallHoldsLastValue(t *testing.T) {
	e := NewEngine(testRegistry(t), nil)
	e.Push(1, compPos, 10, component.EncodeFloats(0))
	e.Push(1, compPos, 11, component.EncodeFloats(10))

	// Render inside the bracket first.
	v, ok := e.Sample(1, compPos, 10, 0.5)
	require.True(t, ok)
	require.InDelta(t, 5.0, component.DecodeFloats(v)[0], 1e-6)

	// Past the last sample there is no bracket: hold, count a stall.
	v, ok = e.Sample(1, compPos, 15, 0)
	require.True(t, ok)
	require.InDelta(t, 5.0, component.DecodeFloats(v)[0], 1e-6)
	require.Equal(t, uint64(1), e.Stalls())

	// Recovery: a new keyframe restores blending without teleporting the
	// sample outside the confirmed curve.
	e.Push(1, compPos, 16, component.EncodeFloats(20))
	v, ok = e.Sample(1, compPos, 15, 0.5)
	require.True(t, ok)
	got := component.DecodeFloats(v)[0]
	require.GreaterOrEqual(t, got, float32(10))
	require.LessOrEqual(t, got, float32(20))
}

func TestDeferredDespawn(t *testing.T) {
	e := NewEngine(testRegistry(t), nil)
	e.Push(1, compPos, 10, component.EncodeFloats(0))
	e.Push(1, compPos, 12, component.EncodeFloats(2))
	e.Despawn(1, 12)

	// Render time has not consumed the despawn tick yet.
	require.Empty(t, e.Collect(11, 0.5))
	_, ok := e.Sample(1, compPos, 11, 0.5)
	require.True(t, ok)

	// Once past it, the entity is collected.
	got := e.Collect(12, 0.5)
	require.Equal(t, []uint32{1}, []uint32{uint32(got[0])})
	_, ok = e.Sample(1, compPos, 12, 0.5)
	require.False(t, ok)
}

func TestUnknownEntityOrComponent(t *testing.T) {
	e := NewEngine(testRegistry(t), nil)
	_, ok := e.Sample(9, compPos, 0, 0)
	require.False(t, ok)
}
