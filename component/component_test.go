// SPDX-License-Identifier: AGPL-3.0-only

package component

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Spec{ID: 1, Name: "position", Mode: Delta, Interp: Linear, Lerp: FloatLerp}))
	require.NoError(t, r.Register(&Spec{ID: 2, Name: "health", Mode: FullState}))

	err := r.Register(&Spec{ID: 1, Name: "dup"})
	require.ErrorIs(t, err, ErrDuplicateID)

	s, err := r.Get(1)
	require.NoError(t, err)
	require.Equal(t, "position", s.Name)

	_, err = r.Get(99)
	require.ErrorIs(t, err, ErrUnknownComponent)

	all := r.All()
	require.Len(t, all, 2)
	require.Equal(t, ID(1), all[0].ID)
}

func TestRegisterInterpWithoutLerp(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register(&Spec{ID: 3, Name: "bad", Interp: Linear}))
}

func TestXORDeltaLaw(t *testing.T) {
	// Delta-encode(new, old) then delta-decode(·, old) yields new.
	old := []byte{1, 2, 3, 4}
	new_ := []byte{1, 9, 3, 200}
	d := XORDelta(new_, old)
	require.Equal(t, new_, ApplyDelta(d, old))

	// Unchanged values produce an all zero delta.
	require.Equal(t, []byte{0, 0, 0, 0}, XORDelta(old, old))

	// Length changes round trip as well.
	grown := []byte{1, 2, 3, 4, 5, 6}
	require.Equal(t, grown, ApplyDelta(XORDelta(grown, old), old))
	shrunk := []byte{7, 7}
	require.Equal(t, shrunk, ApplyDelta(XORDelta(shrunk, old), old))
}

func TestFloatCompare(t *testing.T) {
	cmp := FloatCompare(0.01)
	a := EncodeFloats(1.0, 2.0, 3.0)
	b := EncodeFloats(1.005, 1.995, 3.0)
	require.True(t, cmp(a, b))

	c := EncodeFloats(1.1, 2.0, 3.0)
	require.False(t, cmp(a, c))
	require.False(t, cmp(a, EncodeFloats(1.0)))
}

func TestSpecEqualDefaultsToBytes(t *testing.T) {
	s := &Spec{ID: 1}
	require.True(t, s.Equal([]byte{1, 2}, []byte{1, 2}))
	require.False(t, s.Equal([]byte{1, 2}, []byte{1, 3}))
}

func TestFloatLerp(t *testing.T) {
	a := EncodeFloats(0, 10)
	b := EncodeFloats(10, 20)
	mid := DecodeFloats(FloatLerp(a, b, 0.5))
	require.InDelta(t, 5.0, mid[0], 1e-6)
	require.InDelta(t, 15.0, mid[1], 1e-6)

	require.Equal(t, DecodeFloats(a), DecodeFloats(FloatLerp(a, b, 0)))
	require.Equal(t, DecodeFloats(b), DecodeFloats(FloatLerp(a, b, 1)))
}

func TestHermiteLerpEndpoints(t *testing.T) {
	// position (x) || velocity (vx)
	a := EncodeFloats(0, 1)
	b := EncodeFloats(1, 1)
	start := DecodeFloats(HermiteLerp(a, b, 0))
	end := DecodeFloats(HermiteLerp(a, b, 1))
	require.InDelta(t, 0.0, start[0], 1e-6)
	require.InDelta(t, 1.0, end[0], 1e-6)

	// Constant unit velocity across a unit interval is exactly linear.
	mid := DecodeFloats(HermiteLerp(a, b, 0.5))
	require.InDelta(t, 0.5, mid[0], 1e-6)
}
