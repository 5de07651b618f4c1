// SPDX-License-Identifier: AGPL-3.0-only

package component

import (
	"encoding/binary"
	"math"
)

// XORDelta encodes cur against last.  Applying the result to last with the
// same function yields cur again; the operation is its own inverse.  The
// delta always has cur's length: when cur is longer its tail is carried
// through unchanged, and when last is longer its extra bytes are dropped, so
// a value that grew or shrank still round trips.
func XORDelta(cur, last []byte) []byte {
	n := len(cur)
	if len(last) > n {
		n = len(last)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		var c, l byte
		if i < len(cur) {
			c = cur[i]
		}
		if i < len(last) {
			l = last[i]
		}
		out[i] = c ^ l
	}
	// Trim to the current value's length so the decoded side, which knows
	// only the delta and the prior value, recovers the right size: the
	// delta length is authoritative.
	return out[:len(cur)]
}

// ApplyDelta decodes a delta against the prior value.
func ApplyDelta(delta, last []byte) []byte {
	out := make([]byte, len(delta))
	for i := range delta {
		var l byte
		if i < len(last) {
			l = last[i]
		}
		out[i] = delta[i] ^ l
	}
	return out
}

// EncodeFloats serializes a float32 vector little endian.
func EncodeFloats(vals ...float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// DecodeFloats deserializes a little endian float32 vector.
func DecodeFloats(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// FloatCompare returns a CompareFn that treats two float32 vectors as equal
// when every element is within tol.
func FloatCompare(tol float32) CompareFn {
	return func(a, b []byte) bool {
		if len(a) != len(b) {
			return false
		}
		av, bv := DecodeFloats(a), DecodeFloats(b)
		for i := range av {
			d := av[i] - bv[i]
			if d < 0 {
				d = -d
			}
			if d > tol {
				return false
			}
		}
		return true
	}
}

// FloatLerp linearly blends two float32 vectors.
func FloatLerp(a, b []byte, t float64) []byte {
	av, bv := DecodeFloats(a), DecodeFloats(b)
	if len(av) != len(bv) {
		return b
	}
	out := make([]float32, len(av))
	for i := range av {
		out[i] = av[i] + float32(t)*(bv[i]-av[i])
	}
	return EncodeFloats(out...)
}

// HermiteLerp blends two samples laid out as position||velocity float32
// vectors of equal split, using a cubic hermite basis over one tick.  The
// velocity half is blended linearly.
func HermiteLerp(a, b []byte, t float64) []byte {
	av, bv := DecodeFloats(a), DecodeFloats(b)
	if len(av) != len(bv) || len(av)%2 != 0 {
		return b
	}
	n := len(av) / 2
	t2 := t * t
	t3 := t2 * t
	h00 := 2*t3 - 3*t2 + 1
	h10 := t3 - 2*t2 + t
	h01 := -2*t3 + 3*t2
	h11 := t3 - t2
	out := make([]float32, len(av))
	for i := 0; i < n; i++ {
		p0, v0 := float64(av[i]), float64(av[n+i])
		p1, v1 := float64(bv[i]), float64(bv[n+i])
		out[i] = float32(h00*p0 + h10*v0 + h01*p1 + h11*v1)
		out[n+i] = float32(v0 + t*(v1-v0))
	}
	return EncodeFloats(out...)
}
