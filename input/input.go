// SPDX-License-Identifier: AGPL-3.0-only

// Package input implements per tick input snapshots, their diff chain wire
// encoding, and the per client ring buffer both sides replay inputs from.
package input

import (
	"encoding/binary"
	"errors"
	"math"
	"sort"
)

// ActionID identifies a declared action.  Button actions live in a 64 wide
// bitset, so ids 0..63 may be buttons; axis actions may use the full range.
type ActionID uint8

var (
	// ErrNonMonotonicRecord is returned when a snapshot is recorded before
	// the newest recorded tick.
	ErrNonMonotonicRecord = errors.New("input: record is not monotonic")

	// ErrShortPayload is returned for truncated input payloads.
	ErrShortPayload = errors.New("input: truncated payload")

	// ErrBadRange is returned when a serialize range is reversed, spans the
	// buffer window or more than 255 diffs, or has no snapshot at its
	// newest tick.
	ErrBadRange = errors.New("input: bad tick range")
)

// Snapshot is the full input state of one client at one tick: a pressed
// bitset plus the analog axis values.
type Snapshot struct {
	Buttons uint64
	Axes    map[ActionID]float32
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() Snapshot {
	return Snapshot{Axes: make(map[ActionID]float32)}
}

// Clone deep copies the snapshot.
func (s Snapshot) Clone() Snapshot {
	c := Snapshot{Buttons: s.Buttons, Axes: make(map[ActionID]float32, len(s.Axes))}
	for k, v := range s.Axes {
		c.Axes[k] = v
	}
	return c
}

// SetButton sets or clears a pressed bit.
func (s *Snapshot) SetButton(id ActionID, pressed bool) {
	if pressed {
		s.Buttons |= 1 << id
	} else {
		s.Buttons &^= 1 << id
	}
}

// Button reports a pressed bit.
func (s Snapshot) Button(id ActionID) bool {
	return s.Buttons&(1<<id) != 0
}

// SetAxis sets an axis value.  Zero valued axes are removed so that a
// snapshot's axis map only carries active axes.
func (s *Snapshot) SetAxis(id ActionID, v float32) {
	if s.Axes == nil {
		s.Axes = make(map[ActionID]float32)
	}
	if v == 0 {
		delete(s.Axes, id)
		return
	}
	s.Axes[id] = v
}

// Axis returns an axis value, zero when unset.
func (s Snapshot) Axis(id ActionID) float32 {
	return s.Axes[id]
}

// Equal reports bit exact equality.
func (s Snapshot) Equal(o Snapshot) bool {
	if s.Buttons != o.Buttons || len(s.Axes) != len(o.Axes) {
		return false
	}
	for k, v := range s.Axes {
		if o.Axes[k] != v {
			return false
		}
	}
	return true
}

// axisIDs returns the union of axis ids in both snapshots, sorted for a
// deterministic encoding.
func axisIDs(a, b Snapshot) []ActionID {
	seen := make(map[ActionID]struct{}, len(a.Axes)+len(b.Axes))
	for k := range a.Axes {
		seen[k] = struct{}{}
	}
	for k := range b.Axes {
		seen[k] = struct{}{}
	}
	ids := make([]ActionID, 0, len(seen))
	for k := range seen {
		ids = append(ids, k)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// encodeSnapshot appends the full snapshot encoding:
// buttons:u64 | axis_count:u8 | [id:u8 value:f32].
func encodeSnapshot(dst []byte, s Snapshot) []byte {
	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], s.Buttons)
	dst = append(dst, u64[:]...)
	ids := axisIDs(s, Snapshot{})
	dst = append(dst, uint8(len(ids)))
	var f [4]byte
	for _, id := range ids {
		dst = append(dst, uint8(id))
		binary.LittleEndian.PutUint32(f[:], math.Float32bits(s.Axes[id]))
		dst = append(dst, f[:]...)
	}
	return dst
}

// encodeDiff appends the delta that transforms newer into older: the button
// xor plus the older value of every axis that differs.
func encodeDiff(dst []byte, newer, older Snapshot) []byte {
	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], newer.Buttons^older.Buttons)
	dst = append(dst, u64[:]...)

	var changed []ActionID
	for _, id := range axisIDs(newer, older) {
		if newer.Axes[id] != older.Axes[id] {
			changed = append(changed, id)
		}
	}
	dst = append(dst, uint8(len(changed)))
	var f [4]byte
	for _, id := range changed {
		dst = append(dst, uint8(id))
		binary.LittleEndian.PutUint32(f[:], math.Float32bits(older.Axes[id]))
		dst = append(dst, f[:]...)
	}
	return dst
}

func decodeEntry(b []byte) (buttons uint64, axes map[ActionID]float32, rest []byte, err error) {
	if len(b) < 9 {
		return 0, nil, nil, ErrShortPayload
	}
	buttons = binary.LittleEndian.Uint64(b)
	n := int(b[8])
	b = b[9:]
	if len(b) < n*5 {
		return 0, nil, nil, ErrShortPayload
	}
	axes = make(map[ActionID]float32, n)
	for i := 0; i < n; i++ {
		// Zero entries are meaningful in diffs (they clear an axis), so
		// they are kept here; Apply strips them from full snapshots.
		id := ActionID(b[0])
		axes[id] = math.Float32frombits(binary.LittleEndian.Uint32(b[1:]))
		b = b[5:]
	}
	return buttons, axes, b, nil
}

// applyDiffEntry transforms newer into the older snapshot using one decoded
// diff entry.
func applyDiffEntry(newer Snapshot, buttonsXor uint64, axes map[ActionID]float32) Snapshot {
	older := newer.Clone()
	older.Buttons ^= buttonsXor
	for id, v := range axes {
		older.SetAxis(id, v)
	}
	return older
}
