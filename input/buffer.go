// SPDX-License-Identifier: AGPL-3.0-only

package input

import (
	"fmt"

	"github.com/nettick/nettick/core/tick"
)

type slot struct {
	tick    tick.Tick
	snap    Snapshot
	present bool
}

// Buffer is a per client ring of input snapshots indexed by tick, covering
// the most recent window ticks.  The client records its own samples and
// serializes redundant diff chains; the server reconstructs them and reads
// with stickiness when a slot is missing.
type Buffer struct {
	window int
	slots  []slot
	newest tick.Tick
	any    bool
}

// NewBuffer returns a Buffer retaining window ticks of snapshots.  The
// window must evenly divide the 2^16 tick space so ring indexing stays
// stable across wraparound.
func NewBuffer(window int) *Buffer {
	if window <= 0 || 65536%window != 0 {
		panic(fmt.Sprintf("input: window %d must evenly divide 65536", window))
	}
	return &Buffer{window: window, slots: make([]slot, window)}
}

func (b *Buffer) idx(t tick.Tick) int {
	return int(uint16(t)) % b.window
}

// Window returns the configured window length.
func (b *Buffer) Window() int {
	return b.window
}

// Newest returns the most recently recorded tick.
func (b *Buffer) Newest() (tick.Tick, bool) {
	return b.newest, b.any
}

// Record stores the snapshot for a tick.  Ticks must be recorded in
// increasing order; rewriting the newest tick is allowed so a frame may
// revise its own sample before it is sent.
func (b *Buffer) Record(t tick.Tick, s Snapshot) error {
	if b.any && t.Before(b.newest) {
		return fmt.Errorf("%w: tick %d after %d", ErrNonMonotonicRecord, t, b.newest)
	}
	b.slots[b.idx(t)] = slot{tick: t, snap: s.Clone(), present: true}
	b.newest = t
	b.any = true
	return nil
}

// put stores a reconstructed snapshot without the monotonicity requirement,
// used on the receiving side where datagrams arrive out of order.  A slot
// already holding a newer tick is left alone.
func (b *Buffer) put(t tick.Tick, s Snapshot) {
	i := b.idx(t)
	if b.slots[i].present && b.slots[i].tick.After(t) {
		return
	}
	b.slots[i] = slot{tick: t, snap: s.Clone(), present: true}
	if !b.any || t.After(b.newest) {
		b.newest = t
		b.any = true
	}
}

// Read returns the snapshot recorded for t, falling back to the most recent
// earlier snapshot within the window (input stickiness).  The second return
// reports whether the exact tick was present; callers count a missed input
// when it is false.
func (b *Buffer) Read(t tick.Tick) (Snapshot, bool) {
	if s := b.slots[b.idx(t)]; s.present && s.tick == t {
		return s.snap, true
	}
	for back := 1; back < b.window; back++ {
		prev := t.Add(-back)
		if s := b.slots[b.idx(prev)]; s.present && s.tick == prev {
			return s.snap, false
		}
	}
	return Snapshot{}, false
}

// Serialize emits the snapshot at to plus the diff chain back to from, the
// oldest tick the remote side has not acknowledged.  The payload rides an
// unreliable channel; redundancy across sends covers loss.
func (b *Buffer) Serialize(from, to tick.Tick) (payload []byte, diffCount uint8, err error) {
	span := tick.Diff(to, from)
	if span < 0 || span >= b.window || span > 255 {
		return nil, 0, fmt.Errorf("%w: from %d to %d", ErrBadRange, from, to)
	}
	head := b.slots[b.idx(to)]
	if !head.present || head.tick != to {
		return nil, 0, fmt.Errorf("%w: no snapshot at tick %d", ErrBadRange, to)
	}

	payload = encodeSnapshot(nil, head.snap)
	newer := head.snap
	for i := 0; i < span; i++ {
		t := to.Add(-i - 1)
		s := b.slots[b.idx(t)]
		if !s.present || s.tick != t {
			// The chain cannot continue past a hole; everything
			// older will have been delivered by earlier sends.
			break
		}
		payload = encodeDiff(payload, newer, s.snap)
		newer = s.snap
		diffCount++
	}
	return payload, diffCount, nil
}

// Apply reconstructs the snapshots carried by a serialized payload and
// stores them.  Duplicate and overlapping deliveries are idempotent.
func (b *Buffer) Apply(target tick.Tick, diffCount uint8, payload []byte) error {
	buttons, axes, rest, err := decodeEntry(payload)
	if err != nil {
		return err
	}
	cur := Snapshot{Buttons: buttons, Axes: axes}
	for id, v := range cur.Axes {
		if v == 0 {
			delete(cur.Axes, id)
		}
	}
	b.put(target, cur)

	for i := 0; i < int(diffCount); i++ {
		var xor uint64
		var diffAxes map[ActionID]float32
		xor, diffAxes, rest, err = decodeEntry(rest)
		if err != nil {
			return err
		}
		cur = applyDiffEntry(cur, xor, diffAxes)
		b.put(target.Add(-i-1), cur)
	}
	if len(rest) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrShortPayload, len(rest))
	}
	return nil
}

// Clear drops all recorded snapshots; used on resync.
func (b *Buffer) Clear() {
	for i := range b.slots {
		b.slots[i] = slot{}
	}
	b.any = false
}
