// SPDX-License-Identifier: AGPL-3.0-only

package timeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nettick/nettick/core/tick"
)

func TestSetGet(t *testing.T) {
	tl := New(64)
	tl.Set(100, 1, 10, []byte{1, 2, 3})
	tl.Set(100, 1, 11, []byte{4})
	tl.Set(100, 2, 10, []byte{5})

	st, ok := tl.GetEntity(100, 1)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3}, st[10])
	require.Equal(t, []byte{4}, st[11])

	v, ok := tl.GetComponent(100, 2, 10)
	require.True(t, ok)
	require.Equal(t, []byte{5}, v)

	_, ok = tl.Get(99)
	require.False(t, ok)
}

func TestSetCopiesValue(t *testing.T) {
	tl := New(64)
	buf := []byte{1, 2}
	tl.Set(5, 1, 1, buf)
	buf[0] = 99
	v, _ := tl.GetComponent(5, 1, 1)
	require.Equal(t, []byte{1, 2}, v)
}

func TestRingReuse(t *testing.T) {
	tl := New(64)
	tl.Set(0, 1, 1, []byte{1})
	// 64 ticks later the same slot is reused for the new tick.
	tl.Set(64, 2, 1, []byte{2})

	_, ok := tl.Get(0)
	require.False(t, ok)
	st, ok := tl.GetEntity(64, 2)
	require.True(t, ok)
	require.Equal(t, []byte{2}, st[1])
}

func TestInWindow(t *testing.T) {
	tl := New(64)
	require.False(t, tl.InWindow(0))
	tl.Set(100, 1, 1, []byte{1})
	require.True(t, tl.InWindow(100))
	require.True(t, tl.InWindow(37))
	require.False(t, tl.InWindow(36))
	require.False(t, tl.InWindow(101))
}

func TestWraparound(t *testing.T) {
	tl := New(64)
	tl.Set(65535, 1, 1, []byte{1})
	tl.Set(0, 1, 1, []byte{2})

	newest, ok := tl.Newest()
	require.True(t, ok)
	require.Equal(t, tick.Tick(0), newest)
	require.True(t, tl.InWindow(65535))

	v, ok := tl.GetComponent(65535, 1, 1)
	require.True(t, ok)
	require.Equal(t, []byte{1}, v)
}

func TestSetEntityAndRemove(t *testing.T) {
	tl := New(64)
	st := State{1: []byte{9}}
	tl.SetEntity(10, 7, st)
	st[1][0] = 0 // caller's copy must not alias the stored one

	got, ok := tl.GetEntity(10, 7)
	require.True(t, ok)
	require.Equal(t, []byte{9}, got[1])

	tl.Remove(10, 7)
	_, ok = tl.GetEntity(10, 7)
	require.False(t, ok)
}

func TestClear(t *testing.T) {
	tl := New(64)
	tl.Set(10, 1, 1, []byte{1})
	tl.Clear()
	_, ok := tl.Get(10)
	require.False(t, ok)
	_, any := tl.Newest()
	require.False(t, any)
}

func TestStateClone(t *testing.T) {
	s := State{1: []byte{1, 2}}
	c := s.Clone()
	c[1][0] = 9
	require.Equal(t, []byte{1, 2}, s[1])
}
