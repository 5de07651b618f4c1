// SPDX-License-Identifier: AGPL-3.0-only

package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendRecv(t *testing.T) {
	n := NewNetwork(1)
	a := n.Endpoint("a")
	b := n.Endpoint("b")

	require.NoError(t, a.Send([]byte("hello"), b.LocalAddr()))
	payload, from, err := b.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), payload)
	require.Equal(t, "a", from.String())

	// Empty queue: non blocking nil result.
	payload, _, err = b.Recv()
	require.NoError(t, err)
	require.Nil(t, payload)
}

func TestLoss(t *testing.T) {
	n := NewNetwork(7)
	a := n.Endpoint("a")
	b := n.Endpoint("b")
	n.SetConditions(Conditions{Loss: 1.0})

	require.NoError(t, a.Send([]byte("gone"), b.LocalAddr()))
	payload, _, err := b.Recv()
	require.NoError(t, err)
	require.Nil(t, payload)
}

func TestLatencyHoldsDelivery(t *testing.T) {
	n := NewNetwork(1)
	a := n.Endpoint("a")
	b := n.Endpoint("b")
	n.SetConditions(Conditions{Latency: time.Hour})

	require.NoError(t, a.Send([]byte("later"), b.LocalAddr()))
	payload, _, err := b.Recv()
	require.NoError(t, err)
	require.Nil(t, payload)
}

func TestUnknownPeerSilentlyDropped(t *testing.T) {
	n := NewNetwork(1)
	a := n.Endpoint("a")
	require.NoError(t, a.Send([]byte("x"), &Addr{Name: "nobody"}))
}

func TestClose(t *testing.T) {
	n := NewNetwork(1)
	a := n.Endpoint("a")
	require.NoError(t, a.Close())
	_, _, err := a.Recv()
	require.Error(t, err)
	require.False(t, a.WaitRecv())
	require.Error(t, a.Send([]byte("x"), &Addr{Name: "a"}))
}
