// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nettick/nettick/core/wire"
)

const (
	chOrdered   = 0
	chUnordered = 1
	chSequenced = 2
	chBestEff   = 3
)

func testConfig() Config {
	return Config{
		Protocol:       0x1122334455667788,
		MTU:            1200,
		MaxMessageSize: 65535,
		Channels: []Desc{
			{ID: chOrdered, Kind: ReliableOrdered},
			{ID: chUnordered, Kind: ReliableUnordered},
			{ID: chSequenced, Kind: UnreliableSequenced},
			{ID: chBestEff, Kind: Unreliable},
		},
	}
}

func newPair(t *testing.T) (*Mux, *Mux) {
	t.Helper()
	a, err := NewMux(testConfig())
	require.NoError(t, err)
	b, err := NewMux(testConfig())
	require.NoError(t, err)
	return a, b
}

// shuttle delivers every packet a has queued into b and returns what b
// completed.
func shuttle(t *testing.T, a, b *Mux, now time.Time) []Received {
	t.Helper()
	var out []Received
	for _, pkt := range a.BuildPackets(now, 0) {
		recv, err := b.ProcessPacket(pkt, now)
		require.NoError(t, err)
		out = append(out, recv...)
	}
	return out
}

func TestDeliveryAllKinds(t *testing.T) {
	a, b := newPair(t)
	now := time.Unix(0, 0)

	_, err := a.Send(chOrdered, []byte("ordered"))
	require.NoError(t, err)
	_, err = a.Send(chUnordered, []byte("unordered"))
	require.NoError(t, err)
	_, err = a.Send(chSequenced, []byte("sequenced"))
	require.NoError(t, err)
	_, err = a.Send(chBestEff, []byte("besteffort"))
	require.NoError(t, err)

	got := shuttle(t, a, b, now)
	require.Len(t, got, 4)
	// Fill priority: reliable ordered first, unreliable last.
	require.Equal(t, []byte("ordered"), got[0].Payload)
	require.Equal(t, []byte("unordered"), got[1].Payload)
	require.Equal(t, []byte("sequenced"), got[2].Payload)
	require.Equal(t, []byte("besteffort"), got[3].Payload)
}

func TestFragmentationPermutedArrival(t *testing.T) {
	a, b := newPair(t)
	now := time.Unix(0, 0)

	big := bytes.Repeat([]byte{0xAB}, 5000)
	big[0], big[4999] = 1, 2
	_, err := a.Send(chUnordered, big)
	require.NoError(t, err)

	pkts := a.BuildPackets(now, 0)
	require.Greater(t, len(pkts), 1)

	// Deliver the fragments in reverse order.
	var got []Received
	for i := len(pkts) - 1; i >= 0; i-- {
		recv, err := b.ProcessPacket(pkts[i], now)
		require.NoError(t, err)
		got = append(got, recv...)
	}
	require.Len(t, got, 1)
	require.Equal(t, big, got[0].Payload)
}

func TestOrderedBuffersGaps(t *testing.T) {
	a, b := newPair(t)
	now := time.Unix(0, 0)

	_, err := a.Send(chOrdered, []byte("first"))
	require.NoError(t, err)
	first := a.BuildPackets(now, 0)
	require.Len(t, first, 1)

	_, err = a.Send(chOrdered, []byte("second"))
	require.NoError(t, err)
	second := a.BuildPackets(now, 0)
	require.Len(t, second, 1)

	// Second arrives before first: held back until the gap fills.
	recv, err := b.ProcessPacket(second[0], now)
	require.NoError(t, err)
	require.Empty(t, recv)

	recv, err = b.ProcessPacket(first[0], now)
	require.NoError(t, err)
	require.Len(t, recv, 2)
	require.Equal(t, []byte("first"), recv[0].Payload)
	require.Equal(t, []byte("second"), recv[1].Payload)
}

func TestSequencedDropsOld(t *testing.T) {
	a, b := newPair(t)
	now := time.Unix(0, 0)

	_, err := a.Send(chSequenced, []byte("old"))
	require.NoError(t, err)
	old := a.BuildPackets(now, 0)
	_, err = a.Send(chSequenced, []byte("new"))
	require.NoError(t, err)
	new_ := a.BuildPackets(now, 0)

	recv, err := b.ProcessPacket(new_[0], now)
	require.NoError(t, err)
	require.Len(t, recv, 1)
	require.Equal(t, []byte("new"), recv[0].Payload)

	// The older slot arrives late and is dropped.
	recv, err = b.ProcessPacket(old[0], now)
	require.NoError(t, err)
	require.Empty(t, recv)
	require.Equal(t, uint64(1), b.Stats().Stale)
}

func TestDuplicatePacketAbsorbed(t *testing.T) {
	a, b := newPair(t)
	now := time.Unix(0, 0)

	_, err := a.Send(chUnordered, []byte("payload"))
	require.NoError(t, err)
	pkts := a.BuildPackets(now, 0)
	require.Len(t, pkts, 1)

	recv, err := b.ProcessPacket(pkts[0], now)
	require.NoError(t, err)
	require.Len(t, recv, 1)

	recv, err = b.ProcessPacket(pkts[0], now)
	require.NoError(t, err)
	require.Empty(t, recv)
	require.Equal(t, uint64(1), b.Stats().Duplicates)
}

func TestProtocolMismatchDropped(t *testing.T) {
	a, _ := newPair(t)
	cfg := testConfig()
	cfg.Protocol = 0xBAD
	c, err := NewMux(cfg)
	require.NoError(t, err)

	_, err = a.Send(chBestEff, []byte("x"))
	require.NoError(t, err)
	pkts := a.BuildPackets(time.Unix(0, 0), 0)
	_, err = c.ProcessPacket(pkts[0], time.Unix(0, 0))
	require.ErrorIs(t, err, wire.ErrChecksumMismatch)
}

func TestUnreliableOversizeRejected(t *testing.T) {
	a, _ := newPair(t)
	_, err := a.Send(chBestEff, bytes.Repeat([]byte{1}, 1200))
	require.ErrorIs(t, err, wire.ErrFrameTooLarge)

	_, err = a.Send(chUnordered, bytes.Repeat([]byte{1}, 65536))
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestLossRecoveryViaSweep(t *testing.T) {
	a, b := newPair(t)
	now := time.Unix(0, 0)

	_, err := a.Send(chOrdered, []byte("will-be-lost"))
	require.NoError(t, err)
	lost := a.BuildPackets(now, 0)
	require.Len(t, lost, 1)
	_ = lost // dropped by the network

	a.SweepLost(now.Add(300*time.Millisecond), 250*time.Millisecond)
	require.Equal(t, uint64(1), a.Stats().Retransmits)

	got := shuttle(t, a, b, now.Add(300*time.Millisecond))
	require.Len(t, got, 1)
	require.Equal(t, []byte("will-be-lost"), got[0].Payload)
}

func TestLossInferenceFromAckWindow(t *testing.T) {
	a, b := newPair(t)
	now := time.Unix(0, 0)

	_, err := a.Send(chUnordered, []byte("lost"))
	require.NoError(t, err)
	lostPkts := a.BuildPackets(now, 0)
	require.Len(t, lostPkts, 1) // dropped by the network

	// Enough later traffic flows (and is acked) for the lost packet's
	// sequence to age out of the 32 wide ack window.
	lostDeliveries := 0
	for i := 0; i < ackBitsSpan+4; i++ {
		_, err = a.Send(chBestEff, []byte{byte(i)})
		require.NoError(t, err)
		for _, r := range shuttle(t, a, b, now) {
			if r.Channel == chUnordered && bytes.Equal(r.Payload, []byte("lost")) {
				lostDeliveries++
			}
		}
		// The peer's acks flow back.
		shuttle(t, b, a, now)
	}
	require.GreaterOrEqual(t, a.Stats().Retransmits, uint64(1))
	require.Equal(t, 1, lostDeliveries)
}

func TestOnDelivered(t *testing.T) {
	cfg := testConfig()
	var deliveredCh uint8
	var deliveredID uint16
	var calls int
	cfg.OnDelivered = func(ch uint8, id uint16) {
		deliveredCh, deliveredID = ch, id
		calls++
	}
	a, err := NewMux(cfg)
	require.NoError(t, err)
	b, err := NewMux(testConfig())
	require.NoError(t, err)
	now := time.Unix(0, 0)

	id, err := a.Send(chOrdered, []byte("tracked"))
	require.NoError(t, err)
	shuttle(t, a, b, now)
	// The ack rides b's next packet back to a.
	shuttle(t, b, a, now)

	require.Equal(t, 1, calls)
	require.Equal(t, uint8(chOrdered), deliveredCh)
	require.Equal(t, id, deliveredID)
}

func TestAckOnlyPacketEmitted(t *testing.T) {
	a, b := newPair(t)
	now := time.Unix(0, 0)

	_, err := a.Send(chBestEff, []byte("data"))
	require.NoError(t, err)
	shuttle(t, a, b, now)

	// b has nothing to say but owes an ack.
	pkts := b.BuildPackets(now, 0)
	require.Len(t, pkts, 1)
	h, body, err := wire.DecodeHeader(pkts[0])
	require.NoError(t, err)
	require.Empty(t, body)
	require.NotZero(t, h.Ack)

	// And nothing more after that.
	require.Empty(t, b.BuildPackets(now, 0))
}

func TestPacketSeqSkipsZero(t *testing.T) {
	a, _ := newPair(t)
	a.localSeq = 0xFFFF
	now := time.Unix(0, 0)
	_, err := a.Send(chBestEff, []byte("x"))
	require.NoError(t, err)
	pkts := a.BuildPackets(now, 0)
	h, _, err := wire.DecodeHeader(pkts[0])
	require.NoError(t, err)
	require.Equal(t, uint16(1), h.Seq)
}

func TestSequenceWraparoundDelivery(t *testing.T) {
	a, b := newPair(t)
	a.localSeq = 0xFFF0
	now := time.Unix(0, 0)

	for i := 0; i < 64; i++ {
		_, err := a.Send(chOrdered, []byte{byte(i)})
		require.NoError(t, err)
		got := shuttle(t, a, b, now)
		require.Len(t, got, 1)
		require.Equal(t, byte(i), got[0].Payload[0])
		shuttle(t, b, a, now)
	}
	require.Zero(t, a.Stats().Lost)
}

func TestBackpressureDropsUnreliableFirst(t *testing.T) {
	a, _ := newPair(t)
	now := time.Unix(0, 0)

	// Queue more than one packet of reliable plus some unreliable data.
	big := bytes.Repeat([]byte{7}, 3000)
	_, err := a.Send(chOrdered, big)
	require.NoError(t, err)
	_, err = a.Send(chBestEff, []byte("droppable"))
	require.NoError(t, err)

	pkts := a.BuildPackets(now, 1)
	require.Len(t, pkts, 1)
	// Reliable fragments remain queued; the unreliable payload is gone.
	require.True(t, a.HasQueued())
	pkts = a.BuildPackets(now, 0)
	require.NotEmpty(t, pkts)
	for _, pkt := range pkts {
		_, body, err := wire.DecodeHeader(pkt)
		require.NoError(t, err)
		frames, err := wire.ParseFrames(body)
		require.NoError(t, err)
		for _, f := range frames {
			require.NotEqual(t, uint8(chBestEff), f.Channel)
		}
	}
}
