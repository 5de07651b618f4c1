// SPDX-License-Identifier: AGPL-3.0-only

package commands

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nettick/nettick/core/tick"
)

func roundTrip(t *testing.T, c Command) Command {
	t.Helper()
	b, err := c.ToBytes()
	require.NoError(t, err)
	got, err := FromBytes(b)
	require.NoError(t, err)
	return got
}

func TestControlRoundTrips(t *testing.T) {
	hs := roundTrip(t, &Handshake{Protocol: 42, SessionKey: []byte("key-material")})
	require.Equal(t, &Handshake{Protocol: 42, SessionKey: []byte("key-material")}, hs)

	ack := roundTrip(t, &HandshakeAck{ClientID: 7})
	require.Equal(t, &HandshakeAck{ClientID: 7}, ack)

	sr := roundTrip(t, &SyncRequest{ClientSendTime: 123456789})
	require.Equal(t, &SyncRequest{ClientSendTime: 123456789}, sr)

	resp := roundTrip(t, &SyncResponse{
		ClientSendTime: 123456789,
		ServerTick:     tick.Tick(65000),
		ServerRecvTime: 1,
		ServerSendTime: 2,
	})
	require.Equal(t, tick.Tick(65000), resp.(*SyncResponse).ServerTick)

	require.Equal(t, &Ping{Seq: 3}, roundTrip(t, &Ping{Seq: 3}))
	require.Equal(t, &Pong{Seq: 3}, roundTrip(t, &Pong{Seq: 3}))
	require.Equal(t, &Disconnect{Reason: DisconnectTimeout}, roundTrip(t, &Disconnect{Reason: DisconnectTimeout}))
}

func TestEntityActionsRoundTrip(t *testing.T) {
	c := &EntityActions{
		Tick: tick.Tick(900),
		Actions: []EntityAction{
			{Kind: ActionSpawn, Entity: 11, Predicted: true},
			{Kind: ActionAddComponent, Entity: 11, Component: 2, Payload: []byte{1, 2, 3}},
			{Kind: ActionDespawn, Entity: 9},
		},
	}
	got := roundTrip(t, c).(*EntityActions)
	require.Equal(t, c.Tick, got.Tick)
	require.Equal(t, c.Actions, got.Actions)
}

func TestInputRoundTrip(t *testing.T) {
	c := &Input{TargetTick: tick.Tick(65535), DiffCount: 4, Payload: []byte{0xAA, 0xBB}}
	got := roundTrip(t, c).(*Input)
	require.Equal(t, c.TargetTick, got.TargetTick)
	require.Equal(t, c.DiffCount, got.DiffCount)
	require.Equal(t, c.Payload, got.Payload)

	// Fixed layout: type byte, tick LE, diff count, payload.
	b, err := c.ToBytes()
	require.NoError(t, err)
	require.Equal(t, []byte{idInput, 0xFF, 0xFF, 0x04, 0xAA, 0xBB}, b)
}

func TestEntityUpdatesRoundTrip(t *testing.T) {
	c := &EntityUpdates{
		Tick: tick.Tick(100),
		Updates: []EntityUpdate{
			{
				Entity: 0xDEADBEEF,
				Components: []ComponentUpdate{
					{ID: 1, Data: []byte{9, 8, 7, 6}},
					{ID: 2, Data: nil},
				},
			},
			{Entity: 2},
		},
	}
	got := roundTrip(t, c).(*EntityUpdates)
	require.Equal(t, c.Tick, got.Tick)
	require.Len(t, got.Updates, 2)
	require.Equal(t, uint32(0xDEADBEEF), got.Updates[0].Entity)
	require.Equal(t, []byte{9, 8, 7, 6}, got.Updates[0].Components[0].Data)
	require.Empty(t, got.Updates[0].Components[1].Data)
	require.Empty(t, got.Updates[1].Components)
}

func TestEntityUpdatesWireLayout(t *testing.T) {
	c := &EntityUpdates{
		Tick: tick.Tick(0x0102),
		Updates: []EntityUpdate{
			{Entity: 0x04030201, Components: []ComponentUpdate{{ID: 0x0A0B, Data: []byte{0xFF}}}},
		},
	}
	b, err := c.ToBytes()
	require.NoError(t, err)
	require.Equal(t, []byte{
		idEntityUpdates,
		0x02, 0x01, // tick
		0x01, 0x00, // n
		0x01, 0x02, 0x03, 0x04, // entity id
		0x01,       // m
		0x0B, 0x0A, // comp id
		0x01, 0x00, // len
		0xFF,
	}, b)
}

func TestFromBytesErrors(t *testing.T) {
	_, err := FromBytes(nil)
	require.ErrorIs(t, err, ErrShortCommand)

	_, err = FromBytes([]byte{0xEE})
	require.ErrorIs(t, err, ErrUnknownCommand)

	// Truncated entity updates body.
	c := &EntityUpdates{
		Tick:    tick.Tick(1),
		Updates: []EntityUpdate{{Entity: 1, Components: []ComponentUpdate{{ID: 1, Data: []byte{1, 2, 3}}}}},
	}
	b, err := c.ToBytes()
	require.NoError(t, err)
	_, err = FromBytes(b[:len(b)-1])
	require.ErrorIs(t, err, ErrShortCommand)
}
