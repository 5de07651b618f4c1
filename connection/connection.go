// SPDX-License-Identifier: AGPL-3.0-only

package connection

import (
	"time"

	"github.com/nettick/nettick/channel"
)

// PeerID is the stable client identity assigned by the server at handshake.
type PeerID uint32

// State is a connection's lifecycle phase.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "invalid"
	}
}

// Engine reserved channel ids.  Applications bind components to these.
const (
	// ChannelReliableOrdered carries structural actions and delta
	// encoded component updates.
	ChannelReliableOrdered uint8 = 0

	// ChannelReliableUnordered carries order independent reliable
	// traffic.
	ChannelReliableUnordered uint8 = 1

	// ChannelSequenced carries latest-wins state updates.
	ChannelSequenced uint8 = 2

	// ChannelUnreliable carries inputs, handshake, clock sync and
	// keepalive.
	ChannelUnreliable uint8 = 3
)

// DefaultChannels returns the engine's channel plan.
func DefaultChannels() []channel.Desc {
	return []channel.Desc{
		{ID: ChannelReliableOrdered, Kind: channel.ReliableOrdered},
		{ID: ChannelReliableUnordered, Kind: channel.ReliableUnordered},
		{ID: ChannelSequenced, Kind: channel.UnreliableSequenced},
		{ID: ChannelUnreliable, Kind: channel.Unreliable},
	}
}

// ReliableOrderedSet reports which default channels are reliable ordered,
// for the replication sender's delta soundness check.
func ReliableOrderedSet() map[uint8]bool {
	return map[uint8]bool{ChannelReliableOrdered: true}
}

// Event is the host visible connection lifecycle notification.
type Event interface{}

// ConnectEvent reports a peer entering the connected state.
type ConnectEvent struct {
	Peer PeerID
}

// DisconnectEvent reports a peer leaving, with the Disconnect reason code.
type DisconnectEvent struct {
	Peer   PeerID
	Reason uint8
}

// ResyncEvent reports that a peer's timelines were hard reset.
type ResyncEvent struct {
	Peer PeerID
}

// Stats is a connection's rolling link diagnostics.
type Stats struct {
	RTT     time.Duration
	Jitter  time.Duration
	Channel channel.Stats
}

const (
	// keepaliveInterval is how often a Ping probes an idle link.
	keepaliveInterval = time.Second

	// handshakeResend spaces repeated Handshake sends while connecting.
	handshakeResend = 500 * time.Millisecond

	// syncInterval spaces SyncRequest exchanges during handshake; once
	// connected the clock keeps refining at syncRefreshInterval.
	syncInterval        = 100 * time.Millisecond
	syncRefreshInterval = time.Second

	// minRTO bounds the retransmission timeout from below.
	minRTO = 100 * time.Millisecond
)

// rtoFor derives the retransmission timeout from a smoothed RTT.
func rtoFor(rtt time.Duration) time.Duration {
	rto := 2 * rtt
	if rto < minRTO {
		return minRTO
	}
	return rto
}
