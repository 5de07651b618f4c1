// SPDX-License-Identifier: AGPL-3.0-only

// Package commands implements the message kinds exchanged over the channel
// layer.  Control messages are serialized with cbor; the two hot path bodies
// (EntityUpdates and Input) use a fixed little endian layout.
package commands

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/nettick/nettick/core/tick"
)

const (
	idHandshake byte = iota + 1
	idHandshakeAck
	idInput
	idEntityActions
	idEntityUpdates
	idAck
	idPing
	idPong
	idSyncRequest
	idSyncResponse
	idDisconnect
)

var (
	// ErrUnknownCommand is returned when the leading type byte is not a
	// known message kind.
	ErrUnknownCommand = errors.New("commands: unknown command type")

	// ErrShortCommand is returned for truncated bodies.
	ErrShortCommand = errors.New("commands: truncated command")
)

// Command is the unit of exchange above the channel layer.
type Command interface {
	// ToBytes serializes the command, type byte included.
	ToBytes() ([]byte, error)
}

// Handshake opens a connection.
type Handshake struct {
	Protocol   uint64
	SessionKey []byte
}

// HandshakeAck accepts a Handshake and assigns the peer identity.
type HandshakeAck struct {
	ClientID uint32
}

// Input carries the diff encoded input chain targeting a tick.  The payload
// layout is owned by the input package; DiffCount is the number of chained
// diffs following the head snapshot.
type Input struct {
	TargetTick tick.Tick
	DiffCount  uint8
	Payload    []byte
}

// ActionKind discriminates structural entity actions.
type ActionKind uint8

const (
	ActionSpawn ActionKind = iota + 1
	ActionDespawn
	ActionAddComponent
	ActionRemoveComponent
)

// EntityAction is one structural mutation: spawn, despawn, or a component
// add/remove.  Predicted marks spawned entities for the prediction path on
// the client; interpolated otherwise.
type EntityAction struct {
	Kind      ActionKind
	Entity    uint32
	Component uint16
	Predicted bool
	Payload   []byte
}

// EntityActions carries the structural actions recorded at a tick.
type EntityActions struct {
	Tick    tick.Tick
	Actions []EntityAction
}

// ComponentUpdate is one component value within an entity update.
type ComponentUpdate struct {
	ID   uint16
	Data []byte
}

// EntityUpdate groups the changed components of one entity.
type EntityUpdate struct {
	Entity     uint32
	Components []ComponentUpdate
}

// EntityUpdates carries the component value mutations recorded at a tick.
type EntityUpdates struct {
	Tick    tick.Tick
	Updates []EntityUpdate
}

// Ack carries acknowledgement state as a command.  The channel layer does not
// send it: when no data is flowing it acknowledges with header-only packets.
type Ack struct {
	Ack     uint16
	AckBits uint32
}

// Ping is the keepalive probe; Seq correlates the Pong.
type Ping struct {
	Seq uint16
}

// Pong answers a Ping.
type Pong struct {
	Seq uint16
}

// SyncRequest starts one clock synchronization exchange.  Times are Unix
// nanoseconds from the producing side's wall clock; the other side only
// echoes them back or takes the difference of two of them.
type SyncRequest struct {
	ClientSendTime int64
}

// SyncResponse completes a clock synchronization exchange.
type SyncResponse struct {
	ClientSendTime int64
	ServerTick     tick.Tick
	ServerRecvTime int64
	ServerSendTime int64
}

// Disconnect tears a connection down.
type Disconnect struct {
	Reason uint8
}

// Disconnect reasons.
const (
	DisconnectByPeer uint8 = iota + 1
	DisconnectTimeout
	DisconnectProtocolViolation
	DisconnectResyncFailed
)

func cborCommand(id byte, v interface{}) ([]byte, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte{id}, b...), nil
}

// ToBytes implements Command.
func (c *Handshake) ToBytes() ([]byte, error) { return cborCommand(idHandshake, c) }

// ToBytes implements Command.
func (c *HandshakeAck) ToBytes() ([]byte, error) { return cborCommand(idHandshakeAck, c) }

// ToBytes implements Command.
func (c *EntityActions) ToBytes() ([]byte, error) { return cborCommand(idEntityActions, c) }

// ToBytes implements Command.
func (c *Ack) ToBytes() ([]byte, error) { return cborCommand(idAck, c) }

// ToBytes implements Command.
func (c *Ping) ToBytes() ([]byte, error) { return cborCommand(idPing, c) }

// ToBytes implements Command.
func (c *Pong) ToBytes() ([]byte, error) { return cborCommand(idPong, c) }

// ToBytes implements Command.
func (c *SyncRequest) ToBytes() ([]byte, error) { return cborCommand(idSyncRequest, c) }

// ToBytes implements Command.
func (c *SyncResponse) ToBytes() ([]byte, error) { return cborCommand(idSyncResponse, c) }

// ToBytes implements Command.
func (c *Disconnect) ToBytes() ([]byte, error) { return cborCommand(idDisconnect, c) }

// ToBytes implements Command.  Layout:
// target_tick:u16 | diff_count:u8 | payload.
func (c *Input) ToBytes() ([]byte, error) {
	b := make([]byte, 0, 4+len(c.Payload))
	b = append(b, idInput)
	var hdr [3]byte
	binary.LittleEndian.PutUint16(hdr[0:], uint16(c.TargetTick))
	hdr[2] = c.DiffCount
	b = append(b, hdr[:]...)
	return append(b, c.Payload...), nil
}

// ToBytes implements Command.  Layout:
// tick:u16 | n:u16 | [entity_id:u32 | m:u8 | [comp_id:u16 len:u16 bytes]].
func (c *EntityUpdates) ToBytes() ([]byte, error) {
	if len(c.Updates) > 0xFFFF {
		return nil, fmt.Errorf("commands: %d entity updates exceed u16", len(c.Updates))
	}
	b := []byte{idEntityUpdates}
	var u16 [2]byte
	var u32 [4]byte
	binary.LittleEndian.PutUint16(u16[:], uint16(c.Tick))
	b = append(b, u16[:]...)
	binary.LittleEndian.PutUint16(u16[:], uint16(len(c.Updates)))
	b = append(b, u16[:]...)
	for _, u := range c.Updates {
		if len(u.Components) > 0xFF {
			return nil, fmt.Errorf("commands: %d component updates exceed u8", len(u.Components))
		}
		binary.LittleEndian.PutUint32(u32[:], u.Entity)
		b = append(b, u32[:]...)
		b = append(b, uint8(len(u.Components)))
		for _, cu := range u.Components {
			if len(cu.Data) > 0xFFFF {
				return nil, fmt.Errorf("commands: component %d value exceeds u16 length", cu.ID)
			}
			binary.LittleEndian.PutUint16(u16[:], cu.ID)
			b = append(b, u16[:]...)
			binary.LittleEndian.PutUint16(u16[:], uint16(len(cu.Data)))
			b = append(b, u16[:]...)
			b = append(b, cu.Data...)
		}
	}
	return b, nil
}

// FromBytes parses a serialized command.
func FromBytes(b []byte) (Command, error) {
	if len(b) == 0 {
		return nil, ErrShortCommand
	}
	id, body := b[0], b[1:]
	switch id {
	case idHandshake:
		c := new(Handshake)
		return c, cbor.Unmarshal(body, c)
	case idHandshakeAck:
		c := new(HandshakeAck)
		return c, cbor.Unmarshal(body, c)
	case idEntityActions:
		c := new(EntityActions)
		return c, cbor.Unmarshal(body, c)
	case idAck:
		c := new(Ack)
		return c, cbor.Unmarshal(body, c)
	case idPing:
		c := new(Ping)
		return c, cbor.Unmarshal(body, c)
	case idPong:
		c := new(Pong)
		return c, cbor.Unmarshal(body, c)
	case idSyncRequest:
		c := new(SyncRequest)
		return c, cbor.Unmarshal(body, c)
	case idSyncResponse:
		c := new(SyncResponse)
		return c, cbor.Unmarshal(body, c)
	case idDisconnect:
		c := new(Disconnect)
		return c, cbor.Unmarshal(body, c)
	case idInput:
		return inputFromBytes(body)
	case idEntityUpdates:
		return entityUpdatesFromBytes(body)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownCommand, id)
	}
}

func inputFromBytes(body []byte) (*Input, error) {
	if len(body) < 3 {
		return nil, ErrShortCommand
	}
	return &Input{
		TargetTick: tick.Tick(binary.LittleEndian.Uint16(body[0:])),
		DiffCount:  body[2],
		Payload:    body[3:],
	}, nil
}

func entityUpdatesFromBytes(body []byte) (*EntityUpdates, error) {
	if len(body) < 4 {
		return nil, ErrShortCommand
	}
	c := &EntityUpdates{Tick: tick.Tick(binary.LittleEndian.Uint16(body[0:]))}
	n := int(binary.LittleEndian.Uint16(body[2:]))
	body = body[4:]
	for i := 0; i < n; i++ {
		if len(body) < 5 {
			return nil, ErrShortCommand
		}
		u := EntityUpdate{Entity: binary.LittleEndian.Uint32(body[0:])}
		m := int(body[4])
		body = body[5:]
		for j := 0; j < m; j++ {
			if len(body) < 4 {
				return nil, ErrShortCommand
			}
			id := binary.LittleEndian.Uint16(body[0:])
			l := int(binary.LittleEndian.Uint16(body[2:]))
			body = body[4:]
			if len(body) < l {
				return nil, ErrShortCommand
			}
			u.Components = append(u.Components, ComponentUpdate{ID: id, Data: body[:l]})
			body = body[l:]
		}
		c.Updates = append(c.Updates, u)
	}
	if len(body) != 0 {
		return nil, fmt.Errorf("commands: %d trailing bytes after entity updates", len(body))
	}
	return c, nil
}
