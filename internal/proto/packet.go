package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"stately/internal/state"
)

// Binary layout (big endian):
//
//	0      version
//	1      type
//	2      ttl
//	3-10   timestamp, ms since epoch
//	11-12  payload length
//	13-20  sender id, zero padded
//	21..   payload
const (
	Version      = 1
	HeaderSize   = 13
	SenderIDSize = state.PeerIDSize
	MinFrameSize = HeaderSize + SenderIDSize
	MaxPayload   = math.MaxUint16

	senderOffset  = HeaderSize
	payloadOffset = HeaderSize + SenderIDSize
)

const (
	TypeAnnounce    uint8 = 0x01
	TypeKeyExchange uint8 = 0x02
	TypeLeave       uint8 = 0x03
	TypeStateUpdate uint8 = 0x0A
)

var (
	ErrMalformed        = errors.New("malformed packet")
	ErrEncodingTooLarge = errors.New("payload exceeds u16 length")
)

type Packet struct {
	Version   uint8
	Type      uint8
	TTL       uint8
	Timestamp uint64
	SenderID  []byte
	Payload   []byte
}

func EncodePacket(p Packet) ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrEncodingTooLarge, len(p.Payload))
	}
	out := make([]byte, MinFrameSize+len(p.Payload))
	out[0] = p.Version
	out[1] = p.Type
	out[2] = p.TTL
	binary.BigEndian.PutUint64(out[3:11], p.Timestamp)
	binary.BigEndian.PutUint16(out[11:13], uint16(len(p.Payload)))
	sender := p.SenderID
	if len(sender) > SenderIDSize {
		sender = sender[:SenderIDSize]
	}
	copy(out[senderOffset:payloadOffset], sender)
	copy(out[payloadOffset:], p.Payload)
	return out, nil
}

func DecodePacket(data []byte) (Packet, error) {
	if len(data) < MinFrameSize {
		return Packet{}, fmt.Errorf("%w: short buffer", ErrMalformed)
	}
	if data[0] != Version {
		return Packet{}, fmt.Errorf("%w: unsupported version %d", ErrMalformed, data[0])
	}
	n := int(binary.BigEndian.Uint16(data[11:13]))
	if len(data) < MinFrameSize+n {
		return Packet{}, fmt.Errorf("%w: payload length mismatch", ErrMalformed)
	}
	sender := data[senderOffset:payloadOffset]
	if i := bytes.IndexByte(sender, 0); i >= 0 {
		sender = sender[:i]
	}
	p := Packet{
		Version:   data[0],
		Type:      data[1],
		TTL:       data[2],
		Timestamp: binary.BigEndian.Uint64(data[3:11]),
		SenderID:  append([]byte(nil), sender...),
		Payload:   append([]byte(nil), data[payloadOffset:payloadOffset+n]...),
	}
	return p, nil
}

func NewStatePacket(ps state.PeerState, sender state.PeerID, now time.Time) (Packet, error) {
	payload, err := EncodeStatePayload(ps)
	if err != nil {
		return Packet{}, err
	}
	return Packet{
		Version:   Version,
		Type:      TypeStateUpdate,
		TTL:       state.DefaultTTL,
		Timestamp: uint64(now.UnixMilli()),
		SenderID:  []byte(sender),
		Payload:   payload,
	}, nil
}

// Relayed returns the packet as it should be re-sent one hop further. The
// caller must have checked TTL > 0.
func (p Packet) Relayed() Packet {
	out := p
	out.TTL = p.TTL - 1
	return out
}

func (p Packet) Sender() state.PeerID {
	return state.PeerID(p.SenderID)
}

func (p Packet) Time() time.Time {
	return time.UnixMilli(int64(p.Timestamp))
}
