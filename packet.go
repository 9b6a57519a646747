// Package rcon implements a client for the Source RCON protocol: a
// length-prefixed, request/response binary protocol over TCP used to
// authenticate against a remote server and run console commands.
//
// Replies may be split across several packets and the protocol has no
// end-of-reply marker. The client follows every request with an empty
// RESPONSE_VALUE packet (the sentinel); the server answers packets in order,
// so the echo of the sentinel marks the end of the reply.
package rcon

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// PacketType is the type field of a packet.
type PacketType int32

// Packet types as published for Source RCON.
// TypeExecCommand and TypeAuthResponse share a code; direction tells them apart.
const (
	TypeResponseValue PacketType = 0
	TypeExecCommand   PacketType = 2
	TypeAuthResponse  PacketType = 2
	TypeAuth          PacketType = 3
)

var knownTypes = map[PacketType]struct{}{
	TypeResponseValue: {},
	TypeExecCommand:   {},
	TypeAuth:          {},
}

// Wire layout sizes.
const (
	sizeFieldLength = 4
	idFieldLength   = 4
	typeFieldLength = 4
	terminators     = 2 // body terminator + trailing empty string

	// minPacketSize is the size field of a packet with an empty body.
	minPacketSize = idFieldLength + typeFieldLength + terminators
	// headerLength is the number of bytes before the body.
	headerLength = sizeFieldLength + idFieldLength + typeFieldLength
)

// MaxPacketID is the largest valid packet id.
const MaxPacketID = math.MaxInt32

// Packet is a single protocol message.
type Packet struct {
	ID   int32
	Type PacketType
	Body string
}

// Size returns the value of the size field for p.
func (p Packet) Size() int32 {
	return int32(minPacketSize + len(p.Body))
}

// ValidID reports whether id may be sent on the wire.
// Valid ids are 1..MaxPacketID; the upper bound is the range of int32.
func ValidID(id int32) bool {
	return id > 0
}

// ValidType reports whether t is one of the recognized packet types.
func ValidType(t PacketType) bool {
	_, ok := knownTypes[t]
	return ok
}

func validBody(body string) bool {
	return strings.IndexByte(body, 0) < 0
}

// Encode builds the wire form of a packet.
func Encode(id int32, typ PacketType, body string) ([]byte, error) {
	if !ValidID(id) {
		return nil, errors.Wrapf(ErrInvalidArgument, "packet id %d out of range", id)
	}
	if !ValidType(typ) {
		return nil, errors.Wrapf(ErrInvalidArgument, "unknown packet type %d", typ)
	}
	if !validBody(body) {
		return nil, errors.Wrap(ErrInvalidArgument, "body contains a null byte")
	}

	return encode(id, typ, body), nil
}

// encode lays out a packet without validating it. Servers use it to send
// the -1 id that signals a failed authentication.
func encode(id int32, typ PacketType, body string) []byte {
	buf := make([]byte, headerLength+len(body)+terminators)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(minPacketSize+len(body)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(id))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(typ))
	copy(buf[headerLength:], body)
	// trailing two bytes are already zero

	return buf
}

// Decode parses a complete frame, size field included.
// The id and type are returned as received; callers decide what they accept.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < headerLength+terminators {
		return Packet{}, errors.Wrapf(ErrMalformedPacket, "frame of %d bytes is too short", len(buf))
	}

	size := int32(binary.LittleEndian.Uint32(buf[0:4]))
	if int(size) != len(buf)-sizeFieldLength {
		return Packet{}, errors.Wrapf(ErrMalformedPacket, "size field %d does not match %d remaining bytes",
			size, len(buf)-sizeFieldLength)
	}

	end := len(buf) - terminators
	if buf[end] != 0 || buf[end+1] != 0 {
		return Packet{}, errors.Wrap(ErrMalformedPacket, "missing null terminators")
	}

	return Packet{
		ID:   int32(binary.LittleEndian.Uint32(buf[4:8])),
		Type: PacketType(binary.LittleEndian.Uint32(buf[8:12])),
		Body: string(buf[headerLength:end]),
	}, nil
}

// RewriteID overwrites the id field of an encoded packet in place and
// returns the same slice.
func RewriteID(buf []byte, id int32) ([]byte, error) {
	if !ValidID(id) {
		return nil, errors.Wrapf(ErrInvalidArgument, "packet id %d out of range", id)
	}
	if len(buf) < headerLength {
		return nil, errors.Wrapf(ErrInvalidArgument, "buffer of %d bytes has no id field", len(buf))
	}

	binary.LittleEndian.PutUint32(buf[4:8], uint32(id))
	return buf, nil
}
