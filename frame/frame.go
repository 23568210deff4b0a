// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package frame implements the 3-byte RPC header used on the NPI SPI wire
// plus the frame-type/subsystem bit layout carried in the header's second
// byte.
//
// The header is { len uint8, subsys uint8, cmd uint8 } followed by len
// bytes of payload. The top 3 bits of subsys carry the frame type (POLL,
// SREQ, AREQ, SRSP); the low 5 bits carry the subsystem ID. This 3/5 split
// (not the 2/6 split suggested by an imprecise reading of the protocol
// description) is the one the wire format actually uses: RCAF-addressed
// SREQ/AREQ/SRSP frames all carry subsystem byte 0x01 in their low 5 bits
// (0x21, 0x41, 0x61), which only decodes consistently under TypeMask=0xE0,
// SubsystemMask=0x1F.
package frame

import "fmt"

// Type is the frame type carried in the top 3 bits of the subsys byte.
type Type byte

const (
	// TypePoll is the 3-byte preamble the host writes to drain one queued
	// slave-initiated frame.
	TypePoll Type = 0x00
	// TypeSREQ is a synchronous request expecting exactly one SRSP.
	TypeSREQ Type = 0x20
	// TypeAREQ is an asynchronous, fire-and-forget frame in either direction.
	TypeAREQ Type = 0x40
	// TypeSRSP is the synchronous response to a SREQ.
	TypeSRSP Type = 0x60
)

const (
	// TypeMask isolates the frame type from a subsys byte.
	TypeMask = 0xE0
	// SubsystemMask isolates the subsystem ID from a subsys byte.
	SubsystemMask = 0x1F
	// MaxPayload is the largest payload length the 1-byte len field and the
	// RNP's SPI FIFO can carry.
	MaxPayload = 250
	// HeaderLen is the fixed length of a frame header.
	HeaderLen = 3
)

func (t Type) String() string {
	switch t {
	case TypePoll:
		return "POLL"
	case TypeSREQ:
		return "SREQ"
	case TypeAREQ:
		return "AREQ"
	case TypeSRSP:
		return "SRSP"
	default:
		return fmt.Sprintf("Type(%#02x)", byte(t))
	}
}

// Header is the fixed 3-byte RPC header.
type Header struct {
	Len    uint8
	Subsys uint8
	Cmd    uint8
}

// Type extracts the frame type from the header's subsys byte.
func (h Header) Type() Type { return Type(h.Subsys & TypeMask) }

// Subsystem extracts the subsystem ID from the header's subsys byte.
func (h Header) Subsystem() uint8 { return h.Subsys & SubsystemMask }

// Illegal reports whether h is the reserved all-0xFF sentinel header, which
// must be rejected without being propagated to any caller.
func (h Header) Illegal() bool {
	return h.Len == 0xFF && h.Subsys == 0xFF && h.Cmd == 0xFF
}

// Frame is a decoded NPI frame: header plus payload.
type Frame struct {
	Header
	Payload []byte
}

// New builds a Frame, tagging the subsys byte with typ and assigning cmd and
// payload. It returns an error if the payload exceeds MaxPayload.
func New(typ Type, subsystem, cmd byte, payload []byte) (Frame, error) {
	if len(payload) > MaxPayload {
		return Frame{}, fmt.Errorf("frame: payload length %d exceeds max %d", len(payload), MaxPayload)
	}
	return Frame{
		Header: Header{
			Len:    uint8(len(payload)),
			Subsys: (byte(typ) & TypeMask) | (subsystem & SubsystemMask),
			Cmd:    cmd,
		},
		Payload: payload,
	}, nil
}

// WithType returns a copy of f with its frame type bits replaced, leaving
// the subsystem bits and the rest of the frame untouched. Used to tag an
// outgoing frame as AREQ or SREQ before transmission (§4.3.1, §4.3.2 of the
// handshake protocol).
func (f Frame) WithType(typ Type) Frame {
	f.Subsys = (byte(typ) & TypeMask) | (f.Subsys & SubsystemMask)
	return f
}

// Encode serializes the header and payload into the wire format.
func (f Frame) Encode() []byte {
	buf := make([]byte, HeaderLen+len(f.Payload))
	buf[0] = f.Len
	buf[1] = f.Subsys
	buf[2] = f.Cmd
	copy(buf[3:], f.Payload)
	return buf
}

// DecodeHeader parses the first 3 bytes of buf into a Header. It does not
// reject the illegal all-0xFF sentinel; callers must check Header.Illegal.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, fmt.Errorf("frame: short header, got %d bytes, want %d", len(buf), HeaderLen)
	}
	return Header{Len: buf[0], Subsys: buf[1], Cmd: buf[2]}, nil
}

// Poll returns the 3-byte POLL preamble frame: {len=0, subsys=POLL, cmd=0}.
func Poll() Frame {
	return Frame{Header: Header{Len: 0, Subsys: byte(TypePoll), Cmd: 0}}
}

// String renders a frame for logging: type, subsystem, command, and payload
// as hex.
func (f Frame) String() string {
	return fmt.Sprintf("%s subsys=%#02x cmd=%#02x payload=% x", f.Type(), f.Subsystem(), f.Cmd, f.Payload)
}
