// Package lludp implements the binary packet codec of the simulator wire
// protocol: header framing, variable-width message identifiers, zero-run
// compression and appended acknowledgements.
package lludp

import (
	"encoding/binary"
	"errors"
)

// Fixed header layout (6-byte minimum) for every datagram.
//
//	0        Flags     u8 (bit mask below)
//	1 ..4    Sequence  u32 big-endian, per-circuit, wraps at 2^32
//	5        ExtraLen  u8, count of extra header bytes
//	6 ..     Extra     ExtraLen bytes, opaque to the transport
//
// The body region (message identifier + message payload) follows the
// extra bytes and is the part zero-coding applies to.
const minHeaderSize = 6

// Flags is the header flag byte.
type Flags uint8

const (
	FlagZeroCoded Flags = 0x80 // body is zero-run compressed
	FlagReliable  Flags = 0x40 // sender expects an acknowledgement
	FlagResent    Flags = 0x20 // retransmission of an earlier sequence
	FlagAcks      Flags = 0x10 // datagram carries appended acknowledgements
)

// Has reports whether all bits of mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// Header is the fixed per-datagram framing.
type Header struct {
	Flags    Flags
	Sequence uint32
	Extra    []byte
}

// ErrMalformedPacket reports a datagram too short or internally
// inconsistent to frame. The datagram is dropped; the circuit stays alive.
var ErrMalformedPacket = errors.New("lludp: malformed packet")

// MarshalBinary encodes the header.
func (h *Header) MarshalBinary() ([]byte, error) {
	if len(h.Extra) > 255 {
		return nil, errors.New("lludp: extra header exceeds 255 bytes")
	}
	buf := make([]byte, minHeaderSize, minHeaderSize+len(h.Extra))
	buf[0] = byte(h.Flags)
	binary.BigEndian.PutUint32(buf[1:5], h.Sequence)
	buf[5] = byte(len(h.Extra))
	return append(buf, h.Extra...), nil
}

// UnmarshalBinary decodes the header and returns the number of bytes it
// occupied, including extra header bytes.
func (h *Header) UnmarshalBinary(buf []byte) (int, error) {
	if len(buf) < minHeaderSize {
		return 0, ErrMalformedPacket
	}
	h.Flags = Flags(buf[0])
	h.Sequence = binary.BigEndian.Uint32(buf[1:5])
	extraLen := int(buf[5])
	if len(buf) < minHeaderSize+extraLen {
		return 0, ErrMalformedPacket
	}
	if extraLen > 0 {
		h.Extra = append([]byte(nil), buf[minHeaderSize:minHeaderSize+extraLen]...)
	} else {
		h.Extra = nil
	}
	return minHeaderSize + extraLen, nil
}
