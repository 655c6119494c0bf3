package lludp

import (
	"encoding/binary"
	"fmt"
)

// DefaultMaxPacketSize is the largest datagram the client emits. The
// simulator enforces a hard MTU slightly above this.
const DefaultMaxPacketSize = 1200

// maxAppendedAcks is the wire limit of the appended-ack trailer: the
// count occupies a single byte.
const maxAppendedAcks = 255

// Packet is one framed datagram: header, resolved message identifier,
// decompressed body bytes, and any acknowledgements carried in the
// appended-ack trailer. Acks are consumed by the reliability engine and
// never reach message handlers.
type Packet struct {
	Header Header
	ID     MessageID
	Body   []byte
	Acks   []uint32
}

// NewPacket builds an outbound packet for id. Messages the table marks
// zero-coded get the flag set up front; EncodeFrame clears it again when
// compression does not pay off.
func NewPacket(id MessageID, body []byte) (*Packet, error) {
	info, err := Lookup(id)
	if err != nil {
		return nil, err
	}
	p := &Packet{ID: id, Body: body}
	if info.ZeroCoded {
		p.Header.Flags |= FlagZeroCoded
	}
	return p, nil
}

// Reliable marks the packet for acknowledged delivery.
func (p *Packet) Reliable() *Packet {
	p.Header.Flags |= FlagReliable
	return p
}

// IsReliable reports whether the sender expects an acknowledgement.
func (p *Packet) IsReliable() bool { return p.Header.Flags.Has(FlagReliable) }

// EncodeFrame serializes the packet to a single datagram:
// header | zero-coded(id+body) | appended acks. Zero-coding is kept only
// when it shrinks the body region; otherwise the flag is cleared, matching
// the simulator's own behavior.
func (p *Packet) EncodeFrame(maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxPacketSize
	}
	if len(p.Acks) > maxAppendedAcks {
		return nil, fmt.Errorf("lludp: %d appended acks exceeds wire limit %d", len(p.Acks), maxAppendedAcks)
	}

	body, err := appendMessageID(nil, p.ID)
	if err != nil {
		return nil, err
	}
	body = append(body, p.Body...)

	if p.Header.Flags.Has(FlagZeroCoded) {
		if enc := ZeroEncode(body); len(enc) < len(body) {
			body = enc
		} else {
			p.Header.Flags &^= FlagZeroCoded
		}
	}
	if len(p.Acks) > 0 {
		p.Header.Flags |= FlagAcks
	} else {
		p.Header.Flags &^= FlagAcks
	}

	hdr, err := p.Header.MarshalBinary()
	if err != nil {
		return nil, err
	}
	frame := append(hdr, body...)
	// Ack trailer sits after the (possibly compressed) body: n little-endian
	// u32 sequence numbers followed by the count byte.
	for _, seq := range p.Acks {
		frame = binary.LittleEndian.AppendUint32(frame, seq)
	}
	if len(p.Acks) > 0 {
		frame = append(frame, byte(len(p.Acks)))
	}
	if len(frame) > maxSize {
		return nil, fmt.Errorf("lludp: %s frame is %d bytes, exceeds max %d", p.ID, len(frame), maxSize)
	}
	return frame, nil
}

// DecodeFrame parses one inbound datagram. Short or inconsistent framing
// returns ErrMalformedPacket with a nil packet. An identifier outside the
// closed table returns ErrUnknownMessage (wrapped) together with the
// framed packet: its header, sequence and appended acks are valid and the
// caller's reliability bookkeeping still needs them even though the body
// is dropped. Both outcomes leave the circuit usable.
func DecodeFrame(data []byte) (*Packet, error) {
	p := &Packet{}
	n, err := p.Header.UnmarshalBinary(data)
	if err != nil {
		return nil, err
	}
	region := data[n:]

	if p.Header.Flags.Has(FlagAcks) {
		if len(region) < 1 {
			return nil, fmt.Errorf("%w: ack flag set on empty body", ErrMalformedPacket)
		}
		count := int(region[len(region)-1])
		trailer := count*4 + 1
		if count == 0 || len(region) < trailer {
			return nil, fmt.Errorf("%w: ack trailer count %d exceeds datagram", ErrMalformedPacket, count)
		}
		ackStart := len(region) - trailer
		p.Acks = make([]uint32, 0, count)
		for off := ackStart; off < len(region)-1; off += 4 {
			p.Acks = append(p.Acks, binary.LittleEndian.Uint32(region[off:]))
		}
		region = region[:ackStart]
	}

	if p.Header.Flags.Has(FlagZeroCoded) {
		if region, err = ZeroDecode(region); err != nil {
			return nil, err
		}
	}

	id, idLen, err := readMessageID(region)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	p.ID = id
	p.Body = region[idLen:]
	if _, err := Lookup(id); err != nil {
		return p, err
	}
	return p, nil
}
