package lludp

import (
	"bytes"
	"errors"
	"testing"
)

func TestMessageIDWireForms(t *testing.T) {
	cases := []struct {
		id   MessageID
		wire []byte
	}{
		{MsgStartPingCheck, []byte{0x01}},
		{MsgObjectUpdate, []byte{0x05}},
		{MsgCoarseLocationUpdate, []byte{0xFF, 0x06}},
		{MsgRegionHandshake, []byte{0xFF, 0xFF, 0xFF, 0x04}},
		{MsgPacketAck, []byte{0xFF, 0xFF, 0xFF, 0xF4}},
		{MsgAvatarAppearance, []byte{0xFF, 0xFF, 0xFE, 0xCC}},
	}
	for _, c := range cases {
		got, err := appendMessageID(nil, c.id)
		if err != nil {
			t.Fatalf("%s: %v", c.id, err)
		}
		if !bytes.Equal(got, c.wire) {
			t.Fatalf("%s: wire = % X, want % X", c.id, got, c.wire)
		}
		back, n, err := readMessageID(append(c.wire, 0xAB))
		if err != nil {
			t.Fatalf("%s: read: %v", c.id, err)
		}
		if back != c.id || n != len(c.wire) {
			t.Fatalf("%s: read back 0x%08X (%d bytes)", c.id, uint32(back), n)
		}
	}
}

func TestPacketRoundtrip(t *testing.T) {
	p, err := NewPacket(MsgChatFromViewer, []byte{1, 2, 3, 0, 0, 0, 4})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p.Reliable()
	p.Header.Sequence = 77
	p.Acks = []uint32{5, 900000}

	frame, err := p.EncodeFrame(DefaultMaxPacketSize)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != MsgChatFromViewer || got.Header.Sequence != 77 || !got.IsReliable() {
		t.Fatalf("decoded packet mismatch: %#v", got)
	}
	if !bytes.Equal(got.Body, p.Body) {
		t.Fatalf("body = % X, want % X", got.Body, p.Body)
	}
	if len(got.Acks) != 2 || got.Acks[0] != 5 || got.Acks[1] != 900000 {
		t.Fatalf("acks = %v", got.Acks)
	}
}

func TestPacketZeroCodedRoundtrip(t *testing.T) {
	body := make([]byte, 128) // mostly zeros, compression pays off
	body[0] = 9
	body[120] = 1
	p, err := NewPacket(MsgObjectUpdate, body)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	frame, err := p.EncodeFrame(DefaultMaxPacketSize)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(frame) >= minHeaderSize+1+len(body) {
		t.Fatalf("frame not compressed: %d bytes", len(frame))
	}
	got, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got.Body, body) {
		t.Fatal("zero-coded body did not survive the roundtrip")
	}
}

func TestPacketZeroCodingNotBeneficial(t *testing.T) {
	body := []byte{1, 2, 3, 4, 5} // no zeros at all
	p, err := NewPacket(MsgObjectUpdate, body)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	frame, err := p.EncodeFrame(DefaultMaxPacketSize)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if Flags(frame[0]).Has(FlagZeroCoded) {
		t.Fatal("zero-coded flag should be cleared when compression does not shrink the body")
	}
	got, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got.Body, body) {
		t.Fatalf("body = % X", got.Body)
	}
}

func TestDecodeUnknownMessage(t *testing.T) {
	h := Header{}
	hb, _ := h.MarshalBinary()
	frame := append(hb, 0x6F) // high-frequency id absent from the table
	pkt, err := DecodeFrame(frame)
	if !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("err = %v, want ErrUnknownMessage", err)
	}
	if pkt == nil {
		t.Fatal("unknown id must still return the framed packet")
	}
}

func TestDecodeUnknownMessageKeepsFraming(t *testing.T) {
	// An id our table does not know still arrives in a valid envelope.
	// The framing (sequence, flags, appended acks) must come back so the
	// caller can run reliability bookkeeping before dropping the body.
	h := Header{Flags: FlagReliable | FlagAcks, Sequence: 42}
	hb, _ := h.MarshalBinary()
	frame := append(hb, 0x6F, 0xDE, 0xAD) // unknown id, opaque body
	frame = append(frame, 0x05, 0x00, 0x00, 0x00, 0x01) // ack for seq 5, count 1

	pkt, err := DecodeFrame(frame)
	if !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("err = %v, want ErrUnknownMessage", err)
	}
	if pkt == nil {
		t.Fatal("framed packet missing")
	}
	if pkt.Header.Sequence != 42 || !pkt.IsReliable() {
		t.Fatalf("framing lost: %#v", pkt.Header)
	}
	if len(pkt.Acks) != 1 || pkt.Acks[0] != 5 {
		t.Fatalf("acks = %v, want [5]", pkt.Acks)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := DecodeFrame([]byte{0x40, 0x00}); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("short datagram: err = %v", err)
	}
	// ack flag set but trailer count larger than the datagram
	h := Header{Flags: FlagAcks}
	hb, _ := h.MarshalBinary()
	frame := append(hb, 0x01, 0xFF) // body byte + count byte claiming 255 acks
	if _, err := DecodeFrame(frame); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("bad ack trailer: err = %v", err)
	}
}

func TestEncodeOversizeFrame(t *testing.T) {
	p, err := NewPacket(MsgImageData, bytes.Repeat([]byte{0xAA}, 2000))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := p.EncodeFrame(DefaultMaxPacketSize); err == nil {
		t.Fatal("expected oversize error")
	}
}
