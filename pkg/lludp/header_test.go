package lludp

import (
	"bytes"
	"testing"
)

func TestHeaderRoundtrip(t *testing.T) {
	h := Header{
		Flags:    FlagReliable | FlagZeroCoded,
		Sequence: 0xDEADBEEF,
		Extra:    []byte{0x01, 0x02, 0x03},
	}
	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(b) != minHeaderSize+3 {
		t.Fatalf("header size = %d", len(b))
	}

	var h2 Header
	n, err := h2.UnmarshalBinary(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n != len(b) {
		t.Fatalf("consumed %d of %d bytes", n, len(b))
	}
	if h2.Flags != h.Flags || h2.Sequence != h.Sequence || !bytes.Equal(h2.Extra, h.Extra) {
		t.Fatalf("headers differ: %#v vs %#v", h2, h)
	}
}

func TestHeaderSequenceBigEndian(t *testing.T) {
	h := Header{Sequence: 0x01020304}
	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x00}
	if !bytes.Equal(b, want) {
		t.Fatalf("wire bytes = % X, want % X", b, want)
	}
}

func TestHeaderShortBuffer(t *testing.T) {
	var h Header
	if _, err := h.UnmarshalBinary([]byte{0x40, 0x00, 0x00}); err == nil {
		t.Fatal("expected error on short header")
	}
	// declared extra bytes missing
	if _, err := h.UnmarshalBinary([]byte{0x00, 0, 0, 0, 1, 4, 0xAA}); err == nil {
		t.Fatal("expected error on truncated extra header")
	}
}
