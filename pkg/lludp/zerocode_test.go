package lludp

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestZeroCodeRoundtrip(t *testing.T) {
	cases := [][]byte{
		{},
		{1, 2, 3},
		{0},
		{0, 0, 0, 0},
		{1, 0, 0, 2, 0, 3},
		bytes.Repeat([]byte{0}, 300), // run longer than one length byte
		append(bytes.Repeat([]byte{0}, 255), 7),
	}
	for _, in := range cases {
		dec, err := ZeroDecode(ZeroEncode(in))
		if err != nil {
			t.Fatalf("decode(% X): %v", in, err)
		}
		if !bytes.Equal(dec, in) {
			t.Fatalf("roundtrip mismatch for % X: got % X", in, dec)
		}
	}
}

func TestZeroCodeRoundtripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		in := make([]byte, rng.Intn(600))
		for j := range in {
			// Bias toward zeros so runs actually occur.
			if rng.Intn(3) == 0 {
				in[j] = byte(rng.Intn(256))
			}
		}
		dec, err := ZeroDecode(ZeroEncode(in))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !bytes.Equal(dec, in) {
			t.Fatalf("roundtrip mismatch at iteration %d", i)
		}
	}
}

func TestZeroDecodeMalformed(t *testing.T) {
	if _, err := ZeroDecode([]byte{1, 2, 0}); err == nil {
		t.Fatal("expected error for zero marker at end")
	}
	if _, err := ZeroDecode([]byte{0, 0}); err == nil {
		t.Fatal("expected error for zero-length run")
	}
}
