package lludp

import "fmt"

// Zero-run coding replaces each run of zero bytes with a 0x00 marker
// followed by a run-length byte (1..255). Runs longer than 255 emit
// repeated pairs. Non-zero bytes pass through untouched.

// ZeroEncode compresses src. The result may be longer than src when the
// input has few zero runs; callers keep whichever is shorter.
func ZeroEncode(src []byte) []byte {
	out := make([]byte, 0, len(src))
	for i := 0; i < len(src); {
		if src[i] != 0 {
			out = append(out, src[i])
			i++
			continue
		}
		run := 0
		for i < len(src) && src[i] == 0 && run < 255 {
			run++
			i++
		}
		out = append(out, 0, byte(run))
	}
	return out
}

// ZeroDecode expands src back to its original bytes. A zero marker with a
// missing or zero run-length byte is a framing error.
func ZeroDecode(src []byte) ([]byte, error) {
	out := make([]byte, 0, len(src)*2)
	for i := 0; i < len(src); i++ {
		if src[i] != 0 {
			out = append(out, src[i])
			continue
		}
		i++
		if i >= len(src) {
			return nil, fmt.Errorf("%w: zero marker at end of buffer", ErrMalformedPacket)
		}
		run := int(src[i])
		if run == 0 {
			return nil, fmt.Errorf("%w: zero-length run", ErrMalformedPacket)
		}
		for j := 0; j < run; j++ {
			out = append(out, 0)
		}
	}
	return out, nil
}
