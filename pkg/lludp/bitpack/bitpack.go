// Package bitpack is the quantization codec for compressed movement and
// object-state fields: arbitrary bit-width reads/writes over a byte
// buffer, bounded-float quantization, and the packed vector/rotation
// encodings built from them.
package bitpack

import (
	"errors"
	"fmt"
	"math"
)

// ErrShortBuffer reports a bit read past the end of the buffer.
var ErrShortBuffer = errors.New("bitpack: buffer too short")

// ReadBits extracts n bits (n <= 32) starting at bit offset off,
// most-significant-bit first, spanning byte boundaries as needed.
func ReadBits(buf []byte, off, n int) (uint32, error) {
	if n < 0 || n > 32 {
		return 0, fmt.Errorf("bitpack: invalid bit count %d", n)
	}
	if n == 0 {
		return 0, nil
	}
	startByte := off / 8
	endByte := (off + n - 1) / 8
	if off < 0 || endByte >= len(buf) {
		return 0, fmt.Errorf("%w: need %d bits at offset %d, have %d bytes", ErrShortBuffer, n, off, len(buf))
	}
	var window uint64
	for i := startByte; i <= endByte; i++ {
		window = window<<8 | uint64(buf[i])
	}
	windowBits := (endByte - startByte + 1) * 8
	window >>= uint(windowBits - (off%8 + n))
	if n == 32 {
		return uint32(window), nil
	}
	return uint32(window) & (1<<uint(n) - 1), nil
}

// ReadSignedBits reads n bits as an unsigned value and two's-complement
// adjusts it when the top bit is set.
func ReadSignedBits(buf []byte, off, n int) (int32, error) {
	raw, err := ReadBits(buf, off, n)
	if err != nil {
		return 0, err
	}
	if n > 0 && n < 32 && raw&(1<<uint(n-1)) != 0 {
		return int32(raw) - 1<<uint(n), nil
	}
	return int32(raw), nil
}

// WriteBits stores the low n bits of v at bit offset off, MSB first. The
// buffer must already be large enough.
func WriteBits(buf []byte, off, n int, v uint32) error {
	if n < 0 || n > 32 {
		return fmt.Errorf("bitpack: invalid bit count %d", n)
	}
	if n == 0 {
		return nil
	}
	endByte := (off + n - 1) / 8
	if off < 0 || endByte >= len(buf) {
		return fmt.Errorf("%w: need %d bits at offset %d, have %d bytes", ErrShortBuffer, n, off, len(buf))
	}
	for i := n - 1; i >= 0; i-- {
		bit := off + (n - 1 - i)
		mask := byte(1 << uint(7-bit%8))
		if v&(1<<uint(i)) != 0 {
			buf[bit/8] |= mask
		} else {
			buf[bit/8] &^= mask
		}
	}
	return nil
}

// Dequantize maps an n-bit raw value onto [min, max]:
// min + raw/(2^n-1) * (max-min).
func Dequantize(raw uint32, n int, min, max float32) float32 {
	if n <= 0 {
		return min
	}
	var steps float64
	if n >= 32 {
		steps = float64(math.MaxUint32)
	} else {
		steps = float64(uint64(1)<<uint(n) - 1)
	}
	return min + float32(float64(raw)/steps*float64(max-min))
}

// Quantize is the inverse of Dequantize: nearest integer in [0, 2^n-1].
// Round-tripping stays within one quantization step of the input.
func Quantize(v float32, n int, min, max float32) uint32 {
	if n <= 0 || max <= min {
		return 0
	}
	var steps float64
	if n >= 32 {
		steps = float64(math.MaxUint32)
	} else {
		steps = float64(uint64(1)<<uint(n) - 1)
	}
	norm := (float64(v) - float64(min)) / float64(max-min)
	if norm < 0 {
		norm = 0
	} else if norm > 1 {
		norm = 1
	}
	return uint32(math.Round(norm * steps))
}
