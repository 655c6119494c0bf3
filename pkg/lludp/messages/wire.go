// Package messages holds typed encode/decode for the message bodies the
// client itself interprets: circuit handshake, control traffic, ping
// keepalive, chat, and compressed object updates.
package messages

import (
	"encoding/binary"
	"fmt"
	"math"

	"gridlink/pkg/types"
)

// reader walks a message body with a sticky error, so decode code reads
// field by field and checks once at the end.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) fail(what string) {
	if r.err == nil {
		r.err = fmt.Errorf("messages: truncated body reading %s at offset %d (len %d)", what, r.off, len(r.b))
	}
}

func (r *reader) u8() byte {
	if r.err != nil || r.off+1 > len(r.b) {
		r.fail("u8")
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	if r.err != nil || r.off+2 > len(r.b) {
		r.fail("u16")
		return 0
	}
	v := binary.LittleEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	if r.err != nil || r.off+4 > len(r.b) {
		r.fail("u32")
		return 0
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if r.err != nil || r.off+8 > len(r.b) {
		r.fail("u64")
		return 0
	}
	v := binary.LittleEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v
}

func (r *reader) f32() float32 {
	return math.Float32frombits(r.u32())
}

func (r *reader) id() types.ID {
	if r.err != nil || r.off+16 > len(r.b) {
		r.fail("id")
		return types.ZeroID
	}
	id, _ := types.ReadID(r.b, r.off)
	r.off += 16
	return id
}

func (r *reader) vector3() types.Vector3 {
	if r.err != nil || r.off+12 > len(r.b) {
		r.fail("vector3")
		return types.Vector3{}
	}
	v, _ := types.ReadVector3(r.b, r.off)
	r.off += 12
	return v
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil || r.off+n > len(r.b) {
		r.fail("bytes")
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

// str reads a u16-length-prefixed UTF-8 string.
func (r *reader) str() string {
	n := int(r.u16())
	return string(r.bytes(n))
}

func (r *reader) remaining() int { return len(r.b) - r.off }

// writer is the encode-side counterpart; appends never fail.
type writer struct {
	b []byte
}

func (w *writer) u8(v byte)    { w.b = append(w.b, v) }
func (w *writer) u16(v uint16) { w.b = binary.LittleEndian.AppendUint16(w.b, v) }
func (w *writer) u32(v uint32) { w.b = binary.LittleEndian.AppendUint32(w.b, v) }
func (w *writer) u64(v uint64) { w.b = binary.LittleEndian.AppendUint64(w.b, v) }
func (w *writer) f32(v float32) {
	w.b = binary.LittleEndian.AppendUint32(w.b, math.Float32bits(v))
}
func (w *writer) id(id types.ID)          { w.b = types.AppendID(w.b, id) }
func (w *writer) vector3(v types.Vector3) { w.b = types.AppendVector3(w.b, v) }
func (w *writer) bytes(p []byte)          { w.b = append(w.b, p...) }

func (w *writer) str(s string) {
	w.u16(uint16(len(s)))
	w.b = append(w.b, s...)
}
