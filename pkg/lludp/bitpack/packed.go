package bitpack

import (
	"math"

	"gridlink/pkg/types"
)

// FieldSpec describes how one scalar is packed: bit width, dequantized
// range, and signedness. Specs are protocol constants, fixed per update
// kind, never computed at runtime.
type FieldSpec struct {
	Bits     int
	Min, Max float32
	Signed   bool
}

// VectorSpec packs three independent per-axis field specs.
type VectorSpec [3]FieldSpec

// UpdateKind selects the constant table a compressed update was packed
// with. Avatars, prims and attachments use different widths and ranges,
// as do full versus terse updates.
type UpdateKind int

const (
	UpdateAvatarTerse UpdateKind = iota
	UpdatePrimTerse
	UpdateAttachment
)

// Protocol constants for the compressed update encodings.
const (
	regionExtent     = 256.0  // horizontal meters covered by one region
	regionHeight     = 4096.0 // maximum dequantized Z
	velocityRange    = 64.0
	accelRange       = 64.0
	attachmentRange  = 10.0
	avatarTerseRange = 4.0
)

func symmetric(bits int, r float32) FieldSpec {
	return FieldSpec{Bits: bits, Min: -r, Max: r, Signed: true}
}

// Position specs per update kind.
var positionSpecs = map[UpdateKind]VectorSpec{
	UpdateAvatarTerse: {
		symmetric(8, avatarTerseRange),
		symmetric(8, avatarTerseRange),
		symmetric(8, avatarTerseRange),
	},
	UpdatePrimTerse: {
		{Bits: 16, Min: 0, Max: regionExtent},
		{Bits: 16, Min: 0, Max: regionExtent},
		{Bits: 16, Min: 0, Max: regionHeight},
	},
	UpdateAttachment: {
		symmetric(8, attachmentRange),
		symmetric(8, attachmentRange),
		symmetric(8, attachmentRange),
	},
}

// VelocitySpec is shared by every update kind: 8 signed bits over ±64 m/s.
var VelocitySpec = VectorSpec{
	symmetric(8, velocityRange),
	symmetric(8, velocityRange),
	symmetric(8, velocityRange),
}

// AccelerationSpec mirrors VelocitySpec.
var AccelerationSpec = VectorSpec{
	symmetric(8, accelRange),
	symmetric(8, accelRange),
	symmetric(8, accelRange),
}

// AngularVelocitySpec uses 12 signed bits over ±π rad/s.
var AngularVelocitySpec = VectorSpec{
	symmetric(12, math.Pi),
	symmetric(12, math.Pi),
	symmetric(12, math.Pi),
}

// PositionSpec returns the position table for kind.
func PositionSpec(kind UpdateKind) VectorSpec { return positionSpecs[kind] }

// ReadField dequantizes one scalar at bit offset off and returns the value
// with the advanced offset.
func ReadField(buf []byte, off int, spec FieldSpec) (float32, int, error) {
	if spec.Signed {
		raw, err := ReadSignedBits(buf, off, spec.Bits)
		if err != nil {
			return 0, off, err
		}
		// Shift the signed raw back into unsigned step space before
		// dequantizing over the symmetric range.
		half := int64(1) << uint(spec.Bits-1)
		return Dequantize(uint32(int64(raw)+half), spec.Bits, spec.Min, spec.Max), off + spec.Bits, nil
	}
	raw, err := ReadBits(buf, off, spec.Bits)
	if err != nil {
		return 0, off, err
	}
	return Dequantize(raw, spec.Bits, spec.Min, spec.Max), off + spec.Bits, nil
}

// WriteField quantizes v per spec at bit offset off and returns the
// advanced offset.
func WriteField(buf []byte, off int, spec FieldSpec, v float32) (int, error) {
	raw := Quantize(v, spec.Bits, spec.Min, spec.Max)
	if spec.Signed {
		half := int64(1) << uint(spec.Bits-1)
		raw = uint32((int64(raw) - half) & (1<<uint(spec.Bits) - 1))
	}
	if err := WriteBits(buf, off, spec.Bits, raw); err != nil {
		return off, err
	}
	return off + spec.Bits, nil
}

// ReadVector3 dequantizes three packed axes per spec.
func ReadVector3(buf []byte, off int, spec VectorSpec) (types.Vector3, int, error) {
	var v types.Vector3
	var err error
	if v.X, off, err = ReadField(buf, off, spec[0]); err != nil {
		return v, off, err
	}
	if v.Y, off, err = ReadField(buf, off, spec[1]); err != nil {
		return v, off, err
	}
	if v.Z, off, err = ReadField(buf, off, spec[2]); err != nil {
		return v, off, err
	}
	return v, off, nil
}

// WriteVector3 quantizes three axes per spec.
func WriteVector3(buf []byte, off int, spec VectorSpec, v types.Vector3) (int, error) {
	var err error
	if off, err = WriteField(buf, off, spec[0], v.X); err != nil {
		return off, err
	}
	if off, err = WriteField(buf, off, spec[1], v.Y); err != nil {
		return off, err
	}
	return WriteField(buf, off, spec[2], v.Z)
}

// quaternionScale maps quaternion components onto signed 16-bit values.
const quaternionScale = 32767.0

// ReadQuaternion reads the packed rotation: X, Y, Z as signed 16-bit
// values scaled by 32767, with W reconstructed from the unit constraint.
// When quantization noise pushes the sum of squares past one, the vector
// part is renormalized before W is derived; the result is always a unit
// quaternion. Lossy but bounded, never an error.
func ReadQuaternion(buf []byte, off int) (types.Quaternion, int, error) {
	var comps [3]float64
	for i := range comps {
		raw, err := ReadSignedBits(buf, off, 16)
		if err != nil {
			return types.QuaternionIdentity, off, err
		}
		comps[i] = float64(raw) / quaternionScale
		off += 16
	}
	x, y, z := comps[0], comps[1], comps[2]
	sumSq := x*x + y*y + z*z
	if sumSq > 1 {
		norm := math.Sqrt(sumSq)
		x /= norm
		y /= norm
		z /= norm
		sumSq = 1
	}
	w := math.Sqrt(1 - sumSq)
	q := types.Quaternion{X: float32(x), Y: float32(y), Z: float32(z), W: float32(w)}
	return q.Normalize(), off, nil
}

// WriteQuaternion packs the vector part of a unit quaternion as three
// signed 16-bit values. W's sign is canonicalized positive first so the
// receiver's reconstruction recovers an equivalent rotation.
func WriteQuaternion(buf []byte, off int, q types.Quaternion) (int, error) {
	q = q.Normalize()
	if q.W < 0 {
		q.X, q.Y, q.Z, q.W = -q.X, -q.Y, -q.Z, -q.W
	}
	for _, c := range [3]float32{q.X, q.Y, q.Z} {
		raw := int32(math.Round(float64(c) * quaternionScale))
		if err := WriteBits(buf, off, 16, uint32(raw)&0xFFFF); err != nil {
			return off, err
		}
		off += 16
	}
	return off, nil
}
