// Package types holds the small value types carried inside grid messages:
// 3D vectors, quaternions, and the 16-byte identifiers the protocol uses
// for agents, sessions and regions.
package types

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Vector3 is a single-precision 3D vector, matching the simulator's
// native float layout.
type Vector3 struct {
	X, Y, Z float32
}

// ReadVector3 decodes 12 little-endian float32 bytes at off.
func ReadVector3(b []byte, off int) (Vector3, error) {
	if len(b) < off+12 {
		return Vector3{}, fmt.Errorf("vector3: need 12 bytes at offset %d, have %d", off, len(b)-off)
	}
	return Vector3{
		X: math.Float32frombits(binary.LittleEndian.Uint32(b[off:])),
		Y: math.Float32frombits(binary.LittleEndian.Uint32(b[off+4:])),
		Z: math.Float32frombits(binary.LittleEndian.Uint32(b[off+8:])),
	}, nil
}

// AppendVector3 appends the 12-byte little-endian encoding of v.
func AppendVector3(b []byte, v Vector3) []byte {
	b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v.X))
	b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v.Y))
	b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v.Z))
	return b
}

// Length returns the euclidean norm.
func (v Vector3) Length() float64 {
	return math.Sqrt(float64(v.X)*float64(v.X) + float64(v.Y)*float64(v.Y) + float64(v.Z)*float64(v.Z))
}

func (v Vector3) String() string {
	return fmt.Sprintf("<%.3f, %.3f, %.3f>", v.X, v.Y, v.Z)
}
