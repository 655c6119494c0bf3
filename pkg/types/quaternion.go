package types

import (
	"fmt"
	"math"
)

// Quaternion is a rotation. The wire protocol usually transmits only the
// vector part; W is reconstructed on decode.
type Quaternion struct {
	X, Y, Z, W float32
}

// QuaternionIdentity is the no-rotation value.
var QuaternionIdentity = Quaternion{W: 1}

// Normalize returns q scaled to unit length. A degenerate (near-zero)
// quaternion normalizes to identity.
func (q Quaternion) Normalize() Quaternion {
	m := math.Sqrt(float64(q.X)*float64(q.X) + float64(q.Y)*float64(q.Y) +
		float64(q.Z)*float64(q.Z) + float64(q.W)*float64(q.W))
	if m < 1e-6 {
		return QuaternionIdentity
	}
	inv := float32(1.0 / m)
	return Quaternion{q.X * inv, q.Y * inv, q.Z * inv, q.W * inv}
}

func (q Quaternion) String() string {
	return fmt.Sprintf("<%.4f, %.4f, %.4f, %.4f>", q.X, q.Y, q.Z, q.W)
}
