package messages

import (
	"fmt"

	"gridlink/pkg/lludp"
	"gridlink/pkg/lludp/bitpack"
	"gridlink/pkg/types"
)

// Terse update kinds, carried in each block's update-type byte.
const (
	TerseKindPrim       = 0x00
	TerseKindAvatar     = 0x01
	TerseKindAttachment = 0x02
)

// TerseBlock is one object's compressed state inside an
// ImprovedTerseObjectUpdate. The quantized fields are decoded with the
// bit-level codec using the constant spec table selected by Kind.
type TerseBlock struct {
	LocalID         uint32
	Kind            byte
	Position        types.Vector3
	Velocity        types.Vector3
	Acceleration    types.Vector3
	Rotation        types.Quaternion
	AngularVelocity types.Vector3
}

func terseUpdateKind(kind byte) (bitpack.UpdateKind, error) {
	switch kind {
	case TerseKindPrim:
		return bitpack.UpdatePrimTerse, nil
	case TerseKindAvatar:
		return bitpack.UpdateAvatarTerse, nil
	case TerseKindAttachment:
		return bitpack.UpdateAttachment, nil
	default:
		return 0, fmt.Errorf("messages: unknown terse update kind 0x%02X", kind)
	}
}

// terseDataBits is the packed field layout of one block's data region, in
// order: position (per kind), velocity, acceleration, rotation, angular
// velocity.
func terseDataBits(kind bitpack.UpdateKind) int {
	bits := 0
	for _, s := range bitpack.PositionSpec(kind) {
		bits += s.Bits
	}
	for _, s := range bitpack.VelocitySpec {
		bits += s.Bits
	}
	for _, s := range bitpack.AccelerationSpec {
		bits += s.Bits
	}
	bits += 3 * 16 // quaternion vector part
	for _, s := range bitpack.AngularVelocitySpec {
		bits += s.Bits
	}
	return bits
}

func (blk *TerseBlock) decodeData(data []byte) error {
	kind, err := terseUpdateKind(blk.Kind)
	if err != nil {
		return err
	}
	off := 0
	if blk.Position, off, err = bitpack.ReadVector3(data, off, bitpack.PositionSpec(kind)); err != nil {
		return err
	}
	if blk.Velocity, off, err = bitpack.ReadVector3(data, off, bitpack.VelocitySpec); err != nil {
		return err
	}
	if blk.Acceleration, off, err = bitpack.ReadVector3(data, off, bitpack.AccelerationSpec); err != nil {
		return err
	}
	if blk.Rotation, off, err = bitpack.ReadQuaternion(data, off); err != nil {
		return err
	}
	if blk.AngularVelocity, _, err = bitpack.ReadVector3(data, off, bitpack.AngularVelocitySpec); err != nil {
		return err
	}
	return nil
}

func (blk *TerseBlock) encodeData() ([]byte, error) {
	kind, err := terseUpdateKind(blk.Kind)
	if err != nil {
		return nil, err
	}
	data := make([]byte, (terseDataBits(kind)+7)/8)
	off := 0
	if off, err = bitpack.WriteVector3(data, off, bitpack.PositionSpec(kind), blk.Position); err != nil {
		return nil, err
	}
	if off, err = bitpack.WriteVector3(data, off, bitpack.VelocitySpec, blk.Velocity); err != nil {
		return nil, err
	}
	if off, err = bitpack.WriteVector3(data, off, bitpack.AccelerationSpec, blk.Acceleration); err != nil {
		return nil, err
	}
	if off, err = bitpack.WriteQuaternion(data, off, blk.Rotation); err != nil {
		return nil, err
	}
	if _, err = bitpack.WriteVector3(data, off, bitpack.AngularVelocitySpec, blk.AngularVelocity); err != nil {
		return nil, err
	}
	return data, nil
}

// ImprovedTerseObjectUpdate is the high-frequency compressed state update
// for moving objects and avatars: a region stamp followed by
// length-prefixed per-object blocks.
type ImprovedTerseObjectUpdate struct {
	RegionHandle uint64
	TimeDilation uint16
	Blocks       []TerseBlock
}

func (*ImprovedTerseObjectUpdate) ID() lludp.MessageID {
	return lludp.MsgImprovedTerseObjectUpdate
}

func (m *ImprovedTerseObjectUpdate) MarshalBody() ([]byte, error) {
	var w writer
	w.u64(m.RegionHandle)
	w.u16(m.TimeDilation)
	for i := range m.Blocks {
		blk := &m.Blocks[i]
		data, err := blk.encodeData()
		if err != nil {
			return nil, err
		}
		w.u32(blk.LocalID)
		w.u8(blk.Kind)
		// data length: one byte, or two with the top bit of the first
		// byte set for lengths past 127
		if len(data) > 0x7FFF {
			return nil, fmt.Errorf("messages: terse block data %d bytes too long", len(data))
		}
		if len(data) > 0x7F {
			w.u8(byte(len(data)>>8) | 0x80)
			w.u8(byte(len(data)))
		} else {
			w.u8(byte(len(data)))
		}
		w.bytes(data)
	}
	return w.b, nil
}

func (m *ImprovedTerseObjectUpdate) UnmarshalBody(b []byte) error {
	r := reader{b: b}
	m.RegionHandle = r.u64()
	m.TimeDilation = r.u16()
	m.Blocks = m.Blocks[:0]
	for r.err == nil && r.remaining() > 0 {
		var blk TerseBlock
		blk.LocalID = r.u32()
		blk.Kind = r.u8()
		dataLen := int(r.u8())
		if dataLen&0x80 != 0 {
			dataLen = (dataLen&0x7F)<<8 | int(r.u8())
		}
		data := r.bytes(dataLen)
		if r.err != nil {
			return r.err
		}
		if err := blk.decodeData(data); err != nil {
			return fmt.Errorf("terse block local id %d: %w", blk.LocalID, err)
		}
		m.Blocks = append(m.Blocks, blk)
	}
	return r.err
}
