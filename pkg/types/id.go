package types

import (
	"fmt"

	"github.com/google/uuid"
)

// ID is the 16-byte identifier used throughout the protocol for agents,
// sessions, regions and objects.
type ID = uuid.UUID

// ZeroID is the all-zero identifier.
var ZeroID = uuid.UUID{}

// ReadID decodes 16 identifier bytes at off.
func ReadID(b []byte, off int) (ID, error) {
	if len(b) < off+16 {
		return ZeroID, fmt.Errorf("id: need 16 bytes at offset %d, have %d", off, len(b)-off)
	}
	var id ID
	copy(id[:], b[off:off+16])
	return id, nil
}

// AppendID appends the 16 raw bytes of id.
func AppendID(b []byte, id ID) []byte { return append(b, id[:]...) }

// RegionHandle packs global region grid coordinates (in meters) into the
// u64 handle the simulator uses to name a region.
func RegionHandle(x, y uint32) uint64 { return uint64(x)<<32 | uint64(y) }

// RegionHandleCoords splits a region handle back into its grid coordinates.
func RegionHandleCoords(h uint64) (x, y uint32) {
	return uint32(h >> 32), uint32(h & 0xFFFFFFFF)
}
