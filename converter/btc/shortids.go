package btc

import (
	"encoding/binary"

	"github.com/adriennhem/bxgateway/gwtypes"
)

// blockOffsets locates the two landmarks every bx-block carries: where the
// block content begins (always right after the 8-byte offset field) and
// where the trailing short-ids section begins. Grounded on
// compact_block_short_ids_serializer.get_bx_block_offsets / BlockOffsets.
type blockOffsets struct {
	blockBeginOffset int
	shortIDOffset    int
}

func getBxBlockOffsets(buf []byte) blockOffsets {
	shortIDOffset := int(binary.LittleEndian.Uint64(buf[:offsetFieldSize]))
	return blockOffsets{blockBeginOffset: offsetFieldSize, shortIDOffset: shortIDOffset}
}

// serializeShortIDs encodes a short-id list as a CompactSize count followed
// by 4-byte little-endian values, grounded on
// compact_block_short_ids_serializer.serialize_short_ids_into_bytes.
func serializeShortIDs(sids []gwtypes.ShortID) []byte {
	countSize := sizeofVarint(uint64(len(sids)))
	out := make([]byte, countSize+4*len(sids))
	off := putVarint(out, 0, uint64(len(sids)))
	for _, sid := range sids {
		binary.LittleEndian.PutUint32(out[off:], uint32(sid))
		off += 4
	}
	return out
}

// deserializeShortIDs decodes the short-ids section starting at offset,
// returning the values and the number of bytes consumed.
func deserializeShortIDs(buf []byte, offset int) ([]gwtypes.ShortID, int) {
	count, n := readVarint(buf, offset)
	start := offset + n
	sids := make([]gwtypes.ShortID, count)
	for i := uint64(0); i < count; i++ {
		sids[i] = gwtypes.ShortID(binary.LittleEndian.Uint32(buf[start+int(i)*4:]))
	}
	return sids, n + int(count)*4
}
