package btc

import (
	"encoding/binary"

	"github.com/adriennhem/bxgateway/internal/gwerrors"
)

// Bitcoin CompactSize varint encoding, grounded on the call sites of
// btc_messages_util.btc_varint_to_int / get_sizeof_btc_varint /
// pack_int_to_btc_varint (the helper module itself was not retrieved).

// sizeofVarint returns the number of bytes needed to encode n as a
// CompactSize varint.
func sizeofVarint(n uint64) int {
	switch {
	case n < 0xfd:
		return 1
	case n <= 0xffff:
		return 3
	case n <= 0xffffffff:
		return 5
	default:
		return 9
	}
}

// putVarint writes n as a CompactSize varint into buf starting at offset,
// returning the number of bytes written.
func putVarint(buf []byte, offset int, n uint64) int {
	switch {
	case n < 0xfd:
		buf[offset] = byte(n)
		return 1
	case n <= 0xffff:
		buf[offset] = 0xfd
		binary.LittleEndian.PutUint16(buf[offset+1:], uint16(n))
		return 3
	case n <= 0xffffffff:
		buf[offset] = 0xfe
		binary.LittleEndian.PutUint32(buf[offset+1:], uint32(n))
		return 5
	default:
		buf[offset] = 0xff
		binary.LittleEndian.PutUint64(buf[offset+1:], n)
		return 9
	}
}

// readVarint decodes a CompactSize varint starting at offset, returning the
// value and the number of bytes consumed.
func readVarint(buf []byte, offset int) (value uint64, size int) {
	prefix := buf[offset]
	switch {
	case prefix < 0xfd:
		return uint64(prefix), 1
	case prefix == 0xfd:
		return uint64(binary.LittleEndian.Uint16(buf[offset+1:])), 3
	case prefix == 0xfe:
		return uint64(binary.LittleEndian.Uint32(buf[offset+1:])), 5
	default:
		return binary.LittleEndian.Uint64(buf[offset+1:]), 9
	}
}

// nextTxSize walks one serialized transaction starting at offset and
// returns its total byte length, handling both legacy and segwit
// (marker=0x00, flag=0x01) encodings. Grounded on
// btc_messages_util.get_next_tx_size's call sites in
// btc_normal_message_converter.parse_bx_block_transactions.
func nextTxSize(buf []byte, offset int) int {
	start := offset
	offset += 4 // version

	segwit := false
	if buf[offset] == 0x00 && buf[offset+1] == 0x01 {
		segwit = true
		offset += 2 // marker + flag
	}

	inCount, n := readVarint(buf, offset)
	offset += n
	for i := uint64(0); i < inCount; i++ {
		offset += 32 + 4 // prevout hash + index
		scriptLen, n := readVarint(buf, offset)
		offset += n + int(scriptLen)
		offset += 4 // sequence
	}

	outCount, n := readVarint(buf, offset)
	offset += n
	for i := uint64(0); i < outCount; i++ {
		offset += 8 // value
		scriptLen, n := readVarint(buf, offset)
		offset += n + int(scriptLen)
	}

	if segwit {
		for i := uint64(0); i < inCount; i++ {
			itemCount, n := readVarint(buf, offset)
			offset += n
			for j := uint64(0); j < itemCount; j++ {
				itemLen, n := readVarint(buf, offset)
				offset += n + int(itemLen)
			}
		}
	}

	offset += 4 // locktime
	return offset - start
}

// ParseTransactions walks a raw Bitcoin block payload (BlockHdrSize header +
// txn-count varint + transactions) and splits out each serialized
// transaction using nextTxSize, grounded on
// btc_normal_message_converter.parse_bx_block_transactions applied to a
// native block instead of a bx-block.
func ParseTransactions(payload []byte) ([][]byte, error) {
	if len(payload) < BlockHdrSize {
		return nil, gwerrors.New(gwerrors.MessageConversion, "block payload shorter than block header")
	}
	count, n := readVarint(payload, BlockHdrSize)
	offset := BlockHdrSize + n

	txns := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		if offset >= len(payload) {
			return nil, gwerrors.New(gwerrors.MessageConversion, "tx-size walker ran past end of buffer at offset %d", offset)
		}
		size := nextTxSize(payload, offset)
		if offset+size > len(payload) {
			return nil, gwerrors.New(gwerrors.MessageConversion, "tx-size walker ran past end of buffer at offset %d", offset)
		}
		txns = append(txns, payload[offset:offset+size])
		offset += size
	}
	return txns, nil
}
