// Package btc implements the Bitcoin-side message converter (spec.md
// section 4.2): bx-block compression/decompression and BIP-152 compact
// block recovery, grounded on
// original_source/src/bxgateway/messages/btc/btc_normal_message_converter.py.
package btc

// Wire-format constants for the Bitcoin P2P message header and block header.
// btc_constants.py itself was not present in the retrieval pack (only its
// call sites were); these values are the standard Bitcoin wire-format
// widths the original code's constant names describe.
const (
	// HdrCommonOffset is the size of a Bitcoin P2P message header: 4-byte
	// magic + 12-byte command + 4-byte length + 4-byte checksum.
	HdrCommonOffset = 24
	// HeaderMinusChecksum is the offset of the checksum field within a
	// message header.
	HeaderMinusChecksum = HdrCommonOffset - 4
	// BlockHdrSize is the fixed-width Bitcoin block header: version(4) +
	// prev-hash(32) + merkle-root(32) + time(4) + bits(4) + nonce(4).
	BlockHdrSize = 80
	// ShaHashLen is the width of a double-SHA256 Bitcoin hash.
	ShaHashLen = 32

	// offsetFieldSize is the width of the little-endian offset field
	// prepended to every bx-block, pointing at the start of its short-ids
	// section.
	offsetFieldSize = 8
)

// ShortIDIndicator is the sentinel byte substituted for a transaction whose
// contents were short-id compressed. Chosen to never collide with a
// transaction's leading version byte (Bitcoin tx versions are small
// positive integers; segwit marker bytes are 0x00).
const ShortIDIndicator byte = 0xff

// ShortIDIndicatorLength is the number of bytes an indicator occupies in the
// bx-block body (the indicator byte itself; the recovered short id comes
// from the trailing short-ids section, not inline).
const ShortIDIndicatorLength = 1
