// Package siphash implements SipHash-2-4 over a 128-bit key, used by the
// Bitcoin compact-block (BIP-152) short-id derivation in converter/btc. No
// library in the example pack provides siphash, so this is a small
// self-contained implementation (justified in DESIGN.md) following the
// reference algorithm (2 compression rounds, 4 finalization rounds).
package siphash

import "encoding/binary"

const (
	initV0 = 0x736f6d6570736575
	initV1 = 0x646f72616e646f6d
	initV2 = 0x6c7967656e657261
	initV3 = 0x7465646279746573
)

func rotl(x uint64, b uint) uint64 { return (x << b) | (x >> (64 - b)) }

func round(v0, v1, v2, v3 *uint64) {
	*v0 += *v1
	*v1 = rotl(*v1, 13)
	*v1 ^= *v0
	*v0 = rotl(*v0, 32)
	*v2 += *v3
	*v3 = rotl(*v3, 16)
	*v3 ^= *v2
	*v0 += *v3
	*v3 = rotl(*v3, 21)
	*v3 ^= *v0
	*v2 += *v1
	*v1 = rotl(*v1, 17)
	*v1 ^= *v2
	*v2 = rotl(*v2, 32)
}

// Sum64 computes SipHash-2-4(key, data). key must be 16 bytes.
func Sum64(key [16]byte, data []byte) uint64 {
	k0 := binary.LittleEndian.Uint64(key[0:8])
	k1 := binary.LittleEndian.Uint64(key[8:16])

	v0 := initV0 ^ k0
	v1 := initV1 ^ k1
	v2 := initV2 ^ k0
	v3 := initV3 ^ k1

	length := len(data)
	b := uint64(length) << 56

	n := length / 8
	for i := 0; i < n; i++ {
		m := binary.LittleEndian.Uint64(data[i*8 : i*8+8])
		v3 ^= m
		round(&v0, &v1, &v2, &v3)
		round(&v0, &v1, &v2, &v3)
		v0 ^= m
	}

	tail := data[n*8:]
	for i := 0; i < len(tail); i++ {
		b |= uint64(tail[i]) << (8 * uint(i))
	}

	v3 ^= b
	round(&v0, &v1, &v2, &v3)
	round(&v0, &v1, &v2, &v3)
	v0 ^= b

	v2 ^= 0xff
	round(&v0, &v1, &v2, &v3)
	round(&v0, &v1, &v2, &v3)
	round(&v0, &v1, &v2, &v3)
	round(&v0, &v1, &v2, &v3)

	return v0 ^ v1 ^ v2 ^ v3
}

// Sum48 returns the low 6 bytes of Sum64(key, data), little-endian, matching
// the Python original's `siphash24(key, data)[0:6]`.
func Sum48(key [16]byte, data []byte) [6]byte {
	v := Sum64(key, data)
	var full [8]byte
	binary.LittleEndian.PutUint64(full[:], v)
	var out [6]byte
	copy(out[:], full[:6])
	return out
}
