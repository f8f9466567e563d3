package btc

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/adriennhem/bxgateway/gwtypes"
	"github.com/adriennhem/bxgateway/txservice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompactBlock struct {
	header       []byte
	shortNonce   []byte
	shortIDs     [][6]byte
	preFilled    map[int][]byte
	magic        uint32
	blockHash    gwtypes.Hash
	raw          []byte
}

func (b fakeCompactBlock) BlockHeader() []byte              { return b.header }
func (b fakeCompactBlock) ShortNonceBuf() []byte             { return b.shortNonce }
func (b fakeCompactBlock) ShortIDs() [][6]byte               { return b.shortIDs }
func (b fakeCompactBlock) PreFilledTransactions() map[int][]byte { return b.preFilled }
func (b fakeCompactBlock) Magic() uint32                     { return b.magic }
func (b fakeCompactBlock) BlockHash() gwtypes.Hash           { return b.blockHash }
func (b fakeCompactBlock) RawBytes() []byte                  { return b.raw }

// TestCompactBlockToBxBlockPreservesWireOrder pins body-slot assignment to
// ShortIDs()' wire order rather than Go map iteration, using two short ids
// that would very likely land in the opposite order if a map were walked.
func TestCompactBlockToBxBlockPreservesWireOrder(t *testing.T) {
	header := make([]byte, BlockHdrSize)
	nonce := make([]byte, 8)

	h := sha256.New()
	h.Write(header)
	h.Write(nonce)
	digest := h.Sum(nil)
	var key [16]byte
	copy(key[:], digest[:16])

	var hashA, hashB gwtypes.Hash
	hashA[0] = 1
	hashB[0] = 2
	txA := []byte("transaction A")
	txB := []byte("transaction B")
	sidA := computeShortID(key, reversed(hashA))
	sidB := computeShortID(key, reversed(hashB))

	block := fakeCompactBlock{
		header:     header,
		shortNonce: nonce,
		shortIDs:   [][6]byte{sidA, sidB},
		preFilled:  map[int][]byte{},
		raw:        []byte("raw"),
	}
	txs := txservice.New(txservice.Config{})
	txs.SetTransactionContents(hashA, txA)
	txs.SetTransactionContents(hashB, txB)

	converter := NewCompactConverter(NewConverter())
	result := converter.CompactBlockToBxBlock(block, txs)

	require.True(t, result.Success)
	require.NotEmpty(t, result.BxBlock)
	posA := bytes.Index(result.BxBlock, txA)
	posB := bytes.Index(result.BxBlock, txB)
	require.GreaterOrEqual(t, posA, 0)
	assert.Less(t, posA, posB)
}

// TestCompactBlockToBxBlockReportsMissingByIndex checks that a short id with
// no locally known transaction is reported as a missing index rather than
// silently dropped.
func TestCompactBlockToBxBlockReportsMissingByIndex(t *testing.T) {
	header := make([]byte, BlockHdrSize)
	nonce := make([]byte, 8)
	var unknownSid [6]byte
	unknownSid[0] = 0xff

	block := fakeCompactBlock{
		header:     header,
		shortNonce: nonce,
		shortIDs:   [][6]byte{unknownSid},
		preFilled:  map[int][]byte{},
		raw:        []byte("raw"),
	}
	txs := txservice.New(txservice.Config{})

	converter := NewCompactConverter(NewConverter())
	result := converter.CompactBlockToBxBlock(block, txs)

	require.False(t, result.Success)
	require.True(t, result.HasRecoveryIndex)
	assert.Equal(t, []int{0}, result.MissingIndices)
}
