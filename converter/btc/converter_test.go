package btc

import (
	"crypto/sha256"
	"testing"

	"github.com/adriennhem/bxgateway/gwtypes"
	"github.com/adriennhem/bxgateway/txservice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBlock struct {
	header        []byte
	transactions  [][]byte
	blockHash     gwtypes.Hash
	prevBlockHash gwtypes.Hash
	raw           []byte
}

func (b fakeBlock) Header() []byte             { return b.header }
func (b fakeBlock) Transactions() [][]byte      { return b.transactions }
func (b fakeBlock) BlockHash() gwtypes.Hash     { return b.blockHash }
func (b fakeBlock) PrevBlockHash() gwtypes.Hash { return b.prevBlockHash }
func (b fakeBlock) TxnCount() int               { return len(b.transactions) }
func (b fakeBlock) RawBytes() []byte            { return b.raw }

// legacyTx builds a minimal well-formed legacy transaction: version(4),
// 0 inputs, 0 outputs, locktime(4) -- enough for nextTxSize to walk it.
func legacyTx(marker byte) []byte {
	return []byte{1, 0, 0, 0, 0x00, 0x00, marker, marker, marker, marker}
}

// buildFakeBlock assembles a header that matches real Bitcoin wire
// convention: message header + block header + the transaction-count
// varint, since that full preamble is what BlockMessage.Header() returns
// (converter.BxBlockToBlock reads the txn-count varint as the byte run
// immediately following the fixed 104-byte prefix).
func buildFakeBlock(txs [][]byte) fakeBlock {
	fixedPrefix := make([]byte, HdrCommonOffset+BlockHdrSize)
	for i := range fixedPrefix {
		fixedPrefix[i] = byte(i)
	}
	countSize := sizeofVarint(uint64(len(txs)))
	header := make([]byte, len(fixedPrefix)+countSize)
	copy(header, fixedPrefix)
	putVarint(header, len(fixedPrefix), uint64(len(txs)))

	size := len(header)
	for _, tx := range txs {
		size += len(tx)
	}
	raw := make([]byte, size)
	off := copy(raw, header)
	for _, tx := range txs {
		off += copy(raw[off:], tx)
	}
	return fakeBlock{
		header:        header,
		transactions:  txs,
		blockHash:     sha256.Sum256(fixedPrefix[HdrCommonOffset : HdrCommonOffset+BlockHdrSize]),
		prevBlockHash: gwtypes.BytesToHash(fixedPrefix[HdrCommonOffset+4 : HdrCommonOffset+36]),
		raw:           raw,
	}
}

func TestBlockToBxBlockRoundTripNoShortIDs(t *testing.T) {
	txs := txservice.New(txservice.Config{})
	conv := NewConverter()

	block := buildFakeBlock([][]byte{legacyTx(1), legacyTx(2)})

	bxBlock, info := conv.BlockToBxBlock(block, txs)
	assert.Equal(t, 2, info.TxnCount)
	assert.Empty(t, info.ShortIDs)

	native, decodeInfo, unknownSids, unknownHashes, err := conv.BxBlockToBlock(bxBlock, txs)
	require.NoError(t, err)
	assert.Empty(t, unknownSids)
	assert.Empty(t, unknownHashes)
	assert.Equal(t, block.raw, native)
	assert.Equal(t, 2, decodeInfo.TxnCount)
}

func TestBlockToBxBlockRoundTripWithShortIDs(t *testing.T) {
	txs := txservice.New(txservice.Config{})
	conv := NewConverter()

	tx1, tx2 := legacyTx(1), legacyTx(2)
	hash1 := txID(tx1)
	require.NoError(t, txs.AssignShortID(hash1, 7))
	txs.SetTransactionContents(hash1, tx1)

	block := buildFakeBlock([][]byte{tx1, tx2})

	bxBlock, info := conv.BlockToBxBlock(block, txs)
	assert.Equal(t, []gwtypes.ShortID{7}, info.ShortIDs)

	native, _, unknownSids, unknownHashes, err := conv.BxBlockToBlock(bxBlock, txs)
	require.NoError(t, err)
	assert.Empty(t, unknownSids)
	assert.Empty(t, unknownHashes)
	assert.Equal(t, block.raw, native)
}

func TestBxBlockToBlockReportsUnknownShortID(t *testing.T) {
	txs := txservice.New(txservice.Config{})
	conv := NewConverter()

	tx1 := legacyTx(1)
	hash1 := txID(tx1)
	require.NoError(t, txs.AssignShortID(hash1, 42))
	txs.SetTransactionContents(hash1, tx1)

	block := buildFakeBlock([][]byte{tx1})
	bxBlock, _ := conv.BlockToBxBlock(block, txs)

	freshTxs := txservice.New(txservice.Config{})
	native, _, unknownSids, unknownHashes, err := conv.BxBlockToBlock(bxBlock, freshTxs)
	require.NoError(t, err)
	assert.Nil(t, native)
	assert.Equal(t, []gwtypes.ShortID{42}, unknownSids)
	assert.Empty(t, unknownHashes)
}
