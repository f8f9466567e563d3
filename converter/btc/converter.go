package btc

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/adriennhem/bxgateway/gwtypes"
	"github.com/adriennhem/bxgateway/internal/gwerrors"
	"github.com/adriennhem/bxgateway/internal/log"
	"github.com/adriennhem/bxgateway/txservice"
)

var logger = log.NewModuleLogger(log.Converter)

// BlockMessage is the abstract contract for a parsed Bitcoin block the core
// depends on (spec.md section 1: "chain-specific message factories...are
// external producers/consumers; the core depends only on their abstract
// contract"). Grounded on the accessor set used in
// btc_normal_message_converter.block_to_bx_block
// (block_msg.header()/txns()/block_hash()/prev_block_hash()/txn_count()/rawbytes()).
type BlockMessage interface {
	Header() []byte // wire message header (HdrCommonOffset) + block header (BlockHdrSize) + txn-count varint
	Transactions() [][]byte
	BlockHash() gwtypes.Hash
	PrevBlockHash() gwtypes.Hash
	TxnCount() int
	RawBytes() []byte
}

// TxService is the subset of txservice.Service the converter needs, kept as
// an interface so this package doesn't depend on txservice's concrete type.
type TxService interface {
	GetShortID(hash gwtypes.Hash) gwtypes.ShortID
	GetTransaction(sid gwtypes.ShortID) (hash gwtypes.Hash, contents []byte, ok bool)
	GetMissingTransactions(sids []gwtypes.ShortID) (missing bool, missingSids []gwtypes.ShortID, missingHashes []gwtypes.Hash)
	HashIterator() *txservice.HashCursor
	GetTransactionByHash(hash gwtypes.Hash) ([]byte, bool)
}

// BlockInfo records compression/decompression statistics, grounded on
// bxgateway.utils.block_info.BlockInfo.
type BlockInfo struct {
	BlockHash           gwtypes.Hash
	ShortIDs            []gwtypes.ShortID
	StartTime           time.Time
	EndTime             time.Time
	TxnCount            int
	CompressedBlockHash gwtypes.Hash
	PrevBlockHash       gwtypes.Hash
	OriginalSize        int
	CompressedSize      int
	CompressionRatePct  float64
}

func dsha256(b []byte) gwtypes.Hash {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second
}

func txID(tx []byte) gwtypes.Hash { return dsha256(tx) }

// Converter implements spec.md section 4.2's bx-block compression /
// decompression for Bitcoin, grounded on
// btc_normal_message_converter.BtcNormalMessageConverter.
type Converter struct{}

// NewConverter builds a stateless Bitcoin block converter.
func NewConverter() *Converter { return &Converter{} }

// BlockToBxBlock compresses a native Bitcoin block into bx-block wire bytes,
// substituting a short-id indicator for every transaction already known to
// txs. Grounded on block_to_bx_block.
func (c *Converter) BlockToBxBlock(block BlockMessage, txs TxService) ([]byte, BlockInfo) {
	start := time.Now()

	header := block.Header()
	size := len(header)

	var shortIDs []gwtypes.ShortID
	pieces := make([][]byte, 0, block.TxnCount()+1)
	pieces = append(pieces, header)

	for _, tx := range block.Transactions() {
		hash := txID(tx)
		sid := txs.GetShortID(hash)
		if sid.IsNull() {
			pieces = append(pieces, tx)
			size += len(tx)
		} else {
			shortIDs = append(shortIDs, sid)
			pieces = append(pieces, []byte{ShortIDIndicator})
			size += ShortIDIndicatorLength
		}
	}

	serializedSids := serializeShortIDs(shortIDs)
	size += offsetFieldSize

	offsetBuf := make([]byte, offsetFieldSize)
	binary.LittleEndian.PutUint64(offsetBuf, uint64(size))
	size += len(serializedSids)

	out := make([]byte, size)
	off := 0
	off += copy(out[off:], offsetBuf)
	for _, p := range pieces {
		off += copy(out[off:], p)
	}
	copy(out[off:], serializedSids)

	originalSize := len(block.RawBytes())
	compressedHash := dsha256(out)

	info := BlockInfo{
		BlockHash:           block.BlockHash(),
		ShortIDs:            shortIDs,
		StartTime:           start,
		EndTime:             time.Now(),
		TxnCount:            block.TxnCount(),
		CompressedBlockHash: compressedHash,
		PrevBlockHash:       block.PrevBlockHash(),
		OriginalSize:        originalSize,
		CompressedSize:      size,
	}
	if originalSize > 0 {
		info.CompressionRatePct = 100 - float64(size)/float64(originalSize)*100
	}
	return out, info
}

// BxBlockToBlock decompresses bx-block wire bytes back into native Bitcoin
// block bytes, resolving every short-id indicator against txs. If any
// short-id or hash is unresolved, blockBytes is nil and the caller should
// initiate recovery with the returned unknown sids/hashes. Grounded on
// bx_block_to_block.
func (c *Converter) BxBlockToBlock(bxBlock []byte, txs TxService) (blockBytes []byte, info BlockInfo, unknownSids []gwtypes.ShortID, unknownHashes []gwtypes.Hash, err error) {
	start := time.Now()

	if len(bxBlock) < offsetFieldSize {
		return nil, BlockInfo{}, nil, nil, gwerrors.New(gwerrors.MessageConversion, "bx-block shorter than offset field")
	}
	offsets := getBxBlockOffsets(bxBlock)
	if offsets.shortIDOffset > len(bxBlock) || offsets.shortIDOffset < offsets.blockBeginOffset {
		return nil, BlockInfo{}, nil, nil, gwerrors.New(gwerrors.MessageConversion, "short-id section offset out of bounds")
	}

	blockHeaderEnd := offsets.blockBeginOffset + HdrCommonOffset + BlockHdrSize
	if blockHeaderEnd > len(bxBlock) {
		return nil, BlockInfo{}, nil, nil, gwerrors.New(gwerrors.MessageConversion, "block header truncated")
	}
	blockHash := dsha256(bxBlock[offsets.blockBeginOffset+HdrCommonOffset : blockHeaderEnd])

	shortIDs, _ := deserializeShortIDs(bxBlock, offsets.shortIDOffset)

	txnCount, n := readVarint(bxBlock, blockHeaderEnd)
	offset := blockHeaderEnd + n
	headerPiece := bxBlock[offsets.blockBeginOffset:offset]

	missing, missingSids, missingHashes := txs.GetMissingTransactions(shortIDs)
	if missing {
		logger.Warn("block recovery needed", "hash", blockHash, "missing_sids", len(missingSids), "missing_hashes", len(missingHashes))
		return nil, BlockInfo{BlockHash: blockHash, ShortIDs: shortIDs, StartTime: start, EndTime: time.Now(), TxnCount: int(txnCount)}, missingSids, missingHashes, nil
	}

	pieces := make([][]byte, 0, txnCount+1)
	pieces = append(pieces, headerPiece)
	size := len(headerPiece)

	sidIndex := 0
	for offset < offsets.shortIDOffset {
		var piece []byte
		if bxBlock[offset] == ShortIDIndicator {
			if sidIndex >= len(shortIDs) {
				return nil, BlockInfo{}, nil, nil, gwerrors.New(gwerrors.MessageConversion, "short id index %d exceeds bounds (size %d)", sidIndex, len(shortIDs))
			}
			sid := shortIDs[sidIndex]
			_, contents, ok := txs.GetTransaction(sid)
			if !ok {
				return nil, BlockInfo{}, nil, nil, gwerrors.New(gwerrors.MessageConversion, "short id %d resolved but contents missing", sid)
			}
			piece = contents
			offset += ShortIDIndicatorLength
			sidIndex++
		} else {
			txSize := nextTxSize(bxBlock, offset)
			if offset+txSize > len(bxBlock) {
				return nil, BlockInfo{}, nil, nil, gwerrors.New(gwerrors.MessageConversion, "tx-size walker ran past end of buffer at offset %d", offset)
			}
			piece = bxBlock[offset : offset+txSize]
			offset += txSize
		}
		pieces = append(pieces, piece)
		size += len(piece)
	}

	out := make([]byte, size)
	off := 0
	for _, p := range pieces {
		off += copy(out[off:], p)
	}

	info = BlockInfo{
		BlockHash: blockHash,
		ShortIDs:  shortIDs,
		StartTime: start,
		EndTime:   time.Now(),
		TxnCount:  int(txnCount),
	}
	return out, info, nil, nil, nil
}
