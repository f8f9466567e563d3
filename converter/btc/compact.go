package btc

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/adriennhem/bxgateway/gwtypes"
	"github.com/adriennhem/bxgateway/internal/gwerrors"
	"github.com/adriennhem/bxgateway/internal/siphash"
)

// CompactBlockMessage is the abstract contract for a parsed BIP-152 compact
// block, grounded on CompactBlockBtcMessage's accessors used by
// compact_block_to_bx_block.
type CompactBlockMessage interface {
	BlockHeader() []byte
	ShortNonceBuf() []byte
	// ShortIDs returns the block's short ids in wire order: BIP-152 assigns
	// them to body-slot positions by that order, so this must be an ordered
	// sequence, never a map (Go map iteration order is randomized).
	ShortIDs() [][6]byte
	PreFilledTransactions() map[int][]byte
	Magic() uint32
	BlockHash() gwtypes.Hash
	RawBytes() []byte
}

// CompactBlockResult mirrors CompactBlockCompressionResult: either a
// completed bx-block (Success), or a recovery handle plus the indices of
// transactions the gateway could not resolve locally.
type CompactBlockResult struct {
	Success           bool
	Info              BlockInfo
	BxBlock           []byte
	RecoveryIndex     int
	HasRecoveryIndex  bool
	MissingIndices    []int
	RecoveredTxs      [][]byte
}

// recoveryItem holds everything needed to finish assembling a compact block
// once its missing transactions are recovered via the normal BDN path.
// Grounded on CompactBlockRecoveryData.
type recoveryItem struct {
	blockTransactions [][]byte
	blockHeader       []byte
	magic             uint32
	txs               TxService
}

// CompactConverter implements BIP-152 compact-block decompression, grounded
// on btc_normal_message_converter's compact_block_to_bx_block /
// recovered_compact_block_to_bx_block / _recovered_compact_block_to_bx_block.
type CompactConverter struct {
	normal *Converter

	nextRecoveryIdx int
	recoveryItems   map[int]*recoveryItem
}

// NewCompactConverter builds a compact-block converter backed by normal for
// the final re-compression step.
func NewCompactConverter(normal *Converter) *CompactConverter {
	return &CompactConverter{
		normal:        normal,
		recoveryItems: make(map[int]*recoveryItem),
	}
}

func computeShortID(key [16]byte, reversedTxHash []byte) [6]byte {
	return siphash.Sum48(key, reversedTxHash)
}

func reversed(h gwtypes.Hash) []byte {
	out := make([]byte, len(h))
	for i := range h {
		out[i] = h[len(h)-1-i]
	}
	return out
}

// CompactBlockToBxBlock attempts to fill in a compact block's short-id
// transactions entirely from the local transaction service, derived via
// siphash-2-4 keyed by sha256(header||nonce)[0:16]. Missing transactions
// are reported by index for BDN recovery. Grounded on
// compact_block_to_bx_block.
func (c *CompactConverter) CompactBlockToBxBlock(block CompactBlockMessage, txs TxService) CompactBlockResult {
	h := sha256.New()
	h.Write(block.BlockHeader())
	h.Write(block.ShortNonceBuf())
	digest := h.Sum(nil)
	var key [16]byte
	copy(key[:], digest[:16])

	sidOrder := block.ShortIDs()
	wanted := make(map[[6]byte]struct{}, len(sidOrder))
	for _, sid := range sidOrder {
		wanted[sid] = struct{}{}
	}
	resolved := make(map[[6]byte][]byte, len(sidOrder))

	it := txs.HashIterator()
	for {
		hash, ok := it.Next()
		if !ok {
			break
		}
		sid := computeShortID(key, reversed(hash))
		if _, isWanted := wanted[sid]; isWanted {
			if contents, ok := txs.GetTransactionByHash(hash); ok {
				resolved[sid] = contents
			}
		}
		if len(resolved) == len(sidOrder) {
			break
		}
	}

	preFilled := block.PreFilledTransactions()
	totalTxCount := len(preFilled) + len(sidOrder)

	blockTransactions := make([][]byte, totalTxCount)
	var missingIndices []int

	sidCursor := 0

	for index := 0; index < totalTxCount; index++ {
		if tx, ok := preFilled[index]; ok {
			blockTransactions[index] = tx
			continue
		}
		sid := sidOrder[sidCursor]
		sidCursor++
		if tx, ok := resolved[sid]; ok {
			blockTransactions[index] = tx
		} else {
			missingIndices = append(missingIndices, index)
		}
	}

	item := &recoveryItem{
		blockTransactions: blockTransactions,
		blockHeader:       block.BlockHeader(),
		magic:             block.Magic(),
		txs:               txs,
	}

	info := BlockInfo{
		BlockHash:    block.BlockHash(),
		OriginalSize: len(block.RawBytes()),
	}

	if len(missingIndices) > 0 {
		idx := c.nextRecoveryIdx
		c.nextRecoveryIdx++
		c.recoveryItems[idx] = item
		return CompactBlockResult{
			Success:          false,
			Info:             info,
			RecoveryIndex:    idx,
			HasRecoveryIndex: true,
			MissingIndices:   missingIndices,
		}
	}

	return c.finishRecovery(CompactBlockResult{Info: info}, item)
}

// RecoveredCompactBlockToBxBlock resumes a pending recovery once the
// gateway has obtained the missing transactions via the normal recovery
// path (BDN GetTxs response). Grounded on recovered_compact_block_to_bx_block.
func (c *CompactConverter) RecoveredCompactBlockToBxBlock(result CompactBlockResult) (CompactBlockResult, error) {
	item, ok := c.recoveryItems[result.RecoveryIndex]
	if !ok {
		return CompactBlockResult{}, gwerrors.New(gwerrors.RecoveryExhausted, "no pending compact block recovery for index %d", result.RecoveryIndex)
	}
	delete(c.recoveryItems, result.RecoveryIndex)
	return c.finishRecovery(result, item), nil
}

// finishRecovery fills in any still-missing transaction slots, rebuilds the
// native block wire bytes with a fresh checksum, and re-enters
// BlockToBxBlock, grounded on _recovered_compact_block_to_bx_block.
func (c *CompactConverter) finishRecovery(result CompactBlockResult, item *recoveryItem) CompactBlockResult {
	if len(result.MissingIndices) != len(result.RecoveredTxs) {
		return CompactBlockResult{
			Success:        false,
			MissingIndices: result.MissingIndices,
			RecoveredTxs:   result.RecoveredTxs,
		}
	}
	for i, idx := range result.MissingIndices {
		item.blockTransactions[idx] = result.RecoveredTxs[i]
	}

	totalTxCount := len(item.blockTransactions)
	bodySize := 0
	for _, tx := range item.blockTransactions {
		bodySize += len(tx)
	}
	countSize := sizeofVarint(uint64(totalTxCount))

	payloadSize := len(item.blockHeader) + countSize + bodySize
	msg := make([]byte, HdrCommonOffset+payloadSize)

	binary.LittleEndian.PutUint32(msg[0:4], item.magic)
	// command field (msg[4:16]) left zero: the block command string is an
	// external wire-format concern the caller fills in before sending.
	binary.LittleEndian.PutUint32(msg[16:20], uint32(payloadSize))

	off := HdrCommonOffset
	off += copy(msg[off:], item.blockHeader)
	off += putVarint(msg, off, uint64(totalTxCount))
	for _, tx := range item.blockTransactions {
		off += copy(msg[off:], tx)
	}

	checksum := dsha256(msg[HdrCommonOffset:])
	copy(msg[HeaderMinusChecksum:HdrCommonOffset], checksum[:4])

	nativeBlock := rebuiltBlock{
		header:        msg[:HdrCommonOffset+len(item.blockHeader)+countSize],
		transactions:  item.blockTransactions,
		blockHash:     dsha256(item.blockHeader),
		prevBlockHash: gwtypes.BytesToHash(item.blockHeader[4:36]),
		txnCount:      totalTxCount,
		raw:           msg,
	}

	bxBlock, info := c.normal.BlockToBxBlock(nativeBlock, item.txs)
	return CompactBlockResult{Success: true, Info: info, BxBlock: bxBlock}
}

// rebuiltBlock adapts the recovered compact-block bytes back into the
// BlockMessage contract so finishRecovery can hand it to the normal
// converter's compression path.
type rebuiltBlock struct {
	header        []byte
	transactions  [][]byte
	blockHash     gwtypes.Hash
	prevBlockHash gwtypes.Hash
	txnCount      int
	raw           []byte
}

func (b rebuiltBlock) Header() []byte            { return b.header }
func (b rebuiltBlock) Transactions() [][]byte     { return b.transactions }
func (b rebuiltBlock) BlockHash() gwtypes.Hash    { return b.blockHash }
func (b rebuiltBlock) PrevBlockHash() gwtypes.Hash { return b.prevBlockHash }
func (b rebuiltBlock) TxnCount() int              { return b.txnCount }
func (b rebuiltBlock) RawBytes() []byte           { return b.raw }
