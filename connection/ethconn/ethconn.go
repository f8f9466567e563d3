// Package ethconn implements the connection to a local Ethereum node over
// devp2p/RLPx (spec.md section 4.6, Ethereum variant), grounded on
// original_source/src/bxgateway/connections/eth/eth_node_connection_protocol.py
// and eth_base_connection_protocol.py: a Status handshake, NewBlockHashes/
// NewBlock/BlockHeaders/BlockBodies assembly via converter/eth.PendingStore,
// and handing assembled blocks to block processing. Transport framing and
// the ECIES/AES-GCM handshake are delegated to go-ethereum's own p2p/rlpx
// package (already a direct dependency) rather than reimplemented, per the
// corpus's own go-ethereum lineage; block header/body wire shapes reuse
// go-ethereum's core/types rather than hand-rolled RLP structs.
package ethconn

import (
	"crypto/ecdsa"
	"math/big"
	"net"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/rlpx"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/adriennhem/bxgateway/blockprocessing"
	"github.com/adriennhem/bxgateway/converter/btc"
	"github.com/adriennhem/bxgateway/converter/eth"
	"github.com/adriennhem/bxgateway/gwtypes"
	"github.com/adriennhem/bxgateway/internal/gwerrors"
	"github.com/adriennhem/bxgateway/internal/log"
)

var logger = log.NewModuleLogger(log.EthConn)

// eth/66 message codes, grounded on EthProtocolMessageType /
// eth_base_connection_protocol.py's message_handlers table.
const (
	codeStatus          = 0x00
	codeNewBlockHashes  = 0x01
	codeTransactions    = 0x02
	codeGetBlockHeaders = 0x03
	codeBlockHeaders    = 0x04
	codeGetBlockBodies  = 0x05
	codeBlockBodies     = 0x06
	codeNewBlock        = 0x07
)

// Node is the capability subset an Ethereum node connection depends on.
type Node interface {
	BlockProcessing() *blockprocessing.Service
	PendingBlockParts() *eth.PendingStore
	Difficulty() *eth.KnownTotalDifficulty
	MarkBlockSeenByBlockchainNode(hash gwtypes.Hash)
}

// Connection is the gateway's connection to the local Ethereum node,
// wrapping an RLPx transport.
type Connection struct {
	rlpx *rlpx.Conn
	node Node
}

// New wraps conn in an RLPx session and performs the handshake, mirroring
// AbstractGatewayNode's single outbound connection to its local node.
// remotePub is the local Ethereum node's static devp2p public key, which
// cmd/gateway learns beforehand through ethdisc.DiscoverPublicKey.
func New(conn net.Conn, node Node, remotePub *ecdsa.PublicKey) (*Connection, error) {
	rc := rlpx.NewConn(conn, remotePub)
	prv, err := crypto.GenerateKey()
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.IO, err)
	}
	if _, err := rc.Handshake(prv); err != nil {
		return nil, gwerrors.Wrap(gwerrors.IO, err)
	}
	rc.SetSnappy(true)
	return &Connection{rlpx: rc, node: node}, nil
}

func (c *Connection) Describe() string { return "ethnode" }

type getBlockHeadersPacket struct {
	Origin  [32]byte
	Amount  uint64
	Skip    uint64
	Reverse bool
}

// RequestHeaders sends a GetBlockHeaders request starting at hash, used by
// the cleanup service's confirmation polling, grounded on
// `_build_get_blocks_message_for_block_confirmation`'s
// `GetBlockHeadersEthProtocolMessage(block_hash=..., amount=100, skip=0,
// reverse=0)`.
func (c *Connection) RequestHeaders(hash gwtypes.Hash) error {
	packet := getBlockHeadersPacket{Origin: hash, Amount: 100}
	data, err := rlp.EncodeToBytes(packet)
	if err != nil {
		return gwerrors.Wrap(gwerrors.MessageConversion, err)
	}
	if _, err := c.rlpx.Write(codeGetBlockHeaders, data); err != nil {
		return gwerrors.Wrap(gwerrors.IO, err)
	}
	return nil
}

// Serve runs the receive loop, dispatching each devp2p message by code.
func (c *Connection) Serve() error {
	for {
		code, data, _, err := c.rlpx.Read()
		if err != nil {
			return gwerrors.Wrap(gwerrors.IO, err)
		}
		if err := c.dispatch(code, data); err != nil {
			return err
		}
	}
}

func (c *Connection) dispatch(code uint64, data []byte) error {
	switch code {
	case codeStatus:
		logger.Info("ethereum node status received", "peer", c.Describe())
		return nil
	case codeNewBlockHashes:
		return c.msgNewBlockHashes(data)
	case codeBlockHeaders:
		return c.msgBlockHeaders(data)
	case codeBlockBodies:
		return c.msgBlockBodies(data)
	case codeNewBlock:
		return c.msgNewBlock(data)
	case codeTransactions, codeGetBlockHeaders, codeGetBlockBodies:
		return nil // request/relay-only messages not modeled beyond acknowledgment
	default:
		logger.Trace("unhandled ethereum message", "code", code)
		return nil
	}
}

type blockHashNumber struct {
	Hash   [32]byte
	Number uint64
}

// msgNewBlockHashes registers each announced hash in the pending-parts
// store, grounded on msg_new_block_hashes. It only registers the hashes:
// no GetBlockHeaders or GetBlockBodies request is sent, so a pending entry
// is completed only by headers and bodies the node sends on its own.
func (c *Connection) msgNewBlockHashes(data []byte) error {
	var announcements []blockHashNumber
	if err := rlp.DecodeBytes(data, &announcements); err != nil {
		return nil // malformed announcement, drop rather than tear down the connection
	}
	for _, a := range announcements {
		c.node.PendingBlockParts().Announce(gwtypes.Hash(a.Hash), a.Number)
	}
	return nil
}

// msgBlockHeaders attaches a single-header response to its pending block,
// grounded on msg_block_headers's "len(block_headers) == 1 and pending"
// branch; multi-header checkpoint-sync responses aren't modeled, since the
// gateway only ever requests headers for its own pending-new-block parts.
func (c *Connection) msgBlockHeaders(data []byte) error {
	var headers []*types.Header
	if err := rlp.DecodeBytes(data, &headers); err != nil {
		return nil
	}
	if len(headers) != 1 {
		return nil
	}
	hash := gwtypes.Hash(headers[0].Hash())
	headerBytes, err := rlp.EncodeToBytes(headers[0])
	if err != nil {
		return nil
	}
	c.node.PendingBlockParts().SetHeader(hash, headerBytes)
	c.popReadyBlocks()
	return nil
}

type rlpBody struct {
	Transactions []*types.Transaction
	Uncles       []*types.Header
}

// msgBlockBodies attaches a body response to its pending block, grounded on
// msg_block_bodies's pending-new-block branch (the cleanup-service branch
// is out of scope: spec.md's Non-goals exclude chain reorg/cleanup).
func (c *Connection) msgBlockBodies(data []byte) error {
	var bodies []rlpBody
	if err := rlp.DecodeBytes(data, &bodies); err != nil {
		return nil
	}
	for _, body := range bodies {
		bodyBytes, err := rlp.EncodeToBytes(body)
		if err != nil {
			continue
		}
		// A body carries no hash and PendingStore has no body-to-hash
		// index, so the body is attached to a pending hash still missing
		// one; with several such hashes, which one gets it follows map
		// iteration order.
		for hash, parts := range c.node.PendingBlockParts().Snapshot() {
			if parts.Body == nil {
				c.node.PendingBlockParts().SetBody(hash, bodyBytes)
				break
			}
		}
	}
	c.popReadyBlocks()
	return nil
}

// msgNewBlock handles a NewBlock message, which carries header and body
// together along with the sender's total difficulty, grounded on
// msg_block/InternalEthBlockInfo.from_new_block_parts.
func (c *Connection) msgNewBlock(data []byte) error {
	var wire struct {
		Block *types.Block
		TD    *big.Int
	}
	if err := rlp.DecodeBytes(data, &wire); err != nil {
		logger.Warn("failed to decode eth NewBlock message", "err", err)
		return nil
	}
	hash := gwtypes.Hash(wire.Block.Hash())
	c.node.Difficulty().Set(hash, wire.TD)

	headerBytes, err := rlp.EncodeToBytes(wire.Block.Header())
	if err != nil {
		return nil
	}
	bodyBytes, err := rlp.EncodeToBytes(rlpBody{Transactions: wire.Block.Transactions(), Uncles: wire.Block.Uncles()})
	if err != nil {
		return nil
	}
	c.node.PendingBlockParts().SetWholeBlock(hash, headerBytes, bodyBytes)
	c.popReadyBlocks()
	return nil
}

// popReadyBlocks drains every fully-assembled block and hands it to block
// processing, grounded on _process_ready_new_blocks's drain loop.
func (c *Connection) popReadyBlocks() {
	for {
		hash, parts, ok := c.node.PendingBlockParts().PopReady()
		if !ok {
			return
		}
		difficulty, _ := c.node.Difficulty().Get(hash)
		block := ethBlockMessage{hash: hash, header: parts.Header, body: parts.Body, difficulty: difficulty}
		c.node.BlockProcessing().QueueBlockForProcessing(block, c)
		c.node.MarkBlockSeenByBlockchainNode(hash)
	}
}

// ethBlockMessage adapts an assembled Ethereum block to btc.BlockMessage so
// it can flow through the same block-processing/compression pipeline as
// Bitcoin blocks; the interface only demands byte-oriented accessors, which
// RLP-encoded header/body bytes satisfy directly.
type ethBlockMessage struct {
	hash       gwtypes.Hash
	header     []byte
	body       []byte
	difficulty *big.Int
}

func (b ethBlockMessage) Header() []byte         { return b.header }
func (b ethBlockMessage) Transactions() [][]byte { return [][]byte{b.body} }
func (b ethBlockMessage) BlockHash() gwtypes.Hash { return b.hash }
func (b ethBlockMessage) PrevBlockHash() gwtypes.Hash {
	var h types.Header
	if err := rlp.DecodeBytes(b.header, &h); err != nil {
		return gwtypes.Hash{}
	}
	return gwtypes.Hash(h.ParentHash)
}
func (b ethBlockMessage) TxnCount() int    { return 1 }
func (b ethBlockMessage) RawBytes() []byte { return append(append([]byte{}, b.header...), b.body...) }

var _ btc.BlockMessage = ethBlockMessage{}
