// Package bxmsg implements the BDN relay wire protocol described in
// spec.md section 6: a fixed envelope (starting sequence, payload length,
// null-padded type tag, payload, trailing control flag) wrapping a small
// fixed set of message types. Grounded on the dispatch table in
// original_source/src/bxgateway/connections/abstract_relay_connection.py
// (`hello, ack, ping, pong, broadcast, key, tx, txs, block_holding,
// block_received, disconnect_relay_peer, tx_service_sync_{txs,complete},
// block_confirmation, transaction_cleanup, get_txs`) and on the teacher's
// RLP-adjacent message-framing style in node/cn/protocol.go.
package bxmsg

import (
	"encoding/binary"

	"github.com/adriennhem/bxgateway/gwtypes"
	"github.com/adriennhem/bxgateway/internal/gwerrors"
)

// StartingSequenceBytes is the 4-byte magic every bx wire frame begins
// with.
var StartingSequenceBytes = [4]byte{0x62, 0x6c, 0x6f, 0x78} // "blox"

// TypeLen is the width of the null-padded ASCII type tag.
const TypeLen = 12

// HeaderLen is the fixed envelope overhead before the payload: starting
// sequence + payload length + type tag.
const HeaderLen = len(StartingSequenceBytes) + 4 + TypeLen

// Type identifies a bx message's wire type tag.
type Type string

const (
	TypeHello               Type = "hello"
	TypeAck                 Type = "ack"
	TypePing                Type = "ping"
	TypePong                Type = "pong"
	TypeBroadcast           Type = "broadcast"
	TypeKey                 Type = "key"
	TypeTx                  Type = "tx"
	TypeTxs                 Type = "txs"
	TypeBlockHolding        Type = "block_holding"
	TypeBlockReceived       Type = "block_received"
	TypeDisconnectRelayPeer Type = "disconnect_relay_peer"
	TypeTxServiceSyncTxs    Type = "tx_service_sync_txs"
	TypeTxServiceSyncDone   Type = "tx_service_sync_complete"
	TypeBlockConfirmation   Type = "block_confirmation"
	TypeTransactionCleanup  Type = "transaction_cleanup"
	TypeGetTxs              Type = "get_txs"
)

// ControlFlag is the trailing byte of every frame.
type ControlFlag uint8

const (
	ControlFlagNone ControlFlag = iota
)

// Frame is a decoded envelope: type tag, payload bytes, control flag.
type Frame struct {
	Type        Type
	Payload     []byte
	ControlFlag ControlFlag
}

func typeTagBytes(t Type) [TypeLen]byte {
	var tag [TypeLen]byte
	copy(tag[:], t)
	return tag
}

func typeFromTagBytes(tag []byte) Type {
	n := 0
	for n < len(tag) && tag[n] != 0 {
		n++
	}
	return Type(tag[:n])
}

// Encode serializes a frame to bx wire bytes: starting sequence, LE
// payload length, null-padded type, payload, trailing control flag.
func Encode(f Frame) []byte {
	out := make([]byte, HeaderLen+len(f.Payload)+1)
	off := copy(out, StartingSequenceBytes[:])
	binary.LittleEndian.PutUint32(out[off:], uint32(len(f.Payload)))
	off += 4
	tag := typeTagBytes(f.Type)
	off += copy(out[off:], tag[:])
	off += copy(out[off:], f.Payload)
	out[off] = byte(f.ControlFlag)
	return out
}

// Decode parses a single bx wire frame from the front of buf, returning the
// frame and the number of bytes consumed. Returns gwerrors.ProtocolViolation
// if buf does not begin with a valid, complete frame.
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) < HeaderLen+1 {
		return Frame{}, 0, gwerrors.New(gwerrors.ProtocolViolation, "frame shorter than header")
	}
	for i, b := range StartingSequenceBytes {
		if buf[i] != b {
			return Frame{}, 0, gwerrors.New(gwerrors.ProtocolViolation, "bad starting sequence")
		}
	}
	payloadLen := binary.LittleEndian.Uint32(buf[4:8])
	total := HeaderLen + int(payloadLen) + 1
	if total > len(buf) {
		return Frame{}, 0, gwerrors.New(gwerrors.ProtocolViolation, "frame longer than available buffer")
	}
	typ := typeFromTagBytes(buf[8 : 8+TypeLen])
	payload := buf[HeaderLen : HeaderLen+int(payloadLen)]
	flag := ControlFlag(buf[HeaderLen+int(payloadLen)])
	return Frame{Type: typ, Payload: payload, ControlFlag: flag}, total, nil
}

// BlockHoldingMessage announces that the sender is holding a block hash to
// avoid a duplicate BDN broadcast.
type BlockHoldingMessage struct {
	BlockHash gwtypes.Hash
}

func (m BlockHoldingMessage) Encode() []byte { return m.BlockHash[:] }

func DecodeBlockHoldingMessage(payload []byte) (BlockHoldingMessage, error) {
	if len(payload) != gwtypes.HashLen {
		return BlockHoldingMessage{}, gwerrors.New(gwerrors.ProtocolViolation, "block_holding payload length %d", len(payload))
	}
	return BlockHoldingMessage{BlockHash: gwtypes.BytesToHash(payload)}, nil
}

// BlockReceivedMessage is a receipt sent to gateway peers acknowledging
// receipt of an (as yet undecrypted) encrypted block.
type BlockReceivedMessage struct {
	BlockHash gwtypes.Hash
}

func (m BlockReceivedMessage) Encode() []byte { return m.BlockHash[:] }

func DecodeBlockReceivedMessage(payload []byte) (BlockReceivedMessage, error) {
	if len(payload) != gwtypes.HashLen {
		return BlockReceivedMessage{}, gwerrors.New(gwerrors.ProtocolViolation, "block_received payload length %d", len(payload))
	}
	return BlockReceivedMessage{BlockHash: gwtypes.BytesToHash(payload)}, nil
}

// BroadcastMessage carries a possibly-encrypted bx-block.
type BroadcastMessage struct {
	BlockHash   gwtypes.Hash
	IsEncrypted bool
	Blob        []byte
}

func (m BroadcastMessage) Encode() []byte {
	out := make([]byte, gwtypes.HashLen+1+len(m.Blob))
	copy(out, m.BlockHash[:])
	if m.IsEncrypted {
		out[gwtypes.HashLen] = 1
	}
	copy(out[gwtypes.HashLen+1:], m.Blob)
	return out
}

func DecodeBroadcastMessage(payload []byte) (BroadcastMessage, error) {
	if len(payload) < gwtypes.HashLen+1 {
		return BroadcastMessage{}, gwerrors.New(gwerrors.ProtocolViolation, "broadcast payload too short")
	}
	return BroadcastMessage{
		BlockHash:   gwtypes.BytesToHash(payload[:gwtypes.HashLen]),
		IsEncrypted: payload[gwtypes.HashLen] != 0,
		Blob:        payload[gwtypes.HashLen+1:],
	}, nil
}

// KeyMessage carries a block's decryption key.
type KeyMessage struct {
	BlockHash gwtypes.Hash
	Key       []byte
}

func (m KeyMessage) Encode() []byte {
	out := make([]byte, gwtypes.HashLen+len(m.Key))
	copy(out, m.BlockHash[:])
	copy(out[gwtypes.HashLen:], m.Key)
	return out
}

func DecodeKeyMessage(payload []byte) (KeyMessage, error) {
	if len(payload) < gwtypes.HashLen {
		return KeyMessage{}, gwerrors.New(gwerrors.ProtocolViolation, "key payload too short")
	}
	return KeyMessage{BlockHash: gwtypes.BytesToHash(payload[:gwtypes.HashLen]), Key: payload[gwtypes.HashLen:]}, nil
}

// GetTxsMessage requests transaction contents/hashes for a set of short
// ids, grounded on GetTxsMessage(short_ids=...).
type GetTxsMessage struct {
	ShortIDs []gwtypes.ShortID
}

func (m GetTxsMessage) Encode() []byte {
	out := make([]byte, 4*len(m.ShortIDs))
	for i, sid := range m.ShortIDs {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(sid))
	}
	return out
}

func DecodeGetTxsMessage(payload []byte) (GetTxsMessage, error) {
	if len(payload)%4 != 0 {
		return GetTxsMessage{}, gwerrors.New(gwerrors.ProtocolViolation, "get_txs payload not a multiple of 4")
	}
	sids := make([]gwtypes.ShortID, len(payload)/4)
	for i := range sids {
		sids[i] = gwtypes.ShortID(binary.LittleEndian.Uint32(payload[i*4:]))
	}
	return GetTxsMessage{ShortIDs: sids}, nil
}

// TxMessage carries a single transaction's sid/hash/contents triple.
type TxMessage struct {
	Hash     gwtypes.Hash
	ShortID  gwtypes.ShortID
	Contents []byte
}

func (m TxMessage) Encode() []byte {
	out := make([]byte, gwtypes.HashLen+4+len(m.Contents))
	copy(out, m.Hash[:])
	binary.LittleEndian.PutUint32(out[gwtypes.HashLen:], uint32(m.ShortID))
	copy(out[gwtypes.HashLen+4:], m.Contents)
	return out
}

func DecodeTxMessage(payload []byte) (TxMessage, error) {
	if len(payload) < gwtypes.HashLen+4 {
		return TxMessage{}, gwerrors.New(gwerrors.ProtocolViolation, "tx payload too short")
	}
	return TxMessage{
		Hash:     gwtypes.BytesToHash(payload[:gwtypes.HashLen]),
		ShortID:  gwtypes.ShortID(binary.LittleEndian.Uint32(payload[gwtypes.HashLen:])),
		Contents: payload[gwtypes.HashLen+4:],
	}, nil
}

// TxsMessage batches multiple TxMessage entries, as sent in response to a
// GetTxsMessage.
type TxsMessage struct {
	Txs []TxMessage
}

func (m TxsMessage) Encode() []byte {
	var out []byte
	countBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(countBuf, uint32(len(m.Txs)))
	out = append(out, countBuf...)
	for _, tx := range m.Txs {
		entry := tx.Encode()
		entryLen := make([]byte, 4)
		binary.LittleEndian.PutUint32(entryLen, uint32(len(entry)))
		out = append(out, entryLen...)
		out = append(out, entry...)
	}
	return out
}

func DecodeTxsMessage(payload []byte) (TxsMessage, error) {
	if len(payload) < 4 {
		return TxsMessage{}, gwerrors.New(gwerrors.ProtocolViolation, "txs payload too short")
	}
	count := binary.LittleEndian.Uint32(payload[:4])
	offset := 4
	txs := make([]TxMessage, 0, count)
	for i := uint32(0); i < count; i++ {
		if offset+4 > len(payload) {
			return TxsMessage{}, gwerrors.New(gwerrors.ProtocolViolation, "txs entry length truncated")
		}
		entryLen := int(binary.LittleEndian.Uint32(payload[offset:]))
		offset += 4
		if offset+entryLen > len(payload) {
			return TxsMessage{}, gwerrors.New(gwerrors.ProtocolViolation, "txs entry truncated")
		}
		tx, err := DecodeTxMessage(payload[offset : offset+entryLen])
		if err != nil {
			return TxsMessage{}, err
		}
		txs = append(txs, tx)
		offset += entryLen
	}
	return TxsMessage{Txs: txs}, nil
}
