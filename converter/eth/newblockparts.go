// Package eth implements Ethereum-side block assembly (SPEC_FULL.md's
// supplemented feature: new-block-hash announcements arrive decoupled from
// headers and bodies over the eth wire protocol, so they must be
// reassembled before compression). Grounded on
// original_source/src/bxgateway/messages/eth/new_block_parts.py and the
// pending/ready-queue bookkeeping in
// original_source/src/bxgateway/connections/eth/eth_node_connection_protocol.py's
// msg_new_block_hashes/msg_block_headers/msg_block_bodies.
package eth

import (
	"time"

	"github.com/adriennhem/bxgateway/gwtypes"
	"github.com/adriennhem/bxgateway/internal/alarm"
	"github.com/adriennhem/bxgateway/internal/log"
)

var logger = log.NewModuleLogger(log.Converter)

// NewBlockPartsMaxWait bounds how long a partially-assembled block waits
// for its missing half before being dropped, grounded on
// NEW_BLOCK_PARTS_MAX_WAIT_S.
const NewBlockPartsMaxWait = 15 * time.Second

// Parts holds whichever of (header, body) has arrived so far for a block
// announced via NewBlockHashes, plus the block number carried by the
// announcement (needed to request headers before a body is known).
type Parts struct {
	Header []byte
	Body   []byte
	Number uint64
}

// Ready reports whether both halves are present.
func (p Parts) Ready() bool { return p.Header != nil && p.Body != nil }

// PendingStore tracks in-flight block assembly and the resulting
// ready-to-broadcast queue, grounded on
// EthNodeConnectionProtocol._pending_new_blocks_parts (an ExpiringDict) and
// _ready_new_blocks (a deque of hashes).
type PendingStore struct {
	alarms  *alarm.Queue
	pending map[gwtypes.Hash]*Parts
	ready   []gwtypes.Hash
}

// NewPendingStore creates an empty store bound to alarms for expiry.
func NewPendingStore(alarms *alarm.Queue) *PendingStore {
	return &PendingStore{alarms: alarms, pending: make(map[gwtypes.Hash]*Parts)}
}

// Announce registers a block hash seen via NewBlockHashes, with only its
// number known so far, and schedules its expiry.
func (s *PendingStore) Announce(hash gwtypes.Hash, number uint64) {
	s.pending[hash] = &Parts{Number: number}
	s.alarms.RegisterAlarm(NewBlockPartsMaxWait, func() time.Duration {
		if p, ok := s.pending[hash]; ok && !p.Ready() {
			logger.Trace("dropping incompletely-assembled block", "hash", hash)
			delete(s.pending, hash)
		}
		return 0
	})
}

// SetHeader attaches a header to a pending block, promoting it to the ready
// queue if its body already arrived.
func (s *PendingStore) SetHeader(hash gwtypes.Hash, header []byte) {
	p := s.entry(hash)
	p.Header = header
	s.promoteIfReady(hash, p)
}

// SetBody attaches a body to a pending block, promoting it to the ready
// queue if its header already arrived.
func (s *PendingStore) SetBody(hash gwtypes.Hash, body []byte) {
	p := s.entry(hash)
	p.Body = body
	s.promoteIfReady(hash, p)
}

// SetWholeBlock registers a block whose header and body arrived together
// (a NewBlock protocol message, rather than an announced hash requiring
// separate header/body requests).
func (s *PendingStore) SetWholeBlock(hash gwtypes.Hash, header, body []byte) {
	s.pending[hash] = &Parts{Header: header, Body: body}
	s.ready = append(s.ready, hash)
}

func (s *PendingStore) entry(hash gwtypes.Hash) *Parts {
	p, ok := s.pending[hash]
	if !ok {
		p = &Parts{}
		s.pending[hash] = p
	}
	return p
}

func (s *PendingStore) promoteIfReady(hash gwtypes.Hash, p *Parts) {
	if p.Ready() {
		s.ready = append(s.ready, hash)
	}
}

// PopReady dequeues the next fully-assembled block, if any.
func (s *PendingStore) PopReady() (gwtypes.Hash, Parts, bool) {
	if len(s.ready) == 0 {
		return gwtypes.Hash{}, Parts{}, false
	}
	hash := s.ready[0]
	s.ready = s.ready[1:]
	p, ok := s.pending[hash]
	if !ok {
		return hash, Parts{}, false
	}
	delete(s.pending, hash)
	return hash, *p, true
}

// Len reports the number of blocks still awaiting assembly.
func (s *PendingStore) Len() int { return len(s.pending) }

// Snapshot returns a copy of the currently pending blocks, used by callers
// that must match an untagged response (e.g. a BlockBodies reply with no
// hash of its own) against whichever pending block is still missing that
// half.
func (s *PendingStore) Snapshot() map[gwtypes.Hash]Parts {
	out := make(map[gwtypes.Hash]Parts, len(s.pending))
	for hash, p := range s.pending {
		out[hash] = *p
	}
	return out
}
