// Package blockqueuing orders decompressed blocks for delivery to the local
// blockchain node (spec.md section 4.5). block_queuing_service.py was not
// present in the retrieval pack; this is built directly from spec.md
// section 4.5's contract plus SPEC_FULL.md's ordering clarification: the
// service is a doubly-linked FIFO of per-hash entries so a placeholder can
// be mutated in place by update_recovered_block without disturbing queue
// order, grounded on the original's dict+deque-of-hashes combination implied
// by push/update_recovered_block/mark_blocks_seen_by_blockchain_node/remove.
package blockqueuing

import (
	"container/list"
	"time"

	"github.com/adriennhem/bxgateway/gwtypes"
	"github.com/adriennhem/bxgateway/internal/log"
)

var logger = log.NewModuleLogger(log.BlockQueuing)

type entry struct {
	hash               gwtypes.Hash
	blockMessage       []byte
	waitingForRecovery bool
	enqueuedAt         time.Time
	elem               *list.Element
}

// Service is the ordered per-blockchain-node delivery queue. Like the other
// services it is only ever touched from the node's single owning loop
// (spec.md section 5).
type Service struct {
	byHash map[gwtypes.Hash]*entry
	order  *list.List

	minInterval time.Duration
	lastPush    time.Time
}

// New creates an empty queuing service. minInterval enforces
// MAX_INTERVAL_BETWEEN_BLOCKS_S spacing between deliveries to the local
// blockchain node.
func New(minInterval time.Duration) *Service {
	return &Service{
		byHash:      make(map[gwtypes.Hash]*entry),
		order:       list.New(),
		minInterval: minInterval,
	}
}

// Contains reports whether hash has an entry in the queue (a placeholder
// or a real block), matching the original's `hash in block_queuing_service`
// membership test.
func (s *Service) Contains(hash gwtypes.Hash) bool {
	_, ok := s.byHash[hash]
	return ok
}

// Push enqueues hash, optionally as a waiting_for_recovery placeholder that
// reserves its slot in arrival order until a recovered block fills it in.
func (s *Service) Push(hash gwtypes.Hash, blockMessage []byte, waitingForRecovery bool) {
	if e, ok := s.byHash[hash]; ok {
		e.blockMessage = blockMessage
		e.waitingForRecovery = waitingForRecovery
		return
	}
	e := &entry{hash: hash, blockMessage: blockMessage, waitingForRecovery: waitingForRecovery, enqueuedAt: time.Now()}
	e.elem = s.order.PushBack(e)
	s.byHash[hash] = e
}

// UpdateRecoveredBlock attaches a recovered block message to an existing
// placeholder entry, preserving its original queue position.
func (s *Service) UpdateRecoveredBlock(hash gwtypes.Hash, blockMessage []byte) {
	e, ok := s.byHash[hash]
	if !ok {
		s.Push(hash, blockMessage, false)
		return
	}
	e.blockMessage = blockMessage
	e.waitingForRecovery = false
}

// MarkBlocksSeenByBlockchainNode removes hashes from the head of the queue
// because they arrived at the local blockchain node via the native p2p
// path, not via this delivery queue.
func (s *Service) MarkBlocksSeenByBlockchainNode(hashes []gwtypes.Hash) {
	for _, h := range hashes {
		s.Remove(h)
	}
}

// Remove drops hash unconditionally.
func (s *Service) Remove(hash gwtypes.Hash) {
	e, ok := s.byHash[hash]
	if !ok {
		return
	}
	s.order.Remove(e.elem)
	delete(s.byHash, hash)
}

// Deliverable is a block ready to hand to the local blockchain node: the
// head of the queue, once it is not a waiting_for_recovery placeholder and
// the minimum inter-block delivery interval has elapsed.
type Deliverable struct {
	Hash         gwtypes.Hash
	BlockMessage []byte
}

// NextDeliverable returns the head entry if it is not a placeholder and the
// minimum interval since the last delivery has elapsed. A placeholder at the
// head holds back every entry behind it.
func (s *Service) NextDeliverable() (Deliverable, bool) {
	if s.minInterval > 0 && time.Since(s.lastPush) < s.minInterval {
		return Deliverable{}, false
	}
	el := s.order.Front()
	if el == nil {
		return Deliverable{}, false
	}
	e := el.Value.(*entry)
	if e.waitingForRecovery {
		return Deliverable{}, false
	}
	s.order.Remove(el)
	delete(s.byHash, e.hash)
	s.lastPush = time.Now()
	return Deliverable{Hash: e.hash, BlockMessage: e.blockMessage}, true
}

// Len reports the number of entries currently queued.
func (s *Service) Len() int { return len(s.byHash) }
