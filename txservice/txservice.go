// Package txservice implements the short-id <-> transaction-hash <-> contents
// map described in spec.md section 4.1: the structure the whole compression
// pipeline is built on. A hash maps to at most one contents blob; a short id
// maps to exactly one hash; a hash may accumulate many short ids over time.
//
// Grounded on the teacher's common/cache.go for the eviction-cache idiom
// (an explicit Config building a bounded structure) and on
// original_source/src/bxgateway/services/block_processing_service.py for
// the call patterns (assign_short_id / set_transaction_contents / the
// first-writer-wins duplicate policy) that drive this package's API.
package txservice

import (
	"container/list"
	"sync/atomic"
	"time"

	"github.com/adriennhem/bxgateway/gwtypes"
	"github.com/adriennhem/bxgateway/internal/alarm"
	"github.com/adriennhem/bxgateway/internal/log"
)

var logger = log.NewModuleLogger(log.TxService)

// Stats are the anomaly counters referenced by spec.md's open question on
// duplicate writes: "ignore and count... surface the anomaly in metrics".
type Stats struct {
	DuplicateContentsCount uint64
	SidConflictCount       uint64
}

type entry struct {
	hash     gwtypes.Hash
	contents []byte
	shortIDs map[gwtypes.ShortID]struct{}
	elem     *list.Element // position in insertion-order log
}

// Config bounds the service's memory footprint (spec.md section 4.1,
// "Eviction: capped by (byte_budget, entry_budget)").
type Config struct {
	ByteBudget          int
	EntryBudget         int
	ConfirmationWindow  time.Duration
	AlarmQueue          *alarm.Queue
}

// Service is the single logical map described in spec.md section 3 and 4.1.
// Per spec.md section 5, the gateway's concurrency model guarantees a
// Service is only ever touched by the node's single owning loop, so no
// internal locking is needed -- mirroring the Python original's assumption
// of a single-threaded cooperative event loop.
type Service struct {
	cfg Config

	byHash    map[gwtypes.Hash]*entry
	byShortID map[gwtypes.ShortID]gwtypes.Hash
	order     *list.List // front = oldest insertion

	totalContentBytes int

	pinned func(gwtypes.Hash) bool

	Stats Stats
}

// New creates an empty transaction service.
func New(cfg Config) *Service {
	return &Service{
		cfg:       cfg,
		byHash:    make(map[gwtypes.Hash]*entry),
		byShortID: make(map[gwtypes.ShortID]gwtypes.Hash),
		order:     list.New(),
	}
}

// SetPinChecker installs a predicate reporting whether a hash is currently
// pinned by an in-progress recovery and must not be evicted (spec.md section
// 4.1: "remove oldest entries not currently pinned by an in-progress
// recovery").
func (s *Service) SetPinChecker(fn func(gwtypes.Hash) bool) {
	s.pinned = fn
}

func (s *Service) getOrCreate(hash gwtypes.Hash) *entry {
	if e, ok := s.byHash[hash]; ok {
		return e
	}
	e := &entry{hash: hash, shortIDs: make(map[gwtypes.ShortID]struct{})}
	e.elem = s.order.PushBack(e)
	s.byHash[hash] = e
	return e
}

// SidConflictError mirrors spec.md's SidConflict kind: assigning a short id
// already bound to a different hash.
type SidConflictError struct {
	ShortID  gwtypes.ShortID
	Existing gwtypes.Hash
	Attempt  gwtypes.Hash
}

func (e *SidConflictError) Error() string {
	return "short id already bound to a different hash"
}

// AssignShortID binds sid to hash. Idempotent if the same binding already
// exists. If sid is already bound to a different hash, returns
// SidConflictError; per spec.md section 7 ("impossible but defensively
// handled... accept newer binding"), the caller should log at ERROR and may
// still proceed, as last-writer-wins at the protocol layer.
func (s *Service) AssignShortID(hash gwtypes.Hash, sid gwtypes.ShortID) error {
	if sid.IsNull() {
		return nil
	}
	if existing, ok := s.byShortID[sid]; ok {
		if existing == hash {
			return nil // idempotent
		}
		atomic.AddUint64(&s.Stats.SidConflictCount, 1)
		logger.Error("short id conflict", "sid", sid, "existing", existing, "attempted", hash)
		return &SidConflictError{ShortID: sid, Existing: existing, Attempt: hash}
	}

	e := s.getOrCreate(hash)
	e.shortIDs[sid] = struct{}{}
	s.byShortID[sid] = hash

	s.evictIfOverBudget()
	return nil
}

// SetTransactionContents attaches contents to hash. First writer wins:
// subsequent calls with different bytes for an already-known hash are
// ignored and bump Stats.DuplicateContentsCount, per spec.md's open question
// resolution in SPEC_FULL.md.
func (s *Service) SetTransactionContents(hash gwtypes.Hash, contents []byte) (stored bool) {
	e := s.getOrCreate(hash)
	if e.contents != nil {
		atomic.AddUint64(&s.Stats.DuplicateContentsCount, 1)
		return false
	}
	e.contents = contents
	s.totalContentBytes += len(contents)

	s.evictIfOverBudget()
	return true
}

// HasShortID reports whether sid is currently bound to a hash.
func (s *Service) HasShortID(sid gwtypes.ShortID) bool {
	_, ok := s.byShortID[sid]
	return ok
}

// GetTransactionByHash returns the contents stored for hash, if any.
func (s *Service) GetTransactionByHash(hash gwtypes.Hash) ([]byte, bool) {
	e, ok := s.byHash[hash]
	if !ok || e.contents == nil {
		return nil, false
	}
	return e.contents, true
}

// HasTransactionContents reports whether hash's contents are known.
func (s *Service) HasTransactionContents(hash gwtypes.Hash) bool {
	e, ok := s.byHash[hash]
	return ok && e.contents != nil
}

// GetTransaction resolves a short id to its hash and contents (contents is
// nil while only the hash is known). ok is false if sid is unknown.
func (s *Service) GetTransaction(sid gwtypes.ShortID) (hash gwtypes.Hash, contents []byte, ok bool) {
	h, found := s.byShortID[sid]
	if !found {
		return gwtypes.Hash{}, nil, false
	}
	e := s.byHash[h]
	return h, e.contents, true
}

// GetShortID returns a short id currently bound to hash, or NullShortID if
// none has been assigned yet. When a hash has multiple short ids, an
// arbitrary one from the set is returned (any is valid for compression
// purposes: spec.md section 4.2 only needs "a" sid per transaction).
func (s *Service) GetShortID(hash gwtypes.Hash) gwtypes.ShortID {
	e, ok := s.byHash[hash]
	if !ok || len(e.shortIDs) == 0 {
		return gwtypes.NullShortID
	}
	for sid := range e.shortIDs {
		return sid
	}
	return gwtypes.NullShortID
}

// GetMissingTransactions partitions sids into those with no known hash at
// all (missingSids) and those whose hash is known but contents are not yet
// known (missingHashes, returned as the corresponding hashes), per spec.md
// section 4.1.
func (s *Service) GetMissingTransactions(sids []gwtypes.ShortID) (missing bool, missingSids []gwtypes.ShortID, missingHashes []gwtypes.Hash) {
	for _, sid := range sids {
		h, ok := s.byShortID[sid]
		if !ok {
			missingSids = append(missingSids, sid)
			missing = true
			continue
		}
		e := s.byHash[h]
		if e.contents == nil {
			missingHashes = append(missingHashes, h)
			missing = true
		}
	}
	return missing, missingSids, missingHashes
}

// TrackSeenShortIDs marks sids as belonging to a block the node has already
// processed, making their entries eligible for immediate removal --
// spec.md section 4.1.
func (s *Service) TrackSeenShortIDs(blockHash gwtypes.Hash, sids []gwtypes.ShortID) {
	logger.Trace("tracking seen short ids", "block", blockHash, "count", len(sids))
	s.evictShortIDs(sids)
}

// TrackSeenShortIDsDelayed is the same as TrackSeenShortIDs but waits for
// Config.ConfirmationWindow before performing the removal, guarding against
// a shallow reorg that would otherwise force the transactions to be
// re-learned from the BDN (spec.md section 4.1).
func (s *Service) TrackSeenShortIDsDelayed(blockHash gwtypes.Hash, sids []gwtypes.ShortID) {
	if s.cfg.AlarmQueue == nil || s.cfg.ConfirmationWindow <= 0 {
		s.TrackSeenShortIDs(blockHash, sids)
		return
	}
	s.cfg.AlarmQueue.RegisterAlarm(s.cfg.ConfirmationWindow, func() time.Duration {
		s.evictShortIDs(sids)
		return 0
	})
}

func (s *Service) evictShortIDs(sids []gwtypes.ShortID) {
	touched := make(map[gwtypes.Hash]struct{})
	for _, sid := range sids {
		h, ok := s.byShortID[sid]
		if !ok {
			continue
		}
		delete(s.byShortID, sid)
		if e, ok := s.byHash[h]; ok {
			delete(e.shortIDs, sid)
			touched[h] = struct{}{}
		}
	}
	for h := range touched {
		if e, ok := s.byHash[h]; ok && len(e.shortIDs) == 0 {
			s.removeEntry(e)
		}
	}
}

// removeEntry deletes a hash's entry entirely, cascading to all of its short
// ids, per spec.md section 3's "deletion of a hash cascades to all its
// sids" invariant.
func (s *Service) removeEntry(e *entry) {
	for sid := range e.shortIDs {
		delete(s.byShortID, sid)
	}
	delete(s.byHash, e.hash)
	s.order.Remove(e.elem)
	s.totalContentBytes -= len(e.contents)
}

// RemoveTransactionByHash evicts hash's entry (and every short id bound to
// it) outright, used by the cleanup service to prune transactions belonging
// to a confirmed block without waiting for budget-driven eviction.
func (s *Service) RemoveTransactionByHash(hash gwtypes.Hash) {
	if e, ok := s.byHash[hash]; ok {
		s.removeEntry(e)
	}
}

// evictIfOverBudget removes oldest entries, skipping any currently pinned
// by an in-progress recovery, until both budgets are satisfied.
func (s *Service) evictIfOverBudget() {
	if s.cfg.EntryBudget <= 0 && s.cfg.ByteBudget <= 0 {
		return
	}
	el := s.order.Front()
	for el != nil {
		overEntries := s.cfg.EntryBudget > 0 && s.order.Len() > s.cfg.EntryBudget
		overBytes := s.cfg.ByteBudget > 0 && s.totalContentBytes > s.cfg.ByteBudget
		if !overEntries && !overBytes {
			return
		}
		next := el.Next()
		e := el.Value.(*entry)
		if s.pinned == nil || !s.pinned(e.hash) {
			s.removeEntry(e)
		}
		el = next
	}
}

// HashCursor is a restartable, finite snapshot iterator over the hashes
// currently known to the service, grounded on the Python generator
// `iter_transaction_hashes` used by compact-block short-id derivation
// (btc_normal_message_converter.compact_block_to_bx_block).
type HashCursor struct {
	hashes []gwtypes.Hash
	pos    int
}

// HashIterator snapshots the current set of known hashes into a restartable
// cursor.
func (s *Service) HashIterator() *HashCursor {
	hashes := make([]gwtypes.Hash, 0, len(s.byHash))
	for h := range s.byHash {
		hashes = append(hashes, h)
	}
	return &HashCursor{hashes: hashes}
}

// Next returns the next hash and true, or the zero hash and false once
// exhausted.
func (c *HashCursor) Next() (gwtypes.Hash, bool) {
	if c.pos >= len(c.hashes) {
		return gwtypes.Hash{}, false
	}
	h := c.hashes[c.pos]
	c.pos++
	return h, true
}

// Reset restarts the cursor from the beginning of its snapshot.
func (c *HashCursor) Reset() { c.pos = 0 }

// Len reports the number of tracked hashes, for tests and eviction metrics.
func (s *Service) Len() int { return len(s.byHash) }
