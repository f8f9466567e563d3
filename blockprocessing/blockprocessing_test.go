package blockprocessing

import (
	"testing"
	"time"

	"github.com/adriennhem/bxgateway/blockqueuing"
	"github.com/adriennhem/bxgateway/blockrecovery"
	"github.com/adriennhem/bxgateway/bxmsg"
	"github.com/adriennhem/bxgateway/converter/btc"
	"github.com/adriennhem/bxgateway/gwtypes"
	"github.com/adriennhem/bxgateway/internal/alarm"
	"github.com/adriennhem/bxgateway/neutrality"
	"github.com/adriennhem/bxgateway/txservice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct{ name string }

func (c fakeConn) Describe() string { return c.name }

type broadcastRecord struct {
	msgType bxmsg.Type
	types   []gwtypes.ConnectionType
}

type fakeBroadcaster struct {
	records []broadcastRecord
}

func (b *fakeBroadcaster) Broadcast(payload []byte, msgType bxmsg.Type, excluding Connection, types []gwtypes.ConnectionType) []Connection {
	b.records = append(b.records, broadcastRecord{msgType: msgType, types: types})
	return nil
}

type fakeSeen struct {
	seen map[gwtypes.Hash]struct{}
}

func newFakeSeen() *fakeSeen { return &fakeSeen{seen: make(map[gwtypes.Hash]struct{})} }

func (f *fakeSeen) Contains(h gwtypes.Hash) bool { _, ok := f.seen[h]; return ok }
func (f *fakeSeen) Add(h gwtypes.Hash)            { f.seen[h] = struct{}{} }

// fakeConverter lets tests script BxBlockToBlock's result directly, since
// compact-block byte layout is exercised in the converter package's own
// tests; this package only needs to drive the processing state machine.
type fakeConverter struct {
	toBxBlock   func(block btc.BlockMessage, txs btc.TxService) ([]byte, btc.BlockInfo)
	fromBxBlock func(bx []byte, txs btc.TxService) ([]byte, btc.BlockInfo, []gwtypes.ShortID, []gwtypes.Hash, error)
}

func (c *fakeConverter) BlockToBxBlock(block btc.BlockMessage, txs btc.TxService) ([]byte, btc.BlockInfo) {
	return c.toBxBlock(block, txs)
}

func (c *fakeConverter) BxBlockToBlock(bx []byte, txs btc.TxService) ([]byte, btc.BlockInfo, []gwtypes.ShortID, []gwtypes.Hash, error) {
	return c.fromBxBlock(bx, txs)
}

type fakeBlockMessage struct {
	hash gwtypes.Hash
}

func (b fakeBlockMessage) Header() []byte             { return nil }
func (b fakeBlockMessage) Transactions() [][]byte      { return nil }
func (b fakeBlockMessage) BlockHash() gwtypes.Hash     { return b.hash }
func (b fakeBlockMessage) PrevBlockHash() gwtypes.Hash { return gwtypes.Hash{} }
func (b fakeBlockMessage) TxnCount() int               { return 0 }
func (b fakeBlockMessage) RawBytes() []byte            { return nil }

func testHash(b byte) gwtypes.Hash {
	var h gwtypes.Hash
	h[0] = b
	return h
}

func newTestService(conv Converter, broadcaster *fakeBroadcaster, seen *fakeSeen, opts Opts) (*Service, *alarm.Queue) {
	txs := txservice.New(txservice.Config{})
	alarms := alarm.NewQueue()
	store := neutrality.NewInProgressStore()
	propagator := neutrality.NewService(store,
		func() ([]byte, error) { return make([]byte, 32), nil },
		func(gwtypes.Hash, []byte) error { return nil },
		func(gwtypes.Hash, []byte) error { return nil },
	)
	queuing := blockqueuing.New(0)
	recovery := blockrecovery.New()
	svc := New(txs, conv, alarms, broadcaster, seen, store, propagator, queuing, recovery, opts, func() bool { return true })
	return svc, alarms
}

func TestPlaceHoldIsNoopWhenAlreadySeen(t *testing.T) {
	seen := newFakeSeen()
	hash := testHash(1)
	seen.Add(hash)
	broadcaster := &fakeBroadcaster{}
	svc, _ := newTestService(nil, broadcaster, seen, Opts{})

	svc.PlaceHold(hash, fakeConn{"peer"})

	assert.Empty(t, broadcaster.records)
	assert.Empty(t, svc.holds)
}

func TestQueueBlockForProcessingWaitsForHoldThenFires(t *testing.T) {
	hash := testHash(2)
	seen := newFakeSeen()
	broadcaster := &fakeBroadcaster{}
	var compressed bool
	conv := &fakeConverter{
		toBxBlock: func(block btc.BlockMessage, txs btc.TxService) ([]byte, btc.BlockInfo) {
			compressed = true
			return []byte("bx"), btc.BlockInfo{BlockHash: hash}
		},
	}
	svc, alarms := newTestService(conv, broadcaster, seen, Opts{BlockHoldTimeout: 5 * time.Millisecond})
	go alarms.Run()
	defer alarms.Stop()

	svc.PlaceHold(hash, fakeConn{"holder"})
	require.Len(t, broadcaster.records, 1)

	svc.QueueBlockForProcessing(fakeBlockMessage{hash: hash}, fakeConn{"node"})
	assert.False(t, compressed, "hold should defer compression")

	require.Eventually(t, func() bool { return compressed }, time.Second, time.Millisecond)
}

func TestCancelHoldTimeoutPreventsLateFire(t *testing.T) {
	hash := testHash(3)
	seen := newFakeSeen()
	broadcaster := &fakeBroadcaster{}
	var compressed bool
	conv := &fakeConverter{
		toBxBlock: func(block btc.BlockMessage, txs btc.TxService) ([]byte, btc.BlockInfo) {
			compressed = true
			return []byte("bx"), btc.BlockInfo{BlockHash: hash}
		},
	}
	svc, alarms := newTestService(conv, broadcaster, seen, Opts{BlockHoldTimeout: 20 * time.Millisecond})
	go alarms.Run()
	defer alarms.Stop()

	svc.PlaceHold(hash, fakeConn{"holder"})
	svc.QueueBlockForProcessing(fakeBlockMessage{hash: hash}, fakeConn{"node"})
	svc.CancelHoldTimeout(hash, fakeConn{"node"})

	time.Sleep(40 * time.Millisecond)
	assert.False(t, compressed)
	assert.NotContains(t, svc.holds, hash)
}

func TestProcessBlockBroadcastUnencryptedGoesStraightToDecryptedHandling(t *testing.T) {
	hash := testHash(4)
	seen := newFakeSeen()
	broadcaster := &fakeBroadcaster{}
	conv := &fakeConverter{
		fromBxBlock: func(bx []byte, txs btc.TxService) ([]byte, btc.BlockInfo, []gwtypes.ShortID, []gwtypes.Hash, error) {
			return []byte("native"), btc.BlockInfo{BlockHash: hash}, nil, nil, nil
		},
	}
	svc, _ := newTestService(conv, broadcaster, seen, Opts{})

	svc.ProcessBlockBroadcast(bxmsg.BroadcastMessage{BlockHash: hash, IsEncrypted: false, Blob: []byte("bx")}, fakeConn{"relay"})

	assert.True(t, seen.Contains(hash))
	deliverable, ok := svc.queuing.NextDeliverable()
	require.True(t, ok)
	assert.Equal(t, hash, deliverable.Hash)
}

func TestProcessBlockBroadcastEncryptedThenKeyPairsUp(t *testing.T) {
	seen := newFakeSeen()
	broadcaster := &fakeBroadcaster{}

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	plaintext := []byte("plaintext-block")
	ciphertext, hash, err := neutrality.EncryptForPropagation(plaintext, key)
	require.NoError(t, err)

	conv := &fakeConverter{
		fromBxBlock: func(bx []byte, txs btc.TxService) ([]byte, btc.BlockInfo, []gwtypes.ShortID, []gwtypes.Hash, error) {
			return []byte("native"), btc.BlockInfo{BlockHash: hash}, nil, nil, nil
		},
	}
	svc, _ := newTestService(conv, broadcaster, seen, Opts{})

	svc.ProcessBlockBroadcast(bxmsg.BroadcastMessage{BlockHash: hash, IsEncrypted: true, Blob: ciphertext}, fakeConn{"relay"})
	assert.False(t, seen.Contains(hash), "ciphertext alone isn't enough to decrypt")

	svc.ProcessBlockKey(bxmsg.KeyMessage{BlockHash: hash, Key: key}, fakeConn{"relay"})
	assert.True(t, seen.Contains(hash))
}

func TestHandleDecryptedBlockUnknownSidSchedulesRecovery(t *testing.T) {
	hash := testHash(5)
	seen := newFakeSeen()
	broadcaster := &fakeBroadcaster{}
	conv := &fakeConverter{
		fromBxBlock: func(bx []byte, txs btc.TxService) ([]byte, btc.BlockInfo, []gwtypes.ShortID, []gwtypes.Hash, error) {
			return nil, btc.BlockInfo{BlockHash: hash}, []gwtypes.ShortID{9}, nil, nil
		},
	}
	svc, _ := newTestService(conv, broadcaster, seen, Opts{})

	svc.ProcessBlockBroadcast(bxmsg.BroadcastMessage{BlockHash: hash, IsEncrypted: false, Blob: []byte("bx")}, fakeConn{"relay"})

	assert.False(t, seen.Contains(hash))
	assert.True(t, svc.queuing.Contains(hash))
	info, ok := svc.recovery.Get(hash)
	require.True(t, ok)
	assert.Equal(t, []gwtypes.ShortID{9}, info.UnknownShortIDs)

	found := false
	for _, rec := range broadcaster.records {
		if rec.msgType == bxmsg.TypeGetTxs {
			found = true
		}
	}
	assert.True(t, found, "expected a get_txs broadcast")
}

func TestScheduleRecoveryRetryAbandonsAfterMaxAttempts(t *testing.T) {
	hash := testHash(6)
	seen := newFakeSeen()
	broadcaster := &fakeBroadcaster{}
	svc, _ := newTestService(nil, broadcaster, seen, Opts{})

	svc.recovery.AddBlock([]byte("bx"), hash, []gwtypes.ShortID{1}, nil)
	svc.queuing.Push(hash, nil, true)

	info, _ := svc.recovery.Get(hash)
	for i := 0; i < blockrecovery.MaxRetryAttempts; i++ {
		svc.recovery.IncrementRecoveryAttempts(hash)
	}
	info, _ = svc.recovery.Get(hash)

	svc.ScheduleRecoveryRetry(info)

	_, stillPending := svc.recovery.Get(hash)
	assert.False(t, stillPending)
	assert.False(t, svc.queuing.Contains(hash))
}

func TestRetryBroadcastRecoveredBlocksDrainsQueue(t *testing.T) {
	hash := testHash(7)
	seen := newFakeSeen()
	broadcaster := &fakeBroadcaster{}
	conv := &fakeConverter{
		fromBxBlock: func(bx []byte, txs btc.TxService) ([]byte, btc.BlockInfo, []gwtypes.ShortID, []gwtypes.Hash, error) {
			return []byte("native"), btc.BlockInfo{BlockHash: hash}, nil, nil, nil
		},
	}
	svc, _ := newTestService(conv, broadcaster, seen, Opts{})
	svc.recovery.AddRecoveredBlock([]byte("bx"))

	svc.RetryBroadcastRecoveredBlocks(fakeConn{"relay"})

	assert.True(t, seen.Contains(hash))
	assert.Empty(t, svc.recovery.RecoveredBlocks)
}
