package relay

import (
	"testing"

	"github.com/adriennhem/bxgateway/blockprocessing"
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

type fakeSeen struct{ seen map[gwtypes.Hash]struct{} }

func newFakeSeen() *fakeSeen { return &fakeSeen{seen: make(map[gwtypes.Hash]struct{})} }
func (f *fakeSeen) Contains(h gwtypes.Hash) bool { _, ok := f.seen[h]; return ok }
func (f *fakeSeen) Add(h gwtypes.Hash)           { f.seen[h] = struct{}{} }

type fakeBroadcaster struct {
	types []bxmsg.Type
}

func (b *fakeBroadcaster) Broadcast(payload []byte, msgType bxmsg.Type, excluding blockprocessing.Connection, types []gwtypes.ConnectionType) []blockprocessing.Connection {
	b.types = append(b.types, msgType)
	return nil
}

type fakeConverter struct{}

func (fakeConverter) BlockToBxBlock(block btc.BlockMessage, txs btc.TxService) ([]byte, btc.BlockInfo) {
	return nil, btc.BlockInfo{}
}

func (fakeConverter) BxBlockToBlock(bx []byte, txs btc.TxService) ([]byte, btc.BlockInfo, []gwtypes.ShortID, []gwtypes.Hash, error) {
	var hash gwtypes.Hash
	copy(hash[:], bx)
	return []byte("native"), btc.BlockInfo{BlockHash: hash}, nil, nil, nil
}

// fakeNode is a minimal Node wired against a real txservice/blockprocessing
// pair, the same pattern blockprocessing's own tests use for their
// collaborators, so msgTx/msgTxs exercise real short id assignment rather
// than a hand-rolled double.
type fakeNode struct {
	txs               *txservice.Service
	blockProc         *blockprocessing.Service
	alarms            *alarm.Queue
	broadcaster       *fakeBroadcaster
	missingSids       map[gwtypes.ShortID]bool
	missingHashes     map[gwtypes.Hash]bool
	recoverySchedules []RecoverySchedule
	forwarded         [][]byte
	forwardErr        error
}

func newFakeNode() *fakeNode {
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
	broadcaster := &fakeBroadcaster{}
	blockProc := blockprocessing.New(txs, fakeConverter{}, alarms, broadcaster, newFakeSeen(), store, propagator, queuing, recovery, blockprocessing.Opts{}, func() bool { return true })
	return &fakeNode{
		txs:           txs,
		blockProc:     blockProc,
		alarms:        alarms,
		broadcaster:   broadcaster,
		missingSids:   make(map[gwtypes.ShortID]bool),
		missingHashes: make(map[gwtypes.Hash]bool),
	}
}

func (n *fakeNode) TxService() *txservice.Service                  { return n.txs }
func (n *fakeNode) BlockProcessing() *blockprocessing.Service       { return n.blockProc }
func (n *fakeNode) CheckMissingSid(sid gwtypes.ShortID) bool        { return n.missingSids[sid] }
func (n *fakeNode) CheckMissingTxHash(hash gwtypes.Hash) bool       { return n.missingHashes[hash] }
func (n *fakeNode) BlocksAwaitingRecovery() []RecoverySchedule      { return n.recoverySchedules }
func (n *fakeNode) AlarmQueue() *alarm.Queue                        { return n.alarms }
func (n *fakeNode) NodeID() string                                  { return "test-node" }
func (n *fakeNode) ForwardTransaction(contents []byte) error {
	n.forwarded = append(n.forwarded, contents)
	return n.forwardErr
}

func testHash(b byte) gwtypes.Hash {
	var h gwtypes.Hash
	h[0] = b
	return h
}

func TestMsgTxAssignsShortIDAndStoresContents(t *testing.T) {
	node := newFakeNode()
	conn := &Connection{node: node, connType: gwtypes.ConnRelayTransaction}
	hash := testHash(1)

	err := conn.msgTx(bxmsg.TxMessage{Hash: hash, ShortID: 7, Contents: []byte("rawtx")}.Encode())
	require.NoError(t, err)

	assert.Equal(t, gwtypes.ShortID(7), node.txs.GetShortID(hash))
	contents, ok := node.txs.GetTransactionByHash(hash)
	require.True(t, ok)
	assert.Equal(t, []byte("rawtx"), contents)
}

func TestMsgTxOnNonTransactionConnectionIsIgnored(t *testing.T) {
	node := newFakeNode()
	conn := &Connection{node: node, connType: gwtypes.ConnRelayBlock}
	hash := testHash(2)

	err := conn.msgTx(bxmsg.TxMessage{Hash: hash, ShortID: 3, Contents: []byte("rawtx")}.Encode())
	require.NoError(t, err)

	assert.True(t, node.txs.GetShortID(hash).IsNull())
}

// TestMsgTxForwardsContentsExactlyOnce pins msg_tx's "convert bx-tx to
// native tx and forward to local blockchain node" step: the first message
// to carry contents is forwarded, and a later message for the same hash
// (even one assigning a short id) is not forwarded again.
func TestMsgTxForwardsContentsExactlyOnce(t *testing.T) {
	node := newFakeNode()
	conn := &Connection{node: node, connType: gwtypes.ConnRelayTransaction}
	hash := testHash(6)

	err := conn.msgTx(bxmsg.TxMessage{Hash: hash, ShortID: 0, Contents: []byte("rawtx")}.Encode())
	require.NoError(t, err)
	err = conn.msgTx(bxmsg.TxMessage{Hash: hash, ShortID: 5, Contents: nil}.Encode())
	require.NoError(t, err)

	require.Len(t, node.forwarded, 1)
	assert.Equal(t, []byte("rawtx"), node.forwarded[0])
}

func TestMsgTxsAppliesEveryEntry(t *testing.T) {
	node := newFakeNode()
	conn := &Connection{node: node, connType: gwtypes.ConnRelayTransaction}
	hashA, hashB := testHash(3), testHash(4)

	batch := bxmsg.TxsMessage{Txs: []bxmsg.TxMessage{
		{Hash: hashA, ShortID: 10, Contents: []byte("a")},
		{Hash: hashB, ShortID: 11, Contents: []byte("b")},
	}}
	err := conn.msgTxs(batch.Encode())
	require.NoError(t, err)

	assert.Equal(t, gwtypes.ShortID(10), node.txs.GetShortID(hashA))
	assert.Equal(t, gwtypes.ShortID(11), node.txs.GetShortID(hashB))
}

func TestMsgBlockHoldingPlacesHold(t *testing.T) {
	node := newFakeNode()
	conn := &Connection{node: node, connType: gwtypes.ConnRelayBlock}
	hash := testHash(5)

	err := conn.msgBlockHolding(bxmsg.BlockHoldingMessage{BlockHash: hash}.Encode())
	require.NoError(t, err)

	require.Len(t, node.broadcaster.types, 1)
	assert.Equal(t, bxmsg.TypeBlockHolding, node.broadcaster.types[0])
}

func TestDispatchDisconnectRequestReturnsSentinel(t *testing.T) {
	node := newFakeNode()
	conn := &Connection{node: node, connType: gwtypes.ConnRelayBlock|gwtypes.ConnRelayTransaction}

	err := conn.dispatch(bxmsg.Frame{Type: bxmsg.TypeDisconnectRelayPeer})

	assert.Equal(t, errDisconnectRequested, err)
}
