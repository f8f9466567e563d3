package btcconn

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

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

type fakeBroadcaster struct{}

func (fakeBroadcaster) Broadcast(payload []byte, msgType bxmsg.Type, excluding blockprocessing.Connection, types []gwtypes.ConnectionType) []blockprocessing.Connection {
	return nil
}

type fakeSeen struct{ seen map[gwtypes.Hash]struct{} }

func newFakeSeen() *fakeSeen                     { return &fakeSeen{seen: make(map[gwtypes.Hash]struct{})} }
func (f *fakeSeen) Contains(h gwtypes.Hash) bool { _, ok := f.seen[h]; return ok }
func (f *fakeSeen) Add(h gwtypes.Hash)           { f.seen[h] = struct{}{} }

type fakeConverter struct{}

func (fakeConverter) BlockToBxBlock(block btc.BlockMessage, txs btc.TxService) ([]byte, btc.BlockInfo) {
	return []byte("bx"), btc.BlockInfo{BlockHash: block.BlockHash()}
}

func (fakeConverter) BxBlockToBlock(bx []byte, txs btc.TxService) ([]byte, btc.BlockInfo, []gwtypes.ShortID, []gwtypes.Hash, error) {
	return nil, btc.BlockInfo{}, nil, nil, nil
}

// fakeNode wires a real blockprocessing.Service (btcconn.Node demands the
// concrete type, not an interface) and tracks MarkBlockSeenByBlockchainNode
// calls directly, mirroring ethconn_test's fakeNode pattern.
type fakeNode struct {
	blockProc *blockprocessing.Service
	marked    []gwtypes.Hash
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
	blockProc := blockprocessing.New(txs, fakeConverter{}, alarms, fakeBroadcaster{}, newFakeSeen(), store, propagator, queuing, recovery, blockprocessing.Opts{}, func() bool { return true })
	return &fakeNode{blockProc: blockProc}
}

func (n *fakeNode) BlockProcessing() *blockprocessing.Service { return n.blockProc }
func (n *fakeNode) MarkBlockSeenByBlockchainNode(hash gwtypes.Hash) {
	n.marked = append(n.marked, hash)
}

func rawBlockPayload() []byte {
	// 80-byte block header followed by a zero txn-count varint; the
	// converter only needs the fixed-width header for BlockHash/PrevBlockHash.
	payload := make([]byte, btc.BlockHdrSize+1)
	return payload
}

func TestMsgBlockQueuesForProcessingAndMarksSeen(t *testing.T) {
	node := newFakeNode()
	c := &Connection{node: node, magic: 0xd9b4bef9}

	err := c.dispatch(rawMessage{command: "block", payload: rawBlockPayload()})
	require.NoError(t, err)

	require.Len(t, node.marked, 1)
}

func TestDispatchUnknownCommandIsIgnored(t *testing.T) {
	node := newFakeNode()
	c := &Connection{node: node, magic: 0xd9b4bef9}

	err := c.dispatch(rawMessage{command: "notfound", payload: nil})

	assert.NoError(t, err)
	assert.Empty(t, node.marked)
}

func readWireMessage(t *testing.T, r net.Conn) (command string, payload []byte) {
	t.Helper()
	header := make([]byte, 4+commandLen+4+4)
	_, err := readFull(r, header)
	require.NoError(t, err)
	command = trimCommand(header[4 : 4+commandLen])
	payloadLen := binary.LittleEndian.Uint32(header[4+commandLen : 4+commandLen+4])
	payload = make([]byte, payloadLen)
	_, err = readFull(r, payload)
	require.NoError(t, err)
	return command, payload
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestRequestHeadersWritesGetHeadersMessage(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := &Connection{conn: client, magic: 0x0709110b}
	var hash gwtypes.Hash
	hash[0] = 0xaa

	go func() {
		_ = c.RequestHeaders(hash)
	}()

	command, payload := readWireMessage(t, server)
	assert.Equal(t, "getheaders", command)
	assert.Equal(t, hash[:], payload[5:37])
}

// TestSendBlockWritesPayloadUnframed pins SendBlock to writing its argument
// as-is: BxBlockToBlock's output already carries its own P2P header, so
// SendBlock must not wrap it in a second one.
func TestSendBlockWritesPayloadUnframed(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := &Connection{conn: client, magic: 0x0709110b}
	fullyFramed := []byte("a fully framed block message, header already embedded")

	go func() {
		_ = c.SendBlock(fullyFramed)
	}()

	buf := make([]byte, len(fullyFramed))
	_, err := readFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, fullyFramed, buf)
}

func TestSendTxWritesTxMessage(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := &Connection{conn: client, magic: 0x0709110b}
	txPayload := []byte("a serialized transaction")

	go func() {
		_ = c.SendTx(txPayload)
	}()

	command, payload := readWireMessage(t, server)
	assert.Equal(t, "tx", command)
	assert.Equal(t, txPayload, payload)
}

// minimalLegacyTx builds the smallest syntactically valid non-segwit
// transaction nextTxSize can walk: version, zero inputs, zero outputs,
// locktime.
func minimalLegacyTx() []byte {
	tx := make([]byte, 4+1+1+4)
	return tx
}

// TestParseBlockMessageWalksTransactions pins parseBlockMessage to actually
// populating Transactions()/TxnCount() from the raw payload (rather than
// leaving them empty), and checks the real btc.Converter embeds that
// transaction's bytes when no short id is known for it yet.
func TestParseBlockMessageWalksTransactions(t *testing.T) {
	tx := minimalLegacyTx()
	payload := make([]byte, btc.BlockHdrSize+1+len(tx))
	payload[btc.BlockHdrSize] = 1 // txn count varint
	copy(payload[btc.BlockHdrSize+1:], tx)

	c := &Connection{magic: 0xd9b4bef9}
	block, err := c.parseBlockMessage(payload)
	require.NoError(t, err)
	require.Equal(t, 1, block.TxnCount())
	require.Len(t, block.Transactions(), 1)
	assert.Equal(t, tx, block.Transactions()[0])

	converter := btc.NewConverter()
	txs := txservice.New(txservice.Config{})
	bxBlock, info := converter.BlockToBxBlock(block, txs)
	assert.Equal(t, 1, info.TxnCount)
	assert.Greater(t, len(bxBlock), len(block.Header()))
}

func TestServeReturnsNilOnEOF(t *testing.T) {
	client, server := net.Pipe()
	c := &Connection{conn: server, node: newFakeNode(), magic: 0xd9b4bef9}

	done := make(chan error, 1)
	go func() { done <- c.Serve() }()

	client.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after peer closed connection")
	}
}
