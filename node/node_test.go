package node

import (
	"net"
	"testing"
	"time"

	"github.com/adriennhem/bxgateway/blockprocessing"
	"github.com/adriennhem/bxgateway/bxmsg"
	"github.com/adriennhem/bxgateway/connection/btcconn"
	"github.com/adriennhem/bxgateway/connection/relay"
	"github.com/adriennhem/bxgateway/gwtypes"
	"github.com/adriennhem/bxgateway/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHash(b byte) gwtypes.Hash {
	var h gwtypes.Hash
	h[0] = b
	return h
}

func TestRequestHeadersConfirmationErrorsWithoutAnyConnection(t *testing.T) {
	n := New(Opts{NodeID: "test"})

	err := n.requestHeadersConfirmation(testHash(1))

	assert.Error(t, err)
}

func TestHasBlockchainConnectionReflectsState(t *testing.T) {
	n := New(Opts{NodeID: "test"})
	assert.False(t, n.hasBlockchainConnection())

	client, _ := net.Pipe()
	defer client.Close()
	n.SetBlockchainConnection(btcconn.New(client, n, 0xd9b4bef9))
	assert.True(t, n.hasBlockchainConnection())

	n.SetBlockchainConnection(nil)
	assert.False(t, n.hasBlockchainConnection())
}

func TestMarkBlockSeenByBlockchainNodeAddsToCache(t *testing.T) {
	n := New(Opts{NodeID: "test"})
	hash := testHash(2)

	n.MarkBlockSeenByBlockchainNode(hash)

	assert.True(t, n.blocksSeen.Contains(hash))
}

func TestBroadcasterAdapterExcludesGivenConnection(t *testing.T) {
	n := New(Opts{NodeID: "test"})

	clientA, serverA := net.Pipe()
	defer clientA.Close()
	defer serverA.Close()
	clientB, serverB := net.Pipe()
	defer clientB.Close()
	defer serverB.Close()

	rcA := relay.New(clientA, n, gwtypes.ConnRelayBlock)
	rcB := relay.New(clientB, n, gwtypes.ConnRelayBlock)
	n.AddRelayConnection(rcA)
	n.AddRelayConnection(rcB)

	sent := make(chan struct{}, 1)
	go func() {
		buf := make([]byte, bxmsg.HeaderLen+len("payload")+1)
		if _, err := readFullPipe(serverB, buf); err == nil {
			sent <- struct{}{}
		}
	}()

	broadcasterAdapter{n}.Broadcast([]byte("payload"), bxmsg.TypeBroadcast, blockprocessing.Connection(rcA), nil)

	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("expected non-excluded relay connection to receive the broadcast")
	}
}

func readFullPipe(r net.Conn, buf []byte) (int, error) {
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

func TestReportPerformanceCallsReporterWhenSet(t *testing.T) {
	n := New(Opts{NodeID: "test"})
	called := make(chan stats.Report, 1)
	n.SetPerformanceReporter(reporterFunc(func(r stats.Report) error {
		called <- r
		return nil
	}))

	n.reportPerformance()

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("expected reporter to be invoked")
	}
}

func TestReportPerformanceIsNoopWithoutReporter(t *testing.T) {
	n := New(Opts{NodeID: "test"})
	require.NotPanics(t, n.reportPerformance)
}

type reporterFunc func(stats.Report) error

func (f reporterFunc) ReportPerformance(r stats.Report) error { return f(r) }
