// Package node wires every gateway service into the single owning loop
// described by spec.md section 5: one goroutine (Run) is the only thing
// that ever touches the transaction/block service state; connections only
// ever reach it indirectly through the capability interfaces
// (relay.Node, btcconn.Node, ethconn.Node, blockprocessing.Broadcaster)
// they're handed. Grounded on the wiring performed in
// AbstractGatewayNode's constructor and on the teacher's
// peerSet/protocolManager composition in node/cn.
package node

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/adriennhem/bxgateway/blockprocessing"
	"github.com/adriennhem/bxgateway/blockqueuing"
	"github.com/adriennhem/bxgateway/blockrecovery"
	"github.com/adriennhem/bxgateway/bxmsg"
	"github.com/adriennhem/bxgateway/cleanup"
	"github.com/adriennhem/bxgateway/connection/btcconn"
	"github.com/adriennhem/bxgateway/connection/ethconn"
	"github.com/adriennhem/bxgateway/connection/relay"
	"github.com/adriennhem/bxgateway/converter/btc"
	"github.com/adriennhem/bxgateway/converter/eth"
	"github.com/adriennhem/bxgateway/gwtypes"
	"github.com/adriennhem/bxgateway/internal/alarm"
	"github.com/adriennhem/bxgateway/internal/cache"
	"github.com/adriennhem/bxgateway/internal/gwerrors"
	"github.com/adriennhem/bxgateway/internal/log"
	"github.com/adriennhem/bxgateway/internal/stats"
	"github.com/adriennhem/bxgateway/neutrality"
	"github.com/adriennhem/bxgateway/txservice"
)

// performanceReportInterval matches bdn_performance_rpc_request's reporting
// cadence.
const performanceReportInterval = 1 * time.Minute

var logger = log.NewModuleLogger(log.Node)

// Opts is the subset of CLI-derived configuration the node needs to wire
// its services, grounded on GatewayOpts' fields referenced throughout
// AbstractGatewayNode (node_id, blockchain_net_magic, hold/recovery
// timeouts, tx service budgets).
type Opts struct {
	NodeID               string
	BlockchainNetMagic   uint32
	TxByteBudget         int
	TxEntryBudget        int
	ConfirmationWindow   time.Duration
	BlockHoldTimeout     time.Duration
	BlockRecoveryTimeout time.Duration
	MinBlockInterval     time.Duration
	BlocksSeenCacheSize  int
}

// Node is the gateway's central object: it owns every service and exposes
// the narrow capability interfaces connections depend on.
type Node struct {
	opts Opts

	alarms        *alarm.Queue
	txs           *txservice.Service
	blockQueuing  *blockqueuing.Service
	blockRecovery *blockrecovery.Service
	neutralStore  *neutrality.InProgressStore
	blocksSeen    cache.Cache
	converter     *btc.Converter
	blockProc     *blockprocessing.Service
	cleanupSvc    *cleanup.Service

	ethPending    *eth.PendingStore
	ethDifficulty *eth.KnownTotalDifficulty

	mu         sync.Mutex
	relayConns []*relay.Connection
	btcConn    *btcconn.Connection
	ethConn    *ethconn.Connection

	startTime time.Time
	reporter  stats.PerformanceReporter
}

// New wires every service together, matching AbstractGatewayNode's
// constructor order: tx service, then block recovery/queuing, then the
// neutrality service, then block processing (which depends on all of the
// above plus the converter and the broadcaster it is itself part of).
func New(opts Opts) *Node {
	n := &Node{opts: opts, alarms: alarm.NewQueue(), startTime: time.Now()}

	n.txs = txservice.New(txservice.Config{
		ByteBudget:         opts.TxByteBudget,
		EntryBudget:        opts.TxEntryBudget,
		ConfirmationWindow: opts.ConfirmationWindow,
		AlarmQueue:         n.alarms,
	})
	n.txs.SetPinChecker(n.isPinnedByRecovery)

	n.blockRecovery = blockrecovery.New()
	n.blockQueuing = blockqueuing.New(opts.MinBlockInterval)
	n.neutralStore = neutrality.NewInProgressStore()
	n.converter = btc.NewConverter()
	n.ethPending = eth.NewPendingStore(n.alarms)
	n.ethDifficulty = eth.NewKnownTotalDifficulty()

	seenCacheSize := opts.BlocksSeenCacheSize
	if seenCacheSize <= 0 {
		seenCacheSize = 10000
	}
	seen, err := cache.New(cache.FIFOCacheConfig{CacheSize: seenCacheSize})
	if err != nil {
		panic(err) // FIFOCacheConfig.New never fails
	}
	n.blocksSeen = seen

	propagator := neutrality.NewService(
		n.neutralStore,
		newSymmetricKey,
		n.broadcastCiphertext,
		n.broadcastKey,
	)

	n.blockProc = blockprocessing.New(
		n.txs,
		converterAdapter{n.converter},
		n.alarms,
		broadcasterAdapter{n},
		seenCacheAdapter{n.blocksSeen},
		n.neutralStore,
		propagator,
		n.blockQueuing,
		n.blockRecovery,
		blockprocessing.Opts{BlockHoldTimeout: opts.BlockHoldTimeout, BlockRecoveryTimeout: opts.BlockRecoveryTimeout},
		n.hasBlockchainConnection,
	)

	n.cleanupSvc = cleanup.New(n.alarms, n.txs, n.requestHeadersConfirmation)

	return n
}

// requestHeadersConfirmation asks whichever blockchain node connection is
// currently active for headers starting at hash, used by the cleanup
// service's confirmation polling.
func (n *Node) requestHeadersConfirmation(hash gwtypes.Hash) error {
	n.mu.Lock()
	btcConn, ethConn := n.btcConn, n.ethConn
	n.mu.Unlock()
	switch {
	case btcConn != nil:
		return btcConn.RequestHeaders(hash)
	case ethConn != nil:
		return ethConn.RequestHeaders(hash)
	default:
		return gwerrors.New(gwerrors.IO, "no blockchain node connection to request headers from")
	}
}

func newSymmetricKey() ([]byte, error) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	return key, err
}

func (n *Node) isPinnedByRecovery(hash gwtypes.Hash) bool {
	return n.blockRecovery.CheckMissingTxHash(hash)
}

// TxService satisfies relay.Node.
func (n *Node) TxService() *txservice.Service { return n.txs }

// BlockProcessing satisfies relay.Node and btcconn.Node.
func (n *Node) BlockProcessing() *blockprocessing.Service { return n.blockProc }

// AlarmQueue satisfies relay.Node.
func (n *Node) AlarmQueue() *alarm.Queue { return n.alarms }

// PendingBlockParts satisfies ethconn.Node.
func (n *Node) PendingBlockParts() *eth.PendingStore { return n.ethPending }

// Difficulty satisfies ethconn.Node.
func (n *Node) Difficulty() *eth.KnownTotalDifficulty { return n.ethDifficulty }

// NodeID satisfies relay.Node.
func (n *Node) NodeID() string { return n.opts.NodeID }

// CheckMissingSid satisfies relay.Node. Routed through blockProc rather than
// blockRecovery directly so a now-satisfied sid also re-attempts
// decompression of whatever block was waiting on it, matching msg_tx's
// check_missing_sid usage (which in the original inline re-runs
// bx_block_to_block, not just a membership test).
func (n *Node) CheckMissingSid(sid gwtypes.ShortID) bool {
	return n.blockProc.CheckMissingSid(sid)
}

// CheckMissingTxHash satisfies relay.Node.
func (n *Node) CheckMissingTxHash(hash gwtypes.Hash) bool {
	return n.blockProc.CheckMissingTxHash(hash)
}

// ForwardTransaction satisfies relay.Node: hands a relay-delivered
// transaction's native bytes to the local blockchain node connection,
// matching msg_tx step 5's "convert bx-tx to native tx and forward to local
// blockchain node" (the conversion is the identity for Bitcoin — unlike
// blocks, individual transactions carry no bx-block-style compression).
func (n *Node) ForwardTransaction(contents []byte) error {
	n.mu.Lock()
	btcConn := n.btcConn
	n.mu.Unlock()
	if btcConn == nil {
		return gwerrors.New(gwerrors.IO, "no blockchain node connection to forward transaction to")
	}
	return btcConn.SendTx(contents)
}

// recoverySchedule adapts a blockrecovery.Info into relay.RecoverySchedule
// by closing over the node's block processing service.
type recoverySchedule struct {
	node *Node
	info *blockrecovery.Info
}

func (r recoverySchedule) Schedule() { r.node.blockProc.ScheduleRecoveryRetry(r.info) }

// BlocksAwaitingRecovery satisfies relay.Node.
func (n *Node) BlocksAwaitingRecovery() []relay.RecoverySchedule {
	infos := n.blockRecovery.GetBlocksAwaitingRecovery()
	out := make([]relay.RecoverySchedule, len(infos))
	for i, info := range infos {
		out[i] = recoverySchedule{node: n, info: info}
	}
	return out
}

// MarkBlockSeenByBlockchainNode satisfies btcconn.Node: a block arriving
// directly over the native p2p connection no longer needs its queued slot.
func (n *Node) MarkBlockSeenByBlockchainNode(hash gwtypes.Hash) {
	n.blockQueuing.MarkBlocksSeenByBlockchainNode([]gwtypes.Hash{hash})
	n.blocksSeen.Add(hash, struct{}{})
}

func (n *Node) hasBlockchainConnection() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.btcConn != nil || n.ethConn != nil
}

// converterAdapter exists only so blockprocessing.Converter (which must be
// declared against the concrete btc.BlockMessage/btc.TxService/btc.BlockInfo
// types, per the exact-match lesson learned earlier) can be satisfied by
// *btc.Converter without this package re-declaring btc's method set.
type converterAdapter struct{ c *btc.Converter }

func (a converterAdapter) BlockToBxBlock(block btc.BlockMessage, txs btc.TxService) ([]byte, btc.BlockInfo) {
	return a.c.BlockToBxBlock(block, txs)
}
func (a converterAdapter) BxBlockToBlock(bx []byte, txs btc.TxService) ([]byte, btc.BlockInfo, []gwtypes.ShortID, []gwtypes.Hash, error) {
	return a.c.BxBlockToBlock(bx, txs)
}

type seenCacheAdapter struct{ c cache.Cache }

func (a seenCacheAdapter) Contains(hash gwtypes.Hash) bool { return a.c.Contains(hash) }
func (a seenCacheAdapter) Add(hash gwtypes.Hash)            { a.c.Add(hash, struct{}{}) }

// broadcasterAdapter implements blockprocessing.Broadcaster over the
// node's relay connection pool. It sends to every relay connection other
// than excluding; the types argument is not consulted.
type broadcasterAdapter struct{ n *Node }

func (a broadcasterAdapter) Broadcast(payload []byte, msgType bxmsg.Type, excluding blockprocessing.Connection, types []gwtypes.ConnectionType) []blockprocessing.Connection {
	a.n.mu.Lock()
	defer a.n.mu.Unlock()

	var sent []blockprocessing.Connection
	for _, rc := range a.n.relayConns {
		if rc == excluding {
			continue
		}
		if err := rc.Send(bxmsg.Frame{Type: msgType, Payload: payload}); err != nil {
			logger.Warn("failed to broadcast to relay peer", "peer", rc.Describe(), "err", err)
			continue
		}
		sent = append(sent, rc)
	}
	return sent
}

func (n *Node) broadcastCiphertext(hash gwtypes.Hash, ciphertext []byte) error {
	msg := bxmsg.BroadcastMessage{BlockHash: hash, IsEncrypted: true, Blob: ciphertext}
	broadcasterAdapter{n}.Broadcast(msg.Encode(), bxmsg.TypeBroadcast, nil, []gwtypes.ConnectionType{gwtypes.ConnRelayBlock})
	return nil
}

func (n *Node) broadcastKey(hash gwtypes.Hash, key []byte) error {
	msg := bxmsg.KeyMessage{BlockHash: hash, Key: key}
	broadcasterAdapter{n}.Broadcast(msg.Encode(), bxmsg.TypeKey, nil, []gwtypes.ConnectionType{gwtypes.ConnRelayBlock})
	return nil
}

// AddRelayConnection registers conn in the broadcast pool.
func (n *Node) AddRelayConnection(conn *relay.Connection) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.relayConns = append(n.relayConns, conn)
}

// RemoveRelayConnection drops conn from the broadcast pool.
func (n *Node) RemoveRelayConnection(conn *relay.Connection) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, rc := range n.relayConns {
		if rc == conn {
			n.relayConns = append(n.relayConns[:i], n.relayConns[i+1:]...)
			return
		}
	}
}

// SetBlockchainConnection registers the single connection to the local
// Bitcoin node (the gateway only ever maintains one).
func (n *Node) SetBlockchainConnection(conn *btcconn.Connection) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.btcConn = conn
}

// DialRelay connects to a BDN relay peer and registers it, starting its
// receive loop in its own goroutine.
func (n *Node) DialRelay(addr string, connType gwtypes.ConnectionType) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial relay %s: %w", addr, err)
	}
	rc := relay.New(conn, n, connType)
	n.AddRelayConnection(rc)
	go func() {
		defer n.RemoveRelayConnection(rc)
		defer conn.Close()
		if err := rc.Serve(); err != nil {
			logger.Warn("relay connection closed", "peer", rc.Describe(), "err", err)
		}
	}()
	return nil
}

// DialBlockchainNode connects to the local Bitcoin node.
func (n *Node) DialBlockchainNode(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial blockchain node %s: %w", addr, err)
	}
	bc := btcconn.New(conn, n, n.opts.BlockchainNetMagic)
	n.SetBlockchainConnection(bc)
	go func() {
		defer func() { n.SetBlockchainConnection(nil) }()
		defer conn.Close()
		if err := bc.Serve(); err != nil {
			logger.Warn("blockchain node connection closed", "err", err)
		}
	}()
	return nil
}

// SetPerformanceReporter installs the collaborator the node loop reports
// performance to on a timer; reporting is skipped entirely if none is set.
func (n *Node) SetPerformanceReporter(r stats.PerformanceReporter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reporter = r
}

func (n *Node) reportPerformance() {
	n.mu.Lock()
	reporter := n.reporter
	n.mu.Unlock()
	if reporter == nil {
		return
	}
	report := stats.Report{Uptime: time.Since(n.startTime)}
	if err := reporter.ReportPerformance(report); err != nil {
		logger.Warn("failed to report performance", "err", err)
	}
}

// DialEthNode connects to the local Ethereum node's RLPx listener. pubKey
// is the node's static devp2p public key, which cmd/gateway learns through
// ethdisc.DiscoverPublicKey.
func (n *Node) DialEthNode(addr string, pubKey *ecdsa.PublicKey) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial ethereum node %s: %w", addr, err)
	}
	ec, err := ethconn.New(conn, n, pubKey)
	if err != nil {
		conn.Close()
		return err
	}
	n.mu.Lock()
	n.ethConn = ec
	n.mu.Unlock()
	go func() {
		defer func() { n.mu.Lock(); n.ethConn = nil; n.mu.Unlock() }()
		defer conn.Close()
		if err := ec.Serve(); err != nil {
			logger.Warn("ethereum node connection closed", "err", err)
		}
	}()
	return nil
}

// Run is the node's single owning loop: it services the alarm queue and
// periodically drains ready blocks to the blockchain node connection,
// matching spec.md section 5's single-threaded-equivalent model.
func (n *Node) Run(stop <-chan struct{}) {
	go n.alarms.Run()
	defer n.alarms.Stop()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	reportTicker := time.NewTicker(performanceReportInterval)
	defer reportTicker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n.deliverReadyBlocks()
		case <-reportTicker.C:
			n.reportPerformance()
		}
	}
}

func (n *Node) deliverReadyBlocks() {
	for {
		deliverable, ok := n.blockQueuing.NextDeliverable()
		if !ok {
			return
		}
		n.mu.Lock()
		conn := n.btcConn
		n.mu.Unlock()
		if conn == nil {
			logger.Warn("dropping ready block, no blockchain node connection", "hash", deliverable.Hash)
			continue
		}
		if err := conn.SendBlock(deliverable.BlockMessage); err != nil {
			logger.Error("failed to deliver block to blockchain node", "hash", deliverable.Hash, "err", err)
		}
	}
}
