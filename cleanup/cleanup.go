// Package cleanup implements block confirmation polling and transaction
// pruning (SPEC_FULL.md's supplemented feature 3): periodically requesting
// headers from the local blockchain node to discover which blocks have
// confirmed, then dropping their transactions' contents from the tx
// service without forwarding them anywhere. Grounded on
// original_source/src/bxgateway/connections/eth/eth_node_connection_protocol.py's
// `_request_blocks_confirmation`/`_build_get_blocks_message_for_block_confirmation`
// and the `block_cleanup_service` references it makes.
package cleanup

import (
	"time"

	"github.com/adriennhem/bxgateway/gwtypes"
	"github.com/adriennhem/bxgateway/internal/alarm"
	"github.com/adriennhem/bxgateway/internal/log"
	"github.com/adriennhem/bxgateway/txservice"
)

var logger = log.NewModuleLogger(log.Common)

// PollInterval is how often confirmation is requested, grounded on
// block_cleanup_poll_interval_s.
const PollInterval = 30 * time.Second

// RequestConfirmation builds and sends whatever message the connection
// layer uses to ask the blockchain node for headers starting at hash,
// mirroring `_build_get_blocks_message_for_block_confirmation`.
type RequestConfirmation func(hash gwtypes.Hash) error

// Service tracks blocks marked for cleanup and prunes confirmed
// transactions from the tx service.
type Service struct {
	alarms  *alarm.Queue
	txs     *txservice.Service
	request RequestConfirmation

	marked map[gwtypes.Hash]bool
}

// New wires a cleanup service and arms its polling alarm.
func New(alarms *alarm.Queue, txs *txservice.Service, request RequestConfirmation) *Service {
	s := &Service{alarms: alarms, txs: txs, request: request, marked: make(map[gwtypes.Hash]bool)}
	alarms.RegisterAlarm(PollInterval, s.poll)
	return s
}

// MarkForCleanup records hash as awaiting confirmation, grounded on
// `block_cleanup_service.mark_blocks_and_request_cleanup`.
func (s *Service) MarkForCleanup(hash gwtypes.Hash) {
	s.marked[hash] = true
}

// IsMarkedForCleanup reports whether hash is still awaiting confirmation.
func (s *Service) IsMarkedForCleanup(hash gwtypes.Hash) bool {
	return s.marked[hash]
}

func (s *Service) poll() time.Duration {
	for hash := range s.marked {
		if err := s.request(hash); err != nil {
			logger.Info("failed to request block confirmation, cipher likely not ready yet", "hash", hash, "err", err)
		}
	}
	return PollInterval
}

// ProcessCleanupMessage prunes every transaction in txHashes from the tx
// service (without forwarding any of them onward) and clears hash from the
// marked set, grounded on
// `block_cleanup_service.clean_block_transactions_by_block_components`.
func (s *Service) ProcessCleanupMessage(hash gwtypes.Hash, txHashes []gwtypes.Hash) {
	for _, txHash := range txHashes {
		s.txs.RemoveTransactionByHash(txHash)
	}
	delete(s.marked, hash)
}
