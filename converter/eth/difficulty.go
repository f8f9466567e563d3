package eth

import (
	"math/big"

	"github.com/adriennhem/bxgateway/gwtypes"
)

// KnownTotalDifficulty tracks the chain total difficulty announced by the
// blockchain node for each block hash it has told us about, grounded on
// AbstractGatewayNode.set_known_total_difficulty /
// EthNodeConnectionProtocol.msg_block's
// `self.node.set_known_total_difficulty(msg.block_hash(), msg.chain_difficulty())`
// call, used when forwarding NewBlock messages onward with the correct
// total-difficulty field.
type KnownTotalDifficulty struct {
	byHash map[gwtypes.Hash]*big.Int
}

// NewKnownTotalDifficulty creates an empty tracker.
func NewKnownTotalDifficulty() *KnownTotalDifficulty {
	return &KnownTotalDifficulty{byHash: make(map[gwtypes.Hash]*big.Int)}
}

// Set records the total difficulty announced for hash.
func (k *KnownTotalDifficulty) Set(hash gwtypes.Hash, difficulty *big.Int) {
	k.byHash[hash] = new(big.Int).Set(difficulty)
}

// Get returns the recorded total difficulty for hash, if any.
func (k *KnownTotalDifficulty) Get(hash gwtypes.Hash) (*big.Int, bool) {
	d, ok := k.byHash[hash]
	return d, ok
}
