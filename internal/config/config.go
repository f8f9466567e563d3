// Package config parses CLI flags into a gateway configuration and manages
// the SDN endpoint cookie file, grounded on spec.md section 6's CLI
// surface/persisted-state contract and on the teacher's own
// cmd/utils.NewApp/MakeDataDir conventions for flag parsing and on-disk
// paths.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli"
)

// Protocol is which blockchain wire format the gateway speaks.
type Protocol string

const (
	ProtocolBitcoin  Protocol = "btc"
	ProtocolEthereum Protocol = "eth"
)

// Opts is the fully-parsed gateway configuration, grounded on spec.md
// section 6's `--blockchain-protocol`/`--blockchain-network`/... surface.
type Opts struct {
	BlockchainProtocol Protocol
	BlockchainNetwork  string
	BlockchainIP       string
	BlockchainPort     int
	ExternalIP         string
	ExternalPort       int
	NodeID             string

	BlockHoldTimeout     time.Duration
	BlockRecoveryTimeout time.Duration

	DumpShortIDMappingCompression bool
}

var (
	BlockchainProtocolFlag = cli.StringFlag{Name: "blockchain-protocol", Usage: "blockchain wire protocol: btc or eth", Value: "btc"}
	BlockchainNetworkFlag  = cli.StringFlag{Name: "blockchain-network", Usage: "blockchain network name", Value: "mainnet"}
	BlockchainIPFlag       = cli.StringFlag{Name: "blockchain-ip", Usage: "local blockchain node IP", Value: "127.0.0.1"}
	BlockchainPortFlag     = cli.IntFlag{Name: "blockchain-port", Usage: "local blockchain node port"}
	ExternalIPFlag         = cli.StringFlag{Name: "external-ip", Usage: "externally reachable IP for this gateway"}
	ExternalPortFlag       = cli.IntFlag{Name: "external-port", Usage: "externally reachable port for this gateway"}
	NodeIDFlag             = cli.StringFlag{Name: "node-id", Usage: "unique identifier for this gateway instance"}
	BlockHoldTimeoutFlag   = cli.IntFlag{Name: "blockchain-block-hold-timeout-s", Usage: "seconds to hold a block for local propagation before falling back to the BDN", Value: 2}
	BlockRecoveryTimeoutFlag = cli.IntFlag{Name: "blockchain-block-recovery-timeout-s", Usage: "seconds to wait for transaction recovery before giving up on a block", Value: 10}
	DumpShortIDMappingFlag = cli.BoolFlag{Name: "dump-short-id-mapping-compression", Usage: "log short-id compression ratio statistics"}
)

// Flags is the full CLI flag set, grounded on the teacher's nodeFlags
// slice composition in cmd/kcn/main.go.
var Flags = []cli.Flag{
	BlockchainProtocolFlag,
	BlockchainNetworkFlag,
	BlockchainIPFlag,
	BlockchainPortFlag,
	ExternalIPFlag,
	ExternalPortFlag,
	NodeIDFlag,
	BlockHoldTimeoutFlag,
	BlockRecoveryTimeoutFlag,
	DumpShortIDMappingFlag,
}

// FromContext builds Opts from parsed CLI flags.
func FromContext(ctx *cli.Context) (Opts, error) {
	opts := Opts{
		BlockchainProtocol:            Protocol(ctx.String(BlockchainProtocolFlag.Name)),
		BlockchainNetwork:             ctx.String(BlockchainNetworkFlag.Name),
		BlockchainIP:                  ctx.String(BlockchainIPFlag.Name),
		BlockchainPort:                ctx.Int(BlockchainPortFlag.Name),
		ExternalIP:                    ctx.String(ExternalIPFlag.Name),
		ExternalPort:                  ctx.Int(ExternalPortFlag.Name),
		NodeID:                        ctx.String(NodeIDFlag.Name),
		BlockHoldTimeout:              time.Duration(ctx.Int(BlockHoldTimeoutFlag.Name)) * time.Second,
		BlockRecoveryTimeout:          time.Duration(ctx.Int(BlockRecoveryTimeoutFlag.Name)) * time.Second,
		DumpShortIDMappingCompression: ctx.Bool(DumpShortIDMappingFlag.Name),
	}
	if opts.BlockchainProtocol != ProtocolBitcoin && opts.BlockchainProtocol != ProtocolEthereum {
		return Opts{}, fmt.Errorf("unsupported --blockchain-protocol %q: must be %q or %q", opts.BlockchainProtocol, ProtocolBitcoin, ProtocolEthereum)
	}
	if opts.NodeID == "" {
		return Opts{}, fmt.Errorf("--node-id is required")
	}
	return opts, nil
}

// bitcoinNetworkMagic maps a --blockchain-network name to its Bitcoin P2P
// magic bytes, grounded on the well-known mainnet/testnet3 constants.
var bitcoinNetworkMagic = map[string]uint32{
	"mainnet": 0xd9b4bef9,
	"testnet": 0x0709110b,
}

// BitcoinNetMagic resolves opts.BlockchainNetwork to its P2P magic value,
// defaulting to mainnet's if the network name isn't recognized.
func (o Opts) BitcoinNetMagic() uint32 {
	if magic, ok := bitcoinNetworkMagic[o.BlockchainNetwork]; ok {
		return magic
	}
	return bitcoinNetworkMagic["mainnet"]
}

// Cookie is the JSON document persisted at
// .gateway_cookies/.cookie.blxrbdn-gw-{node_id}, recording the last-known
// SDN endpoint, grounded on spec.md section 6's "Persisted state".
type Cookie struct {
	SDNEndpoint string    `json:"sdn_endpoint"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func cookiePath(nodeID string) string {
	return filepath.Join(".gateway_cookies", fmt.Sprintf(".cookie.blxrbdn-gw-%s", nodeID))
}

// LoadCookie reads the persisted cookie for nodeID, if any.
func LoadCookie(nodeID string) (Cookie, bool, error) {
	data, err := os.ReadFile(cookiePath(nodeID))
	if err != nil {
		if os.IsNotExist(err) {
			return Cookie{}, false, nil
		}
		return Cookie{}, false, err
	}
	var c Cookie
	if err := json.Unmarshal(data, &c); err != nil {
		return Cookie{}, false, err
	}
	return c, true, nil
}

// SaveCookie persists c for nodeID, creating .gateway_cookies/ if needed.
func SaveCookie(nodeID string, c Cookie) error {
	dir := ".gateway_cookies"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(cookiePath(nodeID), data, 0o644)
}
