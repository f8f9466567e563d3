// Command gateway is the bxgateway process entrypoint, grounded on the
// teacher's cmd/kcn/main.go composition: a urfave/cli app with a flag set
// bound into a config struct, an app.Action that builds the node and runs
// it until interrupted.
package main

import (
	"crypto/ecdsa"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli"

	"github.com/adriennhem/bxgateway/connection/ethdisc"
	"github.com/adriennhem/bxgateway/internal/config"
	"github.com/adriennhem/bxgateway/internal/log"
	"github.com/adriennhem/bxgateway/node"
)

var logger = log.NewModuleLogger(log.Config)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "bxgateway"
	app.Usage = "blockchain-to-relay-network gateway"
	app.Flags = config.Flags
	app.Action = run
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	opts, err := config.FromContext(ctx)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	cookie, found, err := config.LoadCookie(opts.NodeID)
	if err != nil {
		logger.Warn("failed to read gateway cookie", "err", err)
	} else if found {
		logger.Info("loaded gateway cookie", "sdn_endpoint", cookie.SDNEndpoint)
	}

	n := node.New(node.Opts{
		NodeID:               opts.NodeID,
		BlockchainNetMagic:   opts.BitcoinNetMagic(),
		BlockHoldTimeout:     opts.BlockHoldTimeout,
		BlockRecoveryTimeout: opts.BlockRecoveryTimeout,
	})

	blockchainAddr := fmt.Sprintf("%s:%d", opts.BlockchainIP, opts.BlockchainPort)
	switch opts.BlockchainProtocol {
	case config.ProtocolBitcoin:
		if err := n.DialBlockchainNode(blockchainAddr); err != nil {
			return cli.NewExitError(err.Error(), 2)
		}
	case config.ProtocolEthereum:
		pubKey, err := ethNodePublicKey(opts)
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		if err := n.DialEthNode(blockchainAddr, pubKey); err != nil {
			return cli.NewExitError(err.Error(), 2)
		}
	}

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		close(stop)
	}()

	logger.Info("gateway started", "node_id", opts.NodeID, "protocol", opts.BlockchainProtocol, "network", opts.BlockchainNetwork)
	n.Run(stop)
	return nil
}

// ethNodePublicKey learns the local Ethereum node's static devp2p public
// key via a discv4 ping/pong exchange rather than requiring it up front,
// matching EthNodeDiscoveryConnection's reason for existing (the CLI
// surface in spec.md section 6 only carries the node's IP/port, not its
// enode URL). The gateway's own ephemeral discovery key only needs to
// survive this one exchange.
func ethNodePublicKey(opts config.Opts) (*ecdsa.PublicKey, error) {
	localKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	remoteAddr := &net.UDPAddr{IP: net.ParseIP(opts.BlockchainIP), Port: opts.BlockchainPort}
	localAddr := &net.UDPAddr{IP: net.ParseIP(opts.ExternalIP), Port: opts.ExternalPort}
	return ethdisc.DiscoverPublicKey(remoteAddr, localAddr, localKey)
}
