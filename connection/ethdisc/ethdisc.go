// Package ethdisc implements the devp2p discovery v4 ping/pong exchange
// used solely to learn the local Ethereum node's static public key before
// opening the RLPx connection (spec.md section 4.6, Ethereum variant),
// grounded on original_source/src/bxgateway/connections/eth/
// eth_node_discovery_connection.py: a PING is sent and, once the node's
// PONG reply arrives, its public key is recovered from the packet's own
// signature — devp2p discovery packets are self-authenticating, so the key
// is never carried in the payload itself. No Kademlia routing table is
// modeled here, since the gateway only ever needs its single local node's
// key, never a wider peer set.
package ethdisc

import (
	"crypto/ecdsa"
	"fmt"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/discover/v4wire"

	"github.com/adriennhem/bxgateway/internal/gwerrors"
	"github.com/adriennhem/bxgateway/internal/log"
)

var logger = log.NewModuleLogger(log.EthConn)

// pongTimeout matches DISCOVERY_PONG_TIMEOUT_SEC's role: how long to wait
// for the node's reply before giving up.
const pongTimeout = 10 * time.Second

// pingExpiration matches PING_MSG_TTL_SEC.
const pingExpiration = 20 * time.Second

const readBufSize = 1280

// DiscoverPublicKey sends a discv4 PING to addr and returns the public key
// recovered from the first PONG reply, grounded on
// EthNodeDiscoveryConnection's send_ping/msg_pong exchange. localAddr
// identifies the gateway's own externally-reachable address, as recorded
// in the PING's "from" endpoint.
func DiscoverPublicKey(addr, localAddr *net.UDPAddr, priv *ecdsa.PrivateKey) (*ecdsa.PublicKey, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: localAddr.IP})
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.IO, err)
	}
	defer conn.Close()

	ping := &v4wire.Ping{
		Version:    4,
		From:       endpoint(localAddr),
		To:         endpoint(addr),
		Expiration: uint64(time.Now().Add(pingExpiration).Unix()),
	}
	packet, pingHash, err := v4wire.Encode(priv, ping)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.MessageConversion, err)
	}
	if _, err := conn.WriteToUDP(packet, addr); err != nil {
		return nil, gwerrors.Wrap(gwerrors.IO, err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(pongTimeout)); err != nil {
		return nil, gwerrors.Wrap(gwerrors.IO, err)
	}

	buf := make([]byte, readBufSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.Timeout, fmt.Errorf("waiting for pong from %s: %w", addr, err))
		}

		resp, fromKey, _, err := v4wire.Decode(buf[:n])
		if err != nil {
			logger.Trace("dropping malformed discovery packet", "from", from, "err", err)
			continue
		}
		pong, ok := resp.(*v4wire.Pong)
		if !ok {
			continue
		}
		if string(pong.ReplyTok) != string(pingHash) {
			logger.Trace("dropping pong replying to a different ping", "from", from)
			continue
		}

		pub, err := v4wire.DecodePubkey(crypto.S256(), fromKey)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.Decryption, err)
		}
		return pub, nil
	}
}

func endpoint(addr *net.UDPAddr) v4wire.Endpoint {
	port := uint16(addr.Port)
	return v4wire.Endpoint{IP: addr.IP, UDP: port, TCP: port}
}
