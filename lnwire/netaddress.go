package lnwire

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

// NetAddress represents information pertaining to the identity and network
// reachability of a peer. Information stored includes the node's identity
// public key for establishing a confidential+authenticated connection and a
// TCP address the node is reachable at.
type NetAddress struct {
	// IdentityKey is the long-term static public key for a node. This node is
	// used throughout the network as a node's identity key. It is used to
	// authenticate any data sent to the network on behalf of the node, and
	// additionally to establish a confidential+authenticated connection with
	// the node.
	IdentityKey *btcec.PublicKey

	// Address is the IP address and port of the node.
	Address net.Addr
}

// A compile time assertion to ensure that NetAddress meets the net.Addr
// interface.
var _ net.Addr = (*NetAddress)(nil)

// String returns a human readable string describing the target NetAddress. The
// current string format is: <pubkey>@host.
//
// This part of the net.Addr interface.
func (n *NetAddress) String() string {
	pubkey := n.IdentityKey.SerializeCompressed()

	return fmt.Sprintf("%x@%v", pubkey, n.Address)
}

// Network returns the name of the network this address is bound to.
//
// This part of the net.Addr interface.
func (n *NetAddress) Network() string {
	return n.Address.Network()
}

// ParseNetAddress parses a "<hex pubkey>@host:port" string.
func ParseNetAddress(s string) (*NetAddress, error) {
	parts := strings.Split(s, "@")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid address %q, expected "+
			"pubkey@host:port", s)
	}

	pubBytes, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey hex: %w", err)
	}

	pub, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return nil, err
	}

	addr, err := net.ResolveTCPAddr("tcp", parts[1])
	if err != nil {
		return nil, err
	}

	return &NetAddress{IdentityKey: pub, Address: addr}, nil
}
