package channeldb

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/btcsuite/btcd/btcec/v2"
)

// AddrSource knows the network addresses a node can be dialed at.
type AddrSource interface {
	// AddrsForNode returns the addresses of the node. The boolean is false
	// if the source has never heard of the node.
	AddrsForNode(ctx context.Context,
		nodePub *btcec.PublicKey) (bool, []net.Addr, error)
}

// errNoAddrSources is returned by a multi source built without sources.
var errNoAddrSources = errors.New("no address sources")

// multiAddrSource merges the answers of several address sources.
type multiAddrSource []AddrSource

// NewMultiAddrSource returns an AddrSource asking every given source in turn.
// Addresses keep the order in which the sources report them, duplicates are
// dropped.
func NewMultiAddrSource(sources ...AddrSource) AddrSource {
	return multiAddrSource(sources)
}

// AddrsForNode queries every source. The node is known if any source knows
// it.
//
// NOTE: this implements the AddrSource interface.
func (m multiAddrSource) AddrsForNode(ctx context.Context,
	nodePub *btcec.PublicKey) (bool, []net.Addr, error) {

	if len(m) == 0 {
		return false, nil, errNoAddrSources
	}

	var (
		known  bool
		merged []net.Addr
		seen   = make(map[string]struct{})
	)
	for i, src := range m {
		srcKnown, addrs, err := src.AddrsForNode(ctx, nodePub)
		if err != nil {
			return false, nil, fmt.Errorf("address source %d: %w",
				i, err)
		}
		known = known || srcKnown

		for _, addr := range addrs {
			if _, ok := seen[addr.String()]; ok {
				continue
			}
			seen[addr.String()] = struct{}{}
			merged = append(merged, addr)
		}
	}

	return known, merged, nil
}

var _ AddrSource = multiAddrSource(nil)
