package lncfg

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/hopline/hopd/lnwire"
)

// TCPResolver resolves addr on network, net.ResolveTCPAddr in production.
type TCPResolver = func(network, addr string) (*net.TCPAddr, error)

// dialNetworks are the network names net.Dial knows. Only the tcp ones are
// accepted.
var dialNetworks = map[string]bool{
	"tcp": true, "tcp4": true, "tcp6": true,
	"ip": false, "ip4": false, "ip6": false,
	"udp": false, "udp4": false, "udp6": false,
	"unix": false, "unixgram": false, "unixpacket": false,
}

// NormalizeAddresses parses the addresses, filling in defaultPort, and drops
// duplicates.
func NormalizeAddresses(addrs []string, defaultPort string,
	resolve TCPResolver) ([]net.Addr, error) {

	result := make([]net.Addr, 0, len(addrs))
	seen := make(map[string]struct{}, len(addrs))
	for _, addr := range addrs {
		parsed, err := ParseAddressString(addr, defaultPort, resolve)
		if err != nil {
			return nil, fmt.Errorf("parse address %s failed: %w",
				addr, err)
		}

		if _, ok := seen[parsed.String()]; ok {
			continue
		}
		seen[parsed.String()] = struct{}{}
		result = append(result, parsed)
	}

	return result, nil
}

// IsLoopback reports whether the host:port address is on a loopback
// interface.
func IsLoopback(addr string) bool {
	if strings.Contains(addr, "localhost") {
		return true
	}

	host, _, _ := net.SplitHostPort(addr)
	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback()
}

// splitNetwork splits an optional network://addr or network:addr prefix
// off s. Without a prefix the network is empty.
func splitNetwork(s string) (string, string) {
	if network, addr, ok := strings.Cut(s, "://"); ok && network != "" {
		return network, addr
	}

	network, addr, ok := strings.Cut(s, ":")
	if _, known := dialNetworks[network]; ok && known {
		return network, addr
	}

	return "", s
}

// ParseAddressString resolves a TCP address given as network://host:port,
// network:host:port, host:port, host or a bare port on localhost.
func ParseAddressString(s string, defaultPort string,
	resolve TCPResolver) (net.Addr, error) {

	network, addr := splitNetwork(s)
	switch {
	case network == "":
		network = "tcp"

	case !dialNetworks[network]:
		return nil, fmt.Errorf("only TCP addresses are supported: %s",
			s)
	}

	return resolve(network, withPort(addr, defaultPort))
}

// ParseLNAddressString parses a <pubkey-hex>@<addr> node address. The port
// defaults to defaultPort.
func ParseLNAddressString(s string, defaultPort string,
	resolve TCPResolver) (*lnwire.NetAddress, error) {

	pubHex, host, ok := strings.Cut(s, "@")
	if !ok || strings.Contains(host, "@") {
		return nil, fmt.Errorf("invalid lightning address %s: must be "+
			"of the form <pubkey-hex>@<addr>", s)
	}

	pub, err := parseNodeKey(pubHex)
	if err != nil {
		return nil, fmt.Errorf("invalid lightning address pubkey: %w",
			err)
	}

	addr, err := ParseAddressString(host, defaultPort, resolve)
	if err != nil {
		return nil, fmt.Errorf("invalid lightning address address: %w",
			err)
	}

	return &lnwire.NetAddress{
		IdentityKey: pub,
		Address:     addr,
	}, nil
}

// parseNodeKey decodes a hex compressed public key.
func parseNodeKey(s string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != btcec.PubKeyBytesLenCompressed {
		return nil, fmt.Errorf("length must be %d bytes, found %d",
			btcec.PubKeyBytesLenCompressed, len(b))
	}

	return btcec.ParsePubKey(b)
}

// withPort appends defaultPort to an address without one. A bare number is
// taken as a port on localhost.
func withPort(addr string, defaultPort string) string {
	host, port, err := net.SplitHostPort(addr)
	switch {
	case err == nil && host == "" && port == "":
		return ":" + defaultPort

	case err == nil:
		return addr
	}

	if _, err := strconv.Atoi(addr); err == nil {
		return net.JoinHostPort("localhost", addr)
	}

	// Bracketed IPv6 hosts already carry their brackets.
	if strings.HasPrefix(addr, "[") {
		return addr + ":" + defaultPort
	}

	return net.JoinHostPort(addr, defaultPort)
}
