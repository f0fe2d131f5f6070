package channeldb

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// peerAddrBucket stores the last known addresses of every peer we had
	// a connection with, so it can be dialed again after a restart.
	//
	// peer-addr-bucket -> node pubkey -> addresses
	peerAddrBucket = []byte("peer-addr-bucket")

	// ErrUnknownAddressType is returned when a node's addressType is not
	// an expected value.
	ErrUnknownAddressType = errors.New("address type cannot be resolved")
)

// addressType specifies the network protocol and version that should be used
// when connecting to a node at a particular address.
type addressType uint8

const (
	// tcp4Addr denotes an IPv4 TCP address.
	tcp4Addr addressType = 0

	// tcp6Addr denotes an IPv6 TCP address.
	tcp6Addr addressType = 1
)

func encodeTCPAddr(w io.Writer, addr *net.TCPAddr) error {
	var scratch [16]byte

	if addr.IP.To4() != nil {
		scratch[0] = uint8(tcp4Addr)
		if _, err := w.Write(scratch[:1]); err != nil {
			return err
		}

		copy(scratch[:4], addr.IP.To4())
		if _, err := w.Write(scratch[:4]); err != nil {
			return err
		}
	} else {
		scratch[0] = uint8(tcp6Addr)
		if _, err := w.Write(scratch[:1]); err != nil {
			return err
		}

		copy(scratch[:], addr.IP.To16())
		if _, err := w.Write(scratch[:]); err != nil {
			return err
		}
	}

	byteOrder.PutUint16(scratch[:2], uint16(addr.Port))
	if _, err := w.Write(scratch[:2]); err != nil {
		return err
	}

	return nil
}

// deserializeAddr reads the serialized raw representation of an address and
// deserializes it into the actual address, to avoid performing address
// resolution in the database module
func deserializeAddr(r io.Reader) (net.Addr, error) {
	var scratch [2]byte
	if _, err := io.ReadFull(r, scratch[:1]); err != nil {
		return nil, err
	}

	var ip []byte
	switch addressType(scratch[0]) {
	case tcp4Addr:
		ip = make([]byte, 4)
	case tcp6Addr:
		ip = make([]byte, 16)
	default:
		return nil, ErrUnknownAddressType
	}

	if _, err := io.ReadFull(r, ip); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, scratch[:2]); err != nil {
		return nil, err
	}

	return &net.TCPAddr{
		IP:   net.IP(ip),
		Port: int(byteOrder.Uint16(scratch[:2])),
	}, nil
}

// serializeAddr serializes an address into a raw byte representation so it
// can be deserialized without requiring address resolution. Addresses that
// aren't TCP addresses are skipped.
func serializeAddr(w io.Writer, address net.Addr) error {
	switch addr := address.(type) {
	case *net.TCPAddr:
		return encodeTCPAddr(w, addr)
	}

	return nil
}

// AddPeerAddrs merges addrs into the stored addresses of the node.
func (d *DB) AddPeerAddrs(nodePub *btcec.PublicKey, addrs ...net.Addr) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		peers := tx.ReadWriteBucket(peerAddrBucket)
		if peers == nil {
			return ErrNoChanDBExists
		}

		key := nodePub.SerializeCompressed()

		known, err := readAddrs(peers.Get(key))
		if err != nil {
			return err
		}

		seen := make(map[string]struct{}, len(known))
		for _, addr := range known {
			seen[addr.String()] = struct{}{}
		}
		for _, addr := range addrs {
			if _, ok := addr.(*net.TCPAddr); !ok {
				continue
			}
			if _, ok := seen[addr.String()]; ok {
				continue
			}
			seen[addr.String()] = struct{}{}
			known = append(known, addr)
		}

		var b bytes.Buffer
		if err := WriteElement(&b, uint16(len(known))); err != nil {
			return err
		}
		for _, addr := range known {
			if err := serializeAddr(&b, addr); err != nil {
				return err
			}
		}

		return peers.Put(key, b.Bytes())
	}, func() {})
}

// AddrsForNode returns all known addresses for the target node public key.
//
// NOTE: this implements the AddrSource interface.
func (d *DB) AddrsForNode(_ context.Context,
	nodePub *btcec.PublicKey) (bool, []net.Addr, error) {

	var addrs []net.Addr
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		peers := tx.ReadBucket(peerAddrBucket)
		if peers == nil {
			return ErrNoChanDBExists
		}

		var err error
		addrs, err = readAddrs(peers.Get(nodePub.SerializeCompressed()))

		return err
	}, func() {
		addrs = nil
	})
	if err != nil {
		return false, nil, err
	}

	return len(addrs) > 0, addrs, nil
}

// ForEachPeerAddrs calls cb with every peer that has stored addresses.
func (d *DB) ForEachPeerAddrs(
	cb func(*btcec.PublicKey, []net.Addr) error) error {

	return kvdb.View(d, func(tx kvdb.RTx) error {
		peers := tx.ReadBucket(peerAddrBucket)
		if peers == nil {
			return ErrNoChanDBExists
		}

		return peers.ForEach(func(k, v []byte) error {
			pub, err := btcec.ParsePubKey(k)
			if err != nil {
				return err
			}

			addrs, err := readAddrs(v)
			if err != nil {
				return err
			}

			return cb(pub, addrs)
		})
	}, func() {})
}

// readAddrs decodes a list of addresses written by AddPeerAddrs. A nil value
// yields no addresses.
func readAddrs(v []byte) ([]net.Addr, error) {
	if v == nil {
		return nil, nil
	}

	r := bytes.NewReader(v)

	var numAddrs uint16
	if err := ReadElement(r, &numAddrs); err != nil {
		return nil, err
	}

	addrs := make([]net.Addr, 0, numAddrs)
	for i := uint16(0); i < numAddrs; i++ {
		addr, err := deserializeAddr(r)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}

	return addrs, nil
}

// A compile-time check to ensure that DB implements the AddrSource
// interface.
var _ AddrSource = (*DB)(nil)
