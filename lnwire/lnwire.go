package lnwire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// MaxSliceLength is the maximum allowed length for any opaque byte
	// slices in the wire protocol.
	MaxSliceLength = 65535

	// tcp4AddrLen is the length of an IPv4 address
	// (4 bytes IP + 2 bytes port).
	tcp4AddrLen = 6

	// tcp6AddrLen is the length of an IPv6 address
	// (16 bytes IP + 2 bytes port).
	tcp6AddrLen = 18

	// deliveryAddressMaxSize is the largest script we accept as a
	// cooperative close destination.
	deliveryAddressMaxSize = 34
)

var (
	// ErrNilFeatureVector is returned when the supplied feature is nil.
	ErrNilFeatureVector = errors.New("cannot write nil feature vector")

	// ErrNilPublicKey is returned when a nil pubkey is used.
	ErrNilPublicKey = errors.New("cannot write nil pubkey")

	// ErrNilNetAddress is returned when a nil value is used in []net.Addr.
	ErrNilNetAddress = errors.New("cannot write nil address")

	// ErrPartialSigOverflow is returned when a partial signature scalar
	// is not below the group order.
	ErrPartialSigOverflow = errors.New("partial sig overflows group order")

	// ErrDeliveryAddressTooLong is returned when the delivery script
	// exceeds deliveryAddressMaxSize.
	ErrDeliveryAddressTooLong = errors.New("delivery address too long")
)

// addressType specifies the network protocol and version that should be used
// when connecting to a node at a particular address.
type addressType uint8

const (
	// tcp4Addr denotes an IPv4 TCP address.
	tcp4Addr addressType = 1

	// tcp6Addr denotes an IPv6 TCP address.
	tcp6Addr addressType = 2
)

// DeliveryAddress is the output script a party wants its cooperative close
// funds sent to.
type DeliveryAddress []byte

// NodeAlias is a fixed 32-byte, human readable node name.
type NodeAlias [32]byte

// NewNodeAlias creates a node alias from a string, failing if it is longer
// than 32 bytes.
func NewNodeAlias(s string) (NodeAlias, error) {
	var n NodeAlias
	if len(s) > len(n) {
		return n, fmt.Errorf("alias too long: max is %v, got %v",
			len(n), len(s))
	}
	copy(n[:], s)

	return n, nil
}

// String returns the alias with trailing zero bytes removed.
func (n NodeAlias) String() string {
	return string(bytes.TrimRight(n[:], "\x00"))
}

// ErrorData is the opaque error text carried by an Error message.
type ErrorData []byte

// OpaqueReason is an encrypted onion failure returned along the route.
type OpaqueReason []byte

// PingPayload is the padding carried by a ping.
type PingPayload []byte

// PongPayload is the padding carried by a pong.
type PongPayload []byte

// OnionPacketSize is the encoded size of an onion packet carried in an
// UpdateAddHTLC message.
const OnionPacketSize = 2006

// OnionBlob is the fixed-size onion packet of an HTLC.
type OnionBlob [OnionPacketSize]byte

func writeVarBytes(w *bytes.Buffer, b []byte) error {
	if len(b) > MaxSliceLength {
		return fmt.Errorf("slice too long: %v", len(b))
	}

	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(b)))
	if _, err := w.Write(l[:]); err != nil {
		return err
	}

	_, err := w.Write(b)
	return err
}

func readVarBytes(r io.Reader) ([]byte, error) {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, err
	}

	b := make([]byte, binary.BigEndian.Uint16(l[:]))
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}

	return b, nil
}

// WriteElement is a one-stop shop to write the big endian representation of
// any element which is to be serialized for the wire protocol.
func WriteElement(w *bytes.Buffer, element interface{}) error {
	switch e := element.(type) {
	case NodeAlias:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}

	case uint8:
		if err := w.WriteByte(e); err != nil {
			return err
		}

	case bool:
		var b byte
		if e {
			b = 1
		}
		if err := w.WriteByte(b); err != nil {
			return err
		}

	case uint16:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], e)
		if _, err := w.Write(b[:]); err != nil {
			return err
		}

	case uint32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], e)
		if _, err := w.Write(b[:]); err != nil {
			return err
		}

	case uint64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], e)
		if _, err := w.Write(b[:]); err != nil {
			return err
		}

	case MilliSatoshi:
		return WriteElement(w, uint64(e))

	case btcutil.Amount:
		return WriteElement(w, uint64(e))

	case ProtocolErrorCode:
		return WriteElement(w, uint16(e))

	case FailCode:
		return WriteElement(w, uint16(e))

	case *btcec.PublicKey:
		if e == nil {
			return ErrNilPublicKey
		}

		if _, err := w.Write(e.SerializeCompressed()); err != nil {
			return err
		}

	case Sig:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}

	case PartialSigWithNonce:
		return e.Encode(w)

	case Musig2Nonce:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}

	case NonceCommitment:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}

	case [32]byte:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}

	case [33]byte:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}

	case chainhash.Hash:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}

	case OnionBlob:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}

	case ChannelID:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}

	case ShortChannelID:
		return WriteElement(w, e.ToUint64())

	case ErrorData:
		return writeVarBytes(w, e)

	case OpaqueReason:
		return writeVarBytes(w, e)

	case PingPayload:
		return writeVarBytes(w, e)

	case PongPayload:
		return writeVarBytes(w, e)

	case DeliveryAddress:
		if len(e) > deliveryAddressMaxSize {
			return ErrDeliveryAddressTooLong
		}

		return writeVarBytes(w, e)

	case *RawFeatureVector:
		if e == nil {
			return ErrNilFeatureVector
		}

		return e.Encode(w)

	case wire.OutPoint:
		if _, err := w.Write(e.Hash[:]); err != nil {
			return err
		}

		return WriteElement(w, e.Index)

	case []net.Addr:
		var addrBuf bytes.Buffer
		for _, addr := range e {
			if err := writeNetAddr(&addrBuf, addr); err != nil {
				return err
			}
		}

		return writeVarBytes(w, addrBuf.Bytes())

	case ExtraOpaqueData:
		return e.Encode(w)

	default:
		return fmt.Errorf("unknown type in WriteElement: %T", e)
	}

	return nil
}

// WriteElements is writes each element in the elements slice to the passed
// buffer using WriteElement.
func WriteElements(buf *bytes.Buffer, elements ...interface{}) error {
	for _, element := range elements {
		err := WriteElement(buf, element)
		if err != nil {
			return err
		}
	}

	return nil
}

func writeNetAddr(w *bytes.Buffer, addr net.Addr) error {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok || tcpAddr == nil {
		return ErrNilNetAddress
	}

	var port [2]byte
	binary.BigEndian.PutUint16(port[:], uint16(tcpAddr.Port))

	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		w.WriteByte(byte(tcp4Addr))
		w.Write(ip4)
	} else {
		w.WriteByte(byte(tcp6Addr))
		w.Write(tcpAddr.IP.To16())
	}
	w.Write(port[:])

	return nil
}

// ReadElement is a one-stop utility function to deserialize any datastructure
// encoded using the serialization format of lnwire.
func ReadElement(r io.Reader, element interface{}) error {
	switch e := element.(type) {
	case *NodeAlias:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *uint8:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = b[0]

	case *bool:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = b[0] == 1

	case *uint16:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.BigEndian.Uint16(b[:])

	case *uint32:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.BigEndian.Uint32(b[:])

	case *uint64:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.BigEndian.Uint64(b[:])

	case *MilliSatoshi:
		var v uint64
		if err := ReadElement(r, &v); err != nil {
			return err
		}
		*e = MilliSatoshi(v)

	case *btcutil.Amount:
		var v uint64
		if err := ReadElement(r, &v); err != nil {
			return err
		}
		*e = btcutil.Amount(v)

	case *ProtocolErrorCode:
		var v uint16
		if err := ReadElement(r, &v); err != nil {
			return err
		}
		*e = ProtocolErrorCode(v)

	case *FailCode:
		var v uint16
		if err := ReadElement(r, &v); err != nil {
			return err
		}
		*e = FailCode(v)

	case **btcec.PublicKey:
		var b [btcec.PubKeyBytesLenCompressed]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}

		pubKey, err := btcec.ParsePubKey(b[:])
		if err != nil {
			return err
		}
		*e = pubKey

	case *Sig:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *PartialSigWithNonce:
		return e.Decode(r)

	case *Musig2Nonce:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *NonceCommitment:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *[32]byte:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *[33]byte:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *chainhash.Hash:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *OnionBlob:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *ChannelID:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *ShortChannelID:
		var v uint64
		if err := ReadElement(r, &v); err != nil {
			return err
		}
		*e = NewShortChanIDFromInt(v)

	case *ErrorData:
		b, err := readVarBytes(r)
		if err != nil {
			return err
		}
		*e = b

	case *OpaqueReason:
		b, err := readVarBytes(r)
		if err != nil {
			return err
		}
		*e = b

	case *PingPayload:
		b, err := readVarBytes(r)
		if err != nil {
			return err
		}
		*e = b

	case *PongPayload:
		b, err := readVarBytes(r)
		if err != nil {
			return err
		}
		*e = b

	case *DeliveryAddress:
		b, err := readVarBytes(r)
		if err != nil {
			return err
		}
		if len(b) > deliveryAddressMaxSize {
			return ErrDeliveryAddressTooLong
		}
		*e = b

	case **RawFeatureVector:
		f := NewRawFeatureVector()
		if err := f.Decode(r); err != nil {
			return err
		}
		*e = f

	case *wire.OutPoint:
		var h chainhash.Hash
		if _, err := io.ReadFull(r, h[:]); err != nil {
			return err
		}

		var index uint32
		if err := ReadElement(r, &index); err != nil {
			return err
		}
		*e = wire.OutPoint{Hash: h, Index: index}

	case *[]net.Addr:
		b, err := readVarBytes(r)
		if err != nil {
			return err
		}

		addrs, err := readNetAddrs(bytes.NewReader(b))
		if err != nil {
			return err
		}
		*e = addrs

	case *ExtraOpaqueData:
		return e.Decode(r)

	default:
		return fmt.Errorf("unknown type in ReadElement: %T", e)
	}

	return nil
}

// ReadElements deserializes a variable number of elements into the passed
// io.Reader, with each element being deserialized according to the
// ReadElement function.
func ReadElements(r io.Reader, elements ...interface{}) error {
	for _, element := range elements {
		err := ReadElement(r, element)
		if err != nil {
			return err
		}
	}

	return nil
}

func readNetAddrs(r *bytes.Reader) ([]net.Addr, error) {
	var addrs []net.Addr
	for r.Len() > 0 {
		t, err := r.ReadByte()
		if err != nil {
			return nil, err
		}

		var ip net.IP
		switch addressType(t) {
		case tcp4Addr:
			ip = make(net.IP, 4)
		case tcp6Addr:
			ip = make(net.IP, 16)
		default:
			return nil, fmt.Errorf("unknown address type: %v", t)
		}

		if _, err := io.ReadFull(r, ip); err != nil {
			return nil, err
		}

		var port [2]byte
		if _, err := io.ReadFull(r, port[:]); err != nil {
			return nil, err
		}

		addrs = append(addrs, &net.TCPAddr{
			IP:   ip,
			Port: int(binary.BigEndian.Uint16(port[:])),
		})
	}

	return addrs, nil
}
