package channeldb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/keychain"
	"github.com/hopline/hopd/lnwire"
)

// Big endian is the preferred byte order, due to cursor scans over integer
// keys iterating in order.
var byteOrder = binary.BigEndian

// writeOutpoint writes an outpoint to the passed writer using the minimal
// amount of bytes possible.
func writeOutpoint(w io.Writer, o *wire.OutPoint) error {
	if _, err := w.Write(o.Hash[:]); err != nil {
		return err
	}

	return binary.Write(w, byteOrder, o.Index)
}

// readOutpoint reads an outpoint from the passed reader that was previously
// written using the writeOutpoint struct.
func readOutpoint(r io.Reader, o *wire.OutPoint) error {
	if _, err := io.ReadFull(r, o.Hash[:]); err != nil {
		return err
	}

	return binary.Read(r, byteOrder, &o.Index)
}

// WriteElement is a one-stop shop to write the big endian representation of
// any element which is to be serialized for storage on disk. The passed
// io.Writer should be backed by an appropriately sized byte slice, or be able
// to dynamically expand to accommodate additional data.
func WriteElement(w io.Writer, element interface{}) error {
	switch e := element.(type) {
	case bool:
		var b [1]byte
		if e {
			b[0] = 1
		}
		if _, err := w.Write(b[:]); err != nil {
			return err
		}

	case uint8:
		if _, err := w.Write([]byte{e}); err != nil {
			return err
		}

	case uint16:
		if err := binary.Write(w, byteOrder, e); err != nil {
			return err
		}

	case uint32:
		if err := binary.Write(w, byteOrder, e); err != nil {
			return err
		}

	case uint64:
		if err := binary.Write(w, byteOrder, e); err != nil {
			return err
		}

	case int32:
		if err := binary.Write(w, byteOrder, e); err != nil {
			return err
		}

	case btcutil.Amount:
		if err := binary.Write(w, byteOrder, uint64(e)); err != nil {
			return err
		}

	case lnwire.MilliSatoshi:
		if err := binary.Write(w, byteOrder, uint64(e)); err != nil {
			return err
		}

	case lnwire.ChannelID:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}

	case lnwire.ShortChannelID:
		if err := binary.Write(w, byteOrder, e.ToUint64()); err != nil {
			return err
		}

	case chainhash.Hash:
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

	case wire.OutPoint:
		return writeOutpoint(w, &e)

	case *btcec.PublicKey:
		// A nil key is written as 33 zero bytes, which is never a
		// valid compressed point.
		var b [33]byte
		if e != nil {
			copy(b[:], e.SerializeCompressed())
		}
		if _, err := w.Write(b[:]); err != nil {
			return err
		}

	case keychain.KeyLocator:
		err := binary.Write(w, byteOrder, uint32(e.Family))
		if err != nil {
			return err
		}

		return binary.Write(w, byteOrder, e.Index)

	case keychain.KeyDescriptor:
		if err := WriteElements(w, e.KeyLocator, e.PubKey); err != nil {
			return err
		}

	case []byte:
		if err := wire.WriteVarBytes(w, 0, e); err != nil {
			return err
		}

	case *wire.MsgTx:
		var b bytes.Buffer
		if e != nil {
			if err := e.Serialize(&b); err != nil {
				return err
			}
		}
		if err := wire.WriteVarBytes(w, 0, b.Bytes()); err != nil {
			return err
		}

	case time.Time:
		var unixNano int64
		if !e.IsZero() {
			unixNano = e.UnixNano()
		}
		if err := binary.Write(w, byteOrder, uint64(unixNano)); err != nil {
			return err
		}

	case ChannelStatus:
		if err := binary.Write(w, byteOrder, uint64(e)); err != nil {
			return err
		}

	case ClosureType:
		if _, err := w.Write([]byte{uint8(e)}); err != nil {
			return err
		}

	default:
		return NewUnknownElementType("WriteElement", e)
	}

	return nil
}

// WriteElements writes each element in the elements slice to the passed
// io.Writer using WriteElement.
func WriteElements(w io.Writer, elements ...interface{}) error {
	for _, element := range elements {
		if err := WriteElement(w, element); err != nil {
			return err
		}
	}

	return nil
}

// ReadElement is a one-stop utility function to deserialize any datastructure
// encoded using the serialization format of the database.
func ReadElement(r io.Reader, element interface{}) error {
	switch e := element.(type) {
	case *bool:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = b[0] == 1

	case *uint8:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = b[0]

	case *uint16:
		if err := binary.Read(r, byteOrder, e); err != nil {
			return err
		}

	case *uint32:
		if err := binary.Read(r, byteOrder, e); err != nil {
			return err
		}

	case *uint64:
		if err := binary.Read(r, byteOrder, e); err != nil {
			return err
		}

	case *int32:
		if err := binary.Read(r, byteOrder, e); err != nil {
			return err
		}

	case *btcutil.Amount:
		var a uint64
		if err := binary.Read(r, byteOrder, &a); err != nil {
			return err
		}
		*e = btcutil.Amount(a)

	case *lnwire.MilliSatoshi:
		var a uint64
		if err := binary.Read(r, byteOrder, &a); err != nil {
			return err
		}
		*e = lnwire.MilliSatoshi(a)

	case *lnwire.ChannelID:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *lnwire.ShortChannelID:
		var a uint64
		if err := binary.Read(r, byteOrder, &a); err != nil {
			return err
		}
		*e = lnwire.NewShortChanIDFromInt(a)

	case *chainhash.Hash:
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

	case *wire.OutPoint:
		return readOutpoint(r, e)

	case **btcec.PublicKey:
		var b [33]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		if b == [33]byte{} {
			*e = nil
			return nil
		}

		pubKey, err := btcec.ParsePubKey(b[:])
		if err != nil {
			return err
		}
		*e = pubKey

	case *keychain.KeyLocator:
		var family uint32
		if err := binary.Read(r, byteOrder, &family); err != nil {
			return err
		}
		e.Family = keychain.KeyFamily(family)

		return binary.Read(r, byteOrder, &e.Index)

	case *keychain.KeyDescriptor:
		if err := ReadElements(r, &e.KeyLocator, &e.PubKey); err != nil {
			return err
		}

	case *[]byte:
		b, err := wire.ReadVarBytes(r, 0, 66000, "[]byte")
		if err != nil {
			return err
		}
		if len(b) == 0 {
			b = nil
		}
		*e = b

	case **wire.MsgTx:
		b, err := wire.ReadVarBytes(r, 0, 400000, "tx")
		if err != nil {
			return err
		}
		if len(b) == 0 {
			*e = nil
			return nil
		}

		tx := wire.NewMsgTx(2)
		if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
			return err
		}
		*e = tx

	case *time.Time:
		var unixNano uint64
		if err := binary.Read(r, byteOrder, &unixNano); err != nil {
			return err
		}
		if unixNano == 0 {
			*e = time.Time{}
			return nil
		}
		*e = time.Unix(0, int64(unixNano))

	case *ChannelStatus:
		var s uint64
		if err := binary.Read(r, byteOrder, &s); err != nil {
			return err
		}
		*e = ChannelStatus(s)

	case *ClosureType:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = ClosureType(b[0])

	default:
		return NewUnknownElementType("ReadElement", e)
	}

	return nil
}

// ReadElements deserializes a variable number of elements into the passed
// io.Reader, with each element being deserialized according to the
// ReadElement function.
func ReadElements(r io.Reader, elements ...interface{}) error {
	for _, element := range elements {
		if err := ReadElement(r, element); err != nil {
			return fmt.Errorf("unable to read %T: %w", element, err)
		}
	}

	return nil
}
