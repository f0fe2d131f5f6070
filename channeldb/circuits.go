package channeldb

import (
	"bytes"
	"errors"
	"io"

	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// circuitBucket holds the open circuits of forwarded HTLCs, keyed by
	// the incoming channel and HTLC index.
	//
	// circuit-bucket -> incoming chan id || htlc index -> circuit
	circuitBucket = []byte("circuit-bucket")

	// ErrCircuitNotFound is returned when no circuit is stored under the
	// given incoming key.
	ErrCircuitNotFound = errors.New("circuit not found")
)

// HtlcKey identifies one HTLC of a channel.
type HtlcKey struct {
	ChanID lnwire.ChannelID
	HtlcID uint64
}

// bytes returns the database key of the HTLC.
func (k HtlcKey) bytes() []byte {
	var key [40]byte
	copy(key[:32], k.ChanID[:])
	byteOrder.PutUint64(key[32:], k.HtlcID)

	return key[:]
}

// ForwardedCircuit links an HTLC we received to the HTLC we offered on the
// next channel for it. It survives restarts so a settle or fail of the
// outgoing HTLC still reaches the incoming one.
type ForwardedCircuit struct {
	Incoming HtlcKey
	Outgoing HtlcKey

	PaymentHash [32]byte

	IncomingAmount lnwire.MilliSatoshi
	OutgoingAmount lnwire.MilliSatoshi

	// SharedSecret is the onion shared secret of the incoming HTLC. It
	// keys the encryption of failures sent back upstream.
	SharedSecret [32]byte
}

func serializeCircuit(w io.Writer, c *ForwardedCircuit) error {
	return WriteElements(
		w, c.Outgoing.ChanID, c.Outgoing.HtlcID, c.PaymentHash,
		c.IncomingAmount, c.OutgoingAmount, c.SharedSecret,
	)
}

func deserializeCircuit(key []byte, r io.Reader) (*ForwardedCircuit, error) {
	c := &ForwardedCircuit{}
	copy(c.Incoming.ChanID[:], key[:32])
	c.Incoming.HtlcID = byteOrder.Uint64(key[32:])

	err := ReadElements(
		r, &c.Outgoing.ChanID, &c.Outgoing.HtlcID, &c.PaymentHash,
		&c.IncomingAmount, &c.OutgoingAmount, &c.SharedSecret,
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// AddCircuit stores a forwarded circuit, replacing any circuit with the same
// incoming key.
func (d *DB) AddCircuit(c *ForwardedCircuit) error {
	var b bytes.Buffer
	if err := serializeCircuit(&b, c); err != nil {
		return err
	}

	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		circuits, err := tx.CreateTopLevelBucket(circuitBucket)
		if err != nil {
			return err
		}

		return circuits.Put(c.Incoming.bytes(), b.Bytes())
	}, func() {})
}

// DeleteCircuit removes the circuit of the incoming HTLC. Deleting an
// unknown circuit returns ErrCircuitNotFound.
func (d *DB) DeleteCircuit(incoming HtlcKey) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		circuits := tx.ReadWriteBucket(circuitBucket)
		if circuits == nil {
			return ErrCircuitNotFound
		}

		key := incoming.bytes()
		if circuits.Get(key) == nil {
			return ErrCircuitNotFound
		}

		return circuits.Delete(key)
	}, func() {})
}

// FetchCircuits returns every stored circuit.
func (d *DB) FetchCircuits() ([]*ForwardedCircuit, error) {
	var circuits []*ForwardedCircuit
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(circuitBucket)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			c, err := deserializeCircuit(k, bytes.NewReader(v))
			if err != nil {
				return err
			}
			circuits = append(circuits, c)

			return nil
		})
	}, func() {
		circuits = nil
	})
	if err != nil {
		return nil, err
	}

	return circuits, nil
}
