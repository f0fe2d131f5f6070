package htlcswitch

import (
	"fmt"
	"sync"

	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnwire"
)

// CircuitKey identifies an HTLC by its channel and index.
type CircuitKey = channeldb.HtlcKey

// PaymentCircuit links an HTLC we offered to where it came from: either an
// HTLC we received and forwarded, or a payment of our own. It lives from the
// moment the outgoing HTLC is added until it is settled or failed.
type PaymentCircuit struct {
	// Incoming is the HTLC we forwarded. It is unset for local payments.
	Incoming CircuitKey

	// Outgoing is the HTLC we offered.
	Outgoing CircuitKey

	PaymentHash lntypes.Hash

	IncomingAmount lnwire.MilliSatoshi
	OutgoingAmount lnwire.MilliSatoshi

	// ErrorEncrypter wraps failures sent back upstream. Only set for
	// forwarded HTLCs.
	ErrorEncrypter *SphinxErrorEncrypter

	// payment is set for HTLCs of local payments.
	payment *pendingPayment
}

// IsLocal returns true if the circuit carries one of our own payments.
func (c *PaymentCircuit) IsLocal() bool {
	return c.payment != nil
}

// String returns a short description of the circuit.
func (c *PaymentCircuit) String() string {
	if c.IsLocal() {
		return fmt.Sprintf("local(attempt=%d) -> %v:%d",
			c.payment.attemptID, c.Outgoing.ChanID,
			c.Outgoing.HtlcID)
	}

	return fmt.Sprintf("%v:%d -> %v:%d", c.Incoming.ChanID,
		c.Incoming.HtlcID, c.Outgoing.ChanID, c.Outgoing.HtlcID)
}

// toForwarded returns the stored form of a forwarded circuit.
func (c *PaymentCircuit) toForwarded() *channeldb.ForwardedCircuit {
	return &channeldb.ForwardedCircuit{
		Incoming:       c.Incoming,
		Outgoing:       c.Outgoing,
		PaymentHash:    c.PaymentHash,
		IncomingAmount: c.IncomingAmount,
		OutgoingAmount: c.OutgoingAmount,
		SharedSecret:   c.ErrorEncrypter.SharedSecret(),
	}
}

// circuitFromForwarded restores a forwarded circuit read from the store.
func circuitFromForwarded(fc *channeldb.ForwardedCircuit) *PaymentCircuit {
	return &PaymentCircuit{
		Incoming:       fc.Incoming,
		Outgoing:       fc.Outgoing,
		PaymentHash:    fc.PaymentHash,
		IncomingAmount: fc.IncomingAmount,
		OutgoingAmount: fc.OutgoingAmount,
		ErrorEncrypter: NewSphinxErrorEncrypter(fc.SharedSecret),
	}
}

// circuitMap indexes the open circuits by both of their HTLCs.
type circuitMap struct {
	mtx sync.RWMutex

	byOutgoing map[CircuitKey]*PaymentCircuit
	byIncoming map[CircuitKey]*PaymentCircuit
}

func newCircuitMap() *circuitMap {
	return &circuitMap{
		byOutgoing: make(map[CircuitKey]*PaymentCircuit),
		byIncoming: make(map[CircuitKey]*PaymentCircuit),
	}
}

// add indexes an open circuit.
func (m *circuitMap) add(c *PaymentCircuit) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.byOutgoing[c.Outgoing] = c
	if !c.IsLocal() {
		m.byIncoming[c.Incoming] = c
	}
}

// lookupOutgoing returns the circuit of an HTLC we offered.
func (m *circuitMap) lookupOutgoing(key CircuitKey) (*PaymentCircuit, bool) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	c, ok := m.byOutgoing[key]
	return c, ok
}

// hasIncoming returns true if the received HTLC was already forwarded.
func (m *circuitMap) hasIncoming(key CircuitKey) bool {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	_, ok := m.byIncoming[key]
	return ok
}

// remove drops the circuit from both indexes.
func (m *circuitMap) remove(c *PaymentCircuit) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	delete(m.byOutgoing, c.Outgoing)
	if !c.IsLocal() {
		delete(m.byIncoming, c.Incoming)
	}
}

// outgoingOn returns the circuits whose outgoing HTLC is on the channel.
func (m *circuitMap) outgoingOn(chanID lnwire.ChannelID) []*PaymentCircuit {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	var circuits []*PaymentCircuit
	for key, c := range m.byOutgoing {
		if key.ChanID == chanID {
			circuits = append(circuits, c)
		}
	}

	return circuits
}

// incomingOn returns the forwarded circuits whose incoming HTLC is on the
// channel.
func (m *circuitMap) incomingOn(chanID lnwire.ChannelID) []*PaymentCircuit {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	var circuits []*PaymentCircuit
	for key, c := range m.byIncoming {
		if key.ChanID == chanID {
			circuits = append(circuits, c)
		}
	}

	return circuits
}

// numOpen returns the number of open circuits.
func (m *circuitMap) numOpen() int {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	return len(m.byOutgoing)
}
