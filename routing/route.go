package routing

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/graph"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/sphinx"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Hop represents the forwarding details at a particular position within the
// final route. This struct houses the values necessary to create the HTLC
// which will travel along this hop, and also encode the per-hop payload
// included within the Sphinx packet.
type Hop struct {
	// PubKeyBytes is the raw bytes of the public key of the target node.
	PubKeyBytes graph.Vertex

	// ChannelID is the channel the HTLC reaches this hop over.
	ChannelID lnwire.ShortChannelID

	// OutgoingTimeLock is the timelock value that should be used when
	// crafting the _outgoing_ HTLC from this hop. For the final hop it is
	// the expiry the hop receives.
	OutgoingTimeLock uint32

	// AmtToForward is the amount that this hop will forward to the next
	// hop. This value is less than the value that the incoming HTLC
	// carries as a fee will be subtracted by the hop.
	AmtToForward lnwire.MilliSatoshi
}

// Route represents a path through the channel graph which runs over one or
// more channels in succession. This struct carries all the information
// required to craft the Sphinx onion packet, and send the payment along the
// first hop in the path. A route is only selected as valid if all the channels
// have sufficient capacity to carry the initial payment amount after fees are
// accounted for.
type Route struct {
	// TotalTimeLock is the cumulative (final) time lock across the entire
	// route. This is the CLTV value that should be extended to the first
	// hop in the route.
	TotalTimeLock uint32

	// TotalAmount is the total amount of funds required to complete a
	// payment over this route. This value includes the cumulative fees at
	// each hop.
	TotalAmount lnwire.MilliSatoshi

	// SourcePubKey is the pubkey of the node where this route originates
	// from.
	SourcePubKey graph.Vertex

	// Hops contains details concerning the specific forwarding details at
	// each hop.
	Hops []*Hop
}

// ReceiverAmt is the amount received by the final hop of this route.
func (r *Route) ReceiverAmt() lnwire.MilliSatoshi {
	if len(r.Hops) == 0 {
		return 0
	}

	return r.Hops[len(r.Hops)-1].AmtToForward
}

// TotalFees is the sum of the fees paid at each hop within the final route.
// In the case of a one-hop payment, this value will be zero as we don't need
// to pay a fee to ourself.
func (r *Route) TotalFees() lnwire.MilliSatoshi {
	return r.TotalAmount - r.ReceiverAmt()
}

// less orders routes by fee, then time lock, then length.
func (r *Route) less(o *Route) bool {
	if r.TotalFees() != o.TotalFees() {
		return r.TotalFees() < o.TotalFees()
	}
	if r.TotalTimeLock != o.TotalTimeLock {
		return r.TotalTimeLock < o.TotalTimeLock
	}

	return len(r.Hops) < len(o.Hops)
}

// ToSphinxPath converts a complete route into a sphinx PaymentPath that
// contains the per-hop payloads used to encode the HTLC routing data for each
// hop in the route.
func (r *Route) ToSphinxPath() (sphinx.PaymentPath, error) {
	if len(r.Hops) > sphinx.NumMaxHops {
		return nil, newErrf(ErrMaxHopsExceeded, "route of %d hops",
			len(r.Hops))
	}

	path := make(sphinx.PaymentPath, len(r.Hops))
	for i, hop := range r.Hops {
		pub, err := hop.PubKeyBytes.PubKey()
		if err != nil {
			return nil, err
		}

		payload := sphinx.HopPayload{
			AmountToForward: hop.AmtToForward,
			OutgoingCltv:    hop.OutgoingTimeLock,
		}
		if i == len(r.Hops)-1 {
			payload.TotalAmount = fn.Some(hop.AmtToForward)
		} else {
			payload.NextHop = r.Hops[i+1].ChannelID
		}

		path[i] = sphinx.OnionHop{
			NodePub: *pub,
			Payload: payload,
		}
	}

	return path, nil
}

// ToPaymentHops converts the route into the form stored with a payment.
func (r *Route) ToPaymentHops() []channeldb.PaymentHop {
	hops := make([]channeldb.PaymentHop, len(r.Hops))
	for i, hop := range r.Hops {
		hops[i] = channeldb.PaymentHop{
			PubKeyBytes:      hop.PubKeyBytes,
			ChannelID:        hop.ChannelID.ToUint64(),
			OutgoingTimeLock: hop.OutgoingTimeLock,
			AmtToForward:     hop.AmtToForward,
		}
	}

	return hops
}

// String returns a human readable representation of the route.
func (r *Route) String() string {
	var b strings.Builder
	amt := r.TotalAmount
	for i, hop := range r.Hops {
		if i > 0 {
			b.WriteString(" -> ")
		}
		fmt.Fprintf(&b, "%v (%v)", hop.ChannelID, amt)
		amt = hop.AmtToForward
	}

	return fmt.Sprintf("amt=%v, fees=%v, cltv=%v, path=%s",
		r.TotalAmount, r.TotalFees(), r.TotalTimeLock, b.String())
}

// pathEdge is a directed channel of a path.
type pathEdge struct {
	channelID lnwire.ShortChannelID
	fromNode  graph.Vertex
	toNode    graph.Vertex
	capacity  btcutil.Amount

	// policy is the forwarding policy of fromNode over the channel. It is
	// nil for channels of the payer without an announced policy.
	policy *graph.CachedPolicy
}

// sameEdge returns true if both edges name the same channel direction.
func (e *pathEdge) sameEdge(o *pathEdge) bool {
	return e.channelID == o.channelID && e.fromNode == o.fromNode
}

// newRoute constructs a route using the provided path and final hop
// constraints. Fees and time locks are computed backwards from the receiver:
// every hop but the first charges the fee of the channel it forwards over
// and adds its time lock delta.
func newRoute(source graph.Vertex, path []*pathEdge,
	amtToSend lnwire.MilliSatoshi, finalExpiry uint32) (*Route, error) {

	if len(path) > HopLimit {
		return nil, newErrf(ErrMaxHopsExceeded, "path of %d hops",
			len(path))
	}

	route := &Route{
		SourcePubKey: source,
		Hops:         make([]*Hop, len(path)),
	}

	runningAmt := amtToSend
	runningCltv := finalExpiry
	for i := len(path) - 1; i >= 0; i-- {
		edge := path[i]
		route.Hops[i] = &Hop{
			PubKeyBytes:      edge.toNode,
			ChannelID:        edge.channelID,
			OutgoingTimeLock: runningCltv,
			AmtToForward:     runningAmt,
		}

		// The node at this hop charges for forwarding over the next
		// channel, the final hop receives the amount as is.
		if i < len(path)-1 {
			if next := path[i+1].policy; next != nil {
				runningAmt += next.ComputeFee(runningAmt)
				runningCltv += uint32(next.TimeLockDelta)
			}
		}

		capacity := lnwire.NewMSatFromSatoshis(edge.capacity)
		if runningAmt > capacity {
			return nil, newErrf(ErrInsufficientCapacity, "channel "+
				"%v of capacity %v can't carry %v",
				edge.channelID, edge.capacity, runningAmt)
		}
	}

	route.TotalAmount = runningAmt
	route.TotalTimeLock = runningCltv

	return route, nil
}
