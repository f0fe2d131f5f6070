package routing

import (
	"math"

	"github.com/hopline/hopd/graph"
	"github.com/hopline/hopd/lnwire"
)

const (
	// HopLimit is the maximum number hops that is permissible as a route.
	// Any potential paths found that lie above this limit will be rejected
	// with an error. This value is computed using the current fixed-size
	// packet length of the Sphinx construction.
	HopLimit = 20

	// DefaultFinalCltvDelta is the time lock delta the receiver gets when
	// the query doesn't name one.
	DefaultFinalCltvDelta = 40

	// DefaultCltvLimit is the largest total time lock delta of a route
	// when the query doesn't name one.
	DefaultCltvLimit = 2016

	// RiskFactorBillionths controls the influence of time lock delta
	// of a channel on route selection. It is expressed as billionths
	// of msat per msat sent through the channel per time lock delta
	// block. See edgeWeight function below for more details.
	// The chosen value is based on the previous incorrect weight function
	// 1 + timelock + fee * fee. In this function, the fee penalty
	// diminishes the time lock penalty for all but the smallest amounts.
	// To not change the behaviour of path finding too drastically, a
	// relatively small value is chosen which is still big enough to give
	// some effect with smaller time lock values. The value may need
	// tweaking and/or be made configurable in the future.
	RiskFactorBillionths = 15

	// infinity is used as a starting distance in our shortest path search.
	infinity = math.MaxInt64
)

// NoFeeLimit disables the fee limit of a query.
const NoFeeLimit = lnwire.MilliSatoshi(math.MaxUint64)

// RestrictParams wraps the set of restrictions passed to findPath that the
// found path must adhere to.
type RestrictParams struct {
	// FeeLimit is a maximum fee amount allowed to be used on the path from
	// the source to the target.
	FeeLimit lnwire.MilliSatoshi

	// CltvLimit is the maximum total time lock delta of the route,
	// including the final delta.
	CltvLimit uint32

	// HopLimit is the maximum number of channels of a route. It can't
	// exceed the package HopLimit.
	HopLimit int

	// NumRoutes is the number of routes to return at most.
	NumRoutes int

	// FinalCltvDelta is the time lock delta the receiver requires.
	FinalCltvDelta uint16
}

// DefaultRestrictParams returns the restrictions of a query for one route
// without a fee limit.
func DefaultRestrictParams() RestrictParams {
	return RestrictParams{
		FeeLimit:       NoFeeLimit,
		CltvLimit:      DefaultCltvLimit,
		HopLimit:       HopLimit,
		NumRoutes:      1,
		FinalCltvDelta: DefaultFinalCltvDelta,
	}
}

// normalize fills in defaults for unset fields.
func (r RestrictParams) normalize() RestrictParams {
	if r.CltvLimit == 0 {
		r.CltvLimit = DefaultCltvLimit
	}
	if r.HopLimit <= 0 || r.HopLimit > HopLimit {
		r.HopLimit = HopLimit
	}
	if r.NumRoutes <= 0 {
		r.NumRoutes = 1
	}
	if r.FinalCltvDelta == 0 {
		r.FinalCltvDelta = DefaultFinalCltvDelta
	}

	return r
}

// routingGraph is the view of the graph path finding needs.
type routingGraph interface {
	// ForEachNodeChannel calls cb for every channel of the node as seen
	// from that node.
	ForEachNodeChannel(v graph.Vertex,
		cb func(*graph.DirectedChannel) error) error

	// HasNode returns true if the node has at least one channel.
	HasNode(v graph.Vertex) bool
}

// bandwidthHints returns the amount we can currently send over one of our
// own channels. The boolean is false for channels that aren't ours.
type bandwidthHints func(lnwire.ShortChannelID) (lnwire.MilliSatoshi, bool)

// findPathArgs are the inputs of one shortest path search.
type findPathArgs struct {
	// self is the paying node. It doesn't charge fees and its channels
	// are limited by bandwidth instead of policy.
	self graph.Vertex

	// source is where the search ends. It differs from self in the spur
	// searches of the k-shortest algorithm.
	source graph.Vertex

	target graph.Vertex
	amt    lnwire.MilliSatoshi

	restrictions RestrictParams

	// maxHops is the number of channels the path may have.
	maxHops int

	ignoredNodes map[graph.Vertex]struct{}
	ignoredEdges []*pathEdge
}

// edgeWeight computes the weight of an edge. This value is used when searching
// for the shortest path within the channel graph between two nodes. Weight is
// is the fee itself plus a time lock penalty added to it. This benefits
// channels with shorter time lock deltas and shorter (hops) routes in general.
// RiskFactor controls the influence of time lock on route selection. This is
// currently a fixed value, but might be configurable in the future.
func edgeWeight(lockedAmt lnwire.MilliSatoshi, fee lnwire.MilliSatoshi,
	timeLockDelta uint16) int64 {

	// timeLockPenalty is the penalty for the time lock delta of this channel.
	// It is controlled by RiskFactorBillionths and scales proportional
	// to the amount that will pass through channel. Rationale is that it if
	// a twice as large amount gets locked up, it is twice as bad.
	timeLockPenalty := int64(lockedAmt) * int64(timeLockDelta) *
		RiskFactorBillionths / 1000000000

	// One extra unit per channel so equally priced paths prefer fewer
	// hops.
	return int64(fee) + timeLockPenalty + 1
}

// findPath attempts to find a path from the source node within the graph to
// the target node that's capable of supporting a payment of `amt` value. The
// search runs Dijkstra's algorithm backwards from the target, so the amount
// and time lock each node has to receive, fees of downstream hops included,
// is known when its incoming channels are examined.
func findPath(g routingGraph, args *findPathArgs,
	bandwidth bandwidthHints) ([]*pathEdge, error) {

	if !g.HasNode(args.target) {
		return nil, newErrf(ErrTargetNotInNetwork, "target %v not in "+
			"graph", args.target)
	}

	ignored := func(e *pathEdge) bool {
		if _, ok := args.ignoredNodes[e.fromNode]; ok {
			return true
		}
		for _, ig := range args.ignoredEdges {
			if ig.sameEdge(e) {
				return true
			}
		}

		return false
	}

	distance := make(map[graph.Vertex]nodeWithDist)
	distance[args.target] = nodeWithDist{
		dist:            0,
		node:            args.target,
		amountToReceive: args.amt,
		incomingCltv:    uint32(args.restrictions.FinalCltvDelta),
	}

	// next maps a vertex to the channel that leads from it towards the
	// target on the best known path.
	next := make(map[graph.Vertex]*pathEdge)

	frontier := newNodeQueue()
	frontier.push(distance[args.target])

	for frontier.Len() != 0 {
		pivot := frontier.pop()
		if pivot.node == args.source {
			break
		}
		if pivot.hops >= args.maxHops {
			continue
		}

		err := g.ForEachNodeChannel(pivot.node,
			func(c *graph.DirectedChannel) error {
				edge := &pathEdge{
					channelID: c.ChannelID,
					fromNode:  c.OtherNode,
					toNode:    pivot.node,
					capacity:  c.Capacity,
					policy:    c.InPolicy,
				}
				if ignored(edge) {
					return nil
				}

				cand, ok := relaxEdge(args, pivot, edge, bandwidth)
				if !ok {
					return nil
				}

				if cur, ok := distance[edge.fromNode]; ok &&
					cur.dist <= cand.dist {

					return nil
				}

				distance[edge.fromNode] = cand
				next[edge.fromNode] = edge
				frontier.push(cand)

				return nil
			},
		)
		if err != nil {
			return nil, err
		}
	}

	if _, ok := next[args.source]; !ok {
		return nil, newErrf(ErrNoPathFound, "no path from %v to %v "+
			"for %v", args.source, args.target, args.amt)
	}

	var path []*pathEdge
	for v := args.source; v != args.target; {
		edge := next[v]
		path = append(path, edge)
		v = edge.toNode
	}

	return path, nil
}

// relaxEdge checks whether edge can carry what its end node needs to
// receive and returns the resulting distance entry of the edge's start node.
func relaxEdge(args *findPathArgs, to nodeWithDist, edge *pathEdge,
	bandwidth bandwidthHints) (nodeWithDist, bool) {

	amountToSend := to.amountToReceive
	if amountToSend > lnwire.NewMSatFromSatoshis(edge.capacity) {
		return nodeWithDist{}, false
	}

	fromSelf := edge.fromNode == args.self
	if fromSelf && bandwidth != nil {
		if bw, ok := bandwidth(edge.channelID); ok && bw < amountToSend {
			return nodeWithDist{}, false
		}
	}

	policy := edge.policy
	switch {
	case policy == nil && !fromSelf:
		return nodeWithDist{}, false

	case policy != nil && policy.Disabled && !fromSelf:
		return nodeWithDist{}, false

	case policy != nil && amountToSend < policy.MinHTLC:
		return nodeWithDist{}, false

	case policy != nil && policy.MaxHTLC != 0 &&
		amountToSend > policy.MaxHTLC:

		return nodeWithDist{}, false
	}

	// We don't pay fees to ourselves, neither does our own channel add
	// a time lock.
	var (
		fee           lnwire.MilliSatoshi
		timeLockDelta uint16
	)
	if !fromSelf && policy != nil {
		fee = policy.ComputeFee(amountToSend)
		timeLockDelta = policy.TimeLockDelta
	}

	amountToReceive := amountToSend + fee
	incomingCltv := to.incomingCltv + uint32(timeLockDelta)

	if incomingCltv > args.restrictions.CltvLimit {
		return nodeWithDist{}, false
	}
	if args.restrictions.FeeLimit != NoFeeLimit &&
		amountToReceive-args.amt > args.restrictions.FeeLimit {

		return nodeWithDist{}, false
	}

	return nodeWithDist{
		dist: to.dist + edgeWeight(
			amountToSend, fee, timeLockDelta,
		),
		node:            edge.fromNode,
		amountToReceive: amountToReceive,
		incomingCltv:    incomingCltv,
		hops:            to.hops + 1,
	}, true
}
