package routing

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/graph"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/clock"
)

// Config holds the dependencies of the Router.
type Config struct {
	// Graph is the channel graph routes are searched in.
	Graph routingGraph

	// SelfNode is our own node. It pays no fees on its channels.
	SelfNode graph.Vertex

	// BestHeight returns the current block height the route time locks
	// are based on.
	BestHeight func() (uint32, error)

	// Bandwidth returns the local balance of our own channels. Channels
	// it doesn't know are limited by their capacity only.
	Bandwidth func(lnwire.ShortChannelID) (lnwire.MilliSatoshi, bool)

	// Payments records every payment and its outcome. Only needed to
	// send payments.
	Payments *channeldb.PaymentControl

	// Dispatcher offers the HTLCs of payment attempts.
	Dispatcher PaymentAttemptDispatcher

	// Clock timestamps new payments.
	Clock clock.Clock
}

// Router answers route queries over the channel graph and drives our own
// payments along the routes it finds.
type Router struct {
	cfg Config

	// nextAttemptID numbers the attempts of all payments.
	nextAttemptID atomic.Uint64

	stopped sync.Once
	quit    chan struct{}
}

// New creates a new router.
func New(cfg Config) *Router {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Router{
		cfg:  cfg,
		quit: make(chan struct{}),
	}
}

// Stop aborts payments waiting for the result of an attempt. They stay in
// flight in the payment store.
func (r *Router) Stop() {
	r.stopped.Do(func() {
		log.Info("Channel Router shutting down...")
		close(r.quit)
	})
}

// QueryRoutes returns up to restrictions.NumRoutes routes from source to
// dest able to carry amt, cheapest first. An empty result with a nil error
// means no path satisfies the constraints.
func (r *Router) QueryRoutes(source, dest graph.Vertex, amt lnwire.MilliSatoshi,
	restrictions RestrictParams) ([]*Route, error) {

	restrictions = restrictions.normalize()

	if source == dest {
		return nil, fmt.Errorf("source and destination are both %v",
			source)
	}

	height, err := r.cfg.BestHeight()
	if err != nil {
		return nil, err
	}

	routes, err := r.kShortestRoutes(
		source, dest, amt, restrictions, height,
	)
	switch {
	case IsError(err, ErrNoPathFound, ErrTargetNotInNetwork):
		log.Debugf("No route from %v to %v for %v: %v", source, dest,
			amt, err)

		return []*Route{}, nil

	case err != nil:
		return nil, err
	}

	log.Debugf("Found %d routes from %v to %v for %v", len(routes),
		source, dest, amt)

	return routes, nil
}

// bandwidth returns the bandwidth hints for searches paid by self.
func (r *Router) bandwidth(self graph.Vertex) bandwidthHints {
	if self != r.cfg.SelfNode || r.cfg.Bandwidth == nil {
		return nil
	}

	return r.cfg.Bandwidth
}

// kShortestRoutes runs Yen's algorithm: each further route deviates from an
// already found one at a spur node, with the channels the found routes take
// from that spur node and the nodes before it excluded.
func (r *Router) kShortestRoutes(source, dest graph.Vertex,
	amt lnwire.MilliSatoshi, restrictions RestrictParams,
	height uint32) ([]*Route, error) {

	finalExpiry := height + uint32(restrictions.FinalCltvDelta)
	bandwidth := r.bandwidth(source)

	firstPath, err := findPath(r.cfg.Graph, &findPathArgs{
		self:         source,
		source:       source,
		target:       dest,
		amt:          amt,
		restrictions: restrictions,
		maxHops:      restrictions.HopLimit,
	}, bandwidth)
	if err != nil {
		return nil, err
	}

	firstRoute, err := r.checkedRoute(
		source, firstPath, amt, finalExpiry, height, restrictions,
	)
	if err != nil {
		return nil, err
	}

	found := []candidate{{route: firstRoute, path: firstPath}}
	candidates := newRouteQueue()

	for len(found) < restrictions.NumRoutes {
		prev := found[len(found)-1].path

		for i := range prev {
			spurNode := prev[i].fromNode
			rootPath := prev[:i]

			// Exclude the edges the found routes with the same root
			// take out of the spur node.
			var ignoredEdges []*pathEdge
			for _, c := range found {
				if len(c.path) > i && samePath(c.path[:i], rootPath) {
					ignoredEdges = append(ignoredEdges, c.path[i])
				}
			}

			// The spur path must not revisit the root.
			ignoredNodes := make(map[graph.Vertex]struct{}, i)
			for _, e := range rootPath {
				ignoredNodes[e.fromNode] = struct{}{}
			}

			spurPath, err := findPath(r.cfg.Graph, &findPathArgs{
				self:         source,
				source:       spurNode,
				target:       dest,
				amt:          amt,
				restrictions: restrictions,
				maxHops:      restrictions.HopLimit - i,
				ignoredNodes: ignoredNodes,
				ignoredEdges: ignoredEdges,
			}, bandwidth)
			switch {
			case IsError(err, ErrNoPathFound):
				continue

			case err != nil:
				return nil, err
			}

			path := make([]*pathEdge, 0, i+len(spurPath))
			path = append(path, rootPath...)
			path = append(path, spurPath...)

			if containsPath(found, path) ||
				containsPath(candidates.items, path) {

				continue
			}

			route, err := r.checkedRoute(
				source, path, amt, finalExpiry, height,
				restrictions,
			)
			if err != nil {
				log.Tracef("Dropping candidate route: %v", err)
				continue
			}

			candidates.push(candidate{route: route, path: path})
		}

		if candidates.Len() == 0 {
			break
		}

		found = append(found, candidates.pop())
	}

	routes := make([]*Route, len(found))
	for i, c := range found {
		routes[i] = c.route
	}

	return routes, nil
}

// checkedRoute builds the route of path and applies the route wide limits
// that the search itself can only check partially.
func (r *Router) checkedRoute(source graph.Vertex, path []*pathEdge,
	amt lnwire.MilliSatoshi, finalExpiry, height uint32,
	restrictions RestrictParams) (*Route, error) {

	if len(path) > restrictions.HopLimit {
		return nil, newErrf(ErrMaxHopsExceeded, "path of %d hops "+
			"exceeds %d", len(path), restrictions.HopLimit)
	}

	route, err := newRoute(source, path, amt, finalExpiry)
	if err != nil {
		return nil, err
	}

	if route.TotalTimeLock-height > restrictions.CltvLimit {
		return nil, newErrf(ErrLimitExceeded, "time lock delta %d "+
			"exceeds %d", route.TotalTimeLock-height,
			restrictions.CltvLimit)
	}
	if restrictions.FeeLimit != NoFeeLimit &&
		route.TotalFees() > restrictions.FeeLimit {

		return nil, newErrf(ErrLimitExceeded, "fee %v exceeds %v",
			route.TotalFees(), restrictions.FeeLimit)
	}

	return route, nil
}

// samePath returns true if both paths take the same channel directions.
func samePath(a, b []*pathEdge) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].sameEdge(b[i]) {
			return false
		}
	}

	return true
}

func containsPath(candidates []candidate, path []*pathEdge) bool {
	for _, c := range candidates {
		if samePath(c.path, path) {
			return true
		}
	}

	return false
}
