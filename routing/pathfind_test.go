package routing

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/graph"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/sphinx"
	"github.com/stretchr/testify/require"
)

const testHeight = 100

// testChannel describes a channel of a test graph with the same policy in
// both directions.
type testChannel struct {
	node1, node2  string
	scid          uint64
	capacity      btcutil.Amount
	baseFee       uint32
	feeRate       uint32
	timeLockDelta uint16
}

type testGraph struct {
	graph *graph.Graph
	keys  map[string]*btcec.PrivateKey
	nodes map[string]graph.Vertex
}

func (g *testGraph) vertex(alias string) graph.Vertex {
	return g.nodes[alias]
}

func newTestGraph(t *testing.T, channels []testChannel) *testGraph {
	t.Helper()

	db, err := channeldb.MakeTestDB(t)
	require.NoError(t, err)

	g, err := graph.New(graph.Config{DB: db.ChannelGraph()})
	require.NoError(t, err)

	tg := &testGraph{
		graph: g,
		keys:  make(map[string]*btcec.PrivateKey),
		nodes: make(map[string]graph.Vertex),
	}
	node := func(alias string) graph.Vertex {
		if v, ok := tg.nodes[alias]; ok {
			return v
		}

		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)

		tg.keys[alias] = priv
		tg.nodes[alias] = graph.NewVertex(priv.PubKey())

		return tg.nodes[alias]
	}

	for _, c := range channels {
		n1, n2 := node(c.node1), node(c.node2)
		if string(n2[:]) < string(n1[:]) {
			n1, n2 = n2, n1
		}

		scid := lnwire.NewShortChanIDFromInt(c.scid)
		require.NoError(t, g.AddChannel(&lnwire.ChannelAnnouncement{
			Features:       lnwire.NewRawFeatureVector(),
			ShortChannelID: scid,
			NodeID1:        n1,
			NodeID2:        n2,
			Capacity:       c.capacity,
		}))

		for dir := uint8(0); dir < 2; dir++ {
			require.NoError(t, g.UpdatePolicy(&lnwire.ChannelUpdate{
				ShortChannelID:  scid,
				Timestamp:       1,
				ChannelFlags:    lnwire.ChanUpdateChanFlags(dir),
				TimeLockDelta:   c.timeLockDelta,
				HtlcMinimumMsat: 1,
				BaseFee:         c.baseFee,
				FeeRate:         c.feeRate,
			}))
		}
	}

	return tg
}

func (g *testGraph) router() *Router {
	return New(Config{
		Graph:    g.graph,
		SelfNode: g.vertex("a"),
		BestHeight: func() (uint32, error) {
			return testHeight, nil
		},
	})
}

// TestQueryRoutesInsufficientCapacity checks that a chain whose middle
// channel can't carry the amount yields no routes and no error.
func TestQueryRoutesInsufficientCapacity(t *testing.T) {
	t.Parallel()

	g := newTestGraph(t, []testChannel{
		{"a", "b", 1, 1_000_000, 1000, 1, 40},
		{"b", "c", 2, 10_000, 1000, 1, 40},
		{"c", "d", 3, 1_000_000, 1000, 1, 40},
	})

	amt := lnwire.NewMSatFromSatoshis(50_000)
	routes, err := g.router().QueryRoutes(
		g.vertex("a"), g.vertex("d"), amt, DefaultRestrictParams(),
	)
	require.NoError(t, err)
	require.NotNil(t, routes)
	require.Empty(t, routes)

	// A smaller amount fits.
	routes, err = g.router().QueryRoutes(
		g.vertex("a"), g.vertex("d"), lnwire.NewMSatFromSatoshis(5_000),
		DefaultRestrictParams(),
	)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	require.Len(t, routes[0].Hops, 3)
}

// TestNewRouteFees checks the amounts and time locks of a three hop route.
func TestNewRouteFees(t *testing.T) {
	t.Parallel()

	g := newTestGraph(t, []testChannel{
		{"a", "b", 1, 1_000_000, 1000, 1000, 10},
		{"b", "c", 2, 1_000_000, 2000, 100, 20},
		{"c", "d", 3, 1_000_000, 3000, 0, 30},
	})

	amt := lnwire.MilliSatoshi(10_000_000)
	routes, err := g.router().QueryRoutes(
		g.vertex("a"), g.vertex("d"), amt, DefaultRestrictParams(),
	)
	require.NoError(t, err)
	require.Len(t, routes, 1)

	route := routes[0]
	hops := route.Hops
	require.Len(t, hops, 3)

	// d receives the amount with the final delta.
	require.Equal(t, g.vertex("d"), hops[2].PubKeyBytes)
	require.Equal(t, amt, hops[2].AmtToForward)
	require.EqualValues(t, testHeight+DefaultFinalCltvDelta,
		hops[2].OutgoingTimeLock)

	// c forwards over c-d and charges that channel's policy.
	feeC := lnwire.MilliSatoshi(3000)
	require.Equal(t, amt, hops[1].AmtToForward)
	require.EqualValues(t, testHeight+DefaultFinalCltvDelta,
		hops[1].OutgoingTimeLock)

	// b forwards amt plus c's fee over b-c.
	feeB := 2000 + (amt+feeC)*100/1_000_000
	require.Equal(t, amt+feeC, hops[0].AmtToForward)
	require.EqualValues(t, testHeight+DefaultFinalCltvDelta+30,
		hops[0].OutgoingTimeLock)

	// The channel a-b is ours: no fee, no time lock delta.
	require.Equal(t, amt+feeC+feeB, route.TotalAmount)
	require.Equal(t, feeC+feeB, route.TotalFees())
	require.EqualValues(t, testHeight+DefaultFinalCltvDelta+30+20,
		route.TotalTimeLock)

	// The onion path carries the same instructions.
	path, err := route.ToSphinxPath()
	require.NoError(t, err)
	require.Len(t, path, 3)
	require.Equal(t, hops[1].ChannelID, path[0].Payload.NextHop)
	require.Equal(t, hops[2].ChannelID, path[1].Payload.NextHop)
	require.True(t, path[2].Payload.NextHop.IsDefault())
	require.True(t, path[2].Payload.TotalAmount.IsSome())

	keys := sphinx.PaymentPath(path).NodeKeys()
	require.True(t, keys[2].IsEqual(g.keys["d"].PubKey()))
}

// TestQueryRoutesKShortest checks that further routes are returned cheapest
// first and that all of them are distinct.
func TestQueryRoutesKShortest(t *testing.T) {
	t.Parallel()

	//      b
	//    /   \
	//  a - c - e
	//    \   /
	//      d
	g := newTestGraph(t, []testChannel{
		{"a", "b", 1, 1_000_000, 0, 0, 10},
		{"b", "e", 2, 1_000_000, 1000, 0, 10},
		{"a", "c", 3, 1_000_000, 0, 0, 10},
		{"c", "e", 4, 1_000_000, 2000, 0, 10},
		{"a", "d", 5, 1_000_000, 0, 0, 10},
		{"d", "e", 6, 1_000_000, 3000, 0, 10},
	})

	restrictions := DefaultRestrictParams()
	restrictions.NumRoutes = 5

	routes, err := g.router().QueryRoutes(
		g.vertex("a"), g.vertex("e"), 100_000, restrictions,
	)
	require.NoError(t, err)
	require.Len(t, routes, 3)

	via := func(r *Route) graph.Vertex { return r.Hops[0].PubKeyBytes }
	require.Equal(t, g.vertex("b"), via(routes[0]))
	require.Equal(t, g.vertex("c"), via(routes[1]))
	require.Equal(t, g.vertex("d"), via(routes[2]))

	require.EqualValues(t, 1000, routes[0].TotalFees())
	require.EqualValues(t, 2000, routes[1].TotalFees())
	require.EqualValues(t, 3000, routes[2].TotalFees())

	// A fee limit cuts off the expensive ones.
	restrictions.FeeLimit = 2500
	routes, err = g.router().QueryRoutes(
		g.vertex("a"), g.vertex("e"), 100_000, restrictions,
	)
	require.NoError(t, err)
	require.Len(t, routes, 2)
}

// TestQueryRoutesLimits checks the hop and time lock limits.
func TestQueryRoutesLimits(t *testing.T) {
	t.Parallel()

	g := newTestGraph(t, []testChannel{
		{"a", "b", 1, 1_000_000, 0, 0, 100},
		{"b", "c", 2, 1_000_000, 0, 0, 100},
		{"c", "d", 3, 1_000_000, 0, 0, 100},
	})

	restrictions := DefaultRestrictParams()
	restrictions.HopLimit = 2
	routes, err := g.router().QueryRoutes(
		g.vertex("a"), g.vertex("d"), 1000, restrictions,
	)
	require.NoError(t, err)
	require.Empty(t, routes)

	// b and c each add 100 blocks on top of the final delta.
	restrictions = DefaultRestrictParams()
	restrictions.CltvLimit = DefaultFinalCltvDelta + 199
	routes, err = g.router().QueryRoutes(
		g.vertex("a"), g.vertex("d"), 1000, restrictions,
	)
	require.NoError(t, err)
	require.Empty(t, routes)

	restrictions.CltvLimit = DefaultFinalCltvDelta + 200
	routes, err = g.router().QueryRoutes(
		g.vertex("a"), g.vertex("d"), 1000, restrictions,
	)
	require.NoError(t, err)
	require.Len(t, routes, 1)

	// Unknown targets are not an error either.
	routes, err = g.router().QueryRoutes(
		g.vertex("a"), graph.Vertex{2}, 1000, DefaultRestrictParams(),
	)
	require.NoError(t, err)
	require.Empty(t, routes)
}

// TestQueryRoutesBandwidth checks that our own channels are limited by
// their local balance.
func TestQueryRoutesBandwidth(t *testing.T) {
	t.Parallel()

	g := newTestGraph(t, []testChannel{
		{"a", "b", 1, 1_000_000, 0, 0, 10},
		{"b", "c", 2, 1_000_000, 0, 0, 10},
	})

	router := New(Config{
		Graph:    g.graph,
		SelfNode: g.vertex("a"),
		BestHeight: func() (uint32, error) {
			return testHeight, nil
		},
		Bandwidth: func(lnwire.ShortChannelID) (lnwire.MilliSatoshi,
			bool) {

			return 5_000, true
		},
	})

	routes, err := router.QueryRoutes(
		g.vertex("a"), g.vertex("c"), 10_000, DefaultRestrictParams(),
	)
	require.NoError(t, err)
	require.Empty(t, routes)

	routes, err = router.QueryRoutes(
		g.vertex("a"), g.vertex("c"), 5_000, DefaultRestrictParams(),
	)
	require.NoError(t, err)
	require.Len(t, routes, 1)
}
