package channeldb

import (
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var testGraphTime = time.Unix(1_700_000_000, 0)

func randNodeID(t *testing.T) [33]byte {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	var id [33]byte
	copy(id[:], priv.PubKey().SerializeCompressed())

	return id
}

func testNodeAnn(t *testing.T, id [33]byte, ts uint32) *lnwire.NodeAnnouncement {
	alias, err := lnwire.NewNodeAlias("hop")
	require.NoError(t, err)

	return &lnwire.NodeAnnouncement{
		Features:  lnwire.NewRawFeatureVector(),
		Timestamp: ts,
		NodeID:    id,
		Alias:     alias,
		Addresses: []net.Addr{&net.TCPAddr{
			IP: net.ParseIP("127.0.0.1"), Port: 9735,
		}},
	}
}

func testChanAnn(scid uint64, node1, node2 [33]byte) *lnwire.ChannelAnnouncement {
	return &lnwire.ChannelAnnouncement{
		Features:       lnwire.NewRawFeatureVector(),
		ShortChannelID: lnwire.NewShortChanIDFromInt(scid),
		NodeID1:        node1,
		NodeID2:        node2,
		FundingPoint:   testOutpoint,
		Capacity:       100_000,
	}
}

func testChanUpdate(scid uint64, dir uint8, ts uint32) *lnwire.ChannelUpdate {
	return &lnwire.ChannelUpdate{
		ShortChannelID:  lnwire.NewShortChanIDFromInt(scid),
		Timestamp:       ts,
		ChannelFlags:    lnwire.ChanUpdateChanFlags(dir),
		TimeLockDelta:   40,
		HtlcMinimumMsat: 1000,
		HtlcMaximumMsat: 90_000_000,
		BaseFee:         1000,
		FeeRate:         1,
	}
}

func makeTestGraph(t *testing.T) (*ChannelGraph, *clock.TestClock) {
	testClock := clock.NewTestClock(testGraphTime)

	cdb, err := MakeTestDB(t, OptionClock(testClock))
	require.NoError(t, err)

	return cdb.ChannelGraph(), testClock
}

func TestGraphNodeCRUD(t *testing.T) {
	t.Parallel()

	graph, _ := makeTestGraph(t)

	id := randNodeID(t)
	_, err := graph.FetchLightningNode(id)
	require.ErrorIs(t, err, ErrGraphNodeNotFound)

	require.NoError(t, graph.AddLightningNode(testNodeAnn(t, id, 10)))

	// A newer announcement replaces the stored one.
	require.NoError(t, graph.AddLightningNode(testNodeAnn(t, id, 20)))

	node, err := graph.FetchLightningNode(id)
	require.NoError(t, err)
	require.Equal(t, uint32(20), node.Timestamp)
	require.Equal(t, "hop", node.Alias.String())
	require.Len(t, node.Addresses, 1)

	var count int
	require.NoError(t, graph.ForEachNode(
		func(*lnwire.NodeAnnouncement) error {
			count++
			return nil
		},
	))
	require.Equal(t, 1, count)

	require.NoError(t, graph.DeleteLightningNode(id))
	_, err = graph.FetchLightningNode(id)
	require.ErrorIs(t, err, ErrGraphNodeNotFound)
}

func TestGraphEdgePolicies(t *testing.T) {
	t.Parallel()

	graph, _ := makeTestGraph(t)

	node1, node2 := randNodeID(t), randNodeID(t)
	ann := testChanAnn(42, node1, node2)

	// Updates for unknown channels are refused.
	err := graph.UpdateEdgePolicy(testChanUpdate(42, 0, 100))
	require.ErrorIs(t, err, ErrEdgeNotFound)

	require.NoError(t, graph.AddChannelEdge(ann))
	require.ErrorIs(t, graph.AddChannelEdge(ann), ErrEdgeAlreadyExist)

	exists, ts, err := graph.HasChannelEdge(ann.ShortChannelID)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, [2]uint32{}, ts)

	require.NoError(t, graph.UpdateEdgePolicy(testChanUpdate(42, 1, 100)))
	require.NoError(t, graph.UpdateEdgePolicy(testChanUpdate(42, 1, 200)))

	exists, ts, err = graph.HasChannelEdge(ann.ShortChannelID)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, [2]uint32{0, 200}, ts)

	edge, err := graph.FetchChannelEdge(ann.ShortChannelID)
	require.NoError(t, err)
	require.Equal(t, node1, edge.Info.NodeID1)
	require.Nil(t, edge.Policies[0])
	require.NotNil(t, edge.Policies[1])
	require.Equal(t, uint32(200), edge.Policies[1].Timestamp)
	require.Equal(t, testGraphTime.Unix(), edge.AddedAt.Unix())

	// Only the latest update of a direction shows up in the horizon.
	updates, err := graph.UpdatesInHorizon(
		time.Unix(0, 0), time.Unix(1000, 0),
	)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, uint32(200), updates[0].Timestamp)

	exists, _, err = graph.HasChannelEdge(lnwire.NewShortChanIDFromInt(7))
	require.NoError(t, err)
	require.False(t, exists)
}

// TestGraphPruning checks that stale channels are found by the freshness of
// their newest record and that nodes left without channels are pruned.
func TestGraphPruning(t *testing.T) {
	t.Parallel()

	graph, testClock := makeTestGraph(t)

	a, b, c := randNodeID(t), randNodeID(t), randNodeID(t)
	for _, id := range [][33]byte{a, b, c} {
		require.NoError(t, graph.AddLightningNode(testNodeAnn(t, id, 1)))
	}

	require.NoError(t, graph.AddChannelEdge(testChanAnn(1, a, b)))
	require.NoError(t, graph.AddChannelEdge(testChanAnn(2, b, c)))

	// Channel 2 receives a fresh update a week later.
	weekLater := testGraphTime.Add(7 * 24 * time.Hour)
	testClock.SetTime(weekLater)
	require.NoError(t, graph.UpdateEdgePolicy(
		testChanUpdate(2, 0, uint32(weekLater.Unix())),
	))

	stale, err := graph.StaleChannels(weekLater.Add(-24 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, []lnwire.ShortChannelID{
		lnwire.NewShortChanIDFromInt(1),
	}, stale)

	require.NoError(t, graph.DeleteChannelEdges(stale...))

	var edges int
	require.NoError(t, graph.ForEachChannel(func(*ChannelEdge) error {
		edges++
		return nil
	}))
	require.Equal(t, 1, edges)

	pruned, err := graph.PruneGraphNodes()
	require.NoError(t, err)
	require.Equal(t, [][33]byte{a}, pruned)

	_, err = graph.FetchLightningNode(a)
	require.ErrorIs(t, err, ErrGraphNodeNotFound)
	_, err = graph.FetchLightningNode(c)
	require.NoError(t, err)
}
