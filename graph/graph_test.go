package graph

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var testTime = time.Unix(1_700_000_000, 0)

func randVertex(t *testing.T) Vertex {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return NewVertex(priv.PubKey())
}

func chanAnn(scid uint64, node1, node2 Vertex) *lnwire.ChannelAnnouncement {
	return &lnwire.ChannelAnnouncement{
		Features:       lnwire.NewRawFeatureVector(),
		ShortChannelID: lnwire.NewShortChanIDFromInt(scid),
		NodeID1:        node1,
		NodeID2:        node2,
		Capacity:       100_000,
	}
}

func chanUpdate(scid uint64, dir uint8, ts uint32) *lnwire.ChannelUpdate {
	return &lnwire.ChannelUpdate{
		ShortChannelID:  lnwire.NewShortChanIDFromInt(scid),
		Timestamp:       ts,
		ChannelFlags:    lnwire.ChanUpdateChanFlags(dir),
		TimeLockDelta:   40,
		HtlcMinimumMsat: 1000,
		HtlcMaximumMsat: 90_000_000,
		BaseFee:         1000,
		FeeRate:         10,
	}
}

func newTestGraph(t *testing.T) (*Graph, *channeldb.DB, *clock.TestClock) {
	testClock := clock.NewTestClock(testTime)

	db, err := channeldb.MakeTestDB(t, channeldb.OptionClock(testClock))
	require.NoError(t, err)

	g, err := New(Config{DB: db.ChannelGraph(), Clock: testClock})
	require.NoError(t, err)

	return g, db, testClock
}

func collectChannels(t *testing.T, g *Graph, v Vertex) []*DirectedChannel {
	var channels []*DirectedChannel
	err := g.ForEachNodeChannel(v, func(c *DirectedChannel) error {
		channels = append(channels, c)
		return nil
	})
	require.NoError(t, err)

	return channels
}

func TestGraphPolicies(t *testing.T) {
	t.Parallel()

	g, _, _ := newTestGraph(t)
	a, b := randVertex(t), randVertex(t)

	require.NoError(t, g.AddChannel(chanAnn(1, a, b)))
	require.True(t, g.HasNode(a))
	require.True(t, g.HasNode(b))

	upd := chanUpdate(1, 0, uint32(testTime.Unix()))
	require.NoError(t, g.UpdatePolicy(upd))

	// The update of node 1 is the outgoing policy of a and the incoming
	// policy of b.
	aChans := collectChannels(t, g, a)
	require.Len(t, aChans, 1)
	require.NotNil(t, aChans[0].OutPolicy)
	require.Nil(t, aChans[0].InPolicy)
	require.Equal(t, b, aChans[0].OtherNode)

	bChans := collectChannels(t, g, b)
	require.Len(t, bChans, 1)
	require.NotNil(t, bChans[0].InPolicy)
	require.EqualValues(t, 40, bChans[0].InPolicy.TimeLockDelta)

	// Fee is base plus proportional part.
	require.EqualValues(
		t, 1000+10, bChans[0].InPolicy.ComputeFee(1_000_000),
	)

	exists, ts, err := g.HasChannel(lnwire.NewShortChanIDFromInt(1))
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, upd.Timestamp, ts[0])
	require.Zero(t, ts[1])

	// Updates of unknown channels are refused.
	err = g.UpdatePolicy(chanUpdate(2, 0, 1))
	require.ErrorIs(t, err, channeldb.ErrEdgeNotFound)
}

func TestGraphReload(t *testing.T) {
	t.Parallel()

	g, db, testClock := newTestGraph(t)
	a, b := randVertex(t), randVertex(t)

	require.NoError(t, g.AddChannel(chanAnn(1, a, b)))
	require.NoError(t, g.UpdatePolicy(chanUpdate(1, 1, 10)))

	reloaded, err := New(Config{DB: db.ChannelGraph(), Clock: testClock})
	require.NoError(t, err)

	aChans := collectChannels(t, reloaded, a)
	require.Len(t, aChans, 1)
	require.NotNil(t, aChans[0].InPolicy)
	require.EqualValues(t, 10, aChans[0].InPolicy.Timestamp)
}

func TestGraphPrune(t *testing.T) {
	t.Parallel()

	g, _, testClock := newTestGraph(t)
	a, b, c := randVertex(t), randVertex(t), randVertex(t)

	for _, v := range []Vertex{a, b, c} {
		require.NoError(t, g.AddNode(&lnwire.NodeAnnouncement{
			Features:  lnwire.NewRawFeatureVector(),
			Timestamp: 1,
			NodeID:    v,
		}))
	}

	// Channel 1 is confirmed and kept fresh, channel 2 is confirmed but
	// goes stale, channel 3 never confirms.
	require.NoError(t, g.AddChannel(chanAnn(1, a, b)))
	require.NoError(t, g.AddChannel(chanAnn(2, b, c)))
	g.MarkConfirmed(lnwire.NewShortChanIDFromInt(1))
	g.MarkConfirmed(lnwire.NewShortChanIDFromInt(2))

	report, err := g.Prune()
	require.NoError(t, err)
	require.Empty(t, report.Channels)
	require.Empty(t, report.Nodes)

	testClock.SetTime(testTime.Add(time.Hour))
	require.NoError(t, g.AddChannel(chanAnn(3, a, c)))

	testClock.SetTime(testTime.Add(DefaultStaleHorizon - time.Hour))
	fresh := uint32(testClock.Now().Unix())
	require.NoError(t, g.UpdatePolicy(chanUpdate(1, 0, fresh)))

	testClock.SetTime(testTime.Add(DefaultStaleHorizon + time.Hour))
	report, err = g.Prune()
	require.NoError(t, err)
	require.ElementsMatch(t, []lnwire.ShortChannelID{
		lnwire.NewShortChanIDFromInt(2),
		lnwire.NewShortChanIDFromInt(3),
	}, report.Channels)

	// c lost both its channels.
	require.Equal(t, []Vertex{c}, report.Nodes)
	require.False(t, g.HasNode(c))
	require.True(t, g.HasNode(a))

	_, found, err := g.NodeTimestamp(c)
	require.NoError(t, err)
	require.False(t, found)

	ts, found, err := g.NodeTimestamp(a)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 1, ts)
}
