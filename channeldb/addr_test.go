package channeldb

import (
	"context"
	"net"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAddrSource struct {
	mock.Mock
}

func (m *mockAddrSource) AddrsForNode(ctx context.Context,
	pub *btcec.PublicKey) (bool, []net.Addr, error) {

	args := m.Called(ctx, pub)
	if args.Get(1) == nil {
		return args.Bool(0), nil, args.Error(2)
	}

	return args.Bool(0), args.Get(1).([]net.Addr), args.Error(2)
}

var (
	testAddr1 = &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 9735}
	testAddr2 = &net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 9736}
	testAddr3 = &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 9737}
)

func TestPeerAddrs(t *testing.T) {
	t.Parallel()

	cdb, err := MakeTestDB(t)
	require.NoError(t, err)

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey()

	known, addrs, err := cdb.AddrsForNode(context.Background(), pub)
	require.NoError(t, err)
	require.False(t, known)
	require.Empty(t, addrs)

	// Non-TCP addresses are dropped and duplicates are merged.
	unix := &net.UnixAddr{Name: "/tmp/hop.sock", Net: "unix"}
	require.NoError(t, cdb.AddPeerAddrs(pub, testAddr1, unix))
	require.NoError(t, cdb.AddPeerAddrs(pub, testAddr1, testAddr2))

	known, addrs, err = cdb.AddrsForNode(context.Background(), pub)
	require.NoError(t, err)
	require.True(t, known)
	require.Len(t, addrs, 2)
	require.Equal(t, testAddr1.String(), addrs[0].String())
	require.Equal(t, testAddr2.String(), addrs[1].String())

	var peers int
	require.NoError(t, cdb.ForEachPeerAddrs(
		func(p *btcec.PublicKey, a []net.Addr) error {
			require.True(t, p.IsEqual(pub))
			require.Len(t, a, 2)
			peers++

			return nil
		},
	))
	require.Equal(t, 1, peers)
}

// TestMultiAddrSource checks that addresses from the peer store, the graph
// and any other source are merged without duplicates.
func TestMultiAddrSource(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	cdb, err := MakeTestDB(t)
	require.NoError(t, err)

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey()

	var nodeID [33]byte
	copy(nodeID[:], pub.SerializeCompressed())

	require.NoError(t, cdb.AddPeerAddrs(pub, testAddr1))
	require.NoError(t, cdb.ChannelGraph().AddLightningNode(
		testNodeAnn(t, nodeID, 1),
	))

	other := &mockAddrSource{}
	other.On("AddrsForNode", ctx, pub).Return(
		false, []net.Addr{testAddr1, testAddr3}, nil,
	).Once()

	src := NewMultiAddrSource(cdb, cdb.ChannelGraph(), other)
	known, addrs, err := src.AddrsForNode(ctx, pub)
	require.NoError(t, err)
	require.True(t, known)

	got := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		got = append(got, addr.String())
	}
	require.ElementsMatch(t, []string{
		testAddr1.String(), testAddr3.String(), "127.0.0.1:9735",
	}, got)

	other.AssertExpectations(t)

	// A node none of the sources knows about.
	unknownPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	other.On("AddrsForNode", ctx, unknownPriv.PubKey()).Return(
		false, nil, nil,
	).Once()

	known, addrs, err = src.AddrsForNode(ctx, unknownPriv.PubKey())
	require.NoError(t, err)
	require.False(t, known)
	require.Empty(t, addrs)
}
