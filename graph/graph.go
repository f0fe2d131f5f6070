package graph

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultStaleHorizon is the age after which a channel without fresh
	// updates is dropped from the graph.
	DefaultStaleHorizon = 14 * 24 * time.Hour

	// DefaultConfirmHorizon is the time a channel announcement has to
	// see its funding output confirmed.
	DefaultConfirmHorizon = 24 * time.Hour
)

// Config holds the dependencies of the Graph.
type Config struct {
	// DB is the durable half of the graph.
	DB *channeldb.ChannelGraph

	// Clock measures the staleness of records.
	Clock clock.Clock

	// StaleHorizon is the maximum age of a channel's freshest record.
	StaleHorizon time.Duration

	// ConfirmHorizon is the maximum time a channel may stay
	// unconfirmed.
	ConfirmHorizon time.Duration
}

// PruneReport lists what a prune pass removed.
type PruneReport struct {
	Channels []lnwire.ShortChannelID
	Nodes    []Vertex
}

// Graph is the routing graph. Writes go through to the channel database and
// the in-memory cache answers path finding queries.
type Graph struct {
	cfg Config

	cache *Cache

	mu sync.Mutex

	// unconfirmed holds the time channels were added until their funding
	// output is seen confirmed.
	unconfirmed map[lnwire.ShortChannelID]time.Time
}

// New creates the graph and populates the cache from the database. Channels
// loaded from disk need to be confirmed again.
func New(cfg Config) (*Graph, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.StaleHorizon == 0 {
		cfg.StaleHorizon = DefaultStaleHorizon
	}
	if cfg.ConfirmHorizon == 0 {
		cfg.ConfirmHorizon = DefaultConfirmHorizon
	}

	g := &Graph{
		cfg:         cfg,
		cache:       NewCache(),
		unconfirmed: make(map[lnwire.ShortChannelID]time.Time),
	}

	now := cfg.Clock.Now()
	err := cfg.DB.ForEachChannel(func(edge *channeldb.ChannelEdge) error {
		g.cache.AddChannel(edge.Info, edge.Policies)
		g.unconfirmed[edge.Info.ShortChannelID] = now

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("unable to load graph: %w", err)
	}

	log.Debugf("Graph cache loaded: %v", g.cache.Stats())

	return g, nil
}

// AddNode stores or replaces the announcement of a node.
func (g *Graph) AddNode(ann *lnwire.NodeAnnouncement) error {
	return g.cfg.DB.AddLightningNode(ann)
}

// FetchNode returns the latest announcement of the node.
func (g *Graph) FetchNode(v Vertex) (*lnwire.NodeAnnouncement, error) {
	return g.cfg.DB.FetchLightningNode(v)
}

// AddrsForNode returns the addresses the node announced.
//
// NOTE: this implements the channeldb.AddrSource interface.
func (g *Graph) AddrsForNode(_ context.Context,
	nodePub *btcec.PublicKey) (bool, []net.Addr, error) {

	node, err := g.cfg.DB.FetchLightningNode(NewVertex(nodePub))
	switch {
	case errors.Is(err, channeldb.ErrGraphNodeNotFound):
		return false, nil, nil

	case err != nil:
		return false, nil, err
	}

	return true, node.Addresses, nil
}

// NodeTimestamp returns the timestamp of the node's latest announcement.
// The boolean is false if the node never announced itself.
func (g *Graph) NodeTimestamp(v Vertex) (uint32, bool, error) {
	node, err := g.cfg.DB.FetchLightningNode(v)
	switch {
	case errors.Is(err, channeldb.ErrGraphNodeNotFound):
		return 0, false, nil

	case err != nil:
		return 0, false, err
	}

	return node.Timestamp, true, nil
}

// HasNode returns true if the node has at least one channel.
func (g *Graph) HasNode(v Vertex) bool {
	return g.cache.HasNode(v)
}

// AddChannel adds a new channel. It counts as unconfirmed until
// MarkConfirmed is called.
func (g *Graph) AddChannel(ann *lnwire.ChannelAnnouncement) error {
	if err := g.cfg.DB.AddChannelEdge(ann); err != nil {
		return err
	}

	g.cache.AddChannel(ann, [2]*lnwire.ChannelUpdate{})

	g.mu.Lock()
	g.unconfirmed[ann.ShortChannelID] = g.cfg.Clock.Now()
	g.mu.Unlock()

	return nil
}

// MarkConfirmed records that the funding output of the channel confirmed.
func (g *Graph) MarkConfirmed(scid lnwire.ShortChannelID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.unconfirmed, scid)
}

// HasChannel returns whether the channel is known along with the timestamps
// of the latest update of each direction.
func (g *Graph) HasChannel(scid lnwire.ShortChannelID) (bool, [2]uint32,
	error) {

	return g.cfg.DB.HasChannelEdge(scid)
}

// FetchChannel returns the channel with its policies.
func (g *Graph) FetchChannel(
	scid lnwire.ShortChannelID) (*channeldb.ChannelEdge, error) {

	return g.cfg.DB.FetchChannelEdge(scid)
}

// UpdatePolicy applies a channel update to a known channel.
func (g *Graph) UpdatePolicy(upd *lnwire.ChannelUpdate) error {
	edge, err := g.cfg.DB.FetchChannelEdge(upd.ShortChannelID)
	if err != nil {
		return err
	}

	if err := g.cfg.DB.UpdateEdgePolicy(upd); err != nil {
		return err
	}
	g.cache.UpdatePolicy(edge.Info, upd)

	return nil
}

// DeleteChannels removes the channels and their policies. Unknown channels
// are skipped.
func (g *Graph) DeleteChannels(scids ...lnwire.ShortChannelID) error {
	edges := make([]*channeldb.ChannelEdge, 0, len(scids))
	for _, scid := range scids {
		edge, err := g.cfg.DB.FetchChannelEdge(scid)
		switch {
		case errors.Is(err, channeldb.ErrEdgeNotFound):
			continue

		case err != nil:
			return err
		}
		edges = append(edges, edge)
	}

	if err := g.cfg.DB.DeleteChannelEdges(scids...); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, edge := range edges {
		info := edge.Info
		g.cache.RemoveChannel(
			info.NodeID1, info.NodeID2, info.ShortChannelID,
		)
		delete(g.unconfirmed, info.ShortChannelID)
	}

	return nil
}

// Prune removes channels whose freshest record is older than the stale
// horizon or whose funding output did not confirm within the confirm
// horizon. Nodes left without channels are removed as well.
func (g *Graph) Prune() (*PruneReport, error) {
	now := g.cfg.Clock.Now()

	stale, err := g.cfg.DB.StaleChannels(now.Add(-g.cfg.StaleHorizon))
	if err != nil {
		return nil, err
	}

	seen := make(map[lnwire.ShortChannelID]struct{}, len(stale))
	for _, scid := range stale {
		seen[scid] = struct{}{}
	}

	g.mu.Lock()
	for scid, addedAt := range g.unconfirmed {
		if _, ok := seen[scid]; ok {
			continue
		}
		if now.Sub(addedAt) > g.cfg.ConfirmHorizon {
			stale = append(stale, scid)
		}
	}
	g.mu.Unlock()

	report := &PruneReport{}
	if len(stale) > 0 {
		if err := g.DeleteChannels(stale...); err != nil {
			return nil, err
		}
		report.Channels = stale
	}

	pruned, err := g.cfg.DB.PruneGraphNodes()
	if err != nil {
		return nil, err
	}
	for _, node := range pruned {
		report.Nodes = append(report.Nodes, Vertex(node))
	}

	if len(report.Channels) > 0 || len(report.Nodes) > 0 {
		log.Infof("Pruned %d channels and %d nodes from the graph",
			len(report.Channels), len(report.Nodes))
	}

	return report, nil
}

// ForEachNode calls cb for every announced node.
func (g *Graph) ForEachNode(cb func(*lnwire.NodeAnnouncement) error) error {
	return g.cfg.DB.ForEachNode(cb)
}

// ForEachChannel calls cb for every channel.
func (g *Graph) ForEachChannel(cb func(*channeldb.ChannelEdge) error) error {
	return g.cfg.DB.ForEachChannel(cb)
}

// ForEachNodeChannel calls cb for every channel of the node as seen from
// that node.
func (g *Graph) ForEachNodeChannel(v Vertex,
	cb func(*DirectedChannel) error) error {

	return g.cache.ForEachChannel(v, cb)
}

// Stats describes the size of the graph.
func (g *Graph) Stats() string {
	return g.cache.Stats()
}

var _ channeldb.AddrSource = (*Graph)(nil)
