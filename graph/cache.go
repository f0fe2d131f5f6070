package graph

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/hopline/hopd/lnwire"
)

// Vertex is a simple alias for the serialization of a compressed Bitcoin
// public key.
type Vertex [33]byte

// NewVertex returns a new vertex given a public key.
func NewVertex(pub *btcec.PublicKey) Vertex {
	var v Vertex
	copy(v[:], pub.SerializeCompressed())

	return v
}

// NewVertexFromStr returns a new Vertex given its hex-encoded string format.
func NewVertexFromStr(v string) (Vertex, error) {
	var vertex Vertex

	vBytes, err := hex.DecodeString(v)
	if err != nil {
		return vertex, err
	}
	if len(vBytes) != len(vertex) {
		return vertex, fmt.Errorf("invalid vertex length of %v, "+
			"want %v", len(vBytes), len(vertex))
	}
	copy(vertex[:], vBytes)

	return vertex, nil
}

// PubKey returns the public key of the vertex.
func (v Vertex) PubKey() (*btcec.PublicKey, error) {
	return btcec.ParsePubKey(v[:])
}

// String returns a human readable version of the Vertex which is the
// hex-encoding of the serialized compressed public key.
func (v Vertex) String() string {
	return fmt.Sprintf("%x", v[:])
}

// CachedPolicy is the forwarding policy of one direction of a channel as far
// as path finding is concerned.
type CachedPolicy struct {
	// ChannelID is the channel the policy belongs to.
	ChannelID lnwire.ShortChannelID

	// TimeLockDelta is the number of blocks the forwarding node subtracts
	// from the incoming HTLC expiry.
	TimeLockDelta uint16

	// MinHTLC and MaxHTLC bound the amounts the node forwards. A zero
	// MaxHTLC means no bound besides the capacity.
	MinHTLC lnwire.MilliSatoshi
	MaxHTLC lnwire.MilliSatoshi

	// FeeBaseMSat is the fixed fee charged per forwarded HTLC.
	FeeBaseMSat lnwire.MilliSatoshi

	// FeeProportionalMillionths is the fee rate in parts per million of
	// the forwarded amount.
	FeeProportionalMillionths lnwire.MilliSatoshi

	// Disabled is set when the node announced it won't forward over the
	// channel.
	Disabled bool

	// Timestamp is the sequence number of the update the policy comes
	// from.
	Timestamp uint32
}

// ComputeFee computes the fee to forward an HTLC of amt milli-satoshis over
// the passed active payment channel. This value is currently computed as
// specified in BOLT07.
func (p *CachedPolicy) ComputeFee(
	amt lnwire.MilliSatoshi) lnwire.MilliSatoshi {

	return p.FeeBaseMSat + (amt*p.FeeProportionalMillionths)/1_000_000
}

// newCachedPolicy extracts the routing relevant fields of an update.
func newCachedPolicy(upd *lnwire.ChannelUpdate) *CachedPolicy {
	return &CachedPolicy{
		ChannelID:                 upd.ShortChannelID,
		TimeLockDelta:             upd.TimeLockDelta,
		MinHTLC:                   upd.HtlcMinimumMsat,
		MaxHTLC:                   upd.HtlcMaximumMsat,
		FeeBaseMSat:               lnwire.MilliSatoshi(upd.BaseFee),
		FeeProportionalMillionths: lnwire.MilliSatoshi(upd.FeeRate),
		Disabled:                  upd.ChannelFlags.IsDisabled(),
		Timestamp:                 upd.Timestamp,
	}
}

// DirectedChannel is a type that stores the channel information as seen from
// one side of the channel.
type DirectedChannel struct {
	// ChannelID is the unique identifier of this channel.
	ChannelID lnwire.ShortChannelID

	// IsNode1 indicates if this is the node with the smaller public key.
	IsNode1 bool

	// OtherNode is the public key of the node on the other end of this
	// channel.
	OtherNode Vertex

	// Capacity is the announced capacity of this channel in satoshis.
	Capacity btcutil.Amount

	// OutPolicy is the policy of this node for forwarding to the other
	// node.
	OutPolicy *CachedPolicy

	// InPolicy is the incoming policy *from* the other node to this node.
	// In path finding, we're walking backward from the destination to the
	// source, so we're always interested in the edge that arrives to us
	// from the other node.
	InPolicy *CachedPolicy
}

// DeepCopy creates a deep copy of the channel, including the policies.
func (c *DirectedChannel) DeepCopy() *DirectedChannel {
	channelCopy := *c

	if c.InPolicy != nil {
		inPolicy := *c.InPolicy
		channelCopy.InPolicy = &inPolicy
	}
	if c.OutPolicy != nil {
		outPolicy := *c.OutPolicy
		channelCopy.OutPolicy = &outPolicy
	}

	return &channelCopy
}

// Cache is a type that holds a minimal set of information of the public
// channel graph that can be used for pathfinding.
type Cache struct {
	nodeChannels map[Vertex]map[lnwire.ShortChannelID]*DirectedChannel

	mtx sync.RWMutex
}

// NewCache creates a new graph cache.
func NewCache() *Cache {
	return &Cache{
		nodeChannels: make(
			map[Vertex]map[lnwire.ShortChannelID]*DirectedChannel,
		),
	}
}

// Stats returns statistics about the current cache size.
func (c *Cache) Stats() string {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	numChannels := 0
	for node := range c.nodeChannels {
		numChannels += len(c.nodeChannels[node])
	}

	return fmt.Sprintf("num_nodes=%d, num_channels=%d",
		len(c.nodeChannels), numChannels/2)
}

// AddChannel adds a channel along with the policies known for either
// direction.
func (c *Cache) AddChannel(ann *lnwire.ChannelAnnouncement,
	policies [2]*lnwire.ChannelUpdate) {

	c.mtx.Lock()
	c.updateOrAddEdge(ann.NodeID1, &DirectedChannel{
		ChannelID: ann.ShortChannelID,
		IsNode1:   true,
		OtherNode: ann.NodeID2,
		Capacity:  ann.Capacity,
	})
	c.updateOrAddEdge(ann.NodeID2, &DirectedChannel{
		ChannelID: ann.ShortChannelID,
		IsNode1:   false,
		OtherNode: ann.NodeID1,
		Capacity:  ann.Capacity,
	})
	c.mtx.Unlock()

	for _, p := range policies {
		if p != nil {
			c.UpdatePolicy(ann, p)
		}
	}
}

// updateOrAddEdge makes sure the edge information for a node is either
// updated if it already exists or is added to that node's list of channels.
func (c *Cache) updateOrAddEdge(node Vertex, edge *DirectedChannel) {
	if len(c.nodeChannels[node]) == 0 {
		c.nodeChannels[node] = make(
			map[lnwire.ShortChannelID]*DirectedChannel,
		)
	}

	if old, ok := c.nodeChannels[node][edge.ChannelID]; ok {
		edge.InPolicy = old.InPolicy
		edge.OutPolicy = old.OutPolicy
	}
	c.nodeChannels[node][edge.ChannelID] = edge
}

// UpdatePolicy sets the policy of the direction named by upd. It is the
// outgoing policy of the announcing node and the incoming policy of its
// peer.
func (c *Cache) UpdatePolicy(ann *lnwire.ChannelAnnouncement,
	upd *lnwire.ChannelUpdate) {

	fromNode, toNode := ann.NodeID1, ann.NodeID2
	if upd.Direction() == 1 {
		fromNode, toNode = toNode, fromNode
	}
	policy := newCachedPolicy(upd)

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if ch, ok := c.nodeChannels[fromNode][upd.ShortChannelID]; ok {
		ch.OutPolicy = policy
	} else {
		log.Warnf("Node=%v not found in graph cache", Vertex(fromNode))
	}

	if ch, ok := c.nodeChannels[toNode][upd.ShortChannelID]; ok {
		ch.InPolicy = policy
	}
}

// RemoveChannel removes a single channel between two nodes.
func (c *Cache) RemoveChannel(node1, node2 Vertex,
	chanID lnwire.ShortChannelID) {

	c.mtx.Lock()
	defer c.mtx.Unlock()

	for _, node := range []Vertex{node1, node2} {
		delete(c.nodeChannels[node], chanID)
		if len(c.nodeChannels[node]) == 0 {
			delete(c.nodeChannels, node)
		}
	}
}

// HasNode returns true if the node has at least one channel in the cache.
func (c *Cache) HasNode(node Vertex) bool {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	_, ok := c.nodeChannels[node]

	return ok
}

// ForEachChannel invokes the given callback for each channel of the given
// node. The callback receives copies, so path finding may keep them.
func (c *Cache) ForEachChannel(node Vertex,
	cb func(channel *DirectedChannel) error) error {

	c.mtx.RLock()
	channels := make([]*DirectedChannel, 0, len(c.nodeChannels[node]))
	for _, channel := range c.nodeChannels[node] {
		channels = append(channels, channel.DeepCopy())
	}
	c.mtx.RUnlock()

	for _, channel := range channels {
		if err := cb(channel); err != nil {
			return err
		}
	}

	return nil
}
