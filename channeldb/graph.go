package channeldb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// nodeBucket is a bucket which houses all the vertices or nodes within
	// the channel graph. The key space maps a node's compressed public key
	// to its latest announcement.
	//
	// graph-node-bucket -> pubkey -> node announcement
	nodeBucket = []byte("graph-node-bucket")

	// edgeBucket is a bucket which houses all of the edge or channel
	// information within the channel graph.
	//
	// graph-edge-bucket -> scid -> added time || channel announcement
	edgeBucket = []byte("graph-edge-bucket")

	// edgeUpdateBucket houses the latest channel update for each
	// direction of a channel.
	//
	// graph-update-bucket -> scid || direction -> channel update
	edgeUpdateBucket = []byte("graph-update-bucket")

	// updateIndexBucket houses an index of all channel updates sorted by
	// their update timestamp.
	//
	// graph-update-index -> timestamp || scid || direction -> nil
	updateIndexBucket = []byte("graph-update-index")
)

// ChannelEdge is a channel of the graph together with the latest policy of
// each direction. A nil policy means no update was received yet for that
// direction.
type ChannelEdge struct {
	// Info is the announcement that created the edge.
	Info *lnwire.ChannelAnnouncement

	// AddedAt is the time the edge was first added to the graph.
	AddedAt time.Time

	// Policies holds the latest update of node 1 at index 0 and of node 2
	// at index 1.
	Policies [2]*lnwire.ChannelUpdate
}

// LastUpdate returns the time of the freshest record of the edge. An edge
// without updates is as fresh as its announcement.
func (e *ChannelEdge) LastUpdate() time.Time {
	last := e.AddedAt
	for _, p := range e.Policies {
		if p == nil {
			continue
		}

		ts := time.Unix(int64(p.Timestamp), 0)
		if ts.After(last) {
			last = ts
		}
	}

	return last
}

// ChannelGraph is a persistent, on-disk graph representation of the Lightning
// Network. The graph holds the latest announcements of all known nodes and
// channels along with the policies of each channel direction.
type ChannelGraph struct {
	db *DB
}

// AddLightningNode adds a vertex/node to the graph database. If the node is
// already present, then its announcement is overwritten.
func (c *ChannelGraph) AddLightningNode(node *lnwire.NodeAnnouncement) error {
	var b bytes.Buffer
	if err := node.Encode(&b, 0); err != nil {
		return err
	}

	return kvdb.Update(c.db, func(tx kvdb.RwTx) error {
		nodes := tx.ReadWriteBucket(nodeBucket)
		if nodes == nil {
			return ErrGraphNotFound
		}

		return nodes.Put(node.NodeID[:], b.Bytes())
	}, func() {})
}

// FetchLightningNode attempts to look up a target node by its identity public
// key. If the node isn't found in the database, then ErrGraphNodeNotFound is
// returned.
func (c *ChannelGraph) FetchLightningNode(
	pub [33]byte) (*lnwire.NodeAnnouncement, error) {

	var node *lnwire.NodeAnnouncement
	err := kvdb.View(c.db, func(tx kvdb.RTx) error {
		nodes := tx.ReadBucket(nodeBucket)
		if nodes == nil {
			return ErrGraphNotFound
		}

		nodeBytes := nodes.Get(pub[:])
		if nodeBytes == nil {
			return ErrGraphNodeNotFound
		}

		node = &lnwire.NodeAnnouncement{}

		return node.Decode(bytes.NewReader(nodeBytes), 0)
	}, func() {
		node = nil
	})
	if err != nil {
		return nil, err
	}

	return node, nil
}

// AddrsForNode returns the addresses the node advertised in its latest
// announcement.
//
// NOTE: this implements the AddrSource interface.
func (c *ChannelGraph) AddrsForNode(_ context.Context,
	nodePub *btcec.PublicKey) (bool, []net.Addr, error) {

	var pub [33]byte
	copy(pub[:], nodePub.SerializeCompressed())

	node, err := c.FetchLightningNode(pub)
	switch {
	case errors.Is(err, ErrGraphNodeNotFound):
		return false, nil, nil

	case err != nil:
		return false, nil, err
	}

	return true, node.Addresses, nil
}

// A compile-time check to ensure that ChannelGraph implements the
// AddrSource interface.
var _ AddrSource = (*ChannelGraph)(nil)

// ForEachNode iterates through all the stored vertices/nodes in the graph,
// executing the passed callback with each node encountered. If the callback
// returns an error, then the transaction is aborted and the iteration stops
// early.
func (c *ChannelGraph) ForEachNode(
	cb func(*lnwire.NodeAnnouncement) error) error {

	return kvdb.View(c.db, func(tx kvdb.RTx) error {
		nodes := tx.ReadBucket(nodeBucket)
		if nodes == nil {
			return ErrGraphNotFound
		}

		return nodes.ForEach(func(_, nodeBytes []byte) error {
			node := &lnwire.NodeAnnouncement{}
			err := node.Decode(bytes.NewReader(nodeBytes), 0)
			if err != nil {
				return err
			}

			return cb(node)
		})
	}, func() {})
}

// DeleteLightningNode starts a new database transaction to remove a vertex/node
// from the database according to the node's public key.
func (c *ChannelGraph) DeleteLightningNode(pub [33]byte) error {
	return kvdb.Update(c.db, func(tx kvdb.RwTx) error {
		nodes := tx.ReadWriteBucket(nodeBucket)
		if nodes == nil {
			return ErrGraphNodeNotFound
		}

		if nodes.Get(pub[:]) == nil {
			return ErrGraphNodeNotFound
		}

		return nodes.Delete(pub[:])
	}, func() {})
}

// AddChannelEdge adds a new (undirected, blank) edge to the graph database. An
// undirected edge from the two target nodes are created. The information stored
// denotes the static attributes of the channel, such as the channelID, the keys
// involved in creation of the channel, and the set of features that the channel
// supports. The chanPoint and chanID are used to uniquely identify the edge
// globally within the database.
func (c *ChannelGraph) AddChannelEdge(ann *lnwire.ChannelAnnouncement) error {
	var b bytes.Buffer
	if err := WriteElement(&b, c.db.clock.Now()); err != nil {
		return err
	}
	if err := ann.Encode(&b, 0); err != nil {
		return err
	}

	key := scidKey(ann.ShortChannelID)

	return kvdb.Update(c.db, func(tx kvdb.RwTx) error {
		edges := tx.ReadWriteBucket(edgeBucket)
		if edges == nil {
			return ErrGraphNotFound
		}

		if edges.Get(key[:]) != nil {
			return ErrEdgeAlreadyExist
		}

		return edges.Put(key[:], b.Bytes())
	}, func() {})
}

// HasChannelEdge returns true if the database knows of a channel edge with the
// passed channel ID, along with the timestamps of the latest update of each
// direction. A zero timestamp means no update was stored.
func (c *ChannelGraph) HasChannelEdge(
	scid lnwire.ShortChannelID) (bool, [2]uint32, error) {

	var (
		exists     bool
		timestamps [2]uint32
	)
	err := kvdb.View(c.db, func(tx kvdb.RTx) error {
		edges := tx.ReadBucket(edgeBucket)
		if edges == nil {
			return ErrGraphNotFound
		}

		key := scidKey(scid)
		if edges.Get(key[:]) == nil {
			return nil
		}
		exists = true

		policies, err := fetchPolicies(tx, scid)
		if err != nil {
			return err
		}
		for i, p := range policies {
			if p != nil {
				timestamps[i] = p.Timestamp
			}
		}

		return nil
	}, func() {
		exists = false
		timestamps = [2]uint32{}
	})

	return exists, timestamps, err
}

// FetchChannelEdge returns the edge with the given short channel id.
func (c *ChannelGraph) FetchChannelEdge(
	scid lnwire.ShortChannelID) (*ChannelEdge, error) {

	var edge *ChannelEdge
	err := kvdb.View(c.db, func(tx kvdb.RTx) error {
		edges := tx.ReadBucket(edgeBucket)
		if edges == nil {
			return ErrGraphNotFound
		}

		key := scidKey(scid)
		edgeBytes := edges.Get(key[:])
		if edgeBytes == nil {
			return ErrEdgeNotFound
		}

		var err error
		edge, err = deserializeEdge(tx, edgeBytes)

		return err
	}, func() {
		edge = nil
	})
	if err != nil {
		return nil, err
	}

	return edge, nil
}

// ForEachChannel iterates through all the channel edges stored within the
// graph and invokes the passed callback for each edge.
func (c *ChannelGraph) ForEachChannel(cb func(*ChannelEdge) error) error {
	return kvdb.View(c.db, func(tx kvdb.RTx) error {
		edges := tx.ReadBucket(edgeBucket)
		if edges == nil {
			return ErrGraphNotFound
		}

		return edges.ForEach(func(_, edgeBytes []byte) error {
			edge, err := deserializeEdge(tx, edgeBytes)
			if err != nil {
				return err
			}

			return cb(edge)
		})
	}, func() {})
}

// UpdateEdgePolicy updates the edge routing policy for a single directed edge
// within the database for the referenced channel. The update time index is
// kept in step so stale edges can be found without a full scan.
func (c *ChannelGraph) UpdateEdgePolicy(upd *lnwire.ChannelUpdate) error {
	var b bytes.Buffer
	if err := upd.Encode(&b, 0); err != nil {
		return err
	}

	return kvdb.Update(c.db, func(tx kvdb.RwTx) error {
		edges := tx.ReadBucket(edgeBucket)
		if edges == nil {
			return ErrGraphNotFound
		}

		key := scidKey(upd.ShortChannelID)
		if edges.Get(key[:]) == nil {
			return ErrEdgeNotFound
		}

		updates := tx.ReadWriteBucket(edgeUpdateBucket)
		index := tx.ReadWriteBucket(updateIndexBucket)
		if updates == nil || index == nil {
			return ErrGraphNotFound
		}

		updKey := policyKey(upd.ShortChannelID, upd.Direction())

		// Drop the index entry of the update we're replacing.
		if oldBytes := updates.Get(updKey[:]); oldBytes != nil {
			old := &lnwire.ChannelUpdate{}
			err := old.Decode(bytes.NewReader(oldBytes), 0)
			if err != nil {
				return err
			}

			oldIdx := updateIndexKey(
				old.Timestamp, old.ShortChannelID,
				old.Direction(),
			)
			if err := index.Delete(oldIdx[:]); err != nil {
				return err
			}
		}

		idx := updateIndexKey(
			upd.Timestamp, upd.ShortChannelID, upd.Direction(),
		)
		if err := index.Put(idx[:], nil); err != nil {
			return err
		}

		return updates.Put(updKey[:], b.Bytes())
	}, func() {})
}

// DeleteChannelEdges removes edges with the given channel IDs from the
// database together with their policies. Unknown ids are skipped.
func (c *ChannelGraph) DeleteChannelEdges(
	scids ...lnwire.ShortChannelID) error {

	return kvdb.Update(c.db, func(tx kvdb.RwTx) error {
		edges := tx.ReadWriteBucket(edgeBucket)
		updates := tx.ReadWriteBucket(edgeUpdateBucket)
		index := tx.ReadWriteBucket(updateIndexBucket)
		if edges == nil || updates == nil || index == nil {
			return ErrGraphNotFound
		}

		for _, scid := range scids {
			policies, err := fetchPolicies(tx, scid)
			if err != nil {
				return err
			}

			for dir, p := range policies {
				if p == nil {
					continue
				}

				idx := updateIndexKey(
					p.Timestamp, scid, uint8(dir),
				)
				if err := index.Delete(idx[:]); err != nil {
					return err
				}

				updKey := policyKey(scid, uint8(dir))
				if err := updates.Delete(updKey[:]); err != nil {
					return err
				}
			}

			key := scidKey(scid)
			if err := edges.Delete(key[:]); err != nil {
				return err
			}
		}

		return nil
	}, func() {})
}

// StaleChannels returns the channels whose freshest record is older than
// cutoff. Channels with a recent update in one direction are kept.
func (c *ChannelGraph) StaleChannels(
	cutoff time.Time) ([]lnwire.ShortChannelID, error) {

	var stale []lnwire.ShortChannelID
	err := kvdb.View(c.db, func(tx kvdb.RTx) error {
		edges := tx.ReadBucket(edgeBucket)
		if edges == nil {
			return ErrGraphNotFound
		}

		return edges.ForEach(func(_, edgeBytes []byte) error {
			edge, err := deserializeEdge(tx, edgeBytes)
			if err != nil {
				return err
			}

			if edge.LastUpdate().Before(cutoff) {
				stale = append(stale, edge.Info.ShortChannelID)
			}

			return nil
		})
	}, func() {
		stale = nil
	})
	if err != nil {
		return nil, err
	}

	return stale, nil
}

// UpdatesInHorizon returns all the known channel updates which have an update
// timestamp within the passed range, using the update time index.
func (c *ChannelGraph) UpdatesInHorizon(startTime,
	endTime time.Time) ([]*lnwire.ChannelUpdate, error) {

	var updates []*lnwire.ChannelUpdate
	err := kvdb.View(c.db, func(tx kvdb.RTx) error {
		index := tx.ReadBucket(updateIndexBucket)
		updBucket := tx.ReadBucket(edgeUpdateBucket)
		if index == nil || updBucket == nil {
			return ErrGraphNotFound
		}

		var start [4]byte
		byteOrder.PutUint32(start[:], uint32(startTime.Unix()))
		end := uint32(endTime.Unix())

		cursor := index.ReadCursor()
		for k, _ := cursor.Seek(start[:]); k != nil; k, _ = cursor.Next() {
			if byteOrder.Uint32(k[:4]) > end {
				break
			}

			var updKey [9]byte
			copy(updKey[:], k[4:])

			updBytes := updBucket.Get(updKey[:])
			if updBytes == nil {
				return fmt.Errorf("index entry %x has no update", k)
			}

			upd := &lnwire.ChannelUpdate{}
			err := upd.Decode(bytes.NewReader(updBytes), 0)
			if err != nil {
				return err
			}
			updates = append(updates, upd)
		}

		return nil
	}, func() {
		updates = nil
	})
	if err != nil {
		return nil, err
	}

	return updates, nil
}

// PruneGraphNodes is a garbage collection method which attempts to prune out
// any nodes from the channel graph that are currently unconnected. This ensure
// that we only maintain a graph of reachable nodes. In the event that a pruned
// node gains more channels, it will be re-added back to the graph.
func (c *ChannelGraph) PruneGraphNodes() ([][33]byte, error) {
	var pruned [][33]byte
	err := kvdb.Update(c.db, func(tx kvdb.RwTx) error {
		nodes := tx.ReadWriteBucket(nodeBucket)
		edges := tx.ReadBucket(edgeBucket)
		if nodes == nil || edges == nil {
			return ErrGraphNotFound
		}

		// First, collect every node that is an endpoint of a channel.
		connected := make(map[[33]byte]struct{})
		err := edges.ForEach(func(_, edgeBytes []byte) error {
			ann, err := decodeEdgeAnnouncement(edgeBytes)
			if err != nil {
				return err
			}
			connected[ann.NodeID1] = struct{}{}
			connected[ann.NodeID2] = struct{}{}

			return nil
		})
		if err != nil {
			return err
		}

		err = nodes.ForEach(func(k, _ []byte) error {
			var pub [33]byte
			copy(pub[:], k)
			if _, ok := connected[pub]; !ok {
				pruned = append(pruned, pub)
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, pub := range pruned {
			if err := nodes.Delete(pub[:]); err != nil {
				return err
			}

			log.Infof("Pruned unconnected node %x from channel graph",
				pub[:])
		}

		return nil
	}, func() {
		pruned = nil
	})
	if err != nil {
		return nil, err
	}

	return pruned, nil
}

func scidKey(scid lnwire.ShortChannelID) [8]byte {
	var k [8]byte
	byteOrder.PutUint64(k[:], scid.ToUint64())

	return k
}

func policyKey(scid lnwire.ShortChannelID, dir uint8) [9]byte {
	var k [9]byte
	byteOrder.PutUint64(k[:8], scid.ToUint64())
	k[8] = dir

	return k
}

func updateIndexKey(ts uint32, scid lnwire.ShortChannelID,
	dir uint8) [13]byte {

	var k [13]byte
	byteOrder.PutUint32(k[:4], ts)
	byteOrder.PutUint64(k[4:12], scid.ToUint64())
	k[12] = dir

	return k
}

func fetchPolicies(tx kvdb.RTx,
	scid lnwire.ShortChannelID) ([2]*lnwire.ChannelUpdate, error) {

	var policies [2]*lnwire.ChannelUpdate

	updates := tx.ReadBucket(edgeUpdateBucket)
	if updates == nil {
		return policies, ErrGraphNotFound
	}

	for dir := uint8(0); dir < 2; dir++ {
		k := policyKey(scid, dir)
		updBytes := updates.Get(k[:])
		if updBytes == nil {
			continue
		}

		upd := &lnwire.ChannelUpdate{}
		if err := upd.Decode(bytes.NewReader(updBytes), 0); err != nil {
			return policies, err
		}
		policies[dir] = upd
	}

	return policies, nil
}

func decodeEdgeAnnouncement(
	edgeBytes []byte) (*lnwire.ChannelAnnouncement, error) {

	r := bytes.NewReader(edgeBytes)

	var addedAt time.Time
	if err := ReadElement(r, &addedAt); err != nil {
		return nil, err
	}

	ann := &lnwire.ChannelAnnouncement{}
	if err := ann.Decode(r, 0); err != nil {
		return nil, err
	}

	return ann, nil
}

func deserializeEdge(tx kvdb.RTx, edgeBytes []byte) (*ChannelEdge, error) {
	r := bytes.NewReader(edgeBytes)

	edge := &ChannelEdge{Info: &lnwire.ChannelAnnouncement{}}
	if err := ReadElement(r, &edge.AddedAt); err != nil {
		return nil, err
	}
	if err := edge.Info.Decode(r, 0); err != nil {
		return nil, err
	}

	var err error
	edge.Policies, err = fetchPolicies(tx, edge.Info.ShortChannelID)
	if err != nil {
		return nil, err
	}

	return edge, nil
}
