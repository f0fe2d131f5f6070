package discovery

import (
	"sync"

	"github.com/hopline/hopd/graph"
	"github.com/hopline/hopd/lnwire"
)

// channelUpdateID names the channel update of one direction of a channel.
type channelUpdateID struct {
	channelID lnwire.ShortChannelID

	// direction is 0 for the update of node 1 of the announcement.
	direction uint8
}

// msgWithSenders is a batched message along with the peers it came from,
// which the broadcast skips.
type msgWithSenders struct {
	msg     lnwire.Message
	senders map[graph.Vertex]struct{}

	// seq is the timestamp of updates and node announcements, zero for
	// channel announcements.
	seq uint32
}

// addLatest keeps the newest version of a message under key. A version with
// the same sequence only adds its sender.
func addLatest[K comparable](batch map[K]msgWithSenders, key K,
	msg lnwire.Message, seq uint32, sender graph.Vertex) {

	mws, ok := batch[key]
	switch {
	case ok && mws.seq > seq:
		return

	case !ok || mws.seq < seq:
		mws = msgWithSenders{
			senders: make(map[graph.Vertex]struct{}),
			seq:     seq,
		}
	}

	mws.msg = msg
	mws.senders[sender] = struct{}{}
	batch[key] = mws
}

// deDupedAnnouncements is the batch of records waiting for the next trickle
// tick, one per channel, channel direction and node.
type deDupedAnnouncements struct {
	sync.Mutex

	channelAnnouncements map[lnwire.ShortChannelID]msgWithSenders
	channelUpdates       map[channelUpdateID]msgWithSenders
	nodeAnnouncements    map[graph.Vertex]msgWithSenders
}

// Reset empties the batch.
func (d *deDupedAnnouncements) Reset() {
	d.Lock()
	d.reset()
	d.Unlock()
}

func (d *deDupedAnnouncements) reset() {
	d.channelAnnouncements = make(map[lnwire.ShortChannelID]msgWithSenders)
	d.channelUpdates = make(map[channelUpdateID]msgWithSenders)
	d.nodeAnnouncements = make(map[graph.Vertex]msgWithSenders)
}

// AddMsgs adds records to the batch. Other message types are ignored.
func (d *deDupedAnnouncements) AddMsgs(msgs ...networkMsg) {
	d.Lock()
	defer d.Unlock()

	for _, m := range msgs {
		switch msg := m.msg.(type) {
		case *lnwire.ChannelAnnouncement:
			addLatest(
				d.channelAnnouncements, msg.ShortChannelID,
				msg, 0, m.source,
			)

		case *lnwire.ChannelUpdate:
			id := channelUpdateID{
				channelID: msg.ShortChannelID,
				direction: msg.Direction(),
			}
			addLatest(
				d.channelUpdates, id, msg, msg.Timestamp,
				m.source,
			)

		case *lnwire.NodeAnnouncement:
			addLatest(
				d.nodeAnnouncements, graph.Vertex(msg.NodeID),
				msg, msg.Timestamp, m.source,
			)
		}
	}
}

// Emit drains the batch. Channel announcements come first, then channel
// updates, then node announcements, so receivers know a channel before its
// policies.
func (d *deDupedAnnouncements) Emit() []msgWithSenders {
	d.Lock()
	defer d.Unlock()

	msgs := make([]msgWithSenders, 0, len(d.channelAnnouncements)+
		len(d.channelUpdates)+len(d.nodeAnnouncements))
	for _, m := range d.channelAnnouncements {
		msgs = append(msgs, m)
	}
	for _, m := range d.channelUpdates {
		msgs = append(msgs, m)
	}
	for _, m := range d.nodeAnnouncements {
		msgs = append(msgs, m)
	}

	d.reset()

	return msgs
}
