package channeldb

import (
	"bytes"
	"sort"
	"time"

	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
)

// forwardingLogBucket maps the settle time of a forward in unix nanoseconds
// to the forward.
var forwardingLogBucket = []byte("circuit-fwd-log")

const (
	// forwardingEventSize is the encoded size of a forward: both channel
	// ids, both amounts and both htlc ids, 8 bytes each.
	forwardingEventSize = 48

	// MaxResponseEvents caps the events of a single query.
	MaxResponseEvents = 50000

	// maxTimestampBumps is how many nanoseconds a forward is moved at most
	// to find a free key.
	maxTimestampBumps = 100
)

// ForwardingLog is the time series of the HTLCs this node forwarded and saw
// settled.
type ForwardingLog struct {
	db *DB
}

// ForwardingLog returns the forwarding log of the database.
func (d *DB) ForwardingLog() *ForwardingLog {
	return &ForwardingLog{db: d}
}

// ForwardingEvent is a settled forward: an HTLC received on one channel and
// paid out on another.
type ForwardingEvent struct {
	// Timestamp is when the circuit was settled.
	Timestamp time.Time

	IncomingChanID lnwire.ShortChannelID
	OutgoingChanID lnwire.ShortChannelID

	// AmtIn and AmtOut are the amounts of the incoming and outgoing
	// HTLC. Their difference is the fee we earned.
	AmtIn  lnwire.MilliSatoshi
	AmtOut lnwire.MilliSatoshi

	IncomingHtlcID uint64
	OutgoingHtlcID uint64
}

// Fee returns the fee earned by the forward.
func (f *ForwardingEvent) Fee() lnwire.MilliSatoshi {
	return f.AmtIn - f.AmtOut
}

// encode writes the forward without its timestamp, which is the key.
func (f *ForwardingEvent) encode() ([]byte, error) {
	b := bytes.NewBuffer(make([]byte, 0, forwardingEventSize))
	err := WriteElements(
		b, f.IncomingChanID, f.OutgoingChanID, f.AmtIn, f.AmtOut,
		f.IncomingHtlcID, f.OutgoingHtlcID,
	)

	return b.Bytes(), err
}

// decode reads a forward stored under key.
func (f *ForwardingEvent) decode(key, value []byte) error {
	f.Timestamp = time.Unix(0, int64(byteOrder.Uint64(key)))

	return ReadElements(
		bytes.NewReader(value), &f.IncomingChanID, &f.OutgoingChanID,
		&f.AmtIn, &f.AmtOut, &f.IncomingHtlcID, &f.OutgoingHtlcID,
	)
}

// timeKey returns the bucket key of t. Times before the unix epoch map to
// the first key.
func timeKey(t time.Time) []byte {
	var key [8]byte
	if t.After(time.Unix(0, 0)) {
		byteOrder.PutUint64(key[:], uint64(t.UnixNano()))
	}

	return key[:]
}

// AddForwardingEvents stores the forwards. Forwards sharing a timestamp are
// spread over consecutive nanoseconds so none overwrites another.
func (f *ForwardingLog) AddForwardingEvents(events []ForwardingEvent) error {
	makeUniqueTimestamps(events)

	return kvdb.Update(f.db, func(tx kvdb.RwTx) error {
		bucket, err := tx.CreateTopLevelBucket(forwardingLogBucket)
		if err != nil {
			return err
		}

		for _, event := range events {
			if err := putForward(bucket, event); err != nil {
				return err
			}
		}

		return nil
	}, func() {})
}

// putForward stores the forward under the first free nanosecond at or after
// its timestamp.
func putForward(bucket kvdb.RwBucket, event ForwardingEvent) error {
	key := timeKey(event.Timestamp)
	for i := 0; i < maxTimestampBumps && bucket.Get(key) != nil; i++ {
		event.Timestamp = event.Timestamp.Add(time.Nanosecond)
		key = timeKey(event.Timestamp)
	}

	value, err := event.encode()
	if err != nil {
		return err
	}

	return bucket.Put(key, value)
}

// ForwardingEventQuery selects forwards settled within a time range.
type ForwardingEventQuery struct {
	// StartTime and EndTime bound the range, both inclusive.
	StartTime time.Time
	EndTime   time.Time

	// IndexOffset is the number of matching forwards to skip.
	IndexOffset uint32

	// NumMaxEvents is the most forwards returned.
	NumMaxEvents uint32

	// IncomingChanIDs and OutgoingChanIDs restrict the channels of the
	// forwards. An empty set matches every channel.
	IncomingChanIDs fn.Set[uint64]
	OutgoingChanIDs fn.Set[uint64]
}

// matches reports whether the forward passes the channel filters.
func (q *ForwardingEventQuery) matches(e *ForwardingEvent) bool {
	in := q.IncomingChanIDs.IsEmpty() ||
		q.IncomingChanIDs.Contains(e.IncomingChanID.ToUint64())
	out := q.OutgoingChanIDs.IsEmpty() ||
		q.OutgoingChanIDs.Contains(e.OutgoingChanID.ToUint64())

	return in && out
}

// ForwardingLogTimeSlice is the answer to a query.
type ForwardingLogTimeSlice struct {
	ForwardingEventQuery

	// ForwardingEvents are the matching forwards in time order.
	ForwardingEvents []ForwardingEvent

	// LastIndexOffset is the offset to resume the query at.
	LastIndexOffset uint32
}

// Query returns a page of the forwards of the time range.
func (f *ForwardingLog) Query(q ForwardingEventQuery) (ForwardingLogTimeSlice,
	error) {

	resp := ForwardingLogTimeSlice{ForwardingEventQuery: q}
	err := kvdb.View(f.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(forwardingLogBucket)
		if bucket == nil {
			return nil
		}

		end := timeKey(q.EndTime)
		skip := q.IndexOffset
		c := bucket.ReadCursor()
		for k, v := c.Seek(timeKey(q.StartTime)); k != nil &&
			bytes.Compare(k, end) <= 0; k, v = c.Next() {

			if uint32(len(resp.ForwardingEvents)) >= q.NumMaxEvents {
				break
			}

			var event ForwardingEvent
			if err := event.decode(k, v); err != nil {
				return err
			}
			if !q.matches(&event) {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}

			resp.ForwardingEvents = append(
				resp.ForwardingEvents, event,
			)
		}

		return nil
	}, func() {
		resp = ForwardingLogTimeSlice{ForwardingEventQuery: q}
	})
	if err != nil {
		return ForwardingLogTimeSlice{}, err
	}

	resp.LastIndexOffset = q.IndexOffset +
		uint32(len(resp.ForwardingEvents))

	return resp, nil
}

// makeUniqueTimestamps sorts the forwards by time and moves forwards sharing
// a timestamp to the following nanoseconds. Coarse system clocks return the
// same time for consecutive calls.
func makeUniqueTimestamps(events []ForwardingEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	for i := 1; i < len(events); i++ {
		prev := events[i-1].Timestamp
		if !events[i].Timestamp.After(prev) {
			events[i].Timestamp = prev.Add(time.Nanosecond)
		}
	}
}
