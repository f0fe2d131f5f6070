package lnwallet

import (
	"github.com/hopline/hopd/channeldb"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// updateLog holds the updates one side proposed, in proposal order. Adds
// stay until the removal that consumed them is locked in on both
// commitment chains, removals go together with their add.
type updateLog struct {
	*fn.List[*PaymentDescriptor]

	// logIndex counts every update ever appended. A commitment covers
	// the log up to an index.
	logIndex uint64

	// htlcCounter counts adds only and becomes the id of the next
	// offered HTLC.
	htlcCounter uint64

	// updateIndex finds removals by log index, htlcIndex finds adds by
	// HTLC id.
	updateIndex map[uint64]*fn.Node[*PaymentDescriptor]
	htlcIndex   map[uint64]*fn.Node[*PaymentDescriptor]

	// modifiedHtlcs are the adds a pending settle or fail refers to.
	modifiedHtlcs fn.Set[uint64]
}

func newUpdateLog(logIndex, htlcCounter uint64) *updateLog {
	return &updateLog{
		List:          fn.NewList[*PaymentDescriptor](),
		logIndex:      logIndex,
		htlcCounter:   htlcCounter,
		updateIndex:   make(map[uint64]*fn.Node[*PaymentDescriptor]),
		htlcIndex:     make(map[uint64]*fn.Node[*PaymentDescriptor]),
		modifiedHtlcs: fn.NewSet[uint64](),
	}
}

// appendHtlc adds a newly offered HTLC, consuming an HTLC id and a log
// index.
func (u *updateLog) appendHtlc(pd *PaymentDescriptor) {
	u.htlcIndex[u.htlcCounter] = u.PushBack(pd)
	u.htlcCounter++
	u.logIndex++
}

// appendUpdate adds a new settle or fail.
func (u *updateLog) appendUpdate(pd *PaymentDescriptor) {
	u.updateIndex[u.logIndex] = u.PushBack(pd)
	u.logIndex++
}

// restoreHtlc puts back an add read from disk. The counters already
// account for it and an add that is present is left alone.
func (u *updateLog) restoreHtlc(pd *PaymentDescriptor) {
	if _, ok := u.htlcIndex[pd.HtlcIndex]; !ok {
		u.htlcIndex[pd.HtlcIndex] = u.PushBack(pd)
	}
}

// restoreUpdate puts back a removal read from disk.
func (u *updateLog) restoreUpdate(pd *PaymentDescriptor) {
	u.updateIndex[pd.LogIndex] = u.PushBack(pd)
}

// lookupHtlc returns the add with HTLC id i, nil if it is gone.
func (u *updateLog) lookupHtlc(i uint64) *PaymentDescriptor {
	if node, ok := u.htlcIndex[i]; ok {
		return node.Value
	}

	return nil
}

func (u *updateLog) removeUpdate(i uint64) {
	if node, ok := u.updateIndex[i]; ok {
		u.Remove(node)
		delete(u.updateIndex, i)
	}
}

func (u *updateLog) removeHtlc(i uint64) {
	if node, ok := u.htlcIndex[i]; ok {
		u.Remove(node)
		delete(u.htlcIndex, i)
		u.modifiedHtlcs.Remove(i)
	}
}

// htlcHasModification reports whether a settle or fail of HTLC i is
// pending.
func (u *updateLog) htlcHasModification(i uint64) bool {
	return u.modifiedHtlcs.Contains(i)
}

func (u *updateLog) markHtlcModified(i uint64) {
	u.modifiedHtlcs.Add(i)
}

// entries returns the updates in log order.
func (u *updateLog) entries() []*PaymentDescriptor {
	entries := make([]*PaymentDescriptor, 0, u.Len())
	for e := u.Front(); e != nil; e = e.Next() {
		entries = append(entries, e.Value)
	}

	return entries
}

// logEntries returns the stored form of the updates keep accepts.
func (u *updateLog) logEntries(
	keep func(*PaymentDescriptor) bool) []channeldb.LogEntry {

	var entries []channeldb.LogEntry
	for e := u.Front(); e != nil; e = e.Next() {
		if keep(e.Value) {
			entries = append(entries, e.Value.toLogEntry())
		}
	}

	return entries
}

// compactAgainst drops the removals of u that both chain tails have
// passed, together with the adds they consumed from offers.
func (u *updateLog) compactAgainst(offers *updateLog, localTail,
	remoteTail uint64) {

	for e := u.Front(); e != nil; {
		// The node may be unlinked below.
		pd, next := e.Value, e.Next()
		e = next

		if pd.EntryType == channeldb.Add {
			continue
		}

		local, remote := pd.removeCommitHeightLocal,
			pd.removeCommitHeightRemote
		if local == 0 || remote == 0 {
			continue
		}

		if localTail >= local && remoteTail >= remote {
			u.removeUpdate(pd.LogIndex)
			offers.removeHtlc(pd.ParentIndex)
		}
	}
}

// compactLogs garbage collects HTLCs whose removal is locked in on the
// tails of both commitment chains.
func compactLogs(ourLog, theirLog *updateLog,
	localChainTail, remoteChainTail uint64) {

	ourLog.compactAgainst(theirLog, localChainTail, remoteChainTail)
	theirLog.compactAgainst(ourLog, localChainTail, remoteChainTail)
}
