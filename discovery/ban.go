package discovery

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/hopline/hopd/graph"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultBanThreshold is the number of invalid announcements after
	// which a peer is ignored.
	DefaultBanThreshold = 100

	// maxTrackedPeers bounds the score table. The least recently punished
	// peers fall out first.
	maxTrackedPeers = 10_000

	// banDuration is how long a banned peer stays ignored, and how long a
	// score below the threshold is remembered.
	banDuration = 48 * time.Hour

	// banSweepInterval is how often expired entries are dropped.
	banSweepInterval = 10 * time.Minute
)

// ErrPeerBanned is returned for gossip from a peer whose ban score crossed
// the threshold.
var ErrPeerBanned = errors.New("peer has bypassed ban threshold - banning")

// misbehavior is the score of one peer. Every invalid announcement adds one
// and restarts the timer.
type misbehavior struct {
	score      uint64
	lastUpdate time.Time
}

// Size is part of cache.Value, every entry counts as one.
func (m *misbehavior) Size() (uint64, error) {
	return 1, nil
}

// banList scores peers sending invalid gossip and ignores those over the
// threshold. It lives in memory only.
type banList struct {
	threshold uint64

	scores *lru.Cache[graph.Vertex, *misbehavior]

	clock clock.Clock
	sweep ticker.Ticker

	wg   sync.WaitGroup
	quit chan struct{}
}

// newBanList creates a ban list. A zero threshold disables banning.
func newBanList(threshold uint64, clk clock.Clock) *banList {
	if threshold == 0 {
		log.Warn("Banning is disabled due to zero banThreshold")
		threshold = math.MaxUint64
	}

	return &banList{
		threshold: threshold,
		scores: lru.NewCache[graph.Vertex, *misbehavior](
			maxTrackedPeers,
		),
		clock: clk,
		sweep: ticker.New(banSweepInterval),
		quit:  make(chan struct{}),
	}
}

func (b *banList) start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		b.sweep.Resume()
		defer b.sweep.Stop()

		for {
			select {
			case <-b.sweep.Ticks():
				b.dropExpired()

			case <-b.quit:
				return
			}
		}
	}()
}

func (b *banList) stop() {
	close(b.quit)
	b.wg.Wait()
}

// dropExpired forgets every score whose last update is older than
// banDuration, lifting the ban of peers over the threshold.
func (b *banList) dropExpired() {
	cutoff := b.clock.Now().Add(-banDuration)

	var expired []graph.Vertex
	b.scores.Range(func(peer graph.Vertex, m *misbehavior) bool {
		if m.lastUpdate.Before(cutoff) {
			expired = append(expired, peer)
		}

		return true
	})

	for _, peer := range expired {
		b.scores.Delete(peer)
	}
}

// banned reports whether gossip from peer is ignored.
func (b *banList) banned(peer graph.Vertex) bool {
	m, err := b.scores.Get(peer)
	if err != nil {
		return false
	}

	return m.score >= b.threshold
}

// punish adds one to the score of peer.
func (b *banList) punish(peer graph.Vertex) {
	var score uint64 = 1
	if m, err := b.scores.Get(peer); err == nil {
		score += m.score
	}

	_, _ = b.scores.Put(peer, &misbehavior{
		score:      score,
		lastUpdate: b.clock.Now(),
	})

	if score == b.threshold {
		log.Warnf("Banning peer %v after %d invalid announcements",
			peer, score)
	}
}
