package lncfg

import (
	"fmt"
	"time"

	"github.com/hopline/hopd/discovery"
	"github.com/hopline/hopd/graph"
)

//nolint:lll
type Gossip struct {
	StaleHorizon time.Duration `long:"stale-horizon" description:"The age after which a channel without a fresh update is removed from the graph."`

	TrickleDelay time.Duration `long:"trickle-delay" description:"The interval at which validated announcements are broadcast to our peers in a batch."`

	MaxChannelUpdateBurst int `long:"max-channel-update-burst" description:"The maximum number of updates for a specific channel and direction that hopd will accept over the channel update interval."`

	ChannelUpdateInterval time.Duration `long:"channel-update-interval" description:"The interval used to determine how often hopd should allow a burst of new updates for a specific channel and direction."`

	BanThreshold uint64 `long:"ban-threshold" description:"The number of invalid announcements after which the gossip of a peer is ignored."`
}

// DefaultGossip returns the default gossip settings.
func DefaultGossip() *Gossip {
	return &Gossip{
		StaleHorizon:          graph.DefaultStaleHorizon,
		TrickleDelay:          discovery.DefaultTrickleDelay,
		MaxChannelUpdateBurst: discovery.DefaultMaxChannelUpdateBurst,
		ChannelUpdateInterval: discovery.DefaultChannelUpdateInterval,
		BanThreshold:          discovery.DefaultBanThreshold,
	}
}

// Validate checks the gossip settings.
func (g *Gossip) Validate() error {
	switch {
	case g.StaleHorizon <= 0:
		return fmt.Errorf("stale-horizon must be positive")

	case g.TrickleDelay <= 0:
		return fmt.Errorf("trickle-delay must be positive")

	case g.MaxChannelUpdateBurst <= 0:
		return fmt.Errorf("max-channel-update-burst must be positive")

	case g.ChannelUpdateInterval <= 0:
		return fmt.Errorf("channel-update-interval must be positive")

	case g.BanThreshold == 0:
		return fmt.Errorf("ban-threshold must be positive")
	}

	return nil
}

// Compile-time constraint to ensure Gossip implements the Validator
// interface.
var _ Validator = (*Gossip)(nil)
