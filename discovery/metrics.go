package discovery

import (
	"github.com/hopline/hopd/lnwire"
	"github.com/prometheus/client_golang/prometheus"
)

// gossipMetrics counts the outcome of every processed announcement by
// message type.
type gossipMetrics struct {
	accepted    *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	deduped     *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
}

func newGossipMetrics() *gossipMetrics {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hopd",
			Subsystem: "gossip",
			Name:      name,
			Help:      help,
		}, []string{"type"})
	}

	return &gossipMetrics{
		accepted: counter(
			"accepted_total", "Announcements applied to the graph.",
		),
		rejected: counter(
			"rejected_total", "Announcements with an invalid "+
				"signature or content.",
		),
		deduped: counter(
			"deduped_total", "Announcements already known or "+
				"older than the stored version.",
		),
		rateLimited: counter(
			"rate_limited_total", "Channel updates dropped by the "+
				"per channel burst limit.",
		),
	}
}

func (m *gossipMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.accepted, m.rejected, m.deduped, m.rateLimited,
	}
}

func msgLabel(msg lnwire.Message) string {
	return msg.MsgType().String()
}
