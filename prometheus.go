package hopd

import (
	"context"
	"encoding/hex"
	"math"
	"net"
	"time"

	"github.com/hopline/hopd/build"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/lnwire"
	"github.com/prometheus/client_golang/prometheus"
)

// collectTimeout bounds the queries of the channel actors made while
// collecting metrics.
const collectTimeout = 5 * time.Second

// channelStateTransitions counts the state changes of all channels.
var channelStateTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hopd_channel_state_transitions_total",
		Help: "Number of channel state transitions.",
	},
	[]string{"from", "to"},
)

// channelStateChanged records one state change of a channel.
func channelStateChanged(from, to string) {
	channelStateTransitions.WithLabelValues(from, to).Inc()
}

// addressType returns the network a peer address belongs to.
func addressType(addr net.Addr) string {
	tcpAddr, ok := addr.(*net.TCPAddr)
	switch {
	case !ok:
		return "unknown"

	case tcpAddr.IP.To4() != nil:
		return "ipv4"

	default:
		return "ipv6"
	}
}

// registerMetrics registers the metrics of every service of s.
func registerMetrics(reg prometheus.Registerer, s *server) error {
	versionGauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hopd_version",
			Help: "Version of hopd running.",
		},
		[]string{"version", "commit"},
	)
	versionGauge.WithLabelValues(build.Version(), build.Commit).Set(1)

	startTime := time.Now()
	collectors := []prometheus.Collector{
		versionGauge,
		channelStateTransitions,

		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "hopd_uptime",
				Help: "Uptime of hopd in seconds.",
			},
			func() float64 {
				return time.Since(startTime).Seconds()
			},
		),

		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "hopd_block_height",
				Help: "Height of the best chain.",
			},
			func() float64 {
				return float64(s.bestHeight.Load())
			},
		),

		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "hopd_wallet_confirmed_balance",
				Help: "Confirmed balance of the wallet in satoshis.",
			},
			func() float64 {
				return float64(s.wallet.Balance())
			},
		),

		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "hopd_switch_active_links",
				Help: "Number of channels able to forward HTLCs.",
			},
			func() float64 {
				return float64(s.htlcSwitch.NumActiveLinks())
			},
		),

		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "hopd_switch_pending_circuits",
				Help: "Number of HTLCs in flight through the switch.",
			},
			func() float64 {
				return float64(s.htlcSwitch.NumPendingCircuits())
			},
		),

		newSwitchCollector(s),
		newPeerCollector(s),
		newGraphCollector(s),
		newChannelsCollector(s),
	}
	collectors = append(collectors, s.gossiper.Collectors()...)

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}

	return nil
}

// switchCollector exports the HTLC counters of the switch.
type switchCollector struct {
	server *server

	forwardedDesc *prometheus.Desc
	settledDesc   *prometheus.Desc
	failedDesc    *prometheus.Desc
}

func newSwitchCollector(s *server) prometheus.Collector {
	return &switchCollector{
		server: s,
		forwardedDesc: prometheus.NewDesc(
			"hopd_switch_forwarded_total",
			"Number of HTLCs forwarded.", nil, nil,
		),
		settledDesc: prometheus.NewDesc(
			"hopd_switch_settled_total",
			"Number of HTLCs settled.", nil, nil,
		),
		failedDesc: prometheus.NewDesc(
			"hopd_switch_failed_total",
			"Number of HTLCs failed.", nil, nil,
		),
	}
}

func (c *switchCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.forwardedDesc
	ch <- c.settledDesc
	ch <- c.failedDesc
}

func (c *switchCollector) Collect(ch chan<- prometheus.Metric) {
	forwarded, settled, failed := c.server.htlcSwitch.Stats()

	ch <- prometheus.MustNewConstMetric(
		c.forwardedDesc, prometheus.CounterValue, float64(forwarded),
	)
	ch <- prometheus.MustNewConstMetric(
		c.settledDesc, prometheus.CounterValue, float64(settled),
	)
	ch <- prometheus.MustNewConstMetric(
		c.failedDesc, prometheus.CounterValue, float64(failed),
	)
}

// We use custom collector, as this is more efficient that using Set on
// vectors. It also deals with peers disappearing automatically.
type peerCollector struct {
	server              *server
	countDesc           *prometheus.Desc
	countByProtocolDesc *prometheus.Desc

	// ByPeer (pub_key)
	pingDesc      *prometheus.Desc
	bytesSentDesc *prometheus.Desc
	bytesRecvDesc *prometheus.Desc
}

func newPeerCollector(s *server) prometheus.Collector {
	labels := []string{"pub_key"}
	return &peerCollector{
		server: s,
		countDesc: prometheus.NewDesc(
			"hopd_peer_count",
			"Number of server peers.",
			nil, nil,
		),
		countByProtocolDesc: prometheus.NewDesc(
			"hopd_peer_count_by_protocol",
			"Number of server peers by protocol used for connection.",
			[]string{"protocol"}, nil,
		),
		pingDesc: prometheus.NewDesc(
			"hopd_peer_ping_by_peer",
			"Ping to peer in microseconds by peer.",
			labels, nil,
		),
		bytesSentDesc: prometheus.NewDesc(
			"hopd_peer_bytes_sent_by_peer",
			"Bytes sent to peer by peer.",
			labels, nil,
		),
		bytesRecvDesc: prometheus.NewDesc(
			"hopd_peer_bytes_recv_by_peer",
			"Bytes received from peer by peer.",
			labels, nil,
		),
	}
}

func (c *peerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.countDesc
	ch <- c.countByProtocolDesc
	ch <- c.pingDesc
	ch <- c.bytesSentDesc
	ch <- c.bytesRecvDesc
}

func (c *peerCollector) Collect(ch chan<- prometheus.Metric) {
	serverPeers := c.server.connMgr.Peers()

	ch <- prometheus.MustNewConstMetric(
		c.countDesc, prometheus.GaugeValue, float64(len(serverPeers)),
	)

	byProtocol := map[string]uint64{"ipv4": 0, "ipv6": 0, "unknown": 0}
	for _, serverPeer := range serverPeers {
		pub := serverPeer.PubKey()
		labelValues := []string{hex.EncodeToString(pub[:])}

		ping := serverPeer.PingTime().UnwrapOr(0)
		ch <- prometheus.MustNewConstMetric(
			c.pingDesc, prometheus.GaugeValue,
			float64(ping.Microseconds()), labelValues...,
		)
		ch <- prometheus.MustNewConstMetric(
			c.bytesSentDesc, prometheus.CounterValue,
			float64(serverPeer.BytesSent()), labelValues...,
		)
		ch <- prometheus.MustNewConstMetric(
			c.bytesRecvDesc, prometheus.CounterValue,
			float64(serverPeer.BytesReceived()), labelValues...,
		)

		byProtocol[addressType(serverPeer.Address())]++
	}

	for protocol, count := range byProtocol {
		ch <- prometheus.MustNewConstMetric(
			c.countByProtocolDesc, prometheus.GaugeValue,
			float64(count), protocol,
		)
	}
}

// graphCollector exports the size of the channel graph.
type graphCollector struct {
	server        *server
	nodeCountDesc *prometheus.Desc
	edgeCountDesc *prometheus.Desc
}

func newGraphCollector(s *server) prometheus.Collector {
	return &graphCollector{
		server: s,
		nodeCountDesc: prometheus.NewDesc(
			"hopd_graph_node_count",
			"What is the number of known nodes in the network.",
			nil, nil,
		),
		edgeCountDesc: prometheus.NewDesc(
			"hopd_graph_edge_count",
			"What is the number of known edges in the network.",
			nil, nil,
		),
	}
}

func (c *graphCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.nodeCountDesc
	ch <- c.edgeCountDesc
}

func (c *graphCollector) Collect(ch chan<- prometheus.Metric) {
	nodes := math.NaN()
	var numNodes uint64
	err := c.server.graph.ForEachNode(func(*lnwire.NodeAnnouncement) error {
		numNodes++
		return nil
	})
	if err == nil {
		nodes = float64(numNodes)
	}

	edges := math.NaN()
	var numEdges uint64
	err = c.server.graph.ForEachChannel(func(*channeldb.ChannelEdge) error {
		numEdges++
		return nil
	})
	if err == nil {
		edges = float64(numEdges)
	}

	ch <- prometheus.MustNewConstMetric(
		c.nodeCountDesc, prometheus.GaugeValue, nodes,
	)
	ch <- prometheus.MustNewConstMetric(
		c.edgeCountDesc, prometheus.GaugeValue, edges,
	)
}

// Custom collector, so we do not need to deal with closed channel garbage
// collection from metric vectors.
type channelsCollector struct {
	server                *server
	countByStateDesc      *prometheus.Desc
	localBalanceDesc      *prometheus.Desc
	remoteBalanceDesc     *prometheus.Desc
	capacityDesc          *prometheus.Desc
	totalMSatSentDesc     *prometheus.Desc
	totalMSatReceivedDesc *prometheus.Desc
	updatesCountDesc      *prometheus.Desc
	pendingHtlcsCountDesc *prometheus.Desc
}

func newChannelsCollector(s *server) prometheus.Collector {
	channelLabels := []string{"channel_id"}
	return &channelsCollector{
		server: s,
		countByStateDesc: prometheus.NewDesc(
			"hopd_channels_count_by_state",
			"Number of channels by state.",
			[]string{"state"}, nil),
		localBalanceDesc: prometheus.NewDesc(
			"hopd_channel_local_balance_by_channel",
			"Local balance of a channel in msat by channel.",
			channelLabels, nil),
		remoteBalanceDesc: prometheus.NewDesc(
			"hopd_channel_remote_balance_by_channel",
			"Remote balance of a channel in msat by channel.",
			channelLabels, nil),
		capacityDesc: prometheus.NewDesc(
			"hopd_channel_capacity_by_channel",
			"Capacity of the channel in satoshis by channel.",
			channelLabels, nil),
		totalMSatSentDesc: prometheus.NewDesc(
			"hopd_channel_msat_sent_by_channel",
			"Total sent in msat over channel by channel.",
			channelLabels, nil),
		totalMSatReceivedDesc: prometheus.NewDesc(
			"hopd_channel_msat_received_by_channel",
			"Total received in msat over channel by channel.",
			channelLabels, nil),
		updatesCountDesc: prometheus.NewDesc(
			"hopd_channel_updates_count_by_channel",
			"Local commit height by channel.",
			channelLabels, nil),
		pendingHtlcsCountDesc: prometheus.NewDesc(
			"hopd_channel_pending_htlcs_count_by_channel",
			"Local commit HTLCs count by channel.",
			channelLabels, nil),
	}
}

func (c *channelsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.countByStateDesc
	ch <- c.localBalanceDesc
	ch <- c.remoteBalanceDesc
	ch <- c.capacityDesc
	ch <- c.totalMSatSentDesc
	ch <- c.totalMSatReceivedDesc
	ch <- c.updatesCountDesc
	ch <- c.pendingHtlcsCountDesc
}

func (c *channelsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	infos, err := c.server.channels.Channels(ctx)
	if err != nil {
		srvrLog.Debugf("Unable to collect channel metrics: %v", err)
		return
	}

	byState := make(map[string]int)
	for _, info := range infos {
		byState[info.State]++

		snap := info.Snapshot
		if snap == nil {
			continue
		}

		labels := []string{snap.ChanID.String()}
		gauge := func(desc *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(
				desc, prometheus.GaugeValue, v, labels...,
			)
		}
		counter := func(desc *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(
				desc, prometheus.CounterValue, v, labels...,
			)
		}

		gauge(c.localBalanceDesc, float64(snap.LocalBalance))
		gauge(c.remoteBalanceDesc, float64(snap.RemoteBalance))
		gauge(c.capacityDesc, float64(snap.Capacity))
		counter(c.totalMSatSentDesc, float64(snap.TotalMSatSent))
		counter(c.totalMSatReceivedDesc, float64(snap.TotalMSatReceived))
		counter(c.updatesCountDesc, float64(snap.LocalCommitHeight))
		gauge(c.pendingHtlcsCountDesc, float64(len(snap.Htlcs)))
	}

	for state, count := range byState {
		ch <- prometheus.MustNewConstMetric(
			c.countByStateDesc, prometheus.GaugeValue,
			float64(count), state,
		)
	}
}
