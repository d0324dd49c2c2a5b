// Package metrics exposes Prometheus counters and gauges for the
// coapstack daemon: frames sent/received/dropped per stack layer, NDP
// Solicitation/Advertisement counts, and CoAP exchange outcomes.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "coapstack"
	subsystem = "stack"
)

// Label names.
const (
	labelSession = "session"
	labelLayer   = "layer"
	labelStatus  = "status"
	labelOutcome = "outcome"
)

// Layer name constants, used as the labelLayer value.
const (
	LayerMAC  = "mac"
	LayerIPv6 = "ipv6"
	LayerUDP  = "udp"
	LayerCoAP = "coap"
)

// CoAP exchange outcome constants, used as the labelOutcome value, one
// per terminal transition of the client's request/response correlation.
const (
	OutcomeAck       = "ack"
	OutcomeReset     = "rst"
	OutcomePiggyback = "piggyback"
	OutcomeSeparate  = "separate"
	OutcomeTimeout   = "timeout"
)

// -------------------------------------------------------------------------
// Collector — Prometheus stack metrics
// -------------------------------------------------------------------------

// Collector holds all coapstack Prometheus metrics.
//
//   - Sessions tracks the number of currently configured stack sessions.
//   - FramesSent/FramesReceived/FramesDropped track traffic volume per
//     layer, including the EAGAIN rejections the retry loop burns.
//   - NDPSolicitations/NDPAdvertisements count the embedded Neighbor
//     Discovery responder's activity.
//   - CoAPExchanges counts request/response outcomes (ACK, RST,
//     piggybacked, separate response, timeout).
type Collector struct {
	Sessions *prometheus.GaugeVec

	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec

	NDPSolicitations  *prometheus.CounterVec
	NDPAdvertisements *prometheus.CounterVec

	CoAPExchanges *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against
// the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.FramesSent,
		c.FramesReceived,
		c.FramesDropped,
		c.NDPSolicitations,
		c.NDPAdvertisements,
		c.CoAPExchanges,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	sessionLabels := []string{labelSession}
	layerLabels := []string{labelSession, labelLayer}
	droppedLabels := []string{labelSession, labelLayer, labelStatus}
	outcomeLabels := []string{labelSession, labelOutcome}

	return &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently configured coapstack sessions.",
		}, sessionLabels),

		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_sent_total",
			Help:      "Total frames transmitted, per layer.",
		}, layerLabels),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_received_total",
			Help:      "Total frames accepted on receive, per layer.",
		}, layerLabels),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_dropped_total",
			Help:      "Total frames rejected on receive, per layer and status.",
		}, droppedLabels),

		NDPSolicitations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ndp_solicitations_total",
			Help:      "Total Neighbor Solicitations observed by the IPv6 layer's NDP responder.",
		}, sessionLabels),

		NDPAdvertisements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ndp_advertisements_sent_total",
			Help:      "Total Neighbor Advertisements emitted by the IPv6 layer's NDP responder.",
		}, sessionLabels),

		CoAPExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "coap_exchanges_total",
			Help:      "Total CoAP exchange outcomes, per classification (ack/rst/piggyback/separate/timeout).",
		}, outcomeLabels),
	}
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// RegisterSession sets the sessions gauge for the given session name to 1.
func (c *Collector) RegisterSession(session string) {
	c.Sessions.WithLabelValues(session).Set(1)
}

// UnregisterSession sets the sessions gauge for the given session name
// back to 0 (the label series is kept, not deleted, so a dashboard query
// over time still shows the gap rather than a missing series).
func (c *Collector) UnregisterSession(session string) {
	c.Sessions.WithLabelValues(session).Set(0)
}

// -------------------------------------------------------------------------
// Frame Counters
// -------------------------------------------------------------------------

// IncFramesSent increments the transmitted-frame counter for the given
// session and layer.
func (c *Collector) IncFramesSent(session, layer string) {
	c.FramesSent.WithLabelValues(session, layer).Inc()
}

// IncFramesReceived increments the accepted-frame counter for the given
// session and layer.
func (c *Collector) IncFramesReceived(session, layer string) {
	c.FramesReceived.WithLabelValues(session, layer).Inc()
}

// IncFramesDropped increments the dropped-frame counter for the given
// session, layer and Status string (e.g. "EAGAIN", "EPROTO").
func (c *Collector) IncFramesDropped(session, layer, status string) {
	c.FramesDropped.WithLabelValues(session, layer, status).Inc()
}

// -------------------------------------------------------------------------
// NDP
// -------------------------------------------------------------------------

// IncNDPSolicitation increments the Neighbor Solicitation counter for the
// given session.
func (c *Collector) IncNDPSolicitation(session string) {
	c.NDPSolicitations.WithLabelValues(session).Inc()
}

// IncNDPAdvertisement increments the Neighbor Advertisement counter for
// the given session.
func (c *Collector) IncNDPAdvertisement(session string) {
	c.NDPAdvertisements.WithLabelValues(session).Inc()
}

// -------------------------------------------------------------------------
// CoAP
// -------------------------------------------------------------------------

// IncCoAPExchange increments the exchange-outcome counter for the given
// session and outcome (one of the Outcome* constants).
func (c *Collector) IncCoAPExchange(session, outcome string) {
	c.CoAPExchanges.WithLabelValues(session, outcome).Inc()
}
