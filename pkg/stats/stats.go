// Package stats exposes transport utilization counters as Prometheus
// metrics. One Stats value is shared by every circuit of a network
// manager; tests pass their own registry to avoid duplicate
// registration.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gridlink"

// Stats aggregates transport counters across circuits.
type Stats struct {
	packetsIn  prometheus.Counter
	packetsOut prometheus.Counter
	bytesIn    prometheus.Counter
	bytesOut   prometheus.Counter

	resends          prometheus.Counter
	deliveryFailures prometheus.Counter
	duplicatesIn     prometheus.Counter
	acksSent         prometheus.Counter
	acksReceived     prometheus.Counter
	decodeErrors     prometheus.Counter

	activeCircuits prometheus.Gauge
	pingRTT        prometheus.Histogram
}

// New registers the transport metrics on reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Stats {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Stats{
		packetsIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_in_total",
			Help:      "Total datagrams received across all circuits",
		}),
		packetsOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_out_total",
			Help:      "Total datagrams sent across all circuits",
		}),
		bytesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_in_total",
			Help:      "Total bytes received across all circuits",
		}),
		bytesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_out_total",
			Help:      "Total bytes sent across all circuits",
		}),
		resends: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resends_total",
			Help:      "Reliable packets retransmitted after ack timeout",
		}),
		deliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Reliable packets abandoned after exhausting retries",
		}),
		duplicatesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_in_total",
			Help:      "Inbound packets discarded as already seen",
		}),
		acksSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_sent_total",
			Help:      "Acknowledgements sent, appended or dedicated",
		}),
		acksReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_received_total",
			Help:      "Acknowledgements received for our reliable packets",
		}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound datagrams dropped as malformed",
		}),
		activeCircuits: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_circuits",
			Help:      "Circuits currently open",
		}),
		pingRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ping_rtt_seconds",
			Help:      "Round trip time measured by ping checks",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
}

func (s *Stats) PacketIn(bytes int) {
	if s == nil {
		return
	}
	s.packetsIn.Inc()
	s.bytesIn.Add(float64(bytes))
}

func (s *Stats) PacketOut(bytes int) {
	if s == nil {
		return
	}
	s.packetsOut.Inc()
	s.bytesOut.Add(float64(bytes))
}

func (s *Stats) Resend() {
	if s != nil {
		s.resends.Inc()
	}
}

func (s *Stats) DeliveryFailure() {
	if s != nil {
		s.deliveryFailures.Inc()
	}
}

func (s *Stats) DuplicateIn() {
	if s != nil {
		s.duplicatesIn.Inc()
	}
}

func (s *Stats) AcksSent(n int) {
	if s != nil {
		s.acksSent.Add(float64(n))
	}
}

func (s *Stats) AcksReceived(n int) {
	if s != nil {
		s.acksReceived.Add(float64(n))
	}
}

func (s *Stats) DecodeError() {
	if s != nil {
		s.decodeErrors.Inc()
	}
}

func (s *Stats) CircuitOpened() {
	if s != nil {
		s.activeCircuits.Inc()
	}
}

func (s *Stats) CircuitClosed() {
	if s != nil {
		s.activeCircuits.Dec()
	}
}

func (s *Stats) PingRTT(seconds float64) {
	if s != nil {
		s.pingRTT.Observe(seconds)
	}
}
