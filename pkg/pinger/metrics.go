package pinger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricNameProbesSent       = "udppinger_probes_sent_total"
	MetricNameProbesReceived   = "udppinger_probes_received_total"
	MetricNameSendErrors       = "udppinger_send_errors_total"
	MetricNameUnknownSource    = "udppinger_unknown_source_total"
	MetricNameQueueOverflow    = "udppinger_queue_overflow_total"
	MetricNameMissingPorts     = "udppinger_missing_ports"
	MetricNameSweepDuration    = "udppinger_sweep_duration_seconds"
	MetricNameNetworkLossRatio = "udppinger_network_loss_ratio"
	MetricNameNetworkRTTP90    = "udppinger_network_rtt_p90_seconds"

	LabelNetwork = "network"
)

// Collector is the set of counters and gauges a running daemon publishes.
// It is constructed once per process, not per sweep — sweeps call Record*
// methods as they complete.
type Collector struct {
	ProbesSent       prometheus.Counter
	ProbesReceived   prometheus.Counter
	SendErrors       prometheus.Counter
	UnknownSource    prometheus.Counter
	QueueOverflow    prometheus.Counter
	MissingPorts     prometheus.Gauge
	SweepDuration    prometheus.Histogram
	NetworkLossRatio *prometheus.GaugeVec
	NetworkRTTP90    *prometheus.GaugeVec
}

// NewCollector registers the prober's metrics with the default Prometheus
// registry via promauto, following the naming convention used throughout
// the rest of this fleet's telemetry agents.
func NewCollector() *Collector {
	return &Collector{
		ProbesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: MetricNameProbesSent,
			Help: "Total probes successfully handed to sendto across all sweeps.",
		}),
		ProbesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: MetricNameProbesReceived,
			Help: "Total valid replies recorded across all sweeps.",
		}),
		SendErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: MetricNameSendErrors,
			Help: "Total per-packet sendto failures.",
		}),
		UnknownSource: promauto.NewCounter(prometheus.CounterOpts{
			Name: MetricNameUnknownSource,
			Help: "Total replies dropped for arriving from an address outside the sweep's target set.",
		}),
		QueueOverflow: promauto.NewCounter(prometheus.CounterOpts{
			Name: MetricNameQueueOverflow,
			Help: "Total samples dropped because a receiver's notification queue was full.",
		}),
		MissingPorts: promauto.NewGauge(prometheus.GaugeOpts{
			Name: MetricNameMissingPorts,
			Help: "Number of source ports that failed to bind during the most recent sweep.",
		}),
		SweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricNameSweepDuration,
			Help:    "Wall-clock duration of a sweep, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		NetworkLossRatio: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricNameNetworkLossRatio,
			Help: "Loss ratio of the most recent sweep, per network.",
		}, []string{LabelNetwork}),
		NetworkRTTP90: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricNameNetworkRTTP90,
			Help: "p90 RTT of the most recent sweep, per network, in seconds.",
		}, []string{LabelNetwork}),
	}
}

// RecordSweep publishes a completed sweep's results. It is intentionally
// forgetful: it overwrites the gauge for each network rather than
// accumulating, since only the most recent sweep's state matters for
// alerting.
func (m *Collector) RecordSweep(results UdpTestResults, duration float64) {
	m.SweepDuration.Observe(duration)
	for _, r := range results.NetworkResults {
		m.NetworkLossRatio.WithLabelValues(r.Metadata.DstTarget.Network).Set(r.Metrics.LossRatio)
		m.NetworkRTTP90.WithLabelValues(r.Metadata.DstTarget.Network).Set(r.Metrics.RTTP90.Seconds())
	}
	for _, r := range results.HostResults {
		m.ProbesSent.Add(float64(r.Metrics.NumXmit))
		m.ProbesReceived.Add(float64(r.Metrics.NumRecv))
	}
}
