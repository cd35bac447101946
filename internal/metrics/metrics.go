package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"UDPulse/internal/model"
)

// Collector exposes the aggregator's cumulative counters as Prometheus
// metrics. It implements model.SnapshotSink, so it is updated on the same
// periodic tick as every other sink.
type Collector struct {
	registry *prometheus.Registry

	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	packetsLost     *prometheus.CounterVec
	unmatched       *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	bytesTotal      *prometheus.CounterVec

	rttMean   prometheus.Gauge
	rttStddev prometheus.Gauge
	mbps      prometheus.Gauge
	pps       prometheus.Gauge

	// last published totals, used to derive counter deltas per flow
	last map[uint32]model.FlowCounters
}

// NewCollector builds and registers the metric set on a private registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		last:     make(map[uint32]model.FlowCounters),
	}

	counter := func(name, help string) *prometheus.CounterVec {
		v := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "udpulse",
			Name:      name,
			Help:      help,
		}, []string{"flow"})
		c.registry.MustRegister(v)
		return v
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "udpulse",
			Name:      name,
			Help:      help,
		})
		c.registry.MustRegister(g)
		return g
	}

	c.packetsSent = counter("packets_sent_total", "Requests transmitted.")
	c.packetsReceived = counter("packets_received_total", "Datagrams received and decoded.")
	c.packetsLost = counter("packets_lost_total", "Pending requests evicted unanswered.")
	c.unmatched = counter("unmatched_responses_total", "Responses with no live pending entry.")
	c.decodeErrors = counter("decode_errors_total", "Datagrams that failed header parsing.")
	c.bytesTotal = counter("bytes_total", "Payload bytes sent or received.")

	c.rttMean = gauge("rtt_mean_ms", "Mean RTT over the last stats window.")
	c.rttStddev = gauge("rtt_stddev_ms", "RTT standard deviation over the last stats window.")
	c.mbps = gauge("throughput_mbps", "Throughput over the last stats window.")
	c.pps = gauge("packets_per_second", "Packet rate over the last stats window.")

	return c
}

// Registry returns the private registry for the HTTP handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Publish folds one snapshot into the metric set. Counters advance by the
// delta against the previously published totals, so restarts of the scrape
// endpoint never double-count.
func (c *Collector) Publish(snap *model.Snapshot) error {
	for id, cur := range snap.PerFlow {
		prev := c.last[id]
		label := strconv.FormatUint(uint64(id), 10)

		c.packetsSent.WithLabelValues(label).Add(float64(cur.Sent - prev.Sent))
		c.packetsReceived.WithLabelValues(label).Add(float64(cur.Received - prev.Received))
		c.packetsLost.WithLabelValues(label).Add(float64(cur.Evicted - prev.Evicted))
		c.unmatched.WithLabelValues(label).Add(float64(cur.Unmatched - prev.Unmatched))
		c.decodeErrors.WithLabelValues(label).Add(float64(cur.DecodeErrors - prev.DecodeErrors))
		c.bytesTotal.WithLabelValues(label).Add(float64(cur.Bytes - prev.Bytes))

		c.last[id] = cur
	}

	c.rttMean.Set(snap.RTTMeanMS)
	c.rttStddev.Set(snap.RTTStdevMS)
	c.mbps.Set(snap.Mbps)
	c.pps.Set(snap.PacketsPS)
	return nil
}

// Close implements model.SnapshotSink; nothing to release.
func (c *Collector) Close() {}
