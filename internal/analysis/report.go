package analysis

// Point is one (second, value) pair in a named time series. Second is a
// whole second since the Unix epoch.
type Point struct {
	Second int64   `json:"second"`
	Value  float64 `json:"value"`
}

// FlowBreakdown summarizes one flow for the per-flow section of the report.
type FlowBreakdown struct {
	Sent        uint64  `json:"sent"`
	Matched     uint64  `json:"matched"`
	LossRatePct float64 `json:"loss_rate_pct"`
	RTTMeanMS   float64 `json:"rtt_mean_ms"`
	RTTStdevMS  float64 `json:"rtt_stddev_ms"`
	RTTMinMS    float64 `json:"rtt_min_ms"`
	RTTMaxMS    float64 `json:"rtt_max_ms"`
	JitterMS    float64 `json:"jitter_ms"`
}

// Report is the analyzer's output contract: scalar metrics plus named time
// series, handed to an external renderer. No rendering logic lives here.
type Report struct {
	Metrics map[string]float64       `json:"metrics"`
	Series  map[string][]Point       `json:"series"`
	PerFlow map[uint32]FlowBreakdown `json:"per_flow,omitempty"`
}

// Metric and series names consumed by the renderer.
const (
	MetricRTTMean     = "rtt_mean_ms"
	MetricRTTStddev   = "rtt_stddev_ms"
	MetricRTTMin      = "rtt_min_ms"
	MetricRTTMax      = "rtt_max_ms"
	MetricRTTP95      = "rtt_p95_ms"
	MetricRTTP99      = "rtt_p99_ms"
	MetricJitter      = "jitter_ms"
	MetricLossRatePct = "packet_loss_rate_pct"
	MetricThroughput  = "throughput_mbps"

	SeriesThroughput = "throughput_series"
	SeriesLoss       = "loss_series"
)
