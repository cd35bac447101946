package model

import (
	"time"
)

// Role determines which side of the exchange a flow endpoint plays.
type Role string

const (
	// RoleOriginator paces requests onto the wire and matches responses.
	RoleOriginator Role = "originator"
	// RoleResponder echoes every request immediately with its own timestamp.
	RoleResponder Role = "responder"
)

// FlowSpec describes one independently paced packet stream.
type FlowSpec struct {
	ID         uint32
	Role       Role
	BitrateBps float64 // target bitrate, bits per second
	PacketSize int     // on-wire datagram size in bytes, including header
	Duration   time.Duration
}

// Sample is one resolved request/response pair. Samples are append-only and
// never mutated after creation.
type Sample struct {
	FlowID        uint32
	Sequence      uint64
	SendTime      float64 // seconds since epoch
	ResponderTime float64
	ReceiveTime   float64
	RTT           time.Duration
}

// RTTMillis returns the round-trip time in milliseconds.
func (s *Sample) RTTMillis() float64 {
	return float64(s.RTT.Microseconds()) / 1000
}

// EventKind classifies an engine event delivered to the stats aggregator.
type EventKind int

const (
	// EventSent is emitted once per transmitted request.
	EventSent EventKind = iota
	// EventSample is emitted when a response resolves a pending request.
	EventSample
	// EventLoss is emitted when a pending request is evicted unanswered.
	EventLoss
	// EventUnmatched is emitted for a response with no live pending entry.
	EventUnmatched
	// EventDecodeError is emitted for a datagram that fails header parsing.
	EventDecodeError
	// EventReceived is emitted by a responder once per decoded request.
	EventReceived
	// EventReordered is emitted when a request arrives with a sequence number
	// lower than the last one seen from the same source.
	EventReordered
	// EventDegraded marks a flow that terminated early after repeated
	// consecutive socket errors.
	EventDegraded
)

// Event is the single message type flowing from flow endpoints to the stats
// aggregator. Per-flow state stays owned by its endpoint goroutines; only
// these resolved events cross the boundary.
type Event struct {
	Kind   EventKind
	FlowID uint32
	Seq    uint64
	Bytes  int
	Sample *Sample // set for EventSample only
}

// FlowCounters holds the counters for one flow, or for the whole run when
// used as an aggregate.
type FlowCounters struct {
	Sent         uint64  `json:"sent"`
	Received     uint64  `json:"received"`
	Matched      uint64  `json:"matched"`
	Evicted      uint64  `json:"evicted"`
	Unmatched    uint64  `json:"unmatched"`
	DecodeErrors uint64  `json:"decode_errors"`
	Reordered    uint64  `json:"reordered"`
	Bytes        uint64  `json:"bytes"`
	RTTSumMS     float64 `json:"rtt_sum_ms"`
	RTTSumSqMS   float64 `json:"rtt_sum_sq_ms"`
	RTTMinMS     float64 `json:"rtt_min_ms"`
	RTTMaxMS     float64 `json:"rtt_max_ms"`
	LastSeq      uint64  `json:"last_seq"`
	SeenSeq      bool    `json:"-"`
	Degraded     bool    `json:"degraded"`
}

// InFlight returns the number of pendings not yet resolved either way.
// Together with Matched and Evicted it accounts for every Sent packet.
func (c *FlowCounters) InFlight() uint64 {
	return c.Sent - c.Matched - c.Evicted
}

// Snapshot is one aggregation window emitted by the stats aggregator.
// Window counters reset after each snapshot; Totals accumulate for the run.
type Snapshot struct {
	Timestamp  time.Time               `json:"timestamp"`
	Elapsed    time.Duration           `json:"elapsed"`
	PacketsPS  float64                 `json:"packets_per_sec"`
	Mbps       float64                 `json:"mbps"`
	RTTMeanMS  float64                 `json:"rtt_mean_ms"`
	RTTStdevMS float64                 `json:"rtt_stddev_ms"`
	Window     FlowCounters            `json:"window"`
	Totals     FlowCounters            `json:"totals"`
	PerFlow    map[uint32]FlowCounters `json:"per_flow"`
}

// SampleWriter persists resolved samples to some store.
type SampleWriter interface {
	// WriteSample appends one sample. Implementations must tolerate
	// concurrent callers.
	WriteSample(s *Sample) error
	Close() error
}

// SnapshotSink consumes periodic aggregation snapshots.
type SnapshotSink interface {
	Publish(snap *Snapshot) error
	Close()
}
