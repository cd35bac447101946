package record

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"UDPulse/internal/model"
)

// The engine persists two disjoint append-only logs on the originator side
// and one on the responder side. Records are never rewritten in place to
// patch late-arriving fields; the offline analyzer joins the logs by
// (flow_id, sequence_number) instead.

// Column layouts, consumed by the offline analyzer.
var (
	SendLogHeader = []string{"timestamp", "flow_id", "sequence_number", "send_time", "packet_size"}

	ReceiveLogHeader = []string{"timestamp", "flow_id", "sequence_number", "send_time",
		"responder_time", "receive_time", "rtt_ms"}

	ResponderLogHeader = []string{"timestamp", "source", "sequence_number", "peer_send_time",
		"local_receive_time", "payload_length"}
)

// csvLog is a mutex-guarded CSV appender. The lock covers a full record so
// concurrent flows never interleave partial lines on a shared stream.
type csvLog struct {
	mu sync.Mutex
	w  *csv.Writer
	c  io.Closer
}

func newCSVLog(w io.Writer, header []string) (*csvLog, error) {
	l := &csvLog{w: csv.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		l.c = c
	}
	if err := l.append(header); err != nil {
		return nil, fmt.Errorf("failed to write log header: %w", err)
	}
	return l, nil
}

func (l *csvLog) append(record []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Write(record); err != nil {
		return err
	}
	l.w.Flush()
	return l.w.Error()
}

func (l *csvLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Flush()
	if l.c != nil {
		return l.c.Close()
	}
	return l.w.Error()
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// SendLog records one row per transmitted request.
type SendLog struct {
	*csvLog
}

// NewSendLog wraps an already-open sink. The caller owns directory and file
// creation; the core only appends.
func NewSendLog(w io.Writer) (*SendLog, error) {
	l, err := newCSVLog(w, SendLogHeader)
	if err != nil {
		return nil, err
	}
	return &SendLog{l}, nil
}

// Append records a transmission.
func (l *SendLog) Append(ts time.Time, flowID uint32, seq uint64, sendTime float64, packetSize int) error {
	return l.append([]string{
		ts.Format(time.RFC3339Nano),
		strconv.FormatUint(uint64(flowID), 10),
		strconv.FormatUint(seq, 10),
		formatSeconds(sendTime),
		strconv.Itoa(packetSize),
	})
}

// ReceiveLog records one row per matched response on the originator side.
type ReceiveLog struct {
	*csvLog
}

// NewReceiveLog wraps an already-open sink.
func NewReceiveLog(w io.Writer) (*ReceiveLog, error) {
	l, err := newCSVLog(w, ReceiveLogHeader)
	if err != nil {
		return nil, err
	}
	return &ReceiveLog{l}, nil
}

// WriteSample appends one resolved sample. Implements model.SampleWriter.
func (l *ReceiveLog) WriteSample(s *model.Sample) error {
	return l.append([]string{
		time.Now().Format(time.RFC3339Nano),
		strconv.FormatUint(uint64(s.FlowID), 10),
		strconv.FormatUint(s.Sequence, 10),
		formatSeconds(s.SendTime),
		formatSeconds(s.ResponderTime),
		formatSeconds(s.ReceiveTime),
		strconv.FormatFloat(s.RTTMillis(), 'f', 3, 64),
	})
}

// ResponderLog records one row per decoded request on the responder side.
type ResponderLog struct {
	*csvLog
}

// NewResponderLog wraps an already-open sink.
func NewResponderLog(w io.Writer) (*ResponderLog, error) {
	l, err := newCSVLog(w, ResponderLogHeader)
	if err != nil {
		return nil, err
	}
	return &ResponderLog{l}, nil
}

// Append records a request arrival.
func (l *ResponderLog) Append(ts time.Time, source string, seq uint64, peerSendTime, localReceiveTime float64, payloadLen int) error {
	return l.append([]string{
		ts.Format(time.RFC3339Nano),
		source,
		strconv.FormatUint(seq, 10),
		formatSeconds(peerSendTime),
		formatSeconds(localReceiveTime),
		strconv.Itoa(payloadLen),
	})
}
