package analysis

import (
	"math"
	"reflect"
	"strings"
	"testing"
)

func makeSend(flow uint32, seq uint64, t float64, size int) SendEvent {
	return SendEvent{FlowID: flow, Seq: seq, SendTime: t, PacketSize: size}
}

func makeRecv(flow uint32, seq uint64, sendT, rttMS float64) ReceiveEvent {
	recvT := sendT + rttMS/1000
	return ReceiveEvent{
		FlowID:        flow,
		Seq:           seq,
		SendTime:      sendT,
		ResponderTime: sendT + rttMS/2000,
		ReceiveTime:   recvT,
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestAnalyzeJitter(t *testing.T) {
	// Consecutive RTTs 10, 12, 11, 15 ms give absolute deltas 2, 1, 4
	// and a mean of 7/3 ms.
	sends := []SendEvent{
		makeSend(0, 1, 100.0, 1000),
		makeSend(0, 2, 100.1, 1000),
		makeSend(0, 3, 100.2, 1000),
		makeSend(0, 4, 100.3, 1000),
	}
	receives := []ReceiveEvent{
		makeRecv(0, 1, 100.0, 10),
		makeRecv(0, 2, 100.1, 12),
		makeRecv(0, 3, 100.2, 11),
		makeRecv(0, 4, 100.3, 15),
	}
	report, err := Analyze(sends, receives)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	want := 7.0 / 3.0
	if got := report.Metrics[MetricJitter]; !almostEqual(got, want) {
		t.Errorf("jitter = %v, want %v", got, want)
	}
}

func TestAnalyzeJitterDoesNotCrossFlows(t *testing.T) {
	// Flow 0 has constant 10ms RTT, flow 1 constant 50ms. Mixing flows
	// into one delta chain would report a huge jitter; per-flow it is 0.
	sends := []SendEvent{
		makeSend(0, 1, 100.0, 1000),
		makeSend(1, 1, 100.05, 1000),
		makeSend(0, 2, 100.1, 1000),
		makeSend(1, 2, 100.15, 1000),
	}
	receives := []ReceiveEvent{
		makeRecv(0, 1, 100.0, 10),
		makeRecv(1, 1, 100.05, 50),
		makeRecv(0, 2, 100.1, 10),
		makeRecv(1, 2, 100.15, 50),
	}
	report, err := Analyze(sends, receives)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if got := report.Metrics[MetricJitter]; got != 0 {
		t.Errorf("jitter = %v, want 0", got)
	}
}

func TestAnalyzeLossAndRTT(t *testing.T) {
	sends := []SendEvent{
		makeSend(0, 1, 100.0, 1200),
		makeSend(0, 2, 100.2, 1200),
		makeSend(0, 3, 100.4, 1200),
		makeSend(0, 4, 100.6, 1200),
	}
	// Sequence 3 got no response.
	receives := []ReceiveEvent{
		makeRecv(0, 1, 100.0, 10),
		makeRecv(0, 2, 100.2, 20),
		makeRecv(0, 4, 100.6, 30),
	}
	report, err := Analyze(sends, receives)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if got := report.Metrics[MetricLossRatePct]; !almostEqual(got, 25) {
		t.Errorf("loss = %v, want 25", got)
	}
	if got := report.Metrics[MetricRTTMean]; !almostEqual(got, 20) {
		t.Errorf("rtt mean = %v, want 20", got)
	}
	if got := report.Metrics[MetricRTTMin]; !almostEqual(got, 10) {
		t.Errorf("rtt min = %v, want 10", got)
	}
	if got := report.Metrics[MetricRTTMax]; !almostEqual(got, 30) {
		t.Errorf("rtt max = %v, want 30", got)
	}
	bd, ok := report.PerFlow[0]
	if !ok {
		t.Fatal("missing per-flow breakdown for flow 0")
	}
	if bd.Sent != 4 || bd.Matched != 3 {
		t.Errorf("flow 0 sent/matched = %d/%d, want 4/3", bd.Sent, bd.Matched)
	}
}

func TestAnalyzeIgnoresUnmatchedReceives(t *testing.T) {
	sends := []SendEvent{makeSend(0, 1, 100.0, 1000)}
	receives := []ReceiveEvent{
		makeRecv(0, 1, 100.0, 10),
		makeRecv(0, 99, 100.5, 10), // never sent
		makeRecv(7, 1, 100.0, 10),  // wrong flow
	}
	report, err := Analyze(sends, receives)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if got := report.Metrics[MetricLossRatePct]; got != 0 {
		t.Errorf("loss = %v, want 0", got)
	}
	if bd := report.PerFlow[0]; bd.Matched != 1 {
		t.Errorf("matched = %d, want 1", bd.Matched)
	}
}

func TestAnalyzeSeriesUnionReindex(t *testing.T) {
	// Sends in seconds 100 and 102, nothing in 101. The union reindex
	// must not produce a point for 101 (no events observed there), but
	// every observed second appears in both series.
	sends := []SendEvent{
		makeSend(0, 1, 100.1, 1000),
		makeSend(0, 2, 100.5, 1000),
		makeSend(0, 3, 102.2, 1000),
	}
	receives := []ReceiveEvent{
		makeRecv(0, 1, 100.1, 10),
		makeRecv(0, 2, 100.5, 10),
	}
	report, err := Analyze(sends, receives)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	tp := report.Series[SeriesThroughput]
	loss := report.Series[SeriesLoss]
	if len(tp) != 2 || len(loss) != 2 {
		t.Fatalf("series lengths = %d/%d, want 2/2", len(tp), len(loss))
	}
	if tp[0].Second != 100 || tp[1].Second != 102 {
		t.Errorf("throughput seconds = %d,%d, want 100,102", tp[0].Second, tp[1].Second)
	}
	if !almostEqual(tp[0].Value, 2000*8/1e6) {
		t.Errorf("throughput[100] = %v, want %v", tp[0].Value, 2000*8/1e6)
	}
	if !almostEqual(loss[0].Value, 0) {
		t.Errorf("loss[100] = %v, want 0", loss[0].Value)
	}
	if !almostEqual(loss[1].Value, 100) {
		t.Errorf("loss[102] = %v, want 100", loss[1].Value)
	}
}

func TestAnalyzeIsPure(t *testing.T) {
	sends := []SendEvent{
		makeSend(0, 1, 100.0, 1000),
		makeSend(1, 1, 100.1, 1000),
		makeSend(0, 2, 100.2, 1000),
	}
	receives := []ReceiveEvent{
		makeRecv(0, 1, 100.0, 12),
		makeRecv(1, 1, 100.1, 34),
	}
	first, err := Analyze(sends, receives)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	second, err := Analyze(sends, receives)
	if err != nil {
		t.Fatalf("Analyze (second run): %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("running the analyzer twice produced different reports")
	}
}

func TestAnalyzeEmptySends(t *testing.T) {
	if _, err := Analyze(nil, nil); err == nil {
		t.Fatal("expected error for empty send log")
	}
}

func TestPercentile(t *testing.T) {
	sorted := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	if got := percentile(sorted, 0.95); !almostEqual(got, 95.5) {
		t.Errorf("p95 = %v, want 95.5", got)
	}
	if got := percentile(sorted, 0.5); !almostEqual(got, 55) {
		t.Errorf("p50 = %v, want 55", got)
	}
	if got := percentile([]float64{42}, 0.99); got != 42 {
		t.Errorf("p99 of single sample = %v, want 42", got)
	}
}

func TestReadSendLogSkipsBadRows(t *testing.T) {
	in := strings.NewReader(
		"timestamp,flow_id,sequence_number,send_time,packet_size\n" +
			"2026-01-02T15:04:05Z,0,1,100.000000,1200\n" +
			"2026-01-02T15:04:05Z,0,bogus,100.001000,1200\n" +
			"2026-01-02T15:04:05Z,0,2,100.00\n" + // truncated row
			"2026-01-02T15:04:05Z,1,3,100.002000,1200\n")
	events, err := ReadSendLog(in)
	if err != nil {
		t.Fatalf("ReadSendLog: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("parsed %d events, want 2", len(events))
	}
	if events[0].Seq != 1 || events[1].FlowID != 1 {
		t.Errorf("unexpected events: %+v", events)
	}
}

func TestReadReceiveLog(t *testing.T) {
	in := strings.NewReader(
		"timestamp,flow_id,sequence_number,send_time,responder_time,receive_time,rtt_ms\n" +
			"2026-01-02T15:04:05Z,0,1,100.000000,100.005000,100.010000,10.000\n")
	events, err := ReadReceiveLog(in)
	if err != nil {
		t.Fatalf("ReadReceiveLog: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("parsed %d events, want 1", len(events))
	}
	e := events[0]
	if e.Seq != 1 || !almostEqual(e.ReceiveTime, 100.01) {
		t.Errorf("unexpected event: %+v", e)
	}
}
