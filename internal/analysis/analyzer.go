package analysis

import (
	"encoding/csv"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// SendEvent is one row of the originator's send log.
type SendEvent struct {
	FlowID     uint32
	Seq        uint64
	SendTime   float64
	PacketSize int
}

// ReceiveEvent is one row of the originator's matched-response log.
type ReceiveEvent struct {
	FlowID        uint32
	Seq           uint64
	SendTime      float64
	ResponderTime float64
	ReceiveTime   float64
}

// ReadSendLog parses a send log. Rows that fail to parse are skipped so a
// truncated final line from an interrupted run does not void the analysis.
func ReadSendLog(r io.Reader) ([]SendEvent, error) {
	rows, err := readRows(r, 5)
	if err != nil {
		return nil, err
	}
	events := make([]SendEvent, 0, len(rows))
	for _, row := range rows {
		flowID, err1 := strconv.ParseUint(row[1], 10, 32)
		seq, err2 := strconv.ParseUint(row[2], 10, 64)
		sendTime, err3 := strconv.ParseFloat(row[3], 64)
		size, err4 := strconv.Atoi(row[4])
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		events = append(events, SendEvent{
			FlowID:     uint32(flowID),
			Seq:        seq,
			SendTime:   sendTime,
			PacketSize: size,
		})
	}
	return events, nil
}

// ReadReceiveLog parses a matched-response log. The stored rtt_ms column is
// ignored; the analyzer recomputes RTT from the raw timestamps.
func ReadReceiveLog(r io.Reader) ([]ReceiveEvent, error) {
	rows, err := readRows(r, 7)
	if err != nil {
		return nil, err
	}
	events := make([]ReceiveEvent, 0, len(rows))
	for _, row := range rows {
		flowID, err1 := strconv.ParseUint(row[1], 10, 32)
		seq, err2 := strconv.ParseUint(row[2], 10, 64)
		sendTime, err3 := strconv.ParseFloat(row[3], 64)
		respTime, err4 := strconv.ParseFloat(row[4], 64)
		recvTime, err5 := strconv.ParseFloat(row[5], 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
			continue
		}
		events = append(events, ReceiveEvent{
			FlowID:        uint32(flowID),
			Seq:           seq,
			SendTime:      sendTime,
			ResponderTime: respTime,
			ReceiveTime:   recvTime,
		})
	}
	return events, nil
}

func readRows(r io.Reader, fields int) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	all, err := cr.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "read csv")
	}
	rows := make([][]string, 0, len(all))
	for i, row := range all {
		if i == 0 && len(row) > 0 && row[0] == "timestamp" {
			continue
		}
		if len(row) != fields {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

type flowKey struct {
	flow uint32
	seq  uint64
}

type matchedSample struct {
	flow  uint32
	seq   uint64
	sec   int64 // second the request was sent
	rttMS float64
}

// Analyze joins send and receive events by (flow, sequence) and derives the
// report. It is a pure function of its inputs: running it twice over the same
// logs yields identical reports, and the inputs are never modified.
func Analyze(sends []SendEvent, receives []ReceiveEvent) (*Report, error) {
	if len(sends) == 0 {
		return nil, errors.New("analyze: no send events")
	}

	sendBySeq := make(map[flowKey]SendEvent, len(sends))
	for _, s := range sends {
		sendBySeq[flowKey{s.FlowID, s.Seq}] = s
	}

	pairs := make([]matchedSample, 0, len(receives))
	matchedPerFlow := make(map[uint32]uint64)
	matchedPerSec := make(map[int64]uint64)
	for _, rcv := range receives {
		snd, ok := sendBySeq[flowKey{rcv.FlowID, rcv.Seq}]
		if !ok {
			continue
		}
		rtt := (rcv.ReceiveTime - snd.SendTime) * 1000
		if rtt < 0 {
			continue
		}
		sec := int64(math.Floor(snd.SendTime))
		pairs = append(pairs, matchedSample{rcv.FlowID, rcv.Seq, sec, rtt})
		matchedPerFlow[rcv.FlowID]++
		matchedPerSec[sec]++
	}

	sentPerFlow := make(map[uint32]uint64)
	sentPerSec := make(map[int64]uint64)
	bytesPerSec := make(map[int64]uint64)
	var totalBytes uint64
	minSend, maxSend := sends[0].SendTime, sends[0].SendTime
	for _, s := range sends {
		sentPerFlow[s.FlowID]++
		sec := int64(math.Floor(s.SendTime))
		sentPerSec[sec]++
		bytesPerSec[sec] += uint64(s.PacketSize)
		totalBytes += uint64(s.PacketSize)
		if s.SendTime < minSend {
			minSend = s.SendTime
		}
		if s.SendTime > maxSend {
			maxSend = s.SendTime
		}
	}

	rtts := make([]float64, len(pairs))
	for i, p := range pairs {
		rtts[i] = p.rttMS
	}
	sort.Float64s(rtts)

	report := &Report{
		Metrics: make(map[string]float64),
		Series:  make(map[string][]Point),
		PerFlow: make(map[uint32]FlowBreakdown),
	}

	mean, stddev := meanStddev(rtts)
	report.Metrics[MetricRTTMean] = mean
	report.Metrics[MetricRTTStddev] = stddev
	if len(rtts) > 0 {
		report.Metrics[MetricRTTMin] = rtts[0]
		report.Metrics[MetricRTTMax] = rtts[len(rtts)-1]
	} else {
		report.Metrics[MetricRTTMin] = 0
		report.Metrics[MetricRTTMax] = 0
	}
	report.Metrics[MetricRTTP95] = percentile(rtts, 0.95)
	report.Metrics[MetricRTTP99] = percentile(rtts, 0.99)
	report.Metrics[MetricJitter] = jitter(pairs)
	report.Metrics[MetricLossRatePct] = lossPct(uint64(len(sends)), uint64(len(pairs)))

	elapsed := maxSend - minSend
	if elapsed > 0 {
		report.Metrics[MetricThroughput] = float64(totalBytes) * 8 / elapsed / 1e6
	} else {
		report.Metrics[MetricThroughput] = 0
	}

	// Both series are reindexed onto the union of observed seconds so that
	// seconds with no traffic on one side still produce a zero point.
	seconds := unionSeconds(sentPerSec, matchedPerSec)
	throughput := make([]Point, 0, len(seconds))
	loss := make([]Point, 0, len(seconds))
	for _, sec := range seconds {
		throughput = append(throughput, Point{
			Second: sec,
			Value:  float64(bytesPerSec[sec]) * 8 / 1e6,
		})
		loss = append(loss, Point{
			Second: sec,
			Value:  lossPct(sentPerSec[sec], matchedPerSec[sec]),
		})
	}
	report.Series[SeriesThroughput] = throughput
	report.Series[SeriesLoss] = loss

	perFlowPairs := make(map[uint32][]matchedSample)
	for _, p := range pairs {
		perFlowPairs[p.flow] = append(perFlowPairs[p.flow], p)
	}
	for flow, sent := range sentPerFlow {
		fp := perFlowPairs[flow]
		flowRTTs := make([]float64, len(fp))
		for i, p := range fp {
			flowRTTs[i] = p.rttMS
		}
		sort.Float64s(flowRTTs)
		fMean, fStddev := meanStddev(flowRTTs)
		bd := FlowBreakdown{
			Sent:        sent,
			Matched:     matchedPerFlow[flow],
			LossRatePct: lossPct(sent, matchedPerFlow[flow]),
			RTTMeanMS:   fMean,
			RTTStdevMS:  fStddev,
			JitterMS:    jitter(fp),
		}
		if len(flowRTTs) > 0 {
			bd.RTTMinMS = flowRTTs[0]
			bd.RTTMaxMS = flowRTTs[len(flowRTTs)-1]
		}
		report.PerFlow[flow] = bd
	}

	return report, nil
}

func lossPct(sent, matched uint64) float64 {
	if sent == 0 {
		return 0
	}
	if matched > sent {
		matched = sent
	}
	return float64(sent-matched) / float64(sent) * 100
}

func meanStddev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

// percentile expects sorted input and interpolates linearly between ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// jitter is the mean absolute difference between consecutive RTT samples,
// taken per flow in sequence order. Deltas never cross flow boundaries.
func jitter(pairs []matchedSample) float64 {
	byFlow := make(map[uint32][]matchedSample)
	for _, p := range pairs {
		byFlow[p.flow] = append(byFlow[p.flow], p)
	}
	var sum float64
	var n int
	for _, samples := range byFlow {
		sort.Slice(samples, func(i, j int) bool { return samples[i].seq < samples[j].seq })
		for i := 1; i < len(samples); i++ {
			sum += math.Abs(samples[i].rttMS - samples[i-1].rttMS)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func unionSeconds(a, b map[int64]uint64) []int64 {
	set := make(map[int64]struct{}, len(a)+len(b))
	for sec := range a {
		set[sec] = struct{}{}
	}
	for sec := range b {
		set[sec] = struct{}{}
	}
	seconds := make([]int64, 0, len(set))
	for sec := range set {
		seconds = append(seconds, sec)
	}
	sort.Slice(seconds, func(i, j int) bool { return seconds[i] < seconds[j] })
	return seconds
}
