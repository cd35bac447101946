package stats

import (
	"log"
	"math"
	"sync"
	"time"

	"UDPulse/internal/model"
)

// DefaultInterval is the reporting period used when none is configured.
const DefaultInterval = 5 * time.Second

// Aggregator accumulates per-flow and aggregate counters and emits a
// snapshot every interval, resetting the window counters afterwards.
//
// All increments and the reset-and-read happen on the single goroutine that
// owns the counters: flow endpoints deliver events over a channel instead of
// mutating shared counters, so a tick can never lose or double-count a
// concurrent update.
type Aggregator struct {
	events   chan model.Event
	interval time.Duration
	sinks    []model.SnapshotSink

	start      time.Time
	lastTick   time.Time
	window     model.FlowCounters
	totals     model.FlowCounters
	perFlow    map[uint32]*model.FlowCounters
	perFlowWin map[uint32]*model.FlowCounters

	final *model.Snapshot
	wg    sync.WaitGroup
}

// NewAggregator creates an aggregator reporting every interval to the given
// sinks. interval <= 0 selects DefaultInterval.
func NewAggregator(interval time.Duration, sinks ...model.SnapshotSink) *Aggregator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Aggregator{
		events:     make(chan model.Event, 4096),
		interval:   interval,
		sinks:      sinks,
		perFlow:    make(map[uint32]*model.FlowCounters),
		perFlowWin: make(map[uint32]*model.FlowCounters),
	}
}

// Events returns the channel flow endpoints send their events to.
func (a *Aggregator) Events() chan<- model.Event {
	return a.events
}

// Start launches the aggregation goroutine.
func (a *Aggregator) Start() {
	a.start = time.Now()
	a.lastTick = a.start
	a.wg.Add(1)
	go a.run()
}

// Stop closes the event channel, waits for the remaining events to be
// consumed, and returns the final cumulative snapshot.
func (a *Aggregator) Stop() *model.Snapshot {
	close(a.events)
	a.wg.Wait()
	return a.final
}

func (a *Aggregator) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-a.events:
			if !ok {
				a.finish()
				return
			}
			a.apply(ev)
		case now := <-ticker.C:
			a.emit(now)
		}
	}
}

// apply folds one event into the window, cumulative, and per-flow counters.
func (a *Aggregator) apply(ev model.Event) {
	fc := a.flowCounters(a.perFlow, ev.FlowID)
	fw := a.flowCounters(a.perFlowWin, ev.FlowID)

	for _, c := range []*model.FlowCounters{&a.window, &a.totals, fc, fw} {
		switch ev.Kind {
		case model.EventSent:
			c.Sent++
			c.Bytes += uint64(ev.Bytes)
		case model.EventSample:
			c.Matched++
			c.Received++
			rtt := ev.Sample.RTTMillis()
			if c.Matched == 1 || rtt < c.RTTMinMS {
				c.RTTMinMS = rtt
			}
			if c.Matched == 1 || rtt > c.RTTMaxMS {
				c.RTTMaxMS = rtt
			}
			c.RTTSumMS += rtt
			c.RTTSumSqMS += rtt * rtt
		case model.EventLoss:
			c.Evicted++
		case model.EventUnmatched:
			c.Unmatched++
		case model.EventDecodeError:
			c.DecodeErrors++
		case model.EventReceived:
			c.Received++
			c.Bytes += uint64(ev.Bytes)
		case model.EventReordered:
			c.Reordered++
		case model.EventDegraded:
			c.Degraded = true
		}

		// Track the highest sequence observed for reorder diagnostics.
		if ev.Kind == model.EventSent || ev.Kind == model.EventReceived {
			if !c.SeenSeq || ev.Seq > c.LastSeq {
				c.LastSeq = ev.Seq
				c.SeenSeq = true
			}
		}
	}
}

func (a *Aggregator) flowCounters(m map[uint32]*model.FlowCounters, id uint32) *model.FlowCounters {
	fc, ok := m[id]
	if !ok {
		fc = &model.FlowCounters{}
		m[id] = fc
	}
	return fc
}

// emit builds a snapshot from the current window, hands it to the sinks, and
// zeroes the window counters for the next period.
func (a *Aggregator) emit(now time.Time) {
	// Rates come from the window just ended; Elapsed reports the whole run.
	snap := a.snapshot(now, now.Sub(a.lastTick))
	snap.Elapsed = now.Sub(a.start)

	log.Printf("Stats: %.2f packets/sec, %.2f Mbps, rtt mean %.3f ms (stddev %.3f ms), loss window %d",
		snap.PacketsPS, snap.Mbps, snap.RTTMeanMS, snap.RTTStdevMS, snap.Window.Evicted)

	for _, sink := range a.sinks {
		if err := sink.Publish(snap); err != nil {
			log.Printf("Failed to publish stats snapshot: %v", err)
		}
	}

	a.window = model.FlowCounters{}
	a.perFlowWin = make(map[uint32]*model.FlowCounters)
	a.lastTick = now
}

// finish emits the final cumulative snapshot once the event channel drains.
func (a *Aggregator) finish() {
	now := time.Now()
	snap := a.snapshot(now, now.Sub(a.start))
	// The final snapshot reports the whole run, not the last window.
	snap.Window = a.totals
	snap.PacketsPS, snap.Mbps = rates(&a.totals, now.Sub(a.start))
	snap.RTTMeanMS, snap.RTTStdevMS = rttStats(&a.totals)
	a.final = snap
}

func (a *Aggregator) snapshot(now time.Time, elapsed time.Duration) *model.Snapshot {
	snap := &model.Snapshot{
		Timestamp: now,
		Elapsed:   elapsed,
		Window:    a.window,
		Totals:    a.totals,
		PerFlow:   make(map[uint32]model.FlowCounters, len(a.perFlow)),
	}
	for id, fc := range a.perFlow {
		snap.PerFlow[id] = *fc
	}
	snap.PacketsPS, snap.Mbps = rates(&a.window, elapsed)
	snap.RTTMeanMS, snap.RTTStdevMS = rttStats(&a.window)
	return snap
}

// rates derives packet and bit rates from a counter window. An originator
// window counts sent packets; a responder window only ever sees receives.
func rates(c *model.FlowCounters, elapsed time.Duration) (pps float64, mbps float64) {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0, 0
	}
	packets := c.Sent
	if packets == 0 {
		packets = c.Received
	}
	pps = float64(packets) / secs
	mbps = float64(c.Bytes) * 8 / secs / 1e6
	return pps, mbps
}

// rttStats derives mean and standard deviation from the accumulated sums.
func rttStats(c *model.FlowCounters) (mean float64, stddev float64) {
	if c.Matched == 0 {
		return 0, 0
	}
	n := float64(c.Matched)
	mean = c.RTTSumMS / n
	variance := c.RTTSumSqMS/n - mean*mean
	if variance > 0 {
		stddev = math.Sqrt(variance)
	}
	return mean, stddev
}
