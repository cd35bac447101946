package engine

import (
	"context"
	"fmt"
	"log"
	"net"

	"golang.org/x/sync/errgroup"

	"UDPulse/internal/config"
	"UDPulse/internal/engine/flow"
	"UDPulse/internal/engine/stats"
	"UDPulse/internal/model"
	"UDPulse/internal/record"
)

// Options carries the already-open sinks the engine writes to. Directory and
// file creation belong to the hosting command, not the core.
type Options struct {
	SendLog      *record.SendLog
	ResponderLog *record.ResponderLog
	// SampleWriters receive every resolved sample (CSV receive log,
	// ClickHouse, ...).
	SampleWriters []model.SampleWriter
	// Sinks receive every periodic stats snapshot (NATS, Prometheus, ...).
	Sinks []model.SnapshotSink
}

// runner is one flow endpoint driven for the lifetime of the run.
type runner interface {
	Run(ctx context.Context) error
}

// Engine consolidates the originator and responder variants into a single
// unit parameterized by role: every flow shares the same pacing, correlation,
// and aggregation logic.
type Engine struct {
	cfg   *config.Config
	opts  Options
	agg   *stats.Aggregator
	flows []runner
}

// New builds all flows for the configured role. Socket setup failures are
// fatal here, before any traffic is generated.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	e := &Engine{
		cfg:  cfg,
		opts: opts,
		agg:  stats.NewAggregator(cfg.Stats.ParsedInterval, opts.Sinks...),
	}

	switch model.Role(cfg.Role) {
	case model.RoleOriginator:
		if err := e.buildOriginators(); err != nil {
			return nil, err
		}
	case model.RoleResponder:
		if err := e.buildResponder(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown role %q", cfg.Role)
	}
	return e, nil
}

func (e *Engine) buildOriginators() error {
	o := &e.cfg.Originator

	remote, err := net.ResolveUDPAddr("udp", o.ServerAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve server address %q: %w", o.ServerAddr, err)
	}

	for i := 0; i < o.Flows; i++ {
		f, err := flow.NewOriginator(flow.Config{
			Spec: model.FlowSpec{
				ID:         uint32(i),
				Role:       model.RoleOriginator,
				BitrateBps: o.BitrateBps(),
				PacketSize: o.PacketSize,
				Duration:   o.ParsedDuration,
			},
			RemoteAddr:               remote,
			EvictionWindow:           o.ParsedEvictionWindow,
			MaxBurst:                 o.MaxBurst,
			MaxConsecutiveSendErrors: e.cfg.Engine.MaxConsecutiveSendErrors,
			Events:                   e.agg.Events(),
			SendLog:                  e.opts.SendLog,
			SampleWriters:            e.opts.SampleWriters,
		})
		if err != nil {
			return err
		}
		e.flows = append(e.flows, f)
	}
	log.Printf("Starting %d flows to %s, %.2f Mbps per flow, %d-byte packets, duration %s",
		o.Flows, o.ServerAddr, o.BitrateMbps, o.PacketSize, o.ParsedDuration)
	return nil
}

func (e *Engine) buildResponder() error {
	local, err := net.ResolveUDPAddr("udp", e.cfg.Responder.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve listen address %q: %w", e.cfg.Responder.ListenAddr, err)
	}

	f, err := flow.NewResponder(flow.Config{
		Spec:                     model.FlowSpec{ID: 0, Role: model.RoleResponder},
		LocalAddr:                local,
		MaxConsecutiveSendErrors: e.cfg.Engine.MaxConsecutiveSendErrors,
		Events:                   e.agg.Events(),
		ResponderLog:             e.opts.ResponderLog,
	})
	if err != nil {
		return err
	}
	e.flows = append(e.flows, f)
	return nil
}

// Run drives every flow to completion and returns the final cumulative
// snapshot. A degraded flow logs its terminal error and is marked in the
// snapshot; it never aborts the other flows.
func (e *Engine) Run(ctx context.Context) (*model.Snapshot, error) {
	e.agg.Start()

	g, runCtx := errgroup.WithContext(ctx)
	for _, f := range e.flows {
		f := f
		g.Go(func() error {
			if err := f.Run(runCtx); err != nil {
				log.Printf("Flow terminated early: %v", err)
			}
			return nil
		})
	}
	g.Wait()

	final := e.agg.Stop()
	e.printSummary(final)
	return final, nil
}

func (e *Engine) printSummary(final *model.Snapshot) {
	if final == nil {
		return
	}
	tot := final.Totals
	log.Println("Final Statistics:")
	log.Printf("  duration: %.2f seconds", final.Elapsed.Seconds())
	log.Printf("  packets sent: %d, received: %d", tot.Sent, tot.Received)
	log.Printf("  throughput: %.2f Mbps, %.2f packets/sec", final.Mbps, final.PacketsPS)
	if tot.Matched > 0 {
		log.Printf("  rtt: mean %.3f ms, stddev %.3f ms, min %.3f ms, max %.3f ms",
			final.RTTMeanMS, final.RTTStdevMS, tot.RTTMinMS, tot.RTTMaxMS)
	}
	if tot.Evicted > 0 || tot.Unmatched > 0 || tot.DecodeErrors > 0 {
		log.Printf("  lost: %d, unmatched: %d, decode errors: %d",
			tot.Evicted, tot.Unmatched, tot.DecodeErrors)
	}
	for id, fc := range final.PerFlow {
		if fc.Degraded {
			log.Printf("  flow %d: DEGRADED (terminated early after repeated socket errors)", id)
		}
	}

	// Sanity check the accounting identity on the way out.
	if tot.Sent > 0 && tot.Matched+tot.Evicted+tot.InFlight() != tot.Sent {
		log.Printf("WARNING: counter mismatch: matched %d + evicted %d + in-flight %d != sent %d",
			tot.Matched, tot.Evicted, tot.InFlight(), tot.Sent)
	}

	elapsed := final.Elapsed.Seconds()
	if elapsed > 0 && tot.Received > 0 {
		log.Printf("  average receive rate: %.2f packets/sec", float64(tot.Received)/elapsed)
	}
}
