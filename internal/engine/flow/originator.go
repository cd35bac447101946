package flow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"UDPulse/internal/engine/correlation"
	"UDPulse/internal/engine/pacing"
	"UDPulse/internal/model"
	"UDPulse/internal/protocol"
)

func minPacketSize() int {
	return protocol.MinPacketSize
}

// Originator owns one flow's socket, pacer, and correlation table. It paces
// requests at the configured bitrate and resolves responses into samples.
type Originator struct {
	cfg   Config
	conn  *net.UDPConn
	pacer *pacing.Scheduler
	table *correlation.Table
	seq   uint64
}

// NewOriginator connects the flow socket and prepares the scheduler. A bind
// or connect failure here is fatal and surfaced to the caller with cause.
func NewOriginator(cfg Config) (*Originator, error) {
	if err := validateSpec(cfg.Spec); err != nil {
		return nil, err
	}
	if cfg.RemoteAddr == nil {
		return nil, fmt.Errorf("flow %d: originator requires a remote address", cfg.Spec.ID)
	}

	pacer, err := pacing.NewScheduler(cfg.Spec.BitrateBps, cfg.Spec.PacketSize, cfg.MaxBurst)
	if err != nil {
		return nil, fmt.Errorf("flow %d: %w", cfg.Spec.ID, err)
	}

	conn, err := net.DialUDP("udp", cfg.LocalAddr, cfg.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("flow %d: failed to connect to %s: %w", cfg.Spec.ID, cfg.RemoteAddr, err)
	}
	setSocketBuffers(conn)

	return &Originator{
		cfg:   cfg,
		conn:  conn,
		pacer: pacer,
		table: correlation.NewTable(cfg.evictionWindow()),
	}, nil
}

// LocalAddr returns the socket's local address.
func (o *Originator) LocalAddr() net.Addr {
	return o.conn.LocalAddr()
}

// Run drives the flow until its duration elapses or ctx is cancelled. On
// cancellation, in-flight pending requests are discarded without being
// flushed to Loss or Sample; they simply vanish.
func (o *Originator) Run(ctx context.Context) error {
	defer o.conn.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.receiveLoop(runCtx)
	}()
	go func() {
		defer wg.Done()
		o.sweepLoop(runCtx)
	}()

	err := o.sendLoop(runCtx)

	// Give late responses a short grace period before tearing down, then
	// discard whatever is still pending.
	if err == nil {
		o.waitTail(runCtx)
	}
	cancel()
	o.conn.SetReadDeadline(time.Now())
	wg.Wait()

	if discarded := o.table.Drain(); discarded > 0 {
		log.Printf("Flow %d: discarded %d in-flight requests on shutdown", o.cfg.Spec.ID, discarded)
	}
	return err
}

// sendLoop paces requests for the configured duration. Returns nil on normal
// completion, ctx.Err() on cancellation, or a terminal send error after too
// many consecutive failures.
func (o *Originator) sendLoop(ctx context.Context) error {
	spec := o.cfg.Spec
	deadline := time.Now().Add(spec.Duration)
	consecutive := 0

	for {
		if err := o.pacer.Wait(ctx); err != nil {
			return nil // cancelled: not an error for the flow itself
		}
		now := time.Now()
		if now.After(deadline) {
			log.Printf("Flow %d: finished sending %d packets", spec.ID, o.seq)
			return nil
		}

		seq := o.seq
		sendTime := nowSeconds()
		buf, err := protocol.EncodeRequest(&protocol.Request{Sequence: seq, SendTimestamp: sendTime}, spec.PacketSize)
		if err != nil {
			return err // packet size was validated; this cannot recover
		}

		// Insert before transmitting so a fast response always finds its
		// pending entry.
		o.table.Insert(seq, sendTime, now)

		if _, err := o.conn.Write(buf); err != nil {
			// Undo the pending entry; an unsent packet is neither a loss
			// nor a sample.
			o.table.Resolve(seq)
			consecutive++
			log.Printf("Flow %d: send error (%d consecutive): %v", spec.ID, consecutive, err)
			if consecutive >= o.cfg.maxSendErrors() {
				o.emit(model.Event{Kind: model.EventDegraded, FlowID: spec.ID})
				return fmt.Errorf("flow %d degraded after %d consecutive send errors: %w",
					spec.ID, consecutive, err)
			}
			continue
		}
		consecutive = 0
		o.seq++

		o.emit(model.Event{Kind: model.EventSent, FlowID: spec.ID, Seq: seq, Bytes: len(buf)})
		if o.cfg.SendLog != nil {
			if err := o.cfg.SendLog.Append(now, spec.ID, seq, sendTime, len(buf)); err != nil {
				log.Printf("Flow %d: failed to log send event: %v", spec.ID, err)
			}
		}
	}
}

// receiveLoop decodes responses and resolves them against the correlation
// table. It never aborts the flow: malformed datagrams and unmatched
// responses are counted and dropped.
func (o *Originator) receiveLoop(ctx context.Context) {
	buf := make([]byte, 65535)
	for {
		o.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, err := o.conn.Read(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				select {
				case <-ctx.Done():
					return
				default:
					continue
				}
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
				return
			}
			log.Printf("Flow %d: receive error: %v", o.cfg.Spec.ID, err)
			continue
		}
		o.handleResponse(buf[:n])
	}
}

func (o *Originator) handleResponse(data []byte) {
	spec := o.cfg.Spec
	receiveTime := nowSeconds()

	resp, err := protocol.DecodeResponse(data)
	if err != nil {
		o.emit(model.Event{Kind: model.EventDecodeError, FlowID: spec.ID})
		return
	}

	sendTime, ok := o.table.Resolve(resp.Sequence)
	if !ok {
		// Already resolved, already evicted, or never sent: counted, no
		// sample. Duplicate responses land here once the original resolves.
		o.emit(model.Event{Kind: model.EventUnmatched, FlowID: spec.ID, Seq: resp.Sequence})
		return
	}

	sample := &model.Sample{
		FlowID:        spec.ID,
		Sequence:      resp.Sequence,
		SendTime:      sendTime,
		ResponderTime: resp.ResponderTimestamp,
		ReceiveTime:   receiveTime,
		RTT:           time.Duration((receiveTime - sendTime) * float64(time.Second)),
	}
	o.emit(model.Event{Kind: model.EventSample, FlowID: spec.ID, Seq: resp.Sequence, Bytes: len(data), Sample: sample})

	for _, w := range o.cfg.SampleWriters {
		if err := w.WriteSample(sample); err != nil {
			log.Printf("Flow %d: failed to persist sample: %v", spec.ID, err)
		}
	}
}

// sweepLoop periodically evicts pending requests whose response window has
// elapsed, reporting each as a loss.
func (o *Originator) sweepLoop(ctx context.Context) {
	interval := o.cfg.evictionWindow() / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, ev := range o.table.Sweep(now) {
				o.emit(model.Event{Kind: model.EventLoss, FlowID: o.cfg.Spec.ID, Seq: ev.Sequence})
			}
		}
	}
}

// waitTail lets responses to the last sends arrive before shutdown. Bounded
// by the eviction window so a dead responder cannot stall the run.
func (o *Originator) waitTail(ctx context.Context) {
	tail := o.cfg.evictionWindow()
	if tail > 2*time.Second {
		tail = 2 * time.Second
	}
	deadline := time.NewTimer(tail)
	defer deadline.Stop()

	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-poll.C:
			if o.table.Len() == 0 {
				return
			}
		}
	}
}

func (o *Originator) emit(ev model.Event) {
	o.cfg.Events <- ev
}
