package flow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"UDPulse/internal/model"
	"UDPulse/internal/protocol"
)

// sourceState tracks per-source bookkeeping on the responder side.
type sourceState struct {
	lastSeq uint64
	seen    bool
}

// Responder listens on one socket and echoes every decoded request
// immediately, carrying the original send timestamp plus its own clock. It
// has no pacing of its own; the response rate is bounded only by the inbound
// request rate.
type Responder struct {
	cfg     Config
	conn    *net.UDPConn
	sources map[string]*sourceState
}

// NewResponder binds the listen socket. A bind failure is fatal and surfaced
// to the caller with cause.
func NewResponder(cfg Config) (*Responder, error) {
	if cfg.LocalAddr == nil {
		return nil, fmt.Errorf("flow %d: responder requires a listen address", cfg.Spec.ID)
	}

	conn, err := net.ListenUDP("udp", cfg.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("flow %d: failed to bind %s: %w", cfg.Spec.ID, cfg.LocalAddr, err)
	}
	setSocketBuffers(conn)
	log.Printf("Responder listening on %s", conn.LocalAddr())

	return &Responder{
		cfg:     cfg,
		conn:    conn,
		sources: make(map[string]*sourceState),
	}, nil
}

// LocalAddr returns the bound listen address.
func (r *Responder) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

// Run serves requests until ctx is cancelled. Individual malformed datagrams
// or transient socket errors never abort the loop; only a run of consecutive
// send failures terminates the flow as degraded.
func (r *Responder) Run(ctx context.Context) error {
	defer r.conn.Close()

	buf := make([]byte, 65535)
	consecutive := 0

	for {
		r.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				select {
				case <-ctx.Done():
					return nil
				default:
					continue
				}
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
				return nil
			}
			log.Printf("Responder: receive error: %v", err)
			continue
		}

		if sendErr := r.handleRequest(buf[:n], addr); sendErr != nil {
			consecutive++
			log.Printf("Responder: send error (%d consecutive): %v", consecutive, sendErr)
			if consecutive >= r.cfg.maxSendErrors() {
				r.emit(model.Event{Kind: model.EventDegraded, FlowID: r.cfg.Spec.ID})
				return fmt.Errorf("responder degraded after %d consecutive send errors: %w",
					consecutive, sendErr)
			}
			continue
		}
		consecutive = 0
	}
}

// handleRequest decodes one request and transmits the response. A decode
// failure is counted and produces no response; only a transmit failure is
// returned to the caller for consecutive-error accounting.
func (r *Responder) handleRequest(data []byte, addr *net.UDPAddr) error {
	receiveTime := nowSeconds()

	req, err := protocol.DecodeRequest(data)
	if err != nil {
		r.emit(model.Event{Kind: model.EventDecodeError, FlowID: r.cfg.Spec.ID})
		return nil
	}

	resp := protocol.EncodeResponse(&protocol.Response{
		Sequence:           req.Sequence,
		SendTimestamp:      req.SendTimestamp,
		ResponderTimestamp: receiveTime,
	})
	if _, err := r.conn.WriteToUDP(resp, addr); err != nil {
		return err
	}

	r.emit(model.Event{Kind: model.EventReceived, FlowID: r.cfg.Spec.ID, Seq: req.Sequence, Bytes: len(data)})
	r.trackReordering(addr.String(), req.Sequence)

	if r.cfg.ResponderLog != nil {
		if err := r.cfg.ResponderLog.Append(time.Now(), addr.String(), req.Sequence,
			req.SendTimestamp, receiveTime, len(data)); err != nil {
			log.Printf("Responder: failed to log request: %v", err)
		}
	}
	return nil
}

// trackReordering flags requests arriving with a lower sequence number than
// the last one seen from the same source.
func (r *Responder) trackReordering(source string, seq uint64) {
	st, ok := r.sources[source]
	if !ok {
		st = &sourceState{}
		r.sources[source] = st
	}
	if st.seen && seq < st.lastSeq {
		log.Printf("Responder: reordering detected from %s: seq %d after %d", source, seq, st.lastSeq)
		r.emit(model.Event{Kind: model.EventReordered, FlowID: r.cfg.Spec.ID, Seq: seq})
	} else {
		st.lastSeq = seq
	}
	st.seen = true
}

func (r *Responder) emit(ev model.Event) {
	r.cfg.Events <- ev
}
