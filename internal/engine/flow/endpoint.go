package flow

import (
	"fmt"
	"net"
	"time"

	"UDPulse/internal/model"
	"UDPulse/internal/record"
)

// socketBufferSize is applied to every flow socket so short bursts survive
// scheduling hiccups.
const socketBufferSize = 1024 * 1024

// readPollInterval bounds how long a blocking receive can run before the
// loop re-checks for cancellation.
const readPollInterval = 200 * time.Millisecond

// DefaultMaxConsecutiveSendErrors terminates a flow that cannot transmit at
// all; transient errors below the threshold are logged and tolerated.
const DefaultMaxConsecutiveSendErrors = 10

// Config wires one endpoint to its transport, event channel, and log sinks.
// All sinks are optional and already open; the core never creates files.
type Config struct {
	Spec model.FlowSpec

	// RemoteAddr is the responder address (originator role).
	RemoteAddr *net.UDPAddr
	// LocalAddr is the bind address (responder role; optional for an
	// originator).
	LocalAddr *net.UDPAddr

	// EvictionWindow bounds the correlation table. Zero selects the test
	// duration, or a conservative default when that is unknown too.
	EvictionWindow time.Duration
	// MaxBurst caps back-to-back catch-up sends per pacer wake.
	MaxBurst int
	// MaxConsecutiveSendErrors terminates the flow early once exceeded.
	MaxConsecutiveSendErrors int

	// Events receives every resolved engine event.
	Events chan<- model.Event

	SendLog      *record.SendLog
	ResponderLog *record.ResponderLog
	// SampleWriters receive each resolved sample (CSV receive log,
	// ClickHouse, ...).
	SampleWriters []model.SampleWriter
}

func (c *Config) maxSendErrors() int {
	if c.MaxConsecutiveSendErrors <= 0 {
		return DefaultMaxConsecutiveSendErrors
	}
	return c.MaxConsecutiveSendErrors
}

func (c *Config) evictionWindow() time.Duration {
	if c.EvictionWindow > 0 {
		return c.EvictionWindow
	}
	if c.Spec.Duration > 0 {
		return c.Spec.Duration
	}
	return 30 * time.Second
}

// nowSeconds returns the wall clock as float64 seconds since the epoch, the
// timestamp representation used on the wire and in the logs.
func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func setSocketBuffers(conn *net.UDPConn) {
	// Best effort; the OS may clamp these.
	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		return
	}
	_ = conn.SetWriteBuffer(socketBufferSize)
}

func validateSpec(spec model.FlowSpec) error {
	if spec.Role == model.RoleOriginator {
		if spec.BitrateBps <= 0 {
			return fmt.Errorf("flow %d: bitrate must be positive", spec.ID)
		}
		if spec.Duration <= 0 {
			return fmt.Errorf("flow %d: duration must be positive", spec.ID)
		}
		if spec.PacketSize < minPacketSize() {
			return fmt.Errorf("flow %d: packet size %d below minimum header length %d",
				spec.ID, spec.PacketSize, minPacketSize())
		}
	}
	return nil
}
