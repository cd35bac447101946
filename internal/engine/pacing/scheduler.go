package pacing

import (
	"context"
	"fmt"
	"time"
)

// DefaultMaxBurst caps the number of back-to-back catch-up sends fired in a
// single wake when the caller has fallen behind the schedule.
const DefaultMaxBurst = 8

// Interval returns the fixed inter-packet interval for a target bitrate and
// packet size.
func Interval(bitrateBps float64, packetSize int) (time.Duration, error) {
	if bitrateBps <= 0 {
		return 0, fmt.Errorf("bitrate must be positive, got %f", bitrateBps)
	}
	if packetSize <= 0 {
		return 0, fmt.Errorf("packet size must be positive, got %d", packetSize)
	}
	seconds := float64(packetSize*8) / bitrateBps
	return time.Duration(seconds * float64(time.Second)), nil
}

// Scheduler computes per-flow send deadlines from a target bitrate and packet
// size. Deadlines advance additively from the previous deadline, never from
// "now", so transient scheduling delay does not accumulate drift over a long
// run. Each flow owns its own instance; a Scheduler is not safe for
// concurrent use and does not need to be.
type Scheduler struct {
	interval time.Duration
	maxBurst int

	deadline time.Time
	burst    int
	started  bool
}

// NewScheduler creates a scheduler for the given rate. maxBurst <= 0 selects
// DefaultMaxBurst.
func NewScheduler(bitrateBps float64, packetSize int, maxBurst int) (*Scheduler, error) {
	interval, err := Interval(bitrateBps, packetSize)
	if err != nil {
		return nil, err
	}
	if maxBurst <= 0 {
		maxBurst = DefaultMaxBurst
	}
	return &Scheduler{interval: interval, maxBurst: maxBurst}, nil
}

// Interval returns the fixed inter-packet interval.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Deadline returns the current send deadline. Zero until the first advance.
func (s *Scheduler) Deadline() time.Time {
	return s.deadline
}

// advance moves the schedule to the next send slot and returns how long the
// caller should sleep before sending; zero or negative means the slot is
// already due. When the caller is behind by more than one interval it may
// fire immediately, but only maxBurst times in a row: after that the missed
// slots are dropped from the schedule by realigning the deadline just past
// "now" instead of queueing the backlog indefinitely.
func (s *Scheduler) advance(now time.Time) time.Duration {
	if !s.started {
		s.started = true
		s.deadline = now
		return 0
	}

	s.deadline = s.deadline.Add(s.interval)
	behind := now.Sub(s.deadline)
	if behind < 0 {
		// On schedule. Sleeping resets the catch-up budget.
		s.burst = 0
		return -behind
	}

	s.burst++
	if s.burst > s.maxBurst {
		// Drop the backlog: skip every fully missed slot so the schedule
		// resumes from the most recent slot at or before now.
		missed := behind / s.interval
		s.deadline = s.deadline.Add(missed * s.interval)
		s.burst = 0
	}
	return 0
}

// Wait blocks until the next send deadline or until ctx is cancelled. It is
// the suspension point between sends.
func (s *Scheduler) Wait(ctx context.Context) error {
	sleep := s.advance(time.Now())
	if sleep <= 0 {
		// Due now; still honor a pending cancellation.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}

	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
