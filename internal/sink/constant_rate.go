// Package sink provides an in-memory coordinator.Sink that maps bytes to
// playback time at a constant byte rate.
package sink

import (
	"errors"
	"fmt"
	"math"

	"playback-coordinator/internal/coordinator"
	"playback-coordinator/internal/ranges"
	"playback-coordinator/internal/scheduler"
)

var (
	// ErrBusy is returned when an append or offset change arrives while an
	// append is still outstanding.
	ErrBusy = errors.New("sink is updating")

	// ErrQuotaExceeded is returned when an append would exceed the quota.
	ErrQuotaExceeded = errors.New("sink quota exceeded")

	// ErrDecode is reported through UpdateEnd for data marked as undecodable
	// with RejectNext.
	ErrDecode = errors.New("sink could not decode data")
)

// DefaultBytesPerSecond approximates a 1 Mbit/s stream.
const DefaultBytesPerSecond = 125_000

// ConstantRate places appended bytes on the timeline at a fixed byte rate,
// starting from the current timestamp offset. Appends complete on the next
// scheduler tick.
type ConstantRate struct {
	sched          scheduler.Scheduler
	bytesPerSecond float64
	quota          int64

	listener   coordinator.SinkListener
	updating   bool
	cursor     float64
	offset     float64
	stored     int64
	appends    int
	buffered   ranges.Set
	rejectNext bool
	log        [][]byte
	keep       bool
}

// Option configures a ConstantRate.
type Option func(*ConstantRate)

// WithQuota caps the total bytes the sink accepts. Zero means unlimited.
func WithQuota(bytes int64) Option {
	return func(s *ConstantRate) { s.quota = bytes }
}

// WithPayloadLog keeps a copy of every appended payload, in append order.
func WithPayloadLog() Option {
	return func(s *ConstantRate) { s.keep = true }
}

// NewConstantRate returns a sink running on sched. bytesPerSecond <= 0
// selects DefaultBytesPerSecond.
func NewConstantRate(sched scheduler.Scheduler, bytesPerSecond float64, opts ...Option) *ConstantRate {
	if bytesPerSecond <= 0 || math.IsInf(bytesPerSecond, 0) {
		bytesPerSecond = DefaultBytesPerSecond
	}
	s := &ConstantRate{sched: sched, bytesPerSecond: bytesPerSecond}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attach implements coordinator.Sink.
func (s *ConstantRate) Attach(l coordinator.SinkListener) {
	s.listener = l
}

// Append implements coordinator.Sink.
func (s *ConstantRate) Append(p []byte) error {
	if s.updating {
		return ErrBusy
	}
	if s.quota > 0 && s.stored+int64(len(p)) > s.quota {
		return fmt.Errorf("%w: %d of %d bytes used", ErrQuotaExceeded, s.stored, s.quota)
	}

	s.updating = true
	if s.listener != nil {
		s.listener.UpdateStart()
	}

	reject := s.rejectNext
	s.rejectNext = false
	n := len(p)
	var payload []byte
	if s.keep {
		payload = append([]byte(nil), p...)
	}

	s.sched.Post(func() {
		s.updating = false
		if reject {
			if s.listener != nil {
				s.listener.UpdateEnd(ErrDecode)
			}
			return
		}

		span := float64(n) / s.bytesPerSecond
		s.buffered = s.buffered.Add(ranges.TimeRange{Start: s.cursor, End: s.cursor + span})
		s.cursor += span
		s.stored += int64(n)
		s.appends++
		if s.keep {
			s.log = append(s.log, payload)
		}
		if s.listener != nil {
			s.listener.UpdateEnd(nil)
		}
	})
	return nil
}

// Buffered implements coordinator.Sink.
func (s *ConstantRate) Buffered() []ranges.TimeRange {
	return s.buffered.Clone()
}

// SetTimestampOffset implements coordinator.Sink. The next append lands at
// offset.
func (s *ConstantRate) SetTimestampOffset(offset float64) error {
	if s.updating {
		return ErrBusy
	}
	if math.IsNaN(offset) || math.IsInf(offset, 0) {
		return fmt.Errorf("invalid timestamp offset %v", offset)
	}
	s.offset = offset
	s.cursor = offset
	return nil
}

// RejectNext makes the next append fail to decode.
func (s *ConstantRate) RejectNext() {
	s.rejectNext = true
}

// Updating reports whether an append is outstanding.
func (s *ConstantRate) Updating() bool { return s.updating }

// Offset returns the current timestamp offset.
func (s *ConstantRate) Offset() float64 { return s.offset }

// StoredBytes returns the bytes accepted so far.
func (s *ConstantRate) StoredBytes() int64 { return s.stored }

// Appends returns the number of completed appends.
func (s *ConstantRate) Appends() int { return s.appends }

// Payloads returns the appended payloads when WithPayloadLog is set.
func (s *ConstantRate) Payloads() [][]byte {
	out := make([][]byte, len(s.log))
	copy(out, s.log)
	return out
}
