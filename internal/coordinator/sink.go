package coordinator

import "playback-coordinator/internal/ranges"

// SinkListener receives a sink's append lifecycle signals.
type SinkListener interface {
	UpdateStart()
	// UpdateEnd reports that the outstanding append finished. A non-nil err
	// means the sink rejected the data after accepting the call.
	UpdateEnd(err error)
}

// Sink is the single-writer append target that assembles decodable media.
// Only one append may be outstanding at a time.
type Sink interface {
	// Attach registers the listener for update signals. Called once by New.
	Attach(l SinkListener)
	// Append starts appending p. A returned error means the sink refused the
	// data outright; otherwise completion arrives through UpdateEnd.
	Append(p []byte) error
	// Buffered returns the buffered ranges, sorted and disjoint.
	Buffered() []ranges.TimeRange
	// SetTimestampOffset shifts where the next appended data lands.
	SetTimestampOffset(offset float64) error
}
