package session

import (
	"time"

	"playback-coordinator/internal/coordinator"
	"playback-coordinator/internal/ranges"
)

// ID uniquely identifies a playback session.
type ID string

// Options is the JSON body accepted when creating a session or replacing its
// source.
type Options struct {
	// Codec is the sink mime type. Empty selects coordinator.DefaultCodec.
	Codec string `json:"codec"`
	// Duration is the media duration in seconds, 0 when unknown.
	Duration float64 `json:"duration"`
}

// RangeRequest is one request_range event waiting for the fetch layer.
type RangeRequest struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	// Source is the source generation the request belongs to.
	Source int `json:"source"`
}

// SeekRequest is the body of a seek. Exactly one of Time and Fraction is set.
type SeekRequest struct {
	Time     *float64 `json:"time,omitempty"`
	Fraction *float64 `json:"fraction,omitempty"`
}

// Seek outcomes reported in SeekStatus.Outcome.
const (
	SeekPending    = "pending"
	SeekResolved   = "resolved"
	SeekSuperseded = "superseded"
	SeekTimedOut   = "timed_out"
)

// SeekStatus describes the most recent seek.
type SeekStatus struct {
	Token   uint64  `json:"token"`
	Target  float64 `json:"target"`
	Polls   int     `json:"polls"`
	Outcome string  `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}

// StreamResult is returned once a posted stream has ended.
type StreamResult struct {
	Index  int     `json:"index"`
	Offset float64 `json:"offset"`
	Bytes  int64   `json:"bytes"`
	State  string  `json:"state"`
	Error  string  `json:"error,omitempty"`
}

// Status is a point-in-time snapshot of a session.
type Status struct {
	ID              ID                 `json:"id"`
	Codec           string             `json:"codec"`
	Source          int                `json:"source"`
	CurrentTime     float64            `json:"current_time"`
	Paused          bool               `json:"paused"`
	Stalled         bool               `json:"stalled"`
	Duration        float64            `json:"duration"`
	Coordinator     coordinator.Stats  `json:"coordinator"`
	Buffered        []ranges.TimeRange `json:"buffered"`
	Requested       []ranges.TimeRange `json:"requested"`
	PendingRequests int                `json:"pending_requests"`
	Seek            *SeekStatus        `json:"seek,omitempty"`
	Error           string             `json:"error,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}
