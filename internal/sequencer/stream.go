package sequencer

import (
	"errors"
	"fmt"
)

var (
	// ErrUpstream matches every *UpstreamStreamError.
	ErrUpstream = errors.New("upstream stream failed")

	// ErrChainBroken is recorded on streams retired because a stream queued
	// ahead of them failed.
	ErrChainBroken = errors.New("stream retired after earlier stream failed")

	// ErrDiscarded is recorded on streams dropped when their sequencer was
	// discarded.
	ErrDiscarded = errors.New("stream discarded")
)

// State is the lifecycle position of a stream.
type State int

const (
	Pending State = iota
	Active
	Ended
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Ended:
		return "ended"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Listener receives a source's events: Data zero or more times, then exactly
// one End or Error.
type Listener interface {
	Data(p []byte)
	End()
	Error(err error)
}

// Source is an abstract byte stream. It must not emit before Start and must
// deliver its events on the owning scheduler.
type Source interface {
	Start(l Listener)
}

// UpstreamStreamError reports a stream that failed before ending.
type UpstreamStreamError struct {
	Index  int
	Offset float64
	Err    error
}

func (e *UpstreamStreamError) Error() string {
	return fmt.Sprintf("stream %d (offset %g): %v", e.Index, e.Offset, e.Err)
}

func (e *UpstreamStreamError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUpstream) hold for any UpstreamStreamError.
func (e *UpstreamStreamError) Is(target error) bool { return target == ErrUpstream }

// Handle is one stream in the hand-off chain.
type Handle struct {
	Index  int
	Offset float64

	src      Source
	state    State
	err      error
	next     *Handle
	onEnded  []func()
	done     chan struct{}
	received int64
}

// State returns the stream's lifecycle state. Only call it from the
// scheduler that owns the sequencer.
func (h *Handle) State() State { return h.state }

// Received returns the bytes this stream delivered.
func (h *Handle) Received() int64 { return h.received }

// Done is closed once the stream is Ended, successfully or not. It is safe to
// wait on from any goroutine; Err may be read after it is closed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is nil for a stream that ended normally.
func (h *Handle) Err() error { return h.err }

func (h *Handle) finish(err error) {
	if h.state == Ended {
		return
	}
	h.state = Ended
	h.err = err
	close(h.done)
}
