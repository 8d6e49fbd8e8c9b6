// Package sequencer chains byte streams into one timeline: exactly one stream
// feeds the target at a time, and each stream only starts once the stream
// before it has ended.
package sequencer

import (
	"io"
	"log/slog"

	"playback-coordinator/internal/platform/logger"
)

// Target is what the active stream feeds.
type Target interface {
	// SetTimestampOffset is called when a stream activates, before any of its
	// data is delivered.
	SetTimestampOffset(offset float64)
	// Receive takes ownership of one chunk from the active stream.
	Receive(p []byte)
	// StreamEnded is called after a stream ended normally.
	StreamEnded(h *Handle)
	// StreamFailed is called when the active stream reports an error.
	StreamFailed(err *UpstreamStreamError)
}

// Sequencer owns the hand-off chain for one coordinator.
type Sequencer struct {
	target    Target
	log       *slog.Logger
	streams   []*Handle
	tail      *Handle
	active    *Handle
	discarded bool
}

// New returns a Sequencer feeding target. A nil logger discards output.
func New(target Target, log *slog.Logger) *Sequencer {
	return &Sequencer{target: target, log: logger.OrDiscard(log)}
}

// AddStream queues src, whose data starts at playback time offset. The first
// stream of a chain activates immediately; later ones wait for the stream
// queued before them to end.
func (s *Sequencer) AddStream(offset float64, src Source) *Handle {
	h := &Handle{
		Index:  len(s.streams),
		Offset: offset,
		src:    src,
		done:   make(chan struct{}),
	}
	s.streams = append(s.streams, h)

	if s.discarded {
		h.finish(ErrDiscarded)
		return h
	}

	prev := s.tail
	s.tail = h

	switch {
	case prev == nil:
		s.activate(h)
	case prev.state == Ended:
		// The chain is idle: the previous stream already handed off.
		s.activate(h)
	default:
		prev.next = h
		prev.onEnded = append(prev.onEnded, func() { s.activate(h) })
		s.log.Debug("stream queued",
			slog.Int("index", h.Index),
			slog.Float64("offset", offset),
			slog.Int("after", prev.Index))
	}
	return h
}

func (s *Sequencer) activate(h *Handle) {
	if s.discarded || h.state != Pending {
		return
	}
	h.state = Active
	s.active = h
	s.log.Debug("stream active", slog.Int("index", h.Index), slog.Float64("offset", h.Offset))

	s.target.SetTimestampOffset(h.Offset)
	h.src.Start(&streamListener{s: s, h: h})
}

// Active returns the stream currently feeding the target, or nil.
func (s *Sequencer) Active() *Handle {
	return s.active
}

// Streams returns every stream added so far, in order.
func (s *Sequencer) Streams() []*Handle {
	out := make([]*Handle, len(s.streams))
	copy(out, s.streams)
	return out
}

// Discard drops the chain. Events from any stream are ignored afterwards and
// queued streams never start.
func (s *Sequencer) Discard() {
	if s.discarded {
		return
	}
	s.discarded = true
	s.active = nil
	for _, h := range s.streams {
		h.finish(ErrDiscarded)
	}
}

func (s *Sequencer) ended(h *Handle) {
	h.finish(nil)
	if s.active == h {
		s.active = nil
	}
	s.log.Debug("stream ended", slog.Int("index", h.Index), slog.Int64("bytes", h.received))
	s.target.StreamEnded(h)

	continuations := h.onEnded
	h.onEnded = nil
	for _, fn := range continuations {
		fn()
	}
}

func (s *Sequencer) failed(h *Handle, cause error) {
	uerr := &UpstreamStreamError{Index: h.Index, Offset: h.Offset, Err: cause}
	h.finish(uerr)
	h.onEnded = nil
	if s.active == h {
		s.active = nil
	}

	retired := 0
	for n := h.next; n != nil; n = n.next {
		n.onEnded = nil
		n.finish(ErrChainBroken)
		retired++
	}
	h.next = nil
	s.tail = nil

	s.log.Warn("stream failed",
		slog.Int("index", h.Index),
		slog.Float64("offset", h.Offset),
		slog.Int("retired", retired),
		slog.String("error", cause.Error()))
	s.target.StreamFailed(uerr)
}

// streamListener forwards one source's events while its stream is live.
type streamListener struct {
	s *Sequencer
	h *Handle
}

func (l *streamListener) live() bool {
	return !l.s.discarded && l.h.state == Active
}

func (l *streamListener) Data(p []byte) {
	if !l.live() || len(p) == 0 {
		return
	}
	l.h.received += int64(len(p))
	l.s.target.Receive(p)
}

func (l *streamListener) End() {
	if !l.live() {
		return
	}
	l.s.ended(l.h)
}

func (l *streamListener) Error(err error) {
	if !l.live() {
		return
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	l.s.failed(l.h, err)
}
