// Package source adapts byte producers to sequencer.Source. Every event is
// delivered through the owning scheduler, never on the producer's goroutine.
package source

import (
	"context"
	"errors"
	"io"
	"sync"

	"playback-coordinator/internal/scheduler"
	"playback-coordinator/internal/sequencer"
)

// DefaultChunkSize is the read size used by Reader when none is given.
const DefaultChunkSize = 64 * 1024

// Aborter is implemented by readers whose blocked Read can be interrupted,
// such as an HTTP request body behind a connection read deadline.
type Aborter interface {
	Abort() error
}

// Reader streams an io.Reader. Nothing is read before Start, so a stream
// waiting for hand-off leaves its bytes with the transport.
type Reader struct {
	ctx       context.Context
	sched     scheduler.Scheduler
	r         io.Reader
	chunkSize int
	stop      chan struct{}
	done      chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewReader returns a Reader over r. Reading stops early with ctx's error if
// ctx is cancelled. chunkSize <= 0 selects DefaultChunkSize.
func NewReader(ctx context.Context, sched scheduler.Scheduler, r io.Reader, chunkSize int) *Reader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Reader{
		ctx:       ctx,
		sched:     sched,
		r:         r,
		chunkSize: chunkSize,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start implements sequencer.Source. It does nothing after Stop.
func (s *Reader) Start(l sequencer.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.started {
		return
	}
	s.started = true
	go s.pump(l)
}

// Stop ends reading without further events. A Read in progress is aborted
// when the underlying reader is an Aborter; otherwise the goroutine stops once
// that Read returns. Finished is closed when no Read can happen any more.
func (s *Reader) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stop)
	if !s.started {
		close(s.done)
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	if a, ok := s.r.(Aborter); ok {
		_ = a.Abort()
	}
}

// Finished is closed when the reader goroutine has stopped reading, or on
// Stop if it never started.
func (s *Reader) Finished() <-chan struct{} {
	return s.done
}

func (s *Reader) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Reader) pump(l sequencer.Listener) {
	for {
		if s.stopping() {
			close(s.done)
			return
		}
		if err := s.ctx.Err(); err != nil {
			s.finish(func() { l.Error(err) })
			return
		}

		buf := make([]byte, s.chunkSize)
		n, err := s.r.Read(buf)
		if s.stopping() {
			close(s.done)
			return
		}
		if n > 0 {
			chunk := buf[:n]
			s.sched.Post(func() { l.Data(chunk) })
		}
		if errors.Is(err, io.EOF) {
			s.finish(l.End)
			return
		}
		if err != nil {
			s.finish(func() { l.Error(err) })
			return
		}
	}
}

// finish closes Finished before posting the last event, so a waiter woken by
// that event never finds the reader still running.
func (s *Reader) finish(last func()) {
	close(s.done)
	s.sched.Post(last)
}

// Chunks replays chunks that already arrived, then ends, or fails with Err
// when it is set.
type Chunks struct {
	sched  scheduler.Scheduler
	chunks [][]byte
	Err    error
}

// NewChunks returns a Chunks source over the given payloads.
func NewChunks(sched scheduler.Scheduler, chunks ...[]byte) *Chunks {
	return &Chunks{sched: sched, chunks: chunks}
}

// Start implements sequencer.Source. Each chunk is its own scheduler tick.
func (c *Chunks) Start(l sequencer.Listener) {
	for _, chunk := range c.chunks {
		chunk := chunk
		c.sched.Post(func() { l.Data(chunk) })
	}
	if c.Err != nil {
		err := c.Err
		c.sched.Post(func() { l.Error(err) })
		return
	}
	c.sched.Post(l.End)
}
