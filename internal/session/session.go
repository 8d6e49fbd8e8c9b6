package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"playback-coordinator/internal/coordinator"
	"playback-coordinator/internal/platform/logger"
	"playback-coordinator/internal/platform/metrics"
	"playback-coordinator/internal/playback"
	"playback-coordinator/internal/ranges"
	"playback-coordinator/internal/scheduler"
	"playback-coordinator/internal/sequencer"
	"playback-coordinator/internal/sink"
	"playback-coordinator/internal/source"
)

// DefaultPositionInterval is how often the clock advances and the buffer is
// checked.
const DefaultPositionInterval = 250 * time.Millisecond

// readerStopTimeout bounds how long AddStream waits for a stopped stream
// body whose Read cannot be aborted.
const readerStopTimeout = 5 * time.Second

var (
	// ErrNotFound is returned for an unknown session ID.
	ErrNotFound = errors.New("session not found")
	// ErrClosed is returned when a session has already been closed.
	ErrClosed = errors.New("session closed")
	// ErrInvalidSeek is returned for a seek body without exactly one target.
	ErrInvalidSeek = errors.New("seek needs exactly one of time or fraction")
)

// Config holds the settings every session is created with.
type Config struct {
	BytesPerSecond   float64
	QuotaBytes       int64
	SegmentLength    float64
	PollInterval     time.Duration
	MaxPolls         int
	PositionInterval time.Duration
	DefaultDuration  float64
	ChunkSize        int
	Logger           *slog.Logger
	// Metrics may be nil to disable metric recording.
	Metrics *metrics.Metrics
}

// Session hosts one player: a scheduler loop that owns the sink, the clock,
// the controller and the current coordinator, plus a ticker that reports
// position updates.
type Session struct {
	ID        ID
	CreatedAt time.Time

	cfg   Config
	log   *slog.Logger
	loop  *scheduler.Loop
	stop  context.CancelFunc
	group *errgroup.Group
	once  sync.Once

	// Owned by loop.
	sink        *sink.ConstantRate
	clock       *playback.SimClock
	ctrl        *playback.Controller
	generation  int
	pending     []RangeRequest
	seek        *SeekStatus
	stalled     bool
	lastAdvance time.Time
}

// New starts a session with its first source attached.
func New(id ID, opts Options, cfg Config) *Session {
	if cfg.PositionInterval <= 0 {
		cfg.PositionInterval = DefaultPositionInterval
	}
	log := logger.OrDiscard(cfg.Logger)
	log = log.With(slog.String("session_id", string(id)))

	s := &Session{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		cfg:       cfg,
		log:       log,
		loop:      scheduler.NewLoop(),
	}
	s.clock = playback.NewSimClock(nil)
	s.ctrl = playback.New(s.loop, s.clock, playback.Options{
		SegmentLength:   cfg.SegmentLength,
		DefaultDuration: cfg.DefaultDuration,
		PollInterval:    cfg.PollInterval,
		MaxPolls:        cfg.MaxPolls,
		Logger:          log,
		Metrics:         cfg.Metrics,
	})
	s.ctrl.OnError(func(err error) {
		s.log.Warn("source reported error", slog.Int("source", s.generation), slog.String("error", err.Error()))
	})
	s.attach(opts)

	ctx, stop := context.WithCancel(context.Background())
	s.stop = stop
	g, ctx := errgroup.WithContext(ctx)
	s.group = g
	g.Go(func() error {
		s.loop.Run(ctx)
		return nil
	})
	g.Go(func() error { return s.tick(ctx) })

	s.log.Info("session started", slog.String("codec", s.ctrl.Source().Codec()))
	return s
}

// attach opens a fresh sink and coordinator and makes them the controller's
// source. It runs on the loop, or before the loop starts.
func (s *Session) attach(opts Options) {
	s.generation++
	s.pending = nil
	s.seek = nil

	var sinkOpts []sink.Option
	if s.cfg.QuotaBytes > 0 {
		sinkOpts = append(sinkOpts, sink.WithQuota(s.cfg.QuotaBytes))
	}
	s.sink = sink.NewConstantRate(s.loop, s.cfg.BytesPerSecond, sinkOpts...)
	c := coordinator.New(s.loop, s.sink, &requestQueue{s: s, generation: s.generation}, coordinator.Options{
		Codec:    opts.Codec,
		Duration: opts.Duration,
		Logger:   s.log.With(slog.Int("source", s.generation)),
		Metrics:  s.cfg.Metrics,
	})

	s.clock.Pause()
	s.clock.SetCurrentTime(0)
	s.clock.SetBuffered(s.sink)
	s.ctrl.Attach(c)
	s.lastAdvance = time.Now()
}

// tick posts a position update every PositionInterval until ctx ends.
func (s *Session) tick(ctx context.Context) error {
	t := time.NewTicker(s.cfg.PositionInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.loop.Post(s.positionUpdate)
		}
	}
}

func (s *Session) positionUpdate() {
	now := time.Now()
	stalled := s.clock.Advance(now.Sub(s.lastAdvance))
	s.lastAdvance = now
	if stalled != s.stalled && !s.clock.Paused() {
		s.stalled = stalled
		s.log.Debug("playback stall changed",
			slog.Bool("stalled", stalled),
			slog.Float64("time", s.clock.CurrentTime()))
	}
	s.ctrl.Tick()
}

// do runs fn on the session loop.
func (s *Session) do(ctx context.Context, fn func()) error {
	if err := s.loop.Do(ctx, fn); err != nil {
		if errors.Is(err, scheduler.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Close discards the current source and stops the session goroutines.
func (s *Session) Close() {
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.do(ctx, func() {
			if c := s.ctrl.Source(); c != nil {
				c.Close()
			}
		})
		cancel()
		s.stop()
		_ = s.group.Wait()
		s.log.Info("session closed")
	})
}

// Done is closed once the session loop has stopped.
func (s *Session) Done() <-chan struct{} { return s.loop.Done() }

// Status returns a snapshot of the session.
func (s *Session) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.do(ctx, func() {
		c := s.ctrl.Source()
		st = Status{
			ID:              s.ID,
			Codec:           c.Codec(),
			Source:          s.generation,
			CurrentTime:     s.clock.CurrentTime(),
			Paused:          s.clock.Paused(),
			Stalled:         s.stalled,
			Duration:        s.ctrl.Duration(),
			Coordinator:     c.Stats(),
			Buffered:        s.sink.Buffered(),
			Requested:       c.Ledger().Requested(),
			PendingRequests: len(s.pending),
			CreatedAt:       s.CreatedAt,
		}
		if s.seek != nil {
			seek := *s.seek
			st.Seek = &seek
		}
		if err := s.ctrl.Err(); err != nil {
			st.Error = err.Error()
		}
	})
	return st, err
}

// DrainRequests returns and clears the request_range events not yet
// collected by the fetch layer.
func (s *Session) DrainRequests(ctx context.Context) ([]RangeRequest, error) {
	var out []RangeRequest
	err := s.do(ctx, func() {
		out = s.pending
		s.pending = nil
	})
	if out == nil {
		out = []RangeRequest{}
	}
	return out, err
}

// AddStream queues body as the stream starting at offset and waits until it
// has ended. Nothing is read from body before the stream's turn comes, and
// nothing is read from it once AddStream has returned, unless a blocked Read
// outlives readerStopTimeout.
func (s *Session) AddStream(ctx context.Context, offset float64, body io.Reader) (StreamResult, error) {
	rd := source.NewReader(ctx, s.loop, body, s.cfg.ChunkSize)
	defer s.release(rd)

	var h *sequencer.Handle
	if err := s.do(ctx, func() { h = s.ctrl.Source().AddStream(offset, rd) }); err != nil {
		return StreamResult{}, err
	}

	select {
	case <-h.Done():
	case <-ctx.Done():
		return StreamResult{}, ctx.Err()
	case <-s.loop.Done():
		return StreamResult{}, ErrClosed
	}

	var res StreamResult
	err := s.do(ctx, func() {
		res = StreamResult{
			Index:  h.Index,
			Offset: h.Offset,
			Bytes:  h.Received(),
			State:  h.State().String(),
		}
	})
	if err != nil {
		return StreamResult{}, err
	}
	if herr := h.Err(); herr != nil {
		res.Error = herr.Error()
		return res, herr
	}
	return res, nil
}

// release stops rd and waits for its goroutine to leave body.
func (s *Session) release(rd *source.Reader) {
	rd.Stop()
	t := time.NewTimer(readerStopTimeout)
	defer t.Stop()
	select {
	case <-rd.Finished():
	case <-t.C:
		s.log.Warn("stream body still blocked in read after stop",
			slog.Duration("waited", readerStopTimeout))
	}
}

// Seek starts a seek to req and returns its initial status.
func (s *Session) Seek(ctx context.Context, req SeekRequest) (SeekStatus, error) {
	if (req.Time == nil) == (req.Fraction == nil) {
		return SeekStatus{}, ErrInvalidSeek
	}
	var (
		st      SeekStatus
		seekErr error
	)
	err := s.do(ctx, func() {
		var token uint64
		if req.Time != nil {
			token, seekErr = s.ctrl.Seek(*req.Time, s.seekDone)
		} else {
			token, seekErr = s.ctrl.SeekFraction(*req.Fraction, s.seekDone)
		}
		if seekErr != nil {
			return
		}
		s.seek = &SeekStatus{Token: token, Target: s.ctrl.LastSeek(), Outcome: SeekPending}
		st = *s.seek
	})
	if err != nil {
		return SeekStatus{}, err
	}
	if seekErr != nil {
		return SeekStatus{}, fmt.Errorf("%w: %v", ErrInvalidSeek, seekErr)
	}
	return st, nil
}

func (s *Session) seekDone(o playback.SeekOutcome) {
	if errors.Is(o.Err, playback.ErrSeekSuperseded) {
		// The newer seek has its own status.
		return
	}
	st := &SeekStatus{Token: o.Token, Target: o.Target, Polls: o.Polls, Outcome: SeekResolved}
	if o.Err != nil {
		st.Outcome = SeekTimedOut
		st.Error = o.Err.Error()
	}
	s.seek = st
}

// Play resumes playback.
func (s *Session) Play(ctx context.Context) error {
	return s.do(ctx, func() {
		s.lastAdvance = time.Now()
		s.ctrl.Play()
	})
}

// Pause pauses playback.
func (s *Session) Pause(ctx context.Context) error {
	return s.do(ctx, func() {
		s.positionUpdate()
		s.ctrl.Pause()
	})
}

// ReplaceSource discards the current source and starts a new one with opts.
// It returns the new source generation.
func (s *Session) ReplaceSource(ctx context.Context, opts Options) (int, error) {
	var gen int
	err := s.do(ctx, func() {
		s.attach(opts)
		gen = s.generation
		s.log.Info("source replaced", slog.Int("source", gen))
	})
	return gen, err
}

// requestQueue collects a coordinator's range requests for the fetch layer.
type requestQueue struct {
	s          *Session
	generation int
}

func (q *requestQueue) RequestRange(r ranges.TimeRange) {
	if q.generation != q.s.generation {
		return
	}
	q.s.pending = append(q.s.pending, RangeRequest{Start: r.Start, End: r.End, Source: q.generation})
}
