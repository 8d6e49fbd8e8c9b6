// Package playback drives a coordinator from position updates and seeks.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"playback-coordinator/internal/coordinator"
	"playback-coordinator/internal/platform/logger"
	"playback-coordinator/internal/platform/metrics"
	"playback-coordinator/internal/scheduler"
)

const (
	// DefaultSegmentLength is the span, in seconds, a seek requests.
	DefaultSegmentLength = 2 * 60
	// DefaultDuration is assumed when neither source nor clock knows one.
	DefaultDuration = 2400
	// DefaultPollInterval is how often a seek rechecks the buffer.
	DefaultPollInterval = time.Second
	// DefaultMaxPolls bounds how long a seek waits for data.
	DefaultMaxPolls = 30

	seekGranularity = 10
	progressStep    = 10
	seekBarScale    = 1000
)

var (
	// ErrNoSource is returned when seeking before a source is attached.
	ErrNoSource = errors.New("no source attached")
	// ErrSeekSuperseded is reported for a seek replaced by a newer one.
	ErrSeekSuperseded = errors.New("seek superseded")
	// ErrSeekTimeout is reported when the target never became buffered.
	ErrSeekTimeout = errors.New("seek target not buffered in time")
)

// Options tunes a Controller. Zero values select the defaults.
type Options struct {
	SegmentLength   float64
	DefaultDuration float64
	PollInterval    time.Duration
	MaxPolls        int
	Logger          *slog.Logger
	// Metrics may be nil to disable metric recording.
	Metrics *metrics.Metrics
}

// SeekOutcome describes how a seek finished. Err is nil when the clock moved
// to Target.
type SeekOutcome struct {
	Token  uint64
	Target float64
	Polls  int
	Err    error
}

// Controller turns position updates and seeks into coordinator calls. Like
// the coordinator it runs entirely on one scheduler.
type Controller struct {
	sched   scheduler.Scheduler
	clock   Clock
	source  *coordinator.Coordinator
	log     *slog.Logger
	metrics *metrics.Metrics

	segmentLength   float64
	defaultDuration float64
	pollInterval    time.Duration
	maxPolls        int

	intent      uint64
	lastSeek    float64
	pending     *pendingSeek
	lastDecade  int
	err         error
	onProgress  []func(float64)
	onError     []func(error)
	onStartTime []func(float64)
}

type pendingSeek struct {
	token  uint64
	target float64
	polls  int
	cancel func() bool
	done   func(SeekOutcome)
}

// New returns a controller for clock with no source attached.
func New(sched scheduler.Scheduler, clock Clock, opts Options) *Controller {
	log := logger.OrDiscard(opts.Logger)
	if opts.SegmentLength <= 0 {
		opts.SegmentLength = DefaultSegmentLength
	}
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = DefaultDuration
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = DefaultMaxPolls
	}
	return &Controller{
		sched:           sched,
		clock:           clock,
		log:             log,
		metrics:         opts.Metrics,
		segmentLength:   opts.SegmentLength,
		defaultDuration: opts.DefaultDuration,
		pollInterval:    opts.PollInterval,
		maxPolls:        opts.MaxPolls,
	}
}

// Attach makes c the current source, discarding the previous one and any
// seek still waiting on it, and starts playback.
func (p *Controller) Attach(c *coordinator.Coordinator) {
	if p.source != nil && p.source != c {
		p.source.Close()
	}
	p.supersede()
	p.intent++
	p.source = c
	p.err = nil
	p.lastDecade = 0

	c.OnError(p.fail)
	c.OnStartTime(func(ts float64) {
		if p.source != c {
			return
		}
		if ts > 0 {
			p.clock.SetCurrentTime(ts)
		}
		for _, fn := range p.onStartTime {
			fn(ts)
		}
	})
	p.clock.Play()
}

// Source returns the attached coordinator, or nil.
func (p *Controller) Source() *coordinator.Coordinator { return p.source }

// Clock returns the driven clock.
func (p *Controller) Clock() Clock { return p.clock }

// Err returns the last error reported by the source.
func (p *Controller) Err() error { return p.err }

// Intent returns the current seek token.
func (p *Controller) Intent() uint64 { return p.intent }

// LastSeek returns the target of the most recent seek.
func (p *Controller) LastSeek() float64 { return p.lastSeek }

// OnProgress registers fn to run each time playback enters a new ten-second
// stretch.
func (p *Controller) OnProgress(fn func(float64)) { p.onProgress = append(p.onProgress, fn) }

// OnError registers fn to receive errors from the attached source.
func (p *Controller) OnError(fn func(error)) { p.onError = append(p.onError, fn) }

// OnStartTime registers fn to receive the start time of attached sources.
func (p *Controller) OnStartTime(fn func(float64)) { p.onStartTime = append(p.onStartTime, fn) }

// Play resumes the clock.
func (p *Controller) Play() { p.clock.Play() }

// Pause stops the clock. Buffer checks on Tick continue while paused.
func (p *Controller) Pause() { p.clock.Pause() }

// Duration resolves the media duration: the source's when known, else the
// clock's when finite, else the configured default.
func (p *Controller) Duration() float64 {
	if p.source != nil {
		if d, ok := p.source.Duration(); ok {
			return d
		}
	}
	if d := p.clock.Duration(); !math.IsNaN(d) && !math.IsInf(d, 0) && d > 0 {
		return d
	}
	return p.defaultDuration
}

// HasTime reports whether t is buffered in the current source.
func (p *Controller) HasTime(t float64) bool {
	return p.source != nil && p.source.HasTime(t)
}

// Tick handles a periodic position update.
func (p *Controller) Tick() {
	if p.source == nil {
		return
	}
	now := p.clock.CurrentTime()
	if _, _, err := p.source.CheckBuffer(now); err != nil && !errors.Is(err, coordinator.ErrClosed) {
		p.log.Warn("check buffer failed", slog.Float64("time", now), slog.String("error", err.Error()))
	}

	dec := int(now / progressStep)
	if dec > p.lastDecade {
		p.lastDecade = dec
		if p.metrics != nil {
			p.metrics.IncProgressReports()
		}
		p.log.Debug("playback progress", slog.Float64("time", now))
		for _, fn := range p.onProgress {
			fn(now)
		}
	}
}

// Seek requests the segment around target and moves the clock there once it
// is buffered. A newer seek cancels this one without side effects. done, if
// non-nil, receives the outcome. The returned token identifies this seek.
func (p *Controller) Seek(target float64, done func(SeekOutcome)) (uint64, error) {
	if p.source == nil {
		return 0, ErrNoSource
	}
	if math.IsNaN(target) || target < 0 {
		return 0, fmt.Errorf("invalid seek target %v", target)
	}

	p.supersede()
	p.intent++
	token := p.intent
	p.lastSeek = target

	from := math.Floor(target/seekGranularity) * seekGranularity
	to := from + p.segmentLength
	if _, err := p.source.RequestRange(from, to); err != nil {
		return token, err
	}

	p.log.Info("seek", slog.Float64("target", target), slog.Uint64("token", token))
	p.pending = &pendingSeek{token: token, target: target, done: done}
	source := p.source
	p.sched.Post(func() { p.poll(token, source) })
	return token, nil
}

// SeekFraction seeks to a seek-bar value in [0, 1000] of the duration.
func (p *Controller) SeekFraction(value float64, done func(SeekOutcome)) (uint64, error) {
	if math.IsNaN(value) || value < 0 || value > seekBarScale {
		return 0, fmt.Errorf("seek bar value %v out of range", value)
	}
	return p.Seek(p.Duration()*(value/seekBarScale), done)
}

func (p *Controller) poll(token uint64, source *coordinator.Coordinator) {
	ps := p.pending
	if ps == nil || ps.token != token || p.intent != token || p.source != source {
		return
	}

	if source.HasTime(ps.target) {
		p.pending = nil
		p.clock.SetCurrentTime(ps.target)
		p.clock.Play()
		p.finish(ps, nil, metrics.SeekResolved)
		return
	}

	ps.polls++
	if ps.polls >= p.maxPolls {
		p.pending = nil
		p.finish(ps, ErrSeekTimeout, metrics.SeekTimedOut)
		return
	}
	ps.cancel = p.sched.AfterFunc(p.pollInterval, func() { p.poll(token, source) })
}

// supersede aborts the pending seek, if any.
func (p *Controller) supersede() {
	ps := p.pending
	if ps == nil {
		return
	}
	p.pending = nil
	if ps.cancel != nil {
		ps.cancel()
	}
	p.finish(ps, ErrSeekSuperseded, metrics.SeekSuperseded)
}

func (p *Controller) finish(ps *pendingSeek, err error, outcome string) {
	if p.metrics != nil {
		p.metrics.IncSeeks(outcome)
	}
	p.log.Debug("seek finished",
		slog.Uint64("token", ps.token),
		slog.Float64("target", ps.target),
		slog.String("outcome", outcome))
	if ps.done != nil {
		ps.done(SeekOutcome{Token: ps.token, Target: ps.target, Polls: ps.polls, Err: err})
	}
}

func (p *Controller) fail(err error) {
	p.err = err
	p.log.Error("source error", slog.String("error", err.Error()))
	for _, fn := range p.onError {
		fn(err)
	}
}
