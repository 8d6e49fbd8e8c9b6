// Package coordinator turns chained byte streams into a single gap-free sink
// buffer and decides which time range to request next.
package coordinator

import (
	"fmt"
	"log/slog"
	"math"

	"playback-coordinator/internal/platform/logger"
	"playback-coordinator/internal/platform/metrics"
	"playback-coordinator/internal/ranges"
	"playback-coordinator/internal/scheduler"
	"playback-coordinator/internal/sequencer"
)

const (
	// DefaultLookahead is how far past the playback position CheckBuffer looks.
	DefaultLookahead = 30
	// DefaultMinFetch is the smallest gap worth requesting.
	DefaultMinFetch = 10
	// DefaultCodec is the sink mime type used when a session names none.
	DefaultCodec = `video/webm; codecs="vorbis,vp8"`
)

// State is the drain state of a coordinator.
type State int

const (
	Idle State = iota
	Draining
	Halted
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Draining:
		return "draining"
	case Halted:
		return "halted"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// RangeRequester is the fetch layer: it fulfils a request by eventually
// calling AddStream with the data for r.
type RangeRequester interface {
	RequestRange(r ranges.TimeRange)
}

// Options tunes a Coordinator. Zero values select the defaults.
type Options struct {
	Lookahead float64
	MinFetch  float64
	Codec     string
	// Duration is the media duration in seconds when already known.
	Duration float64
	Logger   *slog.Logger
	// Metrics may be nil to disable metric recording.
	Metrics *metrics.Metrics
}

// Block is one cached payload. Offset markers carry no data and move the
// sink's timestamp offset when they reach the head of the cache.
type Block struct {
	Seq       uint64
	Data      []byte
	Offset    float64
	HasOffset bool
}

// Stats is a point-in-time view of the coordinator's counters.
type Stats struct {
	State         string  `json:"state"`
	ReceivedBytes int64   `json:"received_bytes"`
	BufferedBytes int64   `json:"buffered_bytes"`
	AppendedBytes int64   `json:"appended_bytes"`
	CachedBlocks  int     `json:"cached_blocks"`
	BufferUpdates int     `json:"buffer_updates"`
	SinkBusy      bool    `json:"sink_busy"`
	StartTime     float64 `json:"start_time"`
	HasStartTime  bool    `json:"has_start_time"`
}

// Coordinator owns one playback source: its ledger, its stream chain and the
// append loop into the sink. All methods must run on sched.
type Coordinator struct {
	sched     scheduler.Scheduler
	sink      Sink
	requester RangeRequester
	ledger    *ranges.Ledger
	seq       *sequencer.Sequencer
	log       *slog.Logger
	metrics   *metrics.Metrics

	lookahead float64
	minFetch  float64
	codec     string

	cache          []Block
	nextSeq        uint64
	sinkBusy       bool
	appending      bool
	inflight       int
	drainScheduled bool
	bufferUpdates  int

	startTime float64
	hasStart  bool
	duration  float64

	receivedBytes int64
	bufferedBytes int64
	appendedBytes int64

	err    error
	closed bool

	startListeners []func(float64)
	errorListeners []func(error)
}

// New returns a coordinator draining into sink and announcing range requests
// to requester.
func New(sched scheduler.Scheduler, sink Sink, requester RangeRequester, opts Options) *Coordinator {
	log := logger.OrDiscard(opts.Logger)
	if opts.Lookahead <= 0 {
		opts.Lookahead = DefaultLookahead
	}
	if opts.MinFetch <= 0 {
		opts.MinFetch = DefaultMinFetch
	}
	if opts.Codec == "" {
		opts.Codec = DefaultCodec
	}

	c := &Coordinator{
		sched:     sched,
		sink:      sink,
		requester: requester,
		ledger:    ranges.NewLedger(sink),
		log:       log,
		metrics:   opts.Metrics,
		lookahead: opts.Lookahead,
		minFetch:  opts.MinFetch,
		codec:     opts.Codec,
	}
	if opts.Duration > 0 && !math.IsInf(opts.Duration, 0) {
		c.duration = opts.Duration
	}
	c.seq = sequencer.New(seqTarget{c}, log)
	sink.Attach(sinkEvents{c})
	return c
}

// Codec returns the sink mime type this source was opened with.
func (c *Coordinator) Codec() string { return c.codec }

// Ledger exposes the range ledger.
func (c *Coordinator) Ledger() *ranges.Ledger { return c.ledger }

// Sequencer exposes the stream chain.
func (c *Coordinator) Sequencer() *sequencer.Sequencer { return c.seq }

// Err returns the error that halted draining, if any.
func (c *Coordinator) Err() error { return c.err }

// State reports the drain state.
func (c *Coordinator) State() State {
	switch {
	case c.closed:
		return Closed
	case c.err != nil:
		return Halted
	case c.sinkBusy:
		return Draining
	default:
		return Idle
	}
}

// Duration returns the media duration when known.
func (c *Coordinator) Duration() (float64, bool) {
	return c.duration, c.duration > 0
}

// SetDuration records the media duration. Non-positive or infinite values
// clear it.
func (c *Coordinator) SetDuration(d float64) {
	if d <= 0 || math.IsInf(d, 0) || math.IsNaN(d) {
		c.duration = 0
		return
	}
	c.duration = d
}

// StartTime returns the start of the first buffered interval once known.
func (c *Coordinator) StartTime() (float64, bool) {
	return c.startTime, c.hasStart
}

// OnStartTime registers fn to run once the start time is known. If it is
// already known fn runs immediately.
func (c *Coordinator) OnStartTime(fn func(float64)) {
	if c.hasStart {
		fn(c.startTime)
		return
	}
	c.startListeners = append(c.startListeners, fn)
}

// OnError registers fn to receive sink rejections and upstream failures.
func (c *Coordinator) OnError(fn func(error)) {
	c.errorListeners = append(c.errorListeners, fn)
}

// Stats returns the current counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		State:         c.State().String(),
		ReceivedBytes: c.receivedBytes,
		BufferedBytes: c.bufferedBytes,
		AppendedBytes: c.appendedBytes,
		CachedBlocks:  len(c.cache),
		BufferUpdates: c.bufferUpdates,
		SinkBusy:      c.sinkBusy,
		StartTime:     c.startTime,
		HasStartTime:  c.hasStart,
	}
}

// AddStream queues src as the next stream of the timeline, starting at
// playback time offset.
func (c *Coordinator) AddStream(offset float64, src sequencer.Source) *sequencer.Handle {
	return c.seq.AddStream(offset, src)
}

// HasTime reports whether t is buffered in the sink.
func (c *Coordinator) HasTime(t float64) bool {
	return c.ledger.IsBuffered(t)
}

// RegisterRange marks r as requested without emitting a request.
func (c *Coordinator) RegisterRange(r ranges.TimeRange) error {
	return c.ledger.Register(r)
}

// CalculateRangeToFetch returns the unrequested gap between start and end.
func (c *Coordinator) CalculateRangeToFetch(start, end float64) (ranges.TimeRange, error) {
	return c.ledger.GapToFetch(start, end)
}

// RequestRange registers [start, end] and asks the fetch layer for it.
func (c *Coordinator) RequestRange(start, end float64) (ranges.TimeRange, error) {
	if c.closed {
		return ranges.TimeRange{}, ErrClosed
	}
	r, err := ranges.New(start, end)
	if err != nil {
		return ranges.TimeRange{}, err
	}
	if err := c.ledger.Register(r); err != nil {
		return ranges.TimeRange{}, err
	}
	c.log.Debug("range requested", slog.Float64("start", r.Start), slog.Float64("end", r.End))
	if c.metrics != nil {
		c.metrics.IncRangeRequests()
	}
	if c.requester != nil {
		c.requester.RequestRange(r)
	}
	return r, nil
}

// CheckBuffer requests the unrequested time within the lookahead window after
// current. Gaps narrower than the minimum fetch size are left alone. It
// returns the computed gap and whether it was requested.
func (c *Coordinator) CheckBuffer(current float64) (ranges.TimeRange, bool, error) {
	if c.closed {
		return ranges.TimeRange{}, false, ErrClosed
	}
	gap, err := c.ledger.GapToFetch(current, current+c.lookahead)
	if err != nil {
		return ranges.TimeRange{}, false, err
	}
	if gap.Width() < c.minFetch {
		return gap, false, nil
	}
	if _, err := c.RequestRange(gap.Start, gap.End); err != nil {
		return gap, false, err
	}
	return gap, true, nil
}

// AddToBuffer caches block (when non-nil) and, if the sink is idle, appends
// the block at the head of the cache. It never waits for the sink. Once
// draining has halted, blocks are refused with the halting error.
func (c *Coordinator) AddToBuffer(block []byte) error {
	if c.closed {
		return ErrClosed
	}
	if c.err != nil {
		return c.err
	}
	if block != nil {
		c.push(Block{Data: block})
		c.receivedBytes += int64(len(block))
		c.bufferedBytes += int64(len(block))
		if c.metrics != nil {
			c.metrics.AddBytesReceived(len(block))
		}
	}

	if err := c.drainOne(); err != nil {
		return err
	}
	c.announceStart()

	if len(c.cache) > 0 && !c.sinkBusy {
		c.scheduleDrain()
	}
	return nil
}

// Close discards the coordinator. Streams still running are abandoned and
// their data dropped.
func (c *Coordinator) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.seq.Discard()
	c.cache = nil
	c.startListeners = nil
	c.errorListeners = nil
	c.log.Debug("coordinator closed",
		slog.Int64("received_bytes", c.receivedBytes),
		slog.Int64("appended_bytes", c.appendedBytes))
}

func (c *Coordinator) push(b Block) {
	c.nextSeq++
	b.Seq = c.nextSeq
	c.cache = append(c.cache, b)
}

// drainOne moves at most one data block from the cache into the sink,
// applying any offset markers queued ahead of it.
func (c *Coordinator) drainOne() error {
	for !c.sinkBusy && len(c.cache) > 0 {
		b := c.cache[0]
		c.cache[0] = Block{}
		c.cache = c.cache[1:]

		if b.HasOffset {
			if err := c.sink.SetTimestampOffset(b.Offset); err != nil {
				return c.halt(&SinkRejectedError{Err: err})
			}
			continue
		}

		c.sinkBusy = true
		c.inflight = len(b.Data)
		c.appending = true
		err := c.sink.Append(b.Data)
		c.appending = false
		if err != nil {
			c.sinkBusy = false
			c.inflight = 0
			return c.halt(&SinkRejectedError{Bytes: len(b.Data), Err: err})
		}
		return nil
	}
	return nil
}

func (c *Coordinator) scheduleDrain() {
	if c.drainScheduled {
		return
	}
	c.drainScheduled = true
	c.sched.Post(func() {
		c.drainScheduled = false
		_ = c.AddToBuffer(nil)
	})
}

func (c *Coordinator) announceStart() {
	if c.hasStart || c.bufferUpdates == 0 {
		return
	}
	buffered := c.sink.Buffered()
	if len(buffered) == 0 {
		return
	}
	c.startTime = buffered[0].Start
	c.hasStart = true
	c.log.Info("start time known", slog.Float64("start_time", c.startTime))

	listeners := c.startListeners
	c.startListeners = nil
	for _, fn := range listeners {
		fn(c.startTime)
	}
}

// halt stops draining for good. Cached blocks are dropped since nothing will
// append them.
func (c *Coordinator) halt(err error) error {
	c.err = err
	c.cache = nil
	c.log.Error("draining halted", slog.String("error", err.Error()))
	if c.metrics != nil {
		c.metrics.IncSinkRejections()
	}
	c.report(err)
	return err
}

func (c *Coordinator) report(err error) {
	for _, fn := range c.errorListeners {
		fn(err)
	}
}

func (c *Coordinator) updateEnd(err error) {
	if c.closed {
		return
	}
	c.sinkBusy = false
	c.bufferUpdates++
	n := c.inflight
	c.inflight = 0

	if err != nil {
		c.halt(&SinkRejectedError{Bytes: n, Err: err})
		return
	}
	c.appendedBytes += int64(n)
	if c.metrics != nil {
		c.metrics.AddBytesAppended(n)
	}
	c.announceStart()

	// Inside Append the caller continues the loop itself.
	if c.appending || c.err != nil {
		return
	}
	if len(c.cache) > 0 {
		_ = c.AddToBuffer(nil)
	}
}

// sinkEvents adapts the coordinator to SinkListener.
type sinkEvents struct{ c *Coordinator }

func (e sinkEvents) UpdateStart() {
	if !e.c.closed {
		e.c.sinkBusy = true
	}
}

func (e sinkEvents) UpdateEnd(err error) { e.c.updateEnd(err) }

// seqTarget adapts the coordinator to sequencer.Target.
type seqTarget struct{ c *Coordinator }

func (t seqTarget) SetTimestampOffset(offset float64) {
	if t.c.closed {
		return
	}
	t.c.push(Block{Offset: offset, HasOffset: true})
}

func (t seqTarget) Receive(p []byte) {
	// Rejections are reported through OnError by halt.
	_ = t.c.AddToBuffer(p)
}

func (t seqTarget) StreamEnded(h *sequencer.Handle) {
	if t.c.metrics != nil {
		t.c.metrics.IncStreamsCompleted()
	}
	t.c.log.Debug("stream complete", slog.Int("index", h.Index), slog.Int64("bytes", h.Received()))
}

func (t seqTarget) StreamFailed(err *sequencer.UpstreamStreamError) {
	if t.c.closed {
		return
	}
	if t.c.metrics != nil {
		t.c.metrics.IncUpstreamErrors()
	}
	t.c.report(err)
}
