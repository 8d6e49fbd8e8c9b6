package playback

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playback-coordinator/internal/coordinator"
	"playback-coordinator/internal/ranges"
	"playback-coordinator/internal/scheduler"
	"playback-coordinator/internal/sink"
	"playback-coordinator/internal/source"
)

type requestLog []ranges.TimeRange

func (r *requestLog) RequestRange(tr ranges.TimeRange) { *r = append(*r, tr) }

type harness struct {
	sched *scheduler.Manual
	sink  *sink.ConstantRate
	reqs  *requestLog
	coord *coordinator.Coordinator
	clock *SimClock
	ctrl  *Controller
}

// newHarness wires a controller to a one-byte-per-second sink so byte counts
// read directly as seconds.
func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{sched: scheduler.NewManual(), reqs: &requestLog{}}
	h.sink = sink.NewConstantRate(h.sched, 1)
	h.coord = coordinator.New(h.sched, h.sink, h.reqs, coordinator.Options{})
	h.clock = NewSimClock(h.sink)
	h.ctrl = New(h.sched, h.clock, opts)
	h.ctrl.Attach(h.coord)
	return h
}

// feed supplies seconds worth of media starting at offset.
func (h *harness) feed(offset float64, seconds int) {
	h.coord.AddStream(offset, source.NewChunks(h.sched, bytes.Repeat([]byte{0x42}, seconds)))
}

func TestController_SeekResolves(t *testing.T) {
	h := newHarness(t, Options{})

	var outcomes []SeekOutcome
	_, err := h.ctrl.Seek(47, func(o SeekOutcome) { outcomes = append(outcomes, o) })
	require.NoError(t, err)
	assert.Equal(t, requestLog{{Start: 40, End: 160}}, *h.reqs, "seek floors to ten seconds and requests a segment")

	h.sched.RunPending()
	assert.Empty(t, outcomes, "still waiting for data")

	h.feed(40, 20)
	h.sched.Advance(time.Second)

	require.Len(t, outcomes, 1)
	assert.NoError(t, outcomes[0].Err)
	assert.Equal(t, 47.0, h.clock.CurrentTime())
	assert.False(t, h.clock.Paused())
}

func TestController_NewerSeekWins(t *testing.T) {
	h := newHarness(t, Options{})

	var outcomes []SeekOutcome
	record := func(o SeekOutcome) { outcomes = append(outcomes, o) }

	first, err := h.ctrl.Seek(50, record)
	require.NoError(t, err)
	second, err := h.ctrl.Seek(80, record)
	require.NoError(t, err)
	require.Greater(t, second, first)

	require.Len(t, outcomes, 1)
	assert.Equal(t, first, outcomes[0].Token)
	assert.ErrorIs(t, outcomes[0].Err, ErrSeekSuperseded)

	// Data for the stale target arrives first; it must not move the clock.
	h.feed(50, 10)
	h.sched.Advance(2 * time.Second)
	assert.True(t, h.ctrl.HasTime(50))
	assert.Zero(t, h.clock.CurrentTime())

	h.feed(80, 20)
	h.sched.Advance(time.Second)

	require.Len(t, outcomes, 2)
	assert.Equal(t, second, outcomes[1].Token)
	assert.NoError(t, outcomes[1].Err)
	assert.Equal(t, 80.0, h.clock.CurrentTime())

	h.sched.Advance(10 * time.Second)
	assert.Equal(t, 80.0, h.clock.CurrentTime())
	assert.Len(t, outcomes, 2)
}

func TestController_SeekTimesOut(t *testing.T) {
	h := newHarness(t, Options{MaxPolls: 3, PollInterval: time.Second})

	var outcome *SeekOutcome
	_, err := h.ctrl.Seek(300, func(o SeekOutcome) { outcome = &o })
	require.NoError(t, err)

	h.sched.Advance(5 * time.Second)
	require.NotNil(t, outcome)
	assert.ErrorIs(t, outcome.Err, ErrSeekTimeout)
	assert.Equal(t, 3, outcome.Polls)
	assert.Zero(t, h.clock.CurrentTime())
}

func TestController_SeekValidation(t *testing.T) {
	clock := NewSimClock(nil)
	ctrl := New(scheduler.NewManual(), clock, Options{})
	_, err := ctrl.Seek(10, nil)
	assert.ErrorIs(t, err, ErrNoSource)

	h := newHarness(t, Options{})
	_, err = h.ctrl.Seek(math.NaN(), nil)
	assert.Error(t, err)
	_, err = h.ctrl.SeekFraction(1001, nil)
	assert.Error(t, err)
}

func TestController_SeekFraction(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.ctrl.SeekFraction(500, nil)
	require.NoError(t, err)
	assert.Equal(t, 1200.0, h.ctrl.LastSeek(), "half of the default 2400 second duration")
	assert.Equal(t, requestLog{{Start: 1200, End: 1320}}, *h.reqs)
}

func TestController_Duration(t *testing.T) {
	h := newHarness(t, Options{DefaultDuration: 600})
	assert.Equal(t, 600.0, h.ctrl.Duration())

	h.clock.SetDuration(900)
	assert.Equal(t, 900.0, h.ctrl.Duration())

	h.coord.SetDuration(1500)
	assert.Equal(t, 1500.0, h.ctrl.Duration())
}

func TestController_TickRequestsAndReportsProgress(t *testing.T) {
	h := newHarness(t, Options{})

	var progress []float64
	h.ctrl.OnProgress(func(at float64) { progress = append(progress, at) })

	h.ctrl.Tick()
	assert.Equal(t, requestLog{{Start: 0, End: 30}}, *h.reqs)
	assert.Empty(t, progress)

	h.ctrl.Tick()
	assert.Len(t, *h.reqs, 1, "no duplicate request without new data")

	h.clock.SetCurrentTime(25)
	h.ctrl.Tick()
	assert.Equal(t, requestLog{{Start: 0, End: 30}, {Start: 30, End: 55}}, *h.reqs)
	assert.Equal(t, []float64{25}, progress)

	h.ctrl.Tick()
	assert.Equal(t, []float64{25}, progress, "progress reported once per ten seconds")
}

func TestController_StartTimeMovesClock(t *testing.T) {
	h := newHarness(t, Options{})
	var announced []float64
	h.ctrl.OnStartTime(func(ts float64) { announced = append(announced, ts) })

	h.feed(120, 5)
	h.sched.RunPending()

	assert.Equal(t, 120.0, h.clock.CurrentTime())
	assert.Equal(t, []float64{120}, announced)
}

func TestController_AttachReplacesSource(t *testing.T) {
	h := newHarness(t, Options{})

	var outcome *SeekOutcome
	_, err := h.ctrl.Seek(30, func(o SeekOutcome) { outcome = &o })
	require.NoError(t, err)

	next := coordinator.New(h.sched, sink.NewConstantRate(h.sched, 1), h.reqs, coordinator.Options{})
	h.ctrl.Attach(next)

	require.NotNil(t, outcome)
	assert.ErrorIs(t, outcome.Err, ErrSeekSuperseded)
	assert.Equal(t, coordinator.Closed, h.coord.State())
	assert.Same(t, next, h.ctrl.Source())

	// Data for the discarded source is dropped.
	h.feed(30, 10)
	h.sched.Advance(3 * time.Second)
	assert.Empty(t, h.sink.Buffered())
}

func TestController_SinkErrorSurfaced(t *testing.T) {
	h := newHarness(t, Options{})
	var reported []error
	h.ctrl.OnError(func(err error) { reported = append(reported, err) })

	h.sink.RejectNext()
	h.feed(0, 4)
	h.sched.RunPending()

	assert.ErrorIs(t, h.ctrl.Err(), coordinator.ErrSinkRejected)
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], sink.ErrDecode)
}

func TestSimClock_Advance(t *testing.T) {
	buffered := fixed{{Start: 0, End: 10}, {Start: 20, End: 30}}
	c := NewSimClock(buffered)

	assert.False(t, c.Advance(time.Second), "paused clocks do not move")
	assert.Zero(t, c.CurrentTime())

	c.Play()
	assert.False(t, c.Advance(4*time.Second))
	assert.Equal(t, 4.0, c.CurrentTime())

	assert.True(t, c.Advance(10*time.Second), "stalls at the end of buffered data")
	assert.Equal(t, 10.0, c.CurrentTime())

	c.SetCurrentTime(15)
	assert.True(t, c.Advance(time.Second))
	assert.Equal(t, 15.0, c.CurrentTime())
}

type fixed []ranges.TimeRange

func (f fixed) Buffered() []ranges.TimeRange { return f }
