package sequencer_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playback-coordinator/internal/scheduler"
	"playback-coordinator/internal/sequencer"
	"playback-coordinator/internal/source"
)

// recorder logs every target call as a string event.
type recorder struct {
	events []string
	failed []*sequencer.UpstreamStreamError
}

func (r *recorder) SetTimestampOffset(offset float64) {
	r.events = append(r.events, fmt.Sprintf("offset:%g", offset))
}

func (r *recorder) Receive(p []byte) {
	r.events = append(r.events, "data:"+string(p))
}

func (r *recorder) StreamEnded(h *sequencer.Handle) {
	r.events = append(r.events, fmt.Sprintf("end:%d", h.Index))
}

func (r *recorder) StreamFailed(err *sequencer.UpstreamStreamError) {
	r.failed = append(r.failed, err)
	r.events = append(r.events, fmt.Sprintf("fail:%d", err.Index))
}

func TestSequencer_FirstStreamActivatesImmediately(t *testing.T) {
	sched := scheduler.NewManual()
	rec := &recorder{}
	seq := sequencer.New(rec, nil)

	h := seq.AddStream(0, source.NewChunks(sched, []byte("a"), []byte("b")))
	assert.Equal(t, sequencer.Active, h.State())
	assert.Same(t, h, seq.Active())

	sched.RunPending()
	assert.Equal(t, []string{"offset:0", "data:a", "data:b", "end:0"}, rec.events)
	assert.Equal(t, sequencer.Ended, h.State())
	assert.NoError(t, h.Err())
	assert.EqualValues(t, 2, h.Received())
	assert.Nil(t, seq.Active())
}

func TestSequencer_HandOff(t *testing.T) {
	sched := scheduler.NewManual()
	rec := &recorder{}
	seq := sequencer.New(rec, nil)

	s1 := seq.AddStream(0, source.NewChunks(sched, []byte("s1-a"), []byte("s1-b")))
	// S2's bytes have already arrived; they must still wait for S1's end.
	s2 := seq.AddStream(120, source.NewChunks(sched, []byte("s2-a")))
	assert.Equal(t, sequencer.Pending, s2.State())

	sched.Step()
	assert.Equal(t, sequencer.Pending, s2.State())

	sched.RunPending()
	assert.Equal(t, []string{
		"offset:0", "data:s1-a", "data:s1-b", "end:0",
		"offset:120", "data:s2-a", "end:1",
	}, rec.events)
	assert.Equal(t, sequencer.Ended, s1.State())
	assert.Equal(t, sequencer.Ended, s2.State())
}

func TestSequencer_AddAfterChainIdle(t *testing.T) {
	sched := scheduler.NewManual()
	rec := &recorder{}
	seq := sequencer.New(rec, nil)

	seq.AddStream(0, source.NewChunks(sched, []byte("x")))
	sched.RunPending()

	h := seq.AddStream(60, source.NewChunks(sched, []byte("y")))
	assert.Equal(t, sequencer.Active, h.State())
	sched.RunPending()
	assert.Equal(t, []string{"offset:0", "data:x", "end:0", "offset:60", "data:y", "end:1"}, rec.events)
}

func TestSequencer_UpstreamError(t *testing.T) {
	sched := scheduler.NewManual()
	rec := &recorder{}
	seq := sequencer.New(rec, nil)

	bad := source.NewChunks(sched, []byte("partial"))
	bad.Err = errors.New("connection reset")
	s1 := seq.AddStream(0, bad)
	s2 := seq.AddStream(120, source.NewChunks(sched, []byte("never")))

	sched.RunPending()

	require.Len(t, rec.failed, 1)
	assert.ErrorIs(t, rec.failed[0], sequencer.ErrUpstream)
	assert.Equal(t, 0, rec.failed[0].Index)
	assert.ErrorIs(t, s1.Err(), sequencer.ErrUpstream)
	assert.ErrorIs(t, s2.Err(), sequencer.ErrChainBroken)
	assert.NotContains(t, rec.events, "data:never")
	assert.NotContains(t, rec.events, "offset:120")

	select {
	case <-s2.Done():
	default:
		t.Fatal("retired stream should be done")
	}

	s3 := seq.AddStream(240, source.NewChunks(sched, []byte("fresh")))
	assert.Equal(t, sequencer.Active, s3.State(), "a new chain starts after a failure")
	sched.RunPending()
	assert.Contains(t, rec.events, "data:fresh")
}

func TestSequencer_Discard(t *testing.T) {
	sched := scheduler.NewManual()
	rec := &recorder{}
	seq := sequencer.New(rec, nil)

	h := seq.AddStream(0, source.NewChunks(sched, []byte("late")))
	seq.Discard()
	sched.RunPending()

	assert.Equal(t, []string{"offset:0"}, rec.events, "data after discard is dropped")
	assert.ErrorIs(t, h.Err(), sequencer.ErrDiscarded)

	later := seq.AddStream(10, source.NewChunks(sched, []byte("x")))
	assert.ErrorIs(t, later.Err(), sequencer.ErrDiscarded)
}
