package source

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"playback-coordinator/internal/scheduler"
)

// events records listener calls; it is only touched on the scheduler.
type events struct {
	data []string
	end  bool
	err  error
	done chan struct{}
}

func newEvents() *events { return &events{done: make(chan struct{})} }

func (e *events) Data(p []byte) { e.data = append(e.data, string(p)) }
func (e *events) End()          { e.end = true; close(e.done) }
func (e *events) Error(err error) {
	e.err = err
	close(e.done)
}

func runLoop(t *testing.T) *scheduler.Loop {
	t.Helper()
	l := scheduler.NewLoop()
	go l.Run(context.Background())
	t.Cleanup(l.Close)
	return l
}

func wait(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestReader_DeliversChunksThenEnd(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	l := runLoop(t)

	ev := newEvents()
	rd := NewReader(context.Background(), l, strings.NewReader("abcde"), 2)
	require.NoError(t, l.Do(context.Background(), func() { rd.Start(ev) }))
	wait(t, ev.done)
	wait(t, rd.Finished())

	require.NoError(t, l.Do(context.Background(), func() {
		assert.Equal(t, []string{"ab", "cd", "e"}, ev.data)
		assert.True(t, ev.end)
		assert.NoError(t, ev.err)
	}))
	l.Close()
}

func TestReader_CancelledContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	l := runLoop(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ev := newEvents()
	rd := NewReader(ctx, l, strings.NewReader("never read"), 0)
	rd.Start(ev)
	wait(t, ev.done)

	require.NoError(t, l.Do(context.Background(), func() {
		assert.Empty(t, ev.data)
		assert.ErrorIs(t, ev.err, context.Canceled)
	}))
	l.Close()
}

// abortable blocks in Read until Abort is called.
type abortable struct {
	began   chan struct{}
	aborted chan struct{}
	once    sync.Once
	start   sync.Once
}

func newAbortable() *abortable {
	return &abortable{began: make(chan struct{}), aborted: make(chan struct{})}
}

func (a *abortable) Read(p []byte) (int, error) {
	a.start.Do(func() { close(a.began) })
	<-a.aborted
	return 0, errors.New("read deadline exceeded")
}

func (a *abortable) Abort() error {
	a.once.Do(func() { close(a.aborted) })
	return nil
}

func TestReader_StopAbortsBlockedRead(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	l := runLoop(t)

	body := newAbortable()
	ev := newEvents()
	rd := NewReader(context.Background(), l, body, 0)
	rd.Start(ev)
	wait(t, body.began)

	rd.Stop()
	wait(t, rd.Finished())

	require.NoError(t, l.Do(context.Background(), func() {
		assert.Empty(t, ev.data)
		assert.NoError(t, ev.err, "a stopped reader reports nothing")
		assert.False(t, ev.end)
	}))
	l.Close()
}

func TestReader_StopBeforeStart(t *testing.T) {
	sched := scheduler.NewManual()
	ev := newEvents()
	rd := NewReader(context.Background(), sched, strings.NewReader("unread"), 0)

	rd.Stop()
	wait(t, rd.Finished())

	rd.Start(ev)
	sched.RunPending()
	assert.Empty(t, ev.data)
	assert.False(t, ev.end)

	rd.Stop()
}

func TestReader_StopAfterEndDoesNotAbort(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	l := runLoop(t)

	body := &endingAbortable{Reader: strings.NewReader("ab")}
	ev := newEvents()
	rd := NewReader(context.Background(), l, body, 0)
	rd.Start(ev)
	wait(t, ev.done)

	rd.Stop()
	wait(t, rd.Finished())
	assert.False(t, body.aborted, "a finished body is left alone")
	l.Close()
}

type endingAbortable struct {
	*strings.Reader
	aborted bool
}

func (e *endingAbortable) Abort() error {
	e.aborted = true
	return nil
}

func TestChunks(t *testing.T) {
	sched := scheduler.NewManual()

	ev := newEvents()
	NewChunks(sched, []byte("x"), []byte("y")).Start(ev)
	assert.Empty(t, ev.data, "nothing is delivered before the scheduler runs")
	sched.RunPending()
	assert.Equal(t, []string{"x", "y"}, ev.data)
	assert.True(t, ev.end)

	failing := NewChunks(sched, []byte("z"))
	failing.Err = errors.New("reset")
	ev = newEvents()
	failing.Start(ev)
	sched.RunPending()
	assert.Equal(t, []string{"z"}, ev.data)
	assert.EqualError(t, ev.err, "reset")
	assert.False(t, ev.end)
}
