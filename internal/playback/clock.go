package playback

import (
	"math"
	"time"

	"playback-coordinator/internal/ranges"
)

// Clock is the playback position the controller drives.
type Clock interface {
	CurrentTime() float64
	SetCurrentTime(t float64)
	Play()
	Pause()
	Paused() bool
	// Duration returns the media duration, or NaN when unknown.
	Duration() float64
}

// SimClock is a Clock that advances with wall time while playing, but only
// through buffered media: it stalls at the end of the buffered interval it is
// in, the way a media element does.
type SimClock struct {
	current  float64
	paused   bool
	duration float64
	buffered ranges.BufferedSource
}

// NewSimClock returns a paused clock at zero reading buffered data from
// buffered, which may be nil until a source is attached.
func NewSimClock(buffered ranges.BufferedSource) *SimClock {
	return &SimClock{paused: true, duration: math.NaN(), buffered: buffered}
}

// SetBuffered swaps the buffered-range source, e.g. after a source change.
func (c *SimClock) SetBuffered(b ranges.BufferedSource) { c.buffered = b }

func (c *SimClock) CurrentTime() float64     { return c.current }
func (c *SimClock) SetCurrentTime(t float64) { c.current = t }
func (c *SimClock) Play()                    { c.paused = false }
func (c *SimClock) Pause()                   { c.paused = true }
func (c *SimClock) Paused() bool             { return c.paused }
func (c *SimClock) Duration() float64        { return c.duration }

// SetDuration records the media duration; NaN clears it.
func (c *SimClock) SetDuration(d float64) { c.duration = d }

// Advance moves the position forward by elapsed when playing, clamped to the
// end of the buffered interval containing the current position. It reports
// whether playback is stalled for lack of data.
func (c *SimClock) Advance(elapsed time.Duration) (stalled bool) {
	if c.paused || elapsed <= 0 {
		return false
	}
	if c.buffered == nil {
		return true
	}
	for _, r := range c.buffered.Buffered() {
		if !r.Contains(c.current) {
			continue
		}
		next := c.current + elapsed.Seconds()
		if next >= r.End {
			c.current = r.End
			return true
		}
		c.current = next
		return false
	}
	return true
}
