package ranges

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedBuffered []TimeRange

func (f fixedBuffered) Buffered() []TimeRange { return f }

func mustRegister(t *testing.T, l *Ledger, start, end float64) {
	t.Helper()
	require.NoError(t, l.Register(TimeRange{Start: start, End: end}))
}

func TestLedger_Register(t *testing.T) {
	l := NewLedger(nil)

	t.Run("accepts_zero_length_and_duplicates", func(t *testing.T) {
		mustRegister(t, l, 5, 5)
		mustRegister(t, l, 0, 30)
		mustRegister(t, l, 0, 30)
		assert.Len(t, l.Requested(), 3)
	})

	t.Run("rejects_inverted", func(t *testing.T) {
		err := l.Register(TimeRange{Start: 10, End: 5})
		assert.True(t, errors.Is(err, ErrInvalidRange))
		assert.Len(t, l.Requested(), 3, "inverted range must not be stored")
	})
}

func TestLedger_IsRequested(t *testing.T) {
	l := NewLedger(nil)
	mustRegister(t, l, 0, 30)
	mustRegister(t, l, 20, 45)

	for _, tm := range []float64{0, 10, 20, 30, 44.5, 45} {
		assert.True(t, l.IsRequested(tm), "t=%v", tm)
	}
	assert.False(t, l.IsRequested(45.01))
	assert.False(t, l.IsRequested(-1))
}

func TestLedger_IsBuffered(t *testing.T) {
	l := NewLedger(fixedBuffered{{Start: 0, End: 12}, {Start: 40, End: 50}})
	assert.True(t, l.IsBuffered(12))
	assert.True(t, l.IsBuffered(41))
	assert.False(t, l.IsBuffered(20))

	assert.False(t, NewLedger(nil).IsBuffered(0))
}

func TestLedger_NextUnrequestedTime_after(t *testing.T) {
	l := NewLedger(nil)
	assert.Equal(t, 7.0, l.NextUnrequestedTime(After, 7), "unrequested time is returned unchanged")

	mustRegister(t, l, 0, 30)
	mustRegister(t, l, 10, 20)
	assert.Equal(t, 30.0, l.NextUnrequestedTime(After, 15), "furthest end wins")

	mustRegister(t, l, 30, 60)
	assert.Equal(t, 60.0, l.NextUnrequestedTime(After, 10), "adjacent chain resolves to its end")
}

func TestLedger_NextUnrequestedTime_before(t *testing.T) {
	t.Run("no_ranges", func(t *testing.T) {
		assert.Equal(t, 0.0, NewLedger(nil).NextUnrequestedTime(Before, 50))
	})

	t.Run("largest_end_below_t", func(t *testing.T) {
		l := NewLedger(nil)
		mustRegister(t, l, 0, 10)
		mustRegister(t, l, 20, 30)
		mustRegister(t, l, 50, 70)
		assert.Equal(t, 30.0, l.NextUnrequestedTime(Before, 40))
	})

	t.Run("covered_point_continues_forward", func(t *testing.T) {
		l := NewLedger(nil)
		mustRegister(t, l, 0, 30)
		mustRegister(t, l, 25, 35)
		mustRegister(t, l, 35, 38)
		// 30 lies inside [25,35], which chains on to 38.
		assert.Equal(t, 38.0, l.NextUnrequestedTime(Before, 32))
	})
}

func TestLedger_GapToFetch(t *testing.T) {
	t.Run("partial_coverage", func(t *testing.T) {
		l := NewLedger(nil)
		mustRegister(t, l, 0, 30)
		gap, err := l.GapToFetch(0, 60)
		require.NoError(t, err)
		assert.Equal(t, TimeRange{Start: 30, End: 60}, gap)
	})

	t.Run("fully_covered_chain", func(t *testing.T) {
		l := NewLedger(nil)
		mustRegister(t, l, 0, 30)
		mustRegister(t, l, 30, 60)
		gap, err := l.GapToFetch(10, 50)
		require.NoError(t, err)
		assert.Equal(t, TimeRange{Start: 60, End: 60}, gap)
		assert.Zero(t, gap.Width())
	})

	t.Run("end_extends_through_later_request", func(t *testing.T) {
		l := NewLedger(nil)
		mustRegister(t, l, 40, 50)
		gap, err := l.GapToFetch(0, 45)
		require.NoError(t, err)
		assert.Equal(t, TimeRange{Start: 0, End: 50}, gap)
	})

	t.Run("short_hole_before_later_request", func(t *testing.T) {
		l := NewLedger(nil)
		mustRegister(t, l, 0, 30)
		mustRegister(t, l, 30, 42.3)
		mustRegister(t, l, 50, 170)
		gap, err := l.GapToFetch(20, 50)
		require.NoError(t, err)
		assert.Equal(t, TimeRange{Start: 42.3, End: 170}, gap)
	})

	t.Run("default_lookahead", func(t *testing.T) {
		gap, err := NewLedger(nil).GapAhead(12)
		require.NoError(t, err)
		assert.Equal(t, TimeRange{Start: 12, End: 72}, gap)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := NewLedger(nil).GapToFetch(10, 5)
		assert.ErrorIs(t, err, ErrInvalidRange)
	})

	t.Run("second_call_is_empty", func(t *testing.T) {
		l := NewLedger(nil)
		gap, err := l.GapToFetch(5, 35)
		require.NoError(t, err)
		require.NoError(t, l.Register(gap))

		again, err := l.GapToFetch(5, 35)
		require.NoError(t, err)
		assert.Zero(t, again.Width())
	})
}

func TestSet_Add(t *testing.T) {
	var s Set
	s = s.Add(TimeRange{Start: 10, End: 20})
	s = s.Add(TimeRange{Start: 0, End: 5})
	s = s.Add(TimeRange{Start: 30, End: 40})
	assert.Equal(t, Set{{0, 5}, {10, 20}, {30, 40}}, s)

	s = s.Add(TimeRange{Start: 5, End: 10})
	assert.Equal(t, Set{{0, 20}, {30, 40}}, s, "touching ranges merge")

	s = s.Add(TimeRange{Start: 15, End: 35})
	assert.Equal(t, Set{{0, 40}}, s)

	s = s.Add(TimeRange{Start: 9, End: 1})
	assert.Equal(t, Set{{0, 40}}, s, "invalid ranges are ignored")
}

func TestSet_Contains(t *testing.T) {
	s := Set{{0, 5}, {10, 20}}
	assert.True(t, s.Contains(0))
	assert.True(t, s.Contains(20))
	assert.False(t, s.Contains(7))
	assert.False(t, s.Contains(21))
	assert.False(t, Set(nil).Contains(0))
}
