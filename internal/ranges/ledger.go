package ranges

import "sort"

// DefaultLookahead is the span gapToFetch covers when no end is given.
const DefaultLookahead = 60

// Direction selects which way NextUnrequestedTime scans.
type Direction int

const (
	After Direction = iota
	Before
)

func (d Direction) String() string {
	if d == Before {
		return "before"
	}
	return "after"
}

// BufferedSource reports the sink's buffered ranges, sorted and disjoint.
type BufferedSource interface {
	Buffered() []TimeRange
}

// Ledger tracks the ranges that have been requested and answers which time
// still needs fetching. Requested ranges are kept exactly as registered:
// overlaps and duplicates are expected and never merged.
//
// A Ledger is not safe for concurrent use; it lives on the session's
// scheduler loop.
type Ledger struct {
	requested []TimeRange
	buffered  BufferedSource
}

// NewLedger returns an empty ledger that answers IsBuffered from buffered.
// buffered may be nil, in which case nothing is ever buffered.
func NewLedger(buffered BufferedSource) *Ledger {
	return &Ledger{buffered: buffered}
}

// Register appends r to the requested set. Zero-length and duplicate ranges
// are accepted; only inverted ranges are rejected.
func (l *Ledger) Register(r TimeRange) error {
	if err := r.Validate(); err != nil {
		return err
	}
	l.requested = append(l.requested, r)
	return nil
}

// Requested returns a copy of every registered range in registration order.
func (l *Ledger) Requested() []TimeRange {
	out := make([]TimeRange, len(l.requested))
	copy(out, l.requested)
	return out
}

// IsRequested reports whether some registered range contains t.
func (l *Ledger) IsRequested(t float64) bool {
	for _, r := range l.requested {
		if r.Contains(t) {
			return true
		}
	}
	return false
}

// IsBuffered reports whether the sink currently holds t.
func (l *Ledger) IsBuffered(t float64) bool {
	if l.buffered == nil {
		return false
	}
	return Set(l.buffered.Buffered()).Contains(t)
}

// NextUnrequestedTime finds the first time, scanning in dir from t, that is
// not covered by requested ranges.
func (l *Ledger) NextUnrequestedTime(dir Direction, t float64) float64 {
	if dir == Before {
		return l.before(t)
	}
	return l.after(t)
}

// after follows the furthest end among ranges containing the cursor until no
// containing range reaches further, so chains of adjacent ranges resolve to
// the end of the chain.
func (l *Ledger) after(t float64) float64 {
	cur := t
	for {
		furthest := cur
		for _, r := range l.requested {
			if r.Contains(cur) && r.End > furthest {
				furthest = r.End
			}
		}
		if furthest == cur {
			return cur
		}
		cur = furthest
	}
}

// before returns the largest registered end strictly below t. When that point
// is also inside a different registered range, the scan continues forward
// from it. With no range ending before t the result is 0.
func (l *Ledger) before(t float64) float64 {
	byEnd := l.Requested()
	sort.SliceStable(byEnd, func(i, j int) bool { return byEnd[i].End < byEnd[j].End })

	idx := -1
	for i, r := range byEnd {
		if r.End < t {
			idx = i
		}
	}
	if idx < 0 {
		return 0
	}

	point := byEnd[idx].End
	for i, r := range byEnd {
		if i != idx && r.Contains(point) {
			return l.after(point)
		}
	}
	return point
}

// GapToFetch returns the unrequested span between start and end. Both ends
// are pushed past any requested coverage they fall in, so a gap that runs into
// a later request extends through it and a second call after registering the
// result is empty.
func (l *Ledger) GapToFetch(start, end float64) (TimeRange, error) {
	if err := (TimeRange{Start: start, End: end}).Validate(); err != nil {
		return TimeRange{}, err
	}

	gap := TimeRange{
		Start: l.after(start),
		End:   l.after(end),
	}
	if gap.End < gap.Start {
		gap.End = gap.Start
	}
	return gap, nil
}

// GapAhead is GapToFetch with the default lookahead.
func (l *Ledger) GapAhead(start float64) (TimeRange, error) {
	return l.GapToFetch(start, start+DefaultLookahead)
}
