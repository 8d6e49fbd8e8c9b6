package ranges

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalidRange is returned when a range has start > end or a NaN bound.
var ErrInvalidRange = errors.New("invalid range")

// TimeRange is a closed interval of playback time in seconds.
// The ledger is unit-agnostic, so byte offsets work just as well.
type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// New validates and returns the range [start, end].
func New(start, end float64) (TimeRange, error) {
	r := TimeRange{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return TimeRange{}, err
	}
	return r, nil
}

// Validate reports ErrInvalidRange for inverted or NaN ranges.
func (r TimeRange) Validate() error {
	if math.IsNaN(r.Start) || math.IsNaN(r.End) || r.Start > r.End {
		return fmt.Errorf("%w: [%v, %v]", ErrInvalidRange, r.Start, r.End)
	}
	return nil
}

// Width returns End - Start.
func (r TimeRange) Width() float64 {
	return r.End - r.Start
}

// Contains reports whether start <= t <= end.
func (r TimeRange) Contains(t float64) bool {
	return r.Start <= t && t <= r.End
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%g, %g]", r.Start, r.End)
}

// Set is a sorted, disjoint list of ranges, the shape a sink reports its
// buffered data in.
type Set []TimeRange

// Add merges r into the set, joining any ranges it overlaps or touches.
func (s Set) Add(r TimeRange) Set {
	if r.Validate() != nil {
		return s
	}
	out := make(Set, 0, len(s)+1)
	merged := r
	for _, cur := range s {
		switch {
		case cur.End < merged.Start:
			out = append(out, cur)
		case cur.Start > merged.End:
			out = append(out, cur)
		default:
			merged.Start = math.Min(merged.Start, cur.Start)
			merged.End = math.Max(merged.End, cur.End)
		}
	}
	out = append(out, merged)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Contains reports whether any range in the set covers t.
func (s Set) Contains(t float64) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i].End >= t })
	return i < len(s) && s[i].Start <= t
}

// Clone returns a copy safe to hand to callers.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	out := make(Set, len(s))
	copy(out, s)
	return out
}
