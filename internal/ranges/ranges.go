// Package ranges implements arithmetic over sorted, non-overlapping time
// ranges expressed in seconds, as reported by media sinks.
package ranges

import (
	"math"
	"sort"
)

// Epsilon is the tolerance used when deciding whether two range edges touch.
const Epsilon = 1.0 / 60

// Range is the half-open interval [Start, End). End may be +Inf.
type Range struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns End-Start, or 0 for an empty range.
func (r Range) Duration() float64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Contains reports whether t is in [Start, End).
func (r Range) Contains(t float64) bool {
	return t >= r.Start && t < r.End
}

// Overlaps reports whether the two ranges share some time.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// Ranges is a list of ranges sorted by Start without overlaps.
type Ranges []Range

// Normalize sorts rs and merges overlapping or touching ranges (within Epsilon),
// dropping empty ones.
func Normalize(rs []Range) Ranges {
	cp := make([]Range, 0, len(rs))
	for _, r := range rs {
		if r.End > r.Start {
			cp = append(cp, r)
		}
	}
	sort.Slice(cp, func(i, j int) bool { return cp[i].Start < cp[j].Start })

	out := make(Ranges, 0, len(cp))
	for _, r := range cp {
		if n := len(out); n > 0 && r.Start <= out[n-1].End+Epsilon {
			if r.End > out[n-1].End {
				out[n-1].End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Insert returns rs with r added.
func (rs Ranges) Insert(r Range) Ranges {
	all := append(append([]Range(nil), rs...), r)
	return Normalize(all)
}

// Remove returns rs with [start, end) cut out.
func (rs Ranges) Remove(start, end float64) Ranges {
	out := make(Ranges, 0, len(rs)+1)
	for _, r := range rs {
		if r.End <= start || r.Start >= end {
			out = append(out, r)
			continue
		}
		if r.Start < start {
			out = append(out, Range{Start: r.Start, End: start})
		}
		if r.End > end {
			out = append(out, Range{Start: end, End: r.End})
		}
	}
	return out
}

// RangeContaining returns the range containing t.
func (rs Ranges) RangeContaining(t float64) (Range, bool) {
	for _, r := range rs {
		if r.Contains(t) {
			return r, true
		}
	}
	return Range{}, false
}

// Contains reports whether t is inside one of the ranges.
func (rs Ranges) Contains(t float64) bool {
	_, ok := rs.RangeContaining(t)
	return ok
}

// GapAhead returns the amount of contiguous buffered time after t, or 0 when t
// is not buffered.
func (rs Ranges) GapAhead(t float64) float64 {
	r, ok := rs.RangeContaining(t)
	if !ok {
		return 0
	}
	return r.End - t
}

// InnerAndOuter splits rs into the range containing t (if any) and every
// other range.
func (rs Ranges) InnerAndOuter(t float64) (inner *Range, outer Ranges) {
	for i := range rs {
		if rs[i].Contains(t) && inner == nil {
			r := rs[i]
			inner = &r
			continue
		}
		outer = append(outer, rs[i])
	}
	return inner, outer
}

// Intersect keeps only the parts of rs also covered by other.
func (rs Ranges) Intersect(other Ranges) Ranges {
	var out Ranges
	for _, a := range rs {
		for _, b := range other {
			start := math.Max(a.Start, b.Start)
			end := math.Min(a.End, b.End)
			if end > start {
				out = append(out, Range{Start: start, End: end})
			}
		}
	}
	return Normalize(out)
}

// Exclude removes every range of other from rs.
func (rs Ranges) Exclude(other Ranges) Ranges {
	out := append(Ranges(nil), rs...)
	for _, o := range other {
		out = out.Remove(o.Start, o.End)
	}
	return out
}

// Start returns the start of the first range.
func (rs Ranges) Start() (float64, bool) {
	if len(rs) == 0 {
		return 0, false
	}
	return rs[0].Start, true
}

// End returns the end of the last range.
func (rs Ranges) End() (float64, bool) {
	if len(rs) == 0 {
		return 0, false
	}
	return rs[len(rs)-1].End, true
}
