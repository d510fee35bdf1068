package media

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// gapTolerance is the largest gap, in seconds, between two ranges that are
// still reported as one contiguous range.
const gapTolerance = 1e-6

// Range is a half-open [Start, End) interval of media time in seconds.
type Range struct {
	Start float64
	End   float64
}

// Duration returns End-Start.
func (r Range) Duration() float64 { return r.End - r.Start }

func (r Range) String() string {
	return fmt.Sprintf("[%g,%g)", r.Start, r.End)
}

// Ranges is a set of disjoint ranges ordered by start time. The zero value is
// the empty set. Methods never modify the receiver.
type Ranges []Range

// Normalize sorts ranges, drops empty ones and merges any that overlap or
// touch.
func Normalize(in []Range) Ranges {
	out := make(Ranges, 0, len(in))
	for _, r := range in {
		if math.IsNaN(r.Start) || math.IsNaN(r.End) || r.End <= r.Start {
			continue
		}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Range) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})

	merged := out[:0]
	for _, r := range out {
		if n := len(merged); n > 0 && r.Start <= merged[n-1].End+gapTolerance {
			merged[n-1].End = max(merged[n-1].End, r.End)
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// Add returns the union of rs and [start, end).
func (rs Ranges) Add(start, end float64) Ranges {
	next := make([]Range, 0, len(rs)+1)
	next = append(next, rs...)
	next = append(next, Range{Start: start, End: end})
	return Normalize(next)
}

// Remove returns rs with [start, end) cut out.
func (rs Ranges) Remove(start, end float64) Ranges {
	if end <= start {
		return rs.Clone()
	}
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

// Clip returns the part of rs that lies within [start, end).
func (rs Ranges) Clip(start, end float64) Ranges {
	out := make(Ranges, 0, len(rs))
	for _, r := range rs {
		s, e := max(r.Start, start), min(r.End, end)
		if e > s {
			out = append(out, Range{Start: s, End: e})
		}
	}
	return out
}

// Contains reports whether t falls inside one of the ranges.
func (rs Ranges) Contains(t float64) bool {
	for _, r := range rs {
		if t >= r.Start && t < r.End {
			return true
		}
	}
	return false
}

// Duration returns the summed length of all ranges.
func (rs Ranges) Duration() float64 {
	var d float64
	for _, r := range rs {
		d += r.Duration()
	}
	return d
}

// Clone returns a copy that shares no memory with rs.
func (rs Ranges) Clone() Ranges {
	if rs == nil {
		return Ranges{}
	}
	return slices.Clone(rs)
}

// Equal reports whether both sets hold exactly the same ranges.
func (rs Ranges) Equal(other Ranges) bool {
	return slices.Equal(rs, other)
}

func (rs Ranges) String() string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}
