// Package media holds the value types shared by the playback core: time
// ranges, decoded audio buffers, pressure tiers, task priorities and the
// error taxonomy.
package media

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// UnionEpsilon is the largest gap (seconds) two ranges may have and still merge.
const UnionEpsilon = 0.1

// TimeRange is a media time interval in seconds. End is never before Start.
type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// NewTimeRange clamps end to start when the caller passes an inverted interval.
func NewTimeRange(start, end float64) TimeRange {
	if end < start {
		end = start
	}
	return TimeRange{Start: start, End: end}
}

// FromZero returns [0, d].
func FromZero(d float64) TimeRange {
	return NewTimeRange(0, d)
}

// Centered returns a range of length d around center, clamped at zero.
func Centered(center, d float64) TimeRange {
	half := d / 2
	return NewTimeRange(math.Max(0, center-half), center+half)
}

func (r TimeRange) Duration() float64 { return r.End - r.Start }

func (r TimeRange) Midpoint() float64 { return (r.Start + r.End) / 2 }

// Contains reports whether t lies inside the range, bounds included.
func (r TimeRange) Contains(t float64) bool {
	return t >= r.Start && t <= r.End
}

// Overlaps reports whether the ranges share a non-empty interior.
func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.Start < o.End && r.End > o.Start
}

// Intersection returns the shared part of two ranges.
func (r TimeRange) Intersection(o TimeRange) (TimeRange, bool) {
	start := math.Max(r.Start, o.Start)
	end := math.Min(r.End, o.End)
	if start >= end {
		return TimeRange{}, false
	}
	return TimeRange{Start: start, End: end}, true
}

// Union merges two ranges that overlap or sit within UnionEpsilon of each other.
func (r TimeRange) Union(o TimeRange) (TimeRange, bool) {
	adjacent := math.Abs(r.End-o.Start) < UnionEpsilon || math.Abs(o.End-r.Start) < UnionEpsilon
	if !r.Overlaps(o) && !adjacent {
		return TimeRange{}, false
	}
	return TimeRange{Start: math.Min(r.Start, o.Start), End: math.Max(r.End, o.End)}, true
}

// Distance is the smaller distance from t to either bound.
func (r TimeRange) Distance(t float64) float64 {
	return math.Min(math.Abs(r.Start-t), math.Abs(r.End-t))
}

// Key renders the cache key "startMs-endMs".
func (r TimeRange) Key() string {
	return fmt.Sprintf("%d-%d", int64(math.Round(r.Start*1000)), int64(math.Round(r.End*1000)))
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%.1f-%.1f]s", r.Start, r.End)
}

// ParseKey is the inverse of Key.
func ParseKey(key string) (TimeRange, bool) {
	startS, endS, ok := strings.Cut(key, "-")
	if !ok {
		return TimeRange{}, false
	}
	startMs, err := strconv.ParseInt(startS, 10, 64)
	if err != nil {
		return TimeRange{}, false
	}
	endMs, err := strconv.ParseInt(endS, 10, 64)
	if err != nil || endMs < startMs {
		return TimeRange{}, false
	}
	return TimeRange{Start: float64(startMs) / 1000, End: float64(endMs) / 1000}, true
}

// Coverage is an ordered set of disjoint ranges. Adding a range merges it
// with every neighbour Union accepts.
type Coverage struct {
	ranges []TimeRange
}

// Add inserts r and coalesces neighbours.
func (c *Coverage) Add(r TimeRange) {
	merged := r
	out := c.ranges[:0:0]
	for _, existing := range c.ranges {
		if u, ok := merged.Union(existing); ok {
			merged = u
			continue
		}
		out = append(out, existing)
	}
	idx := len(out)
	for i, existing := range out {
		if merged.Start < existing.Start {
			idx = i
			break
		}
	}
	out = append(out, TimeRange{})
	copy(out[idx+1:], out[idx:])
	out[idx] = merged
	c.ranges = out
}

// Covering returns the stored range containing t.
func (c *Coverage) Covering(t float64) (TimeRange, bool) {
	for _, r := range c.ranges {
		if r.Contains(t) && t < r.End {
			return r, true
		}
	}
	return TimeRange{}, false
}

// Ranges returns a copy of the stored ranges in start order.
func (c *Coverage) Ranges() []TimeRange {
	out := make([]TimeRange, len(c.ranges))
	copy(out, c.ranges)
	return out
}

func (c *Coverage) Reset() { c.ranges = nil }
