// Package preload issues the first-frame and background extraction work when
// media opens and tracks when each window lands in the cache.
package preload

import (
	"fmt"
	"math"
	"strings"

	"prism/internal/media"
)

// headWindow is the leading slice of the fast window extracted on its own so
// the first recognition can start as early as possible.
const headWindow = 5.0

// Strategy sizes the preload work. Durations are seconds.
type Strategy struct {
	Name            string  `json:"name"`
	PreloadDuration float64 `json:"preload_duration"`
	FastWindow      float64 `json:"fast_window"`
	SegmentDuration float64 `json:"segment_duration"`
	MaxCacheBytes   int64   `json:"max_cache_bytes"`
}

var (
	Conservative = Strategy{Name: "conservative", PreloadDuration: 10, FastWindow: 5, SegmentDuration: 15, MaxCacheBytes: 5 << 20}
	Default      = Strategy{Name: "default", PreloadDuration: 30, FastWindow: 10, SegmentDuration: 20, MaxCacheBytes: 10 << 20}
	Aggressive   = Strategy{Name: "aggressive", PreloadDuration: 60, FastWindow: 10, SegmentDuration: 30, MaxCacheBytes: 20 << 20}
)

// StrategyByName resolves a preset; the empty name is Default.
func StrategyByName(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "default":
		return Default, nil
	case "conservative":
		return Conservative, nil
	case "aggressive":
		return Aggressive, nil
	}
	return Strategy{}, fmt.Errorf("unknown preload strategy %q", name)
}

// Plan is the set of windows one StartPreload schedules.
type Plan struct {
	Head       media.TimeRange  `json:"head"`
	Rest       *media.TimeRange `json:"rest,omitempty"`
	Background *media.TimeRange `json:"background,omitempty"`
}

// PlanFor splits the strategy into the head window, the remainder of the fast
// window and the background range. duration <= 0 means unknown.
func (s Strategy) PlanFor(duration float64) Plan {
	fast := s.FastWindow
	total := math.Max(s.PreloadDuration, fast)
	if duration > 0 {
		fast = math.Min(fast, duration)
		total = math.Min(total, duration)
	}
	p := Plan{Head: media.FromZero(math.Min(headWindow, fast))}
	if fast > headWindow {
		r := media.NewTimeRange(headWindow, fast)
		p.Rest = &r
	}
	if total > fast {
		r := media.NewTimeRange(fast, total)
		p.Background = &r
	}
	return p
}

// Windows lists the plan in scheduling order with priorities.
func (p Plan) Windows() []Window {
	out := []Window{{Range: p.Head, Priority: media.PriorityFastFirstFrame}}
	if p.Rest != nil {
		out = append(out, Window{Range: *p.Rest, Priority: media.PriorityFastFirstFrame})
	}
	if p.Background != nil {
		out = append(out, Window{Range: *p.Background, Priority: media.PriorityPreload})
	}
	return out
}

// Window is one scheduled extraction.
type Window struct {
	Range    media.TimeRange `json:"range"`
	Priority media.Priority  `json:"-"`
}
