package media

import (
	"fmt"
	"math"
	"strings"
)

// PressureLevel is an ordered memory-pressure tier.
type PressureLevel int

const (
	PressureNormal PressureLevel = iota
	PressureWarning
	PressureUrgent
	PressureCritical
)

// RetentionRadius is how far (seconds) from the playhead cached audio may
// survive at this tier.
func (l PressureLevel) RetentionRadius() float64 {
	switch l {
	case PressureWarning:
		return 60
	case PressureUrgent:
		return 30
	case PressureCritical:
		return 15
	default:
		return math.Inf(1)
	}
}

func (l PressureLevel) String() string {
	switch l {
	case PressureNormal:
		return "normal"
	case PressureWarning:
		return "warning"
	case PressureUrgent:
		return "urgent"
	case PressureCritical:
		return "critical"
	default:
		return fmt.Sprintf("pressure(%d)", int(l))
	}
}

// ParsePressureLevel accepts the names produced by String.
func ParsePressureLevel(s string) (PressureLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal":
		return PressureNormal, nil
	case "warning", "warn":
		return PressureWarning, nil
	case "urgent":
		return PressureUrgent, nil
	case "critical":
		return PressureCritical, nil
	}
	return PressureNormal, fmt.Errorf("unknown pressure level %q", s)
}

// Priority orders scheduler work. Higher runs first.
type Priority int

const (
	PriorityPreload Priority = iota
	PriorityScroll
	PrioritySeek
	PriorityFastFirstFrame
)

func (p Priority) String() string {
	switch p {
	case PriorityPreload:
		return "preload"
	case PriorityScroll:
		return "scroll"
	case PrioritySeek:
		return "seek"
	case PriorityFastFirstFrame:
		return "fast_first_frame"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}
