package run

import (
	"time"

	"prism/internal/config"
)

func hookQueueSize(cfg *config.Config) int {
	return max(1, cfg.Hook.QueueSize)
}

// seconds converts a config value in seconds, falling back to def when unset.
func seconds(v float64, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v * float64(time.Second))
}

func millis(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}
