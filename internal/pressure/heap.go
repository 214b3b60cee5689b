package pressure

import (
	"context"
	"runtime"
	"time"
)

// HeapWatch samples the Go heap and raises a Signal whenever the live heap is
// above softLimit. Repeated samples over the limit escalate through Signal's
// sliding window.
type HeapWatch struct {
	Monitor   *Monitor
	Interval  time.Duration
	SoftLimit uint64
	// Sample reads the current heap size; runtime.ReadMemStats by default.
	Sample func() uint64
}

// Run blocks until ctx is done.
func (w HeapWatch) Run(ctx context.Context) {
	if w.Monitor == nil || w.SoftLimit == 0 {
		return
	}
	interval := w.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	sample := w.Sample
	if sample == nil {
		sample = heapInUse
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sample() > w.SoftLimit {
				w.Monitor.Signal()
			}
		}
	}
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}
