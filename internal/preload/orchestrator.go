package preload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"prism/internal/cache"
	"prism/internal/extract"
	"prism/internal/media"
	"prism/internal/schedule"
)

// DefaultFirstFrameTimeout bounds GetFirstFrameBuffer when no timeout is given.
const DefaultFirstFrameTimeout = 10 * time.Second

// ErrNotStarted is returned when no preload is active.
var ErrNotStarted = errors.New("preload not started")

// SlotState is the progress of one planned window.
type SlotState string

const (
	SlotPending   SlotState = "pending"
	SlotReady     SlotState = "ready"
	SlotFailed    SlotState = "failed"
	SlotCancelled SlotState = "cancelled"
)

// SlotStatus is reported by Status.
type SlotStatus struct {
	Range    media.TimeRange `json:"range"`
	Priority string          `json:"priority"`
	State    SlotState       `json:"state"`
	Error    string          `json:"error,omitempty"`
}

type slot struct {
	win   Window
	task  schedule.TaskID
	done  chan struct{}
	state SlotState
	err   error
}

// Orchestrator turns a media open into scheduler work that fills the cache.
type Orchestrator struct {
	mu       sync.Mutex
	gen      uint64
	ref      string
	duration float64
	plan     Plan
	slots    []*slot

	extractor extract.Extractor
	cache     *cache.Tiered
	sched     *schedule.Scheduler
	strategy  Strategy
	logger    *logrus.Logger
}

// New wires an orchestrator. logger may be nil.
func New(ex extract.Extractor, c *cache.Tiered, s *schedule.Scheduler, strategy Strategy, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Orchestrator{extractor: ex, cache: c, sched: s, strategy: strategy, logger: logger}
}

// StartPreload abandons any previous media, clears the cache and schedules the
// head, rest and background windows for ref. ctx only bounds the duration
// probe; the extraction work runs on the scheduler.
func (o *Orchestrator) StartPreload(ctx context.Context, ref string) (Plan, error) {
	o.Stop()
	o.cache.Clear()

	duration := 0.0
	if p, ok := o.extractor.(extract.Prober); ok {
		d, err := p.Duration(ctx, ref)
		if err != nil {
			return Plan{}, err
		}
		duration = d
	}
	plan := o.strategy.PlanFor(duration)

	o.mu.Lock()
	o.gen++
	gen := o.gen
	o.ref = ref
	o.duration = duration
	o.plan = plan
	o.slots = nil
	for _, w := range plan.Windows() {
		o.slots = append(o.slots, &slot{win: w, done: make(chan struct{}), state: SlotPending})
	}
	slots := append([]*slot(nil), o.slots...)
	o.mu.Unlock()

	for _, sl := range slots {
		sl := sl
		id, err := o.sched.EnqueueNamed(sl.win.Priority, "preload "+sl.win.Range.String(), func(ctx context.Context) error {
			return o.fill(ctx, gen, ref, sl)
		})
		if err != nil {
			o.finish(gen, sl, SlotCancelled, err)
			return plan, err
		}
		o.mu.Lock()
		sl.task = id
		o.mu.Unlock()
	}

	o.logger.WithFields(logrus.Fields{
		"media":    ref,
		"duration": duration,
		"strategy": o.strategy.Name,
		"windows":  len(slots),
	}).Info("preload: started")
	return plan, nil
}

func (o *Orchestrator) fill(ctx context.Context, gen uint64, ref string, sl *slot) error {
	buf, err := o.extractor.Extract(ctx, ref, sl.win.Range)
	if err != nil {
		state := SlotFailed
		if media.IsCancelled(err) {
			state = SlotCancelled
		}
		o.finish(gen, sl, state, err)
		return err
	}
	o.mu.Lock()
	current := o.gen == gen && sl.state == SlotPending
	if current {
		o.cache.Set(sl.win.Range.Key(), buf)
	}
	o.mu.Unlock()
	if !current {
		return media.ErrCancelled
	}
	o.finish(gen, sl, SlotReady, nil)
	return nil
}

func (o *Orchestrator) finish(gen uint64, sl *slot, state SlotState, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if sl.state != SlotPending {
		return
	}
	if gen != o.gen && state == SlotReady {
		state, err = SlotCancelled, media.ErrCancelled
	}
	sl.state = state
	sl.err = err
	close(sl.done)
}

// GetFirstFrameBuffer waits for the head window. timeout <= 0 uses
// DefaultFirstFrameTimeout. A failed head extraction is returned as soon as it
// happens rather than after the timeout.
func (o *Orchestrator) GetFirstFrameBuffer(ctx context.Context, timeout time.Duration) (*media.Buffer, error) {
	if timeout <= 0 {
		timeout = DefaultFirstFrameTimeout
	}
	o.mu.Lock()
	if len(o.slots) == 0 {
		o.mu.Unlock()
		return nil, ErrNotStarted
	}
	head := o.slots[0]
	o.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-head.done:
	case <-timer.C:
		return nil, fmt.Errorf("%w: first frame %s not ready after %s", media.ErrTimeout, head.win.Range, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	o.mu.Lock()
	err := head.err
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if buf, ok := o.cache.Get(head.win.Range.Key()); ok {
		return buf, nil
	}
	// evicted between landing and this read
	return o.extract(ctx, head.win.Range)
}

// GetBuffer returns cached audio covering r, sliced to r.
func (o *Orchestrator) GetBuffer(r media.TimeRange) (*media.Buffer, bool) {
	buf, ok := o.cache.Lookup(r)
	if !ok {
		return nil, false
	}
	return buf.Slice(r)
}

// Load returns cached audio for r or extracts it synchronously and caches it.
func (o *Orchestrator) Load(ctx context.Context, r media.TimeRange) (*media.Buffer, error) {
	if buf, ok := o.GetBuffer(r); ok {
		return buf, nil
	}
	return o.extract(ctx, r)
}

func (o *Orchestrator) extract(ctx context.Context, r media.TimeRange) (*media.Buffer, error) {
	o.mu.Lock()
	ref, duration := o.ref, o.duration
	o.mu.Unlock()
	if ref == "" {
		return nil, ErrNotStarted
	}
	if err := extract.CheckRange(r, duration); err != nil {
		return nil, err
	}
	buf, err := o.extractor.Extract(ctx, ref, r)
	if err != nil {
		return nil, err
	}
	o.cache.Set(r.Key(), buf)
	return buf, nil
}

// PausePrefetch cancels background windows that have not landed yet and
// returns how many were affected.
func (o *Orchestrator) PausePrefetch() int {
	return o.cancelSlots(func(sl *slot) bool { return sl.win.Priority == media.PriorityPreload })
}

// Stop cancels every outstanding window of the current media.
func (o *Orchestrator) Stop() {
	if n := o.cancelSlots(func(*slot) bool { return true }); n > 0 {
		o.logger.WithField("cancelled", n).Debug("preload: stopped")
	}
}

func (o *Orchestrator) cancelSlots(match func(*slot) bool) int {
	o.mu.Lock()
	var pending []*slot
	var tasks []schedule.TaskID
	for _, sl := range o.slots {
		if sl.state == SlotPending && match(sl) {
			pending = append(pending, sl)
			if sl.task != "" {
				tasks = append(tasks, sl.task)
			}
		}
	}
	gen := o.gen
	o.mu.Unlock()

	for _, id := range tasks {
		o.sched.Cancel(id)
	}
	for _, sl := range pending {
		o.finish(gen, sl, SlotCancelled, media.ErrCancelled)
	}
	return len(pending)
}

// Status reports each planned window.
func (o *Orchestrator) Status() []SlotStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]SlotStatus, 0, len(o.slots))
	for _, sl := range o.slots {
		st := SlotStatus{Range: sl.win.Range, Priority: sl.win.Priority.String(), State: sl.state}
		if sl.err != nil {
			st.Error = sl.err.Error()
		}
		out = append(out, st)
	}
	return out
}

// Media is the reference and probed duration (0 when unknown).
func (o *Orchestrator) Media() (string, float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ref, o.duration
}

func (o *Orchestrator) Strategy() Strategy { return o.strategy }

// Plan is the window split of the current media.
func (o *Orchestrator) Plan() Plan {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.plan
}
