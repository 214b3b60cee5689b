package preload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"prism/internal/cache"
	"prism/internal/media"
	"prism/internal/schedule"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// fakeExtractor returns silence sized to the range. gate, when set, holds
// every extraction until it is closed or ctx ends.
type fakeExtractor struct {
	mu       sync.Mutex
	duration float64
	gate     chan struct{}
	fail     map[string]error
	calls    []media.TimeRange
}

func (f *fakeExtractor) Extract(ctx context.Context, _ string, r media.TimeRange) (*media.Buffer, error) {
	f.mu.Lock()
	f.calls = append(f.calls, r)
	err := f.fail[r.Key()]
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return media.NewBuffer(make([]float32, int(r.Duration()*100)), r), nil
}

func (f *fakeExtractor) Duration(context.Context, string) (float64, error) {
	return f.duration, nil
}

func newRig(t *testing.T, ex *fakeExtractor, s Strategy) (*Orchestrator, *cache.Tiered, *schedule.Scheduler) {
	t.Helper()
	c := cache.New(1<<30, 100)
	sched := schedule.New(3, quietLogger(), nil)
	t.Cleanup(sched.Close)
	return New(ex, c, sched, s, quietLogger()), c, sched
}

func TestPlanForPresets(t *testing.T) {
	p := Default.PlanFor(0)
	if p.Head != media.FromZero(5) || p.Rest == nil || *p.Rest != media.NewTimeRange(5, 10) ||
		p.Background == nil || *p.Background != media.NewTimeRange(10, 30) {
		t.Fatalf("default plan %+v", p)
	}
	p = Default.PlanFor(7)
	if p.Head != media.FromZero(5) || p.Rest == nil || *p.Rest != media.NewTimeRange(5, 7) || p.Background != nil {
		t.Fatalf("short media plan %+v", p)
	}
	p = Default.PlanFor(3)
	if p.Head != media.FromZero(3) || p.Rest != nil || p.Background != nil {
		t.Fatalf("tiny media plan %+v", p)
	}
	p = Conservative.PlanFor(0)
	if p.Head != media.FromZero(5) || p.Rest != nil || p.Background == nil || *p.Background != media.NewTimeRange(5, 10) {
		t.Fatalf("conservative plan %+v", p)
	}
	ws := Aggressive.PlanFor(120).Windows()
	if len(ws) != 3 || ws[0].Priority != media.PriorityFastFirstFrame || ws[2].Priority != media.PriorityPreload ||
		ws[2].Range != media.NewTimeRange(10, 60) {
		t.Fatalf("aggressive windows %+v", ws)
	}
	if _, err := StrategyByName("reckless"); err == nil {
		t.Fatalf("unknown preset accepted")
	}
}

func TestStartPreloadFillsCache(t *testing.T) {
	ex := &fakeExtractor{duration: 120}
	o, c, sched := newRig(t, ex, Default)

	if _, err := o.StartPreload(context.Background(), "a.wav"); err != nil {
		t.Fatalf("start: %v", err)
	}
	buf, err := o.GetFirstFrameBuffer(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if buf.Range != media.FromZero(5) {
		t.Fatalf("first frame range %v", buf.Range)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sched.AwaitAll(ctx); err != nil {
		t.Fatalf("await: %v", err)
	}
	for _, r := range []media.TimeRange{media.FromZero(5), media.NewTimeRange(5, 10), media.NewTimeRange(10, 30)} {
		if !c.Contains(r.Key()) {
			t.Fatalf("%v missing from cache", r)
		}
	}
	if sub, ok := o.GetBuffer(media.NewTimeRange(12, 18)); !ok || sub.Range != media.NewTimeRange(12, 18) {
		t.Fatalf("sub-range lookup got %v ok=%v", sub, ok)
	}
	for _, st := range o.Status() {
		if st.State != SlotReady {
			t.Fatalf("slot %v is %s", st.Range, st.State)
		}
	}
}

func TestFirstFrameTimesOut(t *testing.T) {
	ex := &fakeExtractor{gate: make(chan struct{})}
	o, _, _ := newRig(t, ex, Default)
	if _, err := o.StartPreload(context.Background(), "a.wav"); err != nil {
		t.Fatalf("start: %v", err)
	}
	start := time.Now()
	_, err := o.GetFirstFrameBuffer(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, media.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout took too long")
	}
	o.Stop()
}

func TestFirstFrameFailureIsImmediate(t *testing.T) {
	boom := errors.New("decoder exploded")
	ex := &fakeExtractor{fail: map[string]error{media.FromZero(5).Key(): boom}}
	o, _, _ := newRig(t, ex, Default)
	if _, err := o.StartPreload(context.Background(), "a.wav"); err != nil {
		t.Fatalf("start: %v", err)
	}
	start := time.Now()
	_, err := o.GetFirstFrameBuffer(context.Background(), 5*time.Second)
	if !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("failure waited for the timeout")
	}
}

func TestFirstFrameBeforeStart(t *testing.T) {
	o, _, _ := newRig(t, &fakeExtractor{}, Default)
	if _, err := o.GetFirstFrameBuffer(context.Background(), time.Millisecond); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("got %v", err)
	}
}

func TestRestartAbandonsPreviousMedia(t *testing.T) {
	ex := &fakeExtractor{gate: make(chan struct{})}
	o, c, sched := newRig(t, ex, Default)
	if _, err := o.StartPreload(context.Background(), "a.wav"); err != nil {
		t.Fatalf("start a: %v", err)
	}
	c.Set("stale", media.NewBuffer(make([]float32, 4), media.FromZero(1)))

	ex.mu.Lock()
	ex.gate = nil
	ex.mu.Unlock()
	if _, err := o.StartPreload(context.Background(), "b.wav"); err != nil {
		t.Fatalf("start b: %v", err)
	}
	if c.Contains("stale") {
		t.Fatalf("cache should be cleared on a new media")
	}
	if _, err := o.GetFirstFrameBuffer(context.Background(), time.Second); err != nil {
		t.Fatalf("first frame of b: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sched.AwaitAll(ctx); err != nil {
		t.Fatalf("await: %v", err)
	}
	if ref, _ := o.Media(); ref != "b.wav" {
		t.Fatalf("media %q", ref)
	}
}

func TestPausePrefetchCancelsBackgroundOnly(t *testing.T) {
	ex := &fakeExtractor{gate: make(chan struct{})}
	o, _, _ := newRig(t, ex, Default)
	if _, err := o.StartPreload(context.Background(), "a.wav"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if n := o.PausePrefetch(); n != 1 {
		t.Fatalf("paused %d windows, want 1", n)
	}
	close(ex.gate)
	if _, err := o.GetFirstFrameBuffer(context.Background(), time.Second); err != nil {
		t.Fatalf("first frame after pause: %v", err)
	}
	var states []SlotState
	for _, st := range o.Status() {
		states = append(states, st.State)
	}
	if states[2] != SlotCancelled {
		t.Fatalf("background state %v", states)
	}
}

func TestLoadExtractsMissingRange(t *testing.T) {
	ex := &fakeExtractor{duration: 60}
	o, c, _ := newRig(t, ex, Conservative)
	if _, err := o.StartPreload(context.Background(), "a.wav"); err != nil {
		t.Fatalf("start: %v", err)
	}
	r := media.NewTimeRange(40, 50)
	buf, err := o.Load(context.Background(), r)
	if err != nil || buf.Range != r || !c.Contains(r.Key()) {
		t.Fatalf("load got %v err=%v", buf, err)
	}
	if _, err := o.Load(context.Background(), media.NewTimeRange(70, 80)); !errors.Is(err, media.ErrInvalidRange) {
		t.Fatalf("past-end load: %v", err)
	}
}
