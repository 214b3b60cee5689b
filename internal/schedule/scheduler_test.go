package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"prism/internal/media"
	"prism/internal/metrics"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestFastFirstFrameOvertakesPreload(t *testing.T) {
	s := New(DefaultWorkers, quietLogger(), nil)
	defer s.Close()

	var mu sync.Mutex
	var order []string
	done := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}
	sleep := func(ctx context.Context, d time.Duration) error {
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if _, err := s.Enqueue(media.PriorityPreload, func(ctx context.Context) error {
		err := sleep(ctx, 200*time.Millisecond)
		done("preload")
		return err
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := s.Enqueue(media.PriorityFastFirstFrame, func(ctx context.Context) error {
		err := sleep(ctx, 100*time.Millisecond)
		done("fast")
		return err
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.AwaitAll(ctx); err != nil {
		t.Fatalf("await: %v", err)
	}
	if len(order) != 2 || order[0] != "fast" {
		t.Fatalf("completion order %v", order)
	}
}

// blockWorker occupies the only worker until release is closed.
func blockWorker(t *testing.T, s *Scheduler) chan struct{} {
	t.Helper()
	started := make(chan struct{})
	release := make(chan struct{})
	if _, err := s.Enqueue(media.PriorityFastFirstFrame, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("blocker never started")
	}
	return release
}

func TestQueueOrderIsPriorityThenFIFO(t *testing.T) {
	s := New(1, quietLogger(), nil)
	defer s.Close()
	release := blockWorker(t, s)

	var mu sync.Mutex
	var order []string
	add := func(p media.Priority, name string) {
		if _, err := s.Enqueue(p, func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	add(media.PriorityPreload, "preload-1")
	add(media.PriorityScroll, "scroll")
	add(media.PriorityPreload, "preload-2")
	add(media.PrioritySeek, "seek")
	add(media.PriorityFastFirstFrame, "fast")

	if s.Depth() != 6 || s.RunningCount() != 1 {
		t.Fatalf("depth=%d running=%d", s.Depth(), s.RunningCount())
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.AwaitAll(ctx); err != nil {
		t.Fatalf("await: %v", err)
	}
	want := []string{"fast", "seek", "scroll", "preload-1", "preload-2"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order %v want %v", order, want)
		}
	}
}

func TestCancelQueuedTaskNeverRuns(t *testing.T) {
	s := New(1, quietLogger(), metrics.New())
	defer s.Close()
	release := blockWorker(t, s)

	ran := make(chan struct{}, 1)
	id, err := s.Enqueue(media.PriorityPreload, func(context.Context) error {
		ran <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !s.Cancel(id) {
		t.Fatalf("queued task not found")
	}
	if s.Cancel(id) {
		t.Fatalf("second cancel should not find the task")
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.AwaitAll(ctx); err != nil {
		t.Fatalf("await: %v", err)
	}
	select {
	case <-ran:
		t.Fatalf("cancelled task ran")
	default:
	}
}

func TestCancelRunningTaskSignalsContext(t *testing.T) {
	s := New(2, quietLogger(), nil)
	defer s.Close()

	started := make(chan struct{})
	result := make(chan error, 1)
	id, _ := s.Enqueue(media.PrioritySeek, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		result <- ctx.Err()
		return ctx.Err()
	})
	<-started
	if !s.Cancel(id) {
		t.Fatalf("running task not found")
	}
	select {
	case err := <-result:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("task did not observe cancellation")
	}
}

func TestCancelPriorityLeavesOthers(t *testing.T) {
	s := New(1, quietLogger(), nil)
	defer s.Close()
	release := blockWorker(t, s)

	ran := make(chan string, 4)
	for _, p := range []media.Priority{media.PriorityPreload, media.PriorityScroll, media.PriorityPreload} {
		p := p
		s.Enqueue(p, func(context.Context) error {
			ran <- p.String()
			return nil
		})
	}
	if n := s.CancelPriority(media.PriorityPreload); n != 2 {
		t.Fatalf("cancelled %d, want 2", n)
	}
	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.AwaitAll(ctx)
	close(ran)
	var got []string
	for name := range ran {
		got = append(got, name)
	}
	if len(got) != 1 || got[0] != "scroll" {
		t.Fatalf("ran %v", got)
	}
}

func TestPanicAndErrorAreIsolated(t *testing.T) {
	s := New(1, quietLogger(), nil)
	defer s.Close()

	ok := make(chan struct{})
	s.Enqueue(media.PriorityFastFirstFrame, func(context.Context) error { panic("boom") })
	s.Enqueue(media.PrioritySeek, func(context.Context) error { return errors.New("transient") })
	s.Enqueue(media.PriorityPreload, func(context.Context) error {
		close(ok)
		return nil
	})
	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatalf("sibling task did not run after a panic")
	}
	if err := runSafely(context.Background(), func(context.Context) error { panic("x") }); !errors.Is(err, media.ErrInternal) {
		t.Fatalf("panic should map to ErrInternal, got %v", err)
	}
}

func TestAwaitAllHonoursContext(t *testing.T) {
	s := New(1, quietLogger(), nil)
	release := blockWorker(t, s)
	defer func() {
		close(release)
		s.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.AwaitAll(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v", err)
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	s := New(1, quietLogger(), nil)
	s.Close()
	if _, err := s.Enqueue(media.PriorityPreload, func(context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v", err)
	}
}
