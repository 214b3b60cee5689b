// Package schedule runs prioritized, cancellable background work on a fixed
// number of workers.
package schedule

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"prism/internal/media"
	"prism/internal/metrics"
)

// DefaultWorkers is the concurrency budget when none is configured.
const DefaultWorkers = 3

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("scheduler closed")

// TaskID identifies an enqueued task.
type TaskID string

// Op is the unit of work. It should return promptly once ctx is done.
type Op func(ctx context.Context) error

type task struct {
	id       TaskID
	name     string
	priority media.Priority
	op       Op
	seq      uint64
	queuedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	index  int
}

// taskQueue orders by priority (high first), then by enqueue order.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// Scheduler admits queued tasks in priority order. Idle workers block on a
// condition variable until work arrives.
type Scheduler struct {
	mu      sync.Mutex
	work    *sync.Cond
	idle    *sync.Cond
	queue   taskQueue
	queued  map[TaskID]*task
	running map[TaskID]*task
	seq     uint64
	closed  bool
	workers int
	wg      sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc

	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// New starts a scheduler with the given worker budget.
func New(workers int, logger *logrus.Logger, m *metrics.Metrics) *Scheduler {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		queued:     make(map[TaskID]*task),
		running:    make(map[TaskID]*task),
		workers:    workers,
		baseCtx:    ctx,
		baseCancel: cancel,
		logger:     logger,
		metrics:    m,
	}
	s.work = sync.NewCond(&s.mu)
	s.idle = sync.NewCond(&s.mu)
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Enqueue adds op at priority p.
func (s *Scheduler) Enqueue(p media.Priority, op Op) (TaskID, error) {
	return s.EnqueueNamed(p, "", op)
}

// EnqueueNamed is Enqueue with a label used in logs.
func (s *Scheduler) EnqueueNamed(p media.Priority, name string, op Op) (TaskID, error) {
	if op == nil {
		return "", fmt.Errorf("%w: nil operation", media.ErrInternal)
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	t := &task{
		id:       TaskID(uuid.NewString()),
		name:     name,
		priority: p,
		op:       op,
		queuedAt: time.Now(),
		ctx:      ctx,
		cancel:   cancel,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	s.seq++
	t.seq = s.seq
	heap.Push(&s.queue, t)
	s.queued[t.id] = t
	s.work.Signal()
	depth, running := s.loadLocked()
	s.mu.Unlock()

	s.metrics.SchedulerLoad(depth, running)
	s.logger.WithFields(logrus.Fields{"task": t.label(), "priority": p.String()}).Debug("scheduler: enqueued")
	return t.id, nil
}

// Cancel removes a queued task or signals a running one. It reports whether
// the id was known.
func (s *Scheduler) Cancel(id TaskID) bool {
	s.mu.Lock()
	if t, ok := s.queued[id]; ok {
		s.dropQueuedLocked(t)
		depth, running := s.loadLocked()
		s.idle.Broadcast()
		s.mu.Unlock()
		s.metrics.TaskFinished(t.priority.String(), "cancelled", 0)
		s.metrics.SchedulerLoad(depth, running)
		return true
	}
	t, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		t.cancel()
	}
	return ok
}

// CancelAll drops the queue and signals every running task.
func (s *Scheduler) CancelAll() {
	s.cancelMatching(func(*task) bool { return true })
}

// CancelPriority cancels queued and running tasks at exactly priority p and
// returns how many were affected.
func (s *Scheduler) CancelPriority(p media.Priority) int {
	return s.cancelMatching(func(t *task) bool { return t.priority == p })
}

func (s *Scheduler) cancelMatching(match func(*task) bool) int {
	s.mu.Lock()
	var dropped []*task
	for _, t := range s.queued {
		if match(t) {
			dropped = append(dropped, t)
		}
	}
	for _, t := range dropped {
		s.dropQueuedLocked(t)
	}
	var signalled []*task
	for _, t := range s.running {
		if match(t) {
			signalled = append(signalled, t)
		}
	}
	depth, running := s.loadLocked()
	s.idle.Broadcast()
	s.mu.Unlock()

	for _, t := range dropped {
		s.metrics.TaskFinished(t.priority.String(), "cancelled", 0)
	}
	for _, t := range signalled {
		t.cancel()
	}
	s.metrics.SchedulerLoad(depth, running)
	return len(dropped) + len(signalled)
}

// AwaitAll blocks until nothing is queued or running, or ctx ends.
func (s *Scheduler) AwaitAll(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.idle.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue)+len(s.running) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.idle.Wait()
	}
	return nil
}

// Depth counts outstanding tasks, queued and running.
func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) + len(s.running)
}

func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Workers is the concurrency budget.
func (s *Scheduler) Workers() int { return s.workers }

// Close cancels everything and waits for the workers to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, t := range s.queued {
		s.dropQueuedLocked(t)
	}
	s.work.Broadcast()
	s.idle.Broadcast()
	s.mu.Unlock()

	s.baseCancel()
	s.wg.Wait()
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.work.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.queue).(*task)
		delete(s.queued, t.id)
		s.running[t.id] = t
		depth, running := s.loadLocked()
		s.mu.Unlock()
		s.metrics.SchedulerLoad(depth, running)

		s.execute(t)

		s.mu.Lock()
		delete(s.running, t.id)
		depth, running = s.loadLocked()
		s.idle.Broadcast()
		s.mu.Unlock()
		s.metrics.SchedulerLoad(depth, running)
	}
}

func (s *Scheduler) execute(t *task) {
	defer t.cancel()
	start := time.Now()
	log := s.logger.WithFields(logrus.Fields{
		"task":     t.label(),
		"priority": t.priority.String(),
		"waited":   start.Sub(t.queuedAt).Round(time.Millisecond),
	})

	err := t.ctx.Err()
	if err == nil {
		err = runSafely(t.ctx, t.op)
	}
	elapsed := time.Since(start)
	log = log.WithField("elapsed", elapsed.Round(time.Millisecond))

	switch {
	case err == nil:
		s.metrics.TaskFinished(t.priority.String(), "ok", elapsed)
		log.Debug("scheduler: task done")
	case media.IsCancelled(err) || t.ctx.Err() != nil:
		s.metrics.TaskFinished(t.priority.String(), "cancelled", elapsed)
		log.Debug("scheduler: task cancelled")
	default:
		s.metrics.TaskFinished(t.priority.String(), "failed", elapsed)
		log.WithError(err).WithField("kind", media.Classify(err)).Warn("scheduler: task failed")
	}
}

func runSafely(ctx context.Context, op Op) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: task panicked: %v", media.ErrInternal, r)
		}
	}()
	return op(ctx)
}

func (s *Scheduler) dropQueuedLocked(t *task) {
	if t.index >= 0 {
		heap.Remove(&s.queue, t.index)
	}
	delete(s.queued, t.id)
	t.cancel()
}

func (s *Scheduler) loadLocked() (depth, running int) {
	return len(s.queue) + len(s.running), len(s.running)
}

func (t *task) label() string {
	if t.name != "" {
		return t.name
	}
	return string(t.id)[:8]
}
