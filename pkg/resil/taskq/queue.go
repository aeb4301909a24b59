// Package taskq is the priority background-task queue: a fixed worker pool
// pulls tasks ordered by (priority desc, next-run asc, enqueue-seq asc),
// retries failures with exponential backoff and jitter, and moves tasks to
// the dead-letter stream after max attempts. Execution is at-least-once;
// payloads must be idempotent.
package taskq

import (
	"container/heap"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Priority int8

const (
	Low Priority = iota
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	default:
		return "critical"
	}
}

type Status int8

const (
	StatusQueued Status = iota
	StatusRunning
	StatusDone
	StatusFailed
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return "dead"
	}
}

type Task struct {
	ID          string
	Type        string
	Priority    Priority
	Payload     []byte
	Attempts    int
	MaxAttempts int
	NextRun     time.Time
	Status      Status

	seq     uint64
	index   int  // heap index, -1 when not queued
	delayed bool // which heap holds the task
}

// Handler executes one task type. Returning an error schedules a retry.
type Handler func(ctx context.Context, t *Task) error

type Backoff struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	Jitter float64 // fraction of the delay randomised, in [0, 1]
}

type Config struct {
	Workers     int
	MaxAttempts int
	Backoff     Backoff
}

type Queue struct {
	cfg   Config
	clock clock.Clock
	log   *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	ready   readyHeap
	delayed delayHeap
	byID    map[string]*Task
	seq     uint64
	stopped bool
	running int
	counts  map[Status]int

	handlers map[string]Handler
	dead     chan *Task
	wg       sync.WaitGroup
}

func New(cfg Config, clk clock.Clock, log *zap.Logger) *Queue {
	if clk == nil {
		clk = clock.New()
	}
	q := &Queue{
		cfg:      cfg,
		clock:    clk,
		log:      log,
		byID:     make(map[string]*Task),
		counts:   make(map[Status]int),
		handlers: make(map[string]Handler),
		dead:     make(chan *Task, 128),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Register binds a handler to a task type. Must be called before Start.
func (q *Queue) Register(taskType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[taskType] = h
}

// DeadLetters delivers tasks that exhausted their attempts.
func (q *Queue) DeadLetters() <-chan *Task { return q.dead }

// Enqueue schedules a task. A zero MaxAttempts inherits the queue default;
// a zero NextRun means ready now. Returns the task id.
func (q *Queue) Enqueue(t *Task) (string, error) {
	if t.Type == "" {
		return "", fmt.Errorf("task type required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return "", fmt.Errorf("queue stopped")
	}
	if _, ok := q.handlers[t.Type]; !ok {
		return "", fmt.Errorf("no handler for task type %q", t.Type)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = q.cfg.MaxAttempts
	}
	if t.NextRun.IsZero() {
		t.NextRun = q.clock.Now()
	}
	t.Status = StatusQueued
	q.seq++
	t.seq = q.seq
	q.push(t)
	q.byID[t.ID] = t
	q.counts[StatusQueued]++
	return t.ID, nil
}

// Cancel removes a task that is still queued. Running or finished tasks
// are not cancellable.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byID[id]
	if !ok || t.Status != StatusQueued || t.index < 0 {
		return fmt.Errorf("task %s not cancellable", id)
	}
	if t.delayed {
		heap.Remove(&q.delayed, t.index)
	} else {
		heap.Remove(&q.ready, t.index)
	}
	delete(q.byID, id)
	q.counts[StatusQueued]--
	return nil
}

// Stats reports task counts by status.
func (q *Queue) Stats() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.counts))
	for s, n := range q.counts {
		out[s.String()] = n
	}
	out["running"] = q.running
	return out
}

// Start launches the worker pool. Workers exit when ctx is cancelled or
// Stop is called.
func (q *Queue) Start(ctx context.Context) {
	n := q.cfg.Workers
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	go func() {
		<-ctx.Done()
		q.Stop()
	}()
}

// Stop wakes all workers and waits for in-flight tasks to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		var t *Task
		for {
			if q.stopped {
				q.mu.Unlock()
				return
			}
			t = q.popReady()
			if t != nil {
				break
			}
			q.cond.Wait()
		}
		t.Status = StatusRunning
		q.counts[StatusQueued]--
		q.running++
		h := q.handlers[t.Type]
		q.mu.Unlock()

		err := h(ctx, t)

		q.mu.Lock()
		q.running--
		t.Attempts++
		switch {
		case err == nil:
			t.Status = StatusDone
			q.counts[StatusDone]++
			delete(q.byID, t.ID)
		case t.Attempts >= t.MaxAttempts:
			t.Status = StatusDead
			q.counts[StatusDead]++
			delete(q.byID, t.ID)
			q.log.Error("task dead-lettered",
				zap.String("task", t.ID),
				zap.String("type", t.Type),
				zap.Int("attempts", t.Attempts),
				zap.Error(err))
			select {
			case q.dead <- t:
			default:
			}
		default:
			delay := q.backoff(t.Attempts)
			t.Status = StatusQueued
			t.NextRun = q.clock.Now().Add(delay)
			q.push(t)
			q.counts[StatusQueued]++
			q.log.Warn("task retry scheduled",
				zap.String("task", t.ID),
				zap.String("type", t.Type),
				zap.Int("attempt", t.Attempts),
				zap.Duration("delay", delay),
				zap.Error(err))
		}
		q.mu.Unlock()
	}
}

// push routes a queued task to the ready or delayed heap. A delayed task
// arms a timer so waiting workers re-check when it becomes due. Caller
// holds the lock.
func (q *Queue) push(t *Task) {
	d := t.NextRun.Sub(q.clock.Now())
	if d <= 0 {
		t.delayed = false
		heap.Push(&q.ready, t)
		q.cond.Broadcast()
		return
	}
	t.delayed = true
	heap.Push(&q.delayed, t)
	q.clock.AfterFunc(d, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
}

// popReady promotes due tasks and returns the best runnable one, nil when
// nothing is due. Caller holds the lock.
func (q *Queue) popReady() *Task {
	now := q.clock.Now()
	for q.delayed.Len() > 0 && !q.delayed[0].NextRun.After(now) {
		t := heap.Pop(&q.delayed).(*Task)
		t.delayed = false
		heap.Push(&q.ready, t)
	}
	if q.ready.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.ready).(*Task)
}

func (q *Queue) backoff(attempt int) time.Duration {
	b := q.cfg.Backoff
	if b.Base <= 0 {
		b.Base = time.Second
	}
	if b.Factor < 1 {
		b.Factor = 2
	}
	d := float64(b.Base)
	for i := 1; i < attempt; i++ {
		d *= b.Factor
	}
	if b.Cap > 0 && d > float64(b.Cap) {
		d = float64(b.Cap)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (rand.Float64()*2 - 1)
		if d < float64(b.Base) / 2 {
			d = float64(b.Base) / 2
		}
	}
	return time.Duration(d)
}
