package taskq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newQueue(workers int) *Queue {
	return New(Config{
		Workers:     workers,
		MaxAttempts: 3,
		Backoff:     Backoff{Base: time.Millisecond, Factor: 2, Cap: 10 * time.Millisecond},
	}, nil, zap.NewNop())
}

func TestExecutesTask(t *testing.T) {
	q := newQueue(2)
	done := make(chan string, 1)
	q.Register("greet", func(ctx context.Context, task *Task) error {
		done <- string(task.Payload)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	_, err := q.Enqueue(&Task{Type: "greet", Payload: []byte("hello")})
	require.NoError(t, err)

	select {
	case got := <-done:
		assert.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := newQueue(1)
	_, err := q.Enqueue(&Task{})
	assert.Error(t, err, "type required")
	_, err = q.Enqueue(&Task{Type: "nobody"})
	assert.Error(t, err, "handler must exist")
}

// A single worker drains queued tasks in priority order.
func TestPriorityOrdering(t *testing.T) {
	q := newQueue(1)
	var mu sync.Mutex
	var order []string
	gate := make(chan struct{})
	q.Register("job", func(ctx context.Context, task *Task) error {
		<-gate
		mu.Lock()
		order = append(order, string(task.Payload))
		mu.Unlock()
		return nil
	})

	// Enqueue before starting so the worker sees all three at once.
	for _, task := range []*Task{
		{Type: "job", Priority: Low, Payload: []byte("low")},
		{Type: "job", Priority: Critical, Payload: []byte("critical")},
		{Type: "job", Priority: Normal, Payload: []byte("normal")},
	} {
		_, err := q.Enqueue(task)
		require.NoError(t, err)
	}
	close(gate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 2*time.Second, 5*time.Millisecond)
	q.Stop()

	assert.Equal(t, []string{"critical", "normal", "low"}, order)
}

// Failures retry with backoff until max attempts, then dead-letter.
func TestRetryThenDeadLetter(t *testing.T) {
	q := newQueue(1)
	var attempts int32
	q.Register("flaky", func(ctx context.Context, task *Task) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("nope")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	id, err := q.Enqueue(&Task{Type: "flaky"})
	require.NoError(t, err)

	select {
	case dead := <-q.DeadLetters():
		assert.Equal(t, id, dead.ID)
		assert.Equal(t, StatusDead, dead.Status)
		assert.Equal(t, 3, dead.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("dead letter never arrived")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))

	stats := q.Stats()
	assert.Equal(t, 1, stats["dead"])
	assert.Zero(t, stats["queued"])
}

func TestRecoversAfterFailure(t *testing.T) {
	q := newQueue(1)
	var attempts int32
	q.Register("second-try", func(ctx context.Context, task *Task) error {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return errors.New("transient")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	_, err := q.Enqueue(&Task{Type: "second-try"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return q.Stats()["done"] == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestCancelQueuedTask(t *testing.T) {
	q := newQueue(1)
	q.Register("later", func(ctx context.Context, task *Task) error { return nil })

	// Not started: the task stays queued and can be cancelled.
	id, err := q.Enqueue(&Task{Type: "later", NextRun: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	require.NoError(t, q.Cancel(id))
	assert.Error(t, q.Cancel(id), "already removed")
	assert.Zero(t, q.Stats()["queued"])
}

func TestDelayedTaskWaitsForDueTime(t *testing.T) {
	q := newQueue(1)
	ran := make(chan time.Time, 1)
	q.Register("delayed", func(ctx context.Context, task *Task) error {
		ran <- time.Now()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	start := time.Now()
	_, err := q.Enqueue(&Task{Type: "delayed", NextRun: start.Add(100 * time.Millisecond)})
	require.NoError(t, err)

	select {
	case at := <-ran:
		assert.GreaterOrEqual(t, at.Sub(start), 90*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("delayed task never ran")
	}
}

// A far-future high-priority task must not starve ready low-priority work.
func TestDelayedHighPriorityDoesNotBlockReadyWork(t *testing.T) {
	q := newQueue(1)
	ran := make(chan string, 2)
	q.Register("job", func(ctx context.Context, task *Task) error {
		ran <- string(task.Payload)
		return nil
	})

	_, err := q.Enqueue(&Task{Type: "job", Priority: Critical, Payload: []byte("future"),
		NextRun: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	_, err = q.Enqueue(&Task{Type: "job", Priority: Low, Payload: []byte("now")})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	select {
	case got := <-ran:
		assert.Equal(t, "now", got)
	case <-time.After(2 * time.Second):
		t.Fatal("ready task was starved")
	}
}

func TestBackoffGrowth(t *testing.T) {
	q := New(Config{
		Workers:     1,
		MaxAttempts: 5,
		Backoff:     Backoff{Base: 100 * time.Millisecond, Factor: 2, Cap: 300 * time.Millisecond},
	}, nil, zap.NewNop())

	assert.Equal(t, 100*time.Millisecond, q.backoff(1))
	assert.Equal(t, 200*time.Millisecond, q.backoff(2))
	assert.Equal(t, 300*time.Millisecond, q.backoff(3), "capped")
	assert.Equal(t, 300*time.Millisecond, q.backoff(4))
}
