// Package queue serializes work per key: tasks sharing a key run one at a
// time in submission order, tasks with different keys run concurrently.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/onnwee/streamquest/telemetry"
)

// Task is one unit of work. It receives the context given to Enqueue.
type Task func(ctx context.Context) error

type job struct {
	ctx  context.Context
	task Task
	done chan error
}

// Keyed runs one worker goroutine per active key. A worker exits and forgets
// its key once the key's queue is drained.
type Keyed struct {
	mu      sync.Mutex
	pending map[string][]job
	wg      sync.WaitGroup
	log     *slog.Logger
}

// NewKeyed returns an empty queue.
func NewKeyed() *Keyed {
	return &Keyed{
		pending: make(map[string][]job),
		log:     slog.Default().With(slog.String("component", "queue")),
	}
}

// Enqueue appends task to key's queue. The returned channel receives the
// task's result once and is then closed. A task whose context is already
// done when its turn comes is skipped with the context error.
func (q *Keyed) Enqueue(ctx context.Context, key string, task Task) <-chan error {
	j := job{ctx: ctx, task: task, done: make(chan error, 1)}
	telemetry.QueueDepth.Inc()

	q.mu.Lock()
	queued, active := q.pending[key]
	q.pending[key] = append(queued, j)
	if !active {
		q.wg.Add(1)
		go q.work(key)
	}
	q.mu.Unlock()
	return j.done
}

// Len reports the number of keys with queued or running work.
func (q *Keyed) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Wait blocks until every queued task has finished.
func (q *Keyed) Wait() {
	q.wg.Wait()
}

func (q *Keyed) work(key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		jobs := q.pending[key]
		if len(jobs) == 0 {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		j := jobs[0]
		q.mu.Unlock()

		err := q.run(key, j)

		q.mu.Lock()
		// The head stays queued while it runs so concurrent Enqueues never
		// start a second worker for the key.
		q.pending[key] = q.pending[key][1:]
		q.mu.Unlock()

		telemetry.QueueDepth.Dec()
		j.done <- err
		close(j.done)
	}
}

func (q *Keyed) run(key string, j job) (err error) {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if rec := recover(); rec != nil {
			q.log.Error("queued task panicked", slog.String("key", key), slog.Any("panic", rec))
			err = fmt.Errorf("task %q panicked: %v\n%s", key, rec, debug.Stack())
		}
	}()
	return j.task(j.ctx)
}
