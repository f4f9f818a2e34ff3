// Package taskqueue implements the leader-distributed work queue from
// spec §4.2: only a Leader runs the drain loop, tasks pop in FIFO order,
// execute against a registered backend, and move to completed with a
// fired callback. Adapted from the teacher's task-lifecycle executor
// (receive -> check budget -> execute -> verify -> report), narrowed to
// the FIFO semantics this spec calls for instead of priority scheduling.
package taskqueue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tutu-network/tutumesh/internal/domain"
	"github.com/tutu-network/tutumesh/internal/metrics"
)

// Config controls queue drain behavior.
type Config struct {
	MaxConcurrent  int
	DefaultTimeout time.Duration
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 4, DefaultTimeout: 30 * time.Second}
}

// CompletionFunc is fired when a task moves to Completed or Failed.
type CompletionFunc func(task domain.Task)

// Queue holds pending and completed tasks and drains them when this node
// is the leader.
type Queue struct {
	mu        sync.Mutex
	config    Config
	backends  map[domain.TaskKind]domain.TaskBackend
	pending   []domain.Task
	completed map[string]domain.Task
	sem       chan struct{}

	onComplete CompletionFunc

	draining bool
	stopDrain chan struct{}
}

// New creates an empty task Queue.
func New(cfg Config) *Queue {
	return &Queue{
		config:    cfg,
		backends:  make(map[domain.TaskKind]domain.TaskBackend),
		completed: make(map[string]domain.Task),
		sem:       make(chan struct{}, cfg.MaxConcurrent),
	}
}

// RegisterBackend wires a TaskBackend for a given TaskKind.
func (q *Queue) RegisterBackend(kind domain.TaskKind, backend domain.TaskBackend) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backends[kind] = backend
}

// OnComplete registers the completion callback.
func (q *Queue) OnComplete(fn CompletionFunc) { q.onComplete = fn }

// Submit enqueues a task for later draining. Safe to call on any node;
// callers are expected to forward submissions to the current leader.
func (q *Queue) Submit(task domain.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task.Status = domain.TaskPending
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	q.pending = append(q.pending, task)
	metrics.TaskQueueDepth.Set(float64(len(q.pending)))
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Completed returns a completed task by ID.
func (q *Queue) Completed(id string) (domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.completed[id]
	return t, ok
}

// StartDraining runs the FIFO drain loop until ctx is cancelled or
// StopDraining is called. A node must call this only while it is Leader
// (spec §4.2: "Only a Leader runs the task queue drain loop").
func (q *Queue) StartDraining(ctx context.Context) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.stopDrain = make(chan struct{})
	stop := q.stopDrain
	q.mu.Unlock()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			q.endDraining()
			return
		case <-stop:
			return
		case <-ticker.C:
			q.drainOne(ctx)
		}
	}
}

// StopDraining halts the drain loop, called when this node steps down
// from Leader.
func (q *Queue) StopDraining() {
	q.mu.Lock()
	if q.draining && q.stopDrain != nil {
		close(q.stopDrain)
	}
	q.draining = false
	q.mu.Unlock()
}

func (q *Queue) endDraining() {
	q.mu.Lock()
	q.draining = false
	q.mu.Unlock()
}

func (q *Queue) drainOne(ctx context.Context) {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	select {
	case q.sem <- struct{}{}:
	default:
		q.mu.Unlock()
		return
	}
	task := q.pending[0]
	q.pending = q.pending[1:]
	backend := q.backends[task.Kind]
	metrics.TaskQueueDepth.Set(float64(len(q.pending)))
	q.mu.Unlock()

	go q.execute(ctx, task, backend)
}

func (q *Queue) execute(ctx context.Context, task domain.Task, backend domain.TaskBackend) {
	defer func() { <-q.sem }()

	task.Status = domain.TaskProcessing
	if backend == nil {
		q.fail(task, fmt.Errorf("no backend registered for task kind %s", task.Kind))
		return
	}

	timeout := q.config.DefaultTimeout
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := backend.Execute(execCtx, task); err != nil {
		q.fail(task, err)
		return
	}

	task.Status = domain.TaskCompleted
	q.mu.Lock()
	q.completed[task.ID] = task
	q.mu.Unlock()

	metrics.TasksCompleted.WithLabelValues(string(task.Kind), "completed").Inc()
	log.Printf("[taskqueue] task %s (%s) completed", task.ID, task.Kind)
	if q.onComplete != nil {
		q.onComplete(task)
	}
}

func (q *Queue) fail(task domain.Task, err error) {
	task.Status = domain.TaskFailed
	task.Err = err.Error()
	q.mu.Lock()
	q.completed[task.ID] = task
	q.mu.Unlock()

	metrics.TasksCompleted.WithLabelValues(string(task.Kind), "failed").Inc()
	log.Printf("[taskqueue] task %s (%s) failed: %v", task.ID, task.Kind, err)
	if q.onComplete != nil {
		q.onComplete(task)
	}
}
