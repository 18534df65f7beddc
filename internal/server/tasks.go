package server

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/strandtale/fabula/internal/runctl"
)

// Task states reported by the status endpoint.
const (
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

// Task is one generate/resume invocation for a project.
type Task struct {
	ID      string
	Project string
	Status  string
	Detail  string

	flag *runctl.ShutdownFlag
	done chan struct{}
}

// TaskQueue runs at most one task per project, in-process. A distributed
// queue can replace it behind the same surface.
type TaskQueue struct {
	mu    sync.Mutex
	tasks map[string]*Task

	onShutdown []func()
}

// NewTaskQueue returns an empty queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{tasks: map[string]*Task{}}
}

// Submit starts fn for the project. A second submit while one is running
// reports ok=false, which the HTTP layer turns into 409.
func (q *TaskQueue) Submit(project string, fn func(ctx context.Context, flag *runctl.ShutdownFlag) (detail string, err error)) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.tasks[project]; ok && t.Status == StatusRunning {
		return t, false
	}
	t := &Task{
		ID:      uuid.NewString(),
		Project: project,
		Status:  StatusRunning,
		flag:    runctl.NewShutdownFlag(),
		done:    make(chan struct{}),
	}
	q.tasks[project] = t

	go func() {
		ctx, cancel := t.flag.Bind(context.Background())
		defer cancel()
		detail, err := fn(ctx, t.flag)

		q.mu.Lock()
		defer q.mu.Unlock()
		defer close(t.done)
		t.Detail = detail
		switch {
		case runctl.IsCancellation(err):
			t.Status = StatusStopped
		case err != nil:
			t.Status = StatusFailed
			t.Detail = err.Error()
		default:
			t.Status = StatusCompleted
		}
	}()
	return t, true
}

// Revoke trips the running task's shutdown flag. Reports whether a running
// task existed.
func (q *TaskQueue) Revoke(project string) bool {
	q.mu.Lock()
	t, ok := q.tasks[project]
	q.mu.Unlock()
	if !ok || t.Status != StatusRunning {
		return false
	}
	t.flag.Trip()
	return true
}

// StatusFor reports the project's task state; idle when none was ever run.
func (q *TaskQueue) StatusFor(project string) (status, taskID, detail string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[project]
	if !ok {
		return StatusIdle, "", ""
	}
	return t.Status, t.ID, t.Detail
}

// OnShutdown registers a handler invoked by Shutdown.
func (q *TaskQueue) OnShutdown(fn func()) {
	q.mu.Lock()
	q.onShutdown = append(q.onShutdown, fn)
	q.mu.Unlock()
}

// Shutdown trips every running task and runs the registered handlers.
func (q *TaskQueue) Shutdown() {
	q.mu.Lock()
	var running []*Task
	for _, t := range q.tasks {
		if t.Status == StatusRunning {
			running = append(running, t)
		}
	}
	handlers := append([]func(){}, q.onShutdown...)
	q.mu.Unlock()

	for _, t := range running {
		t.flag.Trip()
	}
	for _, fn := range handlers {
		fn()
	}
}

// Wait blocks until the project's current task finishes. Test helper.
func (q *TaskQueue) Wait(project string) {
	q.mu.Lock()
	t, ok := q.tasks[project]
	q.mu.Unlock()
	if ok {
		<-t.done
	}
}
