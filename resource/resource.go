/*
 * Copyright 2025 The IntelliStream Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package resource governs thread and memory quotas for named clients. A
// client allocates a handle, submits tasks onto the handle's bounded worker
// pool, and periodically reports its memory footprint; a monitor goroutine
// turns quota breaches into advisory throttle events.
package resource

import (
	"context"
)

// Request describes the resources a client asks for. Zero fields take the
// defaults (4 threads, 512 MiB).
type Request struct {
	Threads        int   `json:"threads"`
	MaxMemoryBytes int64 `json:"max_memory_bytes"`
}

// Usage is a handle's momentary state.
type Usage struct {
	ThreadsBusy     int   `json:"threads_busy"`
	ThreadsTotal    int   `json:"threads_total"`
	MemoryUsedBytes int64 `json:"memory_used_bytes"`
	QueueLength     int   `json:"queue_length"`
	TasksSubmitted  int64 `json:"tasks_submitted"`
	TasksCompleted  int64 `json:"tasks_completed"`
	TasksFailed     int64 `json:"tasks_failed"`
}

// Handle is an allocated slice of the manager's quota. Tasks submitted to it
// run on a worker pool sized by the allocated thread count.
type Handle interface {
	// ID is the handle's slot id, unique per allocation.
	ID() string

	// Name is the client name the handle was allocated under.
	Name() string

	// Allocated returns the granted request.
	Allocated() Request

	// SubmitTask enqueues fn and returns its future. Returns
	// types.ErrQueueFull when the task queue is saturated and
	// types.ErrHandleRevoked after Revoke.
	SubmitTask(fn func() error) (*Task, error)

	// ReportMemory records the client's current memory footprint for the
	// quota monitor. Advisory; nothing is enforced synchronously.
	ReportMemory(bytes int64)

	// Usage reports the handle's counters.
	Usage() Usage

	// Revoked reports whether the handle still admits tasks.
	Revoked() bool

	// Revoke stops new admissions, lets queued and in-flight tasks
	// finish, and stops the workers. Blocks until the pool is drained.
	Revoke()
}

// Task is the future returned by SubmitTask.
type Task struct {
	done chan struct{}
	err  error
}

func newTask() *Task {
	return &Task{done: make(chan struct{})}
}

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task's error once it has finished, nil before that.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
