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

package resource

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/intellistream/streamjoin/types"
)

type taskEntry struct {
	fn     func() error
	future *Task
}

// handle implements Handle with a fixed worker pool draining a bounded
// queue. Submission never blocks: a saturated queue is reported as
// ErrQueueFull so callers apply their own backpressure.
type handle struct {
	id        string
	name      string
	allocated Request

	mu      sync.RWMutex
	revoked bool
	tasks   chan taskEntry
	wg      sync.WaitGroup

	busy      atomic.Int32
	memQuota  atomic.Int64
	memUsed   atomic.Int64
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

func newHandle(name string, allocated Request, queueCap int) *handle {
	h := &handle{
		id:        uuid.New().String(),
		name:      name,
		allocated: allocated,
		tasks:     make(chan taskEntry, queueCap),
	}
	h.memQuota.Store(allocated.MaxMemoryBytes)
	for i := 0; i < allocated.Threads; i++ {
		h.wg.Add(1)
		go h.worker()
	}
	return h
}

func (h *handle) ID() string   { return h.id }
func (h *handle) Name() string { return h.name }

// Allocated returns the granted request, reflecting quota adjustments.
func (h *handle) Allocated() Request {
	return Request{Threads: h.allocated.Threads, MaxMemoryBytes: h.memQuota.Load()}
}

func (h *handle) SubmitTask(fn func() error) (*Task, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.revoked {
		return nil, types.ErrHandleRevoked
	}
	future := newTask()
	select {
	case h.tasks <- taskEntry{fn: fn, future: future}:
		h.submitted.Inc()
		return future, nil
	default:
		return nil, types.ErrQueueFull
	}
}

func (h *handle) ReportMemory(bytes int64) {
	h.memUsed.Store(bytes)
}

func (h *handle) Usage() Usage {
	return Usage{
		ThreadsBusy:     int(h.busy.Load()),
		ThreadsTotal:    h.allocated.Threads,
		MemoryUsedBytes: h.memUsed.Load(),
		QueueLength:     len(h.tasks),
		TasksSubmitted:  h.submitted.Load(),
		TasksCompleted:  h.completed.Load(),
		TasksFailed:     h.failed.Load(),
	}
}

func (h *handle) Revoked() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.revoked
}

// Revoke closes the queue so workers drain what was already admitted, then
// waits for them to exit.
func (h *handle) Revoke() {
	h.mu.Lock()
	if h.revoked {
		h.mu.Unlock()
		return
	}
	h.revoked = true
	close(h.tasks)
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *handle) worker() {
	defer h.wg.Done()
	for entry := range h.tasks {
		h.busy.Inc()
		h.run(entry)
		h.busy.Dec()
	}
}

func (h *handle) run(entry taskEntry) {
	defer func() {
		if r := recover(); r != nil {
			entry.future.err = fmt.Errorf("task panic: %v", r)
		}
		if entry.future.err != nil {
			h.failed.Inc()
		} else {
			h.completed.Inc()
		}
		close(entry.future.done)
	}()
	entry.future.err = entry.fn()
}
