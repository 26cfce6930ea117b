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
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/intellistream/streamjoin/logger"
	"github.com/intellistream/streamjoin/types"
)

const (
	defaultThreads     = 4
	defaultMemoryBytes = 512 << 20

	// Reported usage at or above this fraction of a global limit counts
	// as pressure.
	pressureFraction = 0.9
	// A throttled client recovers once its footprint drops below this
	// fraction of its quota.
	throttleHysteresis = 0.8
)

// ThrottleCallback receives quota transitions from the memory monitor:
// throttled true when the client crossed its quota, false once it dropped
// back below the hysteresis point.
type ThrottleCallback func(name string, throttled bool, usage Usage)

// Manager allocates thread and memory quotas to named clients and watches
// reported memory against them. Allocation is strict: a request that does
// not fit the remaining global quota fails instead of being trimmed.
type Manager struct {
	globalThreads int
	globalMemory  int64
	queueCap      int

	mu        sync.RWMutex
	handles   map[string]*handle
	factors   map[string]float64
	throttled map[string]bool
	onEvent   ThrottleCallback
	closed    bool

	clk  clock.Clock
	quit chan struct{}
	wg   sync.WaitGroup
}

// NewManager builds a manager from cfg and starts its memory monitor. Zero
// global limits default to one thread per CPU and 4 GiB.
func NewManager(cfg types.ResourceConfig) *Manager {
	return NewManagerWithClock(cfg, clock.New())
}

// NewManagerWithClock is NewManager with an injectable clock for tests.
func NewManagerWithClock(cfg types.ResourceConfig, clk clock.Clock) *Manager {
	threads := cfg.GlobalMaxThreads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	memory := cfg.GlobalMaxMemoryBytes
	if memory <= 0 {
		memory = 4 << 30
	}
	queueCap := cfg.QueueCapacity
	if queueCap <= 0 {
		queueCap = 1024
	}
	interval := time.Duration(cfg.MonitorIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	m := &Manager{
		globalThreads: threads,
		globalMemory:  memory,
		queueCap:      queueCap,
		handles:       make(map[string]*handle),
		factors:       make(map[string]float64),
		throttled:     make(map[string]bool),
		clk:           clk,
		quit:          make(chan struct{}),
	}
	m.wg.Add(1)
	go m.monitor(interval)
	return m
}

// Allocate grants a quota slice under name. Allocating an existing name
// returns the existing handle unchanged. Zero request fields default to
// 4 threads and 512 MiB.
func (m *Manager) Allocate(name string, req Request) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, types.ErrResourceExhausted
	}
	if h, ok := m.handles[name]; ok {
		return h, nil
	}

	if req.Threads <= 0 {
		req.Threads = defaultThreads
	}
	if req.MaxMemoryBytes <= 0 {
		req.MaxMemoryBytes = defaultMemoryBytes
	}

	usedThreads, usedMemory := m.committedLocked()
	if usedThreads+req.Threads > m.globalThreads {
		return nil, fmt.Errorf("allocate %s: %d threads requested, %d of %d available: %w",
			name, req.Threads, m.globalThreads-usedThreads, m.globalThreads, types.ErrResourceExhausted)
	}
	if usedMemory+req.MaxMemoryBytes > m.globalMemory {
		return nil, fmt.Errorf("allocate %s: %d bytes requested, %d of %d available: %w",
			name, req.MaxMemoryBytes, m.globalMemory-usedMemory, m.globalMemory, types.ErrResourceExhausted)
	}

	h := newHandle(name, req, m.queueCap)
	m.handles[name] = h
	logger.Debug("resource: allocated %s (%d threads, %d bytes), slot %s",
		name, req.Threads, req.MaxMemoryBytes, h.ID())
	return h, nil
}

// Get returns the handle allocated under name.
func (m *Manager) Get(name string) (Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[name]
	return h, ok
}

// Release revokes the named handle and returns its quota. Blocks until the
// handle's queue is drained.
func (m *Manager) Release(name string) {
	m.mu.Lock()
	h, ok := m.handles[name]
	if ok {
		delete(m.handles, name)
		delete(m.factors, name)
		delete(m.throttled, name)
	}
	m.mu.Unlock()
	if ok {
		h.Revoke()
		logger.Debug("resource: released %s", name)
	}
}

// Usage reports the named client's counters, zero if not allocated.
func (m *Manager) Usage(name string) Usage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.handles[name]; ok {
		return h.Usage()
	}
	return Usage{}
}

// TotalUsage sums usage across every client.
func (m *Manager) TotalUsage() Usage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total Usage
	for _, h := range m.handles {
		u := h.Usage()
		total.ThreadsBusy += u.ThreadsBusy
		total.ThreadsTotal += u.ThreadsTotal
		total.MemoryUsedBytes += u.MemoryUsedBytes
		total.QueueLength += u.QueueLength
		total.TasksSubmitted += u.TasksSubmitted
		total.TasksCompleted += u.TasksCompleted
		total.TasksFailed += u.TasksFailed
	}
	return total
}

// AdjustQuota updates the named client's memory quota. Thread counts are
// fixed at allocation; asking for a different one fails.
func (m *Manager) AdjustQuota(name string, req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[name]
	if !ok {
		return fmt.Errorf("adjust quota: client %s not allocated", name)
	}
	if req.Threads > 0 && req.Threads != h.allocated.Threads {
		return fmt.Errorf("adjust quota: thread count is fixed at allocation (have %d, asked %d)",
			h.allocated.Threads, req.Threads)
	}
	if req.MaxMemoryBytes <= 0 {
		return nil
	}
	_, usedMemory := m.committedLocked()
	proposed := usedMemory - h.memQuota.Load() + req.MaxMemoryBytes
	if proposed > m.globalMemory {
		return fmt.Errorf("adjust quota for %s: %d bytes exceeds global limit %d: %w",
			name, proposed, m.globalMemory, types.ErrResourceExhausted)
	}
	h.memQuota.Store(req.MaxMemoryBytes)
	return nil
}

// IsUnderPressure reports whether busy threads or reported memory have
// reached 90% of a global limit.
func (m *Manager) IsUnderPressure() bool {
	total := m.TotalUsage()
	return float64(total.ThreadsBusy) >= float64(m.globalThreads)*pressureFraction ||
		float64(total.MemoryUsedBytes) >= float64(m.globalMemory)*pressureFraction
}

// Clients lists allocated client names, sorted.
func (m *Manager) Clients() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.handles))
	for name := range m.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Throttle records an advisory throttle factor for a client, clamped to
// [0, 1]. 1 means unthrottled.
func (m *Manager) Throttle(name string, factor float64) {
	if factor < 0 {
		factor = 0
	} else if factor > 1 {
		factor = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handles[name]; ok {
		m.factors[name] = factor
	}
}

// ThrottleFactor returns the advisory factor for a client, 1 when unset.
func (m *Manager) ThrottleFactor(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if f, ok := m.factors[name]; ok {
		return f
	}
	return 1
}

// SetThrottleCallback installs the quota-transition callback. Events fire
// from the monitor goroutine.
func (m *Manager) SetThrottleCallback(fn ThrottleCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = fn
}

// Close stops the monitor and revokes every handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	handles := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.handles = make(map[string]*handle)
	m.mu.Unlock()

	close(m.quit)
	m.wg.Wait()
	for _, h := range handles {
		h.Revoke()
	}
	return nil
}

func (m *Manager) committedLocked() (threads int, memory int64) {
	for _, h := range m.handles {
		threads += h.allocated.Threads
		memory += h.memQuota.Load()
	}
	return threads, memory
}

func (m *Manager) monitor(interval time.Duration) {
	defer m.wg.Done()
	ticker := m.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
			m.sampleMemory()
		}
	}
}

type throttleEvent struct {
	name      string
	throttled bool
	usage     Usage
}

// sampleMemory compares each client's reported footprint against its quota
// and emits transitions. Callbacks run outside the lock.
func (m *Manager) sampleMemory() {
	m.mu.Lock()
	var events []throttleEvent
	for name, h := range m.handles {
		quota := h.memQuota.Load()
		if quota <= 0 {
			continue
		}
		u := h.Usage()
		switch {
		case !m.throttled[name] && u.MemoryUsedBytes > quota:
			m.throttled[name] = true
			events = append(events, throttleEvent{name, true, u})
		case m.throttled[name] && float64(u.MemoryUsedBytes) < float64(quota)*throttleHysteresis:
			delete(m.throttled, name)
			events = append(events, throttleEvent{name, false, u})
		}
	}
	cb := m.onEvent
	m.mu.Unlock()

	for _, ev := range events {
		if ev.throttled {
			logger.Warn("resource: %s over memory quota (%d bytes used)", ev.name, ev.usage.MemoryUsedBytes)
		} else {
			logger.Info("resource: %s back under memory quota", ev.name)
		}
		if cb != nil {
			cb(ev.name, ev.throttled, ev.usage)
		}
	}
}
