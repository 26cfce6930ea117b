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
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/intellistream/streamjoin/logger"
	"github.com/intellistream/streamjoin/types"
)

func TestMain(m *testing.M) {
	logger.SetDefault(logger.NewDiscardLogger())
	m.Run()
}

func newTestManager(t *testing.T, cfg types.ResourceConfig) *Manager {
	t.Helper()
	m := NewManager(cfg)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestAllocateDefaultsAndReturnsExisting(t *testing.T) {
	m := newTestManager(t, types.DefaultResourceConfig())

	h, err := m.Allocate("pecj_engine", Request{})
	require.NoError(t, err)
	assert.Equal(t, 4, h.Allocated().Threads)
	assert.Equal(t, int64(512<<20), h.Allocated().MaxMemoryBytes)
	assert.NotEmpty(t, h.ID())

	again, err := m.Allocate("pecj_engine", Request{Threads: 9})
	require.NoError(t, err)
	assert.Equal(t, h.ID(), again.ID())
	assert.Equal(t, []string{"pecj_engine"}, m.Clients())
}

func TestAllocateRejectsOverCommit(t *testing.T) {
	m := newTestManager(t, types.ResourceConfig{
		GlobalMaxThreads:     8,
		GlobalMaxMemoryBytes: 1 << 30,
	})

	_, err := m.Allocate("a", Request{Threads: 6, MaxMemoryBytes: 256 << 20})
	require.NoError(t, err)

	_, err = m.Allocate("b", Request{Threads: 4, MaxMemoryBytes: 1 << 20})
	assert.ErrorIs(t, err, types.ErrResourceExhausted)

	_, err = m.Allocate("c", Request{Threads: 1, MaxMemoryBytes: 900 << 20})
	assert.ErrorIs(t, err, types.ErrResourceExhausted)

	// A fitting request still succeeds after the rejections.
	_, err = m.Allocate("d", Request{Threads: 2, MaxMemoryBytes: 128 << 20})
	assert.NoError(t, err)
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	m := newTestManager(t, types.DefaultResourceConfig())
	h, err := m.Allocate("joins", Request{Threads: 2})
	require.NoError(t, err)

	var running, peak atomic.Int32
	var tasks []*Task
	for i := 0; i < 5; i++ {
		task, err := h.SubmitTask(func() error {
			now := running.Inc()
			for {
				old := peak.Load()
				if now <= old || peak.CompareAndSwap(old, now) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Dec()
			return nil
		})
		require.NoError(t, err)
		tasks = append(tasks, task)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, task := range tasks {
		require.NoError(t, task.Wait(ctx))
	}

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int64(5), h.Usage().TasksCompleted)
	assert.Equal(t, int64(5), h.Usage().TasksSubmitted)
}

func TestSubmitTaskQueueFull(t *testing.T) {
	m := newTestManager(t, types.ResourceConfig{
		GlobalMaxThreads:     8,
		GlobalMaxMemoryBytes: 1 << 30,
		QueueCapacity:        2,
	})
	h, err := m.Allocate("joins", Request{Threads: 1})
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	blocker, err := h.SubmitTask(func() error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	// Worker busy; the queue holds exactly two more.
	for i := 0; i < 2; i++ {
		_, err := h.SubmitTask(func() error { return nil })
		require.NoError(t, err)
	}
	_, err = h.SubmitTask(func() error { return nil })
	assert.ErrorIs(t, err, types.ErrQueueFull)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, blocker.Wait(ctx))
}

func TestRevokeDrainsQueuedTasks(t *testing.T) {
	m := newTestManager(t, types.DefaultResourceConfig())
	h, err := m.Allocate("joins", Request{Threads: 1})
	require.NoError(t, err)

	var ran atomic.Int32
	for i := 0; i < 4; i++ {
		_, err := h.SubmitTask(func() error {
			time.Sleep(5 * time.Millisecond)
			ran.Inc()
			return nil
		})
		require.NoError(t, err)
	}

	h.Revoke()
	assert.True(t, h.Revoked())
	assert.Equal(t, int32(4), ran.Load())

	_, err = h.SubmitTask(func() error { return nil })
	assert.ErrorIs(t, err, types.ErrHandleRevoked)
}

func TestTaskFutureErrorsAndPanics(t *testing.T) {
	m := newTestManager(t, types.DefaultResourceConfig())
	h, err := m.Allocate("joins", Request{Threads: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	boom := errors.New("boom")
	task, err := h.SubmitTask(func() error { return boom })
	require.NoError(t, err)
	assert.ErrorIs(t, task.Wait(ctx), boom)
	<-task.Done()
	assert.ErrorIs(t, task.Err(), boom)

	task, err = h.SubmitTask(func() error { panic("window blew up") })
	require.NoError(t, err)
	err = task.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "window blew up")

	assert.Equal(t, int64(2), h.Usage().TasksFailed)
	assert.Equal(t, int64(0), h.Usage().TasksCompleted)
}

func TestAdjustQuota(t *testing.T) {
	m := newTestManager(t, types.ResourceConfig{
		GlobalMaxThreads:     8,
		GlobalMaxMemoryBytes: 1 << 30,
	})
	h, err := m.Allocate("joins", Request{Threads: 2, MaxMemoryBytes: 100 << 20})
	require.NoError(t, err)

	require.NoError(t, m.AdjustQuota("joins", Request{MaxMemoryBytes: 200 << 20}))
	assert.Equal(t, int64(200<<20), h.Allocated().MaxMemoryBytes)

	err = m.AdjustQuota("joins", Request{Threads: 4})
	assert.Error(t, err)

	err = m.AdjustQuota("joins", Request{MaxMemoryBytes: 2 << 30})
	assert.ErrorIs(t, err, types.ErrResourceExhausted)

	assert.Error(t, m.AdjustQuota("missing", Request{MaxMemoryBytes: 1}))
}

func TestThrottleFactors(t *testing.T) {
	m := newTestManager(t, types.DefaultResourceConfig())
	_, err := m.Allocate("joins", Request{Threads: 1})
	require.NoError(t, err)

	assert.Equal(t, 1.0, m.ThrottleFactor("joins"))
	m.Throttle("joins", 0.5)
	assert.Equal(t, 0.5, m.ThrottleFactor("joins"))
	m.Throttle("joins", 1.7)
	assert.Equal(t, 1.0, m.ThrottleFactor("joins"))
	m.Throttle("joins", -3)
	assert.Equal(t, 0.0, m.ThrottleFactor("joins"))

	// Unknown clients are never throttled.
	m.Throttle("ghost", 0.1)
	assert.Equal(t, 1.0, m.ThrottleFactor("ghost"))
}

func TestMemoryMonitorTransitions(t *testing.T) {
	mock := clock.NewMock()
	m := NewManagerWithClock(types.ResourceConfig{
		GlobalMaxThreads:     8,
		GlobalMaxMemoryBytes: 1 << 30,
		MonitorIntervalMs:    100,
	}, mock)
	defer m.Close()

	h, err := m.Allocate("joins", Request{Threads: 1, MaxMemoryBytes: 1000})
	require.NoError(t, err)

	var mu sync.Mutex
	var events []bool
	m.SetThrottleCallback(func(name string, throttled bool, u Usage) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, throttled)
	})
	snapshot := func() []bool {
		mu.Lock()
		defer mu.Unlock()
		return append([]bool(nil), events...)
	}

	h.ReportMemory(1500)
	require.Eventually(t, func() bool {
		mock.Add(100 * time.Millisecond)
		return len(snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true}, snapshot())

	// Within the hysteresis band: still throttled, no new event.
	h.ReportMemory(900)
	mock.Add(250 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []bool{true}, snapshot())

	h.ReportMemory(700)
	require.Eventually(t, func() bool {
		mock.Add(100 * time.Millisecond)
		return len(snapshot()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false}, snapshot())
}

func TestIsUnderPressure(t *testing.T) {
	m := newTestManager(t, types.ResourceConfig{
		GlobalMaxThreads:     4,
		GlobalMaxMemoryBytes: 1 << 30,
	})
	h, err := m.Allocate("joins", Request{Threads: 4})
	require.NoError(t, err)
	assert.False(t, m.IsUnderPressure())

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(4)
	var tasks []*Task
	for i := 0; i < 4; i++ {
		task, err := h.SubmitTask(func() error {
			started.Done()
			<-release
			return nil
		})
		require.NoError(t, err)
		tasks = append(tasks, task)
	}
	started.Wait()

	assert.True(t, m.IsUnderPressure())

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, task := range tasks {
		require.NoError(t, task.Wait(ctx))
	}
}

func TestReleaseAndClose(t *testing.T) {
	m := NewManager(types.DefaultResourceConfig())
	h, err := m.Allocate("joins", Request{Threads: 1})
	require.NoError(t, err)

	m.Release("joins")
	_, ok := m.Get("joins")
	assert.False(t, ok)
	_, err = h.SubmitTask(func() error { return nil })
	assert.ErrorIs(t, err, types.ErrHandleRevoked)

	// Freed quota is reusable.
	h2, err := m.Allocate("joins", Request{Threads: 1})
	require.NoError(t, err)
	assert.NotEqual(t, h.ID(), h2.ID())

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	_, err = m.Allocate("late", Request{})
	assert.ErrorIs(t, err, types.ErrResourceExhausted)
	assert.True(t, h2.Revoked())
}
