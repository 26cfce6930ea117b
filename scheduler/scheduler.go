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

// Package scheduler owns the window lifecycle: it creates windows as data
// arrives, decides when each window's inputs are complete enough to join,
// and dispatches computations under an admission gate.
//
// Windows move Pending -> Computing -> Completed or Failed, exactly once.
// The only sanctioned re-entries to Pending are a bounded retry of a failed
// computation and a corrective recompute under the LateRecompute policy;
// both are recorded on the window.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/intellistream/streamjoin/logger"
	"github.com/intellistream/streamjoin/resource"
	"github.com/intellistream/streamjoin/types"
	"github.com/intellistream/streamjoin/window"
)

// Executor runs one window computation. The engine implements it; tests
// substitute fakes.
type Executor interface {
	ExecuteWindowJoin(ctx context.Context, windowID int64, r types.TimeRange) types.ComputeStatus
}

// retryRecorder is implemented by executors that track re-executions.
type retryRecorder interface {
	RecordRetry()
}

// Callback receives the final window record and compute outcome. It runs
// synchronously on whichever worker finished the task; consumers needing
// ordering must serialize themselves.
type Callback func(types.WindowInfo, types.ComputeStatus)

// cleanupTickFactor spaces registry cleanup relative to the trigger tick.
const cleanupTickFactor = 10

// retentionWindowFactor keeps terminal windows queryable for this many
// window lengths behind the watermark before cleanup removes them.
const retentionWindowFactor = 10

// windowEntry is the registry slot for one window.
type windowEntry struct {
	info   types.WindowInfo
	queued bool
	bo     *backoff.ExponentialBackOff
}

// Scheduler creates, triggers and dispatches windows over two watched
// stream tables. All registry mutation is serialized behind one mutex;
// computations themselves run on the resource handle's worker pool.
type Scheduler struct {
	cfg        types.SchedulerConfig
	exec       Executor
	handle     resource.Handle
	assigner   *window.Assigner
	wm         *window.Tracker
	clk        clock.Clock
	gate       *semaphore.Weighted
	gateWidth  int64
	maxPending int

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	windows   map[int64]*windowEntry
	byStart   map[int64]int64
	tables    map[string]types.StreamID
	ready     []int64
	nextID    int64
	throttled bool
	// reserved holds gate permits withdrawn from circulation while
	// throttled, shrinking the effective concurrency to one window.
	reserved int64

	onCompleted Callback
	onFailed    Callback

	// Cumulative counters, guarded by mu alongside the registry.
	scheduled, triggered, completed, failed int64
	retried, rejected                       int64
	lateData, lateRecomputed                int64
	tuples                                  int64
	schedLatSumMs                           float64
	complSumMs, complMaxMs                  float64
	statsSince                              time.Time

	loopWG sync.WaitGroup
	taskWG sync.WaitGroup
}

// New builds a scheduler on the wall clock. The executor is required; the
// resource handle may be nil, in which case tasks run on plain goroutines
// and the admission gate alone bounds concurrency.
func New(cfg types.SchedulerConfig, exec Executor, handle resource.Handle) (*Scheduler, error) {
	return NewWithClock(cfg, exec, handle, clock.New())
}

// NewWithClock is New with an injected clock driving the trigger and
// cleanup ticks, idle watermark advancement and retry timers.
func NewWithClock(cfg types.SchedulerConfig, exec Executor, handle resource.Handle, clk clock.Clock) (*Scheduler, error) {
	if exec == nil {
		return nil, fmt.Errorf("executor is required: %w", types.ErrInvalidConfig)
	}
	switch cfg.TriggerPolicy {
	case "":
		cfg.TriggerPolicy = types.TriggerHybrid
	case types.TriggerTimeBased, types.TriggerCountBased, types.TriggerHybrid, types.TriggerManual:
	default:
		return nil, fmt.Errorf("trigger policy %q: %w", cfg.TriggerPolicy, types.ErrInvalidConfig)
	}
	switch cfg.LatePolicy {
	case "":
		cfg.LatePolicy = types.LateDrop
	case types.LateDrop, types.LateRecompute:
	default:
		return nil, fmt.Errorf("late policy %q: %w", cfg.LatePolicy, types.ErrInvalidConfig)
	}
	if cfg.TriggerIntervalUs <= 0 {
		cfg.TriggerIntervalUs = types.DefaultSchedulerConfig().TriggerIntervalUs
	}
	if cfg.MaxConcurrentWindows <= 0 {
		cfg.MaxConcurrentWindows = types.DefaultSchedulerConfig().MaxConcurrentWindows
	}

	assigner, err := window.NewAssigner(cfg)
	if err != nil {
		return nil, err
	}

	concurrency := cfg.MaxConcurrentWindows
	if handle != nil {
		if threads := handle.Allocated().Threads; threads < concurrency {
			logger.Info("max concurrent windows %d clamped to %d allocated threads",
				concurrency, threads)
			concurrency = threads
		}
	}

	s := &Scheduler{
		cfg:        cfg,
		exec:       exec,
		handle:     handle,
		assigner:   assigner,
		wm:         window.NewTrackerWithClock(cfg.MaxDelayUs, cfg.IdleTimeoutUs, clk),
		clk:        clk,
		gate:       semaphore.NewWeighted(int64(concurrency)),
		gateWidth:  int64(concurrency),
		maxPending: cfg.MaxPendingWindows,
		windows:    make(map[int64]*windowEntry),
		byStart:    make(map[int64]int64),
		tables:     make(map[string]types.StreamID),
		statsSince: clk.Now(),
	}
	if cfg.StreamSTable != "" {
		s.tables[cfg.StreamSTable] = types.StreamS
	}
	if cfg.StreamRTable != "" {
		s.tables[cfg.StreamRTable] = types.StreamR
	}
	return s, nil
}

// Start spawns the trigger and cleanup loops and dispatches any windows
// that became ready before start. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	s.evaluateTriggersLocked()
	s.mu.Unlock()

	s.loopWG.Add(2)
	go s.triggerLoop(ctx)
	go s.cleanupLoop(ctx)
	s.dispatchReady()
	logger.Info("window scheduler started: window=%dus slide=%dus policy=%s concurrency_gate=%d",
		s.cfg.WindowLenUs, s.assigner.SlideLen(), s.cfg.TriggerPolicy, s.cfg.MaxConcurrentWindows)
	return nil
}

// Stop cancels the loops and waits for in-flight computations to finish.
// Running tasks are never preempted; their own compute budget bounds the
// wait. Calling Stop on a stopped scheduler is a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.loopWG.Wait()
	s.taskWG.Wait()
	logger.Info("window scheduler stopped")
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// WatchTable registers a stream table so OnDataInserted can attribute
// inserts to stream S or R.
func (s *Scheduler) WatchTable(table string, stream types.StreamID) error {
	if table == "" {
		return fmt.Errorf("empty table name: %w", types.ErrInvalidConfig)
	}
	if stream != types.StreamS && stream != types.StreamR {
		return fmt.Errorf("stream id %d: %w", stream, types.ErrInvalidConfig)
	}
	s.mu.Lock()
	s.tables[table] = stream
	s.mu.Unlock()
	return nil
}

// OnDataInserted records one stored tuple: it creates the windows covering
// the timestamp, bumps their per-stream counts, advances the automatic
// watermark and re-evaluates triggers. Inserts for unwatched tables are
// ignored.
//
// The insert hook on the stream stores calls this once per stored tuple.
func (s *Scheduler) OnDataInserted(table string, tsUs int64) {
	s.mu.Lock()
	stream, ok := s.tables[table]
	if !ok {
		s.mu.Unlock()
		logger.Debug("insert into unwatched table %q ignored", table)
		return
	}

	late := s.wm.IsLate(tsUs)
	s.wm.Observe(stream, tsUs)

	ranges := s.assigner.AssignRanges(tsUs)
	if late {
		s.lateData++
		s.handleLateLocked(stream, ranges)
	} else {
		for _, r := range ranges {
			e := s.windowForRangeLocked(r)
			if e == nil {
				continue
			}
			switch {
			case e.info.State == types.WindowPending:
				if stream == types.StreamS {
					e.info.StreamSCount++
				} else {
					e.info.StreamRCount++
				}
			case e.info.State.Terminal():
				// The window fired early, on count or by hand, and the
				// tuple missed it even though it beat the watermark.
				s.lateData++
				e.info.HasLateData = true
				s.recomputeLocked(e)
			}
		}
		s.evaluateTriggersLocked()
	}
	s.mu.Unlock()
	s.dispatchReady()
}

// ScheduleWindow creates a window for an explicit time range, returning the
// existing id when the range is already registered. The pending-window
// bound applies as for automatic creation.
func (s *Scheduler) ScheduleWindow(r types.TimeRange) (int64, error) {
	if r.Start >= r.End {
		return 0, fmt.Errorf("window [%d,%d): %w", r.Start, r.End, types.ErrInvalidTimeRange)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byStart[r.Start]; ok {
		return id, nil
	}
	e := s.createWindowLocked(r)
	if e == nil {
		return 0, fmt.Errorf("pending window limit %d reached: %w", s.maxPending, types.ErrResourceExhausted)
	}
	return e.info.WindowID, nil
}

// TriggerWindow queues one Pending window for computation regardless of
// its trigger conditions.
func (s *Scheduler) TriggerWindow(id int64) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return types.ErrSchedulerNotRunning
	}
	e, ok := s.windows[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("window %d: %w", id, types.ErrWindowNotFound)
	}
	if e.info.State != types.WindowPending {
		s.mu.Unlock()
		return fmt.Errorf("window %d is %s, only pending windows can be triggered", id, e.info.State)
	}
	s.enqueueLocked(e)
	s.mu.Unlock()
	s.dispatchReady()
	return nil
}

// TriggerPendingWindows queues every Pending window and returns how many
// were queued.
func (s *Scheduler) TriggerPendingWindows() (int, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return 0, types.ErrSchedulerNotRunning
	}
	ids := s.pendingIDsLocked()
	for _, id := range ids {
		s.enqueueLocked(s.windows[id])
	}
	s.mu.Unlock()
	s.dispatchReady()
	return len(ids), nil
}

// UpdateWatermark raises the watermark by hand and re-evaluates time
// triggers. Values at or below the current watermark are ignored; the
// effective watermark is returned.
func (s *Scheduler) UpdateWatermark(tsUs int64) int64 {
	wm := s.wm.Set(tsUs)
	s.mu.Lock()
	s.evaluateTriggersLocked()
	s.mu.Unlock()
	s.dispatchReady()
	return wm
}

// Watermark returns the current watermark in microseconds.
func (s *Scheduler) Watermark() int64 {
	return s.wm.Current()
}

// GetWindowInfo returns a copy of the registry record for one window.
func (s *Scheduler) GetWindowInfo(id int64) (types.WindowInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.windows[id]
	if !ok {
		return types.WindowInfo{}, fmt.Errorf("window %d: %w", id, types.ErrWindowNotFound)
	}
	return e.info, nil
}

// GetAllWindows returns copies of every registered window, ordered by id.
func (s *Scheduler) GetAllWindows() []types.WindowInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]types.WindowInfo, 0, len(s.windows))
	for _, e := range s.windows {
		infos = append(infos, e.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].WindowID < infos[j].WindowID })
	return infos
}

// PendingWindowCount returns the number of windows in Pending.
func (s *Scheduler) PendingWindowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countPendingLocked()
}

// ActiveWindowCount returns the number of windows in Computing.
func (s *Scheduler) ActiveWindowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, e := range s.windows {
		if e.info.State == types.WindowComputing {
			n++
		}
	}
	return n
}

// SetCallbacks installs the completion and failure callbacks. Passing nil
// clears a callback.
func (s *Scheduler) SetCallbacks(onCompleted, onFailed Callback) {
	s.mu.Lock()
	s.onCompleted = onCompleted
	s.onFailed = onFailed
	s.mu.Unlock()
}

// SetThrottled shrinks the admission gate to a single in-flight window while
// on, and restores the configured width once lifted. The resource manager's
// memory-quota events drive this; windows already computing are never
// preempted, their slots are absorbed as they release.
func (s *Scheduler) SetThrottled(on bool) {
	s.mu.Lock()
	if s.throttled == on {
		s.mu.Unlock()
		return
	}
	s.throttled = on
	if on {
		for s.reserved < s.gateWidth-1 && s.gate.TryAcquire(1) {
			s.reserved++
		}
		s.mu.Unlock()
		logger.Warn("admission gate throttled to 1 of %d slots", s.gateWidth)
		return
	}
	reserved := s.reserved
	s.reserved = 0
	s.mu.Unlock()
	if reserved > 0 {
		s.gate.Release(reserved)
	}
	logger.Info("admission gate restored to %d slots", s.gateWidth)
	s.dispatchReady()
}

// IsThrottled reports whether the admission gate is currently shrunk.
func (s *Scheduler) IsThrottled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.throttled
}

// releaseSlotLocked returns one gate permit, diverting it into the throttle
// reserve while the gate is shrunk. Callers hold mu.
func (s *Scheduler) releaseSlotLocked() {
	if s.throttled && s.reserved < s.gateWidth-1 {
		s.reserved++
		return
	}
	s.gate.Release(1)
}

// releaseSlot is releaseSlotLocked for callers that do not hold mu.
func (s *Scheduler) releaseSlot() {
	s.mu.Lock()
	s.releaseSlotLocked()
	s.mu.Unlock()
}

// Metrics returns a snapshot of the scheduling counters and gauges.
func (s *Scheduler) Metrics() types.SchedulerMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := types.SchedulerMetrics{
		TotalWindowsScheduled: s.scheduled,
		TotalWindowsTriggered: s.triggered,
		TotalWindowsCompleted: s.completed,
		TotalWindowsFailed:    s.failed,
		TotalWindowsRetried:   s.retried,
		WindowsRejected:       s.rejected,
		LateDataCount:         s.lateData,
		LateWindowsRecomputed: s.lateRecomputed,
		MaxWindowCompletionMs: s.complMaxMs,
		WatermarkUs:           s.wm.Current(),
	}
	for _, e := range s.windows {
		switch e.info.State {
		case types.WindowPending:
			m.PendingWindows++
		case types.WindowComputing:
			m.ActiveWindows++
		}
	}
	if s.triggered > 0 {
		m.AvgSchedulingLatencyMs = s.schedLatSumMs / float64(s.triggered)
	}
	if s.completed > 0 {
		m.AvgWindowCompletionMs = s.complSumMs / float64(s.completed)
	}
	if elapsed := s.clk.Since(s.statsSince).Seconds(); elapsed > 0 {
		m.WindowsPerSecond = float64(s.completed) / elapsed
		m.TuplesPerSecond = float64(s.tuples) / elapsed
	}
	return m
}

// ResetMetrics zeroes the cumulative counters and restarts the rate
// baseline. The registry and watermark are untouched.
func (s *Scheduler) ResetMetrics() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled, s.triggered, s.completed, s.failed = 0, 0, 0, 0
	s.retried, s.rejected = 0, 0
	s.lateData, s.lateRecomputed = 0, 0
	s.tuples = 0
	s.schedLatSumMs, s.complSumMs, s.complMaxMs = 0, 0, 0
	s.statsSince = s.clk.Now()
}

// pendingIDsLocked returns the Pending, not yet queued window ids in
// creation order.
func (s *Scheduler) pendingIDsLocked() []int64 {
	ids := make([]int64, 0, len(s.windows))
	for id, e := range s.windows {
		if e.info.State == types.WindowPending && !e.queued {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// countPendingLocked counts every Pending window, queued or not.
func (s *Scheduler) countPendingLocked() int {
	var n int
	for _, e := range s.windows {
		if e.info.State == types.WindowPending {
			n++
		}
	}
	return n
}

// windowForRangeLocked returns the window covering r, creating it when
// absent. nil means creation was declined by the pending-window bound.
func (s *Scheduler) windowForRangeLocked(r types.TimeRange) *windowEntry {
	if id, ok := s.byStart[r.Start]; ok {
		return s.windows[id]
	}
	return s.createWindowLocked(r)
}

func (s *Scheduler) createWindowLocked(r types.TimeRange) *windowEntry {
	if s.maxPending > 0 && s.countPendingLocked() >= s.maxPending {
		s.rejected++
		logger.Warn("window [%d,%d) rejected: %d pending windows at limit", r.Start, r.End, s.maxPending)
		return nil
	}
	s.nextID++
	e := &windowEntry{info: types.WindowInfo{
		WindowID:    s.nextID,
		TimeRange:   r,
		State:       types.WindowPending,
		WatermarkUs: s.wm.Current(),
		CreatedAtUs: s.clk.Now().UnixMicro(),
	}}
	s.windows[e.info.WindowID] = e
	s.byStart[r.Start] = e.info.WindowID
	s.scheduled++
	logger.Debug("window %d scheduled for [%d,%d)", e.info.WindowID, r.Start, r.End)
	return e
}
