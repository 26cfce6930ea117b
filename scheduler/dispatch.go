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

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/intellistream/streamjoin/logger"
	"github.com/intellistream/streamjoin/types"
)

// finished carries a callback invocation out of the registry lock; user
// callbacks never run while the mutex is held.
type finished struct {
	cb     Callback
	info   types.WindowInfo
	status types.ComputeStatus
}

// enqueueLocked appends a Pending window to the FIFO ready queue.
func (s *Scheduler) enqueueLocked(e *windowEntry) {
	if e.queued || e.info.State != types.WindowPending {
		return
	}
	e.queued = true
	s.ready = append(s.ready, e.info.WindowID)
}

// evaluateTriggersLocked queues every Pending window whose trigger
// condition holds. Manual policy queues nothing here.
func (s *Scheduler) evaluateTriggersLocked() {
	policy := s.cfg.TriggerPolicy
	timeOK := policy == types.TriggerTimeBased || policy == types.TriggerHybrid
	countOK := policy == types.TriggerCountBased || policy == types.TriggerHybrid
	if !timeOK && !countOK {
		return
	}
	wm := s.wm.Current()
	for _, id := range s.pendingIDsLocked() {
		e := s.windows[id]
		if timeOK && wm >= e.info.TimeRange.End+s.cfg.WatermarkSlackUs {
			s.enqueueLocked(e)
			continue
		}
		if countOK && s.cfg.TriggerCountThreshold > 0 && e.info.TotalCount() >= s.cfg.TriggerCountThreshold {
			s.enqueueLocked(e)
		}
	}
}

// handleLateLocked applies the late-data policy to the windows covering a
// tuple that arrived behind the watermark.
func (s *Scheduler) handleLateLocked(stream types.StreamID, ranges []types.TimeRange) {
	for _, r := range ranges {
		id, ok := s.byStart[r.Start]
		if !ok {
			// The window was cleaned up or never existed; the tuple is
			// only counted as late.
			continue
		}
		e := s.windows[id]
		switch {
		case e.info.State == types.WindowPending:
			// Still open thanks to slack; the join will see the tuple.
			if stream == types.StreamS {
				e.info.StreamSCount++
			} else {
				e.info.StreamRCount++
			}
		case e.info.State.Terminal():
			e.info.HasLateData = true
			s.recomputeLocked(e)
		}
	}
}

// recomputeLocked re-enters a terminal window into Pending for a
// corrective recompute when the policy allows it.
func (s *Scheduler) recomputeLocked(e *windowEntry) {
	if s.cfg.LatePolicy != types.LateRecompute {
		return
	}
	e.info.State = types.WindowPending
	s.lateRecomputed++
	logger.Info("window %d re-entering pending for late-data recompute", e.info.WindowID)
	s.enqueueLocked(e)
}

// dispatchReady starts queued windows while the admission gate has slots.
// Each dispatch flips the window to Computing, stamps a fresh slot id and
// hands the computation to the resource handle's worker pool.
func (s *Scheduler) dispatchReady() {
	var fails []finished
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	for len(s.ready) > 0 && s.gate.TryAcquire(1) {
		id := s.ready[0]
		s.ready = s.ready[1:]
		e, ok := s.windows[id]
		if !ok || e.info.State != types.WindowPending {
			if ok {
				e.queued = false
			}
			s.releaseSlotLocked()
			continue
		}
		e.queued = false
		e.info.State = types.WindowComputing
		e.info.TriggeredAtUs = s.clk.Now().UnixMicro()
		e.info.SlotID = uuid.NewString()
		s.triggered++
		s.schedLatSumMs += float64(e.info.TriggeredAtUs-e.info.CreatedAtUs) / 1000.0

		info := e.info
		s.taskWG.Add(1)
		if err := s.submit(info); err != nil {
			s.taskWG.Done()
			s.releaseSlotLocked()
			status := types.ComputeStatus{
				WindowID: id,
				Success:  false,
				Error:    fmt.Sprintf("dispatch window %d: %v", id, err),
			}
			if f := s.completeLocked(e, status); f != nil {
				fails = append(fails, *f)
			}
			continue
		}
		logger.Debug("window %d dispatched [%d,%d) slot=%s",
			id, info.TimeRange.Start, info.TimeRange.End, info.SlotID)
	}
	s.mu.Unlock()
	for _, f := range fails {
		f.cb(f.info, f.status)
	}
}

// submit hands the computation to the worker pool, or a plain goroutine
// when no resource handle was provided. The deferred drain runs after the
// slot release so a queued window can take the freed slot immediately.
func (s *Scheduler) submit(info types.WindowInfo) error {
	task := func() error {
		defer s.taskWG.Done()
		defer s.dispatchReady()
		defer s.releaseSlot()
		status := s.runWindow(info)
		s.completeWindow(info.WindowID, status)
		if !status.Success {
			return errors.New(status.Error)
		}
		return nil
	}
	if s.handle != nil {
		_, err := s.handle.SubmitTask(task)
		return err
	}
	go task()
	return nil
}

// runWindow executes the join and contains panics at the task boundary.
func (s *Scheduler) runWindow(info types.WindowInfo) (status types.ComputeStatus) {
	defer func() {
		if r := recover(); r != nil {
			status = types.ComputeStatus{
				WindowID: info.WindowID,
				Success:  false,
				Error:    fmt.Sprintf("window task panic: %v", r),
			}
		}
	}()
	return s.exec.ExecuteWindowJoin(context.Background(), info.WindowID, info.TimeRange)
}

// completeWindow lands the outcome of a dispatched computation in the
// registry, then fires the user callback outside the lock. The caller's
// deferred release and drain put the freed slot back into circulation.
func (s *Scheduler) completeWindow(id int64, status types.ComputeStatus) {
	s.mu.Lock()
	e, ok := s.windows[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	f := s.completeLocked(e, status)
	s.mu.Unlock()
	if f != nil {
		f.cb(f.info, f.status)
	}
}

// completeLocked applies the terminal (or retry) transition for a window
// whose computation finished. It returns the callback to invoke once the
// lock is released, if any.
func (s *Scheduler) completeLocked(e *windowEntry, status types.ComputeStatus) *finished {
	if e.info.State != types.WindowComputing {
		// Out-of-order transition attempt. Contain it as a defect.
		logger.Error("window %d finished from state %s, marking failed", e.info.WindowID, e.info.State)
		e.info.State = types.WindowFailed
		s.failed++
		if s.onFailed != nil {
			return &finished{cb: s.onFailed, info: e.info, status: status}
		}
		return nil
	}

	now := s.clk.Now().UnixMicro()
	if status.Success {
		e.info.State = types.WindowCompleted
		e.info.CompletedAtUs = now
		s.completed++
		s.tuples += status.InputSCount + status.InputRCount
		completionMs := float64(now-e.info.TriggeredAtUs) / 1000.0
		s.complSumMs += completionMs
		if completionMs > s.complMaxMs {
			s.complMaxMs = completionMs
		}
		logger.Debug("window %d completed: joins=%d aqp=%v in %.2fms",
			e.info.WindowID, status.JoinCount, status.UsedAQP, status.ComputationTimeMs)
		if s.onCompleted != nil {
			return &finished{cb: s.onCompleted, info: e.info, status: status}
		}
		return nil
	}

	if e.info.Retries < s.cfg.MaxRetries {
		e.info.Retries++
		e.info.State = types.WindowPending
		s.retried++
		if rr, ok := s.exec.(retryRecorder); ok {
			rr.RecordRetry()
		}
		delay := s.retryDelayLocked(e)
		logger.Warn("window %d failed (%s), retry %d/%d in %s",
			e.info.WindowID, status.Error, e.info.Retries, s.cfg.MaxRetries, delay)
		s.scheduleRetry(e.info.WindowID, delay)
		return nil
	}

	e.info.State = types.WindowFailed
	e.info.CompletedAtUs = now
	s.failed++
	logger.Warn("window %d failed permanently: %s", e.info.WindowID, status.Error)
	if s.onFailed != nil {
		return &finished{cb: s.onFailed, info: e.info, status: status}
	}
	return nil
}

// retryDelayLocked returns the next exponential backoff delay for the
// window, building the per-window backoff source on first failure.
func (s *Scheduler) retryDelayLocked(e *windowEntry) time.Duration {
	if e.bo == nil {
		base := s.cfg.RetryBackoffMs
		if base <= 0 {
			base = types.DefaultSchedulerConfig().RetryBackoffMs
		}
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Duration(base) * time.Millisecond
		bo.RandomizationFactor = 0
		bo.MaxElapsedTime = 0
		bo.Reset()
		e.bo = bo
	}
	d := e.bo.NextBackOff()
	if d == backoff.Stop {
		d = e.bo.InitialInterval
	}
	return d
}

// scheduleRetry re-queues the window after the backoff delay, unless the
// scheduler stopped or the window moved on in the meantime.
func (s *Scheduler) scheduleRetry(id int64, delay time.Duration) {
	s.clk.AfterFunc(delay, func() {
		s.mu.Lock()
		e, ok := s.windows[id]
		if ok && s.running && e.info.State == types.WindowPending {
			s.enqueueLocked(e)
		}
		s.mu.Unlock()
		s.dispatchReady()
	})
}

// triggerLoop drives time-based triggering and idle watermark advancement
// at the configured trigger interval.
func (s *Scheduler) triggerLoop(ctx context.Context) {
	defer s.loopWG.Done()
	ticker := s.clk.Ticker(time.Duration(s.cfg.TriggerIntervalUs) * time.Microsecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if wm, moved := s.wm.Tick(); moved {
				logger.Debug("idle watermark advance to %dus", wm)
			}
			s.mu.Lock()
			s.evaluateTriggersLocked()
			s.mu.Unlock()
			s.dispatchReady()
		}
	}
}

// cleanupLoop removes terminal windows that fell behind the retention
// horizon, keeping the registry bounded on long runs.
func (s *Scheduler) cleanupLoop(ctx context.Context) {
	defer s.loopWG.Done()
	interval := time.Duration(s.cfg.TriggerIntervalUs*cleanupTickFactor) * time.Microsecond
	ticker := s.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

func (s *Scheduler) cleanupExpired() {
	horizon := s.wm.Current() - retentionWindowFactor*s.cfg.WindowLenUs
	if horizon <= 0 {
		return
	}
	s.mu.Lock()
	var removed int
	for id, e := range s.windows {
		if e.info.State.Terminal() && e.info.TimeRange.End <= horizon {
			delete(s.windows, id)
			delete(s.byStart, e.info.TimeRange.Start)
			removed++
		}
	}
	s.mu.Unlock()
	if removed > 0 {
		logger.Debug("cleaned up %d windows ending before %dus", removed, horizon)
	}
}
