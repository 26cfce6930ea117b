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

// Package engine executes windowed stream joins. The engine is stateless
// across windows: every ExecuteWindowJoin queries both stream stores for
// the window's time range, feeds a fresh operator instance and writes one
// result row. Concurrent executions for distinct windows are safe.
package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/intellistream/streamjoin/condition"
	"github.com/intellistream/streamjoin/logger"
	"github.com/intellistream/streamjoin/operator"
	"github.com/intellistream/streamjoin/resource"
	"github.com/intellistream/streamjoin/state"
	"github.com/intellistream/streamjoin/store"
	"github.com/intellistream/streamjoin/types"
)

// deadlineCheckMask spaces out deadline checks during feeding; the check
// runs every 256 tuples and once before each stream's feed loop.
const deadlineCheckMask = 0xff

// Engine computes window joins against a pair of stream stores.
//
// A timeout inside ExecuteWindowJoin degrades to an approximate result when
// AQP is enabled and the operator supports it; with AQP disabled the call
// still returns, as a failed status. The call never hangs past its budget
// plus one feed step.
type Engine struct {
	mu          sync.RWMutex
	initialized bool
	cfg         types.ComputeConfig
	storeS      store.StreamStore
	storeR      store.StreamStore
	sink        store.ResultSink
	handle      resource.Handle
	filter      condition.Condition

	clk      clock.Clock
	inFlight atomic.Int32
	stats    *tracker
}

// New returns an uninitialized engine on the wall clock.
func New() *Engine {
	return NewWithClock(clock.New())
}

// NewWithClock is New with an injected clock for tests. The clock times
// compute budgets; store and operator behavior is unaffected.
func NewWithClock(clk clock.Clock) *Engine {
	return &Engine{clk: clk, stats: newTracker()}
}

// Initialize validates the configuration, compiles the optional filter and
// binds the stores and resource handle. It fails with ErrAlreadyInitialized
// when called twice without an intervening Reset. The sink and handle may
// be nil; results are then not persisted and memory is not reported.
func (e *Engine) Initialize(cfg types.ComputeConfig, streamS, streamR store.StreamStore, sink store.ResultSink, handle resource.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return types.ErrAlreadyInitialized
	}
	if streamS == nil || streamR == nil {
		return fmt.Errorf("both stream stores are required: %w", types.ErrInvalidConfig)
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = types.DefaultComputeConfig().TimeoutMs
	}
	// Building a throwaway operator surfaces unknown types and bad params
	// here instead of on the first window.
	if _, err := operator.New(cfg); err != nil {
		return err
	}
	var filter condition.Condition
	if cfg.Filter != "" {
		var err error
		filter, err = condition.NewExprCondition(cfg.Filter)
		if err != nil {
			return fmt.Errorf("compile filter %q: %w", cfg.Filter, err)
		}
	}

	e.cfg = cfg
	e.storeS = streamS
	e.storeR = streamR
	e.sink = sink
	e.handle = handle
	e.filter = filter
	e.initialized = true
	logger.Info("compute engine initialized: operator=%s aqp=%v timeout=%dms",
		cfg.OperatorType, cfg.EnableAQP, cfg.TimeoutMs)
	return nil
}

// IsInitialized reports whether Initialize succeeded since the last Reset.
func (e *Engine) IsInitialized() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.initialized
}

// Config returns the active configuration.
func (e *Engine) Config() types.ComputeConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Metrics returns a snapshot of the cumulative compute metrics.
func (e *Engine) Metrics() types.ComputeMetrics {
	return e.stats.snapshot(int(e.inFlight.Load()))
}

// RecordRetry counts a re-execution of a previously failed window.
func (e *Engine) RecordRetry() {
	e.stats.addRetry()
}

// Reset de-initializes the engine and zeroes its metrics. Executions
// already in flight finish against the configuration they started with;
// result rows already written stay in the sink.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.initialized = false
	e.storeS, e.storeR, e.sink, e.handle, e.filter = nil, nil, nil, nil, nil
	e.cfg = types.ComputeConfig{}
	e.mu.Unlock()
	e.stats.reset()
	logger.Info("compute engine reset")
}

// ResetMetrics zeroes the cumulative metrics while leaving the engine
// initialized. Stores, filter and resource bindings are untouched.
func (e *Engine) ResetMetrics() {
	e.stats.reset()
}

// ExecuteWindowJoin joins the two stream slices covered by the window
// range and reports the outcome. All state is local to the call except the
// metrics fold and the single result-row write, which is all-or-nothing:
// a failed write fails the window and leaves no partial row.
func (e *Engine) ExecuteWindowJoin(ctx context.Context, windowID int64, r types.TimeRange) types.ComputeStatus {
	status := types.ComputeStatus{WindowID: windowID}
	start := e.clk.Now()

	e.mu.RLock()
	if !e.initialized {
		e.mu.RUnlock()
		return e.fail(status, start, types.ErrNotInitialized)
	}
	cfg := e.cfg
	storeS, storeR, sink := e.storeS, e.storeR, e.sink
	filter := e.filter
	e.mu.RUnlock()

	e.inFlight.Inc()
	defer e.inFlight.Dec()

	if r.Start >= r.End {
		return e.fail(status, start, fmt.Errorf("window [%d,%d): %w", r.Start, r.End, types.ErrInvalidTimeRange))
	}
	if err := ctx.Err(); err != nil {
		return e.fail(status, start, err)
	}

	sTuples, err := queryStream(storeS, r, filter)
	if err != nil {
		return e.fail(status, start, fmt.Errorf("query stream S: %w", err))
	}
	rTuples, err := queryStream(storeR, r, filter)
	if err != nil {
		return e.fail(status, start, fmt.Errorf("query stream R: %w", err))
	}
	status.InputSCount = int64(len(sTuples))
	status.InputRCount = int64(len(rTuples))

	op, err := operator.New(cfg)
	if err != nil {
		return e.fail(status, start, err)
	}
	if aware, ok := op.(operator.ExpectedInputAware); ok {
		aware.SetExpectedInputs(status.InputSCount, status.InputRCount)
	}

	budget := time.Duration(cfg.TimeoutMs) * time.Millisecond
	timedOut := false
	feed := func(tuples []types.Tuple, stream types.StreamID) error {
		for i := range tuples {
			if i&deadlineCheckMask == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
				if e.clk.Since(start) > budget {
					timedOut = true
					return nil
				}
			}
			if err := op.Feed(tuples[i], stream); err != nil {
				return err
			}
		}
		return nil
	}
	if err := feed(sTuples, types.StreamS); err != nil {
		return e.fail(status, start, fmt.Errorf("feed stream S: %w", err))
	}
	if !timedOut {
		if err := feed(rTuples, types.StreamR); err != nil {
			return e.fail(status, start, fmt.Errorf("feed stream R: %w", err))
		}
	}
	status.ComputationTimeMs = elapsedMs(e.clk, start)

	switch {
	case timedOut && cfg.EnableAQP && operator.SupportsAQP(op.Type()):
		estimate, errBound := op.ApproximateResult()
		status.Success = true
		status.TimedOut = true
		status.UsedAQP = true
		status.AQPEstimate = estimate
		status.AQPError = errBound
		status.JoinCount = int64(estimate + 0.5)
	case timedOut:
		status.TimedOut = true
		return e.fail(status, start, fmt.Errorf("window %d exceeded %dms compute budget", windowID, cfg.TimeoutMs))
	default:
		exact := op.Result()
		status.Success = true
		status.JoinCount = exact
		if cfg.EnableAQP && operator.SupportsAQP(op.Type()) {
			estimate, _ := op.ApproximateResult()
			status.UsedAQP = true
			status.AQPEstimate = estimate
			if exact > 0 {
				status.AQPError = math.Abs(float64(exact)-estimate) / float64(exact)
			}
		}
	}

	if pairs := status.InputSCount * status.InputRCount; pairs > 0 {
		status.Selectivity = float64(status.JoinCount) / float64(pairs)
	}

	if sink != nil {
		rec := types.ResultRecord{
			WindowID:    windowID,
			Timestamp:   r.End,
			JoinCount:   status.JoinCount,
			AQPEstimate: status.AQPEstimate,
			UsedAQP:     status.UsedAQP,
			Selectivity: status.Selectivity,
			ComputeMs:   status.ComputationTimeMs,
			Tags:        map[string]string{"operator": op.Type()},
		}
		if _, err := sink.InsertResult(rec); err != nil {
			return e.fail(status, start, fmt.Errorf("write result row: %w", err))
		}
	}
	return e.finish(status)
}

// SaveState checkpoints the engine's cumulative progress under name. The
// window id and watermark come from the caller since the engine itself is
// stateless across windows.
func (e *Engine) SaveState(cm *state.CheckpointManager, name string, windowID, watermarkUs int64) error {
	e.mu.RLock()
	if !e.initialized {
		e.mu.RUnlock()
		return types.ErrNotInitialized
	}
	cfg := e.cfg
	e.mu.RUnlock()

	m := e.Metrics()
	return cm.Save(state.ComputeState{
		Name:            name,
		WatermarkUs:     watermarkUs,
		WindowID:        windowID,
		ProcessedEvents: m.TotalTuplesProcessed,
		Metadata: map[string]string{
			"operator": cfg.OperatorType,
		},
	})
}

// RestoreState loads a checkpoint and re-seats the processed-events
// counter so cumulative metrics continue across restarts.
func (e *Engine) RestoreState(cm *state.CheckpointManager, name string) (state.ComputeState, error) {
	st, err := cm.Load(name)
	if err != nil {
		return state.ComputeState{}, err
	}
	e.stats.restoreProcessed(st.ProcessedEvents)
	logger.Info("restored compute state %q: window=%d watermark=%dus events=%d",
		name, st.WindowID, st.WatermarkUs, st.ProcessedEvents)
	return st, nil
}

// fail stamps the elapsed time and error on the status and folds it into
// the metrics as a failed window.
func (e *Engine) fail(status types.ComputeStatus, start time.Time, err error) types.ComputeStatus {
	status.Success = false
	status.Error = err.Error()
	status.ComputationTimeMs = elapsedMs(e.clk, start)
	return e.finish(status)
}

// finish samples memory, reports it to the resource handle and records the
// outcome. It is the single exit point of ExecuteWindowJoin.
func (e *Engine) finish(status types.ComputeStatus) types.ComputeStatus {
	heap := heapInUse()
	e.mu.RLock()
	handle := e.handle
	e.mu.RUnlock()
	if handle != nil {
		handle.ReportMemory(heap)
	}
	e.stats.observe(status, heap)
	if status.Success {
		logger.Debug("window %d joined: count=%d aqp=%v selectivity=%.6f in %.2fms",
			status.WindowID, status.JoinCount, status.UsedAQP, status.Selectivity, status.ComputationTimeMs)
	} else {
		logger.Warn("window %d compute failed: %s", status.WindowID, status.Error)
	}
	return status
}

func queryStream(st store.StreamStore, r types.TimeRange, filter condition.Condition) ([]types.Tuple, error) {
	if filter != nil {
		return st.QueryFiltered(r, filter)
	}
	return st.Query(r)
}

func elapsedMs(clk clock.Clock, start time.Time) float64 {
	return float64(clk.Since(start).Microseconds()) / 1000.0
}
