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

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intellistream/streamjoin/logger"
	"github.com/intellistream/streamjoin/state"
	"github.com/intellistream/streamjoin/store"
	"github.com/intellistream/streamjoin/types"
)

func TestMain(m *testing.M) {
	logger.SetDefault(logger.NewDiscardLogger())
	m.Run()
}

// spreadTuples builds n tuples evenly spread over [lo, hi) with keys
// cycling through keyCount values.
func spreadTuples(n, keyCount int, lo, hi int64) []types.Tuple {
	tuples := make([]types.Tuple, n)
	span := hi - lo
	for i := 0; i < n; i++ {
		tuples[i] = types.Tuple{
			Timestamp: lo + int64(i)*span/int64(n),
			Key:       fmt.Sprintf("k%d", i%keyCount),
			Value:     float64(i),
		}
	}
	return tuples
}

func seededStores(t *testing.T, sTuples, rTuples []types.Tuple) (store.StreamStore, store.StreamStore) {
	t.Helper()
	s := store.NewMemoryStore("stream_s", 0)
	r := store.NewMemoryStore("stream_r", 0)
	_, err := s.InsertBatch(sTuples)
	require.NoError(t, err)
	_, err = r.InsertBatch(rTuples)
	require.NoError(t, err)
	return s, r
}

// nestedLoopCount is the reference equi-join count for correctness checks.
func nestedLoopCount(sTuples, rTuples []types.Tuple) int64 {
	var count int64
	for _, s := range sTuples {
		for _, r := range rTuples {
			if s.Key == r.Key {
				count++
			}
		}
	}
	return count
}

func exactConfig() types.ComputeConfig {
	cfg := types.DefaultComputeConfig()
	cfg.EnableAQP = false
	return cfg
}

// slowStore delays range queries so the compute budget expires before
// feeding starts.
type slowStore struct {
	store.StreamStore
	delay time.Duration
}

func (s slowStore) Query(r types.TimeRange) ([]types.Tuple, error) {
	time.Sleep(s.delay)
	return s.StreamStore.Query(r)
}

type failingSink struct {
	store.ResultSink
}

func (failingSink) InsertResult(types.ResultRecord) (int, error) {
	return 0, errors.New("sink unavailable")
}

func TestInitializeGuards(t *testing.T) {
	e := New()
	status := e.ExecuteWindowJoin(context.Background(), 1, types.TimeRange{Start: 0, End: 1})
	assert.False(t, status.Success)
	assert.Contains(t, status.Error, "not initialized")

	s, r := seededStores(t, nil, nil)

	err := e.Initialize(exactConfig(), nil, r, nil, nil)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	badOp := exactConfig()
	badOp.OperatorType = "Quantum"
	assert.ErrorIs(t, e.Initialize(badOp, s, r, nil, nil), types.ErrUnknownOperator)

	badFilter := exactConfig()
	badFilter.Filter = "value >>> 1"
	assert.Error(t, e.Initialize(badFilter, s, r, nil, nil))

	require.NoError(t, e.Initialize(exactConfig(), s, r, nil, nil))
	assert.True(t, e.IsInitialized())
	assert.ErrorIs(t, e.Initialize(exactConfig(), s, r, nil, nil), types.ErrAlreadyInitialized)

	e.Reset()
	assert.False(t, e.IsInitialized())
	require.NoError(t, e.Initialize(exactConfig(), s, r, nil, nil))
}

func TestExactJoinMatchesNestedLoopReference(t *testing.T) {
	sTuples := spreadTuples(300, 13, 0, 1_000_000)
	rTuples := spreadTuples(200, 13, 0, 1_000_000)
	s, r := seededStores(t, sTuples, rTuples)
	sink := store.NewMemorySink()

	e := New()
	require.NoError(t, e.Initialize(exactConfig(), s, r, sink, nil))

	status := e.ExecuteWindowJoin(context.Background(), 1, types.TimeRange{Start: 0, End: 1_000_000})
	require.True(t, status.Success, "error: %s", status.Error)

	want := nestedLoopCount(sTuples, rTuples)
	assert.Equal(t, want, status.JoinCount)
	assert.Equal(t, int64(300), status.InputSCount)
	assert.Equal(t, int64(200), status.InputRCount)
	assert.InDelta(t, float64(want)/float64(300*200), status.Selectivity, 1e-9)
	assert.False(t, status.UsedAQP)
	assert.False(t, status.TimedOut)

	rows, err := sink.QueryByWindow(1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, want, rows[0].JoinCount)
	assert.Equal(t, int64(1_000_000), rows[0].Timestamp)
	assert.Equal(t, "IAWJ", rows[0].Tags["operator"])
}

func TestWindowRangeLimitsInputs(t *testing.T) {
	sTuples := spreadTuples(100, 5, 0, 2_000_000)
	s, r := seededStores(t, sTuples, sTuples)

	e := New()
	require.NoError(t, e.Initialize(exactConfig(), s, r, nil, nil))

	status := e.ExecuteWindowJoin(context.Background(), 1, types.TimeRange{Start: 0, End: 1_000_000})
	require.True(t, status.Success)
	assert.Equal(t, int64(50), status.InputSCount)
	assert.Equal(t, int64(50), status.InputRCount)
}

func TestFilterAppliesToBothStreams(t *testing.T) {
	mk := func(ts int64, value float64) types.Tuple {
		return types.Tuple{Timestamp: ts, Key: "a", Value: value}
	}
	s, r := seededStores(t,
		[]types.Tuple{mk(100, 5), mk(200, 15)},
		[]types.Tuple{mk(300, 5), mk(400, 15)})

	cfg := exactConfig()
	cfg.Filter = "value >= 10"
	e := New()
	require.NoError(t, e.Initialize(cfg, s, r, nil, nil))

	status := e.ExecuteWindowJoin(context.Background(), 1, types.TimeRange{Start: 0, End: 1_000})
	require.True(t, status.Success)
	assert.Equal(t, int64(1), status.InputSCount)
	assert.Equal(t, int64(1), status.InputRCount)
	assert.Equal(t, int64(1), status.JoinCount)
}

func TestTimeoutFallsBackToAQP(t *testing.T) {
	sTuples := spreadTuples(50, 5, 0, 1_000_000)
	s, r := seededStores(t, sTuples, sTuples)
	sink := store.NewMemorySink()

	cfg := types.DefaultComputeConfig()
	cfg.OperatorType = "IMA"
	cfg.EnableAQP = true
	cfg.TimeoutMs = 1

	e := New()
	require.NoError(t, e.Initialize(cfg,
		slowStore{StreamStore: s, delay: 5 * time.Millisecond},
		slowStore{StreamStore: r, delay: 5 * time.Millisecond},
		sink, nil))

	status := e.ExecuteWindowJoin(context.Background(), 9, types.TimeRange{Start: 0, End: 1_000_000})
	assert.True(t, status.Success)
	assert.True(t, status.TimedOut)
	assert.True(t, status.UsedAQP)
	assert.GreaterOrEqual(t, status.AQPError, 0.0)

	rows, err := sink.QueryByWindow(9)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].UsedAQP)

	m := e.Metrics()
	assert.Equal(t, int64(1), m.TimeoutWindows)
	assert.Equal(t, int64(1), m.AQPInvocations)
	assert.Zero(t, m.FailedWindows)
}

func TestTimeoutWithAQPDisabledFails(t *testing.T) {
	sTuples := spreadTuples(50, 5, 0, 1_000_000)
	s, r := seededStores(t, sTuples, sTuples)
	sink := store.NewMemorySink()

	cfg := exactConfig()
	cfg.TimeoutMs = 1

	e := New()
	require.NoError(t, e.Initialize(cfg,
		slowStore{StreamStore: s, delay: 5 * time.Millisecond},
		slowStore{StreamStore: r, delay: 5 * time.Millisecond},
		sink, nil))

	status := e.ExecuteWindowJoin(context.Background(), 9, types.TimeRange{Start: 0, End: 1_000_000})
	assert.False(t, status.Success)
	assert.True(t, status.TimedOut)
	assert.Contains(t, status.Error, "compute budget")

	count, err := sink.Count()
	require.NoError(t, err)
	assert.Zero(t, count)

	m := e.Metrics()
	assert.Equal(t, int64(1), m.FailedWindows)
	assert.Equal(t, int64(1), m.TimeoutWindows)
}

func TestAQPEstimateReportedOnSuccess(t *testing.T) {
	sTuples := spreadTuples(200, 4, 0, 1_000_000)
	s, r := seededStores(t, sTuples, sTuples)

	cfg := types.DefaultComputeConfig()
	cfg.OperatorType = "IMA"
	cfg.OperatorParams = map[string]interface{}{"disable_compensation": true}
	cfg.EnableAQP = true

	e := New()
	require.NoError(t, e.Initialize(cfg, s, r, nil, nil))

	status := e.ExecuteWindowJoin(context.Background(), 3, types.TimeRange{Start: 0, End: 1_000_000})
	require.True(t, status.Success)
	assert.False(t, status.TimedOut)
	assert.True(t, status.UsedAQP)
	// With compensation pinned the estimate tracks the exact count.
	assert.InDelta(t, float64(status.JoinCount), status.AQPEstimate, 1e-9)
	assert.Zero(t, status.AQPError)
}

func TestResetThenInitializeNoStateBleed(t *testing.T) {
	sTuples := spreadTuples(100, 7, 0, 1_000_000)
	s, r := seededStores(t, sTuples, sTuples)

	e := New()
	require.NoError(t, e.Initialize(exactConfig(), s, r, nil, nil))
	first := e.ExecuteWindowJoin(context.Background(), 1, types.TimeRange{Start: 0, End: 1_000_000})
	require.True(t, first.Success)
	require.Equal(t, int64(1), e.Metrics().TotalWindowsCompleted)

	e.Reset()
	assert.Zero(t, e.Metrics().TotalWindowsCompleted)
	assert.Zero(t, e.Metrics().TotalTuplesProcessed)

	require.NoError(t, e.Initialize(exactConfig(), s, r, nil, nil))
	second := e.ExecuteWindowJoin(context.Background(), 1, types.TimeRange{Start: 0, End: 1_000_000})
	require.True(t, second.Success)
	assert.Equal(t, first.JoinCount, second.JoinCount)
	assert.Equal(t, int64(1), e.Metrics().TotalWindowsCompleted)
}

func TestResetMetricsKeepsEngineInitialized(t *testing.T) {
	sTuples := spreadTuples(60, 5, 0, 1_000_000)
	s, r := seededStores(t, sTuples, sTuples)

	e := New()
	require.NoError(t, e.Initialize(exactConfig(), s, r, nil, nil))
	first := e.ExecuteWindowJoin(context.Background(), 1, types.TimeRange{Start: 0, End: 1_000_000})
	require.True(t, first.Success)

	e.ResetMetrics()
	assert.True(t, e.IsInitialized())
	assert.Zero(t, e.Metrics().TotalWindowsCompleted)
	assert.Zero(t, e.Metrics().TotalTuplesProcessed)

	second := e.ExecuteWindowJoin(context.Background(), 2, types.TimeRange{Start: 0, End: 1_000_000})
	require.True(t, second.Success)
	assert.Equal(t, first.JoinCount, second.JoinCount)
	assert.Equal(t, int64(1), e.Metrics().TotalWindowsCompleted)
}

func TestConcurrentDistinctWindows(t *testing.T) {
	sTuples := spreadTuples(400, 11, 0, 4_000_000)
	s, r := seededStores(t, sTuples, sTuples)
	sink := store.NewMemorySink()

	e := New()
	require.NoError(t, e.Initialize(exactConfig(), s, r, sink, nil))

	var wg sync.WaitGroup
	statuses := make([]types.ComputeStatus, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := int64(i) * 1_000_000
			statuses[i] = e.ExecuteWindowJoin(context.Background(), int64(i+1),
				types.TimeRange{Start: start, End: start + 1_000_000})
		}(i)
	}
	wg.Wait()

	for i, status := range statuses {
		assert.True(t, status.Success, "window %d: %s", i+1, status.Error)
	}
	m := e.Metrics()
	assert.Equal(t, int64(4), m.TotalWindowsCompleted)
	assert.Equal(t, int64(800), m.TotalTuplesProcessed)
	assert.Zero(t, m.ActiveThreads)

	count, err := sink.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}

func TestInvalidRangeFailsWindow(t *testing.T) {
	s, r := seededStores(t, nil, nil)
	e := New()
	require.NoError(t, e.Initialize(exactConfig(), s, r, nil, nil))

	status := e.ExecuteWindowJoin(context.Background(), 1, types.TimeRange{Start: 500, End: 500})
	assert.False(t, status.Success)
	assert.Contains(t, status.Error, "invalid time range")
	assert.Equal(t, int64(1), e.Metrics().FailedWindows)
}

func TestCanceledContextFailsWindow(t *testing.T) {
	s, r := seededStores(t, spreadTuples(10, 2, 0, 1_000), spreadTuples(10, 2, 0, 1_000))
	e := New()
	require.NoError(t, e.Initialize(exactConfig(), s, r, nil, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	status := e.ExecuteWindowJoin(ctx, 1, types.TimeRange{Start: 0, End: 1_000})
	assert.False(t, status.Success)
	assert.Contains(t, status.Error, "context canceled")
}

func TestSinkWriteFailureFailsWindow(t *testing.T) {
	sTuples := spreadTuples(20, 3, 0, 1_000_000)
	s, r := seededStores(t, sTuples, sTuples)

	e := New()
	require.NoError(t, e.Initialize(exactConfig(), s, r, failingSink{store.NewMemorySink()}, nil))

	status := e.ExecuteWindowJoin(context.Background(), 1, types.TimeRange{Start: 0, End: 1_000_000})
	assert.False(t, status.Success)
	assert.Contains(t, status.Error, "write result row")
	assert.Equal(t, int64(1), e.Metrics().FailedWindows)
}

func TestSaveAndRestoreState(t *testing.T) {
	sTuples := spreadTuples(60, 6, 0, 1_000_000)
	s, r := seededStores(t, sTuples, sTuples)

	e := New()
	require.NoError(t, e.Initialize(exactConfig(), s, r, nil, nil))
	status := e.ExecuteWindowJoin(context.Background(), 7, types.TimeRange{Start: 0, End: 1_000_000})
	require.True(t, status.Success)

	cm, err := state.NewCheckpointManager(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, e.SaveState(cm, "engine_main", 7, 900_000))

	saved, err := cm.Load("engine_main")
	require.NoError(t, err)
	assert.Equal(t, int64(7), saved.WindowID)
	assert.Equal(t, int64(900_000), saved.WatermarkUs)
	assert.Equal(t, int64(120), saved.ProcessedEvents)
	assert.Equal(t, "IAWJ", saved.Metadata["operator"])

	fresh := New()
	restored, err := fresh.RestoreState(cm, "engine_main")
	require.NoError(t, err)
	assert.Equal(t, saved, restored)
	assert.Equal(t, int64(120), fresh.Metrics().TotalTuplesProcessed)

	uninit := New()
	assert.ErrorIs(t, uninit.SaveState(cm, "other", 0, 0), types.ErrNotInitialized)
}
