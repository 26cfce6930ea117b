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
	"runtime"
	"sync"

	"github.com/montanaflynn/stats"

	"github.com/intellistream/streamjoin/types"
)

// latencySampleCap bounds the latency window so percentile cost stays
// constant regardless of uptime.
const latencySampleCap = 1000

// tracker accumulates ComputeMetrics across concurrent window executions.
// Averages use incremental form so no unbounded history is kept; latency
// percentiles come from a fixed-size ring of recent samples.
type tracker struct {
	mu sync.Mutex

	completed int64
	failed    int64
	timeouts  int64
	retries   int64

	tuples      int64
	computeSecs float64

	latencies []float64
	latIdx    int
	latSumMs  float64
	minMs     float64
	maxMs     float64

	selAvg float64
	selN   int64

	aqpErrAvg      float64
	aqpErrN        int64
	aqpInvocations int64

	peakMem int64
	memAvg  float64
	memN    int64
}

func newTracker() *tracker {
	return &tracker{latencies: make([]float64, 0, latencySampleCap)}
}

// observe folds one execution outcome into the accumulators. Failed runs
// count toward failures and timeouts only; latency, throughput and
// selectivity describe completed windows.
func (t *tracker) observe(st types.ComputeStatus, heapBytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if heapBytes > t.peakMem {
		t.peakMem = heapBytes
	}
	t.memN++
	t.memAvg += (float64(heapBytes) - t.memAvg) / float64(t.memN)

	if st.TimedOut {
		t.timeouts++
	}
	if !st.Success {
		t.failed++
		return
	}

	t.completed++
	t.tuples += st.InputSCount + st.InputRCount
	t.computeSecs += st.ComputationTimeMs / 1000

	lat := st.ComputationTimeMs
	t.latSumMs += lat
	if len(t.latencies) < latencySampleCap {
		t.latencies = append(t.latencies, lat)
	} else {
		t.latencies[t.latIdx] = lat
		t.latIdx = (t.latIdx + 1) % latencySampleCap
	}
	if t.completed == 1 || lat < t.minMs {
		t.minMs = lat
	}
	if lat > t.maxMs {
		t.maxMs = lat
	}

	t.selN++
	t.selAvg += (st.Selectivity - t.selAvg) / float64(t.selN)

	if st.UsedAQP {
		t.aqpInvocations++
		t.aqpErrN++
		t.aqpErrAvg += (st.AQPError - t.aqpErrAvg) / float64(t.aqpErrN)
	}
}

func (t *tracker) addRetry() {
	t.mu.Lock()
	t.retries++
	t.mu.Unlock()
}

// restoreProcessed re-seats the cumulative tuple counter from a checkpoint.
func (t *tracker) restoreProcessed(n int64) {
	t.mu.Lock()
	if n > t.tuples {
		t.tuples = n
	}
	t.mu.Unlock()
}

func (t *tracker) snapshot(activeThreads int) types.ComputeMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := types.ComputeMetrics{
		TotalWindowsCompleted: t.completed,
		TotalTuplesProcessed:  t.tuples,
		MinWindowLatencyMs:    t.minMs,
		MaxWindowLatencyMs:    t.maxMs,
		PeakMemoryBytes:       t.peakMem,
		AvgMemoryBytes:        int64(t.memAvg),
		ActiveThreads:         activeThreads,
		AvgJoinSelectivity:    t.selAvg,
		AvgAQPErrorRate:       t.aqpErrAvg,
		AQPInvocations:        t.aqpInvocations,
		FailedWindows:         t.failed,
		TimeoutWindows:        t.timeouts,
		RetryCount:            t.retries,
	}
	if t.completed > 0 {
		m.AvgWindowLatencyMs = t.latSumMs / float64(t.completed)
	}
	if t.computeSecs > 0 {
		m.AvgThroughputEventsPerSec = float64(t.tuples) / t.computeSecs
	}
	if len(t.latencies) > 0 {
		sample := make(stats.Float64Data, len(t.latencies))
		copy(sample, t.latencies)
		// Percentile needs at least two samples for p99; fall back to the
		// maximum for tiny sample sets.
		if p99, err := stats.Percentile(sample, 99); err == nil {
			m.P99WindowLatencyMs = p99
		} else {
			m.P99WindowLatencyMs = t.maxMs
		}
	}
	return m
}

func (t *tracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed, t.failed, t.timeouts, t.retries = 0, 0, 0, 0
	t.tuples, t.computeSecs = 0, 0
	t.latencies = t.latencies[:0]
	t.latIdx, t.latSumMs, t.minMs, t.maxMs = 0, 0, 0, 0
	t.selAvg, t.selN = 0, 0
	t.aqpErrAvg, t.aqpErrN, t.aqpInvocations = 0, 0, 0
	t.peakMem, t.memAvg, t.memN = 0, 0, 0
}

// heapInUse samples the live heap for peak-memory accounting.
func heapInUse() int64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.HeapAlloc)
}
