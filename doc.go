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

/*
Package streamjoin is a windowed stream-join engine for out-of-order event
streams.

Two event streams, S and R, are buffered into time windows; when a window's
trigger fires, a join operator computes matches over the buffered tuples and
writes the result to a sink. A watermark tracks event-time progress so late
data is handled deterministically, and a resource manager bounds the threads
and memory the computation may use.

# Core features

  - Sliding and tumbling event-time windows with microsecond bounds
  - Time, count, hybrid and manual trigger policies
  - Watermark-driven lateness handling: drop or recompute completed windows
  - Exchangeable join operators (IAWJ, IMA, MSWJ, hash, nested-loop) with an
    approximate fallback when a window exceeds its compute budget
  - Thread and memory governance with admission throttling under pressure
  - Pluggable storage: in-memory ring buffers or SQLite persistence
  - Checkpoint and restore of compute progress across restarts

# Quick start

Join two sensor streams over one-second windows sliding every 500ms:

	package main

	import (
		"fmt"
		"time"

		"github.com/intellistream/streamjoin"
		"github.com/intellistream/streamjoin/types"
	)

	func main() {
		sj, err := streamjoin.New(
			streamjoin.WithWindow(time.Second, 500*time.Millisecond),
			streamjoin.WithOperator("IAWJ", nil),
		)
		if err != nil {
			panic(err)
		}
		defer sj.Stop()
		sj.Start()

		base := time.Now().UnixMicro()
		for i := 0; i < 1000; i++ {
			ts := base + int64(i)*1000
			sj.InsertS(types.Tuple{Timestamp: ts, Key: "sensor1", Value: 25.5})
			sj.InsertR(types.Tuple{Timestamp: ts, Key: "sensor1", Value: 60.0})
		}

		// Advance the event-time watermark past the buffered data so the
		// covered windows fire.
		sj.UpdateWatermark(base + 2_000_000)
		time.Sleep(100 * time.Millisecond)

		m := sj.Metrics()
		fmt.Printf("windows completed: %d, tuples processed: %d\n",
			m.Scheduler.TotalWindowsCompleted, m.Compute.TotalTuplesProcessed)
	}

# Windows and triggers

Window bounds are half-open microsecond ranges [start, end). The window type
and the trigger policy combine freely:

	// non-overlapping 5s windows fired by the watermark
	streamjoin.New(
	    streamjoin.WithWindow(5*time.Second, 0),
	    streamjoin.WithTriggerPolicy(types.TriggerTimeBased),
	)

	// fire as soon as a window buffers 10k tuples, or when time passes it
	streamjoin.New(
	    streamjoin.WithTriggerPolicy(types.TriggerHybrid),
	    streamjoin.WithTriggerCount(10_000),
	)

	// windows fire only on explicit TriggerWindow calls
	sj, _ := streamjoin.New(streamjoin.WithTriggerPolicy(types.TriggerManual))
	sj.Scheduler().TriggerWindow(windowID)

Out-of-order arrival is bounded by the watermark configuration; data behind
the watermark lands in already-completed windows and is dropped or triggers a
recomputation per the late policy:

	streamjoin.New(
	    streamjoin.WithWatermark(100*time.Millisecond, 50*time.Millisecond),
	    streamjoin.WithLatePolicy(types.LateRecompute),
	)

# Operators and approximation

The join operator is selected by name; operator.Supported lists the
registered ones. Every operator reports result counts and selectivity, and
may degrade to an approximate estimate instead of failing when the compute
budget runs out:

	streamjoin.New(
	    streamjoin.WithOperator("IMA", map[string]interface{}{"alpha": 0.2}),
	    streamjoin.WithAQP(0.05, 500),
	)

# Storage

By default both streams buffer in memory. SQLite keeps streams and results
on disk across restarts:

	sj, _ := streamjoin.New(streamjoin.WithSQLite("joins.db"))

Custom store implementations plug in through WithStores.

# Resource governance

The pipeline allocates a thread and memory quota from its resource manager.
When memory usage crosses the pressure threshold the admission gate shrinks
to one concurrent window until usage recovers:

	streamjoin.New(
	    streamjoin.WithResources(8, 512<<20),
	    streamjoin.WithMaxConcurrentWindows(4),
	)

# Logging

	// verbose scheduling and compute logs
	streamjoin.New(streamjoin.WithLogLevel(logger.DEBUG))

	// log to a file
	logFile, _ := os.OpenFile("join.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	streamjoin.New(streamjoin.WithLogOutput(logFile, logger.INFO))

	// silence everything
	streamjoin.New(streamjoin.WithDiscardLog())

# Metrics

Metrics returns a point-in-time snapshot of scheduling, compute and resource
statistics; Collector exposes the same figures as Prometheus metrics:

	reg := prometheus.NewRegistry()
	reg.MustRegister(sj.Collector())
	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
*/
package streamjoin
