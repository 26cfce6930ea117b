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

package streamjoin

import (
	"io"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/intellistream/streamjoin/logger"
	"github.com/intellistream/streamjoin/scheduler"
	"github.com/intellistream/streamjoin/store"
	"github.com/intellistream/streamjoin/types"
	"github.com/intellistream/streamjoin/utils/timex"
)

// Option modifies the pipeline configuration before it is wired. Options
// apply in order; later options win over earlier ones.
type Option func(*StreamJoin)

// WithConfig replaces the entire configuration. Apply it first when
// combining with other options, which then tweak the given config.
//
// Example:
//
//	cfg, _ := types.LoadConfig("streamjoin.yaml")
//	sj, err := streamjoin.New(
//	    streamjoin.WithConfig(cfg),
//	    streamjoin.WithMaxConcurrentWindows(2),
//	)
func WithConfig(cfg *types.Config) Option {
	return func(s *StreamJoin) {
		if cfg != nil {
			s.cfg = *cfg
		}
	}
}

// WithWindow sets the window length and slide. A zero slide selects
// tumbling windows; a positive slide selects sliding windows advancing by
// that much.
//
// Example:
//
//	// 1s windows every 500ms
//	sj, err := streamjoin.New(streamjoin.WithWindow(time.Second, 500*time.Millisecond))
//
//	// non-overlapping 5s windows
//	sj, err := streamjoin.New(streamjoin.WithWindow(5*time.Second, 0))
func WithWindow(window, slide time.Duration) Option {
	return func(s *StreamJoin) {
		s.cfg.Scheduler.WindowLenUs = timex.DurationUs(window)
		if slide <= 0 {
			s.cfg.Scheduler.WindowType = types.WindowTumbling
			s.cfg.Scheduler.SlideLenUs = s.cfg.Scheduler.WindowLenUs
			return
		}
		s.cfg.Scheduler.WindowType = types.WindowSliding
		s.cfg.Scheduler.SlideLenUs = timex.DurationUs(slide)
	}
}

// WithWindowType sets the window type, types.WindowTumbling or
// types.WindowSliding, without touching the lengths.
func WithWindowType(typ string) Option {
	return func(s *StreamJoin) {
		s.cfg.Scheduler.WindowType = typ
	}
}

// WithTriggerPolicy selects when windows fire: types.TriggerTimeBased,
// types.TriggerCountBased, types.TriggerHybrid or types.TriggerManual.
func WithTriggerPolicy(policy string) Option {
	return func(s *StreamJoin) {
		s.cfg.Scheduler.TriggerPolicy = policy
	}
}

// WithTriggerCount sets the buffered-tuple threshold for the count-based
// and hybrid trigger policies.
func WithTriggerCount(threshold int64) Option {
	return func(s *StreamJoin) {
		s.cfg.Scheduler.TriggerCountThreshold = threshold
	}
}

// WithWatermark bounds event-time disorder: the automatic watermark trails
// the highest seen timestamp by maxDelay, and time triggers wait a further
// slack past each window's end.
func WithWatermark(maxDelay, slack time.Duration) Option {
	return func(s *StreamJoin) {
		s.cfg.Scheduler.MaxDelayUs = timex.DurationUs(maxDelay)
		s.cfg.Scheduler.WatermarkSlackUs = timex.DurationUs(slack)
	}
}

// WithLatePolicy decides the fate of data arriving for completed windows:
// types.LateDrop or types.LateRecompute.
func WithLatePolicy(policy string) Option {
	return func(s *StreamJoin) {
		s.cfg.Scheduler.LatePolicy = policy
	}
}

// WithOperator selects the join operator and its knobs. Supported types
// are listed by operator.Supported; params are operator-specific (for
// example "alpha" for IMA, "sample_size" for MeanAQP).
//
// Example:
//
//	sj, err := streamjoin.New(
//	    streamjoin.WithOperator("IMA", map[string]interface{}{"alpha": 0.2}),
//	)
func WithOperator(typ string, params map[string]interface{}) Option {
	return func(s *StreamJoin) {
		s.cfg.Compute.OperatorType = typ
		s.cfg.Compute.OperatorParams = params
	}
}

// WithFilter applies an expression to both stream queries, evaluated per
// tuple against timestamp, key, value, tags and fields.
//
// Example:
//
//	streamjoin.WithFilter(`value > 0 && tags.region == "eu"`)
func WithFilter(expr string) Option {
	return func(s *StreamJoin) {
		s.cfg.Compute.Filter = expr
	}
}

// WithAQP enables the approximate fallback: a window exceeding timeoutMs
// degrades to an estimate instead of failing, targeting the given relative
// error. A zero threshold keeps the operator default.
func WithAQP(threshold float64, timeoutMs int64) Option {
	return func(s *StreamJoin) {
		s.cfg.Compute.EnableAQP = true
		if threshold > 0 {
			s.cfg.Compute.AQPThreshold = threshold
		}
		if timeoutMs > 0 {
			s.cfg.Compute.TimeoutMs = timeoutMs
		}
	}
}

// WithoutAQP disables the approximate fallback; windows that exceed their
// compute budget fail instead.
func WithoutAQP() Option {
	return func(s *StreamJoin) {
		s.cfg.Compute.EnableAQP = false
	}
}

// WithResources sets the worker thread count and the advisory memory quota
// the pipeline allocates from its resource manager.
func WithResources(threads int, maxMemoryBytes int64) Option {
	return func(s *StreamJoin) {
		if threads > 0 {
			s.cfg.Resource.RequestedThreads = threads
		}
		if maxMemoryBytes > 0 {
			s.cfg.Resource.MaxMemoryBytes = maxMemoryBytes
		}
	}
}

// WithMaxConcurrentWindows bounds how many windows compute at once. The
// bound never exceeds the worker thread count.
func WithMaxConcurrentWindows(n int) Option {
	return func(s *StreamJoin) {
		s.cfg.Scheduler.MaxConcurrentWindows = n
	}
}

// WithMaxPendingWindows bounds how many windows may wait for their trigger;
// further window creations are declined until one completes.
func WithMaxPendingWindows(n int) Option {
	return func(s *StreamJoin) {
		s.cfg.Scheduler.MaxPendingWindows = n
	}
}

// WithRetries re-triggers failed windows up to max times with exponential
// backoff starting at the given delay.
func WithRetries(max int, backoff time.Duration) Option {
	return func(s *StreamJoin) {
		s.cfg.Scheduler.MaxRetries = max
		if backoff > 0 {
			s.cfg.Scheduler.RetryBackoffMs = backoff.Milliseconds()
		}
	}
}

// WithStores injects the stream stores and result sink instead of having
// New create them. Nil arguments keep the configured backend for that
// piece. Injected stores are not closed by Stop.
func WithStores(streamS, streamR store.StreamStore, sink store.ResultSink) Option {
	return func(s *StreamJoin) {
		s.rawS = streamS
		s.rawR = streamR
		s.sink = sink
	}
}

// WithSQLite stores both streams and the results in the SQLite database at
// path, surviving restarts.
//
// Example:
//
//	sj, err := streamjoin.New(streamjoin.WithSQLite("joins.db"))
func WithSQLite(path string) Option {
	return func(s *StreamJoin) {
		s.cfg.Storage.Backend = "sqlite"
		s.cfg.Storage.Path = path
	}
}

// WithDataDir sets the directory for persisted checkpoints.
func WithDataDir(dir string) Option {
	return func(s *StreamJoin) {
		s.cfg.Storage.DataDir = dir
	}
}

// WithClock injects the clock driving triggers, budgets and monitors.
// Tests pass clock.NewMock to step time by hand.
func WithClock(clk clock.Clock) Option {
	return func(s *StreamJoin) {
		if clk != nil {
			s.clk = clk
		}
	}
}

// WithCallbacks installs the window outcome callbacks. They run
// synchronously on the worker that finished the window; keep them cheap or
// hand off.
func WithCallbacks(onCompleted, onFailed scheduler.Callback) Option {
	return func(s *StreamJoin) {
		s.onCompleted = onCompleted
		s.onFailed = onFailed
	}
}

// WithHighThroughput applies the volume-oriented preset: larger count
// thresholds, more concurrent windows, more worker threads.
func WithHighThroughput() Option {
	return func(s *StreamJoin) {
		s.cfg = types.HighThroughputConfig()
	}
}

// WithLowLatency applies the responsiveness-oriented preset: tight trigger
// checks, a small count threshold and an aggressive compute budget.
func WithLowLatency() Option {
	return func(s *StreamJoin) {
		s.cfg = types.LowLatencyConfig()
	}
}

// WithLogger sets a custom logger for the whole pipeline.
//
// Example:
//
//	customLogger := logger.NewLogger(logger.DEBUG, os.Stderr)
//	sj, err := streamjoin.New(streamjoin.WithLogger(customLogger))
func WithLogger(log logger.Logger) Option {
	return func(s *StreamJoin) {
		logger.SetDefault(log)
	}
}

// WithLogLevel sets the log level on the default logger: DEBUG, INFO,
// WARN, ERROR or OFF.
func WithLogLevel(level logger.Level) Option {
	return func(s *StreamJoin) {
		logger.GetDefault().SetLevel(level)
	}
}

// WithLogOutput directs logs at the given writer, such as a file or
// os.Stderr, at the given level.
func WithLogOutput(output io.Writer, level logger.Level) Option {
	return func(s *StreamJoin) {
		logger.SetDefault(logger.NewLogger(level, output))
	}
}

// WithDiscardLog disables all log output.
func WithDiscardLog() Option {
	return func(s *StreamJoin) {
		logger.SetDefault(logger.NewDiscardLogger())
	}
}
