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
	"fmt"
	"io"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/intellistream/streamjoin/engine"
	"github.com/intellistream/streamjoin/logger"
	"github.com/intellistream/streamjoin/metrics"
	"github.com/intellistream/streamjoin/resource"
	"github.com/intellistream/streamjoin/scheduler"
	"github.com/intellistream/streamjoin/state"
	"github.com/intellistream/streamjoin/store"
	"github.com/intellistream/streamjoin/types"
)

// clientName is the name the pipeline allocates its resource quota under.
const clientName = "streamjoin"

// StreamJoin is the main entry point of the windowed stream-join pipeline.
// It wires two stream stores, a window scheduler, a compute engine and a
// resource manager into one runnable unit.
//
// Usage:
//
//	sj, err := streamjoin.New(
//	    streamjoin.WithWindow(time.Second, 500*time.Millisecond),
//	    streamjoin.WithOperator("IAWJ", nil),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sj.Stop()
//	sj.Start()
//
//	sj.InsertS(types.Tuple{Timestamp: ts, Key: "device1", Value: 25.5})
//	sj.InsertR(types.Tuple{Timestamp: ts, Key: "device1", Value: 60.0})
type StreamJoin struct {
	cfg types.Config
	clk clock.Clock

	manager *resource.Manager
	handle  resource.Handle

	// streamS/streamR are the hooked insert paths; rawS/rawR the undecorated
	// stores the engine reads from. owned lists everything New created, in
	// open order, for Stop to close.
	streamS store.StreamStore
	streamR store.StreamStore
	rawS    store.StreamStore
	rawR    store.StreamStore
	sink    store.ResultSink
	owned   []io.Closer

	engine    *engine.Engine
	sched     *scheduler.Scheduler
	collector *metrics.Collector

	onCompleted scheduler.Callback
	onFailed    scheduler.Callback

	mu      sync.Mutex
	ckpt    *state.CheckpointManager
	stopped bool
}

// New builds a fully wired pipeline from the default configuration modified
// by the given options. The returned instance is not yet running; call
// Start to begin triggering windows.
//
// Construction order: resource manager and quota allocation first, then the
// stores (created per the storage backend unless injected), then the compute
// engine, then the scheduler bridged to store inserts. Any failure tears
// down whatever was already built.
func New(opts ...Option) (*StreamJoin, error) {
	sj := &StreamJoin{
		cfg: types.DefaultConfig(),
		clk: clock.New(),
	}
	for _, opt := range opts {
		opt(sj)
	}
	sj.cfg.Normalize()
	if err := sj.cfg.Validate(); err != nil {
		return nil, err
	}
	if err := sj.wire(); err != nil {
		sj.teardown()
		return nil, err
	}
	return sj, nil
}

// wire builds and connects the pipeline parts in dependency order.
func (sj *StreamJoin) wire() error {
	sj.manager = resource.NewManagerWithClock(sj.cfg.Resource, sj.clk)
	handle, err := sj.manager.Allocate(clientName, resource.Request{
		Threads:        sj.cfg.Resource.RequestedThreads,
		MaxMemoryBytes: sj.cfg.Resource.MaxMemoryBytes,
	})
	if err != nil {
		return fmt.Errorf("allocate resources: %w", err)
	}
	sj.handle = handle

	if err := sj.openStores(); err != nil {
		return err
	}

	sj.engine = engine.NewWithClock(sj.clk)
	if err := sj.engine.Initialize(sj.cfg.Compute, sj.rawS, sj.rawR, sj.sink, handle); err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}

	sched, err := scheduler.NewWithClock(sj.cfg.Scheduler, sj.engine, handle, sj.clk)
	if err != nil {
		return err
	}
	sj.sched = sched
	sched.SetCallbacks(sj.onCompleted, sj.onFailed)

	// Watch the stores under their actual table names so injected stores
	// with custom names still drive window creation.
	if err := sched.WatchTable(sj.rawS.Name(), types.StreamS); err != nil {
		return err
	}
	if err := sched.WatchTable(sj.rawR.Name(), types.StreamR); err != nil {
		return err
	}

	// Every stored tuple notifies the scheduler; every memory-quota
	// transition shrinks or restores the admission gate.
	hook := func(table string, tsUs int64) { sched.OnDataInserted(table, tsUs) }
	sj.streamS = store.WithInsertHook(sj.rawS, hook)
	sj.streamR = store.WithInsertHook(sj.rawR, hook)
	sj.manager.SetThrottleCallback(func(name string, throttled bool, _ resource.Usage) {
		if name == clientName {
			sched.SetThrottled(throttled)
		}
	})

	sj.collector = metrics.NewCollector(sched, sj.engine)
	return nil
}

// openStores fills in the stores the options did not inject, per the
// configured storage backend.
func (sj *StreamJoin) openStores() error {
	if sj.rawS != nil && sj.rawR != nil && sj.sink != nil {
		return nil
	}
	scfg := sj.cfg.Storage
	switch scfg.Backend {
	case "sqlite":
		db, err := store.OpenSQLite(scfg.Path)
		if err != nil {
			return fmt.Errorf("open sqlite %q: %w", scfg.Path, err)
		}
		sj.owned = append(sj.owned, db)
		if sj.rawS == nil {
			if sj.rawS, err = store.NewSQLiteStore(db, sj.cfg.Scheduler.StreamSTable); err != nil {
				return err
			}
			sj.owned = append(sj.owned, sj.rawS)
		}
		if sj.rawR == nil {
			if sj.rawR, err = store.NewSQLiteStore(db, sj.cfg.Scheduler.StreamRTable); err != nil {
				return err
			}
			sj.owned = append(sj.owned, sj.rawR)
		}
		if sj.sink == nil {
			sink, err := store.NewSQLiteSink(db, sj.cfg.Compute.ResultTable)
			if err != nil {
				return err
			}
			sj.sink = sink
			sj.owned = append(sj.owned, sink)
		}
	default:
		if sj.rawS == nil {
			s := store.NewMemoryStore(sj.cfg.Scheduler.StreamSTable, scfg.RetainLimit)
			sj.rawS = s
			sj.owned = append(sj.owned, s)
		}
		if sj.rawR == nil {
			r := store.NewMemoryStore(sj.cfg.Scheduler.StreamRTable, scfg.RetainLimit)
			sj.rawR = r
			sj.owned = append(sj.owned, r)
		}
		if sj.sink == nil {
			sink := store.NewMemorySink()
			sj.sink = sink
			sj.owned = append(sj.owned, sink)
		}
	}
	return nil
}

// Start begins triggering and dispatching windows. Data inserted before
// Start is not lost: its windows are registered and fire once running.
func (sj *StreamJoin) Start() error {
	sj.mu.Lock()
	stopped := sj.stopped
	sj.mu.Unlock()
	if stopped {
		return fmt.Errorf("pipeline stopped, build a new instance: %w", types.ErrSchedulerNotRunning)
	}
	return sj.sched.Start()
}

// Stop shuts the pipeline down: the scheduler finishes in-flight windows,
// the resource quota is returned and stores created by New are closed.
// Stopping twice is a no-op; a stopped instance cannot be restarted.
func (sj *StreamJoin) Stop() {
	sj.mu.Lock()
	if sj.stopped {
		sj.mu.Unlock()
		return
	}
	sj.stopped = true
	sj.mu.Unlock()

	if sj.sched != nil {
		_ = sj.sched.Stop()
	}
	sj.teardown()
	logger.Info("stream join pipeline stopped")
}

// teardown releases everything wire built, tolerating partial construction.
func (sj *StreamJoin) teardown() {
	if sj.manager != nil {
		_ = sj.manager.Close()
	}
	for i := len(sj.owned) - 1; i >= 0; i-- {
		if err := sj.owned[i].Close(); err != nil {
			logger.Warn("close store: %v", err)
		}
	}
	sj.owned = nil
}

// InsertS appends one tuple to stream S. The write lands in the store first;
// the scheduler is then notified so the covering windows exist and their
// counts and the watermark advance.
func (sj *StreamJoin) InsertS(t types.Tuple) error {
	_, err := sj.streamS.Insert(t)
	return err
}

// InsertR appends one tuple to stream R.
func (sj *StreamJoin) InsertR(t types.Tuple) error {
	_, err := sj.streamR.Insert(t)
	return err
}

// InsertBatchS appends tuples to stream S, returning how many were stored.
func (sj *StreamJoin) InsertBatchS(tuples []types.Tuple) (int, error) {
	return sj.streamS.InsertBatch(tuples)
}

// InsertBatchR appends tuples to stream R, returning how many were stored.
func (sj *StreamJoin) InsertBatchR(tuples []types.Tuple) (int, error) {
	return sj.streamR.InsertBatch(tuples)
}

// UpdateWatermark raises the event-time watermark by hand, firing any
// time-triggered windows it passes. Values behind the current watermark are
// ignored; the effective watermark is returned.
func (sj *StreamJoin) UpdateWatermark(tsUs int64) int64 {
	return sj.sched.UpdateWatermark(tsUs)
}

// Results returns the result rows recorded for a window, oldest first. A
// window recomputed after late data contributes one row per computation.
func (sj *StreamJoin) Results(windowID int64) ([]types.ResultRecord, error) {
	return sj.sink.QueryByWindow(windowID)
}

// Scheduler exposes the window scheduler for direct control: manual
// triggering, window inspection, extra watched tables.
func (sj *StreamJoin) Scheduler() *scheduler.Scheduler {
	return sj.sched
}

// Engine exposes the compute engine, mainly for metrics and state access.
func (sj *StreamJoin) Engine() *engine.Engine {
	return sj.engine
}

// StreamS returns the insert path for stream S. Writes through it notify
// the scheduler exactly like InsertS.
func (sj *StreamJoin) StreamS() store.StreamStore { return sj.streamS }

// StreamR returns the insert path for stream R.
func (sj *StreamJoin) StreamR() store.StreamStore { return sj.streamR }

// Sink returns the result sink.
func (sj *StreamJoin) Sink() store.ResultSink { return sj.sink }

// ResourceManager exposes the resource manager for quota adjustments and
// usage queries.
func (sj *StreamJoin) ResourceManager() *resource.Manager { return sj.manager }

// Collector returns a prometheus.Collector over the scheduler and engine
// metrics, ready to register with any registry.
func (sj *StreamJoin) Collector() *metrics.Collector { return sj.collector }

// Config returns the effective configuration after normalization.
func (sj *StreamJoin) Config() types.Config { return sj.cfg }

// CombinedMetrics bundles the point-in-time statistics of every pipeline
// part.
type CombinedMetrics struct {
	Scheduler types.SchedulerMetrics `json:"scheduler"`
	Compute   types.ComputeMetrics   `json:"compute"`
	Resource  resource.Usage         `json:"resource"`
}

// Metrics snapshots scheduling, compute and resource statistics in one call.
func (sj *StreamJoin) Metrics() CombinedMetrics {
	return CombinedMetrics{
		Scheduler: sj.sched.Metrics(),
		Compute:   sj.engine.Metrics(),
		Resource:  sj.manager.Usage(clientName),
	}
}

// Checkpoint persists the pipeline's compute progress under name in the
// configured data dir: cumulative processed events, the current watermark
// and the highest completed window id.
func (sj *StreamJoin) Checkpoint(name string) error {
	cm, err := sj.checkpoints()
	if err != nil {
		return err
	}
	var lastCompleted int64
	for _, w := range sj.sched.GetAllWindows() {
		if w.State == types.WindowCompleted && w.WindowID > lastCompleted {
			lastCompleted = w.WindowID
		}
	}
	if err := sj.engine.SaveState(cm, name, lastCompleted, sj.sched.Watermark()); err != nil {
		return err
	}
	return cm.Persist(name)
}

// RestoreCheckpoint loads a persisted checkpoint, re-seats the engine's
// cumulative counters and replays the saved watermark into the scheduler.
func (sj *StreamJoin) RestoreCheckpoint(name string) (state.ComputeState, error) {
	cm, err := sj.checkpoints()
	if err != nil {
		return state.ComputeState{}, err
	}
	if err := cm.Restore(name); err != nil {
		return state.ComputeState{}, err
	}
	st, err := sj.engine.RestoreState(cm, name)
	if err != nil {
		return state.ComputeState{}, err
	}
	if st.WatermarkUs > 0 {
		sj.sched.UpdateWatermark(st.WatermarkUs)
	}
	return st, nil
}

// checkpoints lazily opens the checkpoint manager so the data dir is only
// created when checkpointing is actually used.
func (sj *StreamJoin) checkpoints() (*state.CheckpointManager, error) {
	sj.mu.Lock()
	defer sj.mu.Unlock()
	if sj.ckpt != nil {
		return sj.ckpt, nil
	}
	cm, err := state.NewCheckpointManager(sj.cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}
	sj.ckpt = cm
	return cm, nil
}
