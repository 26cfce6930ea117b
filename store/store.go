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

// Package store provides time-indexed storage for the two input streams and
// an append-only sink for window results. Two backends are included: an
// in-memory store for tests and low-latency pipelines, and a SQLite-backed
// store for durable runs.
package store

import (
	"github.com/intellistream/streamjoin/condition"
	"github.com/intellistream/streamjoin/types"
)

// StreamStore is append-only, time-indexed storage for one input stream.
// Implementations must be safe for concurrent use: window computations read
// ranges while producers keep inserting.
type StreamStore interface {
	// Insert appends one tuple and returns the number of rows written.
	Insert(t types.Tuple) (int, error)

	// InsertBatch appends tuples, atomically where the backend supports
	// it, and returns the number of rows written.
	InsertBatch(tuples []types.Tuple) (int, error)

	// Query returns tuples whose timestamp falls in [r.Start, r.End),
	// ordered by timestamp.
	Query(r types.TimeRange) ([]types.Tuple, error)

	// QueryFiltered is Query with a per-tuple filter applied to the
	// tuple's evaluation environment. A nil condition matches everything.
	QueryFiltered(r types.TimeRange, cond condition.Condition) ([]types.Tuple, error)

	// QueryLatest returns the n most recent tuples in ascending time
	// order.
	QueryLatest(n int) ([]types.Tuple, error)

	// Count returns the number of stored tuples.
	Count() (int64, error)

	// Name returns the table name the store was created with.
	Name() string

	// Close releases the store's resources. Further calls return
	// types.ErrStoreClosed.
	Close() error
}

// ResultSink persists one row per completed window computation.
type ResultSink interface {
	// InsertResult appends a result row and returns the number written.
	InsertResult(rec types.ResultRecord) (int, error)

	// QueryByWindow returns all rows recorded for a window, oldest first.
	// Recomputed windows contribute one row per computation.
	QueryByWindow(windowID int64) ([]types.ResultRecord, error)

	// Count returns the number of stored result rows.
	Count() (int64, error)

	Close() error
}

// InsertHook observes successfully stored tuples. The scheduler registers one
// per watched table so that inserts drive window creation and triggering.
type InsertHook func(table string, tsUs int64)

// WithInsertHook wraps a store so fn fires once per stored tuple, after the
// write succeeded. The hook runs on the inserting goroutine; keep it cheap.
func WithInsertHook(s StreamStore, fn InsertHook) StreamStore {
	if fn == nil {
		return s
	}
	return &hookedStore{StreamStore: s, fn: fn}
}

type hookedStore struct {
	StreamStore
	fn InsertHook
}

func (h *hookedStore) Insert(t types.Tuple) (int, error) {
	n, err := h.StreamStore.Insert(t)
	if err == nil && n > 0 {
		h.fn(h.Name(), t.Timestamp)
	}
	return n, err
}

func (h *hookedStore) InsertBatch(tuples []types.Tuple) (int, error) {
	n, err := h.StreamStore.InsertBatch(tuples)
	if err == nil {
		for _, t := range tuples[:n] {
			h.fn(h.Name(), t.Timestamp)
		}
	}
	return n, err
}
