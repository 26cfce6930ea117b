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

package store

import (
	"sort"
	"sync"

	"github.com/intellistream/streamjoin/condition"
	"github.com/intellistream/streamjoin/types"
)

// MemoryStore keeps tuples in a time-sorted slice guarded by a RWMutex.
// Range queries binary-search both boundaries, so window reads stay
// O(log n + k) even under out-of-order inserts.
type MemoryStore struct {
	name   string
	retain int

	mu     sync.RWMutex
	tuples []types.Tuple
	closed bool
}

// NewMemoryStore creates an in-memory stream store. retainLimit bounds the
// number of tuples kept, evicting oldest-first; zero means unbounded.
func NewMemoryStore(name string, retainLimit int) *MemoryStore {
	return &MemoryStore{name: name, retain: retainLimit}
}

// Insert appends one tuple, keeping the slice time-ordered.
func (m *MemoryStore) Insert(t types.Tuple) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, types.ErrStoreClosed
	}
	m.insertLocked(t)
	return 1, nil
}

// InsertBatch appends all tuples under one lock acquisition.
func (m *MemoryStore) InsertBatch(tuples []types.Tuple) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, types.ErrStoreClosed
	}
	for _, t := range tuples {
		m.insertLocked(t)
	}
	return len(tuples), nil
}

func (m *MemoryStore) insertLocked(t types.Tuple) {
	n := len(m.tuples)
	if n == 0 || m.tuples[n-1].Timestamp <= t.Timestamp {
		m.tuples = append(m.tuples, t)
	} else {
		// Out-of-order arrival: splice into position. Ties keep
		// insertion order.
		i := sort.Search(n, func(j int) bool { return m.tuples[j].Timestamp > t.Timestamp })
		m.tuples = append(m.tuples, types.Tuple{})
		copy(m.tuples[i+1:], m.tuples[i:])
		m.tuples[i] = t
	}
	if m.retain > 0 && len(m.tuples) > m.retain {
		drop := len(m.tuples) - m.retain
		m.tuples = append(m.tuples[:0], m.tuples[drop:]...)
	}
}

// Query returns tuples with timestamps in [r.Start, r.End).
func (m *MemoryStore) Query(r types.TimeRange) ([]types.Tuple, error) {
	if !r.Valid() {
		return nil, types.ErrInvalidTimeRange
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, types.ErrStoreClosed
	}
	lo := sort.Search(len(m.tuples), func(i int) bool { return m.tuples[i].Timestamp >= r.Start })
	hi := sort.Search(len(m.tuples), func(i int) bool { return m.tuples[i].Timestamp >= r.End })
	out := make([]types.Tuple, hi-lo)
	copy(out, m.tuples[lo:hi])
	return out, nil
}

// QueryFiltered returns the tuples of Query(r) that satisfy cond.
func (m *MemoryStore) QueryFiltered(r types.TimeRange, cond condition.Condition) ([]types.Tuple, error) {
	tuples, err := m.Query(r)
	if err != nil || cond == nil {
		return tuples, err
	}
	out := tuples[:0]
	for _, t := range tuples {
		if cond.Evaluate(t.Env()) {
			out = append(out, t)
		}
	}
	return out, nil
}

// QueryLatest returns the n most recent tuples in ascending time order.
func (m *MemoryStore) QueryLatest(n int) ([]types.Tuple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, types.ErrStoreClosed
	}
	if n <= 0 {
		return nil, nil
	}
	if n > len(m.tuples) {
		n = len(m.tuples)
	}
	out := make([]types.Tuple, n)
	copy(out, m.tuples[len(m.tuples)-n:])
	return out, nil
}

// Count returns the number of stored tuples.
func (m *MemoryStore) Count() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, types.ErrStoreClosed
	}
	return int64(len(m.tuples)), nil
}

// Name returns the table name.
func (m *MemoryStore) Name() string { return m.name }

// Close marks the store closed and drops its contents.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.tuples = nil
	return nil
}

// MemorySink keeps result rows grouped by window id.
type MemorySink struct {
	mu     sync.RWMutex
	byWin  map[int64][]types.ResultRecord
	total  int64
	closed bool
}

// NewMemorySink creates an in-memory result sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{byWin: make(map[int64][]types.ResultRecord)}
}

// InsertResult appends one result row.
func (s *MemorySink) InsertResult(rec types.ResultRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, types.ErrStoreClosed
	}
	s.byWin[rec.WindowID] = append(s.byWin[rec.WindowID], rec)
	s.total++
	return 1, nil
}

// QueryByWindow returns all rows recorded for a window, oldest first.
func (s *MemorySink) QueryByWindow(windowID int64) ([]types.ResultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, types.ErrStoreClosed
	}
	rows := s.byWin[windowID]
	out := make([]types.ResultRecord, len(rows))
	copy(out, rows)
	return out, nil
}

// Count returns the total number of result rows.
func (s *MemorySink) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, types.ErrStoreClosed
	}
	return s.total, nil
}

// Close marks the sink closed and drops its contents.
func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.byWin = nil
	return nil
}
