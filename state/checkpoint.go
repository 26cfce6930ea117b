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

// Package state checkpoints compute progress so an engine can resume after
// a restart instead of reprocessing from the epoch. States live in memory
// and are persisted on demand as snappy-compressed JSON files.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/intellistream/streamjoin/logger"
	"github.com/intellistream/streamjoin/types"
)

// stateExt is the on-disk file extension for persisted states.
const stateExt = ".state"

// namePattern keeps state names usable as file names on every platform.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ComputeState is one named checkpoint of compute progress.
type ComputeState struct {
	Name        string `json:"name"`
	TimestampUs int64  `json:"timestamp_us"`
	WatermarkUs int64  `json:"watermark_us"`
	WindowID    int64  `json:"window_id"`
	// ProcessedEvents is the cumulative tuple count at checkpoint time.
	ProcessedEvents int64 `json:"processed_events"`
	// OperatorState carries opaque operator-specific bytes, if any.
	OperatorState []byte            `json:"operator_state,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// CheckpointManager holds named compute states and persists them under a
// data directory. All methods are safe for concurrent use.
type CheckpointManager struct {
	mu     sync.RWMutex
	states map[string]ComputeState
	dir    string
}

// NewCheckpointManager builds a manager rooted at dataDir. An empty dataDir
// yields a purely in-memory manager whose persistence methods fail.
func NewCheckpointManager(dataDir string) (*CheckpointManager, error) {
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	return &CheckpointManager{
		states: make(map[string]ComputeState),
		dir:    dataDir,
	}, nil
}

// Dir returns the data directory, empty for in-memory managers.
func (m *CheckpointManager) Dir() string { return m.dir }

// Save stores a state under its name, stamping TimestampUs when unset.
func (m *CheckpointManager) Save(st ComputeState) error {
	if !namePattern.MatchString(st.Name) {
		return fmt.Errorf("state name %q: %w", st.Name, types.ErrInvalidConfig)
	}
	if st.TimestampUs == 0 {
		st.TimestampUs = time.Now().UnixMicro()
	}
	m.mu.Lock()
	m.states[st.Name] = st
	m.mu.Unlock()
	return nil
}

// Load returns the named state or types.ErrStateNotFound.
func (m *CheckpointManager) Load(name string) (ComputeState, error) {
	m.mu.RLock()
	st, ok := m.states[name]
	m.mu.RUnlock()
	if !ok {
		return ComputeState{}, fmt.Errorf("state %q: %w", name, types.ErrStateNotFound)
	}
	return st, nil
}

// Has reports whether a state with the given name exists in memory.
func (m *CheckpointManager) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.states[name]
	return ok
}

// Delete removes the named state from memory. The persisted file, if any,
// is removed as well.
func (m *CheckpointManager) Delete(name string) error {
	m.mu.Lock()
	_, ok := m.states[name]
	delete(m.states, name)
	dir := m.dir
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("state %q: %w", name, types.ErrStateNotFound)
	}
	if dir != "" {
		if err := os.Remove(filepath.Join(dir, name+stateExt)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove persisted state %q: %w", name, err)
		}
	}
	return nil
}

// List returns the names of all in-memory states in sorted order.
func (m *CheckpointManager) List() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.states))
	for name := range m.states {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Persist writes the named state to the data directory.
func (m *CheckpointManager) Persist(name string) error {
	st, err := m.Load(name)
	if err != nil {
		return err
	}
	if m.dir == "" {
		return fmt.Errorf("persist state %q: no data dir configured", name)
	}
	return writeState(m.dir, st)
}

// PersistAll writes every in-memory state to the data directory.
func (m *CheckpointManager) PersistAll() error {
	if m.dir == "" {
		return fmt.Errorf("persist states: no data dir configured")
	}
	m.mu.RLock()
	states := make([]ComputeState, 0, len(m.states))
	for _, st := range m.states {
		states = append(states, st)
	}
	m.mu.RUnlock()
	for _, st := range states {
		if err := writeState(m.dir, st); err != nil {
			return err
		}
	}
	logger.Debug("persisted %d compute states to %s", len(states), m.dir)
	return nil
}

// Restore loads the named state from the data directory into memory,
// replacing any in-memory copy.
func (m *CheckpointManager) Restore(name string) error {
	if m.dir == "" {
		return fmt.Errorf("restore state %q: no data dir configured", name)
	}
	st, err := readState(filepath.Join(m.dir, name+stateExt))
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.states[st.Name] = st
	m.mu.Unlock()
	return nil
}

// Checkpoint writes every in-memory state into dir as a full snapshot.
// The directory is created when missing.
func (m *CheckpointManager) Checkpoint(dir string) error {
	if dir == "" {
		return fmt.Errorf("checkpoint: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	m.mu.RLock()
	states := make([]ComputeState, 0, len(m.states))
	for _, st := range m.states {
		states = append(states, st)
	}
	m.mu.RUnlock()
	for _, st := range states {
		if err := writeState(dir, st); err != nil {
			return err
		}
	}
	logger.Info("checkpointed %d compute states to %s", len(states), dir)
	return nil
}

// RestoreCheckpoint loads every state file found in dir into memory.
func (m *CheckpointManager) RestoreCheckpoint(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read checkpoint dir: %w", err)
	}
	var restored int
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), stateExt) {
			continue
		}
		st, err := readState(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		m.states[st.Name] = st
		restored++
	}
	logger.Info("restored %d compute states from %s", restored, dir)
	return nil
}

// writeState marshals, compresses and atomically renames one state file.
func writeState(dir string, st ComputeState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state %q: %w", st.Name, err)
	}
	path := filepath.Join(dir, st.Name+stateExt)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, snappy.Encode(nil, raw), 0o644); err != nil {
		return fmt.Errorf("write state %q: %w", st.Name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit state %q: %w", st.Name, err)
	}
	return nil
}

func readState(path string) (ComputeState, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ComputeState{}, fmt.Errorf("state file %s: %w", path, types.ErrStateNotFound)
		}
		return ComputeState{}, fmt.Errorf("read state file %s: %w", path, err)
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return ComputeState{}, fmt.Errorf("decompress state file %s: %w", path, err)
	}
	var st ComputeState
	if err := json.Unmarshal(raw, &st); err != nil {
		return ComputeState{}, fmt.Errorf("decode state file %s: %w", path, err)
	}
	return st, nil
}
