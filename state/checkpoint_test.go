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

package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intellistream/streamjoin/types"
)

func sampleState(name string) ComputeState {
	return ComputeState{
		Name:            name,
		TimestampUs:     1_700_000_000_000_000,
		WatermarkUs:     900_000,
		WindowID:        42,
		ProcessedEvents: 1800,
		OperatorState:   []byte(`{"ema":1.25}`),
		Metadata:        map[string]string{"operator": "IMA"},
	}
}

func TestSaveLoadDeleteList(t *testing.T) {
	m, err := NewCheckpointManager("")
	require.NoError(t, err)

	require.NoError(t, m.Save(sampleState("engine_a")))
	require.NoError(t, m.Save(sampleState("engine_b")))
	assert.True(t, m.Has("engine_a"))
	assert.Equal(t, []string{"engine_a", "engine_b"}, m.List())

	st, err := m.Load("engine_a")
	require.NoError(t, err)
	assert.Equal(t, sampleState("engine_a"), st)

	_, err = m.Load("missing")
	assert.ErrorIs(t, err, types.ErrStateNotFound)

	require.NoError(t, m.Delete("engine_a"))
	assert.False(t, m.Has("engine_a"))
	assert.ErrorIs(t, m.Delete("engine_a"), types.ErrStateNotFound)
}

func TestSaveStampsTimestampAndValidatesName(t *testing.T) {
	m, err := NewCheckpointManager("")
	require.NoError(t, err)

	require.NoError(t, m.Save(ComputeState{Name: "fresh"}))
	st, err := m.Load("fresh")
	require.NoError(t, err)
	assert.Positive(t, st.TimestampUs)

	assert.ErrorIs(t, m.Save(ComputeState{Name: ""}), types.ErrInvalidConfig)
	assert.ErrorIs(t, m.Save(ComputeState{Name: "../escape"}), types.ErrInvalidConfig)
	assert.ErrorIs(t, m.Save(ComputeState{Name: "has space"}), types.ErrInvalidConfig)
}

func TestPersistAndRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := NewCheckpointManager(dir)
	require.NoError(t, err)

	want := sampleState("engine_a")
	require.NoError(t, m.Save(want))
	require.NoError(t, m.Persist("engine_a"))

	// A fresh manager sees nothing until it restores from disk.
	m2, err := NewCheckpointManager(dir)
	require.NoError(t, err)
	assert.False(t, m2.Has("engine_a"))
	require.NoError(t, m2.Restore("engine_a"))

	got, err := m2.Load("engine_a")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	assert.ErrorIs(t, m2.Restore("never_saved"), types.ErrStateNotFound)
}

func TestPersistRequiresDataDir(t *testing.T) {
	m, err := NewCheckpointManager("")
	require.NoError(t, err)
	require.NoError(t, m.Save(sampleState("engine_a")))

	assert.Error(t, m.Persist("engine_a"))
	assert.Error(t, m.PersistAll())
	assert.Error(t, m.Restore("engine_a"))
}

func TestCheckpointSnapshotRoundTrip(t *testing.T) {
	m, err := NewCheckpointManager(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, m.Save(sampleState("engine_a")))
	require.NoError(t, m.Save(sampleState("engine_b")))

	snap := filepath.Join(t.TempDir(), "ckpt_001")
	require.NoError(t, m.Checkpoint(snap))

	m2, err := NewCheckpointManager("")
	require.NoError(t, err)
	require.NoError(t, m2.RestoreCheckpoint(snap))
	assert.Equal(t, []string{"engine_a", "engine_b"}, m2.List())

	got, err := m2.Load("engine_b")
	require.NoError(t, err)
	assert.Equal(t, sampleState("engine_b"), got)
}

func TestRestoreRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	m, err := NewCheckpointManager(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.state"), []byte("not snappy"), 0o644))
	assert.Error(t, m.Restore("broken"))
}

func TestDeleteRemovesPersistedFile(t *testing.T) {
	dir := t.TempDir()
	m, err := NewCheckpointManager(dir)
	require.NoError(t, err)
	require.NoError(t, m.Save(sampleState("engine_a")))
	require.NoError(t, m.Persist("engine_a"))

	path := filepath.Join(dir, "engine_a.state")
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, m.Delete("engine_a"))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
