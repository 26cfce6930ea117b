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
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/intellistream/streamjoin/condition"
	"github.com/intellistream/streamjoin/types"

	// Pure Go SQLite driver.
	_ "modernc.org/sqlite"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteDB is a shared database handle. Stream stores and result sinks
// created from it hold their own prepared statements but share the
// connection pool, so Close the handle only after closing them.
type SQLiteDB struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a SQLite database at path. The
// pragmas are passed in the DSN so every pooled connection gets them:
// WAL journaling for concurrent readers, NORMAL sync, and a 5s busy
// timeout for writer contention.
func OpenSQLite(path string) (*SQLiteDB, error) {
	if path == "" {
		path = "streamjoin.db"
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return &SQLiteDB{db: db}, nil
}

// DB exposes the underlying handle for maintenance queries.
func (d *SQLiteDB) DB() *sql.DB { return d.db }

// Close closes the shared connection pool.
func (d *SQLiteDB) Close() error { return d.db.Close() }

// SQLiteStore is a StreamStore backed by one table of a SQLiteDB.
type SQLiteStore struct {
	db    *sql.DB
	table string

	mu     sync.RWMutex
	closed bool

	insertStmt *sql.Stmt
	rangeStmt  *sql.Stmt
	latestStmt *sql.Stmt
	countStmt  *sql.Stmt
}

// NewSQLiteStore creates the stream table and its timestamp index if they do
// not exist and prepares the store's statements.
func NewSQLiteStore(d *SQLiteDB, table string) (*SQLiteStore, error) {
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q: %w", table, types.ErrInvalidConfig)
	}
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			key TEXT,
			value REAL NOT NULL,
			tags TEXT,
			fields TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_timestamp ON %[1]s(timestamp);
	`, table)
	if _, err := d.db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", table, err)
	}

	s := &SQLiteStore{db: d.db, table: table}
	var err error
	s.insertStmt, err = d.db.Prepare(fmt.Sprintf(
		`INSERT INTO %s (timestamp, key, value, tags, fields) VALUES (?, ?, ?, ?, ?)`, table))
	if err == nil {
		s.rangeStmt, err = d.db.Prepare(fmt.Sprintf(
			`SELECT timestamp, key, value, tags, fields FROM %s
			 WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp, id`, table))
	}
	if err == nil {
		s.latestStmt, err = d.db.Prepare(fmt.Sprintf(
			`SELECT timestamp, key, value, tags, fields FROM %s
			 ORDER BY timestamp DESC, id DESC LIMIT ?`, table))
	}
	if err == nil {
		s.countStmt, err = d.db.Prepare(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table))
	}
	if err != nil {
		s.closeStmts()
		return nil, fmt.Errorf("failed to prepare statements for %s: %w", table, err)
	}
	return s, nil
}

// Insert appends one tuple.
func (s *SQLiteStore) Insert(t types.Tuple) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, types.ErrStoreClosed
	}
	tags, fields, err := marshalMeta(t)
	if err != nil {
		return 0, err
	}
	if _, err := s.insertStmt.Exec(t.Timestamp, t.Key, t.Value, tags, fields); err != nil {
		return 0, fmt.Errorf("failed to insert into %s: %w", s.table, err)
	}
	return 1, nil
}

// InsertBatch appends tuples in one transaction.
func (s *SQLiteStore) InsertBatch(tuples []types.Tuple) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, types.ErrStoreClosed
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt := tx.Stmt(s.insertStmt)
	for _, t := range tuples {
		tags, fields, err := marshalMeta(t)
		if err != nil {
			return 0, err
		}
		if _, err := stmt.Exec(t.Timestamp, t.Key, t.Value, tags, fields); err != nil {
			return 0, fmt.Errorf("failed to insert into %s: %w", s.table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	return len(tuples), nil
}

// Query returns tuples with timestamps in [r.Start, r.End).
func (s *SQLiteStore) Query(r types.TimeRange) ([]types.Tuple, error) {
	if !r.Valid() {
		return nil, types.ErrInvalidTimeRange
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, types.ErrStoreClosed
	}
	rows, err := s.rangeStmt.Query(r.Start, r.End)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.table, err)
	}
	return scanTuples(rows, false)
}

// QueryFiltered returns the tuples of Query(r) that satisfy cond. The filter
// runs in process since conditions are expression programs, not SQL.
func (s *SQLiteStore) QueryFiltered(r types.TimeRange, cond condition.Condition) ([]types.Tuple, error) {
	tuples, err := s.Query(r)
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
func (s *SQLiteStore) QueryLatest(n int) ([]types.Tuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, types.ErrStoreClosed
	}
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.latestStmt.Query(n)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.table, err)
	}
	return scanTuples(rows, true)
}

// Count returns the number of stored tuples.
func (s *SQLiteStore) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, types.ErrStoreClosed
	}
	var n int64
	if err := s.countStmt.QueryRow().Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", s.table, err)
	}
	return n, nil
}

// Name returns the table name.
func (s *SQLiteStore) Name() string { return s.table }

// Close releases the prepared statements. The shared SQLiteDB stays open.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.closeStmts()
	return nil
}

func (s *SQLiteStore) closeStmts() {
	for _, stmt := range []*sql.Stmt{s.insertStmt, s.rangeStmt, s.latestStmt, s.countStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
}

func marshalMeta(t types.Tuple) (tags, fields []byte, err error) {
	if len(t.Tags) > 0 {
		if tags, err = json.Marshal(t.Tags); err != nil {
			return nil, nil, fmt.Errorf("failed to marshal tags: %w", err)
		}
	}
	if len(t.Fields) > 0 {
		if fields, err = json.Marshal(t.Fields); err != nil {
			return nil, nil, fmt.Errorf("failed to marshal fields: %w", err)
		}
	}
	return tags, fields, nil
}

func scanTuples(rows *sql.Rows, reverse bool) ([]types.Tuple, error) {
	defer rows.Close()
	var out []types.Tuple
	for rows.Next() {
		var (
			t          types.Tuple
			key        sql.NullString
			tagsJSON   []byte
			fieldsJSON []byte
		)
		if err := rows.Scan(&t.Timestamp, &key, &t.Value, &tagsJSON, &fieldsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan tuple: %w", err)
		}
		t.Key = key.String
		if len(tagsJSON) > 0 {
			if err := json.Unmarshal(tagsJSON, &t.Tags); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
			}
		}
		if len(fieldsJSON) > 0 {
			if err := json.Unmarshal(fieldsJSON, &t.Fields); err != nil {
				return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
			}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// SQLiteSink is a ResultSink backed by one table of a SQLiteDB.
type SQLiteSink struct {
	db    *sql.DB
	table string

	mu     sync.RWMutex
	closed bool

	insertStmt *sql.Stmt
	byWinStmt  *sql.Stmt
	countStmt  *sql.Stmt
}

// NewSQLiteSink creates the result table and its window-id index if they do
// not exist and prepares the sink's statements.
func NewSQLiteSink(d *SQLiteDB, table string) (*SQLiteSink, error) {
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q: %w", table, types.ErrInvalidConfig)
	}
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			window_id INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			join_count INTEGER NOT NULL,
			aqp_estimate REAL NOT NULL,
			used_aqp INTEGER NOT NULL,
			selectivity REAL NOT NULL,
			compute_ms REAL NOT NULL,
			tags TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_window ON %[1]s(window_id);
	`, table)
	if _, err := d.db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", table, err)
	}

	s := &SQLiteSink{db: d.db, table: table}
	var err error
	s.insertStmt, err = d.db.Prepare(fmt.Sprintf(
		`INSERT INTO %s (window_id, timestamp, join_count, aqp_estimate, used_aqp, selectivity, compute_ms, tags)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, table))
	if err == nil {
		s.byWinStmt, err = d.db.Prepare(fmt.Sprintf(
			`SELECT window_id, timestamp, join_count, aqp_estimate, used_aqp, selectivity, compute_ms, tags
			 FROM %s WHERE window_id = ? ORDER BY id`, table))
	}
	if err == nil {
		s.countStmt, err = d.db.Prepare(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table))
	}
	if err != nil {
		s.closeStmts()
		return nil, fmt.Errorf("failed to prepare statements for %s: %w", table, err)
	}
	return s, nil
}

// InsertResult appends one result row.
func (s *SQLiteSink) InsertResult(rec types.ResultRecord) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, types.ErrStoreClosed
	}
	var tagsJSON []byte
	if len(rec.Tags) > 0 {
		var err error
		if tagsJSON, err = json.Marshal(rec.Tags); err != nil {
			return 0, fmt.Errorf("failed to marshal tags: %w", err)
		}
	}
	usedAQP := 0
	if rec.UsedAQP {
		usedAQP = 1
	}
	_, err := s.insertStmt.Exec(rec.WindowID, rec.Timestamp, rec.JoinCount,
		rec.AQPEstimate, usedAQP, rec.Selectivity, rec.ComputeMs, tagsJSON)
	if err != nil {
		return 0, fmt.Errorf("failed to insert into %s: %w", s.table, err)
	}
	return 1, nil
}

// QueryByWindow returns all rows recorded for a window, oldest first.
func (s *SQLiteSink) QueryByWindow(windowID int64) ([]types.ResultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, types.ErrStoreClosed
	}
	rows, err := s.byWinStmt.Query(windowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.table, err)
	}
	defer rows.Close()

	var out []types.ResultRecord
	for rows.Next() {
		var (
			rec      types.ResultRecord
			usedAQP  int
			tagsJSON []byte
		)
		if err := rows.Scan(&rec.WindowID, &rec.Timestamp, &rec.JoinCount,
			&rec.AQPEstimate, &usedAQP, &rec.Selectivity, &rec.ComputeMs, &tagsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		rec.UsedAQP = usedAQP != 0
		if len(tagsJSON) > 0 {
			if err := json.Unmarshal(tagsJSON, &rec.Tags); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of stored result rows.
func (s *SQLiteSink) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, types.ErrStoreClosed
	}
	var n int64
	if err := s.countStmt.QueryRow().Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", s.table, err)
	}
	return n, nil
}

// Close releases the prepared statements. The shared SQLiteDB stays open.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.closeStmts()
	return nil
}

func (s *SQLiteSink) closeStmts() {
	for _, stmt := range []*sql.Stmt{s.insertStmt, s.byWinStmt, s.countStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
}
