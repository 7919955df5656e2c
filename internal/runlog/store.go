// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package runlog persists comparison runs in SQLite.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultListLimit bounds ListRecent when no limit is given
const DefaultListLimit = 20

// ErrNotFound is returned when a run id is unknown
var ErrNotFound = errors.New("run not found")

// Record is one stored comparison run. Payload is the full run document.
type Record struct {
	ID                string          `json:"id"`
	SessionID         string          `json:"session_id"`
	Question          string          `json:"question"`
	WallClockMs       int64           `json:"wall_clock_ms"`
	EstimatedSerialMs int64           `json:"estimated_serial_ms"`
	TimeSavedMs       int64           `json:"time_saved_ms"`
	CreatedAt         time.Time       `json:"created_at"`
	Payload           json.RawMessage `json:"payload"`
}

// ListOptions filters ListRecent
type ListOptions struct {
	SessionID string
	Limit     int
}

// Store is a SQLite backed run log
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the run log at dbPath
func NewStore(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	query := `
		CREATE TABLE IF NOT EXISTS comparison_runs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			question TEXT NOT NULL,
			wall_clock_ms INTEGER NOT NULL,
			estimated_serial_ms INTEGER NOT NULL,
			time_saved_ms INTEGER NOT NULL,
			created_at_ns INTEGER NOT NULL,
			payload TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_comparison_runs_session ON comparison_runs(session_id, created_at_ns);
	`
	_, err := s.db.Exec(query)
	return err
}

// Save inserts or replaces a run
func (s *Store) Save(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("run id is required")
	}
	if !json.Valid(rec.Payload) {
		return fmt.Errorf("run %s payload is not valid JSON", rec.ID)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	query := `
		INSERT OR REPLACE INTO comparison_runs
			(id, session_id, question, wall_clock_ms, estimated_serial_ms, time_saved_ms, created_at_ns, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, rec.ID, rec.SessionID, rec.Question,
		rec.WallClockMs, rec.EstimatedSerialMs, rec.TimeSavedMs, created.UnixNano(), string(rec.Payload))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

const selectColumns = "id, session_id, question, wall_clock_ms, estimated_serial_ms, time_saved_ms, created_at_ns, payload"

// Get returns the run with id, or ErrNotFound
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM comparison_runs WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	return rec, nil
}

// ListRecent returns runs newest first
func (s *Store) ListRecent(ctx context.Context, opts ListOptions) ([]Record, error) {
	var conditions []string
	var args []interface{}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := "SELECT " + selectColumns + " FROM comparison_runs"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at_ns DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return records, nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var ns int64
	var payload string
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.Question, &rec.WallClockMs,
		&rec.EstimatedSerialMs, &rec.TimeSavedMs, &ns, &payload); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(0, ns)
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}
