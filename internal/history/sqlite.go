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

package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps turns in a SQLite database
type SQLiteStore struct {
	db       *sql.DB
	maxTurns int
}

// NewSQLiteStore opens (or creates) the database at dbPath
func NewSQLiteStore(dbPath string, maxTurns int) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases coherent
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, maxTurns: maxTurns}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
		CREATE TABLE IF NOT EXISTS chat_turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ns INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_chat_turns_session ON chat_turns(session_id, id);
	`
	_, err := s.db.Exec(query)
	return err
}

// Append inserts a turn and trims the session to the configured size
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, turn Turn) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	var ns int64
	if !turn.Timestamp.IsZero() {
		ns = turn.Timestamp.UnixNano()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_turns (session_id, role, content, created_at_ns) VALUES (?, ?, ?, ?)`,
		sessionID, string(turn.Role), turn.Content, ns); err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM chat_turns
		WHERE session_id = ? AND id NOT IN (
			SELECT id FROM chat_turns WHERE session_id = ? ORDER BY id DESC LIMIT ?
		)`, sessionID, sessionID, s.maxTurns); err != nil {
		return fmt.Errorf("failed to trim session history: %w", err)
	}

	return tx.Commit()
}

// Recent returns up to limit turns, most recent first
func (s *SQLiteStore) Recent(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, created_at_ns FROM chat_turns
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			role    string
			content string
			ns      int64
		)
		if err := rows.Scan(&role, &content, &ns); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turn := Turn{Role: Role(role), Content: content}
		if ns != 0 {
			turn.Timestamp = time.Unix(0, ns)
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// Clear deletes every turn of the session
func (s *SQLiteStore) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_turns WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
