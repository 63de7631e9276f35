/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package history keeps a ledger of past runs in a local sqlite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alexandremahdhaoui/dst/pkg/orchestrator"

	_ "modernc.org/sqlite"
)

var (
	ErrOpenHistory  = errors.New("failed to open run history")
	ErrRecordRun    = errors.New("failed to record run")
	ErrListHistory  = errors.New("failed to list run history")
	ErrEmptyRunID   = errors.New("run id is empty")
	ErrInvalidLimit = errors.New("limit must be positive")
)

const schema = `
CREATE TABLE IF NOT EXISTS runs(
	run_id      TEXT PRIMARY KEY,
	mode        TEXT NOT NULL,
	status      TEXT NOT NULL,
	exit_code   INTEGER NOT NULL,
	gateway     TEXT NOT NULL DEFAULT '',
	anomalies   INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);`

// Entry is one recorded run.
type Entry struct {
	RunID     string
	Mode      string
	Status    string
	ExitCode  int
	Gateway   string
	Anomalies int
	Error     string
	StartedAt time.Time
	Duration  time.Duration
}

// FromResult summarizes res as an Entry.
func FromResult(res *orchestrator.Result) Entry {
	e := Entry{
		RunID:     res.RunID,
		Mode:      string(res.Mode),
		Status:    string(res.Status),
		ExitCode:  res.ExitCode,
		Gateway:   res.Gateway,
		Anomalies: len(res.Anomalies()),
	}

	if res.Err != nil {
		e.Error = res.Err.Error()
	}

	if n := len(res.Stages); n > 0 {
		e.StartedAt = res.Stages[0].Started
		e.Duration = res.Stages[n-1].Finished.Sub(e.StartedAt)
	}

	return e
}

// Store is the run ledger.
type Store struct {
	db *sql.DB
}

// Open opens or creates the ledger at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Join(err, fmt.Errorf("path=%s", path), ErrOpenHistory)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("path=%s", path), ErrOpenHistory)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Join(err, fmt.Errorf("path=%s", path), ErrOpenHistory)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.Join(err, fmt.Errorf("path=%s", path), ErrOpenHistory)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores e. Recording the same run twice replaces the first entry.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.RunID == "" {
		return errors.Join(ErrEmptyRunID, ErrRecordRun)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO runs(run_id, mode, status, exit_code, gateway, anomalies, error, started_at, duration_ms)
VALUES(?,?,?,?,?,?,?,?,?)`,
		e.RunID, e.Mode, e.Status, e.ExitCode, e.Gateway, e.Anomalies, e.Error,
		e.StartedAt.UnixMilli(), e.Duration.Milliseconds())
	if err != nil {
		return errors.Join(err, fmt.Errorf("runID=%s", e.RunID), ErrRecordRun)
	}

	return nil
}

// List returns at most limit entries, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, errors.Join(fmt.Errorf("limit=%d", limit), ErrInvalidLimit)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, mode, status, exit_code, gateway, anomalies, error, started_at, duration_ms
FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Join(err, ErrListHistory)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			startedAt int64
			duration  int64
		)

		if err := rows.Scan(&e.RunID, &e.Mode, &e.Status, &e.ExitCode, &e.Gateway,
			&e.Anomalies, &e.Error, &startedAt, &duration); err != nil {
			return nil, errors.Join(err, ErrListHistory)
		}

		e.StartedAt = time.UnixMilli(startedAt).UTC()
		e.Duration = time.Duration(duration) * time.Millisecond
		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Join(err, ErrListHistory)
	}

	return out, nil
}
