// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DB wraps the sqlite handle and owns schema migrations.
type DB struct {
	*sql.DB
}

func New(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc sqlite serializes writes anyway; a single writer connection
	// avoids SQLITE_BUSY under concurrent job updates.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	db := &DB{DB: sqlDB}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		work_key TEXT NOT NULL,
		state TEXT NOT NULL,
		active_transfer_id TEXT,
		active_candidate_id TEXT,
		excluded_candidate_ids TEXT NOT NULL DEFAULT '[]',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		last_error TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs (state)`,
	`CREATE TABLE IF NOT EXISTS job_candidates (
		job_id TEXT NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
		candidate_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (job_id, candidate_id)
	)`,
	`CREATE TABLE IF NOT EXISTS pending_operations (
		id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		reason TEXT NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0,
		saved_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		resolved_at DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_operations_resolved ON pending_operations (resolved)`,
	`CREATE TABLE IF NOT EXISTS ratio_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		current_ratio REAL NOT NULL,
		membership_budget INTEGER NOT NULL,
		membership_at_risk INTEGER NOT NULL,
		sampled_at DATETIME NOT NULL
	)`,
}

func (db *DB) migrate(ctx context.Context) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", len(migrations))); err != nil {
		return fmt.Errorf("failed to bump schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Debug().Int("from", version).Int("to", len(migrations)).Msg("Applied database migrations")
	return nil
}
