/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// InitDB initializes the SQLite database and creates necessary tables.
func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify the connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	// Connection-level pragmas to improve concurrency and reliability.
	// These are executed per-connection; setting them here ensures sensible defaults.
	// NOTE: Some pragmas are persistent per DB file (journal_mode) and return a row.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set PRAGMA foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set PRAGMA journal_mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous = NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set PRAGMA synchronous: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set PRAGMA busy_timeout: %w", err)
	}

	// Create tables and indexes
	if err := createSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}

// createSchema creates all necessary database tables.
func createSchema(ctx context.Context, db *sql.DB) error {
	schema := `
	-- Enable foreign keys
	PRAGMA foreign_keys = ON;

	-- Trust anchors for SUIT manifest signatures
	CREATE TABLE IF NOT EXISTS manifest_signing_keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kid BLOB UNIQUE NOT NULL,
		owner TEXT NOT NULL,
		public_key BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		expired_at TIMESTAMP NOT NULL
	);

	-- Create index on kid for faster lookups
	CREATE INDEX IF NOT EXISTS idx_manifest_signing_keys_kid ON manifest_signing_keys(kid);
	CREATE INDEX IF NOT EXISTS idx_manifest_signing_keys_expired_at ON manifest_signing_keys(expired_at);

	-- Installed SUIT envelopes
	CREATE TABLE IF NOT EXISTS suit_manifests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		manifest BLOB NOT NULL,
		digest BLOB NOT NULL,
		signing_key_id INTEGER, -- NULL for unsigned envelopes
		component_id BLOB NOT NULL,
		sequence_number INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		-- table constraints (placed after column definitions for compatibility)
		FOREIGN KEY (signing_key_id) REFERENCES manifest_signing_keys(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_suit_manifests_digest ON suit_manifests(digest);
	CREATE INDEX IF NOT EXISTS idx_suit_manifests_component_id ON suit_manifests(component_id);
	CREATE INDEX IF NOT EXISTS idx_suit_manifests_signing_key_id ON suit_manifests(signing_key_id);

	-- Composite index to accelerate "find latest by component_id ORDER BY sequence_number DESC"
	CREATE INDEX IF NOT EXISTS idx_suit_manifests_component_seq ON suit_manifests(component_id, sequence_number);
	`

	// Execute schema using transaction
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// CloseDB closes the database connection.
func CloseDB(db *sql.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
