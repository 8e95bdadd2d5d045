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

const memoryPath = ":memory:"

// InitDB initializes the SQLite database and creates necessary tables.
func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	dsn := dbPath
	if dbPath != memoryPath {
		// Pragmas passed through the DSN are applied to every pooled connection.
		dsn = fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify the connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if dbPath == memoryPath {
		// every connection to :memory: opens a distinct database
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set PRAGMA foreign_keys: %w", err)
		}
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
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
	-- Attestation key pool
	CREATE TABLE IF NOT EXISTS provisioned_keys (
		key_blob BLOB PRIMARY KEY NOT NULL,
		irpc_hal TEXT NOT NULL,
		public_key BLOB NOT NULL,
		certificate_chain BLOB NOT NULL,
		expiration_time INTEGER NOT NULL, -- unix milliseconds
		client_uid INTEGER,
		key_id INTEGER
	);

	-- A caller's logical key maps to at most one pool entry per signer.
	-- Unassigned rows carry NULLs, which never collide.
	CREATE UNIQUE INDEX IF NOT EXISTS uniq_provisioned_keys_assignment ON provisioned_keys(client_uid, key_id, irpc_hal);
	CREATE INDEX IF NOT EXISTS idx_provisioned_keys_expiration_time ON provisioned_keys(expiration_time);
	CREATE INDEX IF NOT EXISTS idx_provisioned_keys_irpc_hal ON provisioned_keys(irpc_hal);

	-- Settings blob (single row)
	CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
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
