/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SettingsRepository persists the encoded settings blob in a single row.
type SettingsRepository struct {
	db *sql.DB
}

func NewSettingsRepository(db *sql.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Load returns the stored blob, or nil when nothing has been saved.
func (r *SettingsRepository) Load(ctx context.Context) ([]byte, error) {
	const q = `SELECT value FROM settings WHERE id = 1`
	var blob []byte
	if err := r.db.QueryRowContext(ctx, q).Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan settings: %w", err)
	}
	return blob, nil
}

// Save replaces the stored blob.
func (r *SettingsRepository) Save(ctx context.Context, blob []byte) error {
	const q = `
		INSERT INTO settings (id, value, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	if _, err := r.db.ExecContext(ctx, q, blob, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
