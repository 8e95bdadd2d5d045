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

	"github.com/kentakayama/rkpd-keypool/internal/domain/model"
	"github.com/mattn/go-sqlite3"
)

// ProvisionedKeyRepository handles attestation key pool persistence.
type ProvisionedKeyRepository struct {
	db *sql.DB
}

// NewProvisionedKeyRepository creates a new instance of ProvisionedKeyRepository.
func NewProvisionedKeyRepository(db *sql.DB) *ProvisionedKeyRepository {
	return &ProvisionedKeyRepository{db: db}
}

const keyColumns = `key_blob, irpc_hal, public_key, certificate_chain, expiration_time, client_uid, key_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*model.ProvisionedKey, error) {
	var k model.ProvisionedKey
	var expirationMillis int64
	var clientUID, keyID sql.NullInt64
	if err := row.Scan(&k.KeyBlob, &k.Signer, &k.PublicKey, &k.CertificateChain, &expirationMillis, &clientUID, &keyID); err != nil {
		return nil, err
	}
	k.ExpirationTime = time.UnixMilli(expirationMillis).UTC()
	if clientUID.Valid {
		v := int(clientUID.Int64)
		k.ClientUID = &v
	}
	if keyID.Valid {
		v := int(keyID.Int64)
		k.KeyID = &v
	}
	return &k, nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

// InsertKeys stores freshly certified keys in a single transaction.
func (r *ProvisionedKeyRepository) InsertKeys(ctx context.Context, keys []*model.ProvisionedKey) error {
	const q = `
		INSERT INTO provisioned_keys (` + keyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, k.KeyBlob, k.Signer, k.PublicKey, k.CertificateChain,
			k.ExpirationTime.UnixMilli(), nullableInt(k.ClientUID), nullableInt(k.KeyID)); err != nil {
			return fmt.Errorf("insert provisioned key: %w", err)
		}
	}
	return tx.Commit()
}

// UpdateKey overwrites the row identified by key.KeyBlob.
func (r *ProvisionedKeyRepository) UpdateKey(ctx context.Context, key *model.ProvisionedKey) error {
	const q = `
		UPDATE provisioned_keys
		SET irpc_hal = ?, public_key = ?, certificate_chain = ?, expiration_time = ?, client_uid = ?, key_id = ?
		WHERE key_blob = ?
	`
	_, err := r.db.ExecContext(ctx, q, key.Signer, key.PublicKey, key.CertificateChain,
		key.ExpirationTime.UnixMilli(), nullableInt(key.ClientUID), nullableInt(key.KeyID), key.KeyBlob)
	if err != nil {
		return fmt.Errorf("update provisioned key: %w", err)
	}
	return nil
}

// DeleteExpiringKeys deletes every key expiring before expiryTime.
func (r *ProvisionedKeyRepository) DeleteExpiringKeys(ctx context.Context, expiryTime time.Time) error {
	const q = `DELETE FROM provisioned_keys WHERE expiration_time < ?`
	if _, err := r.db.ExecContext(ctx, q, expiryTime.UnixMilli()); err != nil {
		return fmt.Errorf("delete expiring keys: %w", err)
	}
	return nil
}

// DeleteAllKeys empties the pool.
func (r *ProvisionedKeyRepository) DeleteAllKeys(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM provisioned_keys`); err != nil {
		return fmt.Errorf("delete all keys: %w", err)
	}
	return nil
}

func (r *ProvisionedKeyRepository) count(ctx context.Context, q string, args ...any) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count keys: %w", err)
	}
	return n, nil
}

// CountKeys returns the number of keys attested for signer.
func (r *ProvisionedKeyRepository) CountKeys(ctx context.Context, signer string) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM provisioned_keys WHERE irpc_hal = ?`, signer)
}

// CountUnassignedKeys returns the number of keys of signer that can still be handed out.
func (r *ProvisionedKeyRepository) CountUnassignedKeys(ctx context.Context, signer string) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM provisioned_keys WHERE client_uid IS NULL AND irpc_hal = ?`, signer)
}

// CountExpiringKeys returns the number of keys of signer, assigned or not, expiring before expiryTime.
func (r *ProvisionedKeyRepository) CountExpiringKeys(ctx context.Context, signer string, expiryTime time.Time) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM provisioned_keys WHERE expiration_time < ? AND irpc_hal = ?`,
		expiryTime.UnixMilli(), signer)
}

// FindKeyForClient returns the key assigned to (signer, clientUID, keyID), or nil.
func (r *ProvisionedKeyRepository) FindKeyForClient(ctx context.Context, signer string, clientUID, keyID int) (*model.ProvisionedKey, error) {
	const q = `
		SELECT ` + keyColumns + `
		FROM provisioned_keys
		WHERE client_uid = ? AND irpc_hal = ? AND key_id = ?
		LIMIT 1
	`
	k, err := scanKey(r.db.QueryRowContext(ctx, q, clientUID, signer, keyID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan provisioned key: %w", err)
	}
	return k, nil
}

// GetOrAssignKey returns the key already assigned to the tuple, or else
// assigns one unassigned key expiring at or after minExpiry. The claim is a
// single UPDATE statement, so two callers can never take the same row.
func (r *ProvisionedKeyRepository) GetOrAssignKey(ctx context.Context, signer string, minExpiry time.Time, clientUID, keyID int) (*model.ProvisionedKey, error) {
	existing, err := r.FindKeyForClient(ctx, signer, clientUID, keyID)
	if err != nil || existing != nil {
		return existing, err
	}

	const q = `
		UPDATE provisioned_keys
		SET client_uid = ?, key_id = ?
		WHERE client_uid IS NULL AND key_blob = (
			SELECT key_blob
			FROM provisioned_keys
			WHERE client_uid IS NULL AND irpc_hal = ? AND expiration_time >= ?
			LIMIT 1
		)
		RETURNING ` + keyColumns
	k, err := scanKey(r.db.QueryRowContext(ctx, q, clientUID, keyID, signer, minExpiry.UnixMilli()))
	if err == nil {
		return k, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if isUniqueViolation(err) {
		// a concurrent request for the same tuple won the claim
		return r.FindKeyForClient(ctx, signer, clientUID, keyID)
	}
	return nil, fmt.Errorf("assign provisioned key: %w", err)
}

// UpgradeKeyBlob stores newKeyBlob in place of oldKeyBlob for a key owned by clientUID.
func (r *ProvisionedKeyRepository) UpgradeKeyBlob(ctx context.Context, clientUID int, oldKeyBlob, newKeyBlob []byte) (int64, error) {
	const q = `
		UPDATE provisioned_keys
		SET key_blob = ?
		WHERE key_blob = ? AND client_uid = ?
	`
	res, err := r.db.ExecContext(ctx, q, newKeyBlob, oldKeyBlob, clientUID)
	if err != nil {
		return 0, fmt.Errorf("upgrade key blob: %w", err)
	}
	return res.RowsAffected()
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique || serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
