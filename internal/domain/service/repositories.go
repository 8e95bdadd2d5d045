/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package service

import (
	"context"
	"time"

	"github.com/kentakayama/rkpd-keypool/internal/domain/model"
)

// ProvisionedKeyRepository defines the interface for attestation key pool persistence.
type ProvisionedKeyRepository interface {
	InsertKeys(ctx context.Context, keys []*model.ProvisionedKey) error
	UpdateKey(ctx context.Context, key *model.ProvisionedKey) error
	DeleteExpiringKeys(ctx context.Context, expiryTime time.Time) error
	DeleteAllKeys(ctx context.Context) error

	CountKeys(ctx context.Context, signer string) (int, error)
	CountUnassignedKeys(ctx context.Context, signer string) (int, error)
	CountExpiringKeys(ctx context.Context, signer string, expiryTime time.Time) (int, error)

	// FindKeyForClient returns nil when no key is assigned to the tuple.
	FindKeyForClient(ctx context.Context, signer string, clientUID, keyID int) (*model.ProvisionedKey, error)
	// GetOrAssignKey returns the key already assigned to the tuple, or
	// atomically claims an unassigned key expiring no earlier than minExpiry.
	// It returns nil when the pool has nothing to hand out.
	GetOrAssignKey(ctx context.Context, signer string, minExpiry time.Time, clientUID, keyID int) (*model.ProvisionedKey, error)
	// UpgradeKeyBlob returns the number of rows rotated. Anything but 0 or 1
	// breaks the key blob uniqueness invariant.
	UpgradeKeyBlob(ctx context.Context, clientUID int, oldKeyBlob, newKeyBlob []byte) (int64, error)
}

// SettingsRepository stores the encoded settings blob.
type SettingsRepository interface {
	// Load returns nil when nothing has been stored yet.
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, blob []byte) error
}
