/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package pool decides when the attestation key pool needs refilling.
package pool

import (
	"context"
	"fmt"
	"math"
	"time"
)

// LimitScaler is the fraction of the extra keys that must remain unassigned
// and unexpiring before provisioning is triggered.
const LimitScaler = 0.4

// PoolStats summarises one signer's pool.
type PoolStats struct {
	KeysInUse            int
	KeysUnassigned       int
	IdealTotalSignedKeys int
	KeysToGenerate       int
}

// Counter is the subset of the key repository needed to size a pool.
type Counter interface {
	CountKeys(ctx context.Context, signer string) (int, error)
	CountUnassignedKeys(ctx context.Context, signer string) (int, error)
	CountExpiringKeys(ctx context.Context, signer string, expiryTime time.Time) (int, error)
}

// MinUnassignedToTriggerProvisioning returns ceil(LimitScaler * extraKeys).
func MinUnassignedToTriggerProvisioning(extraKeys int) int {
	return int(math.Ceil(LimitScaler * float64(extraKeys)))
}

// CalcPoolStats computes the stats from raw counts. When provisioning is
// needed the whole ideal pool is regenerated instead of topping it up.
func CalcPoolStats(total, unassigned, expiring, extraKeys int) PoolStats {
	stats := PoolStats{
		KeysInUse:      total - unassigned,
		KeysUnassigned: unassigned,
	}
	stats.IdealTotalSignedKeys = stats.KeysInUse + extraKeys
	if unassigned-expiring <= MinUnassignedToTriggerProvisioning(extraKeys) {
		stats.KeysToGenerate = stats.IdealTotalSignedKeys
	}
	return stats
}

// ProcessPool reads the current counts for signer and sizes its pool.
// Keys expiring before expirationTime are treated as already gone.
func ProcessPool(ctx context.Context, repo Counter, signer string, extraKeys int, expirationTime time.Time) (PoolStats, error) {
	total, err := repo.CountKeys(ctx, signer)
	if err != nil {
		return PoolStats{}, fmt.Errorf("count keys: %w", err)
	}
	unassigned, err := repo.CountUnassignedKeys(ctx, signer)
	if err != nil {
		return PoolStats{}, fmt.Errorf("count unassigned keys: %w", err)
	}
	expiring, err := repo.CountExpiringKeys(ctx, signer, expirationTime)
	if err != nil {
		return PoolStats{}, fmt.Errorf("count expiring keys: %w", err)
	}
	return CalcPoolStats(total, unassigned, expiring, extraKeys), nil
}
