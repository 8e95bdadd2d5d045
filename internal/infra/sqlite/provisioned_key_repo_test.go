/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kentakayama/rkpd-keypool/internal/domain/model"
)

const testSigner = "default"

func newTestKey(blob string, expiration time.Time) *model.ProvisionedKey {
	return &model.ProvisionedKey{
		KeyBlob:          []byte(blob),
		Signer:           testSigner,
		PublicKey:        []byte("pub-" + blob),
		CertificateChain: []byte("chain-" + blob),
		ExpirationTime:   expiration,
	}
}

func openMemoryRepo(t *testing.T) *ProvisionedKeyRepository {
	t.Helper()
	db, err := InitDB(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("InitDB error: %v", err)
	}
	t.Cleanup(func() { CloseDB(db) })
	return NewProvisionedKeyRepository(db)
}

func TestProvisionedKey_InsertAndCount(t *testing.T) {
	ctx := context.Background()
	repo := openMemoryRepo(t)
	now := time.Now().UTC()

	keys := []*model.ProvisionedKey{
		newTestKey("k1", now.Add(1*time.Hour)),
		newTestKey("k2", now.Add(48*time.Hour)),
		newTestKey("k3", now.Add(96*time.Hour)),
	}
	other := newTestKey("k4", now.Add(96*time.Hour))
	other.Signer = "strongbox"
	keys = append(keys, other)

	if err := repo.InsertKeys(ctx, keys); err != nil {
		t.Fatalf("InsertKeys error: %v", err)
	}

	total, err := repo.CountKeys(ctx, testSigner)
	if err != nil {
		t.Fatalf("CountKeys error: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 keys, got %d", total)
	}

	expiring, err := repo.CountExpiringKeys(ctx, testSigner, now.Add(72*time.Hour))
	if err != nil {
		t.Fatalf("CountExpiringKeys error: %v", err)
	}
	if expiring != 2 {
		t.Fatalf("expected 2 expiring keys, got %d", expiring)
	}

	unassigned, err := repo.CountUnassignedKeys(ctx, "strongbox")
	if err != nil {
		t.Fatalf("CountUnassignedKeys error: %v", err)
	}
	if unassigned != 1 {
		t.Fatalf("expected 1 unassigned strongbox key, got %d", unassigned)
	}
}

func TestProvisionedKey_InsertDuplicateBlobRollsBack(t *testing.T) {
	ctx := context.Background()
	repo := openMemoryRepo(t)
	now := time.Now().UTC()

	err := repo.InsertKeys(ctx, []*model.ProvisionedKey{
		newTestKey("dup", now.Add(time.Hour)),
		newTestKey("dup", now.Add(time.Hour)),
	})
	if err == nil {
		t.Fatalf("expected error for duplicate key blob")
	}
	total, err := repo.CountKeys(ctx, testSigner)
	if err != nil {
		t.Fatalf("CountKeys error: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected rollback to leave 0 keys, got %d", total)
	}
}

func TestProvisionedKey_GetOrAssignKey(t *testing.T) {
	ctx := context.Background()
	repo := openMemoryRepo(t)
	now := time.Now().UTC()

	if err := repo.InsertKeys(ctx, []*model.ProvisionedKey{
		newTestKey("soon", now.Add(30*time.Minute)),
		newTestKey("later", now.Add(100*time.Hour)),
	}); err != nil {
		t.Fatalf("InsertKeys error: %v", err)
	}

	got, err := repo.GetOrAssignKey(ctx, testSigner, now.Add(72*time.Hour), 1000, 1)
	if err != nil {
		t.Fatalf("GetOrAssignKey error: %v", err)
	}
	if got == nil {
		t.Fatalf("expected a key, got nil")
	}
	if string(got.KeyBlob) != "later" {
		t.Fatalf("expected key 'later', got %q", got.KeyBlob)
	}
	if !got.Assigned() || *got.ClientUID != 1000 || *got.KeyID != 1 {
		t.Fatalf("expected assignment (1000, 1), got %+v", got)
	}

	// the same tuple gets the same key back
	again, err := repo.GetOrAssignKey(ctx, testSigner, now.Add(72*time.Hour), 1000, 1)
	if err != nil {
		t.Fatalf("GetOrAssignKey error: %v", err)
	}
	if !got.Equal(again) {
		t.Fatalf("expected identical key, got %+v vs %+v", got, again)
	}

	// nothing left past the horizon for a new tuple
	none, err := repo.GetOrAssignKey(ctx, testSigner, now.Add(72*time.Hour), 1000, 2)
	if err != nil {
		t.Fatalf("GetOrAssignKey error: %v", err)
	}
	if none != nil {
		t.Fatalf("expected nil, got %+v", none)
	}

	found, err := repo.FindKeyForClient(ctx, testSigner, 1000, 1)
	if err != nil {
		t.Fatalf("FindKeyForClient error: %v", err)
	}
	if found == nil || string(found.KeyBlob) != "later" {
		t.Fatalf("expected assigned key, got %+v", found)
	}
	if found.ExpirationTime.UnixMilli() != now.Add(100*time.Hour).UnixMilli() {
		t.Fatalf("expiration not preserved: %v", found.ExpirationTime)
	}
}

func TestProvisionedKey_ConcurrentClaimSingleRow(t *testing.T) {
	ctx := context.Background()
	db, err := InitDB(ctx, filepath.Join(t.TempDir(), "pool.db"))
	if err != nil {
		t.Fatalf("InitDB error: %v", err)
	}
	defer CloseDB(db)
	repo := NewProvisionedKeyRepository(db)
	now := time.Now().UTC()

	if err := repo.InsertKeys(ctx, []*model.ProvisionedKey{newTestKey("only", now.Add(100*time.Hour))}); err != nil {
		t.Fatalf("InsertKeys error: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan *model.ProvisionedKey, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(uid int) {
			defer wg.Done()
			k, err := repo.GetOrAssignKey(ctx, testSigner, now.Add(time.Hour), uid, 7)
			if err != nil {
				errs <- err
				return
			}
			results <- k
		}(10000 + i)
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("GetOrAssignKey error: %v", err)
	}
	claimed := 0
	empty := 0
	for k := range results {
		if k != nil {
			claimed++
		} else {
			empty++
		}
	}
	if claimed != 1 || empty != workers-1 {
		t.Fatalf("expected exactly 1 claim and %d empty, got %d and %d", workers-1, claimed, empty)
	}
}

func TestProvisionedKey_DeleteExpiringAndAll(t *testing.T) {
	ctx := context.Background()
	repo := openMemoryRepo(t)
	now := time.Now().UTC()

	var keys []*model.ProvisionedKey
	for i := 0; i < 4; i++ {
		keys = append(keys, newTestKey(fmt.Sprintf("k%d", i), now.Add(time.Duration(i)*time.Hour)))
	}
	if err := repo.InsertKeys(ctx, keys); err != nil {
		t.Fatalf("InsertKeys error: %v", err)
	}

	if err := repo.DeleteExpiringKeys(ctx, now.Add(90*time.Minute)); err != nil {
		t.Fatalf("DeleteExpiringKeys error: %v", err)
	}
	total, _ := repo.CountKeys(ctx, testSigner)
	if total != 2 {
		t.Fatalf("expected 2 keys after expiry sweep, got %d", total)
	}

	if err := repo.DeleteAllKeys(ctx); err != nil {
		t.Fatalf("DeleteAllKeys error: %v", err)
	}
	total, _ = repo.CountKeys(ctx, testSigner)
	if total != 0 {
		t.Fatalf("expected empty pool, got %d", total)
	}
}

func TestProvisionedKey_UpdateKey(t *testing.T) {
	ctx := context.Background()
	repo := openMemoryRepo(t)
	now := time.Now().UTC()

	key := newTestKey("k", now.Add(time.Hour))
	if err := repo.InsertKeys(ctx, []*model.ProvisionedKey{key}); err != nil {
		t.Fatalf("InsertKeys error: %v", err)
	}
	uid, keyID := 5, 9
	key.ClientUID = &uid
	key.KeyID = &keyID
	key.CertificateChain = []byte("new-chain")
	if err := repo.UpdateKey(ctx, key); err != nil {
		t.Fatalf("UpdateKey error: %v", err)
	}

	got, err := repo.FindKeyForClient(ctx, testSigner, 5, 9)
	if err != nil {
		t.Fatalf("FindKeyForClient error: %v", err)
	}
	if got == nil || string(got.CertificateChain) != "new-chain" {
		t.Fatalf("expected updated key, got %+v", got)
	}
}

func TestProvisionedKey_UpgradeKeyBlob(t *testing.T) {
	ctx := context.Background()
	repo := openMemoryRepo(t)
	now := time.Now().UTC()

	if err := repo.InsertKeys(ctx, []*model.ProvisionedKey{newTestKey("old", now.Add(100*time.Hour))}); err != nil {
		t.Fatalf("InsertKeys error: %v", err)
	}
	if _, err := repo.GetOrAssignKey(ctx, testSigner, now, 42, 3); err != nil {
		t.Fatalf("GetOrAssignKey error: %v", err)
	}

	n, err := repo.UpgradeKeyBlob(ctx, 43, []byte("old"), []byte("new"))
	if err != nil {
		t.Fatalf("UpgradeKeyBlob error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 rows for foreign uid, got %d", n)
	}

	n, err = repo.UpgradeKeyBlob(ctx, 42, []byte("old"), []byte("new"))
	if err != nil {
		t.Fatalf("UpgradeKeyBlob error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}

	got, err := repo.FindKeyForClient(ctx, testSigner, 42, 3)
	if err != nil {
		t.Fatalf("FindKeyForClient error: %v", err)
	}
	if got == nil || string(got.KeyBlob) != "new" {
		t.Fatalf("expected rotated blob with preserved assignment, got %+v", got)
	}
}
