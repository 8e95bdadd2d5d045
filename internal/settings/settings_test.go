/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package settings

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/kentakayama/rkpd-keypool/internal/domain/model"
	"github.com/kentakayama/rkpd-keypool/internal/infra/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testURL = "https://remoteprovisioning.example.com/v1"

func newRepo(t *testing.T) *sqlite.SettingsRepository {
	t.Helper()
	db, err := sqlite.InitDB(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.CloseDB(db) })
	return sqlite.NewSettingsRepository(db)
}

func TestSettings_Defaults(t *testing.T) {
	s, err := Load(context.Background(), newRepo(t), testURL)
	require.NoError(t, err)

	assert.Equal(t, ExtraSignedKeysAvailableDefault, s.ExtraSignedKeysAvailable())
	assert.Equal(t, ExpiringByDefault, s.ExpiringBy())
	assert.Equal(t, MaxRequestTimeDefault, s.MaxRequestTime())
	assert.Equal(t, testURL, s.URL())
	assert.Equal(t, 0, s.FailureCounter())
	assert.Equal(t, 0, s.ErrDataBudgetConsumed())
	assert.GreaterOrEqual(t, s.ID(), 0)
	assert.Less(t, s.ID(), IDUpperBound)
}

func TestSettings_PersistsAcrossLoads(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	s, err := Load(ctx, repo, testURL)
	require.NoError(t, err)
	refresh := 48 * time.Hour
	changed, err := s.SetDeviceConfig(ctx, 12, &refresh, "https://alt.example.com/v1")
	require.NoError(t, err)
	require.True(t, changed)
	_, err = s.IncrementFailureCounter(ctx)
	require.NoError(t, err)

	reloaded, err := Load(ctx, repo, testURL)
	require.NoError(t, err)
	assert.Equal(t, s.ID(), reloaded.ID())
	assert.Equal(t, 12, reloaded.ExtraSignedKeysAvailable())
	assert.Equal(t, refresh, reloaded.ExpiringBy())
	assert.Equal(t, "https://alt.example.com/v1", reloaded.URL())
	assert.Equal(t, 1, reloaded.FailureCounter())
}

func TestSettings_SetDeviceConfigIgnoresAbsentFields(t *testing.T) {
	ctx := context.Background()
	s, err := Load(ctx, newRepo(t), testURL)
	require.NoError(t, err)

	changed, err := s.SetDeviceConfig(ctx, model.NoExtraKeyUpdate, nil, "")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = s.SetDeviceConfig(ctx, ExtraSignedKeysAvailableDefault, nil, testURL)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = s.SetDeviceConfig(ctx, 0, nil, "")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 0, s.ExtraSignedKeysAvailable())
}

func TestSettings_ResetDefaultConfig(t *testing.T) {
	ctx := context.Background()
	s, err := Load(ctx, newRepo(t), testURL)
	require.NoError(t, err)
	id := s.ID()

	refresh := time.Hour
	_, err = s.SetDeviceConfig(ctx, 1, &refresh, "https://alt.example.com/v1")
	require.NoError(t, err)
	require.NoError(t, s.SetMaxRequestTime(ctx, time.Second))
	for i := 0; i < 3; i++ {
		_, err = s.IncrementFailureCounter(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, s.ConsumeErrDataBudget(ctx, 100))

	require.NoError(t, s.ResetDefaultConfig(ctx))
	assert.Equal(t, ExtraSignedKeysAvailableDefault, s.ExtraSignedKeysAvailable())
	assert.Equal(t, ExpiringByDefault, s.ExpiringBy())
	assert.Equal(t, testURL, s.URL())
	assert.Equal(t, MaxRequestTimeDefault, s.MaxRequestTime())
	assert.Equal(t, 0, s.FailureCounter())
	assert.Equal(t, id, s.ID())
	// the budget window is tracked independently of the reset
	assert.Equal(t, 100, s.ErrDataBudgetConsumed())
}

func TestSettings_ErrDataBudget(t *testing.T) {
	ctx := context.Background()
	s, err := Load(ctx, newRepo(t), testURL, WithErrDataBudget(1000, time.Hour))
	require.NoError(t, err)

	now := time.Now()
	ok, err := s.HasErrDataBudget(ctx, now)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.ConsumeErrDataBudget(ctx, 999))
	ok, err = s.HasErrDataBudget(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.ConsumeErrDataBudget(ctx, 1))
	ok, err = s.HasErrDataBudget(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	// a window older than an hour restarts
	ok, err = s.HasErrDataBudget(ctx, now.Add(61*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, s.ErrDataBudgetConsumed())
}

func TestSettings_ConsumeErrDataBudgetSaturates(t *testing.T) {
	ctx := context.Background()
	s, err := Load(ctx, newRepo(t), testURL)
	require.NoError(t, err)

	require.NoError(t, s.ConsumeErrDataBudget(ctx, 0))
	require.NoError(t, s.ConsumeErrDataBudget(ctx, -4))
	assert.Equal(t, 0, s.ErrDataBudgetConsumed())

	require.NoError(t, s.ConsumeErrDataBudget(ctx, math.MaxInt-1))
	require.NoError(t, s.ConsumeErrDataBudget(ctx, 10))
	assert.Equal(t, math.MaxInt, s.ErrDataBudgetConsumed())

	require.NoError(t, s.ClearErrDataBudget(ctx))
	assert.Equal(t, 0, s.ErrDataBudgetConsumed())
}

func TestSettings_ExpirationTime(t *testing.T) {
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := Load(context.Background(), newRepo(t), testURL, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	assert.Equal(t, fixed.Add(ExpiringByDefault), s.ExpirationTime())
}
