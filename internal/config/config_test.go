/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.Addr)
	assert.Equal(t, int64(8), c.Workers)
	assert.Equal(t, 24*time.Hour, c.MaintenanceInterval)
	assert.Equal(t, 5, c.FailureResetThreshold)
	require.Len(t, c.Components, 1)
	assert.Equal(t, "default", c.Components[0].Name)
	assert.Equal(t, 20*time.Second, c.Server.AttemptTimeout)
	assert.Equal(t, 100*time.Millisecond, c.Server.InitialBackoff)
	assert.Equal(t, 2.0, c.Server.BackoffMultiplier)
	assert.Equal(t, 1<<20, c.Server.ErrDataBudget)
	assert.Equal(t, 24*time.Hour, c.Server.ErrDataBudgetWindow)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rkpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path: /var/lib/rkpd/pool.db
components:
  - name: default
    max_batch_size: 64
  - name: strongbox
    max_batch_size: 1
server:
  base_url: https://rkp.example.org/v1
`), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/rkpd/pool.db", c.DBPath)
	require.Len(t, c.Components, 2)
	assert.Equal(t, "strongbox", c.Components[1].Name)
	assert.Equal(t, "https://rkp.example.org/v1", c.Server.BaseURL)
	// untouched keys keep their defaults
	assert.Equal(t, 20*time.Second, c.Server.AttemptTimeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RKPD_SERVER_URL", "https://env.example.org/v1")
	t.Setenv("RKPD_DB_PATH", ":memory:")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.org/v1", c.Server.BaseURL)
	assert.Equal(t, ":memory:", c.DBPath)
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rkpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
components:
  - name: a
  - name: a
`), 0o600))
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
