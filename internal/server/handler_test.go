/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package server

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/kentakayama/rkpd-keypool/internal/domain"
	"github.com/kentakayama/rkpd-keypool/internal/domain/model"
	"github.com/kentakayama/rkpd-keypool/internal/hal"
	"github.com/kentakayama/rkpd-keypool/internal/infra/sqlite"
	"github.com/kentakayama/rkpd-keypool/internal/metrics"
	"github.com/kentakayama/rkpd-keypool/internal/registration"
	"github.com/kentakayama/rkpd-keypool/internal/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvisioner struct {
	err     error
	block   bool
	entered chan struct{}
	exited  chan error
}

func (p *stubProvisioner) FetchConfigAndProvision(ctx context.Context, cause string, c hal.Component) error {
	if !p.block {
		return p.err
	}
	p.entered <- struct{}{}
	<-ctx.Done()
	err := domain.ErrInterrupted
	p.exited <- err
	return err
}

func (p *stubProvisioner) IsProvisioningNeeded(ctx context.Context, signer string) (bool, error) {
	return false, nil
}

type fixture struct {
	ts   *httptest.Server
	repo *sqlite.ProvisionedKeyRepository
}

func newFixture(t *testing.T, p registration.Provisioner) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := log.New(io.Discard, "", 0)

	db, err := sqlite.InitDB(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.CloseDB(db) })

	st, err := settings.Load(ctx, sqlite.NewSettingsRepository(db), "http://127.0.0.1:1/v1", settings.WithLogger(logger))
	require.NoError(t, err)
	comp, err := hal.NewSoftwareComponent("default", 20)
	require.NoError(t, err)
	registry, err := hal.NewRegistry(comp)
	require.NoError(t, err)

	repo := sqlite.NewProvisionedKeyRepository(db)
	m := metrics.New()
	svc := registration.NewService(registration.Config{
		Repository:  repo,
		Registry:    registry,
		Provisioner: p,
		Settings:    st,
		Metrics:     m,
		Workers:     2,
		Logger:      logger,
	})
	t.Cleanup(svc.Close)

	srv := New("127.0.0.1:0", svc, m, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, repo: repo}
}

func (f *fixture) insertKey(t *testing.T, blob string) {
	t.Helper()
	pub := make([]byte, 64)
	copy(pub, blob)
	require.NoError(t, f.repo.InsertKeys(context.Background(), []*model.ProvisionedKey{{
		KeyBlob:          []byte(blob),
		Signer:           "default",
		PublicKey:        pub,
		CertificateChain: []byte("chain-" + blob),
		ExpirationTime:   time.Now().Add(30 * 24 * time.Hour),
	}}))
}

func (f *fixture) post(t *testing.T, ctx context.Context, path string, v any) (*http.Response, error) {
	t.Helper()
	body, err := cbor.Marshal(v)
	require.NoError(t, err)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.ts.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentTypeCBOR)
	return f.ts.Client().Do(req)
}

func decodeError(t *testing.T, resp *http.Response) errorResponse {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var e errorResponse
	require.NoError(t, cbor.Unmarshal(b, &e))
	return e
}

func TestGetKey_Success(t *testing.T) {
	f := newFixture(t, &stubProvisioner{})
	f.insertKey(t, "k1")

	resp, err := f.post(t, context.Background(), "/v1/keys:get", getKeyRequest{Signer: "default", ClientUID: 10, KeyID: 1})
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, contentTypeCBOR, resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	_, err = uuid.Parse(resp.Header.Get("X-Request-Id"))
	assert.NoError(t, err)

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var key model.RemotelyProvisionedKey
	require.NoError(t, cbor.Unmarshal(b, &key))
	assert.Equal(t, []byte("k1"), key.KeyBlob)
	assert.Equal(t, []byte("chain-k1"), key.EncodedCertChain)
}

func TestGetKey_UnknownSigner(t *testing.T) {
	f := newFixture(t, &stubProvisioner{})

	resp, err := f.post(t, context.Background(), "/v1/keys:get", getKeyRequest{Signer: "strongbox", ClientUID: 10, KeyID: 1})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "ERROR_UNKNOWN_SIGNER", decodeError(t, resp).Error)
}

func TestGetKey_ErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"no network", domain.NewError(domain.NoNetworkConnectivity, "offline"), http.StatusServiceUnavailable, "ERROR_PENDING_INTERNET_CONNECTIVITY"},
		{"not registered", domain.NewHTTPError(domain.HTTPStatusDeviceNotRegistered), http.StatusForbidden, "ERROR_PERMANENT"},
		{"no keys", nil, http.StatusInternalServerError, "ERROR_UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, &stubProvisioner{err: tt.err})

			resp, err := f.post(t, context.Background(), "/v1/keys:get", getKeyRequest{Signer: "default", ClientUID: 10, KeyID: 1})
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, decodeError(t, resp).Error)
		})
	}
}

func TestGetKey_ClientDisconnectCancels(t *testing.T) {
	p := &stubProvisioner{block: true, entered: make(chan struct{}, 1), exited: make(chan error, 1)}
	f := newFixture(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		resp, err := f.post(t, ctx, "/v1/keys:get", getKeyRequest{Signer: "default", ClientUID: 10, KeyID: 1})
		if err == nil {
			resp.Body.Close()
		}
		errc <- err
	}()

	select {
	case <-p.entered:
	case <-time.After(10 * time.Second):
		t.Fatal("provisioning never started")
	}
	cancel()

	select {
	case err := <-p.exited:
		assert.ErrorIs(t, err, domain.ErrInterrupted)
	case <-time.After(10 * time.Second):
		t.Fatal("provisioning was not cancelled")
	}
	assert.Error(t, <-errc)
}

func TestUpgradeKey(t *testing.T) {
	f := newFixture(t, &stubProvisioner{})
	f.insertKey(t, "k1")

	resp, err := f.post(t, context.Background(), "/v1/keys:get", getKeyRequest{Signer: "default", ClientUID: 10, KeyID: 1})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = f.post(t, context.Background(), "/v1/keys:upgrade", upgradeKeyRequest{
		Signer: "default", ClientUID: 10, OldKeyBlob: []byte("k1"), NewKeyBlob: []byte("k1-upgraded"),
	})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = f.post(t, context.Background(), "/v1/keys:upgrade", upgradeKeyRequest{
		Signer: "default", ClientUID: 10, OldKeyBlob: []byte("k1"), NewKeyBlob: []byte("k1-again"),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "ERROR_KEY_NOT_FOUND", decodeError(t, resp).Error)

	resp, err = f.post(t, context.Background(), "/v1/keys:upgrade", upgradeKeyRequest{Signer: "default", ClientUID: 10})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_RejectsBadRequests(t *testing.T) {
	f := newFixture(t, &stubProvisioner{})

	resp, err := f.ts.Client().Post(f.ts.URL+"/v1/keys:get", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	resp, err = f.ts.Client().Post(f.ts.URL+"/v1/keys:get", contentTypeCBOR, strings.NewReader("\xff\xff"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = f.ts.Client().Get(f.ts.URL + "/v1/keys:get")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = f.post(t, context.Background(), "/v1/unknown", getKeyRequest{})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_Metrics(t *testing.T) {
	f := newFixture(t, &stubProvisioner{})

	resp, err := f.ts.Client().Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
