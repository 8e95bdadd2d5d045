/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package rkp

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kentakayama/rkpd-keypool/internal/domain"
	"github.com/kentakayama/rkpd-keypool/internal/domain/model"
)

// EEK curves.
const (
	CurveP256  = 1
	Curve25519 = 2
)

// Device config keys pushed by the server.
const (
	ExtraKeysKey       = "num_extra_attestation_keys"
	TimeToRefreshKey   = "time_to_refresh_hours"
	ProvisioningURLKey = "provisioning_url"
)

// Upper bounds for server-pushed values.
const (
	MaxExtraKeys          = 1000
	MaxTimeToRefreshHours = 24 * 365
)

// ProvisioningInfo is the body of the config request.
type ProvisioningInfo struct {
	Fingerprint string `cbor:"fingerprint"`
	ID          int    `cbor:"id"`
}

// UnverifiedDeviceInfo is appended to the component's CSR.
type UnverifiedDeviceInfo struct {
	Fingerprint string `cbor:"fingerprint"`
}

// EncodeProvisioningInfo encodes the config request body.
func EncodeProvisioningInfo(fingerprint string, id int) ([]byte, error) {
	return cbor.Marshal(ProvisioningInfo{Fingerprint: fingerprint, ID: id})
}

// AppendUnverifiedDeviceInfo appends {"fingerprint": fingerprint} to the
// CBOR array csr.
func AppendUnverifiedDeviceInfo(csr []byte, fingerprint string) ([]byte, error) {
	if fingerprint == "" {
		return nil, domain.NewError(domain.InternalError, "unverified device info missing fingerprint")
	}
	var items []cbor.RawMessage
	if err := cbor.Unmarshal(csr, &items); err != nil {
		return nil, domain.WrapError(domain.InternalError, "certificate request is not a CBOR array", err)
	}
	info, err := cbor.Marshal(UnverifiedDeviceInfo{Fingerprint: fingerprint})
	if err != nil {
		return nil, domain.WrapError(domain.InternalError, "encode unverified device info", err)
	}
	return cbor.Marshal(append(items, info))
}

// ParseServerConfig decodes the config response:
//
//	[ [ [curve, EekChain], ... ], challenge, ? { device config } ]
func ParseServerConfig(body []byte) (*model.ServerConfig, error) {
	var items []cbor.RawMessage
	if err := cbor.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("response is not an array: %w", err)
	}
	if len(items) != 2 && len(items) != 3 {
		return nil, fmt.Errorf("response has %d entries, want 2 or 3", len(items))
	}

	var curveAndChains []cbor.RawMessage
	if err := cbor.Unmarshal(items[0], &curveAndChains); err != nil {
		return nil, fmt.Errorf("EEK list is not an array: %w", err)
	}
	cfg := &model.ServerConfig{
		GeekChains: make(map[int][]byte, len(curveAndChains)),
		ExtraKeys:  model.NoExtraKeyUpdate,
	}
	for i, raw := range curveAndChains {
		var entry []cbor.RawMessage
		if err := cbor.Unmarshal(raw, &entry); err != nil || len(entry) != 2 {
			return nil, fmt.Errorf("EEK entry %d is not a [curve, chain] pair", i)
		}
		var curve uint64
		if err := cbor.Unmarshal(entry[0], &curve); err != nil {
			return nil, fmt.Errorf("EEK entry %d curve: %w", i, err)
		}
		var chain []cbor.RawMessage
		if err := cbor.Unmarshal(entry[1], &chain); err != nil {
			return nil, fmt.Errorf("EEK entry %d chain is not an array: %w", i, err)
		}
		cfg.GeekChains[int(curve)] = []byte(entry[1])
	}

	if err := cbor.Unmarshal(items[1], &cfg.Challenge); err != nil {
		return nil, fmt.Errorf("challenge is not a byte string: %w", err)
	}

	if len(items) == 3 {
		if err := parseDeviceConfig(items[2], cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func parseDeviceConfig(raw cbor.RawMessage, cfg *model.ServerConfig) error {
	var m map[string]cbor.RawMessage
	if err := cbor.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("device config is not a map: %w", err)
	}
	if v, ok := m[ExtraKeysKey]; ok {
		var n uint64
		if err := cbor.Unmarshal(v, &n); err != nil {
			return fmt.Errorf("%s: %w", ExtraKeysKey, err)
		}
		if n > MaxExtraKeys {
			return fmt.Errorf("%s: %d exceeds %d", ExtraKeysKey, n, MaxExtraKeys)
		}
		cfg.ExtraKeys = int(n)
	}
	if v, ok := m[TimeToRefreshKey]; ok {
		var hours uint64
		if err := cbor.Unmarshal(v, &hours); err != nil {
			return fmt.Errorf("%s: %w", TimeToRefreshKey, err)
		}
		if hours > MaxTimeToRefreshHours {
			return fmt.Errorf("%s: %d exceeds %d", TimeToRefreshKey, hours, MaxTimeToRefreshHours)
		}
		d := time.Duration(hours) * time.Hour
		cfg.TimeToRefresh = &d
	}
	if v, ok := m[ProvisioningURLKey]; ok {
		if err := cbor.Unmarshal(v, &cfg.ProvisioningURL); err != nil {
			return fmt.Errorf("%s: %w", ProvisioningURLKey, err)
		}
	}
	return nil
}

// signedCertificates is the sign response: [ shared, [ unique... ] ].
type signedCertificates struct {
	_      struct{} `cbor:",toarray"`
	Shared []byte
	Unique [][]byte
}

// ParseSignedCertificates decodes the sign response into one DER chain per
// key, each being its unique certificates followed by the shared ones.
func ParseSignedCertificates(body []byte) ([][]byte, error) {
	var items []cbor.RawMessage
	if err := cbor.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("response is not an array: %w", err)
	}
	if len(items) != 2 {
		return nil, fmt.Errorf("response has %d entries, want 2", len(items))
	}
	var resp signedCertificates
	if err := cbor.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed certificate list: %w", err)
	}
	chains := make([][]byte, 0, len(resp.Unique))
	for _, unique := range resp.Unique {
		chain := make([]byte, 0, len(unique)+len(resp.Shared))
		chain = append(chain, unique...)
		chain = append(chain, resp.Shared...)
		chains = append(chains, chain)
	}
	return chains, nil
}

// EncodeServerConfig encodes a config response. It is the inverse of
// ParseServerConfig and is used by fake servers.
func EncodeServerConfig(cfg *model.ServerConfig) ([]byte, error) {
	curveAndChains := make([]any, 0, len(cfg.GeekChains))
	for curve, chain := range cfg.GeekChains {
		curveAndChains = append(curveAndChains, []any{curve, cbor.RawMessage(chain)})
	}
	items := []any{curveAndChains, cfg.Challenge}

	deviceConfig := map[string]any{}
	if cfg.ExtraKeys != model.NoExtraKeyUpdate {
		deviceConfig[ExtraKeysKey] = cfg.ExtraKeys
	}
	if cfg.TimeToRefresh != nil {
		deviceConfig[TimeToRefreshKey] = int(cfg.TimeToRefresh.Hours())
	}
	if cfg.ProvisioningURL != "" {
		deviceConfig[ProvisioningURLKey] = cfg.ProvisioningURL
	}
	if len(deviceConfig) > 0 {
		items = append(items, deviceConfig)
	}
	return cbor.Marshal(items)
}

// EncodeSignedCertificates encodes a sign response.
func EncodeSignedCertificates(shared []byte, unique [][]byte) ([]byte, error) {
	return cbor.Marshal(signedCertificates{Shared: shared, Unique: unique})
}
