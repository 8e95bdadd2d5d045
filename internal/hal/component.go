/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package hal is the boundary to the hardware-backed signing components
// that generate attestation keys and certificate signing requests.
package hal

import (
	"context"
	"fmt"
	"log"

	"github.com/kentakayama/rkpd-keypool/internal/domain"
	"github.com/kentakayama/rkpd-keypool/internal/domain/model"
)

const (
	// MinSupportedNumKeysInCSR is the smallest batch every component must accept.
	MinSupportedNumKeysInCSR = 20
	// MaxNumKeysInCSR caps batches regardless of what a component advertises.
	MaxNumKeysInCSR = 512
)

// Component is a signing component that produces attestation keys.
type Component interface {
	// Name identifies the component. It is stored with every key it generated.
	Name() string
	// GenerateKeyPair returns the opaque private key handle and the
	// COSE_Mac0 protected COSE_Key of the new key pair.
	GenerateKeyPair(ctx context.Context) (keyBlob, macedPublicKey []byte, err error)
	// GenerateCertificateRequest builds the CSR sent to the provisioning
	// server for the given keys. The result is a CBOR array.
	GenerateCertificateRequest(ctx context.Context, challenge []byte, macedPublicKeys [][]byte) ([]byte, error)
	// MaxBatchSize is the number of keys the component accepts in one CSR.
	MaxBatchSize(ctx context.Context) (int, error)
}

// GenerateKey asks c for a new key pair and decodes its public key.
func GenerateKey(ctx context.Context, c Component) (*model.GeneratedKey, error) {
	blob, maced, err := c.GenerateKeyPair(ctx)
	if err != nil {
		return nil, domain.WrapError(domain.InternalError, "failed to generate key pair", err)
	}
	coseKey, pub, err := ParseMacedPublicKey(maced)
	if err != nil {
		return nil, err
	}
	return &model.GeneratedKey{
		KeyBlob:        blob,
		MacedPublicKey: maced,
		CoseKey:        coseKey,
		Signer:         c.Name(),
		PublicKey:      pub,
	}, nil
}

// BatchSize returns the component's batch size, clamped to
// [MinSupportedNumKeysInCSR, MaxNumKeysInCSR].
func BatchSize(ctx context.Context, c Component, logger *log.Logger) (int, error) {
	if logger == nil {
		logger = log.Default()
	}
	n, err := c.MaxBatchSize(ctx)
	if err != nil {
		return 0, domain.WrapError(domain.InternalError, "failed to read max batch size", err)
	}
	switch {
	case n <= MinSupportedNumKeysInCSR:
		if n < MinSupportedNumKeysInCSR {
			logger.Printf("hal %s: batch size %d too small, defaulting to %d", c.Name(), n, MinSupportedNumKeysInCSR)
		}
		return MinSupportedNumKeysInCSR, nil
	case n > MaxNumKeysInCSR:
		logger.Printf("hal %s: batch size %d too large, capping at %d", c.Name(), n, MaxNumKeysInCSR)
		return MaxNumKeysInCSR, nil
	default:
		return n, nil
	}
}

// Registry holds the components known to the daemon, keyed by name.
type Registry struct {
	components map[string]Component
	order      []string
}

// NewRegistry rejects duplicate names.
func NewRegistry(components ...Component) (*Registry, error) {
	r := &Registry{components: make(map[string]Component, len(components))}
	for _, c := range components {
		if _, ok := r.components[c.Name()]; ok {
			return nil, fmt.Errorf("duplicate signing component %q", c.Name())
		}
		r.components[c.Name()] = c
		r.order = append(r.order, c.Name())
	}
	return r, nil
}

// Lookup returns domain.ErrUnknownSigner for unregistered names.
func (r *Registry) Lookup(name string) (Component, error) {
	c, ok := r.components[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSigner, name)
	}
	return c, nil
}

// All returns the components in registration order.
func (r *Registry) All() []Component {
	out := make([]Component, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.components[name])
	}
	return out
}
