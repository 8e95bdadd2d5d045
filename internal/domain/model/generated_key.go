/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import "time"

// GeneratedKey is a key pair fresh out of the signing component that has
// not been certified yet. It only lives for one provisioning run.
type GeneratedKey struct {
	KeyBlob        []byte
	MacedPublicKey []byte // COSE_Mac0 wrapping CoseKey
	CoseKey        []byte // COSE_Key
	Signer         string
	PublicKey      []byte // raw P-256 point, x || y
}

// ToProvisionedKey builds the pool row for the key once its certificate
// chain came back from the server.
func (k *GeneratedKey) ToProvisionedKey(chain []byte, expiration time.Time) *ProvisionedKey {
	return &ProvisionedKey{
		KeyBlob:          k.KeyBlob,
		Signer:           k.Signer,
		PublicKey:        k.PublicKey,
		CertificateChain: chain,
		ExpirationTime:   expiration,
	}
}
