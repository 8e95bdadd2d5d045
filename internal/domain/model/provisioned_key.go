/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import (
	"bytes"
	"time"
)

// ProvisionedKey is one entry of the attestation key pool.
type ProvisionedKey struct {
	KeyBlob          []byte // Primary Key
	Signer           string // name of the signing component that generated the key
	PublicKey        []byte // raw P-256 point, x || y
	CertificateChain []byte // DER, leaf first
	ExpirationTime   time.Time
	ClientUID        *int // NULL while unassigned
	KeyID            *int // NULL while unassigned
}

// Assigned reports whether the key has been handed to a caller.
func (k *ProvisionedKey) Assigned() bool {
	return k.ClientUID != nil && k.KeyID != nil
}

// Equal compares two keys, truncating expiration times to milliseconds as
// that is the precision the pool is stored with.
func (k *ProvisionedKey) Equal(o *ProvisionedKey) bool {
	if k == nil || o == nil {
		return k == o
	}
	return bytes.Equal(k.KeyBlob, o.KeyBlob) &&
		k.Signer == o.Signer &&
		bytes.Equal(k.PublicKey, o.PublicKey) &&
		bytes.Equal(k.CertificateChain, o.CertificateChain) &&
		k.ExpirationTime.Truncate(time.Millisecond).Equal(o.ExpirationTime.Truncate(time.Millisecond)) &&
		equalIntPtr(k.ClientUID, o.ClientUID) &&
		equalIntPtr(k.KeyID, o.KeyID)
}

func equalIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
