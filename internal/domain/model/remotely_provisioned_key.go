/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

// RemotelyProvisionedKey is handed to callers of the key pool.
type RemotelyProvisionedKey struct {
	_                struct{} `cbor:",toarray"`
	KeyBlob          []byte
	EncodedCertChain []byte
}
