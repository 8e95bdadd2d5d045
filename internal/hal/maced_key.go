/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package hal

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"

	"github.com/fxamacker/cbor/v2"
	"github.com/kentakayama/rkpd-keypool/internal/domain"
	"github.com/veraison/go-cose"
)

// AlgorithmHMAC256 is the COSE identifier of HMAC 256/256.
const AlgorithmHMAC256 = 5

const ec2CoordinateSize = 32

var ErrMacMismatch = errors.New("maced public key tag mismatch")

// Mac0 is a COSE_Mac0 structure.
type Mac0 struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected map[int]any
	Payload     []byte
	Tag         []byte
}

var mac0Protected = func() []byte {
	b, err := cbor.Marshal(map[int]int{1: AlgorithmHMAC256})
	if err != nil {
		panic(err)
	}
	return b
}()

func macStructure(protected, payload []byte) ([]byte, error) {
	return cbor.Marshal([]any{"MAC0", protected, []byte{}, payload})
}

func computeTag(macKey, protected, payload []byte) ([]byte, error) {
	toBeMaced, err := macStructure(protected, payload)
	if err != nil {
		return nil, err
	}
	m := hmac.New(sha256.New, macKey)
	m.Write(toBeMaced)
	return m.Sum(nil), nil
}

// MacPublicKey wraps an encoded COSE_Key into a COSE_Mac0.
func MacPublicKey(macKey, coseKey []byte) ([]byte, error) {
	tag, err := computeTag(macKey, mac0Protected, coseKey)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(Mac0{
		Protected:   mac0Protected,
		Unprotected: map[int]any{},
		Payload:     coseKey,
		Tag:         tag,
	})
}

// VerifyMacedPublicKey checks the tag and returns the encoded COSE_Key.
func VerifyMacedPublicKey(macKey, maced []byte) ([]byte, error) {
	var m Mac0
	if err := cbor.Unmarshal(maced, &m); err != nil {
		return nil, domain.WrapError(domain.InternalError, "malformed maced public key", err)
	}
	tag, err := computeTag(macKey, m.Protected, m.Payload)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(tag, m.Tag) {
		return nil, ErrMacMismatch
	}
	return m.Payload, nil
}

// ParseMacedPublicKey extracts the COSE_Key from a maced public key and
// returns it along with the raw P-256 point x || y.
func ParseMacedPublicKey(maced []byte) (coseKey []byte, publicKey []byte, err error) {
	var m Mac0
	if err := cbor.Unmarshal(maced, &m); err != nil {
		return nil, nil, domain.WrapError(domain.InternalError, "malformed maced public key", err)
	}
	var key cose.Key
	if err := cbor.Unmarshal(m.Payload, &key); err != nil {
		return nil, nil, domain.WrapError(domain.InternalError, "malformed COSE_Key", err)
	}
	x, ok := key.Params[cose.KeyLabelEC2X].([]byte)
	if !ok || len(x) != ec2CoordinateSize {
		return nil, nil, domain.NewError(domain.InternalError, "COSE_Key x coordinate is not 32 bytes")
	}
	y, ok := key.Params[cose.KeyLabelEC2Y].([]byte)
	if !ok || len(y) != ec2CoordinateSize {
		return nil, nil, domain.NewError(domain.InternalError, "COSE_Key y coordinate is not 32 bytes")
	}
	return m.Payload, append(append(make([]byte, 0, 2*ec2CoordinateSize), x...), y...), nil
}
