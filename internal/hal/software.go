/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package hal

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/kentakayama/rkpd-keypool/internal/domain"
	"github.com/veraison/go-cose"
)

// CSR layout produced by SoftwareComponent:
//
//	AuthenticatedRequest = [ version: 1, UdsCerts: {}, DiceCertChain: [ COSE_Key ], SignedData ]
//	SignedData           = COSE_Sign1 over [ challenge, bstr .cbor CsrPayload ]
//	CsrPayload           = [ 3, "keymint", DeviceInfo, [ *COSE_Key ] ]
const (
	AuthenticatedRequestVersion = 1
	CSRPayloadVersion           = 3
	CertificateTypeKeyMint      = "keymint"
)

var ErrInvalidKeyBlob = errors.New("invalid key blob")

// CsrPayload is the signed body of a certificate request.
type CsrPayload struct {
	_               struct{} `cbor:",toarray"`
	Version         int
	CertificateType string
	DeviceInfo      map[string]any
	KeysToSign      []cbor.RawMessage
}

// SignedDataPayload is the COSE_Sign1 payload of a certificate request.
type SignedDataPayload struct {
	_          struct{} `cbor:",toarray"`
	Challenge  []byte
	CsrPayload []byte
}

// AuthenticatedRequest is the certificate request as emitted by the component.
type AuthenticatedRequest struct {
	_             struct{} `cbor:",toarray"`
	Version       int
	UdsCerts      map[string]any
	DiceCertChain []cbor.RawMessage
	SignedData    cbor.RawMessage
}

// SoftwareComponent is a P-256 signing component backed by process memory.
// Key blobs are the private scalar sealed with AES-GCM.
type SoftwareComponent struct {
	name         string
	maxBatchSize int
	aead         cipher.AEAD
	macKey       []byte
	deviceKey    *ecdsa.PrivateKey
	deviceSigner cose.Signer
	deviceInfo   map[string]any
}

// NewSoftwareComponent creates a component with fresh wrapping, MAC and device keys.
func NewSoftwareComponent(name string, maxBatchSize int) (*SoftwareComponent, error) {
	wrapKey := make([]byte, 32)
	macKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, wrapKey); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(rand.Reader, macKey); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(wrapKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	deviceKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	deviceSigner, err := cose.NewSigner(cose.AlgorithmES256, deviceKey)
	if err != nil {
		return nil, err
	}
	return &SoftwareComponent{
		name:         name,
		maxBatchSize: maxBatchSize,
		aead:         aead,
		macKey:       macKey,
		deviceKey:    deviceKey,
		deviceSigner: deviceSigner,
		deviceInfo: map[string]any{
			"brand":          "generic",
			"manufacturer":   "generic",
			"product":        "software",
			"security_level": "software",
			"fused":          0,
		},
	}, nil
}

func (c *SoftwareComponent) Name() string {
	return c.name
}

func (c *SoftwareComponent) MaxBatchSize(ctx context.Context) (int, error) {
	return c.maxBatchSize, ctx.Err()
}

func encodeCoseKey(pub *ecdsa.PublicKey) ([]byte, error) {
	raw, err := pub.Bytes()
	if err != nil {
		return nil, err
	}
	// raw is 0x04 || x || y
	key, err := cose.NewKeyEC2(cose.AlgorithmES256, raw[1:1+ec2CoordinateSize], raw[1+ec2CoordinateSize:], nil)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(key)
}

func (c *SoftwareComponent) GenerateKeyPair(ctx context.Context) ([]byte, []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	blob, err := c.wrap(priv)
	if err != nil {
		return nil, nil, err
	}
	coseKey, err := encodeCoseKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	maced, err := MacPublicKey(c.macKey, coseKey)
	if err != nil {
		return nil, nil, err
	}
	return blob, maced, nil
}

func (c *SoftwareComponent) GenerateCertificateRequest(ctx context.Context, challenge []byte, macedPublicKeys [][]byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys := make([]cbor.RawMessage, 0, len(macedPublicKeys))
	for _, maced := range macedPublicKeys {
		coseKey, err := VerifyMacedPublicKey(c.macKey, maced)
		if err != nil {
			return nil, fmt.Errorf("key not generated by %s: %w", c.name, err)
		}
		keys = append(keys, coseKey)
	}
	csrPayload, err := cbor.Marshal(CsrPayload{
		Version:         CSRPayloadVersion,
		CertificateType: CertificateTypeKeyMint,
		DeviceInfo:      c.deviceInfo,
		KeysToSign:      keys,
	})
	if err != nil {
		return nil, err
	}
	payload, err := cbor.Marshal(SignedDataPayload{Challenge: challenge, CsrPayload: csrPayload})
	if err != nil {
		return nil, err
	}
	headers := cose.Headers{
		Protected: cose.ProtectedHeader{
			cose.HeaderLabelAlgorithm: cose.AlgorithmES256,
		},
	}
	signedData, err := cose.Sign1(rand.Reader, c.deviceSigner, headers, payload, nil)
	if err != nil {
		return nil, fmt.Errorf("sign csr: %w", err)
	}
	deviceKey, err := encodeCoseKey(&c.deviceKey.PublicKey)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(AuthenticatedRequest{
		Version:       AuthenticatedRequestVersion,
		UdsCerts:      map[string]any{},
		DiceCertChain: []cbor.RawMessage{deviceKey},
		SignedData:    signedData,
	})
}

// UpgradeKey reseals keyBlob, returning a new blob for the same key pair.
func (c *SoftwareComponent) UpgradeKey(ctx context.Context, keyBlob []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	priv, err := c.PrivateKey(keyBlob)
	if err != nil {
		return nil, err
	}
	return c.wrap(priv)
}

// PrivateKey unseals keyBlob.
func (c *SoftwareComponent) PrivateKey(keyBlob []byte) (*ecdsa.PrivateKey, error) {
	ns := c.aead.NonceSize()
	if len(keyBlob) < ns {
		return nil, ErrInvalidKeyBlob
	}
	d, err := c.aead.Open(nil, keyBlob[:ns], keyBlob[ns:], []byte(c.name))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyBlob, err)
	}
	priv, err := ecdsa.ParseRawPrivateKey(elliptic.P256(), d)
	if err != nil {
		return nil, domain.WrapError(domain.InternalError, "corrupt key blob", err)
	}
	return priv, nil
}

func (c *SoftwareComponent) wrap(priv *ecdsa.PrivateKey) ([]byte, error) {
	d, err := priv.Bytes()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, d, []byte(c.name)), nil
}
