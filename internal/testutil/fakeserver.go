/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package testutil provides a fake remote provisioning server.
package testutil

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kentakayama/rkpd-keypool/internal/hal"
	"github.com/veraison/go-cose"
)

// ServerOptions tunes what the fake server answers.
type ServerOptions struct {
	// ExtraKeys is pushed as num_extra_attestation_keys when >= 0.
	ExtraKeys int
	// TimeToRefreshHours is pushed when > 0.
	TimeToRefreshHours int
	// ProvisioningURL is pushed when non-empty.
	ProvisioningURL string
	// CertValidity is the lifetime of issued leaf certificates.
	CertValidity time.Duration
	// ExtraUnmatchedCerts adds chains for keys nobody asked for.
	ExtraUnmatchedCerts int
	// BrokenChain issues leaves signed by an unrelated key.
	BrokenChain bool
	// WithholdRequestedCerts drops the chains for the keys in the CSR.
	WithholdRequestedCerts bool
}

// Server is an httptest server speaking the provisioning protocol.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	opts         ServerOptions
	challenges   map[string]struct{}
	failStatuses []int
	fingerprints []string
	hook         func()

	configRequests atomic.Int64
	signRequests   atomic.Int64
	issued         atomic.Int64

	rootKey   *ecdsa.PrivateKey
	root      *x509.Certificate
	interKey  *ecdsa.PrivateKey
	inter     *x509.Certificate
	sharedDER []byte
}

// NewServer starts a fake server. Close it when done.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.CertValidity == 0 {
		opts.CertValidity = 30 * 24 * time.Hour
	}
	s := &Server{
		opts:       opts,
		challenges: make(map[string]struct{}),
	}
	if err := s.initCA(); err != nil {
		return nil, err
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s, nil
}

// BaseURL is the URL to configure the client with.
func (s *Server) BaseURL() string {
	return s.URL + "/v1"
}

// FailNext makes the next len(statuses) requests fail with the given HTTP statuses.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatuses = append(s.failStatuses, statuses...)
}

// SetOptions replaces the options for subsequent requests.
func (s *Server) SetOptions(opts ServerOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if opts.CertValidity == 0 {
		opts.CertValidity = s.opts.CertValidity
	}
	s.opts = opts
}

// OnRequest runs fn at the start of every request.
func (s *Server) OnRequest(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

func (s *Server) ConfigRequests() int { return int(s.configRequests.Load()) }
func (s *Server) SignRequests() int   { return int(s.signRequests.Load()) }

// Requests is the total number of requests received.
func (s *Server) Requests() int { return s.ConfigRequests() + s.SignRequests() }

// IssuedCerts is the number of leaf certificates handed out.
func (s *Server) IssuedCerts() int { return int(s.issued.Load()) }

// Fingerprints returns the unverified fingerprints received so far.
func (s *Server) Fingerprints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fingerprints...)
}

// Root is the trust anchor of every issued chain.
func (s *Server) Root() *x509.Certificate {
	return s.root
}

func (s *Server) initCA() error {
	var err error
	s.rootKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	now := time.Now()
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Fake RKP Root"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &s.rootKey.PublicKey, s.rootKey)
	if err != nil {
		return err
	}
	if s.root, err = x509.ParseCertificate(rootDER); err != nil {
		return err
	}

	s.interKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	interTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "Fake RKP Intermediate"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(5 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	interDER, err := x509.CreateCertificate(rand.Reader, interTmpl, s.root, &s.interKey.PublicKey, s.rootKey)
	if err != nil {
		return err
	}
	if s.inter, err = x509.ParseCertificate(interDER); err != nil {
		return err
	}
	s.sharedDER = append(append([]byte{}, interDER...), rootDER...)
	return nil
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	hook := s.hook
	status := 0
	if len(s.failStatuses) > 0 {
		status = s.failStatuses[0]
		s.failStatuses = s.failStatuses[1:]
	}
	opts := s.opts
	s.mu.Unlock()

	if hook != nil {
		hook()
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, ":fetchEekChain"):
		s.configRequests.Add(1)
		if status != 0 {
			http.Error(w, "injected failure", status)
			return
		}
		s.fetchConfig(w, opts)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, ":signCertificates"):
		s.signRequests.Add(1)
		if status != 0 {
			http.Error(w, "injected failure", status)
			return
		}
		s.signCertificates(w, r, body, opts)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) fetchConfig(w http.ResponseWriter, opts ServerOptions) {
	challenge := make([]byte, 16)
	if _, err := rand.Read(challenge); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.mu.Lock()
	s.challenges[string(challenge)] = struct{}{}
	s.mu.Unlock()

	// the EEK chain content is opaque to the client
	eekChain := []any{[]byte("fake-eek")}
	items := []any{
		[]any{[]any{1, eekChain}},
		challenge,
	}
	deviceConfig := map[string]any{}
	if opts.ExtraKeys >= 0 {
		deviceConfig["num_extra_attestation_keys"] = opts.ExtraKeys
	}
	if opts.TimeToRefreshHours > 0 {
		deviceConfig["time_to_refresh_hours"] = opts.TimeToRefreshHours
	}
	if opts.ProvisioningURL != "" {
		deviceConfig["provisioning_url"] = opts.ProvisioningURL
	}
	if len(deviceConfig) > 0 {
		items = append(items, deviceConfig)
	}
	writeCBOR(w, items)
}

func (s *Server) signCertificates(w http.ResponseWriter, r *http.Request, body []byte, opts ServerOptions) {
	challenge, err := base64.URLEncoding.DecodeString(r.URL.Query().Get("challenge"))
	if err != nil {
		http.Error(w, "bad challenge", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	_, known := s.challenges[string(challenge)]
	s.mu.Unlock()
	if !known {
		http.Error(w, "unknown challenge", http.StatusBadRequest)
		return
	}

	keys, fingerprint, err := s.decodeCSR(body, challenge)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.fingerprints = append(s.fingerprints, fingerprint)
	s.mu.Unlock()

	if opts.WithholdRequestedCerts {
		keys = keys[:0]
	}

	for i := 0; i < opts.ExtraUnmatchedCerts; i++ {
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		keys = append(keys, &k.PublicKey)
	}

	issuer, issuerKey := s.inter, s.interKey
	if opts.BrokenChain {
		var err error
		if issuerKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		// same subject, different key
		issuer = &x509.Certificate{Subject: s.inter.Subject}
	}

	unique := make([][]byte, 0, len(keys))
	for _, pub := range keys {
		leaf, err := s.issue(pub, issuer, issuerKey, opts.CertValidity)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		unique = append(unique, leaf)
	}
	writeCBOR(w, []any{s.sharedDER, unique})
}

func (s *Server) issue(pub *ecdsa.PublicKey, issuer *x509.Certificate, issuerKey *ecdsa.PrivateKey, validity time.Duration) ([]byte, error) {
	serial := s.issued.Add(1) + 100
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: fmt.Sprintf("Fake RKP Leaf %d", serial)},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	return x509.CreateCertificate(rand.Reader, tmpl, issuer, pub, issuerKey)
}

// decodeCSR verifies the request signature and challenge and returns the
// keys to certify and the unverified fingerprint.
func (s *Server) decodeCSR(body, challenge []byte) ([]*ecdsa.PublicKey, string, error) {
	var items []cbor.RawMessage
	if err := cbor.Unmarshal(body, &items); err != nil {
		return nil, "", fmt.Errorf("csr is not an array: %w", err)
	}
	if len(items) != 5 {
		return nil, "", fmt.Errorf("csr has %d entries, want 5", len(items))
	}

	var unverified map[string]string
	if err := cbor.Unmarshal(items[4], &unverified); err != nil {
		return nil, "", fmt.Errorf("unverified device info: %w", err)
	}
	fingerprint, ok := unverified["fingerprint"]
	if !ok {
		return nil, "", errors.New("unverified device info has no fingerprint")
	}

	var diceChain []cbor.RawMessage
	if err := cbor.Unmarshal(items[2], &diceChain); err != nil || len(diceChain) == 0 {
		return nil, "", errors.New("missing dice chain")
	}
	deviceKey, err := decodePublicKey(diceChain[0])
	if err != nil {
		return nil, "", fmt.Errorf("device key: %w", err)
	}
	verifier, err := cose.NewVerifier(cose.AlgorithmES256, deviceKey)
	if err != nil {
		return nil, "", err
	}
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(items[3]); err != nil {
		return nil, "", fmt.Errorf("signed data: %w", err)
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return nil, "", fmt.Errorf("signed data: %w", err)
	}

	var signed hal.SignedDataPayload
	if err := cbor.Unmarshal(msg.Payload, &signed); err != nil {
		return nil, "", fmt.Errorf("signed payload: %w", err)
	}
	if !bytes.Equal(signed.Challenge, challenge) {
		return nil, "", errors.New("challenge mismatch")
	}
	var payload hal.CsrPayload
	if err := cbor.Unmarshal(signed.CsrPayload, &payload); err != nil {
		return nil, "", fmt.Errorf("csr payload: %w", err)
	}

	keys := make([]*ecdsa.PublicKey, 0, len(payload.KeysToSign))
	for _, raw := range payload.KeysToSign {
		pub, err := decodePublicKey(raw)
		if err != nil {
			return nil, "", fmt.Errorf("key to sign: %w", err)
		}
		keys = append(keys, pub)
	}
	return keys, fingerprint, nil
}

func decodePublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	var key cose.Key
	if err := cbor.Unmarshal(raw, &key); err != nil {
		return nil, err
	}
	pub, err := key.PublicKey()
	if err != nil {
		return nil, err
	}
	ec, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected key type %T", pub)
	}
	return ec, nil
}

func writeCBOR(w http.ResponseWriter, v any) {
	b, err := cbor.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}
