/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package provisioner fills the attestation key pool: it generates keys on
// a signing component, has them certified by the provisioning server and
// stores the results.
package provisioner

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/kentakayama/rkpd-keypool/internal/domain"
	"github.com/kentakayama/rkpd-keypool/internal/domain/model"
	"github.com/kentakayama/rkpd-keypool/internal/domain/service"
	"github.com/kentakayama/rkpd-keypool/internal/hal"
	"github.com/kentakayama/rkpd-keypool/internal/infra/rkp"
	"github.com/kentakayama/rkpd-keypool/internal/metrics"
	"github.com/kentakayama/rkpd-keypool/internal/pool"
	"github.com/kentakayama/rkpd-keypool/internal/settings"
	"github.com/kentakayama/rkpd-keypool/internal/util"
	"golang.org/x/sync/semaphore"
)

// DefaultFailureResetThreshold is the number of consecutive server failures
// after which the server-pushed settings are dropped.
const DefaultFailureResetThreshold = 5

// CertificateClient is what the pipeline needs from the provisioning server.
type CertificateClient interface {
	FetchServerConfigAndUpdate(ctx context.Context) (*model.ServerConfig, error)
	RequestSignedCertificates(ctx context.Context, csr, challenge []byte) ([][]byte, error)
}

type Config struct {
	Repository            service.ProvisionedKeyRepository
	Client                CertificateClient
	Settings              *settings.Settings
	Metrics               *metrics.Metrics
	Fingerprint           string
	FailureResetThreshold int
	Logger                *log.Logger
}

// Provisioner runs at most one provisioning pass at a time.
type Provisioner struct {
	repo        service.ProvisionedKeyRepository
	client      CertificateClient
	settings    *settings.Settings
	metrics     *metrics.Metrics
	fingerprint string
	threshold   int
	logger      *log.Logger
	now         func() time.Time

	sem *semaphore.Weighted
}

func New(cfg Config) *Provisioner {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	threshold := cfg.FailureResetThreshold
	if threshold == 0 {
		threshold = DefaultFailureResetThreshold
	}
	return &Provisioner{
		repo:        cfg.Repository,
		client:      cfg.Client,
		settings:    cfg.Settings,
		metrics:     cfg.Metrics,
		fingerprint: cfg.Fingerprint,
		threshold:   threshold,
		logger:      logger,
		now:         time.Now,
		sem:         semaphore.NewWeighted(1),
	}
}

func interrupted(ctx context.Context) error {
	return fmt.Errorf("%w: %w", domain.ErrInterrupted, context.Cause(ctx))
}

func (p *Provisioner) lock(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return interrupted(ctx)
	}
	return nil
}

func (p *Provisioner) unlock() {
	p.sem.Release(1)
}

// ProvisionKeys tops up the pool of c using the challenge in cfg and
// returns the number of keys stored.
func (p *Provisioner) ProvisionKeys(ctx context.Context, c hal.Component, cfg *model.ServerConfig) (int, error) {
	if err := p.lock(ctx); err != nil {
		return 0, err
	}
	defer p.unlock()
	run, err := p.provisionKeys(ctx, c, cfg)
	if err != nil && !errors.Is(err, domain.ErrInterrupted) {
		p.resetIfFailing(ctx)
	}
	return run.stored, err
}

// FetchConfigAndProvision refreshes the server config and tops up the pool
// of c. Nothing is provisioned when the server disabled provisioning.
func (p *Provisioner) FetchConfigAndProvision(ctx context.Context, cause string, c hal.Component) error {
	if err := p.lock(ctx); err != nil {
		p.metrics.ProvisioningAttempt(cause, metrics.StatusInterrupted)
		return err
	}
	defer p.unlock()

	cfg, err := p.client.FetchServerConfigAndUpdate(ctx)
	if err != nil {
		p.fail(ctx, cause, err)
		return err
	}
	if cfg.ExtraKeys == 0 {
		p.logger.Printf("provisioner: provisioning disabled by server")
		p.metrics.ProvisioningAttempt(cause, metrics.StatusProvisioningDisabled)
		return nil
	}
	run, err := p.provisionKeys(ctx, c, cfg)
	if err != nil {
		p.fail(ctx, cause, err)
		return err
	}
	p.succeed(cause, run)
	return nil
}

// IsProvisioningNeeded reports whether the pool of signer is below its
// threshold of usable unassigned keys.
func (p *Provisioner) IsProvisioningNeeded(ctx context.Context, signer string) (bool, error) {
	stats, err := pool.ProcessPool(ctx, p.repo, signer, p.settings.ExtraSignedKeysAvailable(), p.settings.ExpirationTime())
	if err != nil {
		return false, err
	}
	return stats.KeysToGenerate > 0, nil
}

// MaintainPool is the periodic pass: drop expired keys, refresh the config
// and top up every component. If the server disabled provisioning all keys
// are deleted.
func (p *Provisioner) MaintainPool(ctx context.Context, components []hal.Component) error {
	const cause = metrics.CausePeriodic
	if err := p.lock(ctx); err != nil {
		p.metrics.ProvisioningAttempt(cause, metrics.StatusInterrupted)
		return err
	}
	defer p.unlock()

	p.logger.Printf("provisioner: checking provisioning state")
	if err := p.repo.DeleteExpiringKeys(ctx, p.now()); err != nil {
		return fmt.Errorf("delete expired keys: %w", err)
	}

	cfg, err := p.client.FetchServerConfigAndUpdate(ctx)
	if err != nil {
		p.fail(ctx, cause, err)
		return err
	}
	if cfg.ExtraKeys == 0 {
		p.logger.Printf("provisioner: provisioning disabled by server, deleting all keys")
		p.metrics.ProvisioningAttempt(cause, metrics.StatusProvisioningDisabled)
		if err := p.repo.DeleteAllKeys(ctx); err != nil {
			return fmt.Errorf("delete all keys: %w", err)
		}
		return nil
	}

	var total runResult
	for _, c := range components {
		p.logger.Printf("provisioner: starting periodic provisioning for %s", c.Name())
		run, err := p.provisionKeys(ctx, c, cfg)
		if err != nil {
			p.fail(ctx, cause, err)
			return fmt.Errorf("provision %s: %w", c.Name(), err)
		}
		total.generated += run.generated
		total.stored += run.stored
	}
	p.logger.Printf("provisioner: periodic provisioning completed")
	p.succeed(cause, total)
	return nil
}

// runResult counts the keys one provisioning pass generated and stored.
type runResult struct {
	generated int
	stored    int
}

func (p *Provisioner) succeed(cause string, run runResult) {
	switch {
	case run.generated == 0:
		p.metrics.ProvisioningAttempt(cause, metrics.StatusNoProvisioningNeeded)
	case run.stored == 0:
		p.metrics.ProvisioningAttempt(cause, metrics.StatusNoCertificates)
	default:
		p.metrics.ProvisioningAttempt(cause, metrics.StatusKeysProvisioned)
	}
}

func (p *Provisioner) fail(ctx context.Context, cause string, err error) {
	switch {
	case errors.Is(err, domain.ErrInterrupted):
		p.metrics.ProvisioningAttempt(cause, metrics.StatusInterrupted)
		return
	case errors.Is(err, domain.ErrOutOfErrorBudget):
		p.metrics.ProvisioningAttempt(cause, metrics.StatusOutOfErrorBudget)
	default:
		p.metrics.ProvisioningAttempt(cause, metrics.StatusFailed)
	}
	p.logger.Printf("provisioner: %s provisioning failed: %v", cause, err)
	p.resetIfFailing(ctx)
}

// resetIfFailing drops server-pushed settings once the failure counter
// exceeds the threshold.
func (p *Provisioner) resetIfFailing(ctx context.Context) {
	failures := p.settings.FailureCounter()
	if failures <= p.threshold {
		return
	}
	p.logger.Printf("provisioner: %d consecutive failures, resetting settings to defaults", failures)
	if err := p.settings.ResetDefaultConfig(context.WithoutCancel(ctx)); err != nil {
		p.logger.Printf("provisioner: failed to reset settings: %v", err)
	}
}

// provisionKeys must be called with the lock held.
func (p *Provisioner) provisionKeys(ctx context.Context, c hal.Component, cfg *model.ServerConfig) (runResult, error) {
	signer := c.Name()
	stats, err := pool.ProcessPool(ctx, p.repo, signer, p.settings.ExtraSignedKeysAvailable(), p.settings.ExpirationTime())
	if err != nil {
		return runResult{}, err
	}
	p.metrics.SetPoolStats(signer, stats.KeysInUse, stats.KeysUnassigned, stats.KeysToGenerate)
	p.logger.Printf("provisioner: %s needs %d keys (in use %d, unassigned %d)",
		signer, stats.KeysToGenerate, stats.KeysInUse, stats.KeysUnassigned)
	if stats.KeysToGenerate == 0 {
		return runResult{}, nil
	}
	run := runResult{generated: stats.KeysToGenerate}

	generated, err := p.generateKeys(ctx, c, stats.KeysToGenerate)
	if err != nil {
		return runResult{}, err
	}
	chains, err := p.fetchCertificates(ctx, c, cfg, generated)
	if err != nil {
		return runResult{}, err
	}
	if ctx.Err() != nil {
		return runResult{}, interrupted(ctx)
	}
	keys, err := associateCertsWithKeys(chains, generated, p.logger)
	if err != nil {
		return runResult{}, err
	}
	if err := p.repo.InsertKeys(ctx, keys); err != nil {
		return run, fmt.Errorf("store provisioned keys: %w", err)
	}
	p.metrics.SetPoolStats(signer, stats.KeysInUse, stats.KeysUnassigned+len(keys), 0)
	p.logger.Printf("provisioner: stored %d keys for %s", len(keys), signer)
	run.stored = len(keys)
	return run, nil
}

func (p *Provisioner) generateKeys(ctx context.Context, c hal.Component, n int) ([]*model.GeneratedKey, error) {
	keys := make([]*model.GeneratedKey, 0, n)
	for range n {
		if ctx.Err() != nil {
			return nil, interrupted(ctx)
		}
		k, err := hal.GenerateKey(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return nil, interrupted(ctx)
			}
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (p *Provisioner) fetchCertificates(ctx context.Context, c hal.Component, cfg *model.ServerConfig, keys []*model.GeneratedKey) ([][]byte, error) {
	batchSize, err := hal.BatchSize(ctx, c, p.logger)
	if err != nil {
		if ctx.Err() != nil {
			return nil, interrupted(ctx)
		}
		return nil, err
	}

	chains := make([][]byte, 0, len(keys))
	for batch := range slices.Chunk(keys, batchSize) {
		if ctx.Err() != nil {
			return nil, interrupted(ctx)
		}
		maced := make([][]byte, 0, len(batch))
		for _, k := range batch {
			maced = append(maced, k.MacedPublicKey)
		}
		csr, err := c.GenerateCertificateRequest(ctx, cfg.Challenge, maced)
		if err != nil {
			if ctx.Err() != nil {
				return nil, interrupted(ctx)
			}
			return nil, domain.WrapError(domain.InternalError, "failed to generate certificate request", err)
		}
		csr, err = rkp.AppendUnverifiedDeviceInfo(csr, p.fingerprint)
		if err != nil {
			return nil, err
		}
		signed, err := p.client.RequestSignedCertificates(ctx, csr, cfg.Challenge)
		if err != nil {
			return nil, err
		}
		chains = append(chains, signed...)
	}
	return chains, nil
}

// associateCertsWithKeys pairs each chain with the generated key whose
// public key matches its leaf. Chains matching no outstanding key are skipped.
func associateCertsWithKeys(chains [][]byte, generated []*model.GeneratedKey, logger *log.Logger) ([]*model.ProvisionedKey, error) {
	byPublicKey := make(map[string]*model.GeneratedKey, len(generated))
	for _, k := range generated {
		byPublicKey[string(k.PublicKey)] = k
	}
	matched := util.NewSet[string]()

	keys := make([]*model.ProvisionedKey, 0, len(chains))
	for _, chain := range chains {
		leaf, err := verifyChain(chain)
		if err != nil {
			return nil, err
		}
		pub, ok := rawPublicKey(leaf)
		if !ok {
			logger.Printf("provisioner: skipping certificate with malformed public key")
			continue
		}
		k, ok := byPublicKey[string(pub)]
		if !ok || !matched.TryAdd(string(pub)) {
			logger.Printf("provisioner: skipping certificate %s matching no generated key", leaf.SerialNumber)
			continue
		}
		keys = append(keys, k.ToProvisionedKey(chain, leaf.NotAfter))
	}
	if unmatched := len(generated) - matched.Len(); unmatched > 0 {
		logger.Printf("provisioner: %d generated keys received no certificate", unmatched)
	}
	return keys, nil
}

// verifyChain parses a DER chain, leaf first, and checks that every
// certificate is signed by the next and that the last is self-signed.
func verifyChain(chain []byte) (*x509.Certificate, error) {
	certs, err := x509.ParseCertificates(chain)
	if err != nil {
		return nil, domain.WrapError(domain.InternalError, "failed to interpret DER encoded certificate chain", err)
	}
	if len(certs) == 0 {
		return nil, domain.NewError(domain.InternalError, "empty certificate chain")
	}
	for i, cert := range certs {
		parent := cert
		if i+1 < len(certs) {
			parent = certs[i+1]
		}
		if err := cert.CheckSignatureFrom(parent); err != nil {
			return nil, domain.WrapError(domain.InternalError,
				fmt.Sprintf("certificate %d of chain does not verify", i), err)
		}
	}
	return certs[0], nil
}

// rawPublicKey returns the x || y encoding of a P-256 leaf key.
func rawPublicKey(cert *x509.Certificate) ([]byte, bool) {
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, false
	}
	raw, err := pub.Bytes()
	if err != nil || len(raw) != 65 {
		return nil, false
	}
	return raw[1:], true
}
