/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package registration hands attestation keys to callers. A Registration
// serves one (signing component, caller) pair; requests run on a bounded
// worker pool and can be cancelled through the callback that issued them.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/kentakayama/rkpd-keypool/internal/domain"
	"github.com/kentakayama/rkpd-keypool/internal/domain/model"
	"github.com/kentakayama/rkpd-keypool/internal/domain/service"
	"github.com/kentakayama/rkpd-keypool/internal/hal"
	"github.com/kentakayama/rkpd-keypool/internal/metrics"
	"github.com/kentakayama/rkpd-keypool/internal/settings"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// MinKeyLifetime is the shortest remaining validity of a key handed out.
const MinKeyLifetime = time.Hour

const defaultWorkers = 8

var (
	ErrCallbackInUse         = errors.New("callback is already associated with a getKey operation that is in progress")
	ErrCallbackNotComparable = errors.New("callback must be comparable")
	ErrNoKeysAvailable       = errors.New("provisioning failed, no keys available")
)

// GetKeyError is the error set reported to callers.
type GetKeyError int

const (
	// ErrorUnknown covers everything not worth a specific reaction.
	ErrorUnknown GetKeyError = iota + 1
	// ErrorPermanent means retrying will not help.
	ErrorPermanent
	// ErrorPendingInternetConnectivity means retry once the network is back.
	ErrorPendingInternetConnectivity
)

func (e GetKeyError) String() string {
	switch e {
	case ErrorUnknown:
		return "ERROR_UNKNOWN"
	case ErrorPermanent:
		return "ERROR_PERMANENT"
	case ErrorPendingInternetConnectivity:
		return "ERROR_PENDING_INTERNET_CONNECTIVITY"
	default:
		return fmt.Sprintf("GetKeyError(%d)", int(e))
	}
}

// Callback receives the outcome of a GetKey request. OnProvisioningNeeded
// may be called first; then exactly one of OnSuccess, OnCancel or OnError.
// The callback value identifies the request, so it must be comparable.
type Callback interface {
	OnProvisioningNeeded()
	OnSuccess(key *model.RemotelyProvisionedKey)
	OnCancel()
	OnError(code GetKeyError, message string)
}

// Provisioner refills the pool.
type Provisioner interface {
	FetchConfigAndProvision(ctx context.Context, cause string, c hal.Component) error
	IsProvisioningNeeded(ctx context.Context, signer string) (bool, error)
}

type Config struct {
	Repository  service.ProvisionedKeyRepository
	Registry    *hal.Registry
	Provisioner Provisioner
	Settings    *settings.Settings
	Metrics     *metrics.Metrics
	Workers     int64
	Logger      *log.Logger
}

type registrationKey struct {
	signer    string
	callerUID int
}

// Service owns the worker pool and the registrations.
type Service struct {
	repo        service.ProvisionedKeyRepository
	registry    *hal.Registry
	provisioner Provisioner
	settings    *settings.Settings
	metrics     *metrics.Metrics
	logger      *log.Logger
	now         func() time.Time

	workers    *semaphore.Weighted
	background singleflight.Group
	baseCtx    context.Context
	stop       context.CancelFunc
	wg         sync.WaitGroup

	mu            sync.Mutex
	registrations map[registrationKey]*Registration
}

func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = defaultWorkers
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Service{
		repo:          cfg.Repository,
		registry:      cfg.Registry,
		provisioner:   cfg.Provisioner,
		settings:      cfg.Settings,
		metrics:       cfg.Metrics,
		logger:        logger,
		now:           time.Now,
		workers:       semaphore.NewWeighted(workers),
		baseCtx:       ctx,
		stop:          stop,
		registrations: make(map[registrationKey]*Registration),
	}
}

// GetRegistration returns the registration for signer and callerUID,
// creating it on first use.
func (s *Service) GetRegistration(signer string, callerUID int) (*Registration, error) {
	component, err := s.registry.Lookup(signer)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := registrationKey{signer: signer, callerUID: callerUID}
	if r, ok := s.registrations[k]; ok {
		return r, nil
	}
	r := &Registration{
		svc:       s,
		component: component,
		callerUID: callerUID,
		tasks:     make(map[Callback]context.CancelFunc),
	}
	s.registrations[k] = r
	return r, nil
}

// Close cancels outstanding requests and background provisioning and
// waits for them to finish.
func (s *Service) Close() {
	s.stop()
	s.wg.Wait()
}

// replenish provisions c in the background. Concurrent calls for the same
// component share one run.
func (s *Service) replenish(c hal.Component) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, err, _ := s.background.Do(c.Name(), func() (any, error) {
			return nil, s.provisioner.FetchConfigAndProvision(s.baseCtx, metrics.CauseKeyConsumed, c)
		})
		if err != nil {
			s.logger.Printf("registration: background provisioning for %s failed: %v", c.Name(), err)
		}
	}()
}

// Registration serves keys of one signing component to one caller.
type Registration struct {
	svc       *Service
	component hal.Component
	callerUID int

	mu    sync.Mutex
	tasks map[Callback]context.CancelFunc
}

func (r *Registration) Signer() string {
	return r.component.Name()
}

func (r *Registration) CallerUID() int {
	return r.callerUID
}

// GetKey starts an asynchronous request for the key keyID. The outcome is
// delivered to cb. It fails if cb already has a request in flight.
func (r *Registration) GetKey(keyID int, cb Callback) error {
	if cb == nil || !reflect.TypeOf(cb).Comparable() {
		return ErrCallbackNotComparable
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[cb]; ok {
		return ErrCallbackInUse
	}
	ctx, cancel := context.WithCancel(r.svc.baseCtx)
	r.tasks[cb] = cancel

	r.svc.wg.Add(1)
	go r.run(ctx, keyID, cb)
	return nil
}

// CancelGetKey cancels the request issued with cb, if it is still running.
func (r *Registration) CancelGetKey(cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.tasks[cb]
	if !ok {
		r.svc.logger.Printf("registration: callback not found, task may have already completed")
		return
	}
	cancel()
}

// StoreUpgradedKey replaces oldKeyBlob with newKeyBlob for a key assigned
// to this caller.
func (r *Registration) StoreUpgradedKey(ctx context.Context, oldKeyBlob, newKeyBlob []byte) error {
	n, err := r.svc.repo.UpgradeKeyBlob(ctx, r.callerUID, oldKeyBlob, newKeyBlob)
	if err != nil {
		return fmt.Errorf("upgrade key blob: %w", err)
	}
	switch {
	case n == 0:
		return fmt.Errorf("%w: no keys matching old key blob", domain.ErrNotFound)
	case n > 1:
		r.svc.logger.Printf("registration: %d keys matched the upgrade for uid %d", n, r.callerUID)
		return domain.NewError(domain.InternalError, fmt.Sprintf("%d keys matched the upgrade", n))
	}
	return nil
}

func (r *Registration) finish(cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.tasks[cb]; ok {
		cancel()
		delete(r.tasks, cb)
	}
}

func (r *Registration) run(ctx context.Context, keyID int, cb Callback) {
	defer r.svc.wg.Done()

	if err := r.svc.workers.Acquire(ctx, 1); err != nil {
		r.finish(cb)
		r.svc.logger.Printf("registration: getKey cancelled while queued")
		cb.OnCancel()
		return
	}
	key, err := r.getKey(ctx, keyID, cb)
	r.svc.workers.Release(1)
	cancelled := ctx.Err() != nil
	r.finish(cb)

	switch {
	case err == nil:
		r.svc.logger.Printf("registration: key assigned to uid %d, key id %d", r.callerUID, keyID)
		cb.OnSuccess(&model.RemotelyProvisionedKey{
			KeyBlob:          key.KeyBlob,
			EncodedCertChain: key.CertificateChain,
		})
	case errors.Is(err, domain.ErrInterrupted) || cancelled:
		r.svc.logger.Printf("registration: getKey was interrupted")
		cb.OnCancel()
	default:
		r.svc.logger.Printf("registration: failed to get key for uid %d: %v", r.callerUID, err)
		cb.OnError(MapError(err), err.Error())
	}
}

func (r *Registration) checkForCancel(ctx context.Context) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", domain.ErrInterrupted, context.Cause(ctx))
	}
	return nil
}

func (r *Registration) getKey(ctx context.Context, keyID int, cb Callback) (*model.ProvisionedKey, error) {
	signer := r.component.Name()
	r.svc.logger.Printf("registration: key requested for %s, uid %d, key id %d", signer, r.callerUID, keyID)

	// Leave out keys that would expire before the caller could use them.
	minExpiry := r.svc.now().Add(MinKeyLifetime)
	if err := r.svc.repo.DeleteExpiringKeys(ctx, minExpiry); err != nil {
		return nil, fmt.Errorf("delete expiring keys: %w", err)
	}

	key, err := r.svc.repo.FindKeyForClient(ctx, signer, r.callerUID, keyID)
	if err != nil {
		return nil, fmt.Errorf("find assigned key: %w", err)
	}
	if key == nil {
		if key, err = r.tryToAssignKey(ctx, minExpiry, keyID); err != nil {
			return nil, err
		}
	}

	if key == nil {
		// last chance to bail before going to the network
		if err := r.checkForCancel(ctx); err != nil {
			return nil, err
		}
		r.svc.logger.Printf("registration: no keys are available, kicking off provisioning")
		cb.OnProvisioningNeeded()
		if err := r.svc.provisioner.FetchConfigAndProvision(ctx, metrics.CauseOutOfKeys, r.component); err != nil {
			return nil, err
		}
		if key, err = r.tryToAssignKey(ctx, minExpiry, keyID); err != nil {
			return nil, err
		}
	}

	if err := r.checkForCancel(ctx); err != nil {
		return nil, err
	}
	if key == nil {
		return nil, ErrNoKeysAvailable
	}
	return key, nil
}

// tryToAssignKey claims a key valid for the server-configured horizon,
// settling for minExpiry when none lives that long.
func (r *Registration) tryToAssignKey(ctx context.Context, minExpiry time.Time, keyID int) (*model.ProvisionedKey, error) {
	expirations := []time.Time{r.svc.now().Add(r.svc.settings.ExpiringBy()), minExpiry}
	slices.SortFunc(expirations, func(a, b time.Time) int { return b.Compare(a) })

	signer := r.component.Name()
	for _, expiry := range expirations {
		key, err := r.svc.repo.GetOrAssignKey(ctx, signer, expiry, r.callerUID, keyID)
		if err != nil {
			return nil, fmt.Errorf("assign key: %w", err)
		}
		if key != nil {
			r.provisionKeysOnKeyConsumed(ctx)
			return key, nil
		}
	}
	return nil, nil
}

func (r *Registration) provisionKeysOnKeyConsumed(ctx context.Context) {
	needed, err := r.svc.provisioner.IsProvisioningNeeded(ctx, r.component.Name())
	if err != nil {
		r.svc.logger.Printf("registration: failed to check pool of %s: %v", r.component.Name(), err)
		return
	}
	if !needed {
		r.svc.metrics.ProvisioningAttempt(metrics.CauseKeyConsumed, metrics.StatusNoProvisioningNeeded)
		return
	}
	r.svc.replenish(r.component)
}

// MapError classifies a GetKey failure for the caller.
func MapError(err error) GetKeyError {
	code, ok := domain.CodeOf(err)
	if !ok {
		return ErrorUnknown
	}
	switch code {
	case domain.NoNetworkConnectivity:
		return ErrorPendingInternetConnectivity
	case domain.DeviceNotRegistered:
		return ErrorPermanent
	default:
		return ErrorUnknown
	}
}
