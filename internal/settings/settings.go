/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package settings

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kentakayama/rkpd-keypool/internal/domain/model"
	"github.com/kentakayama/rkpd-keypool/internal/domain/service"
)

const (
	IDUpperBound                    = 1000000
	ExtraSignedKeysAvailableDefault = 6
	ExpiringByDefault               = 72 * time.Hour
	FailureDataUsageMax             = 1024 * 1024
	FailureDataUsageWindow          = 24 * time.Hour
	MaxRequestTimeDefault           = 20 * time.Second
)

// state is the persisted form. Durations are stored in milliseconds.
type state struct {
	ExtraKeys            int    `cbor:"extra_keys"`
	ExpiringByMillis     int64  `cbor:"expiring_by"`
	URL                  string `cbor:"url"`
	FailureCounter       int    `cbor:"failure_counter"`
	FailureWindowStart   int64  `cbor:"failure_start_time"`
	FailureBytes         int    `cbor:"failure_data"`
	MaxRequestTimeMillis int64  `cbor:"max_request_time"`
	ID                   int    `cbor:"settings_id"`
}

// Settings holds the small amount of mutable configuration the daemon keeps
// between runs. All accessors are safe for concurrent use.
type Settings struct {
	mu         sync.Mutex
	repo       service.SettingsRepository
	defaultURL string
	logger     *log.Logger
	now        func() time.Time

	budgetMax    int
	budgetWindow time.Duration

	st state
}

// Option customises Settings.
type Option func(*Settings)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithErrDataBudget overrides the failure data budget and its window.
func WithErrDataBudget(maxBytes int, window time.Duration) Option {
	return func(s *Settings) {
		s.budgetMax = maxBytes
		s.budgetWindow = window
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Settings) { s.now = now }
}

// Load reads persisted settings from repo, initialising and saving defaults
// on first use. defaultURL is the provisioning server base URL used until the
// server pushes another one.
func Load(ctx context.Context, repo service.SettingsRepository, defaultURL string, opts ...Option) (*Settings, error) {
	s := &Settings{
		repo:       repo,
		defaultURL: defaultURL,
		logger:     log.Default(),
		now:        time.Now,

		budgetMax:    FailureDataUsageMax,
		budgetWindow: FailureDataUsageWindow,
	}
	for _, opt := range opts {
		opt(s)
	}

	blob, err := repo.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if blob != nil {
		if err := cbor.Unmarshal(blob, &s.st); err != nil {
			s.logger.Printf("settings: discarding undecodable blob: %v", err)
			blob = nil
		}
	}
	if blob == nil {
		s.st = s.defaults()
		s.st.ID = rand.IntN(IDUpperBound)
		s.logger.Printf("settings: initialised with id %d", s.st.ID)
		if err := s.save(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Settings) defaults() state {
	return state{
		ExtraKeys:            ExtraSignedKeysAvailableDefault,
		ExpiringByMillis:     ExpiringByDefault.Milliseconds(),
		URL:                  s.defaultURL,
		MaxRequestTimeMillis: MaxRequestTimeDefault.Milliseconds(),
	}
}

// save must be called with mu held.
func (s *Settings) save(ctx context.Context) error {
	blob, err := cbor.Marshal(s.st)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := s.repo.Save(ctx, blob); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func (s *Settings) ExtraSignedKeysAvailable() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ExtraKeys
}

// ExpiringBy is the horizon within which keys count as expiring.
func (s *Settings) ExpiringBy() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.st.ExpiringByMillis) * time.Millisecond
}

// ExpirationTime is now plus ExpiringBy.
func (s *Settings) ExpirationTime() time.Time {
	return s.now().Add(s.ExpiringBy())
}

func (s *Settings) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.URL
}

func (s *Settings) ID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ID
}

// SetDeviceConfig applies server-pushed configuration. Fields left at their
// "absent" value (model.NoExtraKeyUpdate, nil, "") are not touched. It
// reports whether anything changed.
func (s *Settings) SetDeviceConfig(ctx context.Context, extraKeys int, expiringBy *time.Duration, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := false
	if extraKeys != model.NoExtraKeyUpdate && s.st.ExtraKeys != extraKeys {
		s.st.ExtraKeys = extraKeys
		updated = true
	}
	if expiringBy != nil && s.st.ExpiringByMillis != expiringBy.Milliseconds() {
		s.st.ExpiringByMillis = expiringBy.Milliseconds()
		updated = true
	}
	if url != "" && s.st.URL != url {
		s.st.URL = url
		updated = true
	}
	if !updated {
		return false, nil
	}
	return true, s.save(ctx)
}

// ResetDefaultConfig restores server-pushed values, the failure counter and
// the max request time to their defaults. The device id and the error data
// budget window are kept.
func (s *Settings) ResetDefaultConfig(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.defaults()
	s.st.ExtraKeys = d.ExtraKeys
	s.st.ExpiringByMillis = d.ExpiringByMillis
	s.st.URL = d.URL
	s.st.FailureCounter = 0
	s.st.MaxRequestTimeMillis = d.MaxRequestTimeMillis
	return s.save(ctx)
}

// IncrementFailureCounter returns the new count.
func (s *Settings) IncrementFailureCounter(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.FailureCounter++
	return s.st.FailureCounter, s.save(ctx)
}

func (s *Settings) FailureCounter() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.FailureCounter
}

func (s *Settings) ClearFailureCounter(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.FailureCounter == 0 {
		return nil
	}
	s.st.FailureCounter = 0
	return s.save(ctx)
}

// HasErrDataBudget reports whether failed exchanges may still spend data.
// A window older than the budget window is restarted at now.
func (s *Settings) HasErrDataBudget(ctx context.Context, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.UnixMilli(s.st.FailureWindowStart)
	if now.Sub(start) > s.budgetWindow {
		s.st.FailureWindowStart = now.UnixMilli()
		s.st.FailureBytes = 0
		return true, s.save(ctx)
	}
	return s.st.FailureBytes < s.budgetMax, nil
}

// ConsumeErrDataBudget charges n bytes to the current window, saturating on overflow.
func (s *Settings) ConsumeErrDataBudget(ctx context.Context, n int) error {
	if n < 1 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.FailureBytes > math.MaxInt-n {
		s.logger.Printf("settings: overflow on number of bytes sent over the network")
		s.st.FailureBytes = math.MaxInt
	} else {
		s.st.FailureBytes += n
	}
	return s.save(ctx)
}

func (s *Settings) ErrDataBudgetConsumed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.FailureBytes
}

// ClearErrDataBudget forgets the bytes charged in the current window.
func (s *Settings) ClearErrDataBudget(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.FailureBytes == 0 {
		return nil
	}
	s.st.FailureBytes = 0
	return s.save(ctx)
}

func (s *Settings) MaxRequestTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.st.MaxRequestTimeMillis) * time.Millisecond
}

func (s *Settings) SetMaxRequestTime(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.MaxRequestTimeMillis == d.Milliseconds() {
		return nil
	}
	s.st.MaxRequestTimeMillis = d.Milliseconds()
	return s.save(ctx)
}
