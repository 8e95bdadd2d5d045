/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package rkp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kentakayama/rkpd-keypool/internal/config"
	"github.com/kentakayama/rkpd-keypool/internal/domain"
	"github.com/kentakayama/rkpd-keypool/internal/domain/model"
	"github.com/kentakayama/rkpd-keypool/internal/metrics"
	"github.com/kentakayama/rkpd-keypool/internal/settings"
	"github.com/kentakayama/rkpd-keypool/internal/util"
)

const (
	fetchConfigEndpoint      = ":fetchEekChain"
	signCertificatesEndpoint = ":signCertificates?challenge="

	defaultAttemptTimeout    = 20 * time.Second
	defaultInitialBackoff    = 100 * time.Millisecond
	defaultBackoffMultiplier = 2.0
	defaultUserAgent         = "rkpd-keypool/client"
	contentTypeCBOR          = "application/cbor"
	maxErrorBodyBytes        = 1024
)

// NetworkMonitor reports whether the host currently has connectivity.
type NetworkMonitor interface {
	Connected() bool
}

// Client talks to the remote provisioning server.
type Client struct {
	httpClient     *http.Client
	settings       *settings.Settings
	fingerprint    string
	attemptTimeout time.Duration
	initialBackoff time.Duration
	multiplier     float64
	metrics        *metrics.Metrics
	monitor        NetworkMonitor
	logger         *log.Logger
}

type Option func(*Client)

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithNetworkMonitor(n NetworkMonitor) Option {
	return func(c *Client) { c.monitor = n }
}

// NewClient builds a client. The server URL is read from st on every
// request so that server-pushed URLs take effect immediately.
func NewClient(cfg config.ServerConfig, st *settings.Settings, fingerprint string, opts ...Option) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	attemptTimeout := cfg.AttemptTimeout
	if attemptTimeout == 0 {
		attemptTimeout = defaultAttemptTimeout
	}
	initialBackoff := cfg.InitialBackoff
	if initialBackoff == 0 {
		initialBackoff = defaultInitialBackoff
	}
	multiplier := cfg.BackoffMultiplier
	if multiplier == 0 {
		multiplier = defaultBackoffMultiplier
	}

	transport := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureTLS},
	}

	c := &Client{
		httpClient:     &http.Client{Transport: transport},
		settings:       st,
		fingerprint:    fingerprint,
		attemptTimeout: attemptTimeout,
		initialBackoff: initialBackoff,
		multiplier:     multiplier,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchServerConfig retrieves the EEK chains, a fresh challenge and the
// optional device configuration.
func (c *Client) FetchServerConfig(ctx context.Context) (*model.ServerConfig, error) {
	input, err := EncodeProvisioningInfo(c.fingerprint, c.settings.ID())
	if err != nil {
		return nil, domain.WrapError(domain.InternalError, "encode provisioning info", err)
	}
	body, err := c.exchange(ctx, metrics.OpFetchConfig, fetchConfigEndpoint, input)
	if err != nil {
		return nil, err
	}
	c.logResponse(metrics.OpFetchConfig, body)

	cfg, err := ParseServerConfig(body)
	if err != nil {
		c.metrics.ClientOperation(metrics.OpFetchConfig, "malformed")
		return nil, domain.WrapError(domain.HTTPServerError, "response failed to parse", err)
	}
	return cfg, nil
}

// FetchServerConfigAndUpdate fetches the config and persists whatever
// device configuration the server pushed.
func (c *Client) FetchServerConfigAndUpdate(ctx context.Context) (*model.ServerConfig, error) {
	cfg, err := c.FetchServerConfig(ctx)
	if err != nil {
		return nil, err
	}
	updated, err := c.settings.SetDeviceConfig(ctx, cfg.ExtraKeys, cfg.TimeToRefresh, cfg.ProvisioningURL)
	if err != nil {
		return nil, domain.WrapError(domain.InternalError, "store device config", err)
	}
	if updated {
		c.logger.Printf("rkp: device config updated (extra keys %d, url %q)", c.settings.ExtraSignedKeysAvailable(), c.settings.URL())
	}
	return cfg, nil
}

// RequestSignedCertificates exchanges csr for one DER certificate chain per
// key, leaf first.
func (c *Client) RequestSignedCertificates(ctx context.Context, csr, challenge []byte) ([][]byte, error) {
	endpoint := signCertificatesEndpoint + base64.URLEncoding.EncodeToString(challenge)
	body, err := c.exchange(ctx, metrics.OpSignCerts, endpoint, csr)
	if err != nil {
		return nil, err
	}
	c.logResponse(metrics.OpSignCerts, body)

	chains, err := ParseSignedCertificates(body)
	if err != nil {
		c.metrics.ClientOperation(metrics.OpSignCerts, "malformed")
		return nil, domain.WrapError(domain.InternalError, "response failed to parse", err)
	}
	return chains, nil
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.Multiplier = c.multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = c.settings.MaxRequestTime()
	b.MaxElapsedTime = c.settings.MaxRequestTime()
	b.Reset()
	return b
}

// exchange POSTs input to endpoint, retrying transient failures with
// exponential backoff until the max request time has elapsed.
func (c *Client) exchange(ctx context.Context, op, endpoint string, input []byte) ([]byte, error) {
	attempts := 0
	operation := func() ([]byte, error) {
		attempts++
		body, err := c.attempt(ctx, op, endpoint, input)
		if err == nil {
			return body, nil
		}
		if code, ok := domain.CodeOf(err); ok && !code.Retryable() {
			return nil, backoff.Permanent(err)
		}
		if ctx.Err() != nil || errors.Is(err, domain.ErrOutOfErrorBudget) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Printf("rkp: %s attempt %d failed, retrying in %v: %v", op, attempts, wait, err)
	}

	body, err := backoff.RetryNotifyWithData[[]byte](operation, backoff.WithContext(c.newBackOff(), ctx), notify)
	if err == nil {
		c.metrics.ClientOperation(op, "ok")
		return body, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		c.metrics.ClientOperation(op, "interrupted")
		return nil, fmt.Errorf("%w: %w", domain.ErrInterrupted, ctxErr)
	}
	failures, cerr := c.settings.IncrementFailureCounter(ctx)
	if cerr != nil {
		c.logger.Printf("rkp: failed to increment failure counter: %v", cerr)
	}
	c.logger.Printf("rkp: %s gave up after %d attempts, repeated failure count: %d", op, attempts, failures)
	if errors.Is(err, domain.ErrOutOfErrorBudget) {
		c.metrics.ClientOperation(op, "out_of_error_budget")
		return nil, err
	}
	if code, ok := domain.CodeOf(err); ok && !code.Retryable() {
		c.metrics.ClientOperation(op, "error")
		return nil, err
	}
	c.metrics.ClientOperation(op, "error")
	return nil, c.networkError(fmt.Sprintf("%s failed after %d attempts", op, attempts), err)
}

// attempt performs a single POST. Bytes transacted by a failed attempt are
// charged to the error data budget.
func (c *Client) attempt(ctx context.Context, op, endpoint string, input []byte) ([]byte, error) {
	ok, err := c.settings.HasErrDataBudget(ctx, time.Now())
	if err != nil {
		return nil, domain.WrapError(domain.InternalError, "read error data budget", err)
	}
	if !ok {
		consumed := c.settings.ErrDataBudgetConsumed()
		return nil, c.networkError(
			fmt.Sprintf("out of data budget due to repeated errors, consumed %d bytes", consumed),
			domain.ErrOutOfErrorBudget)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	reqBody := &countingReader{r: bytes.NewReader(input)}
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.settings.URL()+endpoint, reqBody)
	if err != nil {
		return nil, domain.WrapError(domain.InternalError, "create request", err)
	}
	req.ContentLength = int64(len(input))
	req.Header.Set("Content-Type", contentTypeCBOR)
	req.Header.Set("Accept", contentTypeCBOR)
	req.Header.Set("User-Agent", defaultUserAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveServerWait(op, time.Since(start))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.chargeErrDataBudget(ctx, reqBody.count())
		c.logger.Printf("rkp: failed to complete %s request: %v", op, err)
		return nil, c.networkError("error connecting to network", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.metrics.ObserveServerWait(op, time.Since(start))
		errReader := &countingReader{r: io.LimitReader(resp.Body, maxErrorBodyBytes)}
		errBody, _ := io.ReadAll(errReader)
		c.chargeErrDataBudget(ctx, reqBody.count()+errReader.count())
		c.logger.Printf("rkp: server connection failed to %s, response code: %d: %s",
			req.URL.Redacted(), resp.StatusCode, bytes.TrimSpace(errBody))
		return nil, domain.NewHTTPError(resp.StatusCode)
	}

	if err := c.settings.ClearFailureCounter(ctx); err != nil {
		c.logger.Printf("rkp: failed to clear failure counter: %v", err)
	}
	respBody := &countingReader{r: resp.Body}
	body, err := io.ReadAll(respBody)
	c.metrics.ObserveServerWait(op, time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.chargeErrDataBudget(ctx, reqBody.count()+respBody.count())
		return nil, c.networkError("error reading response", err)
	}
	if err := c.settings.ClearErrDataBudget(ctx); err != nil {
		c.logger.Printf("rkp: failed to clear error data budget: %v", err)
	}
	return body, nil
}

// chargeErrDataBudget records n bytes spent on a failed attempt.
func (c *Client) chargeErrDataBudget(ctx context.Context, n int) {
	if err := c.settings.ConsumeErrDataBudget(ctx, n); err != nil {
		c.logger.Printf("rkp: failed to consume error data budget: %v", err)
	}
}

func (c *Client) networkError(message string, cause error) error {
	if c.monitor != nil && !c.monitor.Connected() {
		return domain.WrapError(domain.NoNetworkConnectivity, message, cause)
	}
	var dnsErr *net.DNSError
	if errors.As(cause, &dnsErr) || errors.Is(cause, syscall.ENETUNREACH) {
		return domain.WrapError(domain.NoNetworkConnectivity, message, cause)
	}
	return domain.WrapError(domain.NetworkCommunicationError, message, cause)
}

func (c *Client) logResponse(op string, body []byte) {
	summary, err := util.SummarizeCBOR(body, util.DefaultByteStringPreview)
	if err != nil {
		c.logger.Printf("rkp: %s response is not valid CBOR (%d bytes): %v", op, len(body), err)
		return
	}
	c.logger.Printf("rkp: %s response: %s", op, summary)
}

// countingReader may be read by the transport's writer goroutine.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

func (c *countingReader) count() int {
	return int(c.n.Load())
}
