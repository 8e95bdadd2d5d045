/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package server

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/kentakayama/rkpd-keypool/internal/domain"
	"github.com/kentakayama/rkpd-keypool/internal/domain/model"
	"github.com/kentakayama/rkpd-keypool/internal/metrics"
	"github.com/kentakayama/rkpd-keypool/internal/registration"
)

const (
	maxRequestBodyBytes = 64 << 10
	contentTypeCBOR     = "application/cbor"
)

type handler struct {
	svc     *registration.Service
	metrics *metrics.Metrics
	logger  *log.Logger
}

type responseSpec struct {
	status      int
	body        []byte
	contentType string
}

type getKeyRequest struct {
	Signer    string `cbor:"signer"`
	ClientUID int    `cbor:"client_uid"`
	KeyID     int    `cbor:"key_id"`
}

type upgradeKeyRequest struct {
	Signer     string `cbor:"signer"`
	ClientUID  int    `cbor:"client_uid"`
	OldKeyBlob []byte `cbor:"old_key_blob"`
	NewKeyBlob []byte `cbor:"new_key_blob"`
}

type errorResponse struct {
	Error   string `cbor:"error"`
	Message string `cbor:"message"`
}

func newHandler(svc *registration.Service, m *metrics.Metrics, logger *log.Logger) *handler {
	return &handler{
		svc:     svc,
		metrics: m,
		logger:  logger,
	}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/metrics" {
		if r.Method != http.MethodGet {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		h.metrics.Handler().ServeHTTP(w, r)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	switch r.URL.Path {
	case "/v1/keys:get":
		h.getKey(w, r)
		return
	case "/v1/keys:upgrade":
		h.upgradeKey(w, r)
		return
	default:
		http.NotFound(w, r)
		return
	}
}

// readCBOR decodes the request body into v. On failure the response has
// already been written.
func (h *handler) readCBOR(w http.ResponseWriter, r *http.Request, requestID string, v any) bool {
	if r.Header.Get("Content-Type") != contentTypeCBOR {
		h.logger.Printf("[%s] content type mismatch: expected %s, actual %v", requestID, contentTypeCBOR, r.Header.Get("Content-Type"))
		http.Error(w, "This endpoint only accepts Content-Type: "+contentTypeCBOR, http.StatusUnsupportedMediaType)
		return false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		h.logger.Printf("[%s] failed reading request body: %v", requestID, err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return false
	}
	if err := r.Body.Close(); err != nil {
		h.logger.Printf("[%s] failed closing request body: %v", requestID, err)
		http.Error(w, "failed to close request body", http.StatusBadRequest)
		return false
	}
	if err := cbor.Unmarshal(body, v); err != nil {
		h.logger.Printf("[%s] failed to parse request: %v", requestID, err)
		http.Error(w, "failed to parse request", http.StatusBadRequest)
		return false
	}
	return true
}

// waitCallback turns the asynchronous GetKey outcome into a value.
type waitCallback struct {
	done chan getKeyOutcome
}

type getKeyOutcome struct {
	key       *model.RemotelyProvisionedKey
	cancelled bool
	code      registration.GetKeyError
	message   string
}

func newWaitCallback() *waitCallback {
	return &waitCallback{done: make(chan getKeyOutcome, 1)}
}

func (c *waitCallback) OnProvisioningNeeded() {}

func (c *waitCallback) OnSuccess(key *model.RemotelyProvisionedKey) {
	c.done <- getKeyOutcome{key: key}
}

func (c *waitCallback) OnCancel() {
	c.done <- getKeyOutcome{cancelled: true}
}

func (c *waitCallback) OnError(code registration.GetKeyError, message string) {
	c.done <- getKeyOutcome{code: code, message: message}
}

func (h *handler) getKey(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)

	var req getKeyRequest
	if !h.readCBOR(w, r, requestID, &req) {
		return
	}

	reg, err := h.svc.GetRegistration(req.Signer, req.ClientUID)
	if err != nil {
		h.logger.Printf("[%s] %v", requestID, err)
		if errors.Is(err, domain.ErrUnknownSigner) {
			h.writeError(w, http.StatusNotFound, "ERROR_UNKNOWN_SIGNER", err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, registration.ErrorUnknown.String(), err.Error())
		return
	}

	cb := newWaitCallback()
	if err := reg.GetKey(req.KeyID, cb); err != nil {
		h.logger.Printf("[%s] failed to start getKey: %v", requestID, err)
		h.writeError(w, http.StatusConflict, registration.ErrorUnknown.String(), err.Error())
		return
	}
	h.logger.Printf("[%s] getKey for %s uid %d key id %d", requestID, req.Signer, req.ClientUID, req.KeyID)

	var out getKeyOutcome
	select {
	case out = <-cb.done:
	case <-r.Context().Done():
		h.logger.Printf("[%s] client went away, cancelling getKey", requestID)
		reg.CancelGetKey(cb)
		return
	}

	switch {
	case out.key != nil:
		body, err := cbor.Marshal(out.key)
		if err != nil {
			h.logger.Printf("[%s] failed to encode key: %v", requestID, err)
			h.writeResponse(w, responseSpec{status: http.StatusInternalServerError})
			return
		}
		h.writeResponse(w, responseSpec{
			status:      http.StatusOK,
			body:        body,
			contentType: contentTypeCBOR,
		})
	case out.cancelled:
		h.writeError(w, http.StatusServiceUnavailable, "CANCELLED", "request was cancelled")
	default:
		h.writeError(w, statusForGetKeyError(out.code), out.code.String(), out.message)
	}
}

func statusForGetKeyError(code registration.GetKeyError) int {
	switch code {
	case registration.ErrorPermanent:
		return http.StatusForbidden
	case registration.ErrorPendingInternetConnectivity:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) upgradeKey(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)

	var req upgradeKeyRequest
	if !h.readCBOR(w, r, requestID, &req) {
		return
	}
	if len(req.OldKeyBlob) == 0 || len(req.NewKeyBlob) == 0 {
		http.Error(w, "both key blobs are required", http.StatusBadRequest)
		return
	}

	reg, err := h.svc.GetRegistration(req.Signer, req.ClientUID)
	if err != nil {
		h.logger.Printf("[%s] %v", requestID, err)
		if errors.Is(err, domain.ErrUnknownSigner) {
			h.writeError(w, http.StatusNotFound, "ERROR_UNKNOWN_SIGNER", err.Error())
			return
		}
		h.writeResponse(w, responseSpec{status: http.StatusInternalServerError})
		return
	}

	if err := reg.StoreUpgradedKey(r.Context(), req.OldKeyBlob, req.NewKeyBlob); err != nil {
		h.logger.Printf("[%s] storeUpgradedKey failed: %v", requestID, err)
		if errors.Is(err, domain.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "ERROR_KEY_NOT_FOUND", "no keys matching old key blob found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "ERROR_INTERNAL", "internal error")
		return
	}
	h.writeResponse(w, responseSpec{status: http.StatusNoContent})
}

func (h *handler) writeError(w http.ResponseWriter, status int, code, message string) {
	body, err := cbor.Marshal(errorResponse{Error: code, Message: message})
	if err != nil {
		h.logger.Printf("failed to encode error response: %v", err)
		h.writeResponse(w, responseSpec{status: status})
		return
	}
	h.writeResponse(w, responseSpec{
		status:      status,
		body:        body,
		contentType: contentTypeCBOR,
	})
}

func (h *handler) writeResponse(w http.ResponseWriter, spec responseSpec) {
	w.Header().Set("Server", "rkpd-keypool")

	if len(spec.body) > 0 {
		for k, v := range defaultHeaders {
			w.Header().Set(k, v)
		}
		w.Header().Set("Content-Type", spec.contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(spec.body)))
		w.WriteHeader(spec.status)
		if _, err := w.Write(spec.body); err != nil {
			h.logger.Printf("failed writing response body: %v", err)
		}
		return
	}

	w.WriteHeader(spec.status)
}

var defaultHeaders = map[string]string{
	"Cache-Control":           "no-store",
	"X-Content-Type-Options":  "nosniff",
	"Content-Security-Policy": "default-src 'none'",
	"Referrer-Policy":         "no-referrer",
}
