/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/kentakayama/rkpd-keypool/internal/metrics"
	"github.com/kentakayama/rkpd-keypool/internal/registration"
)

// Server wires the HTTP listener to the key assignment service.
type Server struct {
	handler *handler
	http    *http.Server
	logger  *log.Logger
}

// New constructs a Server listening on addr.
func New(addr string, svc *registration.Service, m *metrics.Metrics, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}

	h := newHandler(svc, m, logger)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return &Server{
		handler: h,
		http:    httpSrv,
		logger:  logger,
	}
}

// Handler exposes the request handler, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe starts the HTTP server and blocks until it stops.
func (s *Server) ListenAndServe() error {
	s.logger.Printf("Run RKPD Server on %s.", s.http.Addr)

	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully takes down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
