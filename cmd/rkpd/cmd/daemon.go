/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/kentakayama/rkpd-keypool/internal/config"
	"github.com/kentakayama/rkpd-keypool/internal/hal"
	"github.com/kentakayama/rkpd-keypool/internal/infra/rkp"
	"github.com/kentakayama/rkpd-keypool/internal/infra/sqlite"
	"github.com/kentakayama/rkpd-keypool/internal/metrics"
	"github.com/kentakayama/rkpd-keypool/internal/provisioner"
	"github.com/kentakayama/rkpd-keypool/internal/registration"
	"github.com/kentakayama/rkpd-keypool/internal/settings"
)

// daemon holds every wired component of one rkpd process.
type daemon struct {
	cfg         *config.RKPDConfig
	db          *sql.DB
	repo        *sqlite.ProvisionedKeyRepository
	settings    *settings.Settings
	registry    *hal.Registry
	metrics     *metrics.Metrics
	provisioner *provisioner.Provisioner
	service     *registration.Service
	logger      *log.Logger
}

func openDaemon(ctx context.Context, path string) (*daemon, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	cfg.Server.Logger = logger

	db, err := sqlite.InitDB(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open key pool database: %w", err)
	}

	st, err := settings.Load(ctx, sqlite.NewSettingsRepository(db), cfg.Server.BaseURL,
		settings.WithLogger(logger),
		settings.WithErrDataBudget(cfg.Server.ErrDataBudget, cfg.Server.ErrDataBudgetWindow),
	)
	if err != nil {
		sqlite.CloseDB(db)
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	components := make([]hal.Component, 0, len(cfg.Components))
	for _, cc := range cfg.Components {
		c, err := hal.NewSoftwareComponent(cc.Name, cc.MaxBatchSize)
		if err != nil {
			sqlite.CloseDB(db)
			return nil, fmt.Errorf("failed to create signing component %q: %w", cc.Name, err)
		}
		components = append(components, c)
	}
	registry, err := hal.NewRegistry(components...)
	if err != nil {
		sqlite.CloseDB(db)
		return nil, err
	}

	m := metrics.New()
	repo := sqlite.NewProvisionedKeyRepository(db)
	client := rkp.NewClient(cfg.Server, st, cfg.Fingerprint, rkp.WithMetrics(m))
	p := provisioner.New(provisioner.Config{
		Repository:            repo,
		Client:                client,
		Settings:              st,
		Metrics:               m,
		Fingerprint:           cfg.Fingerprint,
		FailureResetThreshold: cfg.FailureResetThreshold,
		Logger:                logger,
	})
	svc := registration.NewService(registration.Config{
		Repository:  repo,
		Registry:    registry,
		Provisioner: p,
		Settings:    st,
		Metrics:     m,
		Workers:     cfg.Workers,
		Logger:      logger,
	})

	return &daemon{
		cfg:         cfg,
		db:          db,
		repo:        repo,
		settings:    st,
		registry:    registry,
		metrics:     m,
		provisioner: p,
		service:     svc,
		logger:      logger,
	}, nil
}

func (d *daemon) close() {
	d.service.Close()
	if err := sqlite.CloseDB(d.db); err != nil {
		d.logger.Printf("rkpd: failed to close database: %v", err)
	}
}
