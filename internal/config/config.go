/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/kentakayama/rkpd-keypool/resources"
	"gopkg.in/yaml.v3"
)

// RKPDConfig captures the tunables required to start the key pool daemon.
type RKPDConfig struct {
	Addr                  string            `yaml:"addr"`
	DBPath                string            `yaml:"db_path"`
	Fingerprint           string            `yaml:"fingerprint"`
	Workers               int64             `yaml:"workers"`
	MaintenanceInterval   time.Duration     `yaml:"maintenance_interval"`
	FailureResetThreshold int               `yaml:"failure_reset_threshold"`
	Components            []ComponentConfig `yaml:"components"`
	Server                ServerConfig      `yaml:"server"`
	Logger                *log.Logger       `yaml:"-"`
}

// ComponentConfig declares one software signing component.
type ComponentConfig struct {
	Name         string `yaml:"name"`
	MaxBatchSize int    `yaml:"max_batch_size"`
}

// ServerConfig configures the provisioning server client.
type ServerConfig struct {
	BaseURL             string        `yaml:"base_url"`
	AttemptTimeout      time.Duration `yaml:"attempt_timeout"`
	InitialBackoff      time.Duration `yaml:"initial_backoff"`
	BackoffMultiplier   float64       `yaml:"backoff_multiplier"`
	ErrDataBudget       int           `yaml:"err_data_budget"`
	ErrDataBudgetWindow time.Duration `yaml:"err_data_budget_window"`
	InsecureTLS         bool          `yaml:"insecure_tls"`
	Logger              *log.Logger   `yaml:"-"`
}

// Default returns the embedded default configuration.
func Default() (*RKPDConfig, error) {
	var c RKPDConfig
	if err := yaml.Unmarshal(resources.DefaultConfigYAML, &c); err != nil {
		return nil, fmt.Errorf("parse default config: %w", err)
	}
	return &c, nil
}

// Load reads path over the embedded defaults. An empty path yields the
// defaults. RKPD_ADDR, RKPD_DB_PATH and RKPD_SERVER_URL override the file.
func Load(path string) (*RKPDConfig, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	c.applyEnvOverrides()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func getEnvStr(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func (c *RKPDConfig) applyEnvOverrides() {
	if v, ok := getEnvStr("RKPD_ADDR"); ok {
		c.Addr = v
	}
	if v, ok := getEnvStr("RKPD_DB_PATH"); ok {
		c.DBPath = v
	}
	if v, ok := getEnvStr("RKPD_SERVER_URL"); ok {
		c.Server.BaseURL = v
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *RKPDConfig) Validate() error {
	if c.DBPath == "" {
		return errors.New("db_path must be set")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if len(c.Components) == 0 {
		return errors.New("at least one signing component is required")
	}
	seen := make(map[string]struct{}, len(c.Components))
	for _, comp := range c.Components {
		if comp.Name == "" {
			return errors.New("signing component name must be set")
		}
		if _, ok := seen[comp.Name]; ok {
			return fmt.Errorf("duplicate signing component %q", comp.Name)
		}
		seen[comp.Name] = struct{}{}
	}
	if c.Server.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be at least 1, got %v", c.Server.BackoffMultiplier)
	}
	return nil
}
