/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import "time"

// NoExtraKeyUpdate marks a ServerConfig that did not carry an extra key count.
const NoExtraKeyUpdate = -1

// ServerConfig is the answer of the provisioning server's config endpoint.
type ServerConfig struct {
	Challenge       []byte
	GeekChains      map[int][]byte // EEK curve -> encoded EEK certificate chain
	ExtraKeys       int
	TimeToRefresh   *time.Duration
	ProvisioningURL string
}

// GeekChain returns the EEK chain for the given curve, or nil.
func (c *ServerConfig) GeekChain(curve int) []byte {
	if c.GeekChains == nil {
		return nil
	}
	return c.GeekChains[curve]
}

// ProvisioningDisabled reports whether the server asked to stop provisioning.
func (c *ServerConfig) ProvisioningDisabled() bool {
	return c.ExtraKeys == 0
}
