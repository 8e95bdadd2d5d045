/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kentakayama/rkpd-keypool/internal/pool"
)

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run one pool maintenance pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		d, err := openDaemon(ctx, configPath)
		if err != nil {
			return err
		}
		defer d.close()

		if err := d.provisioner.MaintainPool(ctx, d.registry.All()); err != nil {
			return fmt.Errorf("pool maintenance failed: %w", err)
		}
		return d.printStatus(ctx, cmd)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the pool state of every signing component",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		d, err := openDaemon(ctx, configPath)
		if err != nil {
			return err
		}
		defer d.close()
		return d.printStatus(ctx, cmd)
	},
}

func (d *daemon) printStatus(ctx context.Context, cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "server: %s\n", d.settings.URL())
	fmt.Fprintf(out, "extra signed keys: %d, expiring by: %s\n", d.settings.ExtraSignedKeysAvailable(), d.settings.ExpiringBy())
	fmt.Fprintf(out, "failure counter: %d\n", d.settings.FailureCounter())

	for _, c := range d.registry.All() {
		stats, err := pool.ProcessPool(ctx, d.repo, c.Name(), d.settings.ExtraSignedKeysAvailable(), d.settings.ExpirationTime())
		if err != nil {
			return fmt.Errorf("failed to query pool for %s: %w", c.Name(), err)
		}
		fmt.Fprintf(out, "%s: in use %d, unassigned %d, to generate %d\n",
			c.Name(), stats.KeysInUse, stats.KeysUnassigned, stats.KeysToGenerate)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(maintainCmd)
	rootCmd.AddCommand(statusCmd)
}
