/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kentakayama/rkpd-keypool/internal/server"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve keys over HTTP and maintain the pool periodically",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := context.WithCancel(context.Background())
		defer stop()

		d, err := openDaemon(ctx, configPath)
		if err != nil {
			return err
		}
		defer d.close()

		addr := d.cfg.Addr
		if listenAddr != "" {
			addr = listenAddr
		}
		srv := server.New(addr, d.service, d.metrics, d.logger)

		done := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		maintained := make(chan struct{})
		go func() {
			defer close(maintained)
			d.maintainEvery(ctx, d.cfg.MaintenanceInterval)
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		var runErr error
		select {
		case sig := <-quit:
			d.logger.Printf("rkpd: received %s, shutting down", sig)
		case runErr = <-done:
		}

		stop()
		<-maintained
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return runErr
	},
}

// maintainEvery runs a maintenance pass right away and then on every tick
// until ctx is done.
func (d *daemon) maintainEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		d.logger.Printf("rkpd: periodic maintenance disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := d.provisioner.MaintainPool(ctx, d.registry.All()); err != nil {
			d.logger.Printf("rkpd: pool maintenance failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&listenAddr, "addr", "", "Address to listen on (overrides config)")
}
