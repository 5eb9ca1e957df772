// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the capgate capability gateway.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/capgate-io/capgate/cmd/capgate/app"
	"github.com/capgate-io/capgate/pkg/logger"
)

func main() {
	// Cancel the root context on signal so serve shuts down gracefully.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("Error executing command: %v", err)
		os.Exit(1)
	}
}
