// Copyright (C) 2025 Kettle Glass (oss@kettleglass.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command kettled starts the Kettle ask daemon.
//
// The daemon exposes the ask HTTP and websocket API on loopback for the
// desktop shell. Configuration comes from flags, with environment-variable
// fallbacks for container deployments.
//
// # Environment Variables
//
//   - KETTLE_PORT: HTTP server port (default: 12310)
//   - KETTLE_DATA_DIR: session store directory (default: ~/.kettle/data)
//   - KETTLE_BILLING_URL: usage reporting endpoint (optional)
//   - KETTLE_BILLING_API_KEY: usage reporting credential (optional)
//   - KETTLE_LLM_API_KEY / OPENAI_API_KEY: provider API key
//   - KETTLE_LLM_MODEL: provider model override
//   - KETTLE_LLM_BASE_URL: provider base URL override
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (optional)
//
// # Usage
//
//	go build -o kettled ./cmd/kettled
//	./kettled --port 12310
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/kettleglass/kettle/pkg/logging"
	"github.com/kettleglass/kettle/services/ask/server"
)

func main() {
	// Wipe any secure buffers still alive when the process exits.
	defer memguard.Purge()

	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		memguard.Purge()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		port       int
		dataDir    string
		billingURL string
		otelAddr   string
		logLevel   string
		logDir     string
		jsonLogs   bool
	)

	cmd := &cobra.Command{
		Use:   "kettled",
		Short: "Kettle ask daemon",
		Long: `kettled serves the ask API the Kettle desktop shell talks to:
request submission, live state events, and session history.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := logging.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log := logging.New(logging.Config{
				Level:   level,
				LogDir:  logDir,
				Service: "kettled",
				JSON:    jsonLogs,
			})
			defer log.Close()

			cfg := server.Config{
				Port:          port,
				DataDir:       dataDir,
				BillingURL:    billingURL,
				BillingAPIKey: os.Getenv("KETTLE_BILLING_API_KEY"),
				OTelEndpoint:  otelAddr,
				Logger:        log,
			}

			srv, err := server.New(cfg, nil)
			if err != nil {
				return fmt.Errorf("failed to create daemon: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("daemon error: %w", err)
			}
			log.Info("daemon stopped")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&port, "port", getEnvInt("KETTLE_PORT", 12310), "HTTP server port")
	flags.StringVar(&dataDir, "data-dir", os.Getenv("KETTLE_DATA_DIR"),
		"session store directory (default ~/.kettle/data)")
	flags.StringVar(&billingURL, "billing-url", os.Getenv("KETTLE_BILLING_URL"),
		"usage reporting endpoint (empty disables reporting)")
	flags.StringVar(&otelAddr, "otel-endpoint", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		"OpenTelemetry collector endpoint (empty disables tracing)")
	flags.StringVar(&logLevel, "log-level", getEnvString("KETTLE_LOG_LEVEL", "info"),
		"log level: debug, info, warn, error")
	flags.StringVar(&logDir, "log-dir", os.Getenv("KETTLE_LOG_DIR"),
		"also write logs to this directory")
	flags.BoolVar(&jsonLogs, "json-logs", false, "emit JSON logs on stderr")

	return cmd
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
