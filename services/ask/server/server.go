// Copyright (C) 2025 Kettle Glass (oss@kettleglass.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package server wires the ask daemon together: HTTP routing, the request
// orchestrator, the session store, billing, tracing, and metrics.
//
// # Usage
//
//	cfg := server.Config{Port: 12310, DataDir: "~/.kettle/data"}
//	srv, err := server.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(srv.Run(ctx))
//
// Enterprise deployments inject custom implementations through
// extensions.ServiceOptions; everything defaults to a local no-op.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/kettleglass/kettle/pkg/extensions"
	"github.com/kettleglass/kettle/pkg/logging"
	"github.com/kettleglass/kettle/services/ask"
	"github.com/kettleglass/kettle/services/ask/billing"
	"github.com/kettleglass/kettle/services/ask/handlers"
	"github.com/kettleglass/kettle/services/ask/observability"
	"github.com/kettleglass/kettle/services/ask/routes"
	"github.com/kettleglass/kettle/services/ask/store"
	"github.com/kettleglass/kettle/services/llm"
)

// Service is the daemon lifecycle contract.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run blocks and should
// be called at most once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until ctx is cancelled or the
	// server fails. Shutdown is graceful: in-flight requests get a short
	// drain window.
	Run(ctx context.Context) error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// Config holds daemon configuration. All fields have defaults.
type Config struct {
	// Port is the HTTP server port. Default: 12310.
	Port int

	// DataDir is the session store directory. Default: ~/.kettle/data.
	// Set InMemoryStore for tests instead.
	DataDir string

	// InMemoryStore keeps sessions in RAM; used by tests.
	InMemoryStore bool

	// BillingURL is the usage-reporting endpoint. Empty disables
	// reporting (a no-op reporter is used).
	BillingURL string

	// BillingAPIKey authenticates usage reports. Optional.
	BillingAPIKey string

	// OTelEndpoint is the OpenTelemetry collector endpoint. Empty
	// disables tracing.
	OTelEndpoint string

	// DisableMetrics skips Prometheus metric registration. Metrics are on
	// by default.
	DisableMetrics bool

	// GinMode sets the Gin framework mode. Default: release.
	GinMode string

	// ShutdownGrace is the drain window for graceful shutdown.
	// Default: 5s.
	ShutdownGrace time.Duration

	Logger *logging.Logger
}

type service struct {
	config        Config
	opts          extensions.ServiceOptions
	log           *logging.Logger
	router        *gin.Engine
	orchestrator  *ask.Service
	hub           *handlers.EventHub
	store         store.Store
	tracerCleanup func(context.Context)
}

var _ Service = (*service)(nil)

// New builds a ready-to-run daemon.
//
// A missing provider API key is not fatal: the daemon runs without an LLM
// client and every submission fails with a model-not-configured error the
// surface can render, which beats refusing to start on a fresh install.
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}
	s.log = s.config.Logger
	if s.log == nil {
		s.log = logging.Default()
	}

	s.opts = extensions.DefaultOptions(opts)

	if s.config.OTelEndpoint != "" {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	if !s.config.DisableMetrics {
		observability.InitMetrics()
	}

	if err := s.initStore(); err != nil {
		s.cleanup()
		return nil, err
	}

	var streamClient llm.StreamingClient
	client, err := llm.NewOpenAIStreamClient()
	if err != nil {
		s.log.Warn("no provider configured; submissions will fail until a key is set",
			"error", err)
	} else {
		streamClient = client
		s.log.Info("provider client initialized", "model", client.Model())
	}

	var reporter billing.UsageReporter = &billing.NopReporter{Log: s.log.Slog()}
	if s.config.BillingURL != "" {
		reporter = billing.NewHTTPReporter(s.config.BillingURL, s.config.BillingAPIKey)
	}

	s.hub = handlers.NewEventHub(s.log)
	s.orchestrator = ask.New(ask.Deps{
		LLM:     streamClient,
		Store:   s.store,
		Billing: reporter,
		Auth:    s.opts.AuthProvider,
		Filter:  s.opts.MessageFilter,
		Sink:    s.hub,
		Metrics: observability.DefaultMetrics,
		Logger:  s.log,
		Buffers: ask.DefaultBufferFactory(s.log),
	})

	s.initRouter()
	return s, nil
}

// Run implements Service.
func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("starting ask daemon", "port", s.config.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.orchestrator.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Router implements Service.
func (s *service) Router() *gin.Engine {
	return s.router
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".kettle", "data")
		} else {
			cfg.DataDir = "./data"
		}
	}
	if cfg.GinMode == "" {
		cfg.GinMode = gin.ReleaseMode
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	return cfg
}

func (s *service) initStore() error {
	var cfg store.Config
	if s.config.InMemoryStore {
		cfg = store.InMemoryConfig()
	} else {
		if err := os.MkdirAll(s.config.DataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		cfg = store.DefaultConfig(s.config.DataDir)
	}
	cfg.Logger = s.log.Slog()

	st, err := store.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	s.store = st
	return nil
}

// initTracer sets up the OTLP trace exporter against the configured
// collector. Uses an insecure gRPC connection; the collector is expected
// on the local network.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	endpoint := strings.TrimSpace(s.config.OTelEndpoint)
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("kettle-ask")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			s.log.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}
	return cleanup, nil
}

func (s *service) initRouter() {
	gin.SetMode(s.config.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())

	routes.SetupRoutes(s.router, s.orchestrator, s.hub, s.store, s.opts)
}

func (s *service) cleanup() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Warn("session store close error", "error", err)
		}
		s.store = nil
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
}
