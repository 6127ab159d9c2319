// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package node wires the site node together: stores, catalog registry,
// upload store, approval service, job runner, and the HTTP surface.
package node

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/neurofed/sitenode/pkg/logging"
	"github.com/neurofed/sitenode/services/node/approval"
	"github.com/neurofed/sitenode/services/node/catalog"
	"github.com/neurofed/sitenode/services/node/config"
	"github.com/neurofed/sitenode/services/node/datatypes"
	"github.com/neurofed/sitenode/services/node/observability"
	"github.com/neurofed/sitenode/services/node/routes"
	"github.com/neurofed/sitenode/services/node/runner"
	"github.com/neurofed/sitenode/services/node/store"
	"github.com/neurofed/sitenode/services/node/uploads"
)

// Run starts the node and blocks until SIGINT or SIGTERM, then shuts
// down gracefully: HTTP first, runner second, stores last.
func Run(cfg *config.Config, log *logging.Logger) error {
	shutdownTracer, err := observability.InitTracer("sitenode", log)
	if err != nil {
		log.Warn("tracer init failed, continuing without tracing", "error", err)
		shutdownTracer = func(context.Context) {}
	}
	defer shutdownTracer(context.Background())

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(registry)

	// --- persistence ---

	requestsDB, err := store.OpenDB(store.DefaultDBConfig(cfg.RequestsDir()))
	if err != nil {
		return fmt.Errorf("open request store: %w", err)
	}
	defer requestsDB.Close()
	resultsDB, err := store.OpenDB(store.DefaultDBConfig(cfg.ResultsDir()))
	if err != nil {
		return fmt.Errorf("open result store: %w", err)
	}
	defer resultsDB.Close()

	audit, err := store.OpenAudit(cfg.AuditLogPath())
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer audit.Close()

	requests := store.NewRequestStore(requestsDB, audit)
	results := store.NewResultStore(resultsDB)
	jobRecords := store.NewJobStore(requestsDB)

	requestsGC, err := store.NewGCRunner(requestsDB, 10*time.Minute, log.Slog())
	if err != nil {
		return err
	}
	requestsGC.Start()
	defer requestsGC.Stop()
	resultsGC, err := store.NewGCRunner(resultsDB, 10*time.Minute, log.Slog())
	if err != nil {
		return err
	}
	resultsGC.Start()
	defer resultsGC.Stop()

	// --- catalog and uploads ---

	reg := catalog.New(cfg.ManifestPath, cfg.Privacy.DefaultMinCohort, log)
	defer reg.Close()
	if err := reg.Watch(); err != nil {
		log.Warn("manifest watch unavailable, relying on mtime checks", "error", err)
	}
	if _, err := reg.List(); err != nil {
		// A missing manifest is fatal at startup; the operator has to
		// provision the node before exposing it.
		return fmt.Errorf("load manifest: %w", err)
	}

	uploadStore, err := uploads.NewStore(cfg.UploadsDir(), cfg.Uploads.MaxFileBytes, log)
	if err != nil {
		return fmt.Errorf("open upload store: %w", err)
	}
	reg.SetSyntheticSource(uploadStore)
	uploadStore.SetNotifier(reg)

	// --- lifecycle and execution ---

	approvals := approval.New(requests, reg, uploadStore, cfg.Privacy.PendingTTL, nil, log)

	jobs, err := runner.New(cfg.Runner, cfg.WorkDir(), reg, uploadStore, approvals, results,
		jobRecords, metrics, log)
	if err != nil {
		return fmt.Errorf("init runner: %w", err)
	}
	approvals.SetApprovedSink(func(req *datatypes.AnalysisRequest) { jobs.Enqueue(req) })

	// Requests found Running were interrupted by the last shutdown;
	// Approved ones go back on the queue.
	if n, err := approvals.Reconcile(); err != nil {
		log.Error("startup reconcile failed", "error", err)
	} else if n > 0 {
		log.Warn("requests marked interrupted after restart", "count", n)
	}
	if n, err := jobs.Recover(); err != nil {
		log.Error("startup recovery failed", "error", err)
	} else if n > 0 {
		log.Info("approved requests re-queued after restart", "count", n)
	}

	jobs.Start()
	defer jobs.Stop()

	// --- HTTP surface ---

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("sitenode"))

	routes.SetupRoutes(router, routes.Deps{
		NodeID:           cfg.NodeID,
		Catalogs:         reg,
		Uploads:          uploadStore,
		Approvals:        approvals,
		Results:          results,
		Jobs:             jobs,
		Metrics:          metrics,
		Gatherer:         registry,
		Log:              log,
		MaxBodyBytes:     cfg.Uploads.MaxFileBytes,
		UploadsPerMinute: cfg.Uploads.RatePerMinute,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("node listening", "addr", cfg.ListenAddr, "node", cfg.NodeID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("http shutdown incomplete", "error", err)
	}
	return nil
}
