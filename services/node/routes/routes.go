// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires the node's HTTP surface onto a gin engine.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/neurofed/sitenode/pkg/logging"
	"github.com/neurofed/sitenode/services/node/approval"
	"github.com/neurofed/sitenode/services/node/catalog"
	"github.com/neurofed/sitenode/services/node/handlers"
	"github.com/neurofed/sitenode/services/node/middleware"
	"github.com/neurofed/sitenode/services/node/observability"
	"github.com/neurofed/sitenode/services/node/store"
	"github.com/neurofed/sitenode/services/node/uploads"
)

// Deps carries everything the routes need. All fields are required
// except Gatherer, which defaults to the global prometheus registry.
type Deps struct {
	NodeID       string
	Catalogs     *catalog.Registry
	Uploads      *uploads.Store
	Approvals    *approval.Service
	Results      *store.ResultStore
	Jobs         handlers.JobController
	Metrics      *observability.Metrics
	Gatherer     prometheus.Gatherer
	Log          *logging.Logger
	MaxBodyBytes int64

	// UploadsPerMinute throttles the two upload endpoints together.
	UploadsPerMinute int
}

func SetupRoutes(router *gin.Engine, deps Deps) {
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router.GET("/healthz", handlers.HealthCheck(deps.NodeID, deps.Approvals, deps.Jobs))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	perMinute := deps.UploadsPerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	uploadLimiter := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)

	v1 := router.Group("/v1", middleware.BodySizeLimit(deps.MaxBodyBytes))
	{
		v1.GET("/catalogs", handlers.ListCatalogs(deps.Catalogs, deps.Log))
		v1.GET("/catalogs/:id", handlers.GetCatalog(deps.Catalogs, deps.Log))
		v1.GET("/catalogs/:id/options", handlers.CatalogOptions(deps.Catalogs, deps.Log))

		up := v1.Group("/uploads")
		{
			up.GET("", handlers.ListUploads(deps.Uploads, deps.Log))
			limited := up.Group("", middleware.UploadRateLimit(uploadLimiter))
			limited.POST("/script", handlers.UploadScript(deps.Uploads, deps.Metrics, deps.Log))
			limited.POST("/data", handlers.UploadData(deps.Uploads, deps.Metrics, deps.Log))
		}

		requests := v1.Group("/requests")
		{
			requests.POST("", handlers.CreateRequest(deps.Approvals, deps.Metrics, deps.Log))
			requests.GET("", handlers.ListRequests(deps.Approvals, deps.Log))
			requests.GET("/:id", handlers.GetRequest(deps.Approvals))
			requests.POST("/:id/decision", handlers.DecideRequest(deps.Approvals, deps.Metrics, deps.Log))
			requests.GET("/:id/results", handlers.RequestResults(deps.Approvals, deps.Results))
			requests.GET("/:id/job", handlers.GetJob(deps.Approvals, deps.Jobs))
			requests.DELETE("/:id", handlers.CancelRequest(deps.Approvals, deps.Jobs, deps.Log))
		}

		admin := v1.Group("/admin")
		{
			admin.GET("/requests/:id/results", handlers.AdminRequestResults(deps.Approvals, deps.Results))
		}
	}
}
