// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/neurofed/sitenode/services/node/approval"
	"github.com/neurofed/sitenode/services/node/datatypes"
)

// HealthCheck reports node identity, uptime, and job load. It never
// fails; a node that can serve this endpoint is healthy by definition
// of the contract (all state is local, there is no upstream to probe).
func HealthCheck(nodeID string, approvals *approval.Service, jobs JobController) gin.HandlerFunc {
	return func(c *gin.Context) {
		total := 0
		if all, err := approvals.List(datatypes.RequestFilter{}); err == nil {
			total = len(all)
		}
		c.JSON(http.StatusOK, HealthResponse{
			Status:        "ok",
			NodeID:        nodeID,
			UptimeSeconds: time.Since(startTime).Seconds(),
			ActiveJobs:    jobs.Active(),
			QueuedJobs:    jobs.QueueDepth(),
			TotalRequests: total,
		})
	}
}
