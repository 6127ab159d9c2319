// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the gin handlers of the node's HTTP
// surface. Handlers decode, call the core services, and encode; no
// lifecycle or privacy decisions live here.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/neurofed/sitenode/services/node/datatypes"
)

// JobController is the slice of the runner the HTTP surface uses.
type JobController interface {
	Cancel(jobID string) error
	Job(jobID string) (*datatypes.Job, error)
	Active() int
	QueueDepth() int
}

// DecisionInput is the body of POST /v1/requests/:id/decision.
type DecisionInput struct {
	Approver string                 `json:"approver" binding:"required"`
	Verdict  datatypes.DecisionVerb `json:"verdict" binding:"required"`
	Notes    string                 `json:"notes"`
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status        string  `json:"status"`
	NodeID        string  `json:"node_id"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	ActiveJobs    int     `json:"active_jobs"`
	QueuedJobs    int     `json:"queued_jobs"`
	TotalRequests int     `json:"total_requests"`
}

// ResultsResponse is the body of the results endpoints.
type ResultsResponse struct {
	RequestID string                 `json:"request_id"`
	State     datatypes.RequestState `json:"state"`
	Results   []datatypes.Result     `json:"results"`
	Canonical *datatypes.Result      `json:"canonical,omitempty"`
}

// statusFor maps the core error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch datatypes.KindOf(err) {
	case datatypes.KindValidation:
		return http.StatusBadRequest
	case datatypes.KindNotFound:
		return http.StatusNotFound
	case datatypes.KindPolicy:
		return http.StatusConflict
	case datatypes.KindResourceExhausted:
		return http.StatusRequestEntityTooLarge
	case datatypes.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders a core error as the standard error envelope. The
// message is the NodeError text, which by convention never carries
// host paths.
func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Internal detail stays in the logs.
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg})
}

// startTime anchors the uptime report.
var startTime = time.Now()
