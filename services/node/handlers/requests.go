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

	"github.com/neurofed/sitenode/pkg/logging"
	"github.com/neurofed/sitenode/services/node/approval"
	"github.com/neurofed/sitenode/services/node/datatypes"
	"github.com/neurofed/sitenode/services/node/observability"
	"github.com/neurofed/sitenode/services/node/store"
)

func CreateRequest(approvals *approval.Service, metrics *observability.Metrics, log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input datatypes.CreateRequestInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
			return
		}
		req, err := approvals.Submit(&input)
		if err != nil {
			writeError(c, err)
			return
		}
		metrics.RequestsTotal.WithLabelValues(string(req.State)).Inc()
		log.Info("request submitted", "request", req.ID, "catalog", req.CatalogID,
			"requester", req.Requester.Email)
		c.JSON(http.StatusCreated, req)
	}
}

// ListRequests supports the state, requester, catalog_id, and since
// query parameters. since takes RFC 3339.
func ListRequests(approvals *approval.Service, log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := datatypes.RequestFilter{
			State:     datatypes.RequestState(c.Query("state")),
			Requester: c.Query("requester"),
			CatalogID: c.Query("catalog_id"),
		}
		if since := c.Query("since"); since != "" {
			ts, err := time.Parse(time.RFC3339, since)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC 3339"})
				return
			}
			filter.Since = ts
		}
		rows, err := approvals.List(filter)
		if err != nil {
			log.Error("request list failed", "error", err)
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"requests": rows})
	}
}

func GetRequest(approvals *approval.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := approvals.Get(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, req)
	}
}

// DecideRequest records an approve or deny verdict on a pending
// request. An approval hands the request to the runner through the
// approved sink; the handler only reports the transition.
func DecideRequest(approvals *approval.Service, metrics *observability.Metrics, log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input DecisionInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed decision body"})
			return
		}
		req, err := approvals.Decide(c.Param("id"), input.Approver, input.Verdict, input.Notes)
		if err != nil {
			writeError(c, err)
			return
		}
		metrics.RequestsTotal.WithLabelValues(string(req.State)).Inc()
		log.Info("request decided", "request", req.ID, "verdict", input.Verdict,
			"approver", input.Approver, "state", req.State)
		c.JSON(http.StatusOK, req)
	}
}

// CancelRequest maps DELETE /v1/requests/:id onto the lifecycle: a
// pending request is self-denied, a queued or running one has its job
// cancelled. Terminal requests conflict.
func CancelRequest(approvals *approval.Service, jobs JobController, log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := approvals.Get(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}

		switch req.State {
		case datatypes.StatePending, datatypes.StateSubmitted:
			requester := c.Query("requester")
			if requester == "" {
				requester = req.Requester.Email
			}
			updated, err := approvals.CancelPending(req.ID, requester)
			if err != nil {
				writeError(c, err)
				return
			}
			log.Info("request cancelled while pending", "request", req.ID)
			c.JSON(http.StatusOK, updated)
		case datatypes.StateApproved, datatypes.StateRunning:
			if req.JobID == "" {
				// Approved but not yet handed a job id; the decision
				// sink races submission for a moment.
				c.JSON(http.StatusConflict, gin.H{"error": "job not yet scheduled, retry"})
				return
			}
			if err := jobs.Cancel(req.JobID); err != nil {
				writeError(c, err)
				return
			}
			log.Info("job cancellation requested", "request", req.ID, "job", req.JobID)
			c.JSON(http.StatusAccepted, gin.H{"status": "cancelling", "request_id": req.ID})
		default:
			c.JSON(http.StatusConflict,
				gin.H{"error": "request already " + string(req.State)})
		}
	}
}

// RequestResults serves the external results view: blocked rows appear
// as placeholders, suppressed originals never leave the node.
func RequestResults(approvals *approval.Service, results *store.ResultStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := approvals.Get(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		rows, err := results.ListExternal(req.ID)
		if err != nil {
			writeError(c, err)
			return
		}
		canonical, err := results.Canonical(req.ID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, ResultsResponse{
			RequestID: req.ID,
			State:     req.State,
			Results:   rows,
			Canonical: canonical,
		})
	}
}

// AdminRequestResults serves the audit view: every row, including
// suppressed originals of blocked results. Deployments must keep this
// route behind the operator surface.
func AdminRequestResults(approvals *approval.Service, results *store.ResultStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := approvals.Get(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		rows, err := results.ListAll(req.ID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, ResultsResponse{
			RequestID: req.ID,
			State:     req.State,
			Results:   rows,
		})
	}
}

// GetJob reports the job record behind a request, when one exists.
func GetJob(approvals *approval.Service, jobs JobController) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := approvals.Get(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		if req.JobID == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "request has no job"})
			return
		}
		job, err := jobs.Job(req.JobID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}
