// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package approval implements the request state machine:
//
//	Submitted → Pending → {Approved, Denied, Expired}
//	Approved → Running → {Completed, Failed}
//
// A single service mutex serializes transitions so the first decision
// on a request always wins. Pending expiry is lazy: it is checked on
// every read or decision touch and persisted before the caller sees
// the record. Nothing schedules expiry in the background.
package approval

import (
	"time"

	"github.com/neurofed/sitenode/pkg/logging"
	"github.com/neurofed/sitenode/services/node/datatypes"
	"github.com/neurofed/sitenode/services/node/store"
)

// Clock abstracts time for TTL tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// CatalogSource is the registry view the service needs: existence
// checks on submission.
type CatalogSource interface {
	Get(id string) (*datatypes.Catalog, error)
}

// UploadSource answers whether attached uploaded-file ids exist.
type UploadSource interface {
	Exists(id string) bool
}

// Service owns every request state transition.
type Service struct {
	requests   *store.RequestStore
	catalogs   CatalogSource
	uploads    UploadSource
	pendingTTL time.Duration
	clock      Clock
	log        *logging.Logger

	// onApproved, when set, receives every request that enters
	// Approved. The job runner registers itself here.
	onApproved func(req *datatypes.AnalysisRequest)
}

// New creates the service. clock may be nil for the system clock.
func New(requests *store.RequestStore, catalogs CatalogSource, uploads UploadSource,
	pendingTTL time.Duration, clock Clock, log *logging.Logger) *Service {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Service{
		requests:   requests,
		catalogs:   catalogs,
		uploads:    uploads,
		pendingTTL: pendingTTL,
		clock:      clock,
		log:        log,
	}
}

// SetApprovedSink registers the callback invoked after a request
// enters Approved. Must be called during wiring, before traffic.
func (s *Service) SetApprovedSink(fn func(req *datatypes.AnalysisRequest)) {
	s.onApproved = fn
}

// Submit validates and persists a new request. The record passes
// through Submitted and lands in Pending before Submit returns.
func (s *Service) Submit(input *datatypes.CreateRequestInput) (*datatypes.AnalysisRequest, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.catalogs.Get(input.CatalogID); err != nil {
		if datatypes.KindOf(err) == datatypes.KindNotFound {
			return nil, datatypes.NewError(datatypes.KindValidation,
				"unknown catalog %q", input.CatalogID)
		}
		return nil, err
	}
	for _, id := range input.UploadedFileIDs {
		if !s.uploads.Exists(id) {
			return nil, datatypes.NewError(datatypes.KindValidation,
				"attached file %q not found", id)
		}
	}

	now := s.clock.Now()
	priority := input.Priority
	if priority == "" {
		priority = datatypes.PriorityNormal
	}
	req := &datatypes.AnalysisRequest{
		ID:               store.NewRequestID(now),
		Requester:        input.Requester,
		Title:            input.Title,
		Description:      input.Description,
		ResearchQuestion: input.ResearchQuestion,
		Methodology:      input.Methodology,
		ExpectedOutcomes: input.ExpectedOutcomes,
		CatalogID:        input.CatalogID,
		Score:            input.Score,
		Timeline:         input.Timeline,
		AnalysisKind:     input.AnalysisKind,
		Script:           input.Script,
		UploadedFileIDs:  input.UploadedFileIDs,
		Priority:         priority,
		EstimatedMinutes: input.EstimatedMinutes,
		State:            datatypes.StateSubmitted,
		SubmittedAt:      now,
		UpdatedAt:        now,
	}
	if err := s.requests.Create(req); err != nil {
		return nil, err
	}

	// Submitted → Pending is automatic on successful creation.
	pending, err := s.requests.Mutate(req.ID, "system", "awaiting review",
		func(r *datatypes.AnalysisRequest) error {
			r.State = datatypes.StatePending
			return nil
		})
	if err != nil {
		return nil, err
	}
	s.log.Info("request submitted", "request", req.ID, "catalog", req.CatalogID,
		"kind", req.AnalysisKind, "priority", req.Priority)
	return pending, nil
}

// Get returns a request, expiring it first when its pending TTL has
// lapsed.
func (s *Service) Get(id string) (*datatypes.AnalysisRequest, error) {
	req, err := s.requests.Get(id)
	if err != nil {
		return nil, err
	}
	return s.expireIfStale(req)
}

// List returns requests matching the filter, with lazy expiry applied
// to every stale pending row before the answer is built.
func (s *Service) List(filter datatypes.RequestFilter) ([]datatypes.AnalysisRequest, error) {
	rows, err := s.requests.List(filter)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		touched, err := s.expireIfStale(&rows[i])
		if err != nil {
			return nil, err
		}
		rows[i] = *touched
	}
	return rows, nil
}

// Decide records an approver's verdict on a pending request.
//
// Approving an already-approved request is a no-op returning the
// existing record. Any other decision on a non-pending request is a
// policy error; the first decision wins.
func (s *Service) Decide(id, approver string, verdict datatypes.DecisionVerb, notes string) (*datatypes.AnalysisRequest, error) {
	if approver == "" {
		return nil, datatypes.NewError(datatypes.KindValidation, "decision requires an approver")
	}
	if verdict != datatypes.DecisionApprove && verdict != datatypes.DecisionDeny {
		return nil, datatypes.NewError(datatypes.KindValidation, "unknown decision %q", verdict)
	}

	req, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if req.State == datatypes.StateApproved && verdict == datatypes.DecisionApprove {
		return req, nil
	}

	transitioned := false
	decided, err := s.requests.Mutate(id, approver, notes, func(r *datatypes.AnalysisRequest) error {
		// Re-check under the store lock; another decision may have
		// landed since the read above.
		if r.State == datatypes.StateApproved && verdict == datatypes.DecisionApprove {
			return nil
		}
		if r.State != datatypes.StatePending {
			return datatypes.NewError(datatypes.KindPolicy,
				"request %s is %s, not pending", id, r.State)
		}
		r.Decision = &datatypes.Decision{
			Approver:  approver,
			Verdict:   verdict,
			Notes:     notes,
			DecidedAt: s.clock.Now(),
		}
		if verdict == datatypes.DecisionApprove {
			r.State = datatypes.StateApproved
		} else {
			r.State = datatypes.StateDenied
		}
		transitioned = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("request decided", "request", id, "verdict", verdict, "approver", approver)
	if transitioned && decided.State == datatypes.StateApproved && s.onApproved != nil {
		s.onApproved(decided)
	}
	return decided, nil
}

// CancelPending models a requester withdrawing their own pending
// request as a self-denial.
func (s *Service) CancelPending(id, requester string) (*datatypes.AnalysisRequest, error) {
	return s.Decide(id, requester, datatypes.DecisionDeny, "cancelled by requester")
}

// MarkRunning performs Approved → Running exactly once, writing the
// job id onto the request.
func (s *Service) MarkRunning(id, jobID string) (*datatypes.AnalysisRequest, error) {
	return s.requests.Mutate(id, "runner", "job "+jobID, func(r *datatypes.AnalysisRequest) error {
		if r.State != datatypes.StateApproved {
			return datatypes.NewError(datatypes.KindPolicy,
				"request %s is %s, not approved", id, r.State)
		}
		if r.JobID != "" {
			return datatypes.NewError(datatypes.KindPolicy,
				"request %s already has job %s", id, r.JobID)
		}
		r.State = datatypes.StateRunning
		r.JobID = jobID
		return nil
	})
}

// MarkCompleted performs Running → Completed.
func (s *Service) MarkCompleted(id string) (*datatypes.AnalysisRequest, error) {
	return s.requests.Mutate(id, "runner", "job finished", func(r *datatypes.AnalysisRequest) error {
		if r.State != datatypes.StateRunning {
			return datatypes.NewError(datatypes.KindPolicy,
				"request %s is %s, not running", id, r.State)
		}
		r.State = datatypes.StateCompleted
		return nil
	})
}

// MarkFailed performs Running → Failed with the job's structured
// failure reason in the audit notes.
func (s *Service) MarkFailed(id string, reason datatypes.FailureReason, message string) (*datatypes.AnalysisRequest, error) {
	return s.requests.Mutate(id, "runner", string(reason)+": "+message,
		func(r *datatypes.AnalysisRequest) error {
			if r.State != datatypes.StateRunning {
				return datatypes.NewError(datatypes.KindPolicy,
					"request %s is %s, not running", id, r.State)
			}
			r.State = datatypes.StateFailed
			return nil
		})
}

// Reconcile runs once at startup: any request still Running has no
// live process behind it after a restart and is marked Failed. The
// possibly partial artifact is not read.
func (s *Service) Reconcile() (int, error) {
	running, err := s.requests.List(datatypes.RequestFilter{State: datatypes.StateRunning})
	if err != nil {
		return 0, err
	}
	for _, req := range running {
		_, err := s.MarkFailed(req.ID, datatypes.ReasonInterrupted,
			"node restarted while the job was running")
		if err != nil {
			return 0, err
		}
		s.log.Warn("reconciled interrupted request", "request", req.ID, "job", req.JobID)
	}
	return len(running), nil
}

// expireIfStale persists Pending → Expired when the TTL has lapsed and
// returns the current record either way.
func (s *Service) expireIfStale(req *datatypes.AnalysisRequest) (*datatypes.AnalysisRequest, error) {
	if req.State != datatypes.StatePending || s.pendingTTL <= 0 {
		return req, nil
	}
	if s.clock.Now().Sub(req.SubmittedAt) <= s.pendingTTL {
		return req, nil
	}
	expired, err := s.requests.Mutate(req.ID, "system", "pending TTL lapsed",
		func(r *datatypes.AnalysisRequest) error {
			if r.State != datatypes.StatePending {
				// Lost the race to a concurrent decision; keep
				// whatever landed first.
				return nil
			}
			r.State = datatypes.StateExpired
			return nil
		})
	if err != nil {
		return nil, err
	}
	if expired.State == datatypes.StateExpired {
		s.log.Info("request expired", "request", req.ID)
	}
	return expired, nil
}
