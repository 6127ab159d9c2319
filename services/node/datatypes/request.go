// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains analysis request types and the request state
// enumeration. State transition rules live in the approval service; the
// types here only carry data.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxScriptBytes caps the inline script body on a request.
	MaxScriptBytes = 256 * 1024 // 256KB

	// MaxAttachedFiles caps the uploaded-file references on a request.
	MaxAttachedFiles = 16
)

// requestValidate is the shared validator for request payloads.
var requestValidate = validator.New()

// =============================================================================
// Enumerations
// =============================================================================

// RequestState is one state of the request lifecycle:
//
//	Submitted → Pending → {Approved, Denied, Expired}
//	Approved → Running → {Completed, Failed}
//
// Denied, Expired, Completed and Failed are terminal.
type RequestState string

const (
	StateSubmitted RequestState = "submitted"
	StatePending   RequestState = "pending"
	StateApproved  RequestState = "approved"
	StateDenied    RequestState = "denied"
	StateExpired   RequestState = "expired"
	StateRunning   RequestState = "running"
	StateCompleted RequestState = "completed"
	StateFailed    RequestState = "failed"
)

// Terminal reports whether no further transitions may leave this state.
func (s RequestState) Terminal() bool {
	switch s {
	case StateDenied, StateExpired, StateCompleted, StateFailed:
		return true
	default:
		return false
	}
}

// AnalysisKind selects the script convention for a request. All kinds
// run Python scripts; KindCustom additionally allows R.
type AnalysisKind string

const (
	KindDemographics AnalysisKind = "demographics"
	KindCorrelation  AnalysisKind = "correlation"
	KindDamageScore  AnalysisKind = "damage-score"
	KindCustom       AnalysisKind = "custom"
)

// ValidKind reports whether k is one of the four supported kinds.
func ValidKind(k AnalysisKind) bool {
	switch k {
	case KindDemographics, KindCorrelation, KindDamageScore, KindCustom:
		return true
	default:
		return false
	}
}

// Priority orders queued jobs. High-priority jobs are inserted ahead of
// all non-high entries; ties break by submission time ascending.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// DecisionVerb is an approver's verdict on a pending request.
type DecisionVerb string

const (
	DecisionApprove DecisionVerb = "approve"
	DecisionDeny    DecisionVerb = "deny"
)

// =============================================================================
// Request structures
// =============================================================================

// Requester identifies who submitted a request. Identity is opaque to
// the core; authentication belongs to the transport layer.
type Requester struct {
	Name        string `json:"name" validate:"required,max=200"`
	Institution string `json:"institution" validate:"required,max=200"`
	Email       string `json:"email" validate:"required,email"`
	Affiliation string `json:"affiliation,omitempty" validate:"max=200"`
}

// Decision records an approver's verdict. DecidedAt is set by the
// approval service, never by the caller.
type Decision struct {
	Approver  string       `json:"approver"`
	Verdict   DecisionVerb `json:"verdict"`
	Notes     string       `json:"notes,omitempty"`
	DecidedAt time.Time    `json:"decided_at"`
}

// AnalysisRequest is the central record of the node: a researcher's
// proposed analysis, its approval state, and its link to the job that
// eventually runs it.
//
// Invariants maintained by the services that mutate it:
//   - CatalogID names an existing catalog at creation time.
//   - Every id in UploadedFileIDs exists in the upload store.
//   - State only changes along the lifecycle transitions, and every
//     change is audit-logged before it becomes externally visible.
//   - JobID is set exactly once, on the approved-to-running transition.
type AnalysisRequest struct {
	ID               string       `json:"id"`
	Requester        Requester    `json:"requester"`
	Title            string       `json:"title"`
	Description      string       `json:"description"`
	ResearchQuestion string       `json:"research_question,omitempty"`
	Methodology      string       `json:"methodology,omitempty"`
	ExpectedOutcomes string       `json:"expected_outcomes,omitempty"`
	CatalogID        string       `json:"catalog_id"`
	Score            string       `json:"score,omitempty"`
	Timeline         string       `json:"timeline,omitempty"`
	AnalysisKind     AnalysisKind `json:"analysis_kind"`
	Script           string       `json:"script"`
	UploadedFileIDs  []string     `json:"uploaded_file_ids,omitempty"`
	Priority         Priority     `json:"priority"`
	EstimatedMinutes int          `json:"estimated_minutes,omitempty"`
	State            RequestState `json:"state"`
	Decision         *Decision    `json:"decision,omitempty"`
	JobID            string       `json:"job_id,omitempty"`
	SubmittedAt      time.Time    `json:"submitted_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// CreateRequestInput is the payload accepted by Request.Create. It is
// separate from AnalysisRequest so callers cannot set server-owned
// fields like state or job id.
type CreateRequestInput struct {
	Requester        Requester    `json:"requester" validate:"required"`
	Title            string       `json:"title" validate:"required,max=300"`
	Description      string       `json:"description" validate:"required,max=5000"`
	ResearchQuestion string       `json:"research_question,omitempty" validate:"max=5000"`
	Methodology      string       `json:"methodology,omitempty" validate:"max=5000"`
	ExpectedOutcomes string       `json:"expected_outcomes,omitempty" validate:"max=5000"`
	CatalogID        string       `json:"catalog_id" validate:"required"`
	Score            string       `json:"score,omitempty"`
	Timeline         string       `json:"timeline,omitempty"`
	AnalysisKind     AnalysisKind `json:"analysis_kind" validate:"required"`
	Script           string       `json:"script" validate:"required"`
	UploadedFileIDs  []string     `json:"uploaded_file_ids,omitempty"`
	Priority         Priority     `json:"priority,omitempty"`
	EstimatedMinutes int          `json:"estimated_minutes,omitempty" validate:"min=0,max=1440"`
}

// Validate checks structural constraints on the input. Cross-record
// checks (catalog exists, uploaded files exist) belong to the approval
// service.
func (in *CreateRequestInput) Validate() error {
	if err := requestValidate.Struct(in); err != nil {
		return WrapError(KindValidation, err, "invalid request payload")
	}
	if !ValidKind(in.AnalysisKind) {
		return NewError(KindValidation, "unknown analysis kind %q", in.AnalysisKind)
	}
	if len(in.Script) > MaxScriptBytes {
		return NewError(KindValidation, "script exceeds %d bytes", MaxScriptBytes)
	}
	if len(in.UploadedFileIDs) > MaxAttachedFiles {
		return NewError(KindValidation, "more than %d attached files", MaxAttachedFiles)
	}
	if in.Priority != "" && in.Priority != PriorityNormal && in.Priority != PriorityHigh {
		return NewError(KindValidation, "unknown priority %q", in.Priority)
	}
	return nil
}

// RequestFilter narrows Request.List results. Zero values match all.
type RequestFilter struct {
	State     RequestState
	Requester string
	CatalogID string
	Since     time.Time
}

// Matches reports whether r passes every set filter field.
func (f RequestFilter) Matches(r *AnalysisRequest) bool {
	if f.State != "" && r.State != f.State {
		return false
	}
	if f.Requester != "" && r.Requester.Name != f.Requester && r.Requester.Email != f.Requester {
		return false
	}
	if f.CatalogID != "" && r.CatalogID != f.CatalogID {
		return false
	}
	if !f.Since.IsZero() && r.SubmittedAt.Before(f.Since) {
		return false
	}
	return true
}
