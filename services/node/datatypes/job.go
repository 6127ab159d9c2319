// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// JobStatus tracks an execution instance from queue to termination.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// FailureReason tags why a job failed.
type FailureReason string

const (
	ReasonTimeout     FailureReason = "timeout"
	ReasonChildCrash  FailureReason = "child_crash"
	ReasonCancelled   FailureReason = "cancelled"
	ReasonArtifact    FailureReason = "artifact_too_large"
	ReasonNoArtifact  FailureReason = "no_artifact"
	ReasonInterrupted FailureReason = "interrupted_before_completion"
	ReasonInternal    FailureReason = "internal"
)

// JobError is the structured failure payload recorded on a failed job.
// It is user-visible; messages must not contain absolute host paths.
type JobError struct {
	ExitCode   int           `json:"exit_code"`
	Signal     string        `json:"signal,omitempty"`
	Reason     FailureReason `json:"reason"`
	Message    string        `json:"message"`
	StdoutTail string        `json:"stdout_tail,omitempty"`
	StderrTail string        `json:"stderr_tail,omitempty"`
}

// Job is one execution instance of an approved request. The record is
// created when the job enters the queue and frozen on termination.
// It is user-visible; ArtifactPath is workspace-relative, never an
// absolute host path.
type Job struct {
	ID               string    `json:"id"`
	RequestID        string    `json:"request_id"`
	Status           JobStatus `json:"status"`
	StartedAt        time.Time `json:"started_at,omitempty"`
	EndedAt          time.Time `json:"ended_at,omitempty"`
	ExitCode         int       `json:"exit_code"`
	StdoutTail       string    `json:"stdout_tail,omitempty"`
	StderrTail       string    `json:"stderr_tail,omitempty"`
	ArtifactPath     string    `json:"artifact_path,omitempty"`
	RecordsProcessed int       `json:"records_processed,omitempty"`
	ExecutionSecs    float64   `json:"execution_time,omitempty"`
	Error            *JobError `json:"error,omitempty"`
}
