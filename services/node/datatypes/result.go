// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"time"
)

// Result is one row produced by a save_results call from a running
// analysis. Rows are append-only and ordered by call order.
//
// Released is false when the privacy gate blocked the row; Payload then
// holds the blocked placeholder and Original keeps the suppressed value
// for the admin audit view only.
type Result struct {
	RequestID  string          `json:"request_id"`
	Seq        int             `json:"seq"`
	ResultType string          `json:"result_type"`
	Payload    json.RawMessage `json:"payload"`
	Original   json.RawMessage `json:"original,omitempty"`
	Released   bool            `json:"released"`
	CreatedAt  time.Time       `json:"created_at"`
}

// BlockedPayload is the placeholder published in place of a suppressed
// result. Observed is omitted when the cohort could not be determined.
type BlockedPayload struct {
	Blocked  bool   `json:"blocked"`
	Reason   string `json:"reason"`
	K        int    `json:"k"`
	Observed *int   `json:"observed,omitempty"`
}

// BlockedReasonCohort is the only blocking reason the gate emits today.
const BlockedReasonCohort = "cohort-below-minimum"
