// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package privacy implements the cohort-size gate applied to every
// result an analysis produces before it leaves the node.
package privacy

import (
	"encoding/json"
	"math"

	"github.com/neurofed/sitenode/services/node/datatypes"
)

// cohortFields are the top-level artifact keys consulted for the
// cohort count, in priority order.
var cohortFields = []string{"sample_size", "total_subjects", "n_subjects", "n"}

// Verdict is the gate's decision on one artifact.
type Verdict struct {
	// Released is true when the artifact may be published as-is.
	Released bool

	// Payload is what gets published: the artifact itself when
	// released, the blocked placeholder otherwise.
	Payload json.RawMessage

	// Observed is the extracted cohort, nil when no cohort field was
	// found.
	Observed *int
}

// Evaluate applies the gate to one artifact against a catalog's
// minimum cohort size k and privacy level.
//
// The cohort comes from the first present field among sample_size,
// total_subjects, n_subjects, n. An artifact with cohort >= k is
// released. Below k it is blocked. A missing cohort blocks only when
// the privacy level is high; lower levels release on the assumption
// that the result is already aggregate.
func Evaluate(artifact json.RawMessage, k int, level datatypes.PrivacyLevel) Verdict {
	observed, found := ExtractCohort(artifact)

	if found && observed >= k {
		return Verdict{Released: true, Payload: artifact, Observed: &observed}
	}
	if !found && level != datatypes.PrivacyHigh {
		return Verdict{Released: true, Payload: artifact}
	}

	blocked := datatypes.BlockedPayload{
		Blocked: true,
		Reason:  datatypes.BlockedReasonCohort,
		K:       k,
	}
	verdict := Verdict{}
	if found {
		blocked.Observed = &observed
		verdict.Observed = &observed
	}
	payload, err := json.Marshal(blocked)
	if err != nil {
		// Marshaling a fixed struct of ints cannot fail; keep the
		// fallback literal anyway so the gate never releases by
		// accident.
		payload = []byte(`{"blocked":true,"reason":"cohort-below-minimum"}`)
	}
	verdict.Payload = payload
	return verdict
}

// ExtractCohort pulls the cohort count out of an artifact. Returns
// false when the artifact is not an object or carries none of the
// recognized fields with a usable numeric value.
func ExtractCohort(artifact json.RawMessage) (int, bool) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(artifact, &top); err != nil {
		return 0, false
	}
	for _, field := range cohortFields {
		raw, ok := top[field]
		if !ok {
			continue
		}
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			continue
		}
		if math.IsNaN(n) || math.IsInf(n, 0) || n < 0 {
			continue
		}
		return int(n), true
	}
	return 0, false
}
