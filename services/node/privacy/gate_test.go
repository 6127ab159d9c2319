// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package privacy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurofed/sitenode/services/node/datatypes"
)

func TestExtractCohort(t *testing.T) {
	tests := []struct {
		name     string
		artifact string
		want     int
		found    bool
	}{
		{"sample_size", `{"sample_size": 150}`, 150, true},
		{"total_subjects", `{"total_subjects": 40}`, 40, true},
		{"n_subjects", `{"n_subjects": 12}`, 12, true},
		{"n", `{"n": 9}`, 9, true},
		{"priority order", `{"n": 3, "sample_size": 150}`, 150, true},
		{"skip non-numeric to next", `{"sample_size": "many", "n": 7}`, 7, true},
		{"float cohort", `{"sample_size": 40.0}`, 40, true},
		{"nested does not count", `{"stats": {"sample_size": 150}}`, 0, false},
		{"absent", `{"mean": 5.2}`, 0, false},
		{"not an object", `[1,2,3]`, 0, false},
		{"negative ignored", `{"sample_size": -5}`, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := ExtractCohort(json.RawMessage(tt.artifact))
			assert.Equal(t, tt.found, found)
			if tt.found {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestEvaluateBoundaries(t *testing.T) {
	const k = 10

	// Exactly K releases.
	v := Evaluate(json.RawMessage(`{"sample_size": 10}`), k, datatypes.PrivacyMedium)
	assert.True(t, v.Released)
	require.NotNil(t, v.Observed)
	assert.Equal(t, 10, *v.Observed)

	// K-1 blocks with the placeholder payload.
	v = Evaluate(json.RawMessage(`{"sample_size": 9}`), k, datatypes.PrivacyMedium)
	assert.False(t, v.Released)

	var blocked datatypes.BlockedPayload
	require.NoError(t, json.Unmarshal(v.Payload, &blocked))
	assert.True(t, blocked.Blocked)
	assert.Equal(t, datatypes.BlockedReasonCohort, blocked.Reason)
	assert.Equal(t, k, blocked.K)
	require.NotNil(t, blocked.Observed)
	assert.Equal(t, 9, *blocked.Observed)
}

func TestEvaluateUnknownCohort(t *testing.T) {
	artifact := json.RawMessage(`{"mean_age": 63.5}`)

	// High privacy blocks unknown cohorts, observed omitted.
	v := Evaluate(artifact, 10, datatypes.PrivacyHigh)
	assert.False(t, v.Released)
	assert.Nil(t, v.Observed)
	var blocked datatypes.BlockedPayload
	require.NoError(t, json.Unmarshal(v.Payload, &blocked))
	assert.Nil(t, blocked.Observed)

	// Lower privacy levels release unknown cohorts.
	for _, level := range []datatypes.PrivacyLevel{datatypes.PrivacyLow, datatypes.PrivacyMedium, datatypes.PrivacyUnknown} {
		v := Evaluate(artifact, 10, level)
		assert.True(t, v.Released, "level %s", level)
		assert.JSONEq(t, string(artifact), string(v.Payload))
	}
}

func TestEvaluatePreservesArtifact(t *testing.T) {
	artifact := json.RawMessage(`{"sample_size": 150, "age_statistics": {"mean": 63.4}}`)
	v := Evaluate(artifact, 10, datatypes.PrivacyHigh)
	assert.True(t, v.Released)
	assert.JSONEq(t, string(artifact), string(v.Payload))
}
