// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package loader

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurofed/sitenode/services/node/datatypes"
)

func TestWriteAndReadConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := &JobConfig{
		JobID:     "job-1",
		CatalogID: "clinical_trial_data",
		Files: []FileEntry{
			{Name: "subjects", Path: "input/subjects.csv", Type: datatypes.FileCSV},
		},
		UploadedFiles: []string{"input/uploads/map.nii.gz"},
		Score:         "UPDRS_total",
		Timeline:      "baseline",
		AnalysisKind:  datatypes.KindDemographics,
		OutputFile:    "output/result.json",
		Catalog:       &datatypes.Catalog{ID: "clinical_trial_data", MinCohortSize: 10},
	}

	require.NoError(t, WriteConfig(dir, cfg))

	got, err := ReadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg.JobID, got.JobID)
	assert.Equal(t, cfg.Files, got.Files)
	assert.Equal(t, cfg.Score, got.Score)
	assert.Equal(t, 10, got.Catalog.MinCohortSize)

	// No host-absolute paths leak into the config.
	raw, err := os.ReadFile(filepath.Join(dir, ConfigName))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), dir)
}

func TestInstallModule(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, InstallModule(dir))

	body, err := os.ReadFile(filepath.Join(dir, ModuleName))
	require.NoError(t, err)

	// The shipped module implements the three contract operations.
	text := string(body)
	for _, fn := range []string{"def load_data", "def save_results", "def get_catalog_info"} {
		assert.True(t, strings.Contains(text, fn), fn)
	}
	// Multiple save_results calls append one row per call.
	assert.Contains(t, text, ResultsLog)
}

func TestReadConfigMissing(t *testing.T) {
	_, err := ReadConfig(t.TempDir())
	assert.Error(t, err)
}
