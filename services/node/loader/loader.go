// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package loader materializes the workspace contract an analysis
// process consumes: the generated job config and the data_loader
// helper module shipped into every workspace.
//
// The loader is a contract rather than a library: any process that can
// read job_config.json and write JSON to the output path can play the
// analysis role. The embedded Python module is the reference client.
package loader

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/neurofed/sitenode/services/node/datatypes"
)

//go:embed data_loader.py
var loaderModule []byte

// Well-known workspace file names.
const (
	ModuleName = "data_loader.py"
	ConfigName = "job_config.json"
	ResultsLog = "results.ndjson"
	OutputName = "result.json"
	InputDir   = "input"
	OutputDir  = "output"
	TmpDir     = "tmp"
)

// FileEntry is one catalog file as presented to the analysis process.
// Path points inside the workspace input directory, never at the host
// location.
type FileEntry struct {
	Name string             `json:"name"`
	Path string             `json:"path"`
	Type datatypes.FileType `json:"type"`
}

// JobConfig is the structure written to job_config.json.
type JobConfig struct {
	JobID         string                 `json:"job_id"`
	CatalogID     string                 `json:"catalog_id"`
	Files         []FileEntry            `json:"files"`
	UploadedFiles []string               `json:"uploaded_files"`
	Score         string                 `json:"score,omitempty"`
	Timeline      string                 `json:"timeline,omitempty"`
	AnalysisKind  datatypes.AnalysisKind `json:"analysis_kind"`
	OutputFile    string                 `json:"output_file"`
	Catalog       *datatypes.Catalog     `json:"catalog,omitempty"`
}

// WriteConfig writes the job config into the workspace directory.
func WriteConfig(workspace string, cfg *JobConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode job config: %w", err)
	}
	path := filepath.Join(workspace, ConfigName)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("write job config: %w", err)
	}
	return nil
}

// InstallModule copies the data_loader helper into the workspace so
// the analysis process can import it without path manipulation.
func InstallModule(workspace string) error {
	path := filepath.Join(workspace, ModuleName)
	if err := os.WriteFile(path, loaderModule, 0o640); err != nil {
		return fmt.Errorf("install loader module: %w", err)
	}
	return nil
}

// ReadConfig parses a job config back from a workspace. The runner
// uses it in tests and diagnostics.
func ReadConfig(workspace string) (*JobConfig, error) {
	data, err := os.ReadFile(filepath.Join(workspace, ConfigName))
	if err != nil {
		return nil, fmt.Errorf("read job config: %w", err)
	}
	var cfg JobConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse job config: %w", err)
	}
	return &cfg, nil
}
