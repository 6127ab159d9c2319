// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package runner

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/neurofed/sitenode/services/node/datatypes"
	"github.com/neurofed/sitenode/services/node/loader"
)

// workspace is a fully materialized job directory ready to launch.
type workspace struct {
	dir         string
	scriptName  string
	interpreter string
	inputPaths  []string
	outputFile  string
}

// buildWorkspace creates work/<job-id>/ with the script, the loader
// module, the job config, and input links exposing exactly the files
// the job config lists.
func (r *Runner) buildWorkspace(job *datatypes.Job, req *datatypes.AnalysisRequest) (*workspace, error) {
	cat, err := r.catalogs.Get(req.CatalogID)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(r.workRoot, job.ID)
	for _, sub := range []string{"", loader.InputDir, loader.OutputDir, loader.TmpDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return nil, datatypes.WrapError(datatypes.KindInternal, err, "create workspace")
		}
	}

	ext := scriptExtension(req)
	scriptName := "script." + ext
	if err := os.WriteFile(filepath.Join(dir, scriptName), []byte(req.Script), 0o640); err != nil {
		return nil, datatypes.WrapError(datatypes.KindInternal, err, "write script")
	}
	if err := loader.InstallModule(dir); err != nil {
		return nil, datatypes.WrapError(datatypes.KindInternal, err, "install loader")
	}

	ws := &workspace{
		dir:         dir,
		scriptName:  scriptName,
		interpreter: r.cfg.PythonBin,
		outputFile:  filepath.Join(dir, loader.OutputDir, loader.OutputName),
	}
	if ext == "r" {
		ws.interpreter = r.cfg.RscriptBin
	}

	cfg := &loader.JobConfig{
		JobID:         job.ID,
		CatalogID:     req.CatalogID,
		Files:         []loader.FileEntry{},
		UploadedFiles: []string{},
		Score:         req.Score,
		Timeline:      req.Timeline,
		AnalysisKind:  req.AnalysisKind,
		OutputFile:    filepath.Join(loader.OutputDir, loader.OutputName),
		Catalog:       cat,
	}

	// Catalog files: one read-only link per existing file, named
	// uniquely by the logical file name.
	seen := map[string]bool{}
	for _, file := range cat.Files {
		if !file.Exists || file.Pattern != "" {
			continue
		}
		host, err := r.catalogs.ResolvePath(req.CatalogID, file.Name)
		if err != nil {
			return nil, err
		}
		linkName := filepath.Base(host)
		if seen[linkName] {
			linkName = file.Name + "_" + linkName
		}
		seen[linkName] = true
		if err := os.Symlink(host, filepath.Join(dir, loader.InputDir, linkName)); err != nil {
			return nil, datatypes.WrapError(datatypes.KindInternal, err, "link catalog file")
		}
		ws.inputPaths = append(ws.inputPaths, host)
		cfg.Files = append(cfg.Files, loader.FileEntry{
			Name: file.Name,
			Path: filepath.Join(loader.InputDir, linkName),
			Type: file.Type,
		})
	}

	// Attached uploads under input/uploads/.
	if len(req.UploadedFileIDs) > 0 {
		uploadDir := filepath.Join(dir, loader.InputDir, "uploads")
		if err := os.MkdirAll(uploadDir, 0o750); err != nil {
			return nil, datatypes.WrapError(datatypes.KindInternal, err, "create uploads dir")
		}
		for _, id := range req.UploadedFileIDs {
			host, err := r.uploads.Path(id)
			if err != nil {
				return nil, err
			}
			linkName := filepath.Base(host)
			if err := os.Symlink(host, filepath.Join(uploadDir, linkName)); err != nil {
				return nil, datatypes.WrapError(datatypes.KindInternal, err, "link uploaded file")
			}
			ws.inputPaths = append(ws.inputPaths, host)
			cfg.UploadedFiles = append(cfg.UploadedFiles,
				filepath.Join(loader.InputDir, "uploads", linkName))
		}
	}

	if err := loader.WriteConfig(dir, cfg); err != nil {
		return nil, datatypes.WrapError(datatypes.KindInternal, err, "write job config")
	}
	return ws, nil
}

// scriptExtension picks the script file extension from the analysis
// kind. All kinds run Python; custom additionally allows R, detected
// from an Rscript shebang on the first line.
func scriptExtension(req *datatypes.AnalysisRequest) string {
	if req.AnalysisKind != datatypes.KindCustom {
		return "py"
	}
	firstLine, _, _ := strings.Cut(req.Script, "\n")
	if strings.HasPrefix(firstLine, "#!") && strings.Contains(firstLine, "Rscript") {
		return "r"
	}
	return "py"
}

// removeWorkspace deletes a job directory after its retention window.
func removeWorkspace(dir string) error {
	return os.RemoveAll(dir)
}
