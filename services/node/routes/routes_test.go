// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurofed/sitenode/pkg/logging"
	"github.com/neurofed/sitenode/services/node/approval"
	"github.com/neurofed/sitenode/services/node/catalog"
	"github.com/neurofed/sitenode/services/node/config"
	"github.com/neurofed/sitenode/services/node/datatypes"
	"github.com/neurofed/sitenode/services/node/observability"
	"github.com/neurofed/sitenode/services/node/runner"
	"github.com/neurofed/sitenode/services/node/store"
	"github.com/neurofed/sitenode/services/node/uploads"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const manifestBody = `{
  "version": "1.0",
  "catalogs": [
    {
      "id": "clinical_trial_data",
      "name": "Clinical Trial Data",
      "access_level": "restricted",
      "privacy_level": "high",
      "min_cohort_size": 10,
      "files": [
        {"name": "subjects", "path": "subjects.csv", "type": "csv"}
      ],
      "metadata": {
        "score_options": [
          {"name": "UPDRS Total", "value": "UPDRS_total", "default": true}
        ]
      }
    }
  ]
}`

// setupServer wires the full node stack on temp state with /bin/sh as
// the analysis interpreter, so request scripts are shell bodies.
func setupServer(t *testing.T) *gin.Engine {
	t.Helper()
	log := logging.New(logging.Config{Level: logging.LevelError, Writer: io.Discard})

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "subjects.csv"),
		[]byte("subject_id,age\nS001,63\nS002,58\n"), 0o600))
	manifest := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(manifest, []byte(manifestBody), 0o600))

	reg := catalog.New(manifest, 10, log)
	t.Cleanup(func() { reg.Close() })

	up, err := uploads.NewStore(filepath.Join(dir, "uploads"), 1<<20, log)
	require.NoError(t, err)

	db, err := store.OpenDB(store.InMemoryDBConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	audit, err := store.OpenAudit(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	requests := store.NewRequestStore(db, audit)
	results := store.NewResultStore(db)
	approvals := approval.New(requests, reg, up, time.Hour, nil, log)
	metrics := observability.NewTestMetrics()

	jobs, err := runner.New(config.RunnerConfig{
		Slots:              1,
		MaxCPU:             60 * time.Second,
		MaxWall:            30 * time.Second,
		MaxMemBytes:        4 << 30,
		MaxOutBytes:        1 << 20,
		WorkspaceRetention: time.Hour,
		PythonBin:          "/bin/sh",
		RscriptBin:         "/bin/sh",
		Sandbox:            "rlimit",
	}, filepath.Join(dir, "work"), reg, up, approvals, results, store.NewJobStore(db),
		metrics, log)
	require.NoError(t, err)
	approvals.SetApprovedSink(func(req *datatypes.AnalysisRequest) { jobs.Enqueue(req) })
	jobs.Start()
	t.Cleanup(jobs.Stop)

	router := gin.New()
	SetupRoutes(router, Deps{
		NodeID:           "test-node",
		Catalogs:         reg,
		Uploads:          up,
		Approvals:        approvals,
		Results:          results,
		Jobs:             jobs,
		Metrics:          metrics,
		Log:              log,
		MaxBodyBytes:     1 << 20,
		UploadsPerMinute: 600,
	})
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func requestBody(script string) map[string]any {
	return map[string]any{
		"requester": map[string]any{
			"name":        "Dr. Example",
			"institution": "Example University",
			"email":       "dr@example.edu",
		},
		"title":         "Age distribution",
		"description":   "Aggregate demographics over the trial cohort.",
		"catalog_id":    "clinical_trial_data",
		"analysis_kind": "demographics",
		"script":        script,
	}
}

func TestHealthz(t *testing.T) {
	router := setupServer(t)
	w := doJSON(t, router, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var health map[string]any
	decode(t, w, &health)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "test-node", health["node_id"])
}

func TestCatalogEndpoints(t *testing.T) {
	router := setupServer(t)

	w := doJSON(t, router, http.MethodGet, "/v1/catalogs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Catalogs []datatypes.Catalog `json:"catalogs"`
	}
	decode(t, w, &list)
	require.Len(t, list.Catalogs, 1)
	assert.Equal(t, "clinical_trial_data", list.Catalogs[0].ID)

	w = doJSON(t, router, http.MethodGet, "/v1/catalogs/clinical_trial_data", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cat datatypes.Catalog
	decode(t, w, &cat)
	require.Len(t, cat.Files, 1)
	assert.True(t, cat.Files[0].Exists)
	assert.Equal(t, 2, cat.Files[0].RecordCount)

	w = doJSON(t, router, http.MethodGet, "/v1/catalogs/clinical_trial_data/options", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var opts struct {
		Options []datatypes.ScoreTimelineOption `json:"options"`
	}
	decode(t, w, &opts)
	require.Len(t, opts.Options, 1)
	assert.Equal(t, "UPDRS_total", opts.Options[0].Value)

	w = doJSON(t, router, http.MethodGet, "/v1/catalogs/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func multipartUpload(t *testing.T, router *gin.Engine, path, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("uploaded_by", "dr@example.edu"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestUploadEndpoints(t *testing.T) {
	router := setupServer(t)

	w := multipartUpload(t, router, "/v1/uploads/script", "analysis.py", "print('hi')")
	require.Equal(t, http.StatusCreated, w.Code)
	var script datatypes.UploadedFile
	decode(t, w, &script)
	assert.Equal(t, datatypes.UploadScript, script.Kind)
	assert.Equal(t, "dr@example.edu", script.UploadedBy)

	w = multipartUpload(t, router, "/v1/uploads/data", "extra.csv", "id,score\n1,2\n")
	require.Equal(t, http.StatusCreated, w.Code)

	// Disallowed data extension.
	w = multipartUpload(t, router, "/v1/uploads/data", "malware.exe", "MZ")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/uploads?kind=data", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Uploads []datatypes.UploadedFile `json:"uploads"`
	}
	decode(t, w, &list)
	require.Len(t, list.Uploads, 1)
	assert.Equal(t, "extra.csv", list.Uploads[0].OriginalName)
}

func TestRequestLifecycleToResults(t *testing.T) {
	router := setupServer(t)

	script := `printf '{"sample_size": 50, "mean_age": 60.5}\n' >> output/results.ndjson`
	w := doJSON(t, router, http.MethodPost, "/v1/requests", requestBody(script))
	require.Equal(t, http.StatusCreated, w.Code)
	var created datatypes.AnalysisRequest
	decode(t, w, &created)
	assert.Equal(t, datatypes.StatePending, created.State)
	require.NotEmpty(t, created.ID)

	w = doJSON(t, router, http.MethodPost, "/v1/requests/"+created.ID+"/decision",
		map[string]any{"approver": "pi@example.edu", "verdict": "approve"})
	require.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool {
		w := doJSON(t, router, http.MethodGet, "/v1/requests/"+created.ID, nil)
		var got datatypes.AnalysisRequest
		if w.Code != http.StatusOK {
			return false
		}
		decode(t, w, &got)
		return got.State == datatypes.StateCompleted
	}, 15*time.Second, 100*time.Millisecond)

	w = doJSON(t, router, http.MethodGet, "/v1/requests/"+created.ID+"/results", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		RequestID string             `json:"request_id"`
		State     string             `json:"state"`
		Results   []datatypes.Result `json:"results"`
		Canonical *datatypes.Result  `json:"canonical"`
	}
	decode(t, w, &res)
	require.Len(t, res.Results, 1)
	assert.True(t, res.Results[0].Released)
	require.NotNil(t, res.Canonical)
}

func TestBlockedResultVisibility(t *testing.T) {
	router := setupServer(t)

	script := `printf '{"sample_size": 3, "mean_age": 60.5}\n' >> output/results.ndjson`
	w := doJSON(t, router, http.MethodPost, "/v1/requests", requestBody(script))
	require.Equal(t, http.StatusCreated, w.Code)
	var created datatypes.AnalysisRequest
	decode(t, w, &created)

	w = doJSON(t, router, http.MethodPost, "/v1/requests/"+created.ID+"/decision",
		map[string]any{"approver": "pi@example.edu", "verdict": "approve"})
	require.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool {
		w := doJSON(t, router, http.MethodGet, "/v1/requests/"+created.ID, nil)
		var got datatypes.AnalysisRequest
		decode(t, w, &got)
		return got.State == datatypes.StateCompleted
	}, 15*time.Second, 100*time.Millisecond)

	// External view: placeholder only.
	w = doJSON(t, router, http.MethodGet, "/v1/requests/"+created.ID+"/results", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cohort-below-minimum")
	assert.NotContains(t, w.Body.String(), "mean_age")

	// Admin view keeps the suppressed original.
	w = doJSON(t, router, http.MethodGet, "/v1/admin/requests/"+created.ID+"/results", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mean_age")
}

func TestDecisionConflicts(t *testing.T) {
	router := setupServer(t)

	w := doJSON(t, router, http.MethodPost, "/v1/requests", requestBody("true"))
	require.Equal(t, http.StatusCreated, w.Code)
	var created datatypes.AnalysisRequest
	decode(t, w, &created)

	w = doJSON(t, router, http.MethodPost, "/v1/requests/"+created.ID+"/decision",
		map[string]any{"approver": "pi@example.edu", "verdict": "deny", "notes": "scope"})
	require.Equal(t, http.StatusOK, w.Code)
	var denied datatypes.AnalysisRequest
	decode(t, w, &denied)
	assert.Equal(t, datatypes.StateDenied, denied.State)

	// First decision wins; a later approve conflicts.
	w = doJSON(t, router, http.MethodPost, "/v1/requests/"+created.ID+"/decision",
		map[string]any{"approver": "other@example.edu", "verdict": "approve"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, router, http.MethodPost, "/v1/requests/nope/decision",
		map[string]any{"approver": "pi@example.edu", "verdict": "approve"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelPendingRequest(t *testing.T) {
	router := setupServer(t)

	w := doJSON(t, router, http.MethodPost, "/v1/requests", requestBody("true"))
	require.Equal(t, http.StatusCreated, w.Code)
	var created datatypes.AnalysisRequest
	decode(t, w, &created)

	w = doJSON(t, router, http.MethodDelete, "/v1/requests/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cancelled datatypes.AnalysisRequest
	decode(t, w, &cancelled)
	assert.Equal(t, datatypes.StateDenied, cancelled.State)
}

func TestCreateRequestValidation(t *testing.T) {
	router := setupServer(t)

	body := requestBody("true")
	body["catalog_id"] = "does_not_exist"
	w := doJSON(t, router, http.MethodPost, "/v1/requests", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body = requestBody("true")
	delete(body, "requester")
	w = doJSON(t, router, http.MethodPost, "/v1/requests", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body = requestBody(strings.Repeat("x", datatypes.MaxScriptBytes+1))
	w = doJSON(t, router, http.MethodPost, "/v1/requests", body)
	// Caught by the script cap or by the body-size middleware first;
	// either way the request never reaches the core.
	assert.Contains(t, []int{http.StatusBadRequest, http.StatusRequestEntityTooLarge}, w.Code)
}

func TestRouteTable(t *testing.T) {
	router := setupServer(t)

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/healthz"},
		{"GET", "/metrics"},
		{"GET", "/v1/catalogs"},
		{"GET", "/v1/catalogs/:id"},
		{"GET", "/v1/catalogs/:id/options"},
		{"POST", "/v1/uploads/script"},
		{"POST", "/v1/uploads/data"},
		{"GET", "/v1/uploads"},
		{"POST", "/v1/requests"},
		{"GET", "/v1/requests"},
		{"GET", "/v1/requests/:id"},
		{"POST", "/v1/requests/:id/decision"},
		{"GET", "/v1/requests/:id/results"},
		{"GET", "/v1/requests/:id/job"},
		{"DELETE", "/v1/requests/:id"},
		{"GET", "/v1/admin/requests/:id/results"},
	}
	routes := router.Routes()
	for _, want := range expected {
		found := false
		for _, r := range routes {
			if r.Method == want.method && r.Path == want.path {
				found = true
				break
			}
		}
		assert.True(t, found, "missing route %s %s", want.method, want.path)
	}
}
