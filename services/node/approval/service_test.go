// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package approval

import (
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurofed/sitenode/pkg/logging"
	"github.com/neurofed/sitenode/services/node/datatypes"
	"github.com/neurofed/sitenode/services/node/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeCatalogs struct{ known map[string]bool }

func (f *fakeCatalogs) Get(id string) (*datatypes.Catalog, error) {
	if f.known[id] {
		return &datatypes.Catalog{ID: id, MinCohortSize: 10}, nil
	}
	return nil, datatypes.NewError(datatypes.KindNotFound, "catalog %q not found", id)
}

type fakeUploads struct{ known map[string]bool }

func (f *fakeUploads) Exists(id string) bool { return f.known[id] }

func setup(t *testing.T) (*Service, *fakeClock) {
	t.Helper()
	db, err := store.OpenDB(store.InMemoryDBConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	audit, err := store.OpenAudit(filepath.Join(t.TempDir(), "audit.log"))
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	log := logging.New(logging.Config{Level: logging.LevelError, Writer: io.Discard})
	svc := New(
		store.NewRequestStore(db, audit),
		&fakeCatalogs{known: map[string]bool{"clinical_trial_data": true}},
		&fakeUploads{known: map[string]bool{"upload-1": true}},
		72*time.Hour,
		clock,
		log,
	)
	return svc, clock
}

func submitInput() *datatypes.CreateRequestInput {
	return &datatypes.CreateRequestInput{
		Requester: datatypes.Requester{
			Name:        "Dr. Example",
			Institution: "Example University",
			Email:       "dr@example.edu",
		},
		Title:        "Age distribution study",
		Description:  "Demographic summary.",
		CatalogID:    "clinical_trial_data",
		AnalysisKind: datatypes.KindDemographics,
		Script:       "print('hi')",
	}
}

func TestSubmitLandsPending(t *testing.T) {
	svc, _ := setup(t)

	req, err := svc.Submit(submitInput())
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatePending, req.State)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, datatypes.PriorityNormal, req.Priority)
}

func TestSubmitValidation(t *testing.T) {
	svc, _ := setup(t)

	bad := submitInput()
	bad.CatalogID = "nope"
	_, err := svc.Submit(bad)
	assert.Equal(t, datatypes.KindValidation, datatypes.KindOf(err))

	bad = submitInput()
	bad.UploadedFileIDs = []string{"missing-upload"}
	_, err = svc.Submit(bad)
	assert.Equal(t, datatypes.KindValidation, datatypes.KindOf(err))

	ok := submitInput()
	ok.UploadedFileIDs = []string{"upload-1"}
	_, err = svc.Submit(ok)
	assert.NoError(t, err)
}

func TestNoDeduplication(t *testing.T) {
	svc, _ := setup(t)

	a, err := svc.Submit(submitInput())
	require.NoError(t, err)
	b, err := svc.Submit(submitInput())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestApproveAndDeny(t *testing.T) {
	svc, _ := setup(t)

	req, err := svc.Submit(submitInput())
	require.NoError(t, err)

	approved, err := svc.Decide(req.ID, "op@example.edu", datatypes.DecisionApprove, "ok")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StateApproved, approved.State)
	require.NotNil(t, approved.Decision)
	assert.Equal(t, datatypes.DecisionApprove, approved.Decision.Verdict)

	// Double approval is a no-op returning the prior decision record.
	again, err := svc.Decide(req.ID, "other@example.edu", datatypes.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, "op@example.edu", again.Decision.Approver)

	// A denial after approval is rejected; first decision wins.
	_, err = svc.Decide(req.ID, "other@example.edu", datatypes.DecisionDeny, "no")
	assert.Equal(t, datatypes.KindPolicy, datatypes.KindOf(err))
}

func TestDenyThenApproveRejected(t *testing.T) {
	svc, _ := setup(t)

	req, err := svc.Submit(submitInput())
	require.NoError(t, err)

	denied, err := svc.Decide(req.ID, "op@example.edu", datatypes.DecisionDeny, "insufficient IRB")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StateDenied, denied.State)

	_, err = svc.Decide(req.ID, "op@example.edu", datatypes.DecisionApprove, "")
	assert.Equal(t, datatypes.KindPolicy, datatypes.KindOf(err))
}

func TestDecideValidation(t *testing.T) {
	svc, _ := setup(t)

	req, err := svc.Submit(submitInput())
	require.NoError(t, err)

	_, err = svc.Decide(req.ID, "", datatypes.DecisionApprove, "")
	assert.Equal(t, datatypes.KindValidation, datatypes.KindOf(err))

	_, err = svc.Decide(req.ID, "op", "maybe", "")
	assert.Equal(t, datatypes.KindValidation, datatypes.KindOf(err))

	_, err = svc.Decide("missing", "op", datatypes.DecisionApprove, "")
	assert.Equal(t, datatypes.KindNotFound, datatypes.KindOf(err))
}

func TestApprovedSinkFires(t *testing.T) {
	svc, _ := setup(t)

	var got []string
	svc.SetApprovedSink(func(r *datatypes.AnalysisRequest) { got = append(got, r.ID) })

	req, err := svc.Submit(submitInput())
	require.NoError(t, err)
	_, err = svc.Decide(req.ID, "op", datatypes.DecisionApprove, "")
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, req.ID, got[0])

	// A no-op double approval does not fire the sink again.
	_, err = svc.Decide(req.ID, "op", datatypes.DecisionApprove, "")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestLazyExpiry(t *testing.T) {
	svc, clock := setup(t)

	req, err := svc.Submit(submitInput())
	require.NoError(t, err)

	// Within TTL the request stays pending.
	clock.Advance(71 * time.Hour)
	got, err := svc.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatePending, got.State)

	// Past TTL any touch persists the expiry before answering.
	clock.Advance(2 * time.Hour)
	got, err = svc.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StateExpired, got.State)

	// Deciding an expired request is a policy error.
	_, err = svc.Decide(req.ID, "op", datatypes.DecisionApprove, "")
	assert.Equal(t, datatypes.KindPolicy, datatypes.KindOf(err))
}

func TestListAppliesExpiry(t *testing.T) {
	svc, clock := setup(t)

	_, err := svc.Submit(submitInput())
	require.NoError(t, err)
	clock.Advance(100 * time.Hour)

	rows, err := svc.List(datatypes.RequestFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, datatypes.StateExpired, rows[0].State)
}

func TestRunningLifecycle(t *testing.T) {
	svc, _ := setup(t)

	req, err := svc.Submit(submitInput())
	require.NoError(t, err)
	_, err = svc.Decide(req.ID, "op", datatypes.DecisionApprove, "")
	require.NoError(t, err)

	running, err := svc.MarkRunning(req.ID, "job-1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StateRunning, running.State)
	assert.Equal(t, "job-1", running.JobID)

	// Approved → Running happens exactly once.
	_, err = svc.MarkRunning(req.ID, "job-2")
	assert.Equal(t, datatypes.KindPolicy, datatypes.KindOf(err))

	done, err := svc.MarkCompleted(req.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StateCompleted, done.State)

	_, err = svc.MarkFailed(req.ID, datatypes.ReasonTimeout, "late")
	assert.Equal(t, datatypes.KindPolicy, datatypes.KindOf(err))
}

func TestCancelPendingIsSelfDenial(t *testing.T) {
	svc, _ := setup(t)

	req, err := svc.Submit(submitInput())
	require.NoError(t, err)

	cancelled, err := svc.CancelPending(req.ID, "dr@example.edu")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StateDenied, cancelled.State)
	assert.Equal(t, "dr@example.edu", cancelled.Decision.Approver)
}

func TestReconcileMarksRunningFailed(t *testing.T) {
	svc, _ := setup(t)

	req, err := svc.Submit(submitInput())
	require.NoError(t, err)
	_, err = svc.Decide(req.ID, "op", datatypes.DecisionApprove, "")
	require.NoError(t, err)
	_, err = svc.MarkRunning(req.ID, "job-1")
	require.NoError(t, err)

	n, err := svc.Reconcile()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := svc.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StateFailed, got.State)

	// A second pass finds nothing.
	n, err = svc.Reconcile()
	require.NoError(t, err)
	assert.Zero(t, n)
}
