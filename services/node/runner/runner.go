// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package runner executes approved analysis requests.
//
// A fixed pool of executor slots drains a priority FIFO queue. Each
// running job is owned by one supervisor goroutine from launch to
// collection: it streams output into ring buffers, polls for
// termination every 250ms, enforces the wall-clock limit with a
// graceful-then-kill protocol, and hands every produced result to the
// privacy gate before persisting it.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/neurofed/sitenode/pkg/logging"
	"github.com/neurofed/sitenode/services/node/config"
	"github.com/neurofed/sitenode/services/node/datatypes"
	"github.com/neurofed/sitenode/services/node/loader"
	"github.com/neurofed/sitenode/services/node/observability"
	"github.com/neurofed/sitenode/services/node/privacy"
	"github.com/neurofed/sitenode/services/node/sandbox"
	"github.com/neurofed/sitenode/services/node/store"
)

const (
	pollInterval = 250 * time.Millisecond
	killGrace    = 5 * time.Second
	sweepEvery   = 30 * time.Minute
)

// Approvals is the slice of the approval service the runner drives.
type Approvals interface {
	MarkRunning(id, jobID string) (*datatypes.AnalysisRequest, error)
	MarkCompleted(id string) (*datatypes.AnalysisRequest, error)
	MarkFailed(id string, reason datatypes.FailureReason, message string) (*datatypes.AnalysisRequest, error)
	List(filter datatypes.RequestFilter) ([]datatypes.AnalysisRequest, error)
}

// Catalogs is the registry view the runner needs.
type Catalogs interface {
	Get(id string) (*datatypes.Catalog, error)
	ResolvePath(catalogID, fileName string) (string, error)
}

// Uploads resolves attached upload ids to host paths.
type Uploads interface {
	Path(id string) (string, error)
}

// Runner is the job execution engine.
type Runner struct {
	cfg       config.RunnerConfig
	workRoot  string
	catalogs  Catalogs
	uploads   Uploads
	approvals Approvals
	results   *store.ResultStore
	records   *store.JobStore
	metrics   *observability.Metrics
	log       *logging.Logger
	mech      sandbox.Mechanism

	queue *jobQueue
	slots chan struct{}
	stop  chan struct{}
	group *errgroup.Group

	mu      sync.Mutex
	jobs    map[string]*datatypes.Job
	cancels map[string]chan struct{}
}

// New creates a Runner. The sandbox mechanism is resolved once here; a
// degraded fallback is logged so operators notice.
func New(cfg config.RunnerConfig, workRoot string, catalogs Catalogs, uploads Uploads,
	approvals Approvals, results *store.ResultStore, records *store.JobStore,
	metrics *observability.Metrics, log *logging.Logger) (*Runner, error) {

	mech, err := sandbox.Detect(cfg.Sandbox)
	if err != nil {
		return nil, err
	}
	if mech == sandbox.MechanismRlimit && cfg.Sandbox != "rlimit" {
		log.Warn("bwrap unavailable, running jobs with rlimit isolation only")
	}
	if err := os.MkdirAll(workRoot, 0o750); err != nil {
		return nil, fmt.Errorf("create work root: %w", err)
	}

	return &Runner{
		cfg:       cfg,
		workRoot:  workRoot,
		catalogs:  catalogs,
		uploads:   uploads,
		approvals: approvals,
		results:   results,
		records:   records,
		metrics:   metrics,
		log:       log,
		mech:      mech,
		queue:     newJobQueue(),
		slots:     make(chan struct{}, cfg.Slots),
		stop:      make(chan struct{}),
		group:     &errgroup.Group{},
		jobs:      make(map[string]*datatypes.Job),
		cancels:   make(map[string]chan struct{}),
	}, nil
}

// Start launches the dispatcher and the retention sweeper.
func (r *Runner) Start() {
	r.group.Go(func() error { r.dispatch(); return nil })
	r.group.Go(func() error { r.sweep(); return nil })
}

// Stop halts intake and waits for running supervisors to finish their
// current termination handling.
func (r *Runner) Stop() {
	close(r.stop)
	_ = r.group.Wait()
}

// Enqueue accepts an approved request. The job stays queued (request
// state Approved) until a slot frees.
func (r *Runner) Enqueue(req *datatypes.AnalysisRequest) *datatypes.Job {
	job := &datatypes.Job{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		Status:    datatypes.JobQueued,
	}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.cancels[job.ID] = make(chan struct{})
	r.mu.Unlock()

	r.queue.Push(&queuedJob{job: job, request: req})
	r.metrics.QueueDepth.Set(float64(r.queue.Len()))
	r.log.Info("job queued", "job", job.ID, "request", req.ID, "priority", req.Priority)
	return job
}

// Recover re-enqueues requests that were Approved but not yet Running
// when the node last stopped. Called once at startup, after the
// approval reconciler has dealt with interrupted Running requests.
func (r *Runner) Recover() (int, error) {
	approved, err := r.approvals.List(datatypes.RequestFilter{State: datatypes.StateApproved})
	if err != nil {
		return 0, err
	}
	for i := range approved {
		r.Enqueue(&approved[i])
	}
	return len(approved), nil
}

// Cancel aborts a job. A queued job is removed from the queue; a
// running job is signalled gracefully and killed after the grace
// window. Unknown or finished jobs return a policy error.
func (r *Runner) Cancel(jobID string) error {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	cancel := r.cancels[jobID]
	r.mu.Unlock()
	if !ok {
		return datatypes.NewError(datatypes.KindNotFound, "job %q not found", jobID)
	}

	switch job.Status {
	case datatypes.JobQueued:
		if r.queue.Remove(jobID) {
			r.metrics.QueueDepth.Set(float64(r.queue.Len()))
			// Drive the request through its legal path to Failed so
			// the cancellation is visible in the audit trail.
			if _, err := r.approvals.MarkRunning(job.RequestID, jobID); err != nil {
				return err
			}
			if _, err := r.approvals.MarkFailed(job.RequestID, datatypes.ReasonCancelled,
				"cancelled before execution started"); err != nil {
				return err
			}
			r.finishJob(job, datatypes.JobFailed, &datatypes.JobError{
				Reason:  datatypes.ReasonCancelled,
				Message: "cancelled before execution started",
			})
			return nil
		}
		// Raced with the dispatcher; fall through to the running path.
		fallthrough
	case datatypes.JobRunning:
		// The check-and-close pair runs under the mutex so concurrent
		// cancels of the same job cannot both reach the close.
		r.mu.Lock()
		select {
		case <-cancel:
			// Already cancelled.
		default:
			close(cancel)
		}
		r.mu.Unlock()
		return nil
	default:
		return datatypes.NewError(datatypes.KindPolicy, "job %q already %s", jobID, job.Status)
	}
}

// Job returns a job record by id. Live jobs come from the in-memory
// table; terminal records from before the last restart come from the
// persistent store.
func (r *Runner) Job(jobID string) (*datatypes.Job, error) {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	if ok {
		copied := *job
		r.mu.Unlock()
		return &copied, nil
	}
	r.mu.Unlock()
	return r.records.Get(jobID)
}

// Active reports how many jobs hold a slot right now.
func (r *Runner) Active() int { return len(r.slots) }

// QueueDepth reports how many approved jobs are waiting.
func (r *Runner) QueueDepth() int { return r.queue.Len() }

func (r *Runner) dispatch() {
	for {
		entry := r.queue.Pop(r.stop)
		if entry == nil {
			return
		}
		r.metrics.QueueDepth.Set(float64(r.queue.Len()))

		select {
		case r.slots <- struct{}{}:
		case <-r.stop:
			return
		}

		r.group.Go(func() error {
			defer func() {
				<-r.slots
				r.metrics.SlotsBusy.Set(float64(r.Active()))
			}()
			r.metrics.SlotsBusy.Set(float64(r.Active()))
			r.run(entry)
			return nil
		})
	}
}

// run owns one job from the approved-to-running transition through
// collection.
func (r *Runner) run(entry *queuedJob) {
	job, req := entry.job, entry.request
	log := r.log.With("job", job.ID, "request", req.ID)

	if _, err := r.approvals.MarkRunning(req.ID, job.ID); err != nil {
		// The request left Approved while queued (cancelled or
		// reconciled); nothing to execute.
		log.Warn("job skipped, request no longer approved", "error", err)
		r.finishJob(job, datatypes.JobFailed, &datatypes.JobError{
			Reason:  datatypes.ReasonCancelled,
			Message: "request left the approved state before execution",
		})
		return
	}

	start := time.Now()
	r.setJobRunning(job, start)

	ws, err := r.buildWorkspace(job, req)
	if err != nil {
		log.Error("workspace construction failed", "error", err)
		r.failJob(job, req, datatypes.JobError{
			Reason:  datatypes.ReasonInternal,
			Message: "workspace construction failed",
		}, start)
		return
	}

	outcome := r.supervise(job, req, ws, log)
	outcome.ExecutionSecs = time.Since(start).Seconds()

	if outcome.Err != nil {
		r.failJob(job, req, *outcome.Err, start)
		return
	}
	r.collect(job, req, ws, outcome, start, log)
}

// superviseOutcome carries what the supervisor observed at exit.
type superviseOutcome struct {
	ExitCode      int
	Signal        string
	StdoutTail    string
	StderrTail    string
	ExecutionSecs float64
	// Err is set for every non-collectable termination.
	Err *datatypes.JobError
}

// supervise launches the child and watches it to termination.
func (r *Runner) supervise(job *datatypes.Job, req *datatypes.AnalysisRequest,
	ws *workspace, log *logging.Logger) superviseOutcome {

	spec := &sandbox.Spec{
		Workspace:  ws.dir,
		Command:    []string{ws.interpreter, ws.scriptName},
		InputPaths: ws.inputPaths,
		Env: map[string]string{
			"JOB_ID":      job.ID,
			"JOB_CONFIG":  loader.ConfigName,
			"OUTPUT_FILE": filepath.Join(loader.OutputDir, loader.OutputName),
			"LC_ALL":      "C",
		},
		Limits: sandbox.Limits{
			CPU:      r.cfg.MaxCPU,
			MemBytes: r.cfg.MaxMemBytes,
			// Twice the artifact cap: a slightly oversized artifact
			// still reaches collection, where it is rejected with a
			// clear reason instead of a SIGXFSZ crash. The hard limit
			// only backstops runaway writes.
			FileSizeBytes: 2 * r.cfg.MaxOutBytes,
		},
	}

	cmd, err := sandbox.Build(context.Background(), r.mech, spec)
	if err != nil {
		return superviseOutcome{Err: &datatypes.JobError{
			Reason: datatypes.ReasonInternal, Message: "sandbox construction failed",
		}}
	}

	stdout := newRingBuffer(tailBytes)
	stderr := newRingBuffer(tailBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		log.Error("child start failed", "error", err)
		return superviseOutcome{Err: &datatypes.JobError{
			Reason: datatypes.ReasonChildCrash, Message: "analysis process failed to start",
		}}
	}
	pid := cmd.Process.Pid
	if err := sandbox.ApplyLimits(pid, spec.Limits); err != nil {
		log.Warn("resource limits not fully applied", "error", err)
	}

	r.mu.Lock()
	cancel := r.cancels[job.ID]
	r.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	deadline := time.Now().Add(r.cfg.MaxWall)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var waitErr error
	var abort *datatypes.JobError
poll:
	for {
		select {
		case waitErr = <-done:
			break poll
		case <-ticker.C:
			if time.Now().After(deadline) {
				log.Warn("wall-clock limit reached, terminating child")
				fmt.Fprintf(stderr, "\n[sitenode] terminated: wall-clock limit of %s exceeded\n", r.cfg.MaxWall)
				waitErr = r.terminate(pid, done)
				abort = &datatypes.JobError{
					Reason:  datatypes.ReasonTimeout,
					Message: fmt.Sprintf("wall-clock limit of %s exceeded", r.cfg.MaxWall),
				}
				break poll
			}
		case <-cancel:
			log.Info("cancellation requested, terminating child")
			fmt.Fprintf(stderr, "\n[sitenode] terminated: cancelled by operator\n")
			waitErr = r.terminate(pid, done)
			abort = &datatypes.JobError{
				Reason:  datatypes.ReasonCancelled,
				Message: "cancelled while running",
			}
			break poll
		}
	}

	out := superviseOutcome{
		StdoutTail: stdout.Tail(),
		StderrTail: stderr.Tail(),
	}

	exitCode, signal := exitStatus(waitErr, cmd)
	out.ExitCode = exitCode
	out.Signal = signal

	if abort != nil {
		abort.ExitCode = exitCode
		abort.Signal = signal
		abort.StdoutTail = out.StdoutTail
		abort.StderrTail = out.StderrTail
		out.Err = abort
		return out
	}

	// SIGXCPU means the kernel stopped the child at the CPU cap.
	if signal == "SIGXCPU" {
		out.Err = &datatypes.JobError{
			ExitCode: exitCode, Signal: signal,
			Reason:     datatypes.ReasonTimeout,
			Message:    fmt.Sprintf("cpu limit of %s exceeded", r.cfg.MaxCPU),
			StdoutTail: out.StdoutTail, StderrTail: out.StderrTail,
		}
		return out
	}
	if exitCode != 0 {
		out.Err = &datatypes.JobError{
			ExitCode: exitCode, Signal: signal,
			Reason:     datatypes.ReasonChildCrash,
			Message:    fmt.Sprintf("analysis process exited with code %d", exitCode),
			StdoutTail: out.StdoutTail, StderrTail: out.StderrTail,
		}
	}
	return out
}

// terminate applies the graceful-then-kill protocol to the child's
// process group and returns the eventual wait error.
func (r *Runner) terminate(pid int, done <-chan error) error {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case err := <-done:
		return err
	case <-time.After(killGrace):
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	return <-done
}

// collect reads the artifacts of a zero-exit child, runs every result
// row through the privacy gate, and completes the request.
func (r *Runner) collect(job *datatypes.Job, req *datatypes.AnalysisRequest,
	ws *workspace, outcome superviseOutcome, start time.Time, log *logging.Logger) {

	cat, err := r.catalogs.Get(req.CatalogID)
	if err != nil {
		r.failJob(job, req, datatypes.JobError{
			Reason: datatypes.ReasonInternal, Message: "catalog lookup failed during collection",
		}, start)
		return
	}

	// The artifact cap applies to the canonical file.
	if info, err := os.Stat(ws.outputFile); err == nil {
		r.metrics.ArtifactBytes.Observe(float64(info.Size()))
		if info.Size() > r.cfg.MaxOutBytes {
			r.failJob(job, req, datatypes.JobError{
				ExitCode: outcome.ExitCode,
				Reason:   datatypes.ReasonArtifact,
				Message: fmt.Sprintf("result artifact exceeds the %d byte limit",
					r.cfg.MaxOutBytes),
				StdoutTail: outcome.StdoutTail,
				StderrTail: outcome.StderrTail,
			}, start)
			return
		}
	}

	rows, err := r.readResultRows(ws)
	if err != nil {
		r.failJob(job, req, datatypes.JobError{
			ExitCode: outcome.ExitCode,
			Reason:   datatypes.ReasonInternal,
			Message:  "result rows could not be read",
		}, start)
		return
	}

	// A clean exit without any result artifact is a contract breach,
	// not an empty success.
	if len(rows) == 0 {
		r.failJob(job, req, datatypes.JobError{
			ExitCode:   outcome.ExitCode,
			Reason:     datatypes.ReasonNoArtifact,
			Message:    "analysis exited cleanly but produced no result artifact",
			StdoutTail: outcome.StdoutTail,
			StderrTail: outcome.StderrTail,
		}, start)
		return
	}

	released := 0
	for _, row := range rows {
		verdict := privacy.Evaluate(row, cat.MinCohortSize, cat.PrivacyLevel)
		result := &datatypes.Result{
			RequestID:  req.ID,
			ResultType: string(req.AnalysisKind),
			Payload:    verdict.Payload,
			Released:   verdict.Released,
			CreatedAt:  time.Now().UTC(),
		}
		if verdict.Released {
			released++
			r.metrics.GateDecisions.WithLabelValues("released").Inc()
		} else {
			result.Original = row
			r.metrics.GateDecisions.WithLabelValues("blocked").Inc()
		}
		if err := r.results.Append(result); err != nil {
			r.failJob(job, req, datatypes.JobError{
				Reason: datatypes.ReasonInternal, Message: "result persistence failed",
			}, start)
			return
		}
	}

	// A reserved top-level key lets the child report progress counts.
	if canonical, err := os.ReadFile(ws.outputFile); err == nil {
		var top map[string]json.RawMessage
		if json.Unmarshal(canonical, &top) == nil {
			var n int
			if raw, ok := top["_records_processed"]; ok && json.Unmarshal(raw, &n) == nil && n >= 0 {
				job.RecordsProcessed = n
			}
		}
	}

	if _, err := r.approvals.MarkCompleted(req.ID); err != nil {
		log.Error("completion transition failed", "error", err)
		return
	}

	job.ExitCode = outcome.ExitCode
	job.StdoutTail = outcome.StdoutTail
	job.StderrTail = outcome.StderrTail
	// Workspace-relative; the record is user-visible and must not
	// carry host paths.
	job.ArtifactPath = filepath.Join(loader.OutputDir, loader.OutputName)
	job.ExecutionSecs = outcome.ExecutionSecs
	r.finishJob(job, datatypes.JobCompleted, nil)
	r.metrics.JobsTotal.WithLabelValues(string(datatypes.JobCompleted)).Inc()
	r.metrics.JobDuration.Observe(outcome.ExecutionSecs)
	log.Info("job completed", "results", len(rows), "released", released,
		"duration_secs", outcome.ExecutionSecs)
}

// readResultRows returns one raw payload per save_results call, in
// call order. No calls means no rows and no error.
func (r *Runner) readResultRows(ws *workspace) ([]json.RawMessage, error) {
	path := filepath.Join(ws.dir, loader.OutputDir, loader.ResultsLog)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		// Fall back to the canonical artifact alone, for children
		// that write result.json directly instead of calling
		// save_results.
		canonical, err := os.ReadFile(ws.outputFile)
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []json.RawMessage{canonical}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), int(r.cfg.MaxOutBytes))
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		row := make(json.RawMessage, len(line))
		copy(row, line)
		rows = append(rows, row)
	}
	return rows, scanner.Err()
}

func (r *Runner) setJobRunning(job *datatypes.Job, start time.Time) {
	r.mu.Lock()
	job.Status = datatypes.JobRunning
	job.StartedAt = start.UTC()
	r.mu.Unlock()
}

// failJob records the failure on the job and drives the request to
// Failed. Messages are user-visible and must not contain host paths.
func (r *Runner) failJob(job *datatypes.Job, req *datatypes.AnalysisRequest,
	jobErr datatypes.JobError, start time.Time) {

	if _, err := r.approvals.MarkFailed(req.ID, jobErr.Reason, jobErr.Message); err != nil {
		r.log.Error("failure transition rejected", "job", job.ID, "error", err)
	}
	job.ExitCode = jobErr.ExitCode
	job.StdoutTail = jobErr.StdoutTail
	job.StderrTail = jobErr.StderrTail
	job.ExecutionSecs = time.Since(start).Seconds()
	r.finishJob(job, datatypes.JobFailed, &jobErr)
	r.metrics.JobsTotal.WithLabelValues(string(datatypes.JobFailed)).Inc()
	r.metrics.JobDuration.Observe(job.ExecutionSecs)
}

// finishJob freezes the record and persists it. Terminal job records
// outlive restarts; only the workspace is retention-pruned.
func (r *Runner) finishJob(job *datatypes.Job, status datatypes.JobStatus, jobErr *datatypes.JobError) {
	r.mu.Lock()
	job.Status = status
	job.EndedAt = time.Now().UTC()
	job.Error = jobErr
	frozen := *job
	r.mu.Unlock()

	if err := r.records.Put(&frozen); err != nil {
		r.log.Error("job record persistence failed", "job", job.ID, "error", err)
	}
}

// exitStatus extracts the numeric exit code and terminating signal.
func exitStatus(waitErr error, cmd *exec.Cmd) (int, string) {
	if waitErr == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return exitErr.ExitCode(), status.Signal().String()
		}
		return exitErr.ExitCode(), ""
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode(), ""
	}
	return -1, ""
}

// sweep deletes workspaces of terminal jobs past the retention window.
func (r *Runner) sweep() {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweepOnce(time.Now())
		}
	}
}

// sweepOnce removes expired workspaces: those of known terminal jobs
// past retention, and orphan directories from before the last restart
// whose mtime is past retention.
func (r *Runner) sweepOnce(now time.Time) {
	cutoff := now.Add(-r.cfg.WorkspaceRetention)

	known := map[string]bool{}
	r.mu.Lock()
	for id, job := range r.jobs {
		known[id] = true
		terminal := job.Status == datatypes.JobCompleted || job.Status == datatypes.JobFailed
		if terminal && !job.EndedAt.IsZero() && job.EndedAt.Before(cutoff) {
			if err := removeWorkspace(filepath.Join(r.workRoot, id)); err != nil {
				r.log.Warn("workspace removal failed", "job", id, "error", err)
			}
		}
	}
	r.mu.Unlock()

	entries, err := os.ReadDir(r.workRoot)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || known[entry.Name()] {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := removeWorkspace(filepath.Join(r.workRoot, entry.Name())); err != nil {
			r.log.Warn("orphan workspace removal failed", "dir", entry.Name(), "error", err)
		}
	}
}
