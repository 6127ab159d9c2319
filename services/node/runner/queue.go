// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package runner

import (
	"sync"
	"time"

	"github.com/neurofed/sitenode/services/node/datatypes"
)

// queuedJob is one approved request waiting for an executor slot.
type queuedJob struct {
	job     *datatypes.Job
	request *datatypes.AnalysisRequest
}

// jobQueue is the FIFO of approved jobs with priority insertion:
// high-priority entries go ahead of all non-high entries, ties break
// by submission time ascending.
type jobQueue struct {
	mu     sync.Mutex
	items  []*queuedJob
	signal chan struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{signal: make(chan struct{}, 1)}
}

// Push inserts an entry at its priority position and wakes the
// dispatcher.
func (q *jobQueue) Push(entry *queuedJob) {
	q.mu.Lock()
	pos := len(q.items)
	if entry.request.Priority == datatypes.PriorityHigh {
		// Ahead of every non-high entry; behind earlier highs.
		pos = 0
		for pos < len(q.items) {
			other := q.items[pos]
			if other.request.Priority != datatypes.PriorityHigh {
				break
			}
			if submitBefore(entry.request, other.request) {
				break
			}
			pos++
		}
	} else {
		// FIFO among non-high entries by submission time.
		for pos > 0 {
			other := q.items[pos-1]
			if other.request.Priority == datatypes.PriorityHigh {
				break
			}
			if !submitBefore(entry.request, other.request) {
				break
			}
			pos--
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = entry
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func submitBefore(a, b *datatypes.AnalysisRequest) bool {
	return a.SubmittedAt.Before(b.SubmittedAt)
}

// Pop removes and returns the head entry, blocking until one exists or
// stop closes. Returns nil on stop. Only one goroutine may Pop.
func (q *jobQueue) Pop(stop <-chan struct{}) *queuedJob {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			entry := q.items[0]
			copy(q.items, q.items[1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			q.mu.Unlock()
			return entry
		}
		q.mu.Unlock()

		select {
		case <-stop:
			return nil
		case <-q.signal:
		case <-time.After(250 * time.Millisecond):
			// Re-check periodically in case a signal was consumed by
			// a Push racing with an earlier Pop.
		}
	}
}

// Len reports the current depth.
func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Remove drops a queued entry by job id, returning true when found.
// Used when a queued job's request is cancelled before it runs.
func (q *jobQueue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, entry := range q.items {
		if entry.job.ID == jobID {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			return true
		}
	}
	return false
}
