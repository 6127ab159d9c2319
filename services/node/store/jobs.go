// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"encoding/json"
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/neurofed/sitenode/services/node/datatypes"
)

const jobPrefix = "job/"

// JobStore persists terminal Job records under "job/<id>". Job records
// outlive the workspace retention window and node restarts; exit codes
// and output tails stay queryable indefinitely.
type JobStore struct {
	db *badger.DB
}

// NewJobStore wraps an opened database. It shares the request
// database; the keyspaces are disjoint by prefix.
func NewJobStore(db *badger.DB) *JobStore {
	return &JobStore{db: db}
}

func jobKey(id string) []byte {
	return []byte(jobPrefix + id)
}

// Put writes a job record, replacing any previous version.
func (s *JobStore) Put(job *datatypes.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return datatypes.WrapError(datatypes.KindInternal, err, "encode job %s", job.ID)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(jobKey(job.ID), data)
	})
	if err != nil {
		return datatypes.WrapError(datatypes.KindInternal, err, "persist job %s", job.ID)
	}
	return nil
}

// Get returns one job record by id.
func (s *JobStore) Get(id string) (*datatypes.Job, error) {
	var job datatypes.Job
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &job)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, datatypes.NewError(datatypes.KindNotFound, "job %q not found", id)
	}
	if err != nil {
		return nil, datatypes.WrapError(datatypes.KindInternal, err, "read job %s", id)
	}
	return &job, nil
}
