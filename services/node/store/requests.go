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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/neurofed/sitenode/services/node/datatypes"
)

const requestPrefix = "request/"

// NewRequestID generates a fresh id that sorts by creation time: a
// nanosecond timestamp prefix plus a random suffix for uniqueness
// within the same instant.
func NewRequestID(now time.Time) string {
	return fmt.Sprintf("%020d-%s", now.UTC().UnixNano(), uuid.NewString()[:8])
}

// RequestStore persists AnalysisRequest records. Mutations are
// serialized by a store-wide mutex and committed (and audit-logged)
// before they return, so readers observe either the pre- or the
// post-state of an update, never a partial record.
type RequestStore struct {
	db    *badger.DB
	audit *AuditLog
	mu    sync.Mutex
}

// NewRequestStore wraps an opened database and the audit trail.
func NewRequestStore(db *badger.DB, audit *AuditLog) *RequestStore {
	return &RequestStore{db: db, audit: audit}
}

func requestKey(id string) []byte {
	return []byte(requestPrefix + id)
}

// Create persists a new request. The record's ID must already be set;
// the creation is audit-logged as the transition into its state.
func (s *RequestStore) Create(req *datatypes.AnalysisRequest) error {
	if req.ID == "" {
		return datatypes.NewError(datatypes.KindInternal, "request has no id")
	}

	data, err := json.Marshal(req)
	if err != nil {
		return datatypes.WrapError(datatypes.KindInternal, err, "encode request")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(requestKey(req.ID)); err == nil {
			return fmt.Errorf("request %s already exists", req.ID)
		}
		return txn.Set(requestKey(req.ID), data)
	})
	if err != nil {
		return datatypes.WrapError(datatypes.KindInternal, err, "persist request")
	}
	return s.audit.Record(req.ID, "", string(req.State), req.Requester.Email, "request created")
}

// Get returns one request by id.
func (s *RequestStore) Get(id string) (*datatypes.AnalysisRequest, error) {
	var req datatypes.AnalysisRequest
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(requestKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &req)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, datatypes.NewError(datatypes.KindNotFound, "request %q not found", id)
	}
	if err != nil {
		return nil, datatypes.WrapError(datatypes.KindInternal, err, "read request %s", id)
	}
	return &req, nil
}

// List returns requests passing the filter, newest first.
func (s *RequestStore) List(filter datatypes.RequestFilter) ([]datatypes.AnalysisRequest, error) {
	var out []datatypes.AnalysisRequest
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(requestPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var req datatypes.AnalysisRequest
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &req)
			})
			if err != nil {
				return err
			}
			if filter.Matches(&req) {
				out = append(out, req)
			}
		}
		return nil
	})
	if err != nil {
		return nil, datatypes.WrapError(datatypes.KindInternal, err, "list requests")
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	return out, nil
}

// Mutate applies fn to the stored record under the store mutex and
// persists the outcome. When fn changes the state, the transition is
// audit-logged with the given actor and notes before Mutate returns.
// An error from fn aborts the mutation and leaves the record untouched.
func (s *RequestStore) Mutate(id, actor, notes string, fn func(*datatypes.AnalysisRequest) error) (*datatypes.AnalysisRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated datatypes.AnalysisRequest
	var prevState datatypes.RequestState

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(requestKey(id))
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &updated)
		}); err != nil {
			return err
		}
		prevState = updated.State

		if err := fn(&updated); err != nil {
			return err
		}
		updated.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(&updated)
		if err != nil {
			return err
		}
		return txn.Set(requestKey(id), data)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, datatypes.NewError(datatypes.KindNotFound, "request %q not found", id)
	}
	if err != nil {
		var ne *datatypes.NodeError
		if errors.As(err, &ne) {
			return nil, err
		}
		return nil, datatypes.WrapError(datatypes.KindInternal, err, "update request %s", id)
	}

	if updated.State != prevState {
		if err := s.audit.Record(id, string(prevState), string(updated.State), actor, notes); err != nil {
			return nil, datatypes.WrapError(datatypes.KindInternal, err, "audit transition")
		}
	}
	return &updated, nil
}
