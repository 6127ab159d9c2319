// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/neurofed/sitenode/services/node/datatypes"
)

// ResultStore persists result rows append-only, one row per
// save_results call. Keys are "result/<request-id>/<seq>" with a
// zero-padded sequence, so Badger's lexicographic iteration returns
// rows in call order.
type ResultStore struct {
	db *badger.DB
	mu sync.Mutex
}

// NewResultStore wraps an opened database.
func NewResultStore(db *badger.DB) *ResultStore {
	return &ResultStore{db: db}
}

func resultKey(requestID string, seq int) []byte {
	return []byte(fmt.Sprintf("result/%s/%08d", requestID, seq))
}

func resultPrefix(requestID string) []byte {
	return []byte("result/" + requestID + "/")
}

// Append assigns the next sequence number for the row's request and
// persists it. Rows are never updated or deleted.
func (s *ResultStore) Append(res *datatypes.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		next := 0
		opts := badger.DefaultIteratorOptions
		opts.Prefix = resultPrefix(res.RequestID)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			next++
		}
		it.Close()

		res.Seq = next
		data, err := json.Marshal(res)
		if err != nil {
			return err
		}
		return txn.Set(resultKey(res.RequestID, next), data)
	})
	if err != nil {
		return datatypes.WrapError(datatypes.KindInternal, err, "append result for %s", res.RequestID)
	}
	return nil
}

// ListAll returns every row for a request in call order, including
// blocked rows with their suppressed originals. For the admin view
// only.
func (s *ResultStore) ListAll(requestID string) ([]datatypes.Result, error) {
	return s.list(requestID, false)
}

// ListExternal returns the rows for a request in call order as seen
// from outside the node: blocked rows carry only their placeholder
// payload, and suppressed originals are stripped.
func (s *ResultStore) ListExternal(requestID string) ([]datatypes.Result, error) {
	return s.list(requestID, true)
}

func (s *ResultStore) list(requestID string, external bool) ([]datatypes.Result, error) {
	out := []datatypes.Result{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = resultPrefix(requestID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var res datatypes.Result
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &res)
			})
			if err != nil {
				return err
			}
			if external {
				// The suppressed original never leaves the node
				// through the external surface.
				res.Original = nil
			}
			out = append(out, res)
		}
		return nil
	})
	if err != nil {
		return nil, datatypes.WrapError(datatypes.KindInternal, err, "list results for %s", requestID)
	}
	return out, nil
}

// Canonical returns the last released row, the one the results
// endpoint reports as the request's result. Nil when no released row
// exists.
func (s *ResultStore) Canonical(requestID string) (*datatypes.Result, error) {
	rows, err := s.ListExternal(requestID)
	if err != nil {
		return nil, err
	}
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Released {
			return &rows[i], nil
		}
	}
	return nil, nil
}
