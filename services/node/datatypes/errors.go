// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides the shared data structures for the site node:
// manifest and catalog projections, analysis requests, jobs, results,
// uploaded files, and the error taxonomy used across all services.
package datatypes

import (
	"errors"
	"fmt"
)

// ErrorKind classifies node errors into the categories the HTTP
// collaborator maps to status codes. The kinds are deliberately coarse;
// details ride on the wrapped error message.
type ErrorKind string

const (
	// KindValidation covers malformed input, unknown catalog ids,
	// missing required fields, disallowed extensions, and references to
	// uploaded files that do not exist.
	KindValidation ErrorKind = "validation"

	// KindNotFound covers lookups of records that do not exist.
	KindNotFound ErrorKind = "not_found"

	// KindPolicy covers state machine violations and decisions on
	// requests that are not in a decidable state.
	KindPolicy ErrorKind = "policy"

	// KindResourceExhausted covers disk-full workspaces, uploads over
	// the size cap, and artifacts over MaxOut.
	KindResourceExhausted ErrorKind = "resource_exhausted"

	// KindTimeout covers MaxWall and MaxCpu overruns.
	KindTimeout ErrorKind = "timeout"

	// KindChildCrash covers nonzero exits, terminating signals, and a
	// missing result artifact.
	KindChildCrash ErrorKind = "child_crash"

	// KindInterrupted marks requests found Running after a node
	// restart, with no live process behind them.
	KindInterrupted ErrorKind = "interrupted_before_completion"

	// KindInternal covers unexpected I/O failures and invariant
	// violations.
	KindInternal ErrorKind = "internal"
)

// NodeError carries an ErrorKind alongside a message and an optional
// wrapped cause. It supports errors.Is on the kind via sentinel
// comparison and errors.As for callers that need the kind itself.
type NodeError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *NodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *NodeError) Unwrap() error { return e.Err }

// Is reports kind equality so callers can write
// errors.Is(err, &NodeError{Kind: KindNotFound}).
func (e *NodeError) Is(target error) bool {
	var t *NodeError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds a NodeError with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *NodeError {
	return &NodeError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError builds a NodeError around a cause.
func WrapError(kind ErrorKind, err error, format string, args ...any) *NodeError {
	return &NodeError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the ErrorKind from err, or KindInternal when err is
// not a NodeError.
func KindOf(err error) ErrorKind {
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne.Kind
	}
	return KindInternal
}

// Manifest failure sentinels used by the catalog registry.
var (
	// ErrManifestMissing indicates the manifest file does not exist at
	// the configured path.
	ErrManifestMissing = NewError(KindNotFound, "manifest file missing")
)
