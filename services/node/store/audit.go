// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// AuditLog is the append-only text trail of state transitions. Records
// are one line each and are synced to disk before Record returns; a
// line is never rewritten.
type AuditLog struct {
	mu   sync.Mutex
	file *os.File
}

// OpenAudit opens (or creates) the audit log at path in append mode.
func OpenAudit(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLog{file: f}, nil
}

// Record appends one transition line. Free-form fields are flattened to
// a single line so the log stays greppable.
func (a *AuditLog) Record(requestID, prev, next, actor, notes string) error {
	line := fmt.Sprintf("%s request=%s prev=%s next=%s actor=%q notes=%q\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		requestID, orDash(prev), next, flatten(actor), flatten(notes))

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.file.WriteString(line); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	return nil
}

// Diagnostic appends a free-form line for internal errors that need a
// durable trace beyond the structured logs.
func (a *AuditLog) Diagnostic(requestID, detail string) error {
	line := fmt.Sprintf("%s request=%s diagnostic=%q\n",
		time.Now().UTC().Format(time.RFC3339Nano), orDash(requestID), flatten(detail))

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.file.WriteString(line); err != nil {
		return fmt.Errorf("append audit diagnostic: %w", err)
	}
	return a.file.Sync()
}

// Close closes the underlying file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func flatten(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "\r", " ")
}
