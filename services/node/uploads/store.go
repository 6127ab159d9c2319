// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package uploads implements the upload store: persisted analysis
// scripts and data files under uploads/{scripts,data}/, plus the
// synthetic user-uploaded-files catalog fed to the registry.
//
// Files are append-only. Records are rebuilt from a directory scan at
// startup; the stored name encodes the id, so no side index is needed.
package uploads

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neurofed/sitenode/pkg/logging"
	"github.com/neurofed/sitenode/pkg/validation"
	"github.com/neurofed/sitenode/services/node/datatypes"
)

// SyntheticCatalogID names the catalog that exposes uploaded data
// files to analyses.
const SyntheticCatalogID = "user-uploaded-files"

var (
	scriptExtensions = map[string]bool{"py": true, "r": true}
	dataExtensions   = map[string]bool{
		"csv": true, "tsv": true, "json": true, "npy": true,
		"npz": true, "mat": true, "nii": true, "nii.gz": true,
	}
)

// Notifier receives cache invalidations when the synthetic catalog
// grows. The catalog registry implements it.
type Notifier interface {
	Invalidate()
}

// Store persists uploads and serves them by id.
type Store struct {
	root     string
	maxBytes int64
	log      *logging.Logger

	mu       sync.RWMutex
	files    map[string]datatypes.UploadedFile
	notifier Notifier
}

// NewStore creates the directory layout under root and indexes any
// files already present from a previous run.
func NewStore(root string, maxBytes int64, log *logging.Logger) (*Store, error) {
	s := &Store{
		root:     root,
		maxBytes: maxBytes,
		log:      log,
		files:    make(map[string]datatypes.UploadedFile),
	}
	for _, kind := range []datatypes.UploadKind{datatypes.UploadScript, datatypes.UploadData} {
		if err := os.MkdirAll(s.kindDir(kind), 0o750); err != nil {
			return nil, fmt.Errorf("create upload dir: %w", err)
		}
		if err := s.scan(kind); err != nil {
			return nil, err
		}
	}
	log.Info("upload store ready", "files", len(s.files))
	return s, nil
}

// SetNotifier attaches the registry invalidation hook.
func (s *Store) SetNotifier(n Notifier) {
	s.mu.Lock()
	s.notifier = n
	s.mu.Unlock()
}

func (s *Store) kindDir(kind datatypes.UploadKind) string {
	if kind == datatypes.UploadScript {
		return filepath.Join(s.root, "scripts")
	}
	return filepath.Join(s.root, "data")
}

// scan rebuilds index entries for one kind directory. Stored names are
// "<uuid>_<original>"; anything not matching is skipped with a warning.
func (s *Store) scan(kind datatypes.UploadKind) error {
	entries, err := os.ReadDir(s.kindDir(kind))
	if err != nil {
		return fmt.Errorf("scan upload dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		id, original, ok := splitStoredName(name)
		if !ok {
			s.log.Warn("skipping unindexable upload", "name", name)
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		s.files[id] = datatypes.UploadedFile{
			ID:           id,
			OriginalName: original,
			StoredName:   name,
			Kind:         kind,
			Extension:    validation.FileExtension(original),
			SizeBytes:    info.Size(),
			CreatedAt:    info.ModTime().UTC(),
		}
	}
	return nil
}

func splitStoredName(name string) (id, original string, ok bool) {
	i := strings.IndexByte(name, '_')
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	id = name[:i]
	if _, err := uuid.Parse(id); err != nil {
		return "", "", false
	}
	return id, name[i+1:], true
}

// PutScript persists an analysis script. Allowed extensions: py, r.
func (s *Store) PutScript(originalName string, r io.Reader, uploadedBy string) (*datatypes.UploadedFile, error) {
	return s.put(datatypes.UploadScript, originalName, r, uploadedBy)
}

// PutData persists a data file and grows the synthetic catalog.
// Allowed extensions: csv, tsv, json, npy, npz, mat, nii, nii.gz.
func (s *Store) PutData(originalName string, r io.Reader, uploadedBy string) (*datatypes.UploadedFile, error) {
	file, err := s.put(datatypes.UploadData, originalName, r, uploadedBy)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	notifier := s.notifier
	s.mu.RUnlock()
	if notifier != nil {
		notifier.Invalidate()
	}
	return file, nil
}

func (s *Store) put(kind datatypes.UploadKind, originalName string, r io.Reader, uploadedBy string) (*datatypes.UploadedFile, error) {
	safe := validation.SafeFileName(originalName)
	ext := validation.FileExtension(safe)

	allowed := dataExtensions
	if kind == datatypes.UploadScript {
		allowed = scriptExtensions
	}
	if !allowed[ext] {
		return nil, datatypes.NewError(datatypes.KindValidation,
			"extension %q not allowed for %s uploads", ext, kind)
	}

	id := uuid.NewString()
	storedName := id + "_" + safe
	path := filepath.Join(s.kindDir(kind), storedName)

	// O_EXCL guarantees the store never overwrites an existing file.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, datatypes.WrapError(datatypes.KindInternal, err, "create upload file")
	}

	written, err := io.Copy(f, io.LimitReader(r, s.maxBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, datatypes.WrapError(datatypes.KindInternal, err, "write upload file")
	}
	if written > s.maxBytes {
		os.Remove(path)
		return nil, datatypes.NewError(datatypes.KindResourceExhausted,
			"upload exceeds limit of %d bytes", s.maxBytes)
	}

	record := datatypes.UploadedFile{
		ID:           id,
		OriginalName: safe,
		StoredName:   storedName,
		Kind:         kind,
		Extension:    ext,
		SizeBytes:    written,
		UploadedBy:   uploadedBy,
		CreatedAt:    time.Now().UTC(),
	}

	s.mu.Lock()
	s.files[id] = record
	s.mu.Unlock()

	s.log.Info("upload stored", "id", id, "kind", kind, "bytes", written)
	return &record, nil
}

// List returns uploads of one kind (or all when kind is empty), newest
// first.
func (s *Store) List(kind datatypes.UploadKind) []datatypes.UploadedFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]datatypes.UploadedFile, 0, len(s.files))
	for _, f := range s.files {
		if kind == "" || f.Kind == kind {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns the record for an id.
func (s *Store) Get(id string) (*datatypes.UploadedFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[id]
	if !ok {
		return nil, datatypes.NewError(datatypes.KindNotFound, "uploaded file %q not found", id)
	}
	return &f, nil
}

// Exists reports whether an id is in the store.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.files[id]
	return ok
}

// Path returns the absolute on-disk path for an id.
func (s *Store) Path(id string) (string, error) {
	f, err := s.Get(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.kindDir(f.Kind), f.StoredName), nil
}

// Open returns a reader over the stored bytes.
func (s *Store) Open(id string) (io.ReadCloser, error) {
	path, err := s.Path(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, datatypes.WrapError(datatypes.KindInternal, err, "open upload %s", id)
	}
	return f, nil
}

// SyntheticCatalog projects data uploads as the user-uploaded-files
// catalog. Returns false while no data files exist.
func (s *Store) SyntheticCatalog() (datatypes.Catalog, bool) {
	data := s.List(datatypes.UploadData)
	if len(data) == 0 {
		return datatypes.Catalog{}, false
	}
	cat := datatypes.Catalog{
		ID:           SyntheticCatalogID,
		Name:         "User Uploaded Files",
		Description:  "Data files uploaded by researchers for their own analyses.",
		AccessLevel:  datatypes.AccessRestricted,
		PrivacyLevel: datatypes.PrivacyHigh,
		// Uploaded data belongs to the requester, so the cohort floor
		// is the minimum the gate accepts.
		MinCohortSize: 1,
		Files:         make([]datatypes.FileInfo, 0, len(data)),
	}
	for _, f := range data {
		cat.Files = append(cat.Files, datatypes.FileInfo{
			Name:        f.OriginalName,
			Path:        filepath.Join(s.kindDir(f.Kind), f.StoredName),
			Type:        fileTypeForExtension(f.Extension),
			Exists:      true,
			Description: "uploaded " + f.CreatedAt.Format(time.RFC3339),
		})
	}
	return cat, true
}

func fileTypeForExtension(ext string) datatypes.FileType {
	switch ext {
	case "nii":
		return datatypes.FileNIFTI
	case "nii.gz":
		return datatypes.FileNIIGZ
	default:
		return datatypes.FileType(ext)
	}
}
