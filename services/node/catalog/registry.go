// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package catalog implements the catalog registry: a typed, cached view
// of the data manifest enriched with file existence, record counts, and
// inferred column schemas.
//
// The cache is single-writer. It reloads when the manifest's mtime
// changes, when fsnotify reports a write to the manifest, or when the
// upload store registers new data. Readers always see a complete
// snapshot, never a partially reloaded one.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/neurofed/sitenode/pkg/logging"
	"github.com/neurofed/sitenode/services/node/datatypes"
)

// SyntheticSource supplies a catalog that does not come from the
// manifest. The upload store implements it for user-uploaded-files.
type SyntheticSource interface {
	// SyntheticCatalog returns the catalog and true, or false when the
	// source currently has nothing to expose.
	SyntheticCatalog() (datatypes.Catalog, bool)
}

// Registry is the C-side owner of all catalog reads.
type Registry struct {
	manifestPath string
	dataDir      string
	defaultK     int
	log          *logging.Logger

	mu        sync.RWMutex
	cached    []datatypes.Catalog
	mtime     time.Time
	loaded    bool
	synthetic SyntheticSource

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New creates a Registry reading manifestPath. Relative file paths in
// the manifest resolve against the manifest's own directory. defaultK
// applies to catalogs that omit min_cohort_size.
func New(manifestPath string, defaultK int, log *logging.Logger) *Registry {
	return &Registry{
		manifestPath: manifestPath,
		dataDir:      filepath.Dir(manifestPath),
		defaultK:     defaultK,
		log:          log,
		done:         make(chan struct{}),
	}
}

// SetSyntheticSource attaches the uploaded-files catalog provider and
// invalidates the cache so the next read includes it.
func (r *Registry) SetSyntheticSource(src SyntheticSource) {
	r.mu.Lock()
	r.synthetic = src
	r.loaded = false
	r.mu.Unlock()
}

// Watch starts an fsnotify watcher on the manifest directory so edits
// to the manifest invalidate the cache without waiting for an mtime
// poll. Watch is optional; the mtime check alone keeps reads correct.
func (r *Registry) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create manifest watcher: %w", err)
	}
	if err := watcher.Add(r.dataDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", r.dataDir, err)
	}
	r.watcher = watcher

	go func() {
		for {
			select {
			case <-r.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != r.manifestPath {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					r.log.Debug("manifest changed on disk", "op", event.Op.String())
					r.Invalidate()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.log.Warn("manifest watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher goroutine.
func (r *Registry) Close() error {
	close(r.done)
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// Invalidate drops the cached view. The next read reloads.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.loaded = false
	r.mu.Unlock()
}

// List returns all catalogs, enriched and including the synthetic
// uploaded-files catalog when present.
func (r *Registry) List() ([]datatypes.Catalog, error) {
	if err := r.ensureFresh(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]datatypes.Catalog, len(r.cached))
	copy(out, r.cached)
	return out, nil
}

// Get returns the catalog with the given id.
func (r *Registry) Get(id string) (*datatypes.Catalog, error) {
	catalogs, err := r.List()
	if err != nil {
		return nil, err
	}
	for i := range catalogs {
		if catalogs[i].ID == id {
			return &catalogs[i], nil
		}
	}
	return nil, datatypes.NewError(datatypes.KindNotFound, "catalog %q not found", id)
}

// Schema returns the columns of one file: declared if the manifest
// carries them, otherwise inferred from a bounded row sample.
func (r *Registry) Schema(catalogID, fileName string) ([]datatypes.Column, error) {
	cat, err := r.Get(catalogID)
	if err != nil {
		return nil, err
	}
	file := cat.File(fileName)
	if file == nil {
		return nil, datatypes.NewError(datatypes.KindNotFound,
			"file %q not found in catalog %q", fileName, catalogID)
	}
	return file.Columns, nil
}

// ResolvePath returns the absolute on-disk path of a catalog file. The
// runner uses it to build workspace input links.
func (r *Registry) ResolvePath(catalogID, fileName string) (string, error) {
	cat, err := r.Get(catalogID)
	if err != nil {
		return "", err
	}
	file := cat.File(fileName)
	if file == nil {
		return "", datatypes.NewError(datatypes.KindNotFound,
			"file %q not found in catalog %q", fileName, catalogID)
	}
	if filepath.IsAbs(file.Path) {
		return file.Path, nil
	}
	return filepath.Join(r.dataDir, file.Path), nil
}

// Options returns the score/timeline options a catalog publishes via
// its metadata. A catalog without option metadata yields an empty
// slice, not an error.
func (r *Registry) Options(catalogID string) ([]datatypes.ScoreTimelineOption, error) {
	cat, err := r.Get(catalogID)
	if err != nil {
		return nil, err
	}
	var options []datatypes.ScoreTimelineOption
	options = append(options, parseOptions(cat.Metadata, "score_options", datatypes.OptionScore)...)
	options = append(options, parseOptions(cat.Metadata, "timeline_options", datatypes.OptionTimeline)...)
	if options == nil {
		options = []datatypes.ScoreTimelineOption{}
	}
	return options, nil
}

func parseOptions(metadata map[string]any, key string, typ datatypes.OptionType) []datatypes.ScoreTimelineOption {
	raw, ok := metadata[key].([]any)
	if !ok {
		return nil
	}
	var out []datatypes.ScoreTimelineOption
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		opt := datatypes.ScoreTimelineOption{Type: typ}
		if v, ok := m["name"].(string); ok {
			opt.Name = v
		}
		if v, ok := m["value"].(string); ok {
			opt.Value = v
		}
		if v, ok := m["description"].(string); ok {
			opt.Description = v
		}
		if v, ok := m["default"].(bool); ok {
			opt.Default = v
		}
		if opt.Value == "" {
			continue
		}
		if opt.Name == "" {
			opt.Name = opt.Value
		}
		out = append(out, opt)
	}
	return out
}

// ensureFresh reloads the cache when it is missing or the manifest
// mtime moved.
func (r *Registry) ensureFresh() error {
	info, err := os.Stat(r.manifestPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return datatypes.ErrManifestMissing
		}
		return datatypes.WrapError(datatypes.KindInternal, err, "stat manifest")
	}

	r.mu.RLock()
	fresh := r.loaded && info.ModTime().Equal(r.mtime)
	r.mu.RUnlock()
	if fresh {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check under the write lock; another goroutine may have
	// reloaded while we waited.
	if r.loaded && info.ModTime().Equal(r.mtime) {
		return nil
	}

	catalogs, err := r.load()
	if err != nil {
		return err
	}
	if r.synthetic != nil {
		if synth, ok := r.synthetic.SyntheticCatalog(); ok {
			catalogs = append(catalogs, synth)
		}
	}
	r.cached = catalogs
	r.mtime = info.ModTime()
	r.loaded = true
	r.log.Debug("catalog cache reloaded", "catalogs", len(catalogs))
	return nil
}

// manifestDoc mirrors the on-disk manifest shape before normalization.
type manifestDoc struct {
	Version  string `json:"version"`
	Catalogs []struct {
		ID            string               `json:"id"`
		Name          string               `json:"name"`
		Description   string               `json:"description"`
		AccessLevel   string               `json:"access_level"`
		PrivacyLevel  string               `json:"privacy_level"`
		MinCohortSize int                  `json:"min_cohort_size"`
		Files         []datatypes.FileInfo `json:"files"`
		Metadata      map[string]any       `json:"metadata"`
	} `json:"catalogs"`
}

// load parses and enriches the manifest. Caller holds the write lock.
func (r *Registry) load() ([]datatypes.Catalog, error) {
	data, err := os.ReadFile(r.manifestPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, datatypes.ErrManifestMissing
		}
		return nil, datatypes.WrapError(datatypes.KindInternal, err, "read manifest")
	}

	var doc manifestDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, datatypes.WrapError(datatypes.KindInternal, err, "manifest invalid")
	}

	seen := make(map[string]bool, len(doc.Catalogs))
	catalogs := make([]datatypes.Catalog, 0, len(doc.Catalogs))
	for _, raw := range doc.Catalogs {
		if raw.ID == "" {
			return nil, datatypes.NewError(datatypes.KindInternal, "manifest invalid: catalog without id")
		}
		if seen[raw.ID] {
			return nil, datatypes.NewError(datatypes.KindInternal, "manifest invalid: duplicate catalog id %q", raw.ID)
		}
		seen[raw.ID] = true

		cat := datatypes.Catalog{
			ID:            raw.ID,
			Name:          raw.Name,
			Description:   raw.Description,
			AccessLevel:   datatypes.ParseAccessLevel(raw.AccessLevel),
			PrivacyLevel:  datatypes.ParsePrivacyLevel(raw.PrivacyLevel),
			MinCohortSize: raw.MinCohortSize,
			Files:         raw.Files,
			Metadata:      raw.Metadata,
		}
		if cat.MinCohortSize < 1 {
			cat.MinCohortSize = r.defaultK
		}
		for i := range cat.Files {
			r.enrichFile(&cat.Files[i])
		}
		catalogs = append(catalogs, cat)
	}
	return catalogs, nil
}

// enrichFile fills the derived attributes: existence, record count for
// tabular files, and inferred columns when the manifest declared none.
// A listed-but-absent file stays in the catalog with Exists=false.
func (r *Registry) enrichFile(file *datatypes.FileInfo) {
	path := file.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.dataDir, path)
	}

	if file.Pattern != "" {
		matches, err := filepath.Glob(filepath.Join(path, file.Pattern))
		file.Exists = err == nil && len(matches) > 0
		if file.RecordCount == 0 {
			file.RecordCount = len(matches)
		}
		return
	}

	info, err := os.Stat(path)
	file.Exists = err == nil && !info.IsDir()
	if !file.Exists || !file.Type.Tabular() {
		return
	}

	count, columns, err := inspectTabular(path, file.Type, defaultSampleRows)
	if err != nil {
		r.log.Warn("tabular inspection failed", "file", file.Name, "error", err)
		return
	}
	file.RecordCount = count
	if len(file.Columns) == 0 {
		file.Columns = columns
	}
}
