// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the manifest projection: catalogs, file descriptors,
// columns, and the score/timeline option metadata catalogs may carry.
package datatypes

// =============================================================================
// Enumerations
// =============================================================================

// AccessLevel controls who may target a catalog with a request.
type AccessLevel string

const (
	AccessPublic     AccessLevel = "public"
	AccessRestricted AccessLevel = "restricted"
	AccessPrivate    AccessLevel = "private"
)

// PrivacyLevel tunes privacy gate strictness. At PrivacyHigh an artifact
// with an unknown cohort is blocked rather than released.
type PrivacyLevel string

const (
	PrivacyLow     PrivacyLevel = "low"
	PrivacyMedium  PrivacyLevel = "medium"
	PrivacyHigh    PrivacyLevel = "high"
	PrivacyUnknown PrivacyLevel = "unknown"
)

// ParsePrivacyLevel maps a manifest string to a PrivacyLevel; unknown
// values collapse to PrivacyUnknown rather than failing the manifest.
func ParsePrivacyLevel(s string) PrivacyLevel {
	switch PrivacyLevel(s) {
	case PrivacyLow, PrivacyMedium, PrivacyHigh:
		return PrivacyLevel(s)
	default:
		return PrivacyUnknown
	}
}

// ParseAccessLevel maps a manifest string to an AccessLevel, defaulting
// to AccessRestricted for anything unrecognized. Restricted is the safe
// default for clinical data.
func ParseAccessLevel(s string) AccessLevel {
	switch AccessLevel(s) {
	case AccessPublic, AccessRestricted, AccessPrivate:
		return AccessLevel(s)
	default:
		return AccessRestricted
	}
}

// FileType is the declared type of a catalog file. Tabular types are
// parsed by the loader; binary scientific types pass through as paths.
type FileType string

const (
	FileCSV   FileType = "csv"
	FileTSV   FileType = "tsv"
	FileJSON  FileType = "json"
	FileNIFTI FileType = "nifti"
	FileNIIGZ FileType = "nii.gz"
	FileNPY   FileType = "npy"
	FileNPZ   FileType = "npz"
	FileMAT   FileType = "mat"
)

// Tabular reports whether files of this type carry rows and columns the
// registry can count and infer schema for.
func (t FileType) Tabular() bool {
	return t == FileCSV || t == FileTSV
}

// ColumnType is the closed set of semantic column tags produced by
// declaration or inference.
type ColumnType string

const (
	ColString   ColumnType = "string"
	ColInt      ColumnType = "int"
	ColFloat    ColumnType = "float"
	ColBool     ColumnType = "bool"
	ColDatetime ColumnType = "datetime"
	ColUnknown  ColumnType = "unknown"
)

// =============================================================================
// Manifest structures
// =============================================================================

// Manifest is the parsed form of data/manifest.json, the human-authored
// source of truth for what data exists on this node.
type Manifest struct {
	Version  string    `json:"version"`
	Catalogs []Catalog `json:"catalogs"`
}

// Catalog is a named collection of related files exposed to analyses.
//
// MinCohortSize is the privacy gate threshold K for results produced
// against this catalog; it is never below 1.
type Catalog struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	AccessLevel   AccessLevel    `json:"access_level"`
	PrivacyLevel  PrivacyLevel   `json:"privacy_level"`
	MinCohortSize int            `json:"min_cohort_size"`
	Files         []FileInfo     `json:"files"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// File returns the descriptor with the given logical name, or nil.
func (c *Catalog) File(name string) *FileInfo {
	for i := range c.Files {
		if c.Files[i].Name == name {
			return &c.Files[i]
		}
	}
	return nil
}

// FileInfo describes one logical file in a catalog. Exists and the
// enriched RecordCount/Columns values are derived at read time; the
// remaining fields come from the manifest.
type FileInfo struct {
	Name        string   `json:"name"`
	Path        string   `json:"path"`
	Type        FileType `json:"type"`
	Description string   `json:"description,omitempty"`
	Columns     []Column `json:"columns,omitempty"`
	RecordCount int      `json:"record_count,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
	Exists      bool     `json:"exists"`
}

// Column describes one column of a tabular file.
type Column struct {
	Name        string     `json:"name"`
	Type        ColumnType `json:"type"`
	Description string     `json:"description,omitempty"`
}

// =============================================================================
// Score / timeline options
// =============================================================================

// OptionType distinguishes the two option lists a catalog can publish.
type OptionType string

const (
	OptionScore    OptionType = "score"
	OptionTimeline OptionType = "timeline"
)

// ScoreTimelineOption is one selectable analysis option published by a
// catalog through its metadata (score_options / timeline_options
// arrays). Requests reference options by Value.
type ScoreTimelineOption struct {
	Type        OptionType `json:"type"`
	Name        string     `json:"name"`
	Value       string     `json:"value"`
	Description string     `json:"description,omitempty"`
	Default     bool       `json:"default"`
}
