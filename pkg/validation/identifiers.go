// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation for security-critical
// operations.
//
// Values validated here end up in filesystem paths, store keys, or child
// process environments. Validating at the boundary prevents path
// traversal and key injection; everything else in the node can then
// treat these values as trusted.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// catalogIDPattern matches manifest catalog ids: lowercase alphanumerics,
// underscores and hyphens, 1-64 characters, must start alphanumeric.
var catalogIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]{0,63}$`)

// fileNamePattern matches logical file names inside a catalog.
var fileNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,127}$`)

// ValidateCatalogID validates a catalog id before it is used as a store
// key or a job config value.
//
// Example:
//
//	if err := validation.ValidateCatalogID(id); err != nil {
//	    return nil, fmt.Errorf("invalid catalog id: %w", err)
//	}
func ValidateCatalogID(id string) error {
	if id == "" {
		return fmt.Errorf("catalog id cannot be empty")
	}
	if !catalogIDPattern.MatchString(id) {
		return fmt.Errorf("invalid catalog id %q (must be 1-64 lowercase alphanumeric, underscore or hyphen)", id)
	}
	return nil
}

// ValidateFileName validates a logical file name within a catalog.
func ValidateFileName(name string) error {
	if name == "" {
		return fmt.Errorf("file name cannot be empty")
	}
	if !fileNamePattern.MatchString(name) {
		return fmt.Errorf("invalid file name %q", name)
	}
	return nil
}

// SafeFileName strips directory separators and control characters from a
// user-supplied original filename, returning a component safe to join
// under the upload root. The result is never empty: a name reduced to
// nothing becomes "unnamed".
//
// This is deliberately a sanitizer rather than a validator: original
// filenames come from arbitrary client filesystems and rejecting them
// outright would make uploads brittle.
func SafeFileName(name string) string {
	// Keep only the final path component under either separator
	// convention.
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			// control characters dropped
		case r == '/' || r == '\\' || r == 0:
			// separator remnants dropped
		default:
			b.WriteRune(r)
		}
	}
	cleaned := strings.TrimSpace(b.String())
	// A bare dot-name would vanish into the directory.
	cleaned = strings.TrimLeft(cleaned, ".")
	if cleaned == "" {
		return "unnamed"
	}
	return cleaned
}

// FileExtension returns the lowercase extension of a filename, handling
// the compound ".nii.gz" form used for compressed neuroimaging volumes.
func FileExtension(name string) string {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".nii.gz") {
		return "nii.gz"
	}
	if i := strings.LastIndex(lower, "."); i >= 0 && i < len(lower)-1 {
		return lower[i+1:]
	}
	return ""
}
