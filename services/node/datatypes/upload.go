// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// UploadKind separates analysis scripts from data files. The two kinds
// live in different directories and have different extension policies.
type UploadKind string

const (
	UploadScript UploadKind = "script"
	UploadData   UploadKind = "data"
)

// UploadedFile records one persisted upload. StoredName is the on-disk
// name under uploads/{scripts,data}/, prefixed by ID so originals with
// the same name never collide. The file behind StoredName exists for
// the lifetime of the record.
type UploadedFile struct {
	ID           string     `json:"id"`
	OriginalName string     `json:"original_name"`
	StoredName   string     `json:"stored_name"`
	Kind         UploadKind `json:"kind"`
	Extension    string     `json:"extension"`
	SizeBytes    int64      `json:"size_bytes"`
	UploadedBy   string     `json:"uploaded_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
