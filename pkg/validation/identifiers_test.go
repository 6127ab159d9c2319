// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"testing"
)

func TestValidateCatalogID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		// Valid ids
		{"simple", "updrs_scores", false},
		{"single char", "a", false},
		{"with digits", "cohort2024", false},
		{"hyphenated", "imaging-t1", false},
		{"max length", "abcdefghijklmnopqrstuvwxyz0123456789_bcdefghijklmnopqrstuvwxyz01", false},

		// Invalid ids
		{"empty", "", true},
		{"uppercase", "UPDRS", true},
		{"path traversal", "../etc", true},
		{"slash", "a/b", true},
		{"leading underscore", "_private", true},
		{"leading hyphen", "-flag", true},
		{"spaces", "updrs scores", true},
		{"injection", `x"; rm -rf /`, true},
		{"too long", "abcdefghijklmnopqrstuvwxyz0123456789abcdefghijklmnopqrstuvwxyz012", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCatalogID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCatalogID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestValidateFileName(t *testing.T) {
	tests := []struct {
		name     string
		fileName string
		wantErr  bool
	}{
		{"csv", "updrs_scores.csv", false},
		{"compound ext", "scan_001.nii.gz", false},
		{"mixed case", "Subjects_List.CSV", false},
		{"empty", "", true},
		{"leading dot", ".hidden", true},
		{"slash", "a/b.csv", true},
		{"backslash", `a\b.csv`, true},
		{"null byte", "a\x00b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFileName(tt.fileName)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateFileName(%q) error = %v, wantErr %v", tt.fileName, err, tt.wantErr)
			}
		})
	}
}

func TestSafeFileName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "analysis.py", "analysis.py"},
		{"unix path", "/home/user/analysis.py", "analysis.py"},
		{"windows path", `C:\Users\u\analysis.py`, "analysis.py"},
		{"traversal", "../../etc/passwd", "passwd"},
		{"control chars", "an\x01aly\x7fsis.py", "analysis.py"},
		{"leading dots", "...script.py", "script.py"},
		{"only separators", "///", "unnamed"},
		{"empty", "", "unnamed"},
		{"whitespace padded", "  data.csv  ", "data.csv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeFileName(tt.in); got != tt.want {
				t.Errorf("SafeFileName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFileExtension(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"csv", "data.csv", "csv"},
		{"uppercase", "DATA.CSV", "csv"},
		{"compound nii.gz", "scan.nii.gz", "nii.gz"},
		{"no ext", "README", ""},
		{"trailing dot", "weird.", ""},
		{"python", "analysis.py", "py"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FileExtension(tt.in); got != tt.want {
				t.Errorf("FileExtension(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
