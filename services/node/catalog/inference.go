// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/neurofed/sitenode/services/node/datatypes"
)

// defaultSampleRows bounds how many data rows inference reads.
const defaultSampleRows = 200

// inspectTabular reads a csv/tsv file once, returning the data row
// count (header excluded) and a column schema inferred from the first
// sampleRows rows. Inference is deterministic for fixed file bytes and
// sample size.
func inspectTabular(path string, fileType datatypes.FileType, sampleRows int) (int, []datatypes.Column, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, fmt.Errorf("open tabular file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	if fileType == datatypes.FileTSV {
		reader.Comma = '\t'
	}
	// Manifest-described files are not guaranteed rectangular.
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	samples := make([][]string, len(header))
	count := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, nil, fmt.Errorf("read row %d: %w", count+1, err)
		}
		count++
		if count > sampleRows {
			continue
		}
		for i := range header {
			if i < len(row) {
				samples[i] = append(samples[i], row[i])
			}
		}
	}

	columns := make([]datatypes.Column, len(header))
	for i, name := range header {
		columns[i] = datatypes.Column{
			Name: strings.TrimSpace(name),
			Type: classifyColumn(samples[i]),
		}
	}
	return count, columns, nil
}

// classifyColumn applies the inference rules in order, first match
// wins, over the sample after stripping blanks:
//
//  1. all empty            → unknown
//  2. all signed 64-bit    → int
//  3. all finite doubles   → float
//  4. all boolean literals → bool
//  5. all ISO-8601         → datetime
//  6. otherwise            → string
func classifyColumn(values []string) datatypes.ColumnType {
	nonEmpty := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			nonEmpty = append(nonEmpty, trimmed)
		}
	}
	if len(nonEmpty) == 0 {
		return datatypes.ColUnknown
	}
	if allMatch(nonEmpty, isInt) {
		return datatypes.ColInt
	}
	if allMatch(nonEmpty, isFloat) {
		return datatypes.ColFloat
	}
	if allMatch(nonEmpty, isBool) {
		return datatypes.ColBool
	}
	if allMatch(nonEmpty, isDatetime) {
		return datatypes.ColDatetime
	}
	return datatypes.ColString
}

func allMatch(values []string, pred func(string) bool) bool {
	for _, v := range values {
		if !pred(v) {
			return false
		}
	}
	return true
}

func isInt(v string) bool {
	_, err := strconv.ParseInt(v, 10, 64)
	return err == nil
}

func isFloat(v string) bool {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return false
	}
	// NaN and infinities are not finite doubles.
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func isBool(v string) bool {
	switch strings.ToLower(v) {
	case "true", "false", "yes", "no", "0", "1":
		return true
	default:
		return false
	}
}

// datetimeLayouts are the ISO-8601 forms accepted by inference, most
// specific first.
var datetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func isDatetime(v string) bool {
	for _, layout := range datetimeLayouts {
		if _, err := time.Parse(layout, v); err == nil {
			return true
		}
	}
	return false
}
