// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package uploads

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurofed/sitenode/pkg/logging"
	"github.com/neurofed/sitenode/services/node/datatypes"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	log := logging.New(logging.Config{Level: logging.LevelError, Writer: io.Discard})
	s, err := NewStore(t.TempDir(), 1<<20, log)
	require.NoError(t, err)
	return s
}

func TestPutScript(t *testing.T) {
	s := testStore(t)

	file, err := s.PutScript("analysis.py", strings.NewReader("print('hi')"), "dr@example.edu")
	require.NoError(t, err)

	assert.Equal(t, datatypes.UploadScript, file.Kind)
	assert.Equal(t, "py", file.Extension)
	assert.Equal(t, "analysis.py", file.OriginalName)
	assert.Equal(t, "dr@example.edu", file.UploadedBy)
	assert.Equal(t, int64(11), file.SizeBytes)
	assert.True(t, strings.HasSuffix(file.StoredName, "_analysis.py"))

	path, err := s.Path(file.ID)
	require.NoError(t, err)
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "print('hi')", string(body))
}

func TestPutScriptRejectsExtension(t *testing.T) {
	s := testStore(t)

	for _, name := range []string{"data.csv", "run.sh", "noext", "evil.py.exe"} {
		_, err := s.PutScript(name, strings.NewReader("x"), "")
		require.Error(t, err, name)
		assert.Equal(t, datatypes.KindValidation, datatypes.KindOf(err))
	}
}

func TestPutDataAllowedExtensions(t *testing.T) {
	s := testStore(t)

	for _, name := range []string{"a.csv", "b.tsv", "c.json", "d.npy", "e.npz", "f.mat", "g.nii", "h.nii.gz"} {
		_, err := s.PutData(name, strings.NewReader("x"), "")
		assert.NoError(t, err, name)
	}
	_, err := s.PutData("script.py", strings.NewReader("x"), "")
	assert.Equal(t, datatypes.KindValidation, datatypes.KindOf(err))
}

func TestPutSanitizesName(t *testing.T) {
	s := testStore(t)

	file, err := s.PutData("../../etc/passwd.csv", strings.NewReader("x"), "")
	require.NoError(t, err)
	assert.Equal(t, "passwd.csv", file.OriginalName)
	assert.NotContains(t, file.StoredName, "/")
	assert.NotContains(t, file.StoredName, "..")
}

func TestPutTooLarge(t *testing.T) {
	log := logging.New(logging.Config{Level: logging.LevelError, Writer: io.Discard})
	s, err := NewStore(t.TempDir(), 10, log)
	require.NoError(t, err)

	_, err = s.PutData("big.csv", strings.NewReader("0123456789A"), "")
	require.Error(t, err)
	assert.Equal(t, datatypes.KindResourceExhausted, datatypes.KindOf(err))

	// The partial file must not remain on disk.
	assert.Empty(t, s.List(datatypes.UploadData))
	entries, err := os.ReadDir(filepath.Join(s.root, "data"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Exactly the cap succeeds.
	_, err = s.PutData("fits.csv", strings.NewReader("0123456789"), "")
	assert.NoError(t, err)
}

func TestDuplicateNamesNeverCollide(t *testing.T) {
	s := testStore(t)

	a, err := s.PutData("same.csv", strings.NewReader("a"), "")
	require.NoError(t, err)
	b, err := s.PutData("same.csv", strings.NewReader("b"), "")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.StoredName, b.StoredName)
}

func TestListByKind(t *testing.T) {
	s := testStore(t)

	_, err := s.PutScript("a.py", strings.NewReader("x"), "")
	require.NoError(t, err)
	_, err = s.PutData("b.csv", strings.NewReader("x"), "")
	require.NoError(t, err)

	assert.Len(t, s.List(datatypes.UploadScript), 1)
	assert.Len(t, s.List(datatypes.UploadData), 1)
	assert.Len(t, s.List(""), 2)
}

func TestOpenAndGet(t *testing.T) {
	s := testStore(t)

	file, err := s.PutData("data.csv", strings.NewReader("a,b\n1,2\n"), "")
	require.NoError(t, err)

	rc, err := s.Open(file.ID)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(body))

	_, err = s.Get("missing-id")
	assert.Equal(t, datatypes.KindNotFound, datatypes.KindOf(err))
}

func TestScanRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	log := logging.New(logging.Config{Level: logging.LevelError, Writer: io.Discard})

	first, err := NewStore(dir, 1<<20, log)
	require.NoError(t, err)
	file, err := first.PutData("cohort.csv", strings.NewReader("x"), "")
	require.NoError(t, err)

	// A new store over the same directory finds the file again.
	second, err := NewStore(dir, 1<<20, log)
	require.NoError(t, err)
	got, err := second.Get(file.ID)
	require.NoError(t, err)
	assert.Equal(t, "cohort.csv", got.OriginalName)
	assert.Equal(t, datatypes.UploadData, got.Kind)
}

type countingNotifier struct{ n int }

func (c *countingNotifier) Invalidate() { c.n++ }

func TestSyntheticCatalog(t *testing.T) {
	s := testStore(t)
	notifier := &countingNotifier{}
	s.SetNotifier(notifier)

	// Empty store exposes no synthetic catalog.
	_, ok := s.SyntheticCatalog()
	assert.False(t, ok)

	// Scripts do not populate it and do not invalidate.
	_, err := s.PutScript("a.py", strings.NewReader("x"), "")
	require.NoError(t, err)
	assert.Zero(t, notifier.n)

	_, err = s.PutData("map.nii.gz", strings.NewReader("x"), "")
	require.NoError(t, err)
	assert.Equal(t, 1, notifier.n)

	cat, ok := s.SyntheticCatalog()
	require.True(t, ok)
	assert.Equal(t, SyntheticCatalogID, cat.ID)
	require.Len(t, cat.Files, 1)
	assert.Equal(t, "map.nii.gz", cat.Files[0].Name)
	assert.Equal(t, datatypes.FileNIIGZ, cat.Files[0].Type)
	assert.True(t, cat.Files[0].Exists)
}
