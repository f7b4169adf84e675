// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package archive

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, zipPath string, entries map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(zipPath), 0755))
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	for name, contents := range entries {
		entry, err := w.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(contents))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

func TestExtractFirstZip(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "0193abc", "annotations", "export.zip")
	writeZip(t, zipPath, map[string]string{
		"labels/img0.txt": "0 0.5 0.5 0.1 0.1\n",
		"labels/img1.txt": "1 0.5 0.5 0.1 0.1\n",
	})

	files, err := ExtractFirstZip(dir, Options{Flatten: true})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "img0.txt"), filepath.Join(dir, "img1.txt")}, files)
	_, err = os.Stat(zipPath)
	assert.ErrorIs(t, err, os.ErrNotExist, "archive should have been deleted")
	contents, err := os.ReadFile(filepath.Join(dir, "img1.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1 0.5 0.5 0.1 0.1\n", string(contents))

	// Nothing left to extract.
	_, err = ExtractFirstZip(dir, Options{})
	require.ErrorIs(t, err, ErrNoArchive)
}

func TestUnzipKeepsDirectories(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "a.zip")
	writeZip(t, zipPath, map[string]string{"x/y/z.txt": "z", "top.txt": "top"})
	files, err := Unzip(zipPath, filepath.Join(dir, "out"), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "out", "top.txt"), filepath.Join(dir, "out", "x", "y", "z.txt")}, files)
}

func TestUnzipRejectsIllegalNames(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "evil.zip")
	writeZip(t, zipPath, map[string]string{"../escape.txt": "nope"})
	_, err := Unzip(zipPath, filepath.Join(dir, "out"), Options{})
	require.ErrorContains(t, err, "illegal file name")

	collide := filepath.Join(dir, "collide.zip")
	writeZip(t, collide, map[string]string{"a/img.txt": "a", "b/img.txt": "b"})
	_, err = Unzip(collide, filepath.Join(dir, "flat"), Options{Flatten: true})
	require.ErrorContains(t, err, "collide")
}
