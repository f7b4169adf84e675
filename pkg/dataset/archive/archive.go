// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package archive extracts the annotation archives exported by the dataset service.
package archive

import (
	"archive/zip"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/detpipe/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// ErrNoArchive is returned by ExtractFirstZip if there is no zip file to extract.
var ErrNoArchive = errors.New("no zip archive found")

// FindFirstZip walks dir (in lexical order) and returns the path of the first ".zip" file found.
// It returns ErrNoArchive if there is none.
func FindFirstZip(dir string) (string, error) {
	var found string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".zip") {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to search for zip archives in %q", dir)
	}
	if found == "" {
		return "", errors.WithMessagef(ErrNoArchive, "in %q", dir)
	}
	return found, nil
}

// Options for Unzip.
type Options struct {
	// Flatten writes every file directly into the target directory, dropping the directories
	// stored in the archive. Files with the same base name collide and return an error.
	Flatten bool

	// ShowProgressBar while extracting.
	ShowProgressBar bool
}

// Unzip extracts zipPath into targetDir and returns the paths of the extracted files, sorted.
//
// Entries that would be written outside targetDir (absolute paths or "..") are rejected.
func Unzip(zipPath, targetDir string, opts Options) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open zip archive %q", zipPath)
	}
	defer func() { _ = r.Close() }()
	if err = fsutil.EnsureDir(targetDir); err != nil {
		return nil, err
	}

	var bar *progressbar.ProgressBar
	if opts.ShowProgressBar {
		bar = progressbar.NewOptions(len(r.File),
			progressbar.OptionSetDescription("Extracting "+filepath.Base(zipPath)),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowCount(),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
		defer func() { _ = bar.Close() }()
	}

	extracted := make([]string, 0, len(r.File))
	seen := make(map[string]string, len(r.File))
	for _, file := range r.File {
		if bar != nil {
			_ = bar.Add(1)
		}
		if file.FileInfo().IsDir() {
			continue
		}
		name := filepath.FromSlash(file.Name)
		if filepath.IsAbs(name) || slices.Contains(strings.Split(file.Name, "/"), "..") {
			return nil, errors.Errorf("zip archive %q contains illegal file name %q", zipPath, file.Name)
		}
		if opts.Flatten {
			name = filepath.Base(name)
			if previous, found := seen[name]; found {
				return nil, errors.Errorf("zip archive %q: entries %q and %q collide when flattened", zipPath, previous, file.Name)
			}
			seen[name] = file.Name
		}
		outPath := filepath.Join(targetDir, name)
		if err = extractFile(file, outPath); err != nil {
			return nil, errors.WithMessagef(err, "extracting %q", zipPath)
		}
		extracted = append(extracted, outPath)
	}
	slices.Sort(extracted)
	return extracted, nil
}

func extractFile(file *zip.File, outPath string) error {
	if err := fsutil.EnsureDir(filepath.Dir(outPath)); err != nil {
		return err
	}
	src, err := file.Open()
	if err != nil {
		return errors.Wrapf(err, "failed to open entry %q", file.Name)
	}
	defer func() { _ = src.Close() }()
	dst, err := os.Create(outPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", outPath)
	}
	if _, err = io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return errors.Wrapf(err, "failed to write %q", outPath)
	}
	if err = dst.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", outPath)
	}
	return nil
}

// ExtractFirstZip finds the first zip archive under dir, extracts it into dir and deletes the archive.
// It returns the extracted files.
//
// If there are no archives, it returns an error wrapping ErrNoArchive.
func ExtractFirstZip(dir string, opts Options) ([]string, error) {
	zipPath, err := FindFirstZip(dir)
	if err != nil {
		return nil, err
	}
	files, err := Unzip(zipPath, dir, opts)
	if err != nil {
		return nil, err
	}
	klog.Infof("archive %q extracted in %q: %d files", filepath.Base(zipPath), dir, len(files))
	if err = os.Remove(zipPath); err != nil {
		return nil, errors.Wrapf(err, "failed to delete archive %q", zipPath)
	}
	klog.V(1).Infof("archive %q deleted", zipPath)
	return files, nil
}
