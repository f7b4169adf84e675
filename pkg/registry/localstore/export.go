// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/gomlx/detpipe/pkg/registry"
	"github.com/gomlx/detpipe/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// ExportAnnotations implements registry.Service.
//
// Only registry.FormatYOLO is supported: the label files are written to "<dataset_id>_annotations.zip"
// under the entry directory "<dataset_id>/annotations/", the same nesting as the remote service.
func (s *Store) ExportAnnotations(ctx context.Context, dataset *registry.DatasetVersion, format registry.AnnotationFormat, dir string) (string, error) {
	if format != registry.FormatYOLO {
		return "", errors.Errorf("local registry can only export %s annotations, %s requested", registry.FormatYOLO, format)
	}
	_, labelsDir, err := s.datasetDirs(ctx, dataset)
	if err != nil {
		return "", err
	}
	labels, err := listFiles(labelsDir, isLabelFile)
	if err != nil {
		return "", err
	}
	if err = fsutil.EnsureDir(dir); err != nil {
		return "", err
	}

	zipPath := filepath.Join(dir, dataset.ID+"_annotations.zip")
	f, err := os.Create(zipPath)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create %q", zipPath)
	}
	w := zip.NewWriter(f)
	for _, label := range labels {
		if err = addToZip(w, label, path.Join(dataset.ID, "annotations", filepath.Base(label))); err != nil {
			_ = f.Close()
			return "", errors.WithMessagef(err, "exporting annotations of dataset %s", dataset)
		}
	}
	if err = w.Close(); err != nil {
		_ = f.Close()
		return "", errors.Wrapf(err, "failed to write %q", zipPath)
	}
	if err = f.Close(); err != nil {
		return "", errors.Wrapf(err, "failed to close %q", zipPath)
	}
	return zipPath, nil
}

func addToZip(w *zip.Writer, filePath, entryName string) error {
	src, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = src.Close() }()
	dst, err := w.Create(entryName)
	if err != nil {
		return errors.Wrapf(err, "failed to create zip entry %q", entryName)
	}
	if _, err = io.Copy(dst, src); err != nil {
		return errors.Wrapf(err, "failed to add %q to zip", filePath)
	}
	return nil
}
