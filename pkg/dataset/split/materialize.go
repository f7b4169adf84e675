// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package split

import (
	"path/filepath"

	"github.com/gomlx/detpipe/pkg/dataset/samples"
	"github.com/gomlx/detpipe/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ImagesSubDir is the name of the images directory of each split.
	ImagesSubDir = "images"

	// LabelsSubDir is the name of the labels directory of each split.
	LabelsSubDir = "labels"
)

// Dirs holds the absolute images and labels directories of one split.
type Dirs struct {
	Images, Labels string
}

// Layout is the directory tree created by MaterializeAll: the root and the directories of each split.
type Layout struct {
	Root   string
	Splits map[Name]Dirs
}

// Materialize copies the images and labels of pairs into imagesDir and labelsDir respectively, keeping their
// base names. Both directories are created if absent.
//
// A missing or unreadable source file aborts the copy with an error: files already copied are left in place.
func Materialize(pairs []samples.Pair, imagesDir, labelsDir string) error {
	for _, dir := range []string{imagesDir, labelsDir} {
		if err := fsutil.EnsureDir(dir); err != nil {
			return err
		}
	}
	for _, pair := range pairs {
		if _, err := fsutil.CopyToDir(pair.Image, imagesDir); err != nil {
			return errors.WithMessagef(err, "copying image of sample %s", pair)
		}
		if _, err := fsutil.CopyToDir(pair.Label, labelsDir); err != nil {
			return errors.WithMessagef(err, "copying label of sample %s", pair)
		}
		klog.V(2).Infof("copied %s -> %s, %s", pair, imagesDir, labelsDir)
	}
	return nil
}

// MaterializeAll creates `<root>/<split>/images` and `<root>/<split>/labels` for every split in Names,
// and copies the pairs of each split there. Splits with no pairs still get their (empty) directories.
func MaterializeAll(root string, splits Splits) (*Layout, error) {
	root, err := fsutil.AbsDir(root)
	if err != nil {
		return nil, err
	}
	layout := &Layout{Root: root, Splits: make(map[Name]Dirs, len(Names))}
	for _, name := range Names {
		dirs := Dirs{
			Images: filepath.Join(root, string(name), ImagesSubDir),
			Labels: filepath.Join(root, string(name), LabelsSubDir),
		}
		if err := Materialize(splits[name], dirs.Images, dirs.Labels); err != nil {
			return nil, errors.WithMessagef(err, "materializing split %q", name)
		}
		klog.Infof("split %q: %d samples copied to %s", name, len(splits[name]), filepath.Dir(dirs.Images))
		layout.Splits[name] = dirs
	}
	return layout, nil
}
