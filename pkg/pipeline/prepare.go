// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"os"
	"path/filepath"

	"github.com/gomlx/detpipe/pkg/dataset/samples"
	"github.com/gomlx/detpipe/pkg/dataset/split"
	"github.com/gomlx/detpipe/pkg/dataset/yolo"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SplitConfig configures how a pool of annotated images is partitioned and laid out for training.
type SplitConfig struct {
	// ImageExtensions of the files considered images. Default is samples.DefaultImageExtensions.
	ImageExtensions []string

	// PositionalPairing pairs images and labels by their position in the sorted listings, instead of by file
	// name. It silently mismatches samples if a file is missing: only use it for datasets known to be complete.
	PositionalPairing bool

	// Verify decodes every image and parses every label file, discarding the invalid samples.
	Verify bool

	Ratios split.Ratios
	Seed   int64
}

// DefaultSplitConfig returns the default split configuration: 60% train, 20% validation, 20% test, seed 42.
func DefaultSplitConfig() SplitConfig {
	return SplitConfig{Ratios: split.DefaultRatios, Seed: split.DefaultSeed}
}

// Prepared is the dataset ready for training.
type Prepared struct {
	Splits     split.Splits
	Layout     *split.Layout
	DataConfig string
}

// PrepareDataset pairs the images with their labels, splits them and materializes the splits under
// datasetRoot, along with the data configuration file for the trainer.
func PrepareDataset(cfg SplitConfig, imagesDir, labelsDir, datasetRoot string, classNames []string) (*Prepared, error) {
	listing, err := samples.Discover(imagesDir, labelsDir, cfg.ImageExtensions...)
	if err != nil {
		return nil, err
	}
	pairs, err := listing.Pair(cfg.PositionalPairing)
	if err != nil {
		return nil, errors.WithMessagef(err, "pairing images in %q with labels in %q", imagesDir, labelsDir)
	}
	if cfg.Verify {
		var invalid []yolo.InvalidSample
		pairs, invalid = yolo.FilterValid(pairs, len(classNames))
		if len(invalid) > 0 {
			klog.Warningf("discarded %d invalid samples out of %d", len(invalid), len(pairs)+len(invalid))
		}
	}
	if len(pairs) == 0 {
		return nil, errors.Errorf("no annotated images found in %q and %q", imagesDir, labelsDir)
	}

	splits, err := split.Split(pairs, cfg.Ratios, cfg.Seed)
	if err != nil {
		return nil, err
	}
	klog.Infof("split %d samples (seed %d): %s", len(pairs), cfg.Seed, splits)
	// Samples of a previous split would leak into the new one.
	for _, name := range split.Names {
		if err = os.RemoveAll(filepath.Join(datasetRoot, string(name))); err != nil {
			return nil, errors.Wrapf(err, "failed to remove previous split %q in %q", name, datasetRoot)
		}
	}
	layout, err := split.MaterializeAll(datasetRoot, splits)
	if err != nil {
		return nil, err
	}
	dataConfig, err := yolo.WriteDataConfig(layout, classNames)
	if err != nil {
		return nil, err
	}
	klog.Infof("dataset ready in %q, configuration in %q", layout.Root, dataConfig)
	return &Prepared{Splits: splits, Layout: layout, DataConfig: dataConfig}, nil
}
