// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package samples discovers annotated samples on disk: image files and their label files, and
// pairs them.
//
// Two pairing strategies are offered:
//
//   - PairByStem (the default): an image and a label belong together if they share the same base
//     filename without extension ("img0.jpg" and "img0.txt"). Any image without a label, or label
//     without an image, is reported as an UnmatchedError.
//   - PairPositional: the legacy strategy, where the i-th image is paired with the i-th label of
//     the lexically sorted listings. Nothing is verified: if the listings are not aligned, images
//     and labels are silently mismatched. Only use it with data known to be aligned.
package samples

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/detpipe/pkg/support/fsutil"
	"github.com/gomlx/detpipe/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pair is one annotated sample: an image file and its label file.
type Pair struct {
	Image, Label string
}

// String implements fmt.Stringer.
func (p Pair) String() string {
	return fmt.Sprintf("(%s, %s)", p.Image, p.Label)
}

var (
	// DefaultImageExtensions are the image extensions picked by Discover if none is given.
	DefaultImageExtensions = []string{".jpg"}

	// LabelExtension is the extension of the YOLO label files.
	LabelExtension = ".txt"
)

// Listing holds the files discovered in the images and labels directories, each sorted lexically.
type Listing struct {
	Images, Labels []string
}

// Discover lists the image files (with one of the given extensions, case-insensitive) in imagesDir and the
// label files in labelsDir. Subdirectories are not traversed.
//
// If imageExtensions is empty, DefaultImageExtensions is used.
func Discover(imagesDir, labelsDir string, imageExtensions ...string) (*Listing, error) {
	if len(imageExtensions) == 0 {
		imageExtensions = DefaultImageExtensions
	}
	images, err := listFiles(imagesDir, imageExtensions)
	if err != nil {
		return nil, errors.WithMessagef(err, "while discovering images")
	}
	labels, err := listFiles(labelsDir, []string{LabelExtension})
	if err != nil {
		return nil, errors.WithMessagef(err, "while discovering labels")
	}
	klog.V(1).Infof("discovered %d images in %q and %d labels in %q", len(images), imagesDir, len(labels), labelsDir)
	return &Listing{Images: images, Labels: labels}, nil
}

func listFiles(dir string, extensions []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list directory %q", dir)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if slices.Contains(extensions, ext) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	slices.Sort(files)
	return files, nil
}

// PairPositional pairs images and labels by their index in the given lists.
//
// If the lists have different lengths, the longer one is truncated and a warning is logged.
// The pairing is not verified in any way.
func PairPositional(images, labels []string) []Pair {
	n := min(len(images), len(labels))
	if len(images) != len(labels) {
		klog.Warningf("positional pairing of %d images with %d labels: only the first %d of each are used",
			len(images), len(labels), n)
	}
	pairs := make([]Pair, n)
	for ii := range n {
		pairs[ii] = Pair{Image: images[ii], Label: labels[ii]}
	}
	return pairs
}

// UnmatchedError is returned by PairByStem when some images or labels have no counterpart.
type UnmatchedError struct {
	// Images without a label, and Labels without an image. Both sorted.
	Images, Labels []string
}

// Error implements error.
func (e *UnmatchedError) Error() string {
	var parts []string
	if len(e.Images) > 0 {
		parts = append(parts, fmt.Sprintf("%d image(s) without label: %s", len(e.Images), strings.Join(e.Images, ", ")))
	}
	if len(e.Labels) > 0 {
		parts = append(parts, fmt.Sprintf("%d label(s) without image: %s", len(e.Labels), strings.Join(e.Labels, ", ")))
	}
	return "unmatched samples: " + strings.Join(parts, "; ")
}

// PairByStem pairs each image with the label that has the same base name without extension.
//
// The returned pairs are sorted by stem. It fails with an *UnmatchedError if any file has no counterpart,
// and with a plain error if two images (or two labels) share the same stem.
func PairByStem(images, labels []string) ([]Pair, error) {
	imagesByStem, err := indexByStem(images)
	if err != nil {
		return nil, errors.WithMessagef(err, "images")
	}
	labelsByStem, err := indexByStem(labels)
	if err != nil {
		return nil, errors.WithMessagef(err, "labels")
	}
	imageStems := sets.Make[string](len(imagesByStem))
	for stem := range imagesByStem {
		imageStems.Insert(stem)
	}
	labelStems := sets.Make[string](len(labelsByStem))
	for stem := range labelsByStem {
		labelStems.Insert(stem)
	}

	onlyImages, onlyLabels := imageStems.Sub(labelStems), labelStems.Sub(imageStems)
	if len(onlyImages) > 0 || len(onlyLabels) > 0 {
		unmatched := &UnmatchedError{}
		for _, stem := range sets.Sorted(onlyImages) {
			unmatched.Images = append(unmatched.Images, imagesByStem[stem])
		}
		for _, stem := range sets.Sorted(onlyLabels) {
			unmatched.Labels = append(unmatched.Labels, labelsByStem[stem])
		}
		return nil, unmatched
	}

	stems := sets.Sorted(imageStems)
	pairs := make([]Pair, 0, len(stems))
	for _, stem := range stems {
		pairs = append(pairs, Pair{Image: imagesByStem[stem], Label: labelsByStem[stem]})
	}
	return pairs, nil
}

func indexByStem(files []string) (map[string]string, error) {
	byStem := make(map[string]string, len(files))
	for _, file := range files {
		stem := fsutil.Stem(file)
		if previous, found := byStem[stem]; found {
			return nil, errors.Errorf("files %q and %q have the same name stem %q", previous, file, stem)
		}
		byStem[stem] = file
	}
	return byStem, nil
}

// Pair returns the pairs of the listing, using PairByStem, or PairPositional if positional is true.
func (l *Listing) Pair(positional bool) ([]Pair, error) {
	if positional {
		return PairPositional(l.Images, l.Labels), nil
	}
	return PairByStem(l.Images, l.Labels)
}
