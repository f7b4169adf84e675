// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package yolo

import (
	"bufio"
	"image"
	"os"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/detpipe/pkg/dataset/samples"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Box is one object annotation of a label file, with coordinates normalized to [0, 1].
type Box struct {
	Class                           int
	CenterX, CenterY, Width, Height float64
}

// ParseLabelFile parses a YOLO label file: one object per line, "class cx cy w h".
// Segmentation lines ("class x1 y1 x2 y2 ...") are accepted and converted to their bounding box.
// Empty lines are skipped; an empty file is a valid background image.
//
// If numClasses > 0, class ids must be smaller than it.
func ParseLabelFile(filePath string, numClasses int) ([]Box, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open label file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	var boxes []Box
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		box, err := parseLabelLine(line, numClasses)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s:%d", filePath, lineNum)
		}
		boxes = append(boxes, box)
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed reading label file %q", filePath)
	}
	return boxes, nil
}

func parseLabelLine(line string, numClasses int) (box Box, err error) {
	fields := strings.Fields(line)
	if len(fields) < 5 || (len(fields) > 5 && len(fields)%2 == 0) {
		return box, errors.Errorf("invalid label %q: want \"class cx cy w h\" or \"class x1 y1 x2 y2 ...\"", line)
	}
	box.Class, err = strconv.Atoi(fields[0])
	if err != nil || box.Class < 0 {
		return box, errors.Errorf("invalid class id %q", fields[0])
	}
	if numClasses > 0 && box.Class >= numClasses {
		return box, errors.Errorf("class id %d out of range, there are only %d classes", box.Class, numClasses)
	}
	coords := make([]float64, len(fields)-1)
	for ii, field := range fields[1:] {
		coords[ii], err = strconv.ParseFloat(field, 64)
		if err != nil {
			return box, errors.Errorf("invalid coordinate %q", field)
		}
		if coords[ii] < 0 || coords[ii] > 1 {
			return box, errors.Errorf("coordinate %g is not normalized to [0, 1]", coords[ii])
		}
	}
	if len(coords) == 4 {
		box.CenterX, box.CenterY, box.Width, box.Height = coords[0], coords[1], coords[2], coords[3]
		return box, nil
	}

	// Polygon: take its bounding box.
	minX, minY, maxX, maxY := 1.0, 1.0, 0.0, 0.0
	for ii := 0; ii < len(coords); ii += 2 {
		minX, maxX = min(minX, coords[ii]), max(maxX, coords[ii])
		minY, maxY = min(minY, coords[ii+1]), max(maxY, coords[ii+1])
	}
	box.CenterX, box.CenterY = (minX+maxX)/2, (minY+maxY)/2
	box.Width, box.Height = maxX-minX, maxY-minY
	return box, nil
}

// VerifyImage decodes the image file and returns its dimensions.
func VerifyImage(filePath string) (image.Point, error) {
	img, err := imaging.Open(filePath)
	if err != nil {
		return image.Point{}, errors.Wrapf(err, "failed to decode image %q", filePath)
	}
	return img.Bounds().Size(), nil
}

// InvalidSample is a sample rejected by FilterValid, with the reason.
type InvalidSample struct {
	Pair samples.Pair
	Err  error
}

// FilterValid checks every pair: the image must be decodable and the label file must parse with class ids
// smaller than numClasses (if numClasses > 0).
//
// It returns the valid pairs, in the same order, and the rejected ones.
func FilterValid(pairs []samples.Pair, numClasses int) (valid []samples.Pair, invalid []InvalidSample) {
	valid = make([]samples.Pair, 0, len(pairs))
	for _, pair := range pairs {
		if _, err := VerifyImage(pair.Image); err != nil {
			invalid = append(invalid, InvalidSample{Pair: pair, Err: err})
			continue
		}
		if _, err := ParseLabelFile(pair.Label, numClasses); err != nil {
			invalid = append(invalid, InvalidSample{Pair: pair, Err: err})
			continue
		}
		valid = append(valid, pair)
	}
	for _, sample := range invalid {
		klog.Warningf("discarding sample %s: %v", sample.Pair, sample.Err)
	}
	return
}
