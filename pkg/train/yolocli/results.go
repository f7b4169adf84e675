// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package yolocli

import (
	"bufio"
	"bytes"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/detpipe/pkg/train"
	"github.com/pkg/errors"
)

// ResultsFileName is the per-epoch results file written by the trainer in the run directory.
const ResultsFileName = "results.csv"

// Columns of the results file with special meaning. Columns prefixed with LossPrefix are the training
// loss components; all other columns are metrics.
const (
	ColumnEpoch = "epoch"
	ColumnTime  = "time"
	LossPrefix  = "train/"
)

// EpochResult is one row of the results file.
type EpochResult struct {
	// Epoch number, starting from 1.
	Epoch int

	// Elapsed is the wall time since the start of training, at the end of the epoch. It is 0 if the trainer
	// doesn't report it.
	Elapsed time.Duration

	LossNames []string
	LossItems []float64
	Metrics   map[string]float64
}

var removeSpaceAroundCommas = regexp.MustCompile(`[ \t]*,[ \t]*`)

// ParseResults parses the contents of a results file, ignoring a trailing incomplete line (the file may be
// read while it's being written). It returns no results (and no error) if there are no complete rows yet.
func ParseResults(contents []byte) ([]EpochResult, error) {
	if idx := bytes.LastIndexByte(contents, '\n'); idx >= 0 {
		contents = contents[:idx+1]
	} else {
		return nil, nil
	}
	// Older trainer versions pad the columns with spaces.
	var cleaned []string
	scanner := bufio.NewScanner(bytes.NewReader(contents))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cleaned = append(cleaned, removeSpaceAroundCommas.ReplaceAllString(line, ","))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read results")
	}
	if len(cleaned) < 2 {
		return nil, nil
	}

	df := dataframe.ReadCSV(strings.NewReader(strings.Join(cleaned, "\n")),
		dataframe.HasHeader(true), dataframe.DetectTypes(false), dataframe.DefaultType(series.Float))
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "failed to parse results")
	}
	names := df.Names()
	if !slices.Contains(names, ColumnEpoch) {
		return nil, errors.Errorf("results are missing the %q column, got columns %q", ColumnEpoch, names)
	}
	columns := make(map[string][]float64, len(names))
	for _, name := range names {
		columns[name] = df.Col(name).Float()
	}

	results := make([]EpochResult, df.Nrow())
	for row := range results {
		r := &results[row]
		r.Epoch = int(columns[ColumnEpoch][row])
		r.Metrics = make(map[string]float64)
		for _, name := range names {
			value := columns[name][row]
			switch {
			case name == ColumnEpoch:
			case name == ColumnTime:
				r.Elapsed = time.Duration(value * float64(time.Second))
			case strings.HasPrefix(name, LossPrefix):
				r.LossNames = append(r.LossNames, name)
				r.LossItems = append(r.LossItems, value)
			default:
				r.Metrics[name] = value
			}
		}
	}
	return results, nil
}

// ReadResultsFile reads and parses the results file. It returns an error wrapping os.ErrNotExist if the file
// hasn't been created yet.
func ReadResultsFile(filePath string) ([]EpochResult, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read results file %q", filePath)
	}
	results, err := ParseResults(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "results file %q", filePath)
	}
	return results, nil
}

// parseValidationSummary finds the summary row ("all" classes) printed by the validator, in the format:
//
//	Class     Images  Instances      Box(P          R      mAP50  mAP50-95)
//	  all        128        929      0.64      0.537      0.605      0.446
func parseValidationSummary(output string) (map[string]float64, error) {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 7 || fields[0] != "all" {
			continue
		}
		values := make([]float64, 4)
		valid := true
		for ii, field := range fields[3:] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				valid = false
				break
			}
			values[ii] = v
		}
		if !valid {
			continue
		}
		return map[string]float64{
			train.MetricPrecision: values[0],
			train.MetricRecall:    values[1],
			train.MetricMAP50:     values[2],
			train.MetricMAP50To95: values[3],
		}, nil
	}
	return nil, errors.New("validation summary (\"all\" row) not found in the output")
}
