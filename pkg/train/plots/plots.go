// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots collects the metrics of a training run as points, and renders them as tables or images.
package plots

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/detpipe/pkg/support/fsutil"
	"github.com/gomlx/detpipe/pkg/support/sets"
	"github.com/pkg/errors"
)

// TrainingPlotFileName is the file name within a run directory to store the plot points collected during training.
const TrainingPlotFileName = "training_plot_points.json"

// Metric types, used to group similar metrics in the same plot.
const (
	TypeLoss         = "loss"
	TypeValLoss      = "validation loss"
	TypeMetric       = "metric"
	TypeFitness      = "fitness"
	TypeLearningRate = "learning rate"
)

// Point represents a training plot point. It is used to save/load plots.
type Point struct {
	// MetricName of this point.
	MetricName string

	// Short name
	Short string

	// MetricType, see TypeLoss, TypeMetric, etc.
	MetricType string

	// Step is the epoch this metric was measured, stored as a float64.
	Step float64

	// Value is the metric captured.
	Value float64
}

// MetricType returns the type of metric given its name, as reported by the trainer ("train/box_loss",
// "metrics/mAP50(B)", "lr/pg0", ...).
func MetricType(name string) string {
	prefix, _, found := strings.Cut(name, "/")
	if !found {
		return TypeMetric
	}
	switch prefix {
	case "train":
		return TypeLoss
	case "val":
		return TypeValLoss
	case "lr":
		return TypeLearningRate
	default:
		return TypeMetric
	}
}

// ShortName returns the metric name without its prefix.
func ShortName(name string) string {
	if _, short, found := strings.Cut(name, "/"); found {
		return short
	}
	return name
}

// LoadPointsFromRunDir loads all plot points saved during training in file TrainingPlotFileName in a run directory.
func LoadPointsFromRunDir(runDir string) ([]Point, error) {
	runDir, err := fsutil.ReplaceTildeInDir(runDir)
	if err != nil {
		return nil, err
	}
	return LoadPoints(filepath.Join(runDir, TrainingPlotFileName))
}

// LoadPoints parses all plot points saved in the given file.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read plots file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding plots file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// AppendPoints appends the points to the given file, one JSON object per line, creating it if needed.
func AppendPoints(filePath string, points ...Point) error {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return errors.Wrapf(err, "failed to open plots file %q for append", filePath)
	}
	enc := json.NewEncoder(f)
	for _, point := range points {
		if err = enc.Encode(point); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed to encode point %v", point)
		}
	}
	return errors.Wrapf(f.Close(), "failed to write plots file %q", filePath)
}

// Points is a collection of Point objects organized by their Step value.
type Points map[float64][]Point

// NewPoints create a Points object from a collection of individual points.
func NewPoints(rawPoints []Point) (points Points) {
	points = make(map[float64][]Point)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Steps returns the steps in increasing order.
func (points Points) Steps() []float64 {
	return slices.Sorted(maps.Keys(points))
}

// Map executes the given function on all individual points, in Step order.
func (points Points) Map(fn func(p *Point)) {
	for _, step := range points.Steps() {
		stepPoints := points[step]
		for ii := range stepPoints {
			fn(&stepPoints[ii])
		}
	}
}

// Extract converts the Points structure back to a list of individual points, sorted by Point.Step.
func (points Points) Extract() (rawPoints []Point) {
	points.Map(func(p *Point) {
		rawPoints = append(rawPoints, *p)
	})
	return
}

// MetricsNames return the list of metrics names in the whole collection, sorted alphabetically by their type and
// then by their name.
func (points Points) MetricsNames() []string {
	metricNames := sets.Make[string]()
	nameToType := make(map[string]string)
	points.Map(func(p *Point) {
		metricNames.Insert(p.MetricName)
		nameToType[p.MetricName] = p.MetricType
	})
	names := sets.Sorted(metricNames)
	sort.SliceStable(names, func(i, j int) bool {
		return nameToType[names[i]] < nameToType[names[j]]
	})
	return names
}

// MetricTypes returns the metric types present in the collection, sorted.
func (points Points) MetricTypes() []string {
	types := sets.Make[string]()
	points.Map(func(p *Point) { types.Insert(p.MetricType) })
	return sets.Sorted(types)
}

// TableForMetrics returns a table with the first column being the epoch, followed by the columns given by
// the metrics names. If metrics is empty, it will include all metrics in the table.
func (points Points) TableForMetrics(metrics ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	if len(metrics) == 0 {
		metrics = points.MetricsNames()
	}
	headers := []string{"Epoch"}
	headers = append(headers, metrics...)
	table.Headers(headers...)

	for _, step := range points.Steps() {
		row := make([]string, 1+len(metrics))
		row[0] = fmt.Sprintf("%.0f", step)
		for _, pt := range points[step] {
			idx := slices.Index(metrics, pt.MetricName)
			if idx != -1 {
				row[idx+1] = fmt.Sprintf("%.4f", pt.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics()
}
