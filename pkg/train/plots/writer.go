// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"os"
	"path/filepath"

	"github.com/gomlx/detpipe/pkg/train"
	"github.com/pkg/errors"
)

// PointsWriterName is the name of the hook registered by AttachPointsWriter.
const PointsWriterName = "detpipe.train.plots.pointsWriter"

// StatePoints converts the metrics, losses and fitness of the state to points at the state's epoch.
func StatePoints(state *train.State) []Point {
	step := float64(state.Epoch)
	points := make([]Point, 0, len(state.LossNames)+len(state.Metrics)+1)
	for ii, name := range state.LossNames {
		points = append(points, Point{
			MetricName: name,
			Short:      ShortName(name),
			MetricType: MetricType(name),
			Step:       step,
			Value:      state.LossItems[ii],
		})
	}
	for _, name := range state.MetricNames() {
		points = append(points, Point{
			MetricName: name,
			Short:      ShortName(name),
			MetricType: MetricType(name),
			Step:       step,
			Value:      state.Metrics[name],
		})
	}
	points = append(points, Point{
		MetricName: "Fitness",
		Short:      "fitness",
		MetricType: TypeFitness,
		Step:       step,
		Value:      state.Fitness,
	})
	return points
}

// AttachPointsWriter appends the points of every epoch to the file TrainingPlotFileName in the run directory.
// Points from previous runs in the same directory are removed at the start of training.
func AttachPointsWriter(hooks *train.Hooks) {
	var filePath string
	hooks.OnStart(PointsWriterName, 0, func(state *train.State) error {
		filePath = filepath.Join(state.RunDir, TrainingPlotFileName)
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove previous plots file %q", filePath)
		}
		return nil
	})
	hooks.OnEpochEnd(PointsWriterName, 0, func(state *train.State) error {
		return AppendPoints(filePath, StatePoints(state)...)
	})
}
