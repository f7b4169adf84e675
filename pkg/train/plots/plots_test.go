// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/detpipe/pkg/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricType(t *testing.T) {
	assert.Equal(t, TypeLoss, MetricType("train/box_loss"))
	assert.Equal(t, TypeValLoss, MetricType("val/cls_loss"))
	assert.Equal(t, TypeMetric, MetricType(train.MetricMAP50))
	assert.Equal(t, TypeLearningRate, MetricType("lr/pg0"))
	assert.Equal(t, "mAP50(B)", ShortName(train.MetricMAP50))
	assert.Equal(t, "Fitness", ShortName("Fitness"))
}

func runEpochs(t *testing.T, hooks *train.Hooks, runDir string, numEpochs int) {
	state := &train.State{RunDir: runDir, Epochs: numEpochs}
	require.NoError(t, hooks.Start(state))
	for epoch := 1; epoch <= numEpochs; epoch++ {
		e := float64(epoch)
		state.Update(epoch,
			map[string]float64{train.MetricMAP50: 0.1 * e, train.MetricMAP50To95: 0.05 * e, "lr/pg0": 0.001},
			[]string{"train/box_loss", "train/cls_loss"}, []float64{2 / e, 1 / e}, time.Second)
		require.NoError(t, hooks.EpochEnd(state))
	}
	require.NoError(t, hooks.End(state))
}

func TestPointsWriter(t *testing.T) {
	runDir := t.TempDir()
	hooks := train.NewHooks()
	AttachPointsWriter(hooks)

	// A second run in the same directory replaces the points of the first.
	runEpochs(t, hooks, runDir, 5)
	runEpochs(t, hooks, runDir, 3)

	rawPoints, err := LoadPointsFromRunDir(runDir)
	require.NoError(t, err)
	// 2 losses, 3 metrics and fitness per epoch.
	require.Len(t, rawPoints, 3*6)

	points := NewPoints(rawPoints)
	assert.Equal(t, []float64{1, 2, 3}, points.Steps())
	assert.Equal(t, []string{"Fitness", "lr/pg0", "train/box_loss", "train/cls_loss",
		train.MetricMAP50, train.MetricMAP50To95}, points.MetricsNames())
	assert.Equal(t, []string{TypeFitness, TypeLearningRate, TypeLoss, TypeMetric}, points.MetricTypes())
	assert.Len(t, points.Extract(), len(rawPoints))

	table := points.TableForMetrics("train/box_loss", train.MetricMAP50)
	assert.Contains(t, table, "Epoch")
	assert.Contains(t, table, "0.6667") // box_loss at epoch 3.
	assert.Contains(t, table, "0.3000") // mAP50 at epoch 3.

	_, err = LoadPoints(filepath.Join(t.TempDir(), TrainingPlotFileName))
	require.Error(t, err)
}

func TestSavePNG(t *testing.T) {
	runDir := t.TempDir()
	hooks := train.NewHooks()
	AttachPointsWriter(hooks)
	runEpochs(t, hooks, runDir, 4)
	rawPoints, err := LoadPointsFromRunDir(runDir)
	require.NoError(t, err)

	imagePath := filepath.Join(runDir, "curves.png")
	require.NoError(t, SavePNG(NewPoints(rawPoints), imagePath))
	f, err := os.Open(imagePath)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	config, err := png.DecodeConfig(f)
	require.NoError(t, err)
	assert.Greater(t, config.Height, config.Width, "4 plots stacked vertically")

	require.Error(t, SavePNG(NewPoints(nil), imagePath))
}
