// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/detpipe/pkg/dataset/samples"
	"github.com/gomlx/detpipe/pkg/dataset/split"
	"github.com/gomlx/detpipe/pkg/dataset/yolo"
	"github.com/gomlx/detpipe/pkg/registry"
	"github.com/gomlx/detpipe/pkg/registry/localstore"
	"github.com/gomlx/detpipe/pkg/tracking"
	"github.com/gomlx/detpipe/pkg/train"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTrainer reports a fixed number of epochs and writes empty checkpoints.
type fakeTrainer struct {
	epochs    int
	requests  []train.Request
	validated string
}

func (f *fakeTrainer) Train(_ context.Context, req train.Request) (*train.Result, error) {
	f.requests = append(f.requests, req)
	runDir := filepath.Join(req.RunsDir, req.Name)
	weightsDir := filepath.Join(runDir, "weights")
	if err := os.MkdirAll(weightsDir, 0755); err != nil {
		return nil, err
	}
	result := &train.Result{
		RunDir:         runDir,
		BestCheckpoint: filepath.Join(weightsDir, "best.pt"),
		LastCheckpoint: filepath.Join(weightsDir, "last.pt"),
	}
	for _, checkpoint := range []string{result.BestCheckpoint, result.LastCheckpoint} {
		if err := os.WriteFile(checkpoint, []byte("weights"), 0644); err != nil {
			return nil, err
		}
	}
	state := &train.State{ModelSummary: req.Hyperparameters.Model, RunDir: runDir, Epochs: f.epochs}
	if err := req.Hooks.Start(state); err != nil {
		return nil, err
	}
	for epoch := 1; epoch <= f.epochs; epoch++ {
		mAP := 0.1 * float64(epoch)
		state.Update(epoch, map[string]float64{train.MetricMAP50: mAP, train.MetricMAP50To95: mAP / 2},
			[]string{"train/box_loss"}, []float64{1 / float64(epoch)}, time.Second)
		if err := req.Hooks.EpochEnd(state); err != nil {
			return nil, err
		}
	}
	if err := req.Hooks.End(state); err != nil {
		return nil, err
	}
	result.Final = state.Clone()
	return result, nil
}

func (f *fakeTrainer) Validate(_ context.Context, weights, _ string) (map[string]float64, error) {
	f.validated = weights
	return map[string]float64{train.MetricMAP50: 0.7, train.MetricMAP50To95: 0.4}, nil
}

// writeSamples creates n image/label files, named img<i>.
func writeSamples(t *testing.T, n int) (imagesDir, labelsDir string) {
	dir := t.TempDir()
	imagesDir, labelsDir = filepath.Join(dir, "images"), filepath.Join(dir, "labels")
	require.NoError(t, os.MkdirAll(imagesDir, 0755))
	require.NoError(t, os.MkdirAll(labelsDir, 0755))
	for ii := range n {
		require.NoError(t, os.WriteFile(filepath.Join(imagesDir, fmt.Sprintf("img%d.jpg", ii)), []byte("jpeg"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(labelsDir, fmt.Sprintf("img%d.txt", ii)),
			[]byte(fmt.Sprintf("%d 0.5 0.5 0.2 0.2\n", ii%2)), 0644))
	}
	return
}

type fixture struct {
	store   *localstore.Store
	dataset *registry.DatasetVersion
	trainer *fakeTrainer
	config  Config
}

func newFixture(t *testing.T) *fixture {
	ctx := context.Background()
	store, err := localstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	imagesDir, labelsDir := writeSamples(t, 10)
	dataset, err := store.RegisterDataset(ctx, "bottles", "v1", imagesDir, labelsDir, []string{"bottle", "can"})
	require.NoError(t, err)
	_, err = store.EnsureModel(ctx, "detector")
	require.NoError(t, err)

	workDir := t.TempDir()
	hyperparameters := train.DefaultHyperparameters()
	hyperparameters.Epochs = 3
	return &fixture{
		store:   store,
		dataset: dataset,
		trainer: &fakeTrainer{epochs: 3},
		config: Config{
			DatasetID:       dataset.ID,
			DatasetAlias:    "cnam_product_2024",
			WorkDir:         workDir,
			Split:           DefaultSplitConfig(),
			ProjectName:     "Groupe_1",
			ExperimentName:  "experiment-0",
			ModelName:       "detector",
			Hyperparameters: hyperparameters,
			RunsDir:         filepath.Join(workDir, "runs"),
			ValidateBest:    true,
			SaveCurves:      true,
		},
	}
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := &Pipeline{Service: f.store, Trainer: f.trainer, Config: f.config}
	result, err := p.Run(ctx)
	require.NoError(t, err)

	// Dataset layout: 10 samples split 6/2/2.
	assert.Equal(t, 10, result.Prepared.Splits.Len())
	for name, want := range map[split.Name]int{split.Train: 6, split.Val: 2, split.Test: 2} {
		images, err := os.ReadDir(result.Prepared.Layout.Splits[name].Images)
		require.NoError(t, err)
		assert.Len(t, images, want, "split %s", name)
		labels, err := os.ReadDir(result.Prepared.Layout.Splits[name].Labels)
		require.NoError(t, err)
		assert.Len(t, labels, want, "split %s", name)
	}
	assert.Equal(t, filepath.Join(f.config.WorkDir, DatasetSubDir), result.Prepared.Layout.Root)
	dataConfig, err := yolo.ReadDataConfig(result.Prepared.DataConfig)
	require.NoError(t, err)
	assert.Equal(t, []string{"bottle", "can"}, dataConfig.Names)
	assert.Equal(t, 2, dataConfig.NumClasses)

	// Training request.
	require.Len(t, f.trainer.requests, 1)
	assert.Equal(t, result.Prepared.DataConfig, f.trainer.requests[0].DataConfig)
	assert.Equal(t, "experiment-0", f.trainer.requests[0].Name)
	assert.Equal(t, result.Training.BestCheckpoint, f.trainer.validated)
	assert.Equal(t, 0.7, result.Metrics[train.MetricMAP50])

	// Experiment tracking.
	experiment, created, err := f.store.GetOrCreateExperiment(ctx, "Groupe_1", "experiment-0", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, result.Experiment.ID, experiment.ID)
	attached, err := f.store.ListAttachedDatasets(ctx, experiment)
	require.NoError(t, err)
	require.Len(t, attached, 1)
	assert.Equal(t, f.dataset.ID, attached[0].ID)
	params, err := f.store.Parameters(ctx, experiment)
	require.NoError(t, err)
	assert.Equal(t, 3.0, params["epochs"])
	assert.Equal(t, 42.0, params["split_seed"])
	fitness, err := f.store.Logs(ctx, experiment, tracking.LogFitness)
	require.NoError(t, err)
	assert.Len(t, fitness, 3)
	validation, err := f.store.Logs(ctx, experiment, LogValidationMetrics)
	require.NoError(t, err)
	assert.Len(t, validation, 1)

	// Published model version.
	version, err := registry.LatestVersionOf(ctx, f.store, "detector")
	require.NoError(t, err)
	assert.Equal(t, result.ModelVersion.ID, version.ID)
	assert.Equal(t, "experiment-0", version.Name)
	assert.Equal(t, map[string]string{"0": "bottle", "1": "can"}, version.Labels)
	downloadDir := t.TempDir()
	weights, err := f.store.DownloadArtifact(ctx, version, ArtifactWeights, downloadDir)
	require.NoError(t, err)
	assert.Equal(t, "best.pt", filepath.Base(weights))
	curves, err := f.store.DownloadArtifact(ctx, version, ArtifactCurves, downloadDir)
	require.NoError(t, err)
	assert.Equal(t, ArtifactCurves+".png", filepath.Base(curves))
}

func TestRunWithoutValidation(t *testing.T) {
	f := newFixture(t)
	f.config.ValidateBest = false
	f.config.SaveCurves = false
	p := &Pipeline{Service: f.store, Trainer: f.trainer, Config: f.config}
	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.trainer.validated, "best checkpoint should not be validated")
	assert.Empty(t, result.Metrics)
	assert.Equal(t, 1, result.ModelVersion.Version)
}

// failingParameters fails to log parameters.
type failingParameters struct {
	*localstore.Store
}

func (failingParameters) LogParameters(context.Context, *registry.Experiment, map[string]any) error {
	return errors.New("parameters unavailable")
}

func TestTrackingPolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.config.SaveCurves = false
	p := &Pipeline{Service: failingParameters{f.store}, Trainer: f.trainer, Config: f.config}
	_, err := p.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parameters unavailable")
	assert.Empty(t, f.trainer.requests, "training should not start")

	p.Config.TrackingPolicy = tracking.BestEffort
	result, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ModelVersion.Version)

	// Dataset retrieval errors are never ignored.
	p.Config.DatasetID = "unknown"
	_, err = p.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrNotFound))

	p.Config.ModelName = ""
	require.Error(t, p.Config.Validate())
}

func TestPrepareDataset(t *testing.T) {
	imagesDir, labelsDir := writeSamples(t, 5)
	require.NoError(t, os.Remove(filepath.Join(labelsDir, "img3.txt")))
	cfg := DefaultSplitConfig()
	_, err := PrepareDataset(cfg, imagesDir, labelsDir, t.TempDir(), []string{"bottle", "can"})
	require.Error(t, err)
	var unmatched *samples.UnmatchedError
	require.True(t, errors.As(err, &unmatched))

	// Positional pairing silently truncates to the shortest list.
	cfg.PositionalPairing = true
	prepared, err := PrepareDataset(cfg, imagesDir, labelsDir, t.TempDir(), []string{"bottle", "can"})
	require.NoError(t, err)
	assert.Equal(t, 4, prepared.Splits.Len())

	// Verification discards the images that can't be decoded: all of them here.
	cfg.PositionalPairing = false
	cfg.Verify = true
	require.NoError(t, os.Remove(filepath.Join(imagesDir, "img3.jpg")))
	_, err = PrepareDataset(cfg, imagesDir, labelsDir, t.TempDir(), []string{"bottle", "can"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no annotated images")
}
