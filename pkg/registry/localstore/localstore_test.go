// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/detpipe/pkg/dataset/archive"
	"github.com/gomlx/detpipe/pkg/registry"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeDataset creates n fake images and labels.
func writeDataset(t *testing.T, n int) (imagesDir, labelsDir string) {
	dir := t.TempDir()
	imagesDir, labelsDir = filepath.Join(dir, "images"), filepath.Join(dir, "labels")
	require.NoError(t, os.MkdirAll(imagesDir, 0755))
	require.NoError(t, os.MkdirAll(labelsDir, 0755))
	for ii := range n {
		require.NoError(t, os.WriteFile(filepath.Join(imagesDir, fmt.Sprintf("img%d.jpg", ii)), []byte("jpeg"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(labelsDir, fmt.Sprintf("img%d.txt", ii)),
			[]byte(fmt.Sprintf("%d 0.5 0.5 0.1 0.1\n", ii%2)), 0644))
	}
	return
}

func openStore(t *testing.T) *Store {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestDatasets(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	imagesDir, labelsDir := writeDataset(t, 5)

	dataset, err := s.RegisterDataset(ctx, "bottles", "v1", imagesDir, labelsDir, []string{"bottle", "can"})
	require.NoError(t, err)
	assert.Equal(t, 5, dataset.NumAssets)
	_, err = s.RegisterDataset(ctx, "bottles", "v1", imagesDir, labelsDir, nil)
	require.Error(t, err, "name and version must be unique")

	got, err := s.GetDatasetVersion(ctx, dataset.ID)
	require.NoError(t, err)
	assert.Equal(t, dataset, got)
	found, err := s.FindDataset(ctx, "bottles", "v1")
	require.NoError(t, err)
	assert.Equal(t, dataset.ID, found.ID)
	_, err = s.GetDatasetVersion(ctx, "unknown")
	require.True(t, errors.Is(err, registry.ErrNotFound))

	labels, err := s.ListLabels(ctx, dataset)
	require.NoError(t, err)
	assert.Equal(t, []string{"bottle", "can"}, registry.LabelNames(labels))

	workDir := t.TempDir()
	n, err := s.DownloadAssets(ctx, dataset, filepath.Join(workDir, "images"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.FileExists(t, filepath.Join(workDir, "images", "img4.jpg"))

	annotationsDir := filepath.Join(workDir, "annotations")
	zipPath, err := s.ExportAnnotations(ctx, dataset, registry.FormatYOLO, annotationsDir)
	require.NoError(t, err)
	assert.FileExists(t, zipPath)
	_, err = s.ExportAnnotations(ctx, dataset, registry.FormatCOCO, annotationsDir)
	require.Error(t, err)

	// The exported archive extracts back to the label files.
	files, err := archive.ExtractFirstZip(annotationsDir, archive.Options{Flatten: true})
	require.NoError(t, err)
	require.Len(t, files, 5)
	contents, err := os.ReadFile(filepath.Join(annotationsDir, "img3.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1 0.5 0.5 0.1 0.1\n", string(contents))
}

func TestExperiments(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	imagesDir, labelsDir := writeDataset(t, 2)
	dataset, err := s.RegisterDataset(ctx, "bottles", "v1", imagesDir, labelsDir, []string{"bottle"})
	require.NoError(t, err)

	exp, created, err := s.GetOrCreateExperiment(ctx, "bottles", "run-1", "first")
	require.NoError(t, err)
	assert.True(t, created)
	again, created, err := s.GetOrCreateExperiment(ctx, "bottles", "run-1", "ignored")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, exp, again)
	other, created, err := s.GetOrCreateExperiment(ctx, "cans", "run-1", "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, exp.ID, other.ID)

	require.NoError(t, s.AttachDataset(ctx, exp, "train", dataset))
	require.NoError(t, s.AttachDataset(ctx, exp, "train", dataset))
	require.Error(t, s.AttachDataset(ctx, exp, "val", &registry.DatasetVersion{ID: "unknown"}))
	attached, err := s.ListAttachedDatasets(ctx, exp)
	require.NoError(t, err)
	assert.Equal(t, []*registry.DatasetVersion{dataset}, attached)

	require.NoError(t, s.LogParameters(ctx, exp, map[string]any{"epochs": 100, "optimizer": "AdamW"}))
	require.NoError(t, s.LogParameters(ctx, exp, map[string]any{"epochs": 3}))
	params, err := s.Parameters(ctx, exp)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"epochs": float64(3), "optimizer": "AdamW"}, params)

	require.NoError(t, s.Log(ctx, exp, "Fitness", []float64{0.1}, registry.LogLine))
	require.NoError(t, s.Log(ctx, exp, "Best fitness", 0.1, registry.LogValue))
	require.NoError(t, s.Log(ctx, exp, "Fitness", []float64{0.2}, registry.LogLine))
	entries, err := s.Logs(ctx, exp, "Fitness")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, registry.LogLine, entries[1].Type)
	assert.JSONEq(t, "[0.2]", string(entries[1].Value))
	assert.False(t, entries[1].Time.IsZero())
	all, err := s.Logs(ctx, exp, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestModels(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	_, err := s.GetModel(ctx, "detector")
	require.True(t, errors.Is(err, registry.ErrNotFound))
	model, err := s.EnsureModel(ctx, "detector")
	require.NoError(t, err)
	same, err := s.EnsureModel(ctx, "detector")
	require.NoError(t, err)
	assert.Equal(t, model, same)

	_, err = registry.LatestVersionOf(ctx, s, "detector")
	require.True(t, errors.Is(err, registry.ErrNotFound))
	for _, name := range []string{"first", "second"} {
		_, err = s.CreateModelVersion(ctx, model, name, map[string]string{"0": "bottle"})
		require.NoError(t, err)
	}
	versions, err := s.ListModelVersions(ctx, model)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 1, versions[0].Version)
	assert.Equal(t, map[string]string{"0": "bottle"}, versions[1].Labels)
	latest, err := registry.LatestVersionOf(ctx, s, "detector")
	require.NoError(t, err)
	assert.Equal(t, "second", latest.Name)
	assert.Equal(t, 2, latest.Version)

	weights := filepath.Join(t.TempDir(), "best.pt")
	require.NoError(t, os.WriteFile(weights, []byte("weights"), 0644))
	require.NoError(t, s.StoreArtifact(ctx, latest, "best", weights))
	cacheDir := filepath.Join(t.TempDir(), "cache")
	downloaded, err := s.DownloadArtifact(ctx, latest, "best", cacheDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cacheDir, "best.pt"), downloaded)
	contents, err := os.ReadFile(downloaded)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(contents))
	_, err = s.DownloadArtifact(ctx, versions[0], "best", cacheDir)
	require.True(t, errors.Is(err, registry.ErrNotFound))
}
