// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package inference

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/detpipe/pkg/registry"
	"github.com/gomlx/detpipe/pkg/registry/downloader"
	"github.com/gomlx/detpipe/pkg/registry/localstore"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPredictor struct {
	weights, source, device string
}

func (p *recordingPredictor) Predict(_ context.Context, weights, source, device string) error {
	p.weights, p.source, p.device = weights, source, device
	return nil
}

// countingStore counts the artifact downloads.
type countingStore struct {
	*localstore.Store
	downloads int
}

func (s *countingStore) DownloadArtifact(ctx context.Context, version *registry.ModelVersion, name, dir string) (string, error) {
	s.downloads++
	return s.Store.DownloadArtifact(ctx, version, name, dir)
}

// newStore creates a store with 2 versions of the model "detector", each with its own weights.
func newStore(t *testing.T) *countingStore {
	ctx := context.Background()
	store, err := localstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	model, err := store.CreateModel(ctx, "detector")
	require.NoError(t, err)
	for _, contents := range []string{"weights-v1", "weights-v2"} {
		version, err := store.CreateModelVersion(ctx, model, "run", map[string]string{"0": "bottle"})
		require.NoError(t, err)
		weights := filepath.Join(t.TempDir(), "best.pt")
		require.NoError(t, os.WriteFile(weights, []byte(contents), 0644))
		require.NoError(t, store.StoreArtifact(ctx, version, ArtifactName, weights))
	}
	return &countingStore{Store: store}
}

func TestParseMode(t *testing.T) {
	for _, mode := range Modes {
		got, err := ParseMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, got)
	}
	got, err := ParseMode("video")
	require.NoError(t, err)
	assert.Equal(t, ModeVideo, got)
	_, err = ParseMode("STREAM")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Request{Mode: ModeWebcam}.Validate())
	err := Request{Mode: ModeImage}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--path is required for inference on an image")
	err = Request{Mode: ModeVideo}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "on a video")
	err = Request{Mode: ModeVideo, Path: filepath.Join(t.TempDir(), "missing.mp4")}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
	require.Error(t, Request{Mode: Mode(7)}.Validate())
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	predictor := &recordingPredictor{}
	runner := &Runner{
		Service:   store,
		Predictor: predictor,
		ModelName: "detector",
		CacheDir:  t.TempDir(),
		Device:    "cuda",
	}

	imagePath := filepath.Join(t.TempDir(), "street.png")
	require.NoError(t, imaging.Save(image.NewRGBA(image.Rect(0, 0, 32, 24)), imagePath))
	require.NoError(t, runner.Run(ctx, Request{Mode: ModeImage, Path: imagePath}))
	assert.Equal(t, imagePath, predictor.source)
	assert.Equal(t, "cuda", predictor.device)
	assert.Equal(t, filepath.Join(runner.CacheDir, "detector", "v2", "best.pt"), predictor.weights)
	contents, err := os.ReadFile(predictor.weights)
	require.NoError(t, err)
	assert.Equal(t, "weights-v2", string(contents), "latest version is used")

	// The second run uses the cached weights.
	require.NoError(t, runner.Run(ctx, Request{Mode: ModeWebcam}))
	assert.Equal(t, "0", predictor.source)
	assert.Equal(t, 1, store.downloads)

	// An image that can't be decoded.
	badImage := filepath.Join(t.TempDir(), "bad.jpg")
	require.NoError(t, os.WriteFile(badImage, []byte("not an image"), 0644))
	require.Error(t, runner.Run(ctx, Request{Mode: ModeImage, Path: badImage}))

	runner.ModelName = "unknown"
	err = runner.Run(ctx, Request{Mode: ModeWebcam})
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrNotFound))
}

func TestWeightsIgnoresPartialDownload(t *testing.T) {
	store := newStore(t)
	runner := &Runner{Service: store, ModelName: "detector", CacheDir: t.TempDir()}
	versionDir := filepath.Join(runner.CacheDir, "detector", "v2")
	require.NoError(t, os.MkdirAll(versionDir, 0755))
	partial := filepath.Join(versionDir, "best.pt"+downloader.TempSuffix)
	require.NoError(t, os.WriteFile(partial, []byte("weig"), 0644))

	weights, err := runner.Weights(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(versionDir, "best.pt"), weights)
	assert.Equal(t, 1, store.downloads)
	contents, err := os.ReadFile(weights)
	require.NoError(t, err)
	assert.Equal(t, "weights-v2", string(contents))
}
