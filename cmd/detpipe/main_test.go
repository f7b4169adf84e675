// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/gomlx/detpipe/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeYolo writes 2 epochs of results and the checkpoints when training, and prints a summary when validating.
const fakeYolo = `#!/bin/sh
for arg in "$@"; do
  case "$arg" in
    project=*) project="${arg#project=}" ;;
    name=*) name="${arg#name=}" ;;
  esac
done
if [ "$2" = "val" ]; then
  echo "                   all         10         20        0.8        0.7        0.6        0.4"
  exit 0
fi
dir="$project/$name"
mkdir -p "$dir/weights"
echo "epoch,time,train/box_loss,metrics/mAP50(B),metrics/mAP50-95(B)" > "$dir/results.csv"
echo "1,10,1.5,0.3,0.1" >> "$dir/results.csv"
echo "2,20,1.2,0.5,0.2" >> "$dir/results.csv"
echo best > "$dir/weights/best.pt"
echo last > "$dir/weights/last.pt"
`

// execute runs detpipe with the arguments and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	root := newApp().rootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

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

func TestSplit(t *testing.T) {
	t.Setenv(config.TokenEnv, "")
	imagesDir, labelsDir := writeSamples(t, 10)
	outDir := t.TempDir()
	out, err := execute(t, "split", "--images", imagesDir, "--labels", labelsDir, "--out", outDir,
		"--classes", "bottle,can")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(outDir, "data.yaml"))
	for name, want := range map[string]int{"train": 6, "val": 2, "test": 2} {
		entries, err := os.ReadDir(filepath.Join(outDir, name, "images"))
		require.NoError(t, err)
		assert.Len(t, entries, want, "split %s", name)
	}

	// Invalid ratios from the command line.
	_, err = execute(t, "split", "--images", imagesDir, "--labels", labelsDir, "--out", outDir,
		"--classes", "bottle,can", "--train", "0.9")
	require.Error(t, err)
}

func TestConfig(t *testing.T) {
	t.Setenv(config.TokenEnv, "secret-token")
	storeDir := t.TempDir()
	out, err := execute(t, "config", "--offline", "--store", storeDir)
	require.NoError(t, err)
	assert.Contains(t, out, storeDir)
	assert.NotContains(t, out, "secret-token")

	_, err = execute(t, "config", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestOfflineStoreRequired(t *testing.T) {
	t.Setenv(config.TokenEnv, "token")
	imagesDir, labelsDir := writeSamples(t, 2)
	_, err := execute(t, "register", "bottles", "v1", "--images", imagesDir, "--labels", labelsDir,
		"--classes", "bottle,can")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--offline")
}

func TestInferRequiresMode(t *testing.T) {
	t.Setenv(config.TokenEnv, "")
	_, err := execute(t, "infer", "--offline", "--store", t.TempDir(), "--model", "detector")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"mode"`)
}

func TestTrainOffline(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake trainer requires a POSIX shell")
	}
	t.Setenv(config.TokenEnv, "")
	dir := t.TempDir()
	yoloPath := filepath.Join(dir, "yolo")
	require.NoError(t, os.WriteFile(yoloPath, []byte(fakeYolo), 0755))
	runsDir := filepath.Join(dir, "runs")
	configPath := filepath.Join(dir, "detpipe.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(fmt.Sprintf(
		"trainer:\n  command: [%q]\n  runs_dir: %q\ntrain:\n  epochs: 2\n", yoloPath, runsDir)), 0644))
	global := []string{"--offline", "--store", filepath.Join(dir, "store"), "--config", configPath,
		"--progress=false"}

	imagesDir, labelsDir := writeSamples(t, 10)
	out, err := execute(t, append(global, "register", "bottles", "v1", "--images", imagesDir,
		"--labels", labelsDir, "--classes", "bottle,can")...)
	require.NoError(t, err)
	datasetID := strings.TrimSpace(out)
	require.NotEmpty(t, datasetID)
	_, err = execute(t, append(global, "model", "create", "detector")...)
	require.NoError(t, err)

	out, err = execute(t, append(global, "train", "--dataset", datasetID, "--work-dir", filepath.Join(dir, "work"),
		"--project", "Groupe_1", "--experiment", "exp", "--model", "detector")...)
	require.NoError(t, err)
	assert.Contains(t, out, "1 (exp)")
	assert.Contains(t, out, "2 / 2")

	out, err = execute(t, append(global, "model", "versions", "detector")...)
	require.NoError(t, err)
	assert.Contains(t, out, "exp")

	pngPath := filepath.Join(dir, "curves.png")
	out, err = execute(t, "report", filepath.Join(runsDir, "exp"), "--png", pngPath, "--labels")
	require.NoError(t, err)
	assert.Contains(t, out, "best.pt")
	assert.Contains(t, out, "Fitness")
	_, err = os.Stat(pngPath)
	require.NoError(t, err)
}
