// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package yolocli

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/gomlx/detpipe/pkg/train"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// klog flushes its buffers periodically in a background goroutine.
var ignoreKlogFlush = goleak.IgnoreTopFunction("k8s.io/klog/v2.(*flushDaemon).run.func1")

// fakeYolo emulates the command line tool: "train" writes one results row per epoch (mAP50 = 0.(epoch+2),
// mAP50-95 = 0.epoch) and the checkpoints; "val" prints a summary table. If FAIL_AT_EPOCH is set, it exits
// with an error after that epoch.
const fakeYolo = `#!/bin/sh
mode=$2
for arg in "$@"; do
  case "$arg" in
    project=*) project="${arg#project=}" ;;
    name=*) name="${arg#name=}" ;;
    epochs=*) epochs="${arg#epochs=}" ;;
  esac
done
if [ "$mode" = "val" ]; then
  echo "                 Class     Images  Instances      Box(P          R      mAP50  mAP50-95): 100%"
  echo "                   all         10         20        0.8        0.7        0.6        0.4"
  echo "                bottle         10         12        0.9        0.8        0.7        0.5"
  exit 0
fi
dir="$project/$name"
mkdir -p "$dir/weights"
echo "epoch,time,train/box_loss,train/cls_loss,train/dfl_loss,metrics/precision(B),metrics/recall(B),metrics/mAP50(B),metrics/mAP50-95(B),val/box_loss,lr/pg0" > "$dir/results.csv"
i=1
while [ $i -le $epochs ]; do
  echo "Epoch $i/$epochs" >&2
  echo "$i,$((i*10)),1.$i,0.9,0.8,0.5,0.4,0.$((i+2)),0.$i,1.1,0.001" >> "$dir/results.csv"
  if [ "$i" = "$FAIL_AT_EPOCH" ]; then
    echo "CUDA out of memory" >&2
    exit 3
  fi
  sleep 0.1
  i=$((i+1))
done
echo best > "$dir/weights/best.pt"
echo last > "$dir/weights/last.pt"
`

func writeFakeYolo(t *testing.T) string {
	if runtime.GOOS == "windows" {
		t.Skip("fake trainer requires a POSIX shell")
	}
	scriptPath := filepath.Join(t.TempDir(), "yolo")
	require.NoError(t, os.WriteFile(scriptPath, []byte(fakeYolo), 0755))
	return scriptPath
}

func newRequest(t *testing.T, epochs int) train.Request {
	dir := t.TempDir()
	dataConfig := filepath.Join(dir, "data.yaml")
	require.NoError(t, os.WriteFile(dataConfig, []byte("nc: 1\n"), 0644))
	h := train.DefaultHyperparameters()
	h.Epochs = epochs
	return train.Request{
		DataConfig:      dataConfig,
		Hyperparameters: h,
		RunsDir:         filepath.Join(dir, "runs"),
		Name:            "exp",
		Hooks:           train.NewHooks(),
	}
}

func newTestTrainer(t *testing.T) *Trainer {
	trainer := New(writeFakeYolo(t))
	trainer.PollInterval = 50 * time.Millisecond
	trainer.StopTimeout = 2 * time.Second
	return trainer
}

func TestParseResults(t *testing.T) {
	results, err := ParseResults([]byte("epoch,time,train/box_loss,metrics/mAP50(B)\n"))
	require.NoError(t, err)
	assert.Empty(t, results)

	// Padded columns, and an incomplete last line.
	contents := "   epoch,  time, train/box_loss, metrics/mAP50(B)\n" +
		"       1,  12.5,           1.5,             0.25\n" +
		"       2,  25.0,           1.2,             0.50\n" +
		"       3,  3"
	results, err = ParseResults([]byte(contents))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 2, results[1].Epoch)
	assert.Equal(t, 25*time.Second, results[1].Elapsed)
	assert.Equal(t, []string{"train/box_loss"}, results[1].LossNames)
	assert.Equal(t, []float64{1.2}, results[1].LossItems)
	assert.Equal(t, map[string]float64{"metrics/mAP50(B)": 0.5}, results[1].Metrics)

	_, err = ParseResults([]byte("time,loss\n1,2\n"))
	require.Error(t, err)

	_, err = ReadResultsFile(filepath.Join(t.TempDir(), ResultsFileName))
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestParseValidationSummary(t *testing.T) {
	metrics, err := parseValidationSummary("Class Images Instances Box(P R mAP50 mAP50-95)\n  all 128 929 0.64 0.537 0.605 0.446\n")
	require.NoError(t, err)
	assert.Equal(t, 0.446, metrics[train.MetricMAP50To95])
	_, err = parseValidationSummary("nothing here")
	require.Error(t, err)
}

func TestTrain(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreKlogFlush)
	trainer := newTestTrainer(t)
	req := newRequest(t, 3)

	var epochs []*train.State
	var started, ended bool
	req.Hooks.OnStart("test", 0, func(state *train.State) error {
		started = true
		assert.Equal(t, "yolo11n.pt", state.ModelSummary)
		assert.Equal(t, 3, state.Epochs)
		return nil
	})
	req.Hooks.OnEpochEnd("test", 0, func(state *train.State) error {
		epochs = append(epochs, state.Clone())
		return nil
	})
	req.Hooks.OnEnd("test", 0, func(state *train.State) error {
		ended = true
		return nil
	})

	result, err := trainer.Train(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, started)
	assert.True(t, ended)
	require.Len(t, epochs, 3)
	for ii, state := range epochs {
		assert.Equal(t, ii+1, state.Epoch)
		assert.Equal(t, 10*time.Second, state.EpochDuration)
		assert.Equal(t, []string{"train/box_loss", "train/cls_loss", "train/dfl_loss"}, state.LossNames)
		assert.Contains(t, state.Metrics, "val/box_loss")
	}
	assert.InDelta(t, 0.1*0.5+0.9*0.3, epochs[2].Fitness, 1e-9)
	assert.InDelta(t, 0.1*0.5+0.9*0.3, *epochs[2].BestFitness, 1e-9)
	assert.InDelta(t, 0.1*0.3+0.9*0.1, *epochs[0].BestFitness, 1e-9)

	runDir := filepath.Join(req.RunsDir, "exp")
	assert.Equal(t, runDir, result.RunDir)
	assert.Equal(t, filepath.Join(runDir, "weights", "best.pt"), result.BestCheckpoint)
	assert.FileExists(t, result.LastCheckpoint)
	assert.Equal(t, 3, result.Final.Epoch)

	metrics, err := trainer.Validate(context.Background(), result.BestCheckpoint, req.DataConfig)
	require.NoError(t, err)
	assert.Equal(t, 0.6, metrics[train.MetricMAP50])
	assert.Equal(t, 0.4, metrics[train.MetricMAP50To95])
}

func TestTrainZeroValue(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreKlogFlush)
	trainer := &Trainer{Command: []string{writeFakeYolo(t)}}
	result, err := trainer.Train(context.Background(), newRequest(t, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Final.Epoch)
	assert.FileExists(t, result.BestCheckpoint)

	assert.Equal(t, DefaultCommand, (&Trainer{}).command())
	assert.Equal(t, DefaultPollInterval, (&Trainer{PollInterval: -time.Second}).pollInterval())
	assert.Equal(t, DefaultStopTimeout, (&Trainer{}).stopTimeout())
}

func TestTrainFailure(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreKlogFlush)
	trainer := newTestTrainer(t)
	trainer.Env = []string{"FAIL_AT_EPOCH=2"}
	_, err := trainer.Train(context.Background(), newRequest(t, 5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestTrainHookAborts(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreKlogFlush)
	trainer := newTestTrainer(t)
	req := newRequest(t, 50)
	failure := errors.New("tracking failed")
	var endCalled bool
	req.Hooks.OnEpochEnd("tracking", 0, func(state *train.State) error {
		return failure
	})
	req.Hooks.OnEnd("tracking", 0, func(state *train.State) error {
		endCalled = true
		return nil
	})
	start := time.Now()
	_, err := trainer.Train(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure))
	assert.False(t, endCalled)
	assert.Less(t, time.Since(start), 4*time.Second, "training should have been interrupted")
}

func TestTrainCancelled(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreKlogFlush)
	trainer := newTestTrainer(t)
	req := newRequest(t, 50)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req.Hooks.OnEpochEnd("cancel", 0, func(state *train.State) error {
		cancel()
		return nil
	})
	_, err := trainer.Train(ctx, req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
