// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train defines the interface to the object detection trainer, and the hooks through which
// observers (experiment tracking, progress display, metric plots) follow the training.
package train

import (
	"context"

	"github.com/pkg/errors"
)

// Request for Trainer.Train.
type Request struct {
	// DataConfig is the path to the dataset configuration file (data.yaml).
	DataConfig string

	Hyperparameters Hyperparameters

	// RunsDir is where the trainer creates the run directory. Name is the name of the run directory
	// inside it; trainers may add a suffix if it already exists.
	RunsDir, Name string

	// Hooks called during training. Optional.
	Hooks *Hooks
}

// Validate checks the request is complete.
func (r *Request) Validate() error {
	if r.DataConfig == "" {
		return errors.New("train request is missing the data config path")
	}
	if r.RunsDir == "" || r.Name == "" {
		return errors.New("train request is missing the runs directory or the run name")
	}
	return r.Hyperparameters.Validate()
}

// Result of a finished training.
type Result struct {
	// RunDir with all the outputs of the training.
	RunDir string

	// BestCheckpoint is the path to the weights of the epoch with the best fitness, and LastCheckpoint
	// the weights of the last epoch.
	BestCheckpoint, LastCheckpoint string

	// Final state, after the last epoch.
	Final *State
}

// Trainer trains object detection models.
type Trainer interface {
	// Train runs the training described by the request, calling the request hooks. It blocks until
	// training finishes, fails, or ctx is cancelled.
	Train(ctx context.Context, req Request) (*Result, error)

	// Validate evaluates the weights on the validation split of the dataset, and returns the metrics.
	Validate(ctx context.Context, weights, dataConfig string) (map[string]float64, error)
}
