// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"maps"
	"slices"
	"time"
)

// Names of the validation metrics reported by the trainer for detection models.
const (
	MetricPrecision = "metrics/precision(B)"
	MetricRecall    = "metrics/recall(B)"
	MetricMAP50     = "metrics/mAP50(B)"
	MetricMAP50To95 = "metrics/mAP50-95(B)"
)

// Fitness combines the validation metrics into the single score used to select the best checkpoint:
// 0.1 * mAP@0.5 + 0.9 * mAP@0.5:0.95. Missing metrics count as 0.
func Fitness(metrics map[string]float64) float64 {
	return 0.1*metrics[MetricMAP50] + 0.9*metrics[MetricMAP50To95]
}

// State is a snapshot of the training, passed to the hooks.
type State struct {
	// ModelSummary names the model being trained. The yolo trainer sets it to the base weights name (e.g.: "yolo11n.pt"),
	// not the full layer-by-layer description of the model.
	ModelSummary string

	// RunDir where the trainer writes its outputs (checkpoints, results).
	RunDir string

	// Epoch just finished, starting from 1. It is 0 on OnStart.
	Epoch int

	// Epochs is the total number of epochs requested.
	Epochs int

	// Metrics of the validation after the last epoch, by name.
	Metrics map[string]float64

	// EpochDuration is the wall time of the last epoch.
	EpochDuration time.Duration

	// Fitness of the last epoch, see Fitness.
	Fitness float64

	// BestFitness so far, nil before the first epoch is finished.
	BestFitness *float64

	// LossNames and LossItems are the training loss components of the last epoch, in the same order.
	LossNames []string
	LossItems []float64
}

// Update the state with the results of a finished epoch: it computes the fitness and updates the best
// fitness.
func (s *State) Update(epoch int, metrics map[string]float64, lossNames []string, lossItems []float64, duration time.Duration) {
	s.Epoch = epoch
	s.Metrics = metrics
	s.LossNames = lossNames
	s.LossItems = lossItems
	s.EpochDuration = duration
	s.Fitness = Fitness(metrics)
	if s.BestFitness == nil || s.Fitness > *s.BestFitness {
		best := s.Fitness
		s.BestFitness = &best
	}
}

// Losses returns the loss components by name.
func (s *State) Losses() map[string]float64 {
	losses := make(map[string]float64, len(s.LossNames))
	for ii, name := range s.LossNames {
		if ii < len(s.LossItems) {
			losses[name] = s.LossItems[ii]
		}
	}
	return losses
}

// MetricNames returns the names of the metrics, sorted.
func (s *State) MetricNames() []string {
	return slices.Sorted(maps.Keys(s.Metrics))
}

// Clone makes a deep copy of the state.
func (s *State) Clone() *State {
	c := *s
	c.Metrics = maps.Clone(s.Metrics)
	c.LossNames = slices.Clone(s.LossNames)
	c.LossItems = slices.Clone(s.LossItems)
	if s.BestFitness != nil {
		best := *s.BestFitness
		c.BestFitness = &best
	}
	return &c
}
