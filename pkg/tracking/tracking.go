// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tracking logs the progress of a training run to an experiment of the registry.
package tracking

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/detpipe/pkg/registry"
	"github.com/gomlx/detpipe/pkg/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrorPolicy defines what to do when a call to the registry fails.
type ErrorPolicy int

const (
	// Strict returns the error, which aborts training.
	Strict ErrorPolicy = iota

	// BestEffort logs the error and continues.
	BestEffort
)

var policyNames = []string{"strict", "best_effort"}

func (p ErrorPolicy) String() string {
	if int(p) < 0 || int(p) >= len(policyNames) {
		return fmt.Sprintf("ErrorPolicy(%d)", int(p))
	}
	return policyNames[p]
}

// ParseErrorPolicy parses "strict" or "best_effort" (case-insensitive, "-" is accepted instead of "_").
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for ii, name := range policyNames {
		if normalized == name {
			return ErrorPolicy(ii), nil
		}
	}
	return Strict, errors.Errorf("invalid tracking error policy %q, valid values are %q", s, policyNames)
}

// Names of the logs written to the experiment, besides the metrics and losses themselves.
const (
	LogModel         = "Model"
	LogEpochDuration = "Epoch duration"
	LogFitness       = "Fitness"
	LogBestFitness   = "Best fitness"
	LogFinalMetrics  = "Final metrics"
)

// ObserverName used when attaching the Logger to train.Hooks.
const ObserverName = "detpipe.tracking.logger"

// Logger implements train.Observer by logging the training state to an experiment.
type Logger struct {
	// ctx used for the registry calls: train.Observer methods don't take one.
	ctx        context.Context
	service    registry.Service
	experiment *registry.Experiment
	policy     ErrorPolicy
	numErrors  int
}

// Assert Logger is a train.Observer.
var _ train.Observer = (*Logger)(nil)

// New creates a Logger for the experiment. The context is used for all the calls to the service.
func New(ctx context.Context, service registry.Service, experiment *registry.Experiment, policy ErrorPolicy) *Logger {
	return &Logger{ctx: ctx, service: service, experiment: experiment, policy: policy}
}

// Attach the Logger to the hooks.
func (l *Logger) Attach(hooks *train.Hooks) {
	hooks.Attach(ObserverName, 0, l)
}

// NumErrors returns the number of failed calls ignored because of the BestEffort policy.
func (l *Logger) NumErrors() int {
	return l.numErrors
}

// log value to the experiment, applying the error policy.
func (l *Logger) log(name string, value any, logType registry.LogType) error {
	err := l.service.Log(l.ctx, l.experiment, name, value, logType)
	if err == nil {
		return nil
	}
	err = errors.WithMessagef(err, "logging %q to experiment %s", name, l.experiment)
	if l.policy == Strict {
		return err
	}
	l.numErrors++
	klog.Errorf("%v", err)
	return nil
}

// OnTrainStart logs the model summary.
func (l *Logger) OnTrainStart(state *train.State) error {
	return l.log(LogModel, state.ModelSummary, registry.LogLine)
}

// OnEpochEnd logs one point of each metric, the epoch duration, fitness and losses.
func (l *Logger) OnEpochEnd(state *train.State) error {
	for _, name := range state.MetricNames() {
		if err := l.log(name, []float64{state.Metrics[name]}, registry.LogLine); err != nil {
			return err
		}
	}
	if err := l.log(LogEpochDuration, []float64{state.EpochDuration.Seconds()}, registry.LogBar); err != nil {
		return err
	}
	if err := l.log(LogFitness, []float64{state.Fitness}, registry.LogLine); err != nil {
		return err
	}
	if state.BestFitness != nil {
		if err := l.log(LogBestFitness, *state.BestFitness, registry.LogValue); err != nil {
			return err
		}
	}
	for ii, name := range state.LossNames {
		if err := l.log(name, []float64{state.LossItems[ii]}, registry.LogLine); err != nil {
			return err
		}
	}
	return nil
}

// MetricsTable is the value logged with registry.LogTable.
type MetricsTable struct {
	Columns []string `json:"columns"`
	Data    [][]any  `json:"data"`
}

// NewMetricsTable creates a table with one row per metric, sorted by name.
func NewMetricsTable(metrics map[string]float64) MetricsTable {
	table := MetricsTable{Columns: []string{"metric", "value"}}
	for _, name := range slices.Sorted(maps.Keys(metrics)) {
		table.Data = append(table.Data, []any{name, metrics[name]})
	}
	return table
}

func (t MetricsTable) String() string {
	var sb strings.Builder
	for _, row := range t.Data {
		_, _ = fmt.Fprintf(&sb, "\n\t%s: %.4f", row[0], row[1])
	}
	return sb.String()
}

// OnTrainEnd logs the final metrics as a table, and prints them.
func (l *Logger) OnTrainEnd(state *train.State) error {
	table := NewMetricsTable(state.Metrics)
	klog.Infof("final metrics of experiment %s after %d epochs:%s", l.experiment, state.Epoch, table)
	return l.log(LogFinalMetrics, table, registry.LogTable)
}
