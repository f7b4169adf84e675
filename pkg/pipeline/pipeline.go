// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline runs the whole training pipeline: it fetches a dataset version from the registry, prepares
// it for training, trains a model while tracking the experiment, and publishes the model as a new version.
package pipeline

import (
	"context"
	"path/filepath"

	"github.com/gomlx/detpipe/pkg/dataset/archive"
	"github.com/gomlx/detpipe/pkg/registry"
	"github.com/gomlx/detpipe/pkg/support/fsutil"
	"github.com/gomlx/detpipe/pkg/tracking"
	"github.com/gomlx/detpipe/pkg/train"
	"github.com/gomlx/detpipe/pkg/train/commandline"
	"github.com/gomlx/detpipe/pkg/train/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the artifacts stored in the model version.
const (
	ArtifactWeights = "best"
	ArtifactCurves  = "training-curves"
)

// LogValidationMetrics is the name of the experiment log with the validation metrics of the best checkpoint.
const LogValidationMetrics = "Validation metrics"

// Sub-directories of the work directory.
const (
	ImagesSubDir      = "images"
	AnnotationsSubDir = "annotations"
	DatasetSubDir     = "dataset"
)

// Config of a pipeline run.
type Config struct {
	// DatasetID of the dataset version in the registry.
	DatasetID string

	// DatasetAlias under which the dataset is attached to the experiment.
	DatasetAlias string

	// WorkDir where the assets and annotations are downloaded.
	WorkDir string

	// DatasetRoot where the splits are materialized. Defaults to <WorkDir>/dataset.
	DatasetRoot string

	Split SplitConfig

	ProjectName           string
	ExperimentName        string
	ExperimentDescription string

	// ModelName in the registry: it must exist. ModelVersionName defaults to the experiment name.
	ModelName        string
	ModelVersionName string

	Hyperparameters train.Hyperparameters

	// RunsDir where the trainer writes its runs. The run is named after the experiment.
	RunsDir string

	// ValidateBest validates the best checkpoint on the validation split after training.
	ValidateBest bool

	// TrackingPolicy applies to the experiment tracking calls only: failures to fetch the dataset or to
	// publish the model always abort the pipeline.
	TrackingPolicy tracking.ErrorPolicy

	// ShowProgress displays progress bars on the standard output.
	ShowProgress bool

	// SaveCurves renders the training curves as an image and stores it with the model version.
	SaveCurves bool
}

// Validate checks that the required fields are set.
func (c *Config) Validate() error {
	for _, field := range []struct{ name, value string }{
		{"dataset id", c.DatasetID},
		{"work directory", c.WorkDir},
		{"project name", c.ProjectName},
		{"experiment name", c.ExperimentName},
		{"model name", c.ModelName},
		{"runs directory", c.RunsDir},
	} {
		if field.value == "" {
			return errors.Errorf("pipeline configuration is missing the %s", field.name)
		}
	}
	if err := c.Split.Ratios.Validate(); err != nil {
		return err
	}
	return c.Hyperparameters.Validate()
}

// Pipeline connects the registry and the trainer.
type Pipeline struct {
	Service registry.Service
	Trainer train.Trainer
	Config  Config
}

// Result of a pipeline run.
type Result struct {
	Dataset  *registry.DatasetVersion
	Labels   []registry.Label
	Prepared *Prepared

	// Experiment is nil if it couldn't be created under the tracking.BestEffort policy.
	Experiment *registry.Experiment

	Training *train.Result

	// Metrics of the best checkpoint on the validation split, if Config.ValidateBest is set.
	Metrics map[string]float64

	ModelVersion *registry.ModelVersion
}

// track applies the tracking error policy to the error of a tracking call.
func (p *Pipeline) track(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	err = errors.WithMessagef(err, format, args...)
	if p.Config.TrackingPolicy == tracking.Strict {
		return err
	}
	klog.Errorf("ignoring tracking error: %v", err)
	return nil
}

// Run all the stages of the pipeline, sequentially.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	cfg := &p.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	workDir, err := fsutil.AbsDir(cfg.WorkDir)
	if err != nil {
		return nil, err
	}
	datasetRoot := cfg.DatasetRoot
	if datasetRoot == "" {
		datasetRoot = filepath.Join(workDir, DatasetSubDir)
	}
	result := &Result{}

	// Dataset retrieval.
	result.Dataset, err = p.Service.GetDatasetVersion(ctx, cfg.DatasetID)
	if err != nil {
		return nil, errors.WithMessagef(err, "fetching dataset version %q", cfg.DatasetID)
	}
	klog.Infof("dataset %s: %d assets", result.Dataset, result.Dataset.NumAssets)
	imagesDir := filepath.Join(workDir, ImagesSubDir)
	numAssets, err := p.Service.DownloadAssets(ctx, result.Dataset, imagesDir)
	if err != nil {
		return nil, errors.WithMessagef(err, "downloading assets of dataset %s", result.Dataset)
	}
	klog.Infof("%d assets of dataset %s in %q", numAssets, result.Dataset, imagesDir)
	labelsDir := filepath.Join(workDir, AnnotationsSubDir)
	if _, err = p.Service.ExportAnnotations(ctx, result.Dataset, registry.FormatYOLO, labelsDir); err != nil {
		return nil, errors.WithMessagef(err, "exporting annotations of dataset %s", result.Dataset)
	}
	extractOpts := archive.Options{Flatten: true, ShowProgressBar: cfg.ShowProgress}
	if _, err = archive.ExtractFirstZip(labelsDir, extractOpts); err != nil {
		return nil, errors.WithMessagef(err, "extracting annotations of dataset %s", result.Dataset)
	}
	result.Labels, err = p.Service.ListLabels(ctx, result.Dataset)
	if err != nil {
		return nil, errors.WithMessagef(err, "listing labels of dataset %s", result.Dataset)
	}

	// Partitioning and layout.
	classNames := registry.LabelNames(result.Labels)
	result.Prepared, err = PrepareDataset(cfg.Split, imagesDir, labelsDir, datasetRoot, classNames)
	if err != nil {
		return nil, err
	}

	// Experiment tracking.
	hooks := train.NewHooks()
	if err = p.setupExperiment(ctx, result, hooks); err != nil {
		return nil, err
	}
	plots.AttachPointsWriter(hooks)
	if cfg.ShowProgress {
		commandline.AttachProgressBar(hooks)
	}

	// Training.
	result.Training, err = p.Trainer.Train(ctx, train.Request{
		DataConfig:      result.Prepared.DataConfig,
		Hyperparameters: cfg.Hyperparameters,
		RunsDir:         cfg.RunsDir,
		Name:            cfg.ExperimentName,
		Hooks:           hooks,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "training experiment %q", cfg.ExperimentName)
	}
	if cfg.ValidateBest {
		result.Metrics, err = p.Trainer.Validate(ctx, result.Training.BestCheckpoint, result.Prepared.DataConfig)
		if err != nil {
			return nil, errors.WithMessagef(err, "validating experiment %q", cfg.ExperimentName)
		}
		table := tracking.NewMetricsTable(result.Metrics)
		klog.Infof("validation metrics of the best checkpoint:%s", table)
		if result.Experiment != nil {
			err = p.Service.Log(ctx, result.Experiment, LogValidationMetrics, table, registry.LogTable)
			if err = p.track(err, "logging validation metrics"); err != nil {
				return nil, err
			}
		}
	}

	// Publication.
	if err = p.publish(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// setupExperiment gets or creates the experiment, attaches the dataset, logs the parameters and attaches the
// experiment logger to the hooks.
func (p *Pipeline) setupExperiment(ctx context.Context, result *Result, hooks *train.Hooks) error {
	cfg := &p.Config
	experiment, created, err := p.Service.GetOrCreateExperiment(ctx, cfg.ProjectName, cfg.ExperimentName,
		cfg.ExperimentDescription)
	if err != nil {
		return p.track(err, "getting experiment %q of project %q", cfg.ExperimentName, cfg.ProjectName)
	}
	if created {
		klog.Infof("created experiment %s", experiment)
	} else {
		klog.Infof("using existing experiment %s", experiment)
	}
	result.Experiment = experiment

	alias := cfg.DatasetAlias
	if alias == "" {
		alias = result.Dataset.Name
	}
	err = p.Service.AttachDataset(ctx, experiment, alias, result.Dataset)
	if err = p.track(err, "attaching dataset %s to experiment %s", result.Dataset, experiment); err != nil {
		return err
	}
	attached, err := p.Service.ListAttachedDatasets(ctx, experiment)
	if err = p.track(err, "listing datasets of experiment %s", experiment); err != nil {
		return err
	}
	klog.V(1).Infof("datasets attached to experiment %s: %v", experiment, attached)

	params := cfg.Hyperparameters.AsMap()
	params["split_train"] = cfg.Split.Ratios.Train
	params["split_val"] = cfg.Split.Ratios.Val
	params["split_test"] = cfg.Split.Ratios.Test
	params["split_seed"] = cfg.Split.Seed
	err = p.Service.LogParameters(ctx, experiment, params)
	if err = p.track(err, "logging parameters of experiment %s", experiment); err != nil {
		return err
	}

	tracking.New(ctx, p.Service, experiment, cfg.TrackingPolicy).Attach(hooks)
	return nil
}

// publish creates the model version with the dataset labels and uploads the best weights (and the training
// curves, if configured).
func (p *Pipeline) publish(ctx context.Context, result *Result) error {
	cfg := &p.Config
	model, err := p.Service.GetModel(ctx, cfg.ModelName)
	if err != nil {
		return errors.WithMessagef(err, "getting model %q", cfg.ModelName)
	}
	versionName := cfg.ModelVersionName
	if versionName == "" {
		versionName = cfg.ExperimentName
	}
	version, err := p.Service.CreateModelVersion(ctx, model, versionName, registry.LabelMap(result.Labels))
	if err != nil {
		return errors.WithMessagef(err, "creating version %q of model %q", versionName, cfg.ModelName)
	}
	if err = p.Service.StoreArtifact(ctx, version, ArtifactWeights, result.Training.BestCheckpoint); err != nil {
		return errors.WithMessagef(err, "uploading weights to version %d of model %q", version.Version, cfg.ModelName)
	}
	result.ModelVersion = version
	klog.Infof("published %q as version %d of model %q", result.Training.BestCheckpoint, version.Version, cfg.ModelName)

	if !cfg.SaveCurves {
		return nil
	}
	points, err := plots.LoadPointsFromRunDir(result.Training.RunDir)
	if err != nil {
		return err
	}
	curvesPath := filepath.Join(result.Training.RunDir, ArtifactCurves+".png")
	if err = plots.SavePNG(plots.NewPoints(points), curvesPath); err != nil {
		return err
	}
	if err = p.Service.StoreArtifact(ctx, version, ArtifactCurves, curvesPath); err != nil {
		return errors.WithMessagef(err, "uploading training curves to version %d of model %q", version.Version,
			cfg.ModelName)
	}
	return nil
}
