// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package registry defines the interface to the dataset, experiment and model registry service used by the
// pipeline, along with the objects it manages.
//
// Two implementations are provided: registry/client talks to the remote REST service, and
// registry/localstore keeps everything in a local SQLite database, for offline runs and tests.
package registry

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned (wrapped) when the requested object doesn't exist in the registry.
var ErrNotFound = errors.New("not found")

// DatasetVersion is one immutable version of an annotated dataset.
type DatasetVersion struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`

	// NumAssets is the number of images in the dataset version, if known.
	NumAssets int `json:"num_assets,omitempty"`
}

// String implements fmt.Stringer.
func (d *DatasetVersion) String() string {
	if d.Name == "" {
		return d.ID
	}
	return d.Name + "/" + d.Version
}

// Label is one class of a dataset version.
type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// LabelNames returns the names of the labels, in order. The position of each name is its class id.
func LabelNames(labels []Label) []string {
	names := make([]string, len(labels))
	for ii, l := range labels {
		names[ii] = l.Name
	}
	return names
}

// LabelMap converts the ordered labels to the map from class id (as a string) to class name, used to
// describe the outputs of a model version.
func LabelMap(labels []Label) map[string]string {
	m := make(map[string]string, len(labels))
	for ii, l := range labels {
		m[strconv.Itoa(ii)] = l.Name
	}
	return m
}

// Experiment is a named training run within a project.
type Experiment struct {
	ID          string `json:"id"`
	ProjectName string `json:"project_name"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// String implements fmt.Stringer.
func (e *Experiment) String() string {
	return e.ProjectName + "/" + e.Name
}

// Model is a named model in the registry, with versions.
type Model struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ModelVersion is one version of a Model, holding the trained artifacts.
type ModelVersion struct {
	ID      string `json:"id"`
	ModelID string `json:"model_id"`
	Name    string `json:"name"`

	// Version is a sequential number, starting from 1, within the model.
	Version int `json:"version"`

	// Labels maps class id (as a string) to class name.
	Labels map[string]string `json:"labels"`

	// Type and Framework describe the artifacts: always "OBJECT_DETECTION" and "ONNX" for now.
	Type      string `json:"type"`
	Framework string `json:"framework"`

	CreatedAt time.Time `json:"created_at"`
}

// Model version descriptors used when creating new versions.
const (
	ModelTypeObjectDetection = "OBJECT_DETECTION"
	FrameworkONNX            = "ONNX"
)

// LatestModelVersion returns the version with the highest Version number, or an error wrapping ErrNotFound
// if versions is empty.
func LatestModelVersion(versions []*ModelVersion) (*ModelVersion, error) {
	if len(versions) == 0 {
		return nil, errors.WithMessage(ErrNotFound, "model has no versions")
	}
	return slices.MaxFunc(versions, func(a, b *ModelVersion) int { return a.Version - b.Version }), nil
}

// AnnotationFormat of exported annotations.
type AnnotationFormat string

const (
	FormatYOLO      AnnotationFormat = "YOLO"
	FormatCOCO      AnnotationFormat = "COCO"
	FormatPascalVOC AnnotationFormat = "PASCAL_VOC"
)

// ParseAnnotationFormat is case-insensitive.
func ParseAnnotationFormat(s string) (AnnotationFormat, error) {
	f := AnnotationFormat(strings.ToUpper(s))
	switch f {
	case FormatYOLO, FormatCOCO, FormatPascalVOC:
		return f, nil
	}
	return "", errors.Errorf("unknown annotation format %q, valid values are YOLO, COCO and PASCAL_VOC", s)
}

// LogType tells the registry how to display a logged value.
type LogType string

const (
	// LogValue is a single scalar or string, overwritten by every new log.
	LogValue LogType = "VALUE"

	// LogLine is a series of values, appended to by every new log, displayed as a line plot.
	LogLine LogType = "LINE"

	// LogBar is a series of values displayed as a bar chart.
	LogBar LogType = "BAR"

	// LogTable is a map of names to values.
	LogTable LogType = "TABLE"
)

// Service is the interface to the registry. All methods are synchronous and safe to call concurrently.
type Service interface {
	// GetDatasetVersion by its id.
	GetDatasetVersion(ctx context.Context, id string) (*DatasetVersion, error)

	// ListLabels of the dataset version, ordered by class id.
	ListLabels(ctx context.Context, dataset *DatasetVersion) ([]Label, error)

	// DownloadAssets downloads all images of the dataset version into dir, and returns the number of files.
	DownloadAssets(ctx context.Context, dataset *DatasetVersion, dir string) (int, error)

	// ExportAnnotations writes the annotations of the dataset version as a zip archive in dir, and returns
	// the path of the archive.
	ExportAnnotations(ctx context.Context, dataset *DatasetVersion, format AnnotationFormat, dir string) (string, error)

	// GetOrCreateExperiment returns the experiment with the given name in the project, creating the
	// project and the experiment if needed. The boolean is true if the experiment was created.
	GetOrCreateExperiment(ctx context.Context, project, name, description string) (*Experiment, bool, error)

	// AttachDataset makes the dataset version available to the experiment under the given alias.
	AttachDataset(ctx context.Context, experiment *Experiment, alias string, dataset *DatasetVersion) error

	// ListAttachedDatasets returns the dataset versions attached to the experiment.
	ListAttachedDatasets(ctx context.Context, experiment *Experiment) ([]*DatasetVersion, error)

	// GetModel by name.
	GetModel(ctx context.Context, name string) (*Model, error)

	// CreateModelVersion creates a new version of model, numbered after the latest one.
	CreateModelVersion(ctx context.Context, model *Model, name string, labels map[string]string) (*ModelVersion, error)

	// ListModelVersions of model, ordered by Version.
	ListModelVersions(ctx context.Context, model *Model) ([]*ModelVersion, error)

	// StoreArtifact uploads the file at filePath as the artifact name of the model version.
	StoreArtifact(ctx context.Context, version *ModelVersion, name, filePath string) error

	// DownloadArtifact downloads the artifact name of the model version into dir, and returns its path.
	DownloadArtifact(ctx context.Context, version *ModelVersion, name, dir string) (string, error)

	// Log a value to the experiment.
	Log(ctx context.Context, experiment *Experiment, name string, value any, logType LogType) error

	// LogParameters records the experiment parameters.
	LogParameters(ctx context.Context, experiment *Experiment, params map[string]any) error
}

// LatestVersionOf looks up the model by name and returns its latest version.
func LatestVersionOf(ctx context.Context, svc Service, modelName string) (*ModelVersion, error) {
	model, err := svc.GetModel(ctx, modelName)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to get model %q", modelName)
	}
	versions, err := svc.ListModelVersions(ctx, model)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to list versions of model %q", modelName)
	}
	latest, err := LatestModelVersion(versions)
	if err != nil {
		return nil, errors.WithMessagef(err, "model %q", modelName)
	}
	return latest, nil
}
