// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/gomlx/detpipe/pkg/registry"
	"github.com/gomlx/detpipe/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GetOrCreateExperiment implements registry.Service.
func (s *Store) GetOrCreateExperiment(ctx context.Context, project, name, description string) (*registry.Experiment, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to start transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var projectID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM projects WHERE name = ?`, project).Scan(&projectID)
	if errors.Is(err, sql.ErrNoRows) {
		projectID = uuid.NewString()
		_, err = tx.ExecContext(ctx, `INSERT INTO projects (id, name) VALUES (?, ?)`, projectID, project)
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to get project %q", project)
	}

	exp := &registry.Experiment{ProjectName: project, Name: name}
	created := false
	err = tx.QueryRowContext(ctx, `SELECT id, description FROM experiments WHERE project_id = ? AND name = ?`,
		projectID, name).Scan(&exp.ID, &exp.Description)
	if errors.Is(err, sql.ErrNoRows) {
		exp.ID, exp.Description, created = uuid.NewString(), description, true
		_, err = tx.ExecContext(ctx,
			`INSERT INTO experiments (id, project_id, name, description, created_at) VALUES (?, ?, ?, ?, ?)`,
			exp.ID, projectID, name, description, now())
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to get experiment %s", exp)
	}
	if err = tx.Commit(); err != nil {
		return nil, false, errors.Wrapf(err, "failed to get experiment %s", exp)
	}
	return exp, created, nil
}

// AttachDataset implements registry.Service. Attaching again with the same alias replaces the dataset.
func (s *Store) AttachDataset(ctx context.Context, experiment *registry.Experiment, alias string, dataset *registry.DatasetVersion) error {
	if _, err := s.GetDatasetVersion(ctx, dataset.ID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO experiment_datasets (experiment_id, alias, dataset_id) VALUES (?, ?, ?)`,
		experiment.ID, alias, dataset.ID)
	return errors.Wrapf(err, "failed to attach dataset %s to experiment %s", dataset, experiment)
}

// ListAttachedDatasets implements registry.Service, ordered by alias.
func (s *Store) ListAttachedDatasets(ctx context.Context, experiment *registry.Experiment) ([]*registry.DatasetVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.name, d.version, d.num_assets
		FROM experiment_datasets e JOIN datasets d ON e.dataset_id = d.id
		WHERE e.experiment_id = ? ORDER BY e.alias`, experiment.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list datasets of experiment %s", experiment)
	}
	defer func() { _ = rows.Close() }()
	var datasets []*registry.DatasetVersion
	for rows.Next() {
		d := &registry.DatasetVersion{}
		if err = rows.Scan(&d.ID, &d.Name, &d.Version, &d.NumAssets); err != nil {
			return nil, errors.Wrapf(err, "failed to read datasets of experiment %s", experiment)
		}
		datasets = append(datasets, d)
	}
	return datasets, errors.Wrapf(rows.Err(), "failed to read datasets of experiment %s", experiment)
}

// Log implements registry.Service. The value is stored JSON encoded.
func (s *Store) Log(ctx context.Context, experiment *registry.Experiment, name string, value any, logType registry.LogType) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "failed to encode value of log %q", name)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO logs (experiment_id, name, type, value, created_at) VALUES (?, ?, ?, ?, ?)`,
		experiment.ID, name, string(logType), string(encoded), now())
	return errors.Wrapf(err, "failed to log %q to experiment %s", name, experiment)
}

// LogEntry is one value logged with Log.
type LogEntry struct {
	Name  string
	Type  registry.LogType
	Value json.RawMessage
	Time  time.Time
}

// Logs returns the entries logged to the experiment with the given name, in the order they were logged.
// If name is empty, it returns all entries.
func (s *Store) Logs(ctx context.Context, experiment *registry.Experiment, name string) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, type, value, created_at FROM logs
		WHERE experiment_id = ? AND (? = '' OR name = ?) ORDER BY id`, experiment.ID, name, name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read logs of experiment %s", experiment)
	}
	defer func() { _ = rows.Close() }()
	var entries []LogEntry
	for rows.Next() {
		var entry LogEntry
		var value, createdAt string
		if err = rows.Scan(&entry.Name, &entry.Type, &value, &createdAt); err != nil {
			return nil, errors.Wrapf(err, "failed to read logs of experiment %s", experiment)
		}
		entry.Value = json.RawMessage(value)
		entry.Time, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, entry)
	}
	return entries, errors.Wrapf(rows.Err(), "failed to read logs of experiment %s", experiment)
}

// LogParameters implements registry.Service. Parameters logged again are overwritten.
func (s *Store) LogParameters(ctx context.Context, experiment *registry.Experiment, params map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to start transaction")
	}
	defer func() { _ = tx.Rollback() }()
	for name, value := range params {
		encoded, err := json.Marshal(value)
		if err != nil {
			return errors.Wrapf(err, "failed to encode parameter %q", name)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO parameters (experiment_id, name, value) VALUES (?, ?, ?)`,
			experiment.ID, name, string(encoded))
		if err != nil {
			return errors.Wrapf(err, "failed to log parameter %q to experiment %s", name, experiment)
		}
	}
	return errors.Wrapf(tx.Commit(), "failed to log parameters to experiment %s", experiment)
}

// Parameters returns the parameters logged to the experiment, decoded from JSON.
func (s *Store) Parameters(ctx context.Context, experiment *registry.Experiment) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM parameters WHERE experiment_id = ?`, experiment.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read parameters of experiment %s", experiment)
	}
	defer func() { _ = rows.Close() }()
	params := make(map[string]any)
	for rows.Next() {
		var name, value string
		if err = rows.Scan(&name, &value); err != nil {
			return nil, errors.Wrapf(err, "failed to read parameters of experiment %s", experiment)
		}
		var decoded any
		if err = json.Unmarshal([]byte(value), &decoded); err != nil {
			return nil, errors.Wrapf(err, "failed to decode parameter %q", name)
		}
		params[name] = decoded
	}
	return params, errors.Wrapf(rows.Err(), "failed to read parameters of experiment %s", experiment)
}

// CreateModel registers a new model.
func (s *Store) CreateModel(ctx context.Context, name string) (*registry.Model, error) {
	model := &registry.Model{ID: uuid.NewString(), Name: name}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO models (id, name) VALUES (?, ?)`, model.ID, name); err != nil {
		return nil, errors.Wrapf(err, "failed to create model %q", name)
	}
	klog.Infof("created model %q in local registry", name)
	return model, nil
}

// EnsureModel returns the model with the given name, creating it if it doesn't exist.
func (s *Store) EnsureModel(ctx context.Context, name string) (*registry.Model, error) {
	model, err := s.GetModel(ctx, name)
	if errors.Is(err, registry.ErrNotFound) {
		return s.CreateModel(ctx, name)
	}
	return model, err
}

// GetModel implements registry.Service.
func (s *Store) GetModel(ctx context.Context, name string) (*registry.Model, error) {
	model := &registry.Model{Name: name}
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM models WHERE name = ?`, name).Scan(&model.ID); err != nil {
		return nil, notFound(err, "model %q", name)
	}
	return model, nil
}

// CreateModelVersion implements registry.Service.
func (s *Store) CreateModelVersion(ctx context.Context, model *registry.Model, name string, labels map[string]string) (*registry.ModelVersion, error) {
	encodedLabels, err := json.Marshal(labels)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode labels")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to start transaction")
	}
	defer func() { _ = tx.Rollback() }()
	version := &registry.ModelVersion{
		ID:        uuid.NewString(),
		ModelID:   model.ID,
		Name:      name,
		Labels:    labels,
		Type:      registry.ModelTypeObjectDetection,
		Framework: registry.FrameworkONNX,
		CreatedAt: time.Now().UTC(),
	}
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM model_versions WHERE model_id = ?`,
		model.ID).Scan(&version.Version)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to number new version of model %q", model.Name)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO model_versions (id, model_id, name, version, labels, type, framework, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		version.ID, model.ID, name, version.Version, string(encodedLabels), version.Type, version.Framework,
		version.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create version %q of model %q", name, model.Name)
	}
	if err = tx.Commit(); err != nil {
		return nil, errors.Wrapf(err, "failed to create version %q of model %q", name, model.Name)
	}
	return version, nil
}

// ListModelVersions implements registry.Service.
func (s *Store) ListModelVersions(ctx context.Context, model *registry.Model) ([]*registry.ModelVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, version, labels, type, framework, created_at FROM model_versions
		WHERE model_id = ? ORDER BY version`, model.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list versions of model %q", model.Name)
	}
	defer func() { _ = rows.Close() }()
	var versions []*registry.ModelVersion
	for rows.Next() {
		v := &registry.ModelVersion{ModelID: model.ID}
		var labels, createdAt string
		if err = rows.Scan(&v.ID, &v.Name, &v.Version, &labels, &v.Type, &v.Framework, &createdAt); err != nil {
			return nil, errors.Wrapf(err, "failed to read versions of model %q", model.Name)
		}
		if err = json.Unmarshal([]byte(labels), &v.Labels); err != nil {
			return nil, errors.Wrapf(err, "failed to decode labels of version %q", v.Name)
		}
		v.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		versions = append(versions, v)
	}
	return versions, errors.Wrapf(rows.Err(), "failed to read versions of model %q", model.Name)
}

// StoreArtifact implements registry.Service by copying the file into the store's artifacts directory.
func (s *Store) StoreArtifact(ctx context.Context, version *registry.ModelVersion, name, filePath string) error {
	dir := filepath.Join(s.dir, ArtifactsSubDir, version.ID)
	if err := fsutil.EnsureDir(dir); err != nil {
		return err
	}
	stored := filepath.Join(dir, name+filepath.Ext(filePath))
	size, err := fsutil.CopyFile(filePath, stored)
	if err != nil {
		return errors.WithMessagef(err, "storing artifact %q of model version %q", name, version.Name)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO artifacts (version_id, name, path, size) VALUES (?, ?, ?, ?)`,
		version.ID, name, stored, size)
	return errors.Wrapf(err, "failed to store artifact %q of model version %q", name, version.Name)
}

// DownloadArtifact implements registry.Service by copying the stored file into dir.
func (s *Store) DownloadArtifact(ctx context.Context, version *registry.ModelVersion, name, dir string) (string, error) {
	var stored string
	err := s.db.QueryRowContext(ctx, `SELECT path FROM artifacts WHERE version_id = ? AND name = ?`,
		version.ID, name).Scan(&stored)
	if err != nil {
		return "", notFound(err, "artifact %q of model version %q", name, version.Name)
	}
	if err = fsutil.EnsureDir(dir); err != nil {
		return "", err
	}
	return fsutil.CopyToDir(stored, dir)
}
