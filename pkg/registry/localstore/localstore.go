// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package localstore implements registry.Service with a local SQLite database and a directory of artifacts.
//
// It is used for offline runs and for tests. Datasets are registered from local directories of images and
// YOLO label files with RegisterDataset, and everything else (experiments, logs, models and their
// artifacts) is created through the registry.Service interface, as with the remote service.
//
// Layout of the store directory:
//
//   - registry.db: the SQLite database.
//   - artifacts/<model_version_id>/: the files stored with StoreArtifact.
package localstore

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/detpipe/pkg/registry"
	"github.com/gomlx/detpipe/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	_ "modernc.org/sqlite"
)

// DatabaseFileName is the name of the SQLite file in the store directory.
const DatabaseFileName = "registry.db"

// ArtifactsSubDir holds the stored artifacts.
const ArtifactsSubDir = "artifacts"

// Store implements registry.Service.
type Store struct {
	db  *sql.DB
	dir string
}

// Assert Store is a registry.Service.
var _ registry.Service = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS datasets (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	images_dir TEXT NOT NULL,
	labels_dir TEXT NOT NULL,
	num_assets INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE(name, version)
);
CREATE TABLE IF NOT EXISTS labels (
	id TEXT PRIMARY KEY,
	dataset_id TEXT NOT NULL REFERENCES datasets(id),
	idx INTEGER NOT NULL,
	name TEXT NOT NULL,
	UNIQUE(dataset_id, idx)
);
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS experiments (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	UNIQUE(project_id, name)
);
CREATE TABLE IF NOT EXISTS experiment_datasets (
	experiment_id TEXT NOT NULL REFERENCES experiments(id),
	alias TEXT NOT NULL,
	dataset_id TEXT NOT NULL REFERENCES datasets(id),
	PRIMARY KEY(experiment_id, alias)
);
CREATE TABLE IF NOT EXISTS logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	experiment_id TEXT NOT NULL REFERENCES experiments(id),
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	value TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_experiment ON logs(experiment_id, name);
CREATE TABLE IF NOT EXISTS parameters (
	experiment_id TEXT NOT NULL REFERENCES experiments(id),
	name TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY(experiment_id, name)
);
CREATE TABLE IF NOT EXISTS models (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS model_versions (
	id TEXT PRIMARY KEY,
	model_id TEXT NOT NULL REFERENCES models(id),
	name TEXT NOT NULL,
	version INTEGER NOT NULL,
	labels TEXT NOT NULL,
	type TEXT NOT NULL,
	framework TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE(model_id, version)
);
CREATE TABLE IF NOT EXISTS artifacts (
	version_id TEXT NOT NULL REFERENCES model_versions(id),
	name TEXT NOT NULL,
	path TEXT NOT NULL,
	size INTEGER NOT NULL,
	PRIMARY KEY(version_id, name)
);
`

// Open the store in dir, creating it if needed.
func Open(dir string) (*Store, error) {
	dir, err := fsutil.AbsDir(dir)
	if err != nil {
		return nil, err
	}
	if err = fsutil.EnsureDir(filepath.Join(dir, ArtifactsSubDir)); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(dir, DatabaseFileName)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %q", dbPath)
	}
	// A single connection serializes writers, and avoids SQLITE_BUSY errors.
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to create tables in %q", dbPath)
	}
	klog.V(1).Infof("local registry opened in %q", dir)
	return &Store{db: db, dir: dir}, nil
}

// Close the database.
func (s *Store) Close() error {
	return errors.Wrapf(s.db.Close(), "failed to close local registry in %q", s.dir)
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// notFound wraps sql.ErrNoRows as registry.ErrNotFound.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.WithMessagef(registry.ErrNotFound, format, args...)
	}
	return errors.Wrapf(err, format, args...)
}

// listFiles in dir (non-recursive) accepted by keep, sorted.
func listFiles(dir string, keep func(name string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %q", dir)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || !keep(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	slices.Sort(files)
	return files, nil
}

func isLabelFile(name string) bool { return strings.EqualFold(filepath.Ext(name), ".txt") }

func isImageFile(name string) bool { return !isLabelFile(name) }

// RegisterDataset creates a new dataset version from a directory of images and a directory of YOLO label
// files, with the ordered class names. The files are not copied, the directories must outlive the store.
func (s *Store) RegisterDataset(ctx context.Context, name, version, imagesDir, labelsDir string, classNames []string) (*registry.DatasetVersion, error) {
	var err error
	if imagesDir, err = fsutil.AbsDir(imagesDir); err != nil {
		return nil, err
	}
	if labelsDir, err = fsutil.AbsDir(labelsDir); err != nil {
		return nil, err
	}
	images, err := listFiles(imagesDir, isImageFile)
	if err != nil {
		return nil, err
	}
	if _, err = listFiles(labelsDir, isLabelFile); err != nil {
		return nil, err
	}

	dataset := &registry.DatasetVersion{ID: uuid.NewString(), Name: name, Version: version, NumAssets: len(images)}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to start transaction")
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO datasets (id, name, version, images_dir, labels_dir, num_assets, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dataset.ID, name, version, imagesDir, labelsDir, len(images), now())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to register dataset %s", dataset)
	}
	for ii, className := range classNames {
		_, err = tx.ExecContext(ctx, `INSERT INTO labels (id, dataset_id, idx, name) VALUES (?, ?, ?, ?)`,
			uuid.NewString(), dataset.ID, ii, className)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to register label %q of dataset %s", className, dataset)
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, errors.Wrapf(err, "failed to register dataset %s", dataset)
	}
	klog.Infof("registered dataset %s (id=%s): %d images, %d classes", dataset, dataset.ID, len(images), len(classNames))
	return dataset, nil
}

func (s *Store) datasetDirs(ctx context.Context, dataset *registry.DatasetVersion) (imagesDir, labelsDir string, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT images_dir, labels_dir FROM datasets WHERE id = ?`, dataset.ID).
		Scan(&imagesDir, &labelsDir)
	if err != nil {
		err = notFound(err, "dataset version %q", dataset.ID)
	}
	return
}

// GetDatasetVersion implements registry.Service.
func (s *Store) GetDatasetVersion(ctx context.Context, id string) (*registry.DatasetVersion, error) {
	dataset := &registry.DatasetVersion{ID: id}
	err := s.db.QueryRowContext(ctx, `SELECT name, version, num_assets FROM datasets WHERE id = ?`, id).
		Scan(&dataset.Name, &dataset.Version, &dataset.NumAssets)
	if err != nil {
		return nil, notFound(err, "dataset version %q", id)
	}
	return dataset, nil
}

// FindDataset returns the dataset version registered with the given name and version.
func (s *Store) FindDataset(ctx context.Context, name, version string) (*registry.DatasetVersion, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM datasets WHERE name = ? AND version = ?`, name, version).Scan(&id)
	if err != nil {
		return nil, notFound(err, "dataset %s/%s", name, version)
	}
	return s.GetDatasetVersion(ctx, id)
}

// ListLabels implements registry.Service.
func (s *Store) ListLabels(ctx context.Context, dataset *registry.DatasetVersion) ([]registry.Label, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM labels WHERE dataset_id = ? ORDER BY idx`, dataset.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list labels of dataset %s", dataset)
	}
	defer func() { _ = rows.Close() }()
	var labels []registry.Label
	for rows.Next() {
		var l registry.Label
		if err = rows.Scan(&l.ID, &l.Name); err != nil {
			return nil, errors.Wrapf(err, "failed to read labels of dataset %s", dataset)
		}
		labels = append(labels, l)
	}
	return labels, errors.Wrapf(rows.Err(), "failed to read labels of dataset %s", dataset)
}

// DownloadAssets implements registry.Service by copying the registered images into dir.
func (s *Store) DownloadAssets(ctx context.Context, dataset *registry.DatasetVersion, dir string) (int, error) {
	imagesDir, _, err := s.datasetDirs(ctx, dataset)
	if err != nil {
		return 0, err
	}
	images, err := listFiles(imagesDir, isImageFile)
	if err != nil {
		return 0, err
	}
	if err = fsutil.EnsureDir(dir); err != nil {
		return 0, err
	}
	for _, image := range images {
		if err = ctx.Err(); err != nil {
			return 0, errors.Wrapf(err, "copying assets of dataset %s", dataset)
		}
		if _, err = fsutil.CopyToDir(image, dir); err != nil {
			return 0, errors.WithMessagef(err, "copying assets of dataset %s", dataset)
		}
	}
	klog.V(1).Infof("copied %d assets of dataset %s to %q", len(images), dataset, dir)
	return len(images), nil
}
