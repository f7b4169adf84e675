// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package yolo handles the YOLO flavor of a detection dataset: the `data.yaml` configuration file consumed
// by the trainer, and the validation of label files and images.
package yolo

import (
	"os"
	"path/filepath"

	"github.com/gomlx/detpipe/pkg/dataset/split"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DataConfigFileName is the default name of the dataset configuration file, written at the dataset root.
const DataConfigFileName = "data.yaml"

// DataConfig models the dataset configuration file read by the trainer.
type DataConfig struct {
	// Path is the dataset root.
	Path string `yaml:"path"`

	// Train, Val and Test are the absolute images directories of each split. The trainer finds the labels
	// by replacing the "images" path component with "labels".
	Train string `yaml:"train"`
	Val   string `yaml:"val"`
	Test  string `yaml:"test"`

	// NumClasses must match len(Names).
	NumClasses int `yaml:"nc"`

	// Names of the classes, indexed by the class id used in the label files.
	Names []string `yaml:"names"`
}

// NewDataConfig builds the configuration for a materialized layout and the ordered class names.
func NewDataConfig(layout *split.Layout, classNames []string) *DataConfig {
	return &DataConfig{
		Path:       layout.Root,
		Train:      layout.Splits[split.Train].Images,
		Val:        layout.Splits[split.Val].Images,
		Test:       layout.Splits[split.Test].Images,
		NumClasses: len(classNames),
		Names:      append([]string(nil), classNames...),
	}
}

// Validate checks the configuration is consistent.
func (c *DataConfig) Validate() error {
	if c.NumClasses != len(c.Names) {
		return errors.Errorf("data config declares nc=%d but lists %d class names", c.NumClasses, len(c.Names))
	}
	for _, dir := range []struct{ name, path string }{{"train", c.Train}, {"val", c.Val}, {"test", c.Test}} {
		if dir.path == "" {
			return errors.Errorf("data config is missing the %s images directory", dir.name)
		}
		if !filepath.IsAbs(dir.path) {
			return errors.Errorf("data config %s images directory %q is not an absolute path", dir.name, dir.path)
		}
	}
	return nil
}

// Write the configuration to filePath as YAML.
func (c *DataConfig) Write(filePath string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	contents, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrapf(err, "failed to encode data config")
	}
	if err = os.WriteFile(filePath, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to write data config to %q", filePath)
	}
	return nil
}

// WriteDataConfig creates the configuration for layout and writes it to `<layout.Root>/data.yaml`.
// It returns the path of the file written.
func WriteDataConfig(layout *split.Layout, classNames []string) (string, error) {
	filePath := filepath.Join(layout.Root, DataConfigFileName)
	if err := NewDataConfig(layout, classNames).Write(filePath); err != nil {
		return "", err
	}
	return filePath, nil
}

// ReadDataConfig parses a configuration file.
func ReadDataConfig(filePath string) (*DataConfig, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read data config %q", filePath)
	}
	c := &DataConfig{}
	if err = yaml.Unmarshal(contents, c); err != nil {
		return nil, errors.Wrapf(err, "failed to parse data config %q", filePath)
	}
	return c, nil
}
