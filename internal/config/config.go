// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config loads the detpipe configuration from defaults, a YAML file, a .env file, the environment
// and command-line overrides, in increasing order of priority.
package config

import (
	"os"
	"slices"
	"strings"

	"github.com/gomlx/detpipe/pkg/dataset/samples"
	"github.com/gomlx/detpipe/pkg/dataset/split"
	"github.com/gomlx/detpipe/pkg/inference"
	"github.com/gomlx/detpipe/pkg/pipeline"
	"github.com/gomlx/detpipe/pkg/registry/client"
	"github.com/gomlx/detpipe/pkg/registry/downloader"
	"github.com/gomlx/detpipe/pkg/support/fsutil"
	"github.com/gomlx/detpipe/pkg/tracking"
	"github.com/gomlx/detpipe/pkg/train"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DefaultFile is the configuration file read if none is given and it exists.
	DefaultFile = "detpipe.yaml"

	// DefaultEnvFile is the .env file read if none is given and it exists.
	DefaultEnvFile = ".env"

	// EnvPrefix of the environment variables. Nested keys are separated by "__", e.g. DETPIPE_DATASET__WORK_DIR.
	EnvPrefix = "DETPIPE_"

	// TokenEnv is the environment variable holding the registry API token.
	TokenEnv = "PICSELLIA_API_TOKEN"

	// KeyToken is the configuration key of the registry API token.
	KeyToken = "api.token"
)

type APIConfig struct {
	URL                  string `koanf:"url"`
	Token                string `koanf:"token"`
	Organization         string `koanf:"organization"`
	MaxParallelDownloads int    `koanf:"max_parallel_downloads"`
}

type DatasetConfig struct {
	// ID of the dataset version in the registry.
	ID    string `koanf:"id"`
	Alias string `koanf:"alias"`

	// WorkDir where assets and annotations are downloaded.
	WorkDir string `koanf:"work_dir"`

	// Root of the split layout. Defaults to <work_dir>/dataset.
	Root string `koanf:"root"`

	ImageExtensions   []string `koanf:"image_extensions"`
	PositionalPairing bool     `koanf:"positional_pairing"`
	Verify            bool     `koanf:"verify"`
}

type SplitConfig struct {
	Train float64 `koanf:"train"`
	Val   float64 `koanf:"val"`
	Test  float64 `koanf:"test"`
	Seed  int64   `koanf:"seed"`
}

type ProjectConfig struct {
	Name string `koanf:"name"`
}

type ExperimentConfig struct {
	Name        string `koanf:"name"`
	Description string `koanf:"description"`
}

type ModelConfig struct {
	Name        string `koanf:"name"`
	VersionName string `koanf:"version_name"`
}

type TrainerConfig struct {
	// Command running the trainer, e.g. ["yolo"] or ["python", "-m", "ultralytics"].
	Command    []string `koanf:"command"`
	RunsDir    string   `koanf:"runs_dir"`
	Validate   bool     `koanf:"validate"`
	SaveCurves bool     `koanf:"save_curves"`
}

type TrackingConfig struct {
	// Policy is "strict" or "best_effort".
	Policy string `koanf:"policy"`
}

type StoreConfig struct {
	// Dir of the local store used in offline mode.
	Dir string `koanf:"dir"`
}

type InferenceConfig struct {
	Device   string `koanf:"device"`
	CacheDir string `koanf:"cache_dir"`
}

// Config holds all the settings of detpipe.
type Config struct {
	API        APIConfig             `koanf:"api"`
	Dataset    DatasetConfig         `koanf:"dataset"`
	Split      SplitConfig           `koanf:"split"`
	Project    ProjectConfig         `koanf:"project"`
	Experiment ExperimentConfig      `koanf:"experiment"`
	Model      ModelConfig           `koanf:"model"`
	Train      train.Hyperparameters `koanf:"train"`
	Trainer    TrainerConfig         `koanf:"trainer"`
	Tracking   TrackingConfig        `koanf:"tracking"`
	Inference  InferenceConfig       `koanf:"inference"`
	Store      StoreConfig           `koanf:"store"`

	// Offline uses the local store instead of the registry service.
	Offline bool `koanf:"offline"`

	// Progress displays progress bars.
	Progress bool `koanf:"progress"`
}

// Default returns the configuration used for the keys not set anywhere else.
func Default() Config {
	return Config{
		API: APIConfig{
			URL:                  client.DefaultURL,
			MaxParallelDownloads: downloader.DefaultMaxParallel,
		},
		Dataset: DatasetConfig{
			WorkDir:         "./data",
			ImageExtensions: slices.Clone(samples.DefaultImageExtensions),
		},
		Split: SplitConfig{
			Train: split.DefaultRatios.Train,
			Val:   split.DefaultRatios.Val,
			Test:  split.DefaultRatios.Test,
			Seed:  split.DefaultSeed,
		},
		Train: train.DefaultHyperparameters(),
		Trainer: TrainerConfig{
			Command:    []string{"yolo"},
			RunsDir:    "./runs",
			Validate:   true,
			SaveCurves: true,
		},
		Tracking:  TrackingConfig{Policy: tracking.Strict.String()},
		Inference: InferenceConfig{CacheDir: "~/.cache/detpipe"},
		Store:     StoreConfig{Dir: "~/.detpipe"},
		Progress:  true,
	}
}

// Loader of the configuration.
type Loader struct {
	// File with the YAML configuration. If nil, DefaultFile is used if it exists.
	File koanf.Provider

	// EnvFile is a .env file with environment variables. They don't override the variables already set.
	// If empty, DefaultEnvFile is used if it exists.
	EnvFile string

	// Overrides are set last, usually from command-line flags. Keys use "." as separator, e.g. "dataset.id".
	Overrides map[string]any
}

// envKey maps a DETPIPE_ environment variable to its configuration key, or "" if it is not one.
func envKey(name string) string {
	if name == TokenEnv {
		return KeyToken
	}
	if !strings.HasPrefix(name, EnvPrefix) {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), "__", ".")
}

// Load the configuration from all the sources.
func (l *Loader) Load() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load default configuration")
	}

	fileProvider := l.File
	if fileProvider == nil && fsutil.MustFileExists(DefaultFile) {
		klog.V(1).Infof("using configuration file %q", DefaultFile)
		fileProvider = file.Provider(DefaultFile)
	}
	if fileProvider != nil {
		if err := k.Load(fileProvider, yaml.Parser()); err != nil {
			return nil, errors.Wrap(err, "failed to load configuration file")
		}
	}

	if err := l.loadEnvFile(k); err != nil {
		return nil, err
	}
	// The token variable is loaded first, so DETPIPE_API__TOKEN takes precedence.
	err := k.Load(env.Provider(TokenEnv, ".", envKey), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load environment")
	}
	if err = k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load environment")
	}

	for key, value := range l.Overrides {
		if !k.Exists(key) {
			return nil, errors.Errorf("unknown configuration key %q", key)
		}
		if err = k.Set(key, value); err != nil {
			return nil, errors.Wrapf(err, "failed to set configuration %q", key)
		}
	}

	cfg := &Config{}
	if err = k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse configuration")
	}
	if err = cfg.replaceTildes(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnvFile sets the keys of the variables in the .env file that are not set in the environment.
func (l *Loader) loadEnvFile(k *koanf.Koanf) error {
	envFile := l.EnvFile
	if envFile == "" {
		if !fsutil.MustFileExists(DefaultEnvFile) {
			return nil
		}
		envFile = DefaultEnvFile
	}
	vars, err := godotenv.Read(envFile)
	if err != nil {
		return errors.Wrapf(err, "failed to read %q", envFile)
	}
	for name, value := range vars {
		key := envKey(name)
		if key == "" {
			continue
		}
		if _, found := os.LookupEnv(name); found {
			continue
		}
		if err = k.Set(key, value); err != nil {
			return errors.Wrapf(err, "failed to set %q from %q", key, envFile)
		}
	}
	klog.V(1).Infof("loaded %d variables from %q", len(vars), envFile)
	return nil
}

func (c *Config) replaceTildes() error {
	for _, dir := range []*string{&c.Dataset.WorkDir, &c.Dataset.Root, &c.Trainer.RunsDir, &c.Store.Dir,
		&c.Inference.CacheDir} {
		if *dir == "" {
			continue
		}
		replaced, err := fsutil.ReplaceTildeInDir(*dir)
		if err != nil {
			return err
		}
		*dir = replaced
	}
	return nil
}

// Ratios of the split.
func (c *Config) Ratios() split.Ratios {
	return split.Ratios{Train: c.Split.Train, Val: c.Split.Val, Test: c.Split.Test}
}

// SplitConfig returns the configuration of the dataset preparation.
func (c *Config) SplitConfig() pipeline.SplitConfig {
	return pipeline.SplitConfig{
		ImageExtensions:   c.Dataset.ImageExtensions,
		PositionalPairing: c.Dataset.PositionalPairing,
		Verify:            c.Dataset.Verify,
		Ratios:            c.Ratios(),
		Seed:              c.Split.Seed,
	}
}

// checkService checks the settings needed to reach the registry.
func (c *Config) checkService() error {
	if !c.Offline && c.API.Token == "" {
		return errors.Errorf("missing registry API token: set %s or %s, or run in offline mode", TokenEnv, KeyToken)
	}
	return nil
}

// Validate the configuration of the training pipeline.
func (c *Config) Validate() error {
	if err := c.checkService(); err != nil {
		return err
	}
	if len(c.Trainer.Command) == 0 {
		return errors.New("trainer.command is empty")
	}
	_, err := c.PipelineConfig()
	if err != nil {
		return err
	}
	return nil
}

// ValidateInference validates the configuration needed for inference.
func (c *Config) ValidateInference() error {
	if err := c.checkService(); err != nil {
		return err
	}
	if c.Model.Name == "" {
		return errors.New("model.name is required for inference")
	}
	if len(c.Trainer.Command) == 0 {
		return errors.New("trainer.command is empty")
	}
	return nil
}

// PipelineConfig converts the configuration to a validated pipeline.Config.
func (c *Config) PipelineConfig() (pipeline.Config, error) {
	policy, err := tracking.ParseErrorPolicy(c.Tracking.Policy)
	if err != nil {
		return pipeline.Config{}, err
	}
	pc := pipeline.Config{
		DatasetID:             c.Dataset.ID,
		DatasetAlias:          c.Dataset.Alias,
		WorkDir:               c.Dataset.WorkDir,
		DatasetRoot:           c.Dataset.Root,
		Split:                 c.SplitConfig(),
		ProjectName:           c.Project.Name,
		ExperimentName:        c.Experiment.Name,
		ExperimentDescription: c.Experiment.Description,
		ModelName:             c.Model.Name,
		ModelVersionName:      c.Model.VersionName,
		Hyperparameters:       c.Train,
		RunsDir:               c.Trainer.RunsDir,
		ValidateBest:          c.Trainer.Validate,
		TrackingPolicy:        policy,
		ShowProgress:          c.Progress,
		SaveCurves:            c.Trainer.SaveCurves,
	}
	if err = pc.Validate(); err != nil {
		return pipeline.Config{}, err
	}
	return pc, nil
}

// ClientConfig returns the configuration of the registry client.
func (c *Config) ClientConfig() client.Config {
	return client.Config{
		URL:                  c.API.URL,
		Token:                c.API.Token,
		Organization:         c.API.Organization,
		MaxParallelDownloads: c.API.MaxParallelDownloads,
		ShowProgress:         c.Progress,
	}
}

// Runner returns an inference runner configured for the model, without its Service and Predictor.
func (c *Config) Runner() *inference.Runner {
	return &inference.Runner{
		ModelName: c.Model.Name,
		CacheDir:  c.Inference.CacheDir,
		Device:    c.Inference.Device,
	}
}

// Marshal the configuration as YAML, with the API token redacted.
func (c *Config) Marshal() ([]byte, error) {
	redacted := *c
	if redacted.API.Token != "" {
		redacted.API.Token = "********"
	}
	k := koanf.New(".")
	if err := k.Load(structs.Provider(redacted, "koanf"), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	out, err := k.Marshal(yaml.Parser())
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal configuration")
	}
	return out, nil
}
