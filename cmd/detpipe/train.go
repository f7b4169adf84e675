// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/detpipe/pkg/pipeline"
	"github.com/gomlx/detpipe/pkg/train/yolocli"
	"github.com/spf13/cobra"
)

func (a *app) trainCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fetch a dataset version, train a model on it and publish the model",
		Long: `Fetches the dataset version from the registry, splits it into train, validation and test sets,
trains a model tracking the experiment, and publishes the best weights as a new version of the model.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			if err = cfg.Validate(); err != nil {
				return err
			}
			pc, err := cfg.PipelineConfig()
			if err != nil {
				return err
			}
			svc, release, err := openService(cfg)
			if err != nil {
				return err
			}
			defer release()
			p := &pipeline.Pipeline{Service: svc, Trainer: yolocli.New(cfg.Trainer.Command...), Config: pc}
			result, err := p.Run(cmd.Context())
			if err != nil {
				return err
			}
			printTrainingSummary(cmd.OutOrStdout(), result)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.String("dataset", "", "Id of the dataset version in the registry.")
	flags.String("alias", "", "Alias of the dataset in the experiment. Default is the dataset name.")
	flags.String("work-dir", "", "Directory where the dataset is downloaded and prepared.")
	flags.String("project", "", "Project of the experiment.")
	flags.String("experiment", "", "Name of the experiment, also used as the name of the training run.")
	flags.String("model", "", "Name of the model where the trained weights are published.")
	flags.String("version-name", "", "Name of the model version. Default is the experiment name.")
	flags.Int("epochs", 0, "Number of training epochs.")
	flags.Int("batch", 0, "Batch size, -1 for automatic.")
	flags.Int("imgsz", 0, "Training image size, a multiple of 32.")
	flags.String("device", "", "Device to train on, e.g. cpu, 0 or 0,1.")
	flags.Int64("seed", 0, "Seed of the dataset split.")
	flags.Bool("verify", false, "Decode every image and parse every label, discarding the invalid samples.")
	flags.Bool("positional", false, "Pair images and labels by position instead of by file name.")
	flags.String("policy", "", "What to do when tracking the experiment fails: strict or best_effort.")
	for name, key := range map[string]string{
		"dataset":      "dataset.id",
		"alias":        "dataset.alias",
		"work-dir":     "dataset.work_dir",
		"project":      "project.name",
		"experiment":   "experiment.name",
		"model":        "model.name",
		"version-name": "model.version_name",
		"epochs":       "train.epochs",
		"batch":        "train.batch",
		"imgsz":        "train.imgsz",
		"device":       "train.device",
		"seed":         "split.seed",
		"verify":       "dataset.verify",
		"positional":   "dataset.positional_pairing",
		"policy":       "tracking.policy",
	} {
		a.bind(flags, name, key)
	}
	return cmd
}

func printTrainingSummary(out io.Writer, result *pipeline.Result) {
	_, _ = fmt.Fprintln(out, titleStyle.Render("Training"))
	table := newPlainTable()
	table.Row("dataset", result.Dataset.String())
	table.Row("# samples", humanize.Comma(int64(result.Prepared.Splits.Len())))
	table.Row("split", result.Prepared.Splits.String())
	if result.Experiment != nil {
		table.Row("experiment", result.Experiment.String())
	}
	if final := result.Training.Final; final != nil {
		table.Row("epochs", fmt.Sprintf("%d / %d", final.Epoch, final.Epochs))
		if final.BestFitness != nil {
			table.Row("best fitness", fmt.Sprintf("%.4f", *final.BestFitness))
		}
	}
	for _, name := range slices.Sorted(maps.Keys(result.Metrics)) {
		table.Row(name, fmt.Sprintf("%.4f", result.Metrics[name]))
	}
	table.Row("weights", result.Training.BestCheckpoint)
	table.Row("model version", fmt.Sprintf("%d (%s)", result.ModelVersion.Version, result.ModelVersion.Name))
	_, _ = fmt.Fprintln(out, table.Render())
}
