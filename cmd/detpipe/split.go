// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/detpipe/pkg/dataset/split"
	"github.com/gomlx/detpipe/pkg/pipeline"
	"github.com/spf13/cobra"
)

func (a *app) splitCommand() *cobra.Command {
	var imagesDir, labelsDir, outDir string
	var classNames []string
	cmd := &cobra.Command{
		Use:   "split",
		Short: "Split a local dataset into train, validation and test sets",
		Long: `Pairs the images with their YOLO label files, splits them deterministically into train, validation
and test sets, copies them under the output directory and writes the data configuration for the trainer.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			prepared, err := pipeline.PrepareDataset(cfg.SplitConfig(), imagesDir, labelsDir, outDir, classNames)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, titleStyle.Render("Dataset"))
			table := newPlainTable()
			table.Headers("Split", "# samples", "Images", "Labels")
			for _, name := range split.Names {
				dirs := prepared.Layout.Splits[name]
				table.Row(string(name), humanize.Comma(int64(len(prepared.Splits[name]))), dirs.Images, dirs.Labels)
			}
			_, _ = fmt.Fprintln(out, table.Render())
			_, err = fmt.Fprintf(out, "Data configuration: %s\n", prepared.DataConfig)
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&imagesDir, "images", "", "Directory with the images.")
	flags.StringVar(&labelsDir, "labels", "", "Directory with the YOLO label files.")
	flags.StringVar(&outDir, "out", "", "Root directory of the split dataset.")
	flags.StringSliceVar(&classNames, "classes", nil, "Class names, ordered by class id.")
	for _, name := range []string{"images", "labels", "out", "classes"} {
		_ = cmd.MarkFlagRequired(name)
	}
	flags.Int64("seed", 0, "Seed of the split.")
	flags.Float64("train", 0, "Fraction of the samples in the train set.")
	flags.Float64("val", 0, "Fraction of the samples in the validation set.")
	flags.Float64("test", 0, "Fraction of the samples in the test set.")
	flags.Bool("verify", false, "Decode every image and parse every label, discarding the invalid samples.")
	flags.Bool("positional", false, "Pair images and labels by position instead of by file name.")
	for name, key := range map[string]string{
		"seed":       "split.seed",
		"train":      "split.train",
		"val":        "split.val",
		"test":       "split.test",
		"verify":     "dataset.verify",
		"positional": "dataset.positional_pairing",
	} {
		a.bind(flags, name, key)
	}
	return cmd
}
