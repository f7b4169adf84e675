// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// registerCommand registers a local dataset in the offline store, so it can be trained on with --offline.
func (a *app) registerCommand() *cobra.Command {
	var imagesDir, labelsDir string
	var classNames []string
	cmd := &cobra.Command{
		Use:   "register NAME VERSION",
		Short: "Register a local dataset version in the offline store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			dataset, err := store.RegisterDataset(cmd.Context(), args[0], args[1], imagesDir, labelsDir, classNames)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), dataset.ID)
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&imagesDir, "images", "", "Directory with the images.")
	flags.StringVar(&labelsDir, "labels", "", "Directory with the YOLO label files.")
	flags.StringSliceVar(&classNames, "classes", nil, "Class names, ordered by class id.")
	for _, name := range []string{"images", "labels", "classes"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func (a *app) modelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Manage the models of the offline store",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create NAME",
		Short: "Create a model, if it doesn't exist yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			model, err := store.EnsureModel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), model.ID)
			return err
		},
	}, &cobra.Command{
		Use:   "versions NAME",
		Short: "List the versions of a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			svc, release, err := openService(cfg)
			if err != nil {
				return err
			}
			defer release()
			model, err := svc.GetModel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			versions, err := svc.ListModelVersions(cmd.Context(), model)
			if err != nil {
				return err
			}
			table := newPlainTable()
			table.Headers("Version", "Name", "Created", "Labels")
			for _, version := range versions {
				table.Row(fmt.Sprint(version.Version), version.Name, version.CreatedAt.Format("2006-01-02 15:04"),
					fmt.Sprint(len(version.Labels)))
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), table.Render())
			return err
		},
	})
	return cmd
}

func (a *app) configCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
