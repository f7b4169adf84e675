// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/gomlx/detpipe/pkg/inference"
	"github.com/gomlx/detpipe/pkg/train/yolocli"
	"github.com/spf13/cobra"
)

func (a *app) inferCommand() *cobra.Command {
	var mode, path string
	var camera int
	cmd := &cobra.Command{
		Use:   "infer",
		Short: "Run the latest version of a model on the webcam, an image or a video",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := inference.Request{Path: path, Camera: camera}
			var err error
			if req.Mode, err = inference.ParseMode(mode); err != nil {
				return err
			}
			if err = req.Validate(); err != nil {
				return err
			}
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			if err = cfg.ValidateInference(); err != nil {
				return err
			}
			svc, release, err := openService(cfg)
			if err != nil {
				return err
			}
			defer release()
			runner := cfg.Runner()
			runner.Service = svc
			runner.Predictor = yolocli.New(cfg.Trainer.Command...)
			return runner.Run(cmd.Context(), req)
		},
	}
	modes := make([]string, len(inference.Modes))
	for ii, m := range inference.Modes {
		modes[ii] = m.String()
	}
	flags := cmd.Flags()
	flags.StringVar(&mode, "mode", "", fmt.Sprintf("Inference mode, one of %s.", strings.Join(modes, ", ")))
	_ = cmd.MarkFlagRequired("mode")
	flags.StringVar(&path, "path", "", "Image or video file, required for the IMAGE and VIDEO modes.")
	flags.IntVar(&camera, "camera", 0, "Camera index for the WEBCAM mode.")
	flags.String("model", "", "Name of the model: its latest version is used.")
	flags.String("device", "", "Device to run on, e.g. cpu or 0.")
	a.bind(flags, "model", "model.name")
	a.bind(flags, "device", "inference.device")
	return cmd
}
