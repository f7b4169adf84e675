// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/detpipe/pkg/train/plots"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func (a *app) reportCommand() *cobra.Command {
	var metricsNames, metricsTypes, pngPath string
	var listLabels bool
	cmd := &cobra.Command{
		Use:   "report RUN_DIR",
		Short: "Report the metrics collected during a training run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := &report{out: cmd.OutOrStdout(), runDir: args[0], listLabels: listLabels, pngPath: pngPath}
			if metricsNames != "" {
				var err error
				if r.namesMatcher, err = regexp.Compile(metricsNames); err != nil {
					return errors.Wrapf(err, "failed to compile --metrics=%q", metricsNames)
				}
			}
			if metricsTypes != "" {
				r.types = regexp.MustCompile(`\s*,\s*`).Split(metricsTypes, -1)
			}
			return r.run()
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&metricsNames, "metrics", "",
		"Regular expression that, if it matches the name or short name of a metric, includes it in the report.")
	flags.StringVar(&metricsTypes, "metrics-types", "", "Comma-separated list of metric types to include.")
	flags.BoolVar(&listLabels, "labels", false, "List the short names of the metrics with their full names.")
	flags.StringVar(&pngPath, "png", "", "Render the training curves to this PNG file.")
	return cmd
}

type report struct {
	out          io.Writer
	runDir       string
	namesMatcher *regexp.Regexp
	types        []string
	listLabels   bool
	pngPath      string
}

func (r *report) run() error {
	points, err := plots.LoadPointsFromRunDir(r.runDir)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		klog.Errorf("no metrics found in %q", filepath.Join(r.runDir, plots.TrainingPlotFileName))
		return nil
	}
	r.summary(points)

	shortToName := make(map[string]string)
	var used []plots.Point
	for _, point := range points {
		shortToName[point.Short] = point.MetricName
		if r.namesMatcher != nil || r.types != nil {
			foundName := r.namesMatcher != nil &&
				(r.namesMatcher.MatchString(point.MetricName) || r.namesMatcher.MatchString(point.Short))
			foundType := slices.Contains(r.types, point.MetricType)
			if !foundName && !foundType {
				continue
			}
		}
		used = append(used, point)
	}
	if r.listLabels {
		_, _ = fmt.Fprintln(r.out, titleStyle.Render("Metrics Labels"))
		table := newPlainTable()
		table.Headers("Short", "Metric")
		for _, short := range slices.Sorted(maps.Keys(shortToName)) {
			table.Row(short, shortToName[short])
		}
		_, _ = fmt.Fprintln(r.out, table.Render())
	}
	if len(used) == 0 {
		klog.Errorf("no metrics in %q match the selection", r.runDir)
		return nil
	}

	selected := plots.NewPoints(used)
	_, _ = fmt.Fprintln(r.out, titleStyle.Render("Metrics"))
	_, _ = fmt.Fprintln(r.out, selected.TableForMetrics())
	if r.pngPath != "" {
		if err = plots.SavePNG(selected, r.pngPath); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(r.out, "Training curves saved to %s\n", r.pngPath)
	}
	return nil
}

// summary prints the epochs and the checkpoints of the run.
func (r *report) summary(points []plots.Point) {
	collection := plots.NewPoints(points)
	steps := collection.Steps()
	_, _ = fmt.Fprintln(r.out, titleStyle.Render("Summary"))
	table := newPlainTable()
	table.Row("run", r.runDir)
	table.Row("# epochs", humanize.Comma(int64(len(steps))))
	table.Row("# metrics", humanize.Comma(int64(len(collection.MetricsNames()))))
	weights := must.M1(filepath.Glob(filepath.Join(r.runDir, "weights", "*")))
	for _, checkpoint := range weights {
		info, err := os.Stat(checkpoint)
		if err != nil {
			continue
		}
		table.Row(filepath.Base(checkpoint), humanize.Bytes(uint64(info.Size())))
	}
	_, _ = fmt.Fprintln(r.out, table.Render())
}
